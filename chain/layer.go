package chain

// handleSentinel is the concrete type behind HandleNotNeeded.
type handleSentinel struct{}

// HandleNotNeeded is the reserved sentinel a filter's Open returns (or is
// substituted by the runtime) when the filter has no handle of its own,
// so dispatch code always has a non-nil handle to pass down (§4.C3: "A
// filter that does not supply open returns the reserved sentinel
// HANDLE_NOT_NEEDED").
var HandleNotNeeded any = handleSentinel{}

// NextOpen is the callback a layer's Open implementation invokes to open
// the next layer down, at whatever point its own design requires — before
// constructing its own handle, after, or (for a pure pass-through filter)
// as its entire body. This is what realizes §4.C3's "a filter's open must
// either (a) call next_open first then set up its own handle, or (b)
// construct its handle and call next_open — both are valid".
type NextOpen func() (*Context, error)

// Layer is a single position in the chain: a filter or the terminal
// plugin. All function fields are optional; a nil field takes the
// documented default for that hook. Next is nil only for the plugin
// terminal.
type Layer struct {
	Name string
	Next *Layer

	// Startup hooks (§3 Backend layer, §4.C3).
	Load           func() error
	Unload         func()
	Config         func(key, val string) error
	ConfigComplete func() error
	GetReady       func() error
	AfterFork      func() error
	// Preconnect is layer-controlled exactly like Open: an implementation
	// decides when (or whether) to call nextPreconnect.
	Preconnect func(exportName string, nextPreconnect func(string) error) error
	// ThreadModel declares this layer's own model; nil means "no
	// restriction", i.e. Parallel, so negotiation degrades only where a
	// layer actually needs it (§4.C3: "Layers needing global state ...
	// downgrade the model").
	ThreadModel func() ThreadModel

	// Per-connection lifecycle.
	Open     func(nextOpen NextOpen, readonly bool, exportName string) (handle any, next *Context, err error)
	Prepare  func(ctx *Context) error
	Finalize func(ctx *Context) error
	Close    func(ctx *Context)
	Cleanup  func()

	// Introspection.
	Caps    func(ctx *Context) (Caps, error)
	GetSize func(ctx *Context) (uint64, error)

	// Data ops (§4.C2). A nil op is a hard programming error for the
	// plugin terminal (which must supply at least Pread) and is resolved
	// to pass-through for a filter via Dispatch's defaults.
	Pread     func(ctx *Context, buf []byte, offset uint64, flags Flags) error
	Pwrite    func(ctx *Context, buf []byte, offset uint64, flags Flags) error
	ZeroOp    func(ctx *Context, n uint64, offset uint64, flags Flags) error
	TrimOp    func(ctx *Context, n uint64, offset uint64, flags Flags) error
	FlushOp   func(ctx *Context, flags Flags) error
	CacheOp   func(ctx *Context, n uint64, offset uint64, flags Flags) error
	ExtentsOp func(ctx *Context, n uint64, offset uint64, flags Flags, out *ExtentList) error
}

// Context is a per-connection, per-layer state record: the handle
// produced by this layer's Open, and the owning pointer to the next
// layer's context (§3 Context).
type Context struct {
	Backend *Layer
	Handle  any
	Next    *Context

	// TraceID identifies the connection this context belongs to, set once
	// on the outermost context by Open. Inner contexts leave it empty;
	// callers that want it from an inner *Context should hold onto the
	// outer one nlog.Traced was built from.
	TraceID string
}

// NextHandle returns the handle that must be passed to any call forwarded
// to c.Next — never c.Handle (§8 invariant 1).
func (c *Context) NextHandle() any {
	if c.Next == nil {
		return nil
	}
	return c.Next.Handle
}
