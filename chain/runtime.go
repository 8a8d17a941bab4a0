package chain

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/xzl01/nbdkit/nlog"
)

// Compose wraps layers outer-to-inner: layers[0] is the outermost filter,
// layers[len-1] must be the plugin terminal (Next == nil already). It
// returns the outermost *Layer, the entry point for every subsequent
// operation (§3 Backend layer: "constructed at startup in outer-to-inner
// order").
func Compose(layers ...*Layer) *Layer {
	for i := 0; i < len(layers)-1; i++ {
		layers[i].Next = layers[i+1]
	}
	return layers[0]
}

// list returns the chain as a flat outer-to-inner slice, starting at l.
func list(l *Layer) []*Layer {
	var out []*Layer
	for c := l; c != nil; c = c.Next {
		out = append(out, c)
	}
	return out
}

// RunLoad fires Load on every layer. Order is unspecified by §3; this
// runtime picks outer-to-inner for determinism but callers must not rely
// on the order. A load failure is logged and aborts startup — see
// RunGetReady for the "startup failure is fatal" behavior spec.md §4.C3
// assigns to every startup hook.
func RunLoad(outer *Layer) error {
	for _, l := range list(outer) {
		if l.Load != nil {
			if err := l.Load(); err != nil {
				return errors.Wrapf(err, "load failed in layer %q", l.Name)
			}
		}
	}
	return nil
}

// RunUnload fires Unload on every layer in unspecified order (outer-to-
// inner here); per §7, unload failures are impossible by construction
// (Unload returns nothing) and unload "continues unconditionally" — a
// panic in one layer's Unload is recovered and logged, never allowed to
// skip the remaining layers' unload.
func RunUnload(outer *Layer) {
	for _, l := range list(outer) {
		if l.Unload != nil {
			func(l *Layer) {
				defer func() {
					if r := recover(); r != nil {
						logRecoveredUnload(l.Name, r)
					}
				}()
				l.Unload()
			}(l)
		}
	}
}

// RunConfig dispatches one key/val pair outer-to-inner, stopping at the
// first layer whose Config recognizes it (returns nil). Returns the
// deepest error seen if no layer recognizes the key.
func RunConfig(outer *Layer, key, val string) error {
	var last error
	for _, l := range list(outer) {
		if l.Config == nil {
			continue
		}
		if err := l.Config(key, val); err == nil {
			return nil
		} else {
			last = err
		}
	}
	if last == nil {
		return errors.Errorf("no layer recognized config key %q", key)
	}
	return last
}

// RunConfigComplete fires ConfigComplete outer-to-inner, matching the
// order config keys themselves are dispatched in.
func RunConfigComplete(outer *Layer) error {
	for _, l := range list(outer) {
		if l.ConfigComplete != nil {
			if err := l.ConfigComplete(); err != nil {
				return errors.Wrapf(err, "config_complete failed in layer %q", l.Name)
			}
		}
	}
	return nil
}

// RunGetReady fires GetReady inner-to-outer (§3: "get-ready fires inner-
// to-outer").
func RunGetReady(outer *Layer) error {
	ls := list(outer)
	for i := len(ls) - 1; i >= 0; i-- {
		if ls[i].GetReady != nil {
			if err := ls[i].GetReady(); err != nil {
				return errors.Wrapf(err, "get_ready failed in layer %q", ls[i].Name)
			}
		}
	}
	return nil
}

// RunAfterFork fires AfterFork inner-to-outer (§3: "after-fork fires
// inner-to-outer").
func RunAfterFork(outer *Layer) error {
	ls := list(outer)
	for i := len(ls) - 1; i >= 0; i-- {
		if ls[i].AfterFork != nil {
			if err := ls[i].AfterFork(); err != nil {
				return errors.Wrapf(err, "after_fork failed in layer %q", ls[i].Name)
			}
		}
	}
	return nil
}

// RunPreconnect invokes the outermost layer's Preconnect, which is
// layer-controlled like Open: "preconnect fires outer-to-inner and
// completes inner-to-outer" describes a layer calling nextPreconnect
// partway through its own body, exactly as Open does.
func RunPreconnect(outer *Layer, exportName string) error {
	return preconnect(outer, exportName)
}

func preconnect(l *Layer, exportName string) error {
	next := func(name string) error {
		if l.Next == nil {
			return nil
		}
		return preconnect(l.Next, name)
	}
	if l.Preconnect == nil {
		return next(exportName)
	}
	return l.Preconnect(exportName, next)
}

// NegotiatedThreadModel computes min(layer.ThreadModel()) over the whole
// chain, defaulting an undeclared layer to Parallel (§4.C9).
func NegotiatedThreadModel(outer *Layer) ThreadModel {
	model := Parallel
	for _, l := range list(outer) {
		lm := Parallel
		if l.ThreadModel != nil {
			lm = l.ThreadModel()
		}
		model = Negotiate(model, lm)
	}
	return model
}

// Open opens the whole chain for one connection, starting at outer. The
// returned context's TraceID is a fresh uuid, the value callers pass to
// nlog.Traced so every log line for this connection can be grepped out of
// a shared server log.
func Open(outer *Layer, readonly bool, exportName string) (*Context, error) {
	ctx, err := openLayer(outer, readonly, exportName)
	if err != nil {
		return nil, err
	}
	ctx.TraceID = uuid.NewString()
	return ctx, nil
}

func openLayer(l *Layer, readonly bool, exportName string) (*Context, error) {
	nextOpen := func() (*Context, error) {
		if l.Next == nil {
			return nil, nil
		}
		return openLayer(l.Next, readonly, exportName)
	}
	if l.Open == nil {
		// Default filter behavior: pure pass-through, no handle of its own.
		next, err := nextOpen()
		if err != nil {
			return nil, err
		}
		return &Context{Backend: l, Handle: HandleNotNeeded, Next: next}, nil
	}
	handle, next, err := l.Open(nextOpen, readonly, exportName)
	if err != nil {
		return nil, err
	}
	if handle == nil {
		handle = HandleNotNeeded
	}
	return &Context{Backend: l, Handle: handle, Next: next}, nil
}

// Prepare runs inner-to-outer across an already-open context chain
// (§4.C3: "the plugin terminal first, then filter1, filter2, …").
func Prepare(ctx *Context) error {
	var chain []*Context
	for c := ctx; c != nil; c = c.Next {
		chain = append(chain, c)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		c := chain[i]
		if c.Backend.Prepare != nil {
			if err := c.Backend.Prepare(c); err != nil {
				return errors.Wrapf(err, "prepare failed in layer %q", c.Backend.Name)
			}
		}
	}
	return nil
}

// Finalize runs outer-to-inner, the reverse of Prepare's completion order
// (§4.C3). A finalize failure is not retried here — the retry filter
// (C5) is the one layer that turns a finalize failure during its own
// reopen sequence back into a fresh SHUTDOWN failure; elsewhere it simply
// propagates.
func Finalize(ctx *Context) error {
	for c := ctx; c != nil; c = c.Next {
		if c.Backend.Finalize != nil {
			if err := c.Backend.Finalize(c); err != nil {
				return errors.Wrapf(err, "finalize failed in layer %q", c.Backend.Name)
			}
		}
	}
	return nil
}

// Close runs outer-to-inner (§4.C3: "Close runs outer-to-inner (reverse
// of prepare completion)"). This is the one place this runtime resolves
// an apparent tension in spec.md: §3's Context-invariant prose ("destroying
// a context destroys its next-context first then calls that layer's
// close") read literally as a recursive destructor yields inner-to-outer,
// but §4.C3's operational description is explicit and is what this
// runtime follows; recorded as a decided ambiguity in DESIGN.md.
func Close(ctx *Context) {
	for c := ctx; c != nil; c = c.Next {
		if c.Backend.Close != nil {
			c.Backend.Close(c)
		}
	}
}

// Cleanup fires outer-to-inner at teardown, over the Layer chain itself
// rather than a per-connection Context chain (§4.C3).
func Cleanup(outer *Layer) {
	for _, l := range list(outer) {
		if l.Cleanup != nil {
			l.Cleanup()
		}
	}
}

// EffectiveCaps resolves a context's capability set. A layer with its own
// Caps hook answers for every field, zero-valued ones included (a false
// or zero field is not filled in from ctx.Next); a layer without one
// inherits ctx.Next's caps whole (§4.C2: "Caps negotiation: a filter that cannot support X
// unconditionally returns 'no' ... one that wraps-and-delegates returns
// next.can_X()").
func EffectiveCaps(ctx *Context) (Caps, error) {
	if ctx.Backend.Caps != nil {
		return ctx.Backend.Caps(ctx)
	}
	if ctx.Next != nil {
		return EffectiveCaps(ctx.Next)
	}
	return Caps{}, nil
}

// Gate serializes dispatch according to a negotiated ThreadModel, using
// golang.org/x/sync/semaphore.Weighted of width 1 for the two strict
// models and no gating at all for Parallel (§5, §9 Design Notes:
// "Thread model as a small integer where smaller = stricter ... use a
// total-ordered enum and take min over the chain").
type Gate struct {
	model ThreadModel
	sem   *semaphore.Weighted // nil when model == Parallel
}

// NewGate builds the concurrency gate the outer server imposes around
// dispatch for the given negotiated model (§4.C9, §5).
func NewGate(model ThreadModel) *Gate {
	g := &Gate{model: model}
	if model != Parallel {
		g.sem = semaphore.NewWeighted(1)
	}
	return g
}

// Acquire blocks until this goroutine may dispatch a request, respecting
// ctx cancellation (the cancellable-wait contract of §5).
func (g *Gate) Acquire(ctx context.Context) error {
	if g.sem == nil {
		return nil
	}
	return g.sem.Acquire(ctx, 1)
}

func (g *Gate) Release() {
	if g.sem != nil {
		g.sem.Release(1)
	}
}

// OnceCell realizes the "first-to-enter prepare initializes" pattern
// §9 Design Notes calls out for global singletons (the qcow2 header, the
// evil filter's corruption state), using golang.org/x/sync/singleflight
// keyed on an arbitrary string so multiple independent cells (e.g. one
// per image path) can share a single flight group.
type OnceCell struct {
	group singleflight.Group
}

// Do runs fn for key unless a call for the same key is already in
// flight, in which case it waits for that call and returns the same
// result/error. Once a call has returned, a later Do with the same key
// runs fn again; callers that need run-once behavior check their own
// "already done" state inside fn.
func (c *OnceCell) Do(key string, fn func() (any, error)) (any, error) {
	v, err, _ := c.group.Do(key, fn)
	return v, err
}

// logRecoveredUnload reports a panic recovered from one layer's Unload;
// RunUnload then goes on with the remaining layers.
func logRecoveredUnload(layer string, r any) {
	nlog.Errorln("unload panicked in layer", layer+":", r)
}
