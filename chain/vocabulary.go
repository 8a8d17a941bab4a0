// Package chain implements the backend chain runtime (C3/C9), the plugin
// terminal contract (C4), and the request vocabulary and extent list
// shared by every layer (C1/C2).
package chain

import "github.com/xzl01/nbdkit/xerr"

// Op names one of the seven operations that cross every layer boundary.
type Op int

const (
	Read Op = iota
	Write
	Zero
	Trim
	Flush
	Cache
	Extents
)

func (o Op) String() string {
	switch o {
	case Read:
		return "READ"
	case Write:
		return "WRITE"
	case Zero:
		return "ZERO"
	case Trim:
		return "TRIM"
	case Flush:
		return "FLUSH"
	case Cache:
		return "CACHE"
	case Extents:
		return "EXTENTS"
	default:
		return "UNKNOWN"
	}
}

// Flags is a per-request flag set. Individual bits are independent;
// validity of a given combination is operation-specific (see §4.C2).
type Flags uint32

const (
	MayTrim Flags = 1 << iota
	FUA
	ReqOne
	FastZero
	PayloadLen
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// FUAMode and CacheMode are the tri-valued caps spec.md calls out
// explicitly (can_fua, can_cache ∈ {none, emulate, native}).
type FUAMode int

const (
	FUANone FUAMode = iota
	FUAEmulate
	FUANative
)

type CacheMode int

const (
	CacheNone CacheMode = iota
	CacheEmulate
	CacheNative
)

// Caps is the introspectable capability set of a layer. EffectiveCaps
// resolves it: a layer with a Caps hook supplies the whole struct, zero
// fields included; a layer without one inherits its next layer's caps.
type Caps struct {
	CanWrite     bool
	CanFlush     bool
	IsRotational bool
	CanTrim      bool
	CanZero      bool
	CanFastZero  bool
	CanExtents   bool
	CanFUA       FUAMode
	CanMultiConn bool
	CanCache     CacheMode
	// BlockSize triple: minimum, preferred, maximum, all in bytes.
	// Zero means the layer states no value; EffectiveCaps does not fill
	// a zero field in from next.
	MinBlockSize  uint32
	PrefBlockSize uint32
	MaxBlockSize  uint32
}

// ValidateRange reports the RANGE or OVERFLOW error spec.md §7 requires
// when an operation's (off, n) window would exceed the device of size
// size, or when off+n overflows uint64.
func ValidateRange(off, n, size uint64) error {
	if off > size {
		return xerr.Newf(xerr.Range, "offset %d past size %d", off, size)
	}
	end := off + n
	if end < off {
		return xerr.New(xerr.Overflow, nil)
	}
	if end > size {
		return xerr.Newf(xerr.Range, "range [%d,%d) exceeds size %d", off, end, size)
	}
	return nil
}
