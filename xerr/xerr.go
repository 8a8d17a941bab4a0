// Package xerr carries the request-level error taxonomy shared by every
// layer of the chain: a small closed enum of error Kinds that map 1:1 to
// NBD wire error codes at the (out of scope) wire boundary, wrapped with
// github.com/pkg/errors so a filter can still recover the originating
// layer's error via errors.Cause while dispatch code only ever branches
// on Kind.
package xerr

import "github.com/pkg/errors"

// Kind is the domain error taxonomy. Zero value is never used for a
// failure (OK is implicit: a nil error).
type Kind int

const (
	_ Kind = iota
	Perm
	IO
	NoMem
	Inval
	NoSpc
	Overflow
	NotSup
	Shutdown
	ROFS
	Range
)

func (k Kind) String() string {
	switch k {
	case Perm:
		return "PERM"
	case IO:
		return "IO"
	case NoMem:
		return "NOMEM"
	case Inval:
		return "INVAL"
	case NoSpc:
		return "NOSPC"
	case Overflow:
		return "OVERFLOW"
	case NotSup:
		return "NOTSUP"
	case Shutdown:
		return "SHUTDOWN"
	case ROFS:
		return "ROFS"
	case Range:
		return "RANGE"
	default:
		return "UNKNOWN"
	}
}

// kindError pairs a Kind with the wrapped cause so dispatch code can
// switch on Kind() while log lines and tests can still print the
// underlying cause chain.
type kindError struct {
	kind  Kind
	cause error
}

func (e *kindError) Error() string { return e.kind.String() + ": " + e.cause.Error() }
func (e *kindError) Unwrap() error { return e.cause }
func (e *kindError) Cause() error  { return e.cause } // pkg/errors Causer interface

// New wraps cause (which may be nil, in which case a bare message is
// synthesized from kind) under the given Kind.
func New(kind Kind, cause error) error {
	if cause == nil {
		cause = errors.New(kind.String())
	}
	return &kindError{kind: kind, cause: errors.WithStack(cause)}
}

// Newf is New with a formatted message as the cause.
func Newf(kind Kind, format string, args ...any) error {
	return New(kind, errors.Errorf(format, args...))
}

// KindOf extracts the Kind from err, defaulting to IO for any error that
// did not originate from this package (a foreign error surfacing through
// a layer boundary is always treated as a generic I/O failure, never
// silently swallowed).
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var ke *kindError
	for e := err; e != nil; e = errors.Unwrap(e) {
		if k, ok := e.(*kindError); ok {
			ke = k
			break
		}
	}
	if ke != nil {
		return ke.kind
	}
	return IO
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }
