package cos

import "fmt"

// Assert panics if cond is false. Used at construction-time invariant
// checks the way the teacher's cmn/debug package is used at xaction
// construction sites — never on the per-request hot path.
func Assert(cond bool, args ...any) {
	if !cond {
		panic(fmt.Sprint("cos: assertion failed: ", fmt.Sprint(args...)))
	}
}

// AssertNoErr panics if err is non-nil. Reserved for invariants that
// startup code has already validated and that can only fail due to a
// programming error, never due to bad input.
func AssertNoErr(err error) {
	if err != nil {
		panic(fmt.Sprintf("cos: assertion failed: %v", err))
	}
}
