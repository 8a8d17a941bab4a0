package chain

import "github.com/xzl01/nbdkit/xerr"

// ExtentFlag marks the allocation/zero status of an Extent record.
type ExtentFlag uint32

const (
	Hole ExtentFlag = 1 << iota
	ZeroExtent
)

// Extent is one (offset, length, flags) record in an ExtentList.
type Extent struct {
	Offset uint64
	Length uint64
	Flags  ExtentFlag
}

// ExtentList is the bounded, monotonic, coalescing sequence of records
// described in §3/§4.C1: records cover contiguous bytes, the
// caller-specified upper bound is never exceeded, and an appended extent
// that abuts the previous one with identical flags coalesces into it.
// Where the first record starts is up to the caller (see NewExtentList).
type ExtentList struct {
	start []Extent
	bound uint64 // upper_bound: extents may never cover past this offset
}

// NewExtentList constructs an empty list whose records may not extend
// past upperBound. No start offset is recorded, so Append does not check
// that the first record begins at or after the query offset.
func NewExtentList(upperBound uint64) *ExtentList {
	return &ExtentList{bound: upperBound}
}

// Append extends the list. Fails (INVAL) if the extent would exceed
// upper_bound, or (INVAL) if offset is past the end of the list (gaps
// are forbidden — every append must be contiguous with what came before).
func (l *ExtentList) Append(offset, length uint64, flags ExtentFlag) error {
	if length == 0 {
		return nil
	}
	end := offset + length
	if end < offset {
		return xerr.New(xerr.Overflow, nil)
	}
	if end > l.bound {
		return xerr.Newf(xerr.Inval, "extent [%d,%d) exceeds upper bound %d", offset, end, l.bound)
	}
	if n := len(l.start); n > 0 {
		last := &l.start[n-1]
		if last.Offset+last.Length != offset {
			return xerr.Newf(xerr.Inval, "extent gap: last ends at %d, next starts at %d",
				last.Offset+last.Length, offset)
		}
		if last.Flags == flags {
			last.Length += length
			return nil
		}
	}
	l.start = append(l.start, Extent{Offset: offset, Length: length, Flags: flags})
	return nil
}

// Count returns the number of (already-coalesced) extent records.
func (l *ExtentList) Count() int { return len(l.start) }

// Get returns the i'th record.
func (l *ExtentList) Get(i int) Extent { return l.start[i] }

// All returns every record, for range-style iteration by callers.
func (l *ExtentList) All() []Extent { return l.start }

// Free resets the list by dropping its records; the list accepts new
// Appends afterwards. Go's GC makes an explicit free unnecessary; it is
// kept, matching spec.md's explicit lifecycle (constructed per query,
// freed after return to the requester), so a caller that pools
// ExtentLists across queries has a single reset point.
func (l *ExtentList) Free() { l.start = nil }

// Rebase returns a new ExtentList with every record's offset shifted by
// -delta, used by the partition filter to translate extents observed
// against the underlying device back into the partition's own window
// (§4.C6: "EXTENTS additionally subtracts base_offset from each
// returned extent record").
func (l *ExtentList) Rebase(delta uint64, upperBound uint64) *ExtentList {
	out := NewExtentList(upperBound)
	for _, e := range l.start {
		off := e.Offset
		if off < delta {
			off = 0
		} else {
			off -= delta
		}
		// Best-effort: a malformed underlying extent that undershoots delta
		// collapses to 0 rather than panicking; callers validate bounds
		// before constructing the filter's own response.
		_ = out.Append(off, e.Length, e.Flags)
	}
	return out
}
