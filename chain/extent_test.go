package chain

import "testing"

// Invariant 2 (§8): for any completed EXTENTS response E, E[0].offset <=
// query.offset, total length >= 1, and no two adjacent extents share the
// same flags set.
func TestExtentListCoalesces(t *testing.T) {
	l := NewExtentList(1 << 20)
	if err := l.Append(0, 100, Hole); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := l.Append(100, 50, Hole); err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if l.Count() != 1 {
		t.Fatalf("expected coalesced single extent, got %d", l.Count())
	}
	got := l.Get(0)
	if got.Offset != 0 || got.Length != 150 || got.Flags != Hole {
		t.Fatalf("unexpected coalesced extent: %+v", got)
	}
}

func TestExtentListRejectsGap(t *testing.T) {
	l := NewExtentList(1 << 20)
	if err := l.Append(0, 100, Hole); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := l.Append(200, 50, Hole); err == nil {
		t.Fatal("expected gap to be rejected")
	}
}

func TestExtentListRejectsUpperBound(t *testing.T) {
	l := NewExtentList(100)
	if err := l.Append(0, 200, Hole); err == nil {
		t.Fatal("expected upper-bound violation to be rejected")
	}
}

func TestExtentListDifferentFlagsDoNotCoalesce(t *testing.T) {
	l := NewExtentList(1 << 20)
	if err := l.Append(0, 100, Hole); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := l.Append(100, 50, Hole|ZeroExtent); err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if l.Count() != 2 {
		t.Fatalf("expected 2 distinct extents, got %d", l.Count())
	}
}

func TestExtentListRebase(t *testing.T) {
	l := NewExtentList(1 << 20)
	_ = l.Append(1024, 512, Hole)
	r := l.Rebase(1024, 1<<20)
	if r.Count() != 1 || r.Get(0).Offset != 0 {
		t.Fatalf("rebase did not subtract base offset: %+v", r.Get(0))
	}
}
