package cos

import "testing"

// TestS1HumanSizeParse exercises §8 S1 verbatim.
func TestS1HumanSizeParse(t *testing.T) {
	cases := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{in: "1M", want: 1 << 20},
		{in: "1s", want: 512},
		{in: "8E", wantErr: true},
		{in: "-1", wantErr: true},
	}
	for _, c := range cases {
		got, err := ParseSize(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseSize(%q) = %d, <nil>, want an error", c.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseSize(%q) unexpected error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseSizeRejectsValuesPastInt64(t *testing.T) {
	// "8E" == 8 * 2^60 == 2^63, which fits uint64 but not int64: the
	// boundary human-size-test-cases.h enforces via its INT64_MAX cap.
	if _, err := ParseSize("8E"); err == nil {
		t.Fatal("ParseSize(\"8E\") should overflow the int64 bound")
	}
	// One cluster below the boundary still succeeds.
	got, err := ParseSize("7E")
	if err != nil {
		t.Fatalf("ParseSize(\"7E\") unexpected error: %v", err)
	}
	if want := uint64(7) << 60; got != want {
		t.Fatalf("ParseSize(\"7E\") = %d, want %d", got, want)
	}
}

func TestParseSizeRejectsEmptyAndBareSuffix(t *testing.T) {
	if _, err := ParseSize(""); err == nil {
		t.Fatal("ParseSize(\"\") should error")
	}
	if _, err := ParseSize("M"); err == nil {
		t.Fatal("ParseSize(\"M\") with no digits should error")
	}
}

// TestS2NextPow2 exercises §8 S2 verbatim.
func TestS2NextPow2(t *testing.T) {
	cases := []struct {
		in   uint64
		want uint64
	}{
		{in: 0, want: 1},
		{in: 1, want: 1},
		{in: 3, want: 4},
		{in: 0x700000001, want: 0x800000000},
		{in: 0x8000000000000000, want: 0x8000000000000000},
		{in: uint64(int64(-1)), want: 1<<64 - 1}, // the "-1" error-sentinel case
	}
	for _, c := range cases {
		if got := NextPow2(c.in); got != c.want {
			t.Errorf("NextPow2(%#x) = %#x, want %#x", c.in, got, c.want)
		}
	}
}
