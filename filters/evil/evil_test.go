package evil

import (
	"bytes"
	"testing"

	"github.com/xzl01/nbdkit/chain"
)

func constPlugin(size uint64, fill byte) *chain.Layer {
	return &chain.Layer{
		Name: "const",
		Open: func(nextOpen chain.NextOpen, readonly bool, exportName string) (any, *chain.Context, error) {
			return chain.HandleNotNeeded, nil, nil
		},
		GetSize: func(ctx *chain.Context) (uint64, error) { return size, nil },
		Pread: func(ctx *chain.Context, buf []byte, offset uint64, flags chain.Flags) error {
			for i := range buf {
				buf[i] = fill
			}
			return nil
		},
	}
}

func TestZeroProbabilityLeavesBufferUnchanged(t *testing.T) {
	l := New()
	if err := l.Config("evil-mode", "stuck-bits"); err != nil {
		t.Fatalf("config mode: %v", err)
	}
	if err := l.Config("evil-probability", "0"); err != nil {
		t.Fatalf("config probability: %v", err)
	}
	if err := l.ConfigComplete(); err != nil {
		t.Fatalf("config_complete: %v", err)
	}
	if err := l.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := l.GetReady(); err != nil {
		t.Fatalf("get_ready: %v", err)
	}

	outer := chain.Compose(l, constPlugin(4096, 0xCD))
	ctx, err := chain.Open(outer, true, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	buf := make([]byte, 512)
	if err := chain.Pread(ctx, buf, 0, 0); err != nil {
		t.Fatalf("pread: %v", err)
	}
	if !bytes.Equal(buf, bytes.Repeat([]byte{0xCD}, 512)) {
		t.Fatalf("probability 0 corrupted the buffer")
	}
}

func TestStuckBitsIsDeterministicAcrossRequests(t *testing.T) {
	l := New()
	if err := l.Config("evil-mode", "stuck-bits"); err != nil {
		t.Fatalf("config mode: %v", err)
	}
	if err := l.Config("evil-probability", "1"); err != nil { // above MAXP: every bit is drawn for, deterministic given seed
		t.Fatalf("config probability: %v", err)
	}
	if err := l.Config("evil-seed", "42"); err != nil {
		t.Fatalf("config seed: %v", err)
	}
	if err := l.ConfigComplete(); err != nil {
		t.Fatalf("config_complete: %v", err)
	}
	if err := l.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := l.GetReady(); err != nil {
		t.Fatalf("get_ready: %v", err)
	}

	outer := chain.Compose(l, constPlugin(4096, 0x00))

	ctx1, err := chain.Open(outer, true, "")
	if err != nil {
		t.Fatalf("open 1: %v", err)
	}
	buf1 := make([]byte, 256)
	if err := chain.Pread(ctx1, buf1, 0, 0); err != nil {
		t.Fatalf("pread 1: %v", err)
	}

	ctx2, err := chain.Open(outer, true, "")
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}
	buf2 := make([]byte, 256)
	if err := chain.Pread(ctx2, buf2, 0, 0); err != nil {
		t.Fatalf("pread 2: %v", err)
	}

	if !bytes.Equal(buf1, buf2) {
		t.Fatalf("STUCK_BITS corruption at the same offset was not reproducible across connections")
	}
}
