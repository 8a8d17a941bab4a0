// Package memplugin is a trivial in-memory plugin terminal: every byte
// reads back as a fixed constant. It exists to give filters (and this
// repo's tests) a minimal, fully-specified chain terminal without
// needing a real backing file or network origin (§8 S3).
package memplugin

import "github.com/xzl01/nbdkit/chain"

// Config is the fixed-byte source's only two knobs.
type Config struct {
	Byte byte
	Size uint64
}

// New builds the fixed-byte plugin layer.
func New(cfg Config) *chain.Layer {
	return &chain.Layer{
		Name: "memplugin",

		Open: func(nextOpen chain.NextOpen, readonly bool, exportName string) (any, *chain.Context, error) {
			return chain.HandleNotNeeded, nil, nil
		},

		GetSize: func(ctx *chain.Context) (uint64, error) { return cfg.Size, nil },

		Caps: func(ctx *chain.Context) (chain.Caps, error) {
			return chain.Caps{CanWrite: true, CanExtents: true, CanMultiConn: true}, nil
		},

		Pread: func(ctx *chain.Context, buf []byte, offset uint64, flags chain.Flags) error {
			for i := range buf {
				buf[i] = cfg.Byte
			}
			return nil
		},

		Pwrite: func(ctx *chain.Context, buf []byte, offset uint64, flags chain.Flags) error {
			return nil // writes are accepted and discarded; this is a read-fixture plugin
		},

		ExtentsOp: func(ctx *chain.Context, n, offset uint64, flags chain.Flags, out *chain.ExtentList) error {
			return out.Append(offset, n, 0) // always allocated
		},
	}
}
