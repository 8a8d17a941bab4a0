// Package retry implements the bounded-retry-with-reopen filter (C5),
// grounded directly on nbdkit's filters/retry/retry.c.
package retry

import (
	"sync/atomic"
	"time"

	"github.com/xzl01/nbdkit/chain"
	"github.com/xzl01/nbdkit/nlog"
	"github.com/xzl01/nbdkit/xerr"
)

// Config mirrors retry.c's configuration keys: retries (default 5, 0
// disables), retry-delay (default 2s, must be nonzero), retry-exponential
// (default true), and force the connection readonly on every reopen
// (retry.c's "-retry-readonly" equivalent).
type Config struct {
	Retries       int
	Delay         time.Duration
	Exponential   bool
	ForceReadonly bool
}

// DefaultConfig matches retry.c's compiled-in defaults.
func DefaultConfig() Config {
	return Config{Retries: 5, Delay: 2 * time.Second, Exponential: true}
}

// handle is the per-connection durable retry state (§3 Retry state:
// "Per-handle durable: saved readonly flag, saved export name, reopen-
// count, open-bool").
type handle struct {
	readonly   bool
	exportName string
	reopenCnt  int64 // atomic
	open       bool
}

func (h *handle) ReopenCount() int64 { return atomic.LoadInt64(&h.reopenCnt) }

// sleepFn is overridable by tests so S6's "~3s elapsed" boundary scenario
// doesn't need to actually sleep.
var sleepFn = time.Sleep

// New builds the retry filter layer. Its Next must be set (via
// chain.Compose) to the layer whose connection loss/reopen this filter
// manages.
func New(cfg Config) *chain.Layer {
	var l *chain.Layer
	l = &chain.Layer{
		Name: "retry",
		// Thread-model: at least SERIALIZE_REQUESTS, because reopen
		// mutates the next-context on a connection (§4.C5).
		ThreadModel: func() chain.ThreadModel { return chain.SerializeAllRequests },

		Open: func(nextOpen chain.NextOpen, readonly bool, exportName string) (any, *chain.Context, error) {
			next, err := nextOpen()
			if err != nil {
				return nil, nil, err
			}
			h := &handle{readonly: readonly, exportName: exportName, open: true}
			return h, next, nil
		},

		GetSize: func(ctx *chain.Context) (uint64, error) {
			return chain.Size(ctx.Next)
		},

		Caps: func(ctx *chain.Context) (chain.Caps, error) {
			caps, err := chain.EffectiveCaps(ctx.Next)
			if err != nil {
				return caps, err
			}
			h := ctx.Handle.(*handle)
			if cfg.ForceReadonly && h.ReopenCount() > 0 {
				// Invariant (§4.C5): "after force-readonly takes effect on
				// reopen, all write-class operations fail EROFS without
				// descending."
				caps.CanWrite = false
				caps.CanZero = false
				caps.CanTrim = false
			}
			return caps, nil
		},

		Pread: func(ctx *chain.Context, buf []byte, offset uint64, flags chain.Flags) error {
			return withRetry(l, ctx, cfg, func() error {
				return chain.Pread(ctx.Next, buf, offset, flags)
			})
		},
		Pwrite: func(ctx *chain.Context, buf []byte, offset uint64, flags chain.Flags) error {
			return withRetry(l, ctx, cfg, func() error {
				return chain.Pwrite(ctx.Next, buf, offset, flags)
			})
		},
		ZeroOp: func(ctx *chain.Context, n, offset uint64, flags chain.Flags) error {
			return withRetry(l, ctx, cfg, func() error {
				return chain.ZeroOp(ctx.Next, n, offset, flags)
			})
		},
		TrimOp: func(ctx *chain.Context, n, offset uint64, flags chain.Flags) error {
			return withRetry(l, ctx, cfg, func() error {
				return chain.TrimOp(ctx.Next, n, offset, flags)
			})
		},
		FlushOp: func(ctx *chain.Context, flags chain.Flags) error {
			return withRetry(l, ctx, cfg, func() error {
				return chain.FlushOp(ctx.Next, flags)
			})
		},
		CacheOp: func(ctx *chain.Context, n, offset uint64, flags chain.Flags) error {
			return withRetry(l, ctx, cfg, func() error {
				return chain.CacheOp(ctx.Next, n, offset, flags)
			})
		},
		ExtentsOp: func(ctx *chain.Context, n, offset uint64, flags chain.Flags, out *chain.ExtentList) error {
			return withRetry(l, ctx, cfg, func() error {
				return chain.ExtentsOp(ctx.Next, n, offset, flags, out)
			})
		},

		Close: func(ctx *chain.Context) {
			// Close is orchestrated by the runtime across the whole
			// Context chain (chain.Close); nothing extra to release here.
		},
	}
	return l
}

// withRetry implements the per-command retry state machine exactly as
// described in §4.C5 and retry.c's do_retry: on the kth failure (k from
// 0), give up once k>=R, otherwise sleep D*2^k (or D), close-then-reopen
// the next context, and reissue. A finalize failure during the close
// step is folded back into the same loop as a fresh SHUTDOWN failure
// (retry.c: "if finalize fails, treat as a fresh failure ... and retry"),
// and a failed reopen (open or prepare) is likewise folded back in
// without reissuing the original op.
func withRetry(l *chain.Layer, ctx *chain.Context, cfg Config, op func() error) error {
	h := ctx.Handle.(*handle)
	if !h.open {
		return xerr.New(xerr.Shutdown, nil)
	}

	err := op()
	for k := 0; err != nil; k++ {
		if k >= cfg.Retries {
			return err
		}

		delay := cfg.Delay
		if cfg.Exponential {
			delay = cfg.Delay * (1 << uint(k))
		}
		sleepFn(delay)

		if ferr := chain.Finalize(ctx.Next); ferr != nil {
			nlog.Warningln("retry: finalize failed during reopen, retrying:", ferr)
			err = xerr.New(xerr.Shutdown, ferr)
			continue
		}
		chain.Close(ctx.Next)
		h.open = false

		readonly := h.readonly || cfg.ForceReadonly
		next, operr := chain.Open(l.Next, readonly, h.exportName)
		if operr != nil {
			err = operr
			continue
		}
		if perr := chain.Prepare(next); perr != nil {
			err = perr
			continue
		}

		ctx.Next = next
		atomic.AddInt64(&h.reopenCnt, 1)
		h.open = true
		nlog.Infoln("retry: reopened connection, reopen count", h.ReopenCount())

		err = op()
	}
	return nil
}

