package qcow2

import (
	"sync"
	"sync/atomic"

	"github.com/xzl01/nbdkit/chain"
	"github.com/xzl01/nbdkit/xerr"
)

// contextReaderAt adapts the next context's Pread into an io.ReaderAt so
// the header/L1/L2/cluster-reading code in header.go, mapping.go, and
// compress.go can stay oblivious to the chain (§9 Design Notes: "model
// the request buffer as an owned byte-slice parameter").
type contextReaderAt struct{ next *chain.Context }

func (r contextReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if err := chain.Pread(r.next, p, uint64(off), 0); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Filter holds the process-wide, lazily-initialized qcow2 image state
// shared by every connection through this layer (§3: "Process-wide
// (read-only after open)").
type Filter struct {
	mu       sync.Mutex // guards the initialize-once transition only
	img      atomic.Pointer[Image]
	initCell chain.OnceCell
}

// New builds the qcow2 decoder filter layer.
func New() *chain.Layer {
	f := &Filter{}
	return &chain.Layer{
		Name: "qcow2dec",
		// Advertises PARALLEL; the one-time header/L1 load is serialized
		// internally rather than by downgrading the whole chain's model
		// (§4.C7 Concurrency).
		ThreadModel: func() chain.ThreadModel { return chain.Parallel },

		Open: func(nextOpen chain.NextOpen, readonly bool, exportName string) (any, *chain.Context, error) {
			next, err := nextOpen()
			if err != nil {
				return nil, nil, err
			}
			return chain.HandleNotNeeded, next, nil
		},

		Prepare: func(ctx *chain.Context) error { return f.prepare(ctx) },

		GetSize: func(ctx *chain.Context) (uint64, error) {
			img := f.img.Load()
			if img == nil {
				return 0, xerr.New(xerr.Shutdown, nil)
			}
			return img.Header.VirtualSize, nil
		},

		Caps: func(ctx *chain.Context) (chain.Caps, error) {
			return chain.Caps{
				CanWrite:     false, // read-only decoder; qcow2 writes are a non-goal
				CanFlush:     false,
				CanTrim:      false,
				CanZero:      false,
				CanExtents:   true,
				CanMultiConn: true, // §4.C7: concurrent connections read the same immutable image safely
				CanCache:     chain.CacheEmulate,
			}, nil
		},

		Pread: func(ctx *chain.Context, buf []byte, offset uint64, flags chain.Flags) error {
			return f.pread(buf, offset)
		},
		ExtentsOp: func(ctx *chain.Context, n, offset uint64, flags chain.Flags, out *chain.ExtentList) error {
			return f.extents(n, offset, flags, out)
		},
	}
}

// prepare implements "the first thread to call prepare does the work"
// (§4.C7 Concurrency): a mutex-guarded check-then-set combined with a
// singleflight cell so concurrent first preparers block on one real
// parse instead of racing.
func (f *Filter) prepare(ctx *chain.Context) error {
	f.mu.Lock()
	if f.img.Load() != nil {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	_, err := f.initCell.Do("qcow2-image", func() (any, error) {
		if f.img.Load() != nil {
			return nil, nil
		}
		reader := contextReaderAt{ctx.Next}
		size, err := chain.Size(ctx.Next)
		if err != nil {
			return nil, err
		}
		img, err := Open(reader, size)
		if err != nil {
			return nil, err
		}
		f.img.Store(img)
		return nil, nil
	})
	return err
}

func (f *Filter) pread(buf []byte, offset uint64) error {
	img := f.img.Load()
	if img == nil {
		return xerr.New(xerr.Shutdown, nil)
	}
	cs := img.Header.ClusterSize
	n := uint64(len(buf))
	end := offset + n
	pos := offset
	bufPos := uint64(0)

	for pos < end {
		clusterStart := pos - pos%cs
		clusterEnd := clusterStart + cs
		segEnd := end
		if segEnd > clusterEnd {
			segEnd = clusterEnd
		}

		if pos == clusterStart && segEnd == clusterEnd {
			// Cluster-aligned body: read directly into the caller's
			// buffer (§4.C7 read path step 3).
			if err := readClusterInto(img, clusterStart, buf[bufPos:bufPos+cs]); err != nil {
				return err
			}
		} else {
			// Unaligned head or tail: read via a cluster-sized scratch
			// buffer and copy out the requested slice (§4.C7 steps 2, 4).
			scratch := make([]byte, cs)
			if err := readClusterInto(img, clusterStart, scratch); err != nil {
				return err
			}
			copy(buf[bufPos:bufPos+(segEnd-pos)], scratch[pos-clusterStart:segEnd-clusterStart])
		}

		bufPos += segEnd - pos
		pos = segEnd
	}
	return nil
}

func readClusterInto(img *Image, clusterStart uint64, dst []byte) error {
	entry, err := img.resolve(clusterStart)
	if err != nil {
		return err
	}
	if entry.isHole {
		for i := range dst {
			dst[i] = 0
		}
		return nil
	}
	if entry.compressed {
		data, err := img.readCompressed(entry, img.FileSize)
		if err != nil {
			return err
		}
		copy(dst, data)
		return nil
	}
	if _, err := img.r.ReadAt(dst, int64(entry.dataOffset)); err != nil {
		return xerr.New(xerr.IO, err)
	}
	return nil
}

// extents aligns the query to cluster boundaries and derives flags per
// cluster: unallocated or zero-indicated or offset==0 -> HOLE|ZERO;
// compressed or standard -> allocated. REQ_ONE terminates after the
// first recorded extent (§4.C7 Extents).
func (f *Filter) extents(n, offset uint64, flags chain.Flags, out *chain.ExtentList) error {
	img := f.img.Load()
	if img == nil {
		return xerr.New(xerr.Shutdown, nil)
	}
	cs := img.Header.ClusterSize
	start := offset - offset%cs
	end := offset + n
	if r := end % cs; r != 0 {
		end += cs - r
	}
	if end > img.Header.VirtualSize {
		end = img.Header.VirtualSize
	}

	for pos := start; pos < end; pos += cs {
		entry, err := img.resolve(pos)
		if err != nil {
			return err
		}
		segStart := pos
		segEnd := pos + cs
		if segEnd > end {
			segEnd = end
		}
		if segStart < offset {
			// The cluster containing the query offset starts before it;
			// trim the first record down so it still satisfies "first
			// record's offset >= query offset" without losing the cluster
			// boundaries the rest of the walk relies on internally.
			segStart = offset
		}
		var fl chain.ExtentFlag
		if entry.isHole {
			fl = chain.Hole | chain.ZeroExtent
		}
		if err := out.Append(segStart, segEnd-segStart, fl); err != nil {
			return err
		}
		if flags.Has(chain.ReqOne) && out.Count() > 0 {
			break
		}
	}
	return nil
}
