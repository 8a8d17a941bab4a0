package chain

import "github.com/xzl01/nbdkit/xerr"

// Dispatch-level helpers. Every helper validates the (offset, n) window
// against GetSize before forwarding (§4.C2 pre-conditions), and falls
// back to a transparent forward to ctx.Next when the layer itself does
// not implement the op — an unimplemented op on a filter is pass-through,
// not an error; only the plugin terminal is required to implement the
// ops it advertises caps for.

// Size resolves a context's device size by delegating to GetSize,
// falling back to the next layer's size when this layer doesn't
// implement GetSize itself.
func Size(ctx *Context) (uint64, error) { return sizeOf(ctx) }

func sizeOf(ctx *Context) (uint64, error) {
	if ctx.Backend.GetSize != nil {
		return ctx.Backend.GetSize(ctx)
	}
	if ctx.Next != nil {
		return sizeOf(ctx.Next)
	}
	return 0, xerr.New(xerr.Inval, nil)
}

// Pread issues a READ. FUA is ignored for reads per §4.C2.
func Pread(ctx *Context, buf []byte, offset uint64, flags Flags) error {
	size, err := sizeOf(ctx)
	if err != nil {
		return err
	}
	if err := ValidateRange(offset, uint64(len(buf)), size); err != nil {
		return err
	}
	if ctx.Backend.Pread != nil {
		return ctx.Backend.Pread(ctx, buf, offset, flags)
	}
	if ctx.Next == nil {
		return xerr.Newf(xerr.NotSup, "layer %q has no pread", ctx.Backend.Name)
	}
	return Pread(ctx.Next, buf, offset, flags)
}

// Pwrite issues a WRITE.
func Pwrite(ctx *Context, buf []byte, offset uint64, flags Flags) error {
	size, err := sizeOf(ctx)
	if err != nil {
		return err
	}
	if err := ValidateRange(offset, uint64(len(buf)), size); err != nil {
		return err
	}
	caps, err := EffectiveCaps(ctx)
	if err != nil {
		return err
	}
	if !caps.CanWrite {
		return xerr.New(xerr.ROFS, nil)
	}
	if flags.Has(FUA) && caps.CanFUA == FUANone {
		return xerr.New(xerr.IO, nil)
	}
	if ctx.Backend.Pwrite != nil {
		return ctx.Backend.Pwrite(ctx, buf, offset, flags)
	}
	if ctx.Next == nil {
		return xerr.Newf(xerr.NotSup, "layer %q has no pwrite", ctx.Backend.Name)
	}
	if err := Pwrite(ctx.Next, buf, offset, flags); err != nil {
		return err
	}
	if flags.Has(FUA) && caps.CanFUA == FUAEmulate {
		return FlushOp(ctx, 0)
	}
	return nil
}

// ZeroOp issues a ZERO.
func ZeroOp(ctx *Context, n, offset uint64, flags Flags) error {
	size, err := sizeOf(ctx)
	if err != nil {
		return err
	}
	if err := ValidateRange(offset, n, size); err != nil {
		return err
	}
	caps, err := EffectiveCaps(ctx)
	if err != nil {
		return err
	}
	if !caps.CanZero {
		return xerr.New(xerr.NotSup, nil)
	}
	if flags.Has(FastZero) && !caps.CanFastZero {
		return xerr.New(xerr.NotSup, nil)
	}
	if ctx.Backend.ZeroOp != nil {
		return ctx.Backend.ZeroOp(ctx, n, offset, flags)
	}
	if ctx.Next == nil {
		return xerr.Newf(xerr.NotSup, "layer %q has no zero", ctx.Backend.Name)
	}
	return ZeroOp(ctx.Next, n, offset, flags)
}

// TrimOp issues a TRIM.
func TrimOp(ctx *Context, n, offset uint64, flags Flags) error {
	size, err := sizeOf(ctx)
	if err != nil {
		return err
	}
	if err := ValidateRange(offset, n, size); err != nil {
		return err
	}
	caps, err := EffectiveCaps(ctx)
	if err != nil {
		return err
	}
	if !caps.CanTrim {
		return xerr.New(xerr.NotSup, nil)
	}
	if ctx.Backend.TrimOp != nil {
		return ctx.Backend.TrimOp(ctx, n, offset, flags)
	}
	if ctx.Next == nil {
		return xerr.Newf(xerr.NotSup, "layer %q has no trim", ctx.Backend.Name)
	}
	return TrimOp(ctx.Next, n, offset, flags)
}

// FlushOp issues a FLUSH.
func FlushOp(ctx *Context, flags Flags) error {
	caps, err := EffectiveCaps(ctx)
	if err != nil {
		return err
	}
	if !caps.CanFlush {
		return xerr.New(xerr.NotSup, nil)
	}
	if ctx.Backend.FlushOp != nil {
		return ctx.Backend.FlushOp(ctx, flags)
	}
	if ctx.Next == nil {
		return nil
	}
	return FlushOp(ctx.Next, flags)
}

// CacheOp issues a CACHE (advisory prefetch).
func CacheOp(ctx *Context, n, offset uint64, flags Flags) error {
	size, err := sizeOf(ctx)
	if err != nil {
		return err
	}
	if err := ValidateRange(offset, n, size); err != nil {
		return err
	}
	if ctx.Backend.CacheOp != nil {
		return ctx.Backend.CacheOp(ctx, n, offset, flags)
	}
	caps, err := EffectiveCaps(ctx)
	if err != nil {
		return err
	}
	if caps.CanCache == CacheNone {
		return nil // advisory no-op
	}
	if caps.CanCache == CacheEmulate {
		// Emulate by looping pread into a scratch buffer, per §9 Open
		// Questions: "source treats emulate as 'runtime will loop pread',
		// and the decision is made at dispatch time."
		return emulateCache(ctx, n, offset)
	}
	if ctx.Next == nil {
		return nil
	}
	return CacheOp(ctx.Next, n, offset, flags)
}

func emulateCache(ctx *Context, n, offset uint64) error {
	const chunk = 1 << 20
	buf := make([]byte, chunk)
	for n > 0 {
		c := uint64(len(buf))
		if n < c {
			c = n
		}
		if err := Pread(ctx, buf[:c], offset, 0); err != nil {
			return err
		}
		offset += c
		n -= c
	}
	return nil
}

// ExtentsOp issues an EXTENTS query, populating out.
func ExtentsOp(ctx *Context, n, offset uint64, flags Flags, out *ExtentList) error {
	size, err := sizeOf(ctx)
	if err != nil {
		return err
	}
	if err := ValidateRange(offset, n, size); err != nil {
		return err
	}
	caps, err := EffectiveCaps(ctx)
	if err != nil {
		return err
	}
	if !caps.CanExtents {
		// No extent support: synthesize a single allocated extent, the
		// conservative default every plugin without real extent tracking
		// reports (§8 S3).
		return out.Append(offset, n, 0)
	}
	if ctx.Backend.ExtentsOp != nil {
		return ctx.Backend.ExtentsOp(ctx, n, offset, flags, out)
	}
	if ctx.Next == nil {
		return out.Append(offset, n, 0)
	}
	return ExtentsOp(ctx.Next, n, offset, flags, out)
}
