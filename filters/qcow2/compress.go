package qcow2

import (
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/xzl01/nbdkit/xerr"
)

// readCompressed decompresses the cluster described by entry (which must
// have entry.compressed == true; entry.dataOffset is the raw,
// not-yet-masked L2 entry, see clusterEntry.dataOffset). Bit layout and bounds
// exactly follow qcow2dec.c's read_compressed_cluster: with
// x = 62 - (clusterBits - 8), bits [0,x) hold the host offset and bits
// [x,62) hold (sectors-1); actual compressed bytes are nrSectors*512,
// trimmed to the file's end, and capped at 2*clusterSize as a sanity
// bound against corrupt images.
func (img *Image) readCompressed(entry clusterEntry, fileSize uint64) ([]byte, error) {
	b := img.Header.ClusterBits
	x := uint(62 - (b - 8))

	offsetMask := (uint64(1) << x) - 1
	sectorMask := (uint64(1) << (62 - x)) - 1

	raw := entry.dataOffset
	hostOffset := raw & offsetMask
	nrSectors := 1 + ((raw >> x) & sectorMask)
	compressedSize := nrSectors * 512

	if hostOffset+compressedSize > fileSize {
		if hostOffset >= fileSize {
			return nil, xerr.New(xerr.Range, nil)
		}
		compressedSize = fileSize - hostOffset
	}
	if maxRead := 2 * img.Header.ClusterSize; compressedSize > maxRead {
		return nil, xerr.Newf(xerr.Range, "qcow2: compressed cluster size %d exceeds sanity cap %d", compressedSize, maxRead)
	}

	src := make([]byte, compressedSize)
	if _, err := img.r.ReadAt(src, int64(hostOffset)); err != nil {
		return nil, xerr.New(xerr.IO, err)
	}

	out := make([]byte, img.Header.ClusterSize)
	switch img.Header.CompressionType {
	case CompressionDeflate:
		return inflateDeflate(src, out)
	case CompressionZstd:
		return inflateZstd(src, out)
	default:
		return nil, xerr.New(xerr.NotSup, nil)
	}
}

// inflateDeflate matches qcow2dec.c's zlib inflateInit2(-12): a raw
// (headerless) deflate stream with a 4KiB window.
func inflateDeflate(src, out []byte) ([]byte, error) {
	fr := flate.NewReader(&byteReader{src})
	defer fr.Close()
	n, err := io.ReadFull(fr, out)
	if err != nil && n < len(out) {
		return nil, xerr.New(xerr.IO, err)
	}
	return out, nil
}

// inflateZstd mirrors qcow2dec.c's zstd_compressed_cluster streaming
// loop, which requires forward progress every iteration; the Go
// zstd.Decoder's io.Reader already fails rather than spinning when no
// progress is possible, so a single io.ReadFull captures the same
// contract.
func inflateZstd(src, out []byte) ([]byte, error) {
	dec, err := zstd.NewReader(&byteReader{src})
	if err != nil {
		return nil, xerr.New(xerr.IO, err)
	}
	defer dec.Close()
	n, err := io.ReadFull(dec, out)
	if err != nil && n < len(out) {
		return nil, xerr.New(xerr.IO, err)
	}
	return out, nil
}

// byteReader adapts a byte slice to io.Reader without pulling in
// bytes.Reader's Seek/ReadAt surface the decompressors don't need.
type byteReader struct{ b []byte }

func (r *byteReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}
