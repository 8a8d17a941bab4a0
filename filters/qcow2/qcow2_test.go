package qcow2

import (
	"bytes"
	"encoding/binary"
	"sync"
	"testing"

	"github.com/xzl01/nbdkit/chain"
)

// testMinFileSize mirrors minFileSize (parseHeader's floor): every image
// built below is padded out to at least this length even though the
// interesting bytes all sit near the front.
const testMinFileSize = 128 * 1024

func padTo(buf []byte, size int) []byte {
	if len(buf) >= size {
		return buf
	}
	out := make([]byte, size)
	copy(out, buf)
	return out
}

func putHeader(buf []byte, clusterBits uint32, virtualSize uint64, l1Size uint32, l1TableOffset uint64) {
	copy(buf[0:4], magic)
	binary.BigEndian.PutUint32(buf[4:8], 2) // version
	// backing_file_offset (8:16) left 0
	binary.BigEndian.PutUint32(buf[20:24], clusterBits)
	binary.BigEndian.PutUint64(buf[24:32], virtualSize)
	// crypt_method (32:36) left 0
	binary.BigEndian.PutUint32(buf[36:40], l1Size)
	binary.BigEndian.PutUint64(buf[40:48], l1TableOffset)
	// nb_snapshots (60:64) left 0
}

// buildEmptyImage constructs a minimal valid qcow2 v2 image with
// cluster_bits=16, l1_size=1, and L1[0]=0 (the whole image unallocated),
// matching §8 S5 exactly.
func buildEmptyImage(t *testing.T) []byte {
	t.Helper()
	const (
		clusterBits = 16
		l1Offset    = 512
	)
	buf := make([]byte, l1Offset+8) // header + one L1 entry (value 0)
	putHeader(buf, clusterBits, 1<<20, 1, l1Offset)
	// L1 table: one entry, value 0, already zeroed by make().
	return padTo(buf, testMinFileSize)
}

// buildImageWithAllocatedCluster builds a two-cluster (cluster_bits=16)
// image whose first virtual cluster is a standard allocated cluster
// filled with fillByte and whose second virtual cluster is an
// unallocated hole, exercising the on-demand L2 load/cache path the
// all-hole S5 image never touches.
func buildImageWithAllocatedCluster(t *testing.T, fillByte byte) []byte {
	t.Helper()
	const (
		clusterBits = 16
		clusterSize = 1 << clusterBits // 65536

		l1Offset   = 512            // L1 table: 1 entry
		l2Offset   = clusterSize * 1 // L2 table occupies cluster index 1 whole
		dataOffset = clusterSize * 3 // data cluster at cluster index 3
	)

	fileSize := dataOffset + clusterSize
	buf := make([]byte, fileSize)

	putHeader(buf, clusterBits, 2*clusterSize, 1, l1Offset)
	binary.BigEndian.PutUint64(buf[l1Offset:l1Offset+8], l2Offset)

	// L2 table: entry 0 (virtual cluster 0) -> standard allocated
	// cluster at dataOffset; entry 1 (virtual cluster 1) left 0 (hole).
	binary.BigEndian.PutUint64(buf[l2Offset:l2Offset+8], dataOffset)

	for i := dataOffset; i < dataOffset+clusterSize; i++ {
		buf[i] = fillByte
	}

	return padTo(buf, testMinFileSize)
}

// buildImageWithTwoL1Entries builds a small (cluster_bits=9) image with
// two populated L1 entries, each pointing at its own L2 table and its
// own allocated data cluster, so a test can resolve both L1 indices
// concurrently and exercise independently-loading L2 slots (§4.C7
// Concurrency: "loading distinct L2 tables proceeds in parallel").
func buildImageWithTwoL1Entries(t *testing.T, fillA, fillB byte) (buf []byte, clusterSize uint64) {
	t.Helper()
	const (
		clusterBits = 9
		cs          = 1 << clusterBits // 512

		l1Offset = 512 // 2 entries, 16 bytes

		l2OffsetA = 1024
		l2OffsetB = 1536

		dataOffsetA = 2048
		dataOffsetB = 2560
	)
	entriesPerTable := uint64(cs / 8) // 64
	virtualSize := 2 * entriesPerTable * cs

	fileSize := dataOffsetB + cs
	buf = make([]byte, fileSize)

	putHeader(buf, clusterBits, virtualSize, 2, l1Offset)
	binary.BigEndian.PutUint64(buf[l1Offset:l1Offset+8], l2OffsetA)
	binary.BigEndian.PutUint64(buf[l1Offset+8:l1Offset+16], l2OffsetB)

	binary.BigEndian.PutUint64(buf[l2OffsetA:l2OffsetA+8], dataOffsetA)
	binary.BigEndian.PutUint64(buf[l2OffsetB:l2OffsetB+8], dataOffsetB)

	for i := dataOffsetA; i < dataOffsetA+cs; i++ {
		buf[i] = fillA
	}
	for i := dataOffsetB; i < dataOffsetB+cs; i++ {
		buf[i] = fillB
	}

	return padTo(buf, testMinFileSize), cs
}

func fakeFileLayer(data []byte) *chain.Layer {
	return &chain.Layer{
		Name: "fakefile",
		Open: func(nextOpen chain.NextOpen, readonly bool, exportName string) (any, *chain.Context, error) {
			return chain.HandleNotNeeded, nil, nil
		},
		GetSize: func(ctx *chain.Context) (uint64, error) { return uint64(len(data)), nil },
		Pread: func(ctx *chain.Context, buf []byte, offset uint64, flags chain.Flags) error {
			copy(buf, data[offset:offset+uint64(len(buf))])
			return nil
		},
	}
}

func openImage(t *testing.T, img []byte) *chain.Context {
	t.Helper()
	l := New()
	outer := chain.Compose(l, fakeFileLayer(img))
	ctx, err := chain.Open(outer, true, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := chain.Prepare(ctx); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	return ctx
}

func TestS5EmptyImageReadsZeroAndSingleHoleExtent(t *testing.T) {
	ctx := openImage(t, buildEmptyImage(t))

	size, err := chain.Size(ctx)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 1<<20 {
		t.Fatalf("get_size() = %d, want %d", size, 1<<20)
	}

	buf := make([]byte, 65536)
	for i := range buf {
		buf[i] = 0xFF
	}
	if err := chain.Pread(ctx, buf, 0, 0); err != nil {
		t.Fatalf("pread: %v", err)
	}
	if !bytes.Equal(buf, make([]byte, 65536)) {
		t.Fatalf("READ(65536,0) on an unallocated cluster did not read as all-zero")
	}

	out := chain.NewExtentList(1 << 20)
	if err := chain.ExtentsOp(ctx, 65536, 0, 0, out); err != nil {
		t.Fatalf("extents: %v", err)
	}
	if out.Count() != 1 {
		t.Fatalf("EXTENTS(65536,0) returned %d records, want 1", out.Count())
	}
	e := out.Get(0)
	if e.Offset != 0 || e.Length != 65536 || e.Flags&chain.Hole == 0 || e.Flags&chain.ZeroExtent == 0 {
		t.Fatalf("EXTENTS record = %+v, want {0,65536,HOLE|ZERO}", e)
	}
}

func TestUnalignedReadSpansUnallocatedClusters(t *testing.T) {
	ctx := openImage(t, buildEmptyImage(t))

	// An unaligned read spanning the boundary between clusters 0 and 1
	// (bytes 65530..65630): both the head and the tail go through the
	// scratch-buffer path, and both clusters are unallocated.
	buf := make([]byte, 100)
	for i := range buf {
		buf[i] = 0xAB
	}
	if err := chain.Pread(ctx, buf, 65530, 0); err != nil {
		t.Fatalf("pread: %v", err)
	}
	if !bytes.Equal(buf, make([]byte, 100)) {
		t.Fatalf("unaligned READ spanning cluster boundary did not read as all-zero")
	}
}

// TestAllocatedClusterReadsThroughL2Cache exercises the on-demand L2
// table load/cache path: a standard (non-hole, non-compressed) cluster
// resolved through a freshly-loaded L2 table, alongside the unallocated
// second cluster in the same table, distinguishing "allocated" from
// "hole" within one L2 table rather than the all-hole S5 image.
func TestAllocatedClusterReadsThroughL2Cache(t *testing.T) {
	const clusterSize = 65536
	ctx := openImage(t, buildImageWithAllocatedCluster(t, 0x42))

	buf := make([]byte, clusterSize)
	if err := chain.Pread(ctx, buf, 0, 0); err != nil {
		t.Fatalf("pread cluster 0: %v", err)
	}
	if !bytes.Equal(buf, bytes.Repeat([]byte{0x42}, clusterSize)) {
		t.Fatalf("READ(cluster 0) did not return the allocated cluster's fill byte")
	}

	if err := chain.Pread(ctx, buf, clusterSize, 0); err != nil {
		t.Fatalf("pread cluster 1: %v", err)
	}
	if !bytes.Equal(buf, make([]byte, clusterSize)) {
		t.Fatalf("READ(cluster 1) on the table's unallocated entry did not read as all-zero")
	}

	out := chain.NewExtentList(2 * clusterSize)
	if err := chain.ExtentsOp(ctx, 2*clusterSize, 0, 0, out); err != nil {
		t.Fatalf("extents: %v", err)
	}
	if out.Count() != 2 {
		t.Fatalf("EXTENTS(2 clusters,0) returned %d records, want 2 (allocated, then hole)", out.Count())
	}
	if out.Get(0).Flags&chain.Hole != 0 {
		t.Fatalf("first extent flagged HOLE, want allocated")
	}
	if out.Get(1).Flags&chain.Hole == 0 {
		t.Fatalf("second extent not flagged HOLE")
	}
}

// TestConcurrentReadsAcrossDistinctL1EntriesDoNotCollide drives two
// goroutines resolving distinct L1 indices' clusters concurrently. Each
// L1 index's L2 table loads through its own singleflight-keyed slot; a
// key collision between the two indices (as a rune-folded xxhash key
// would produce for nearly all inputs) would let one goroutine's load
// dedupe away and return success without that goroutine's own slot ever
// being populated, panicking the next resolve() on a nil entries slice.
func TestConcurrentReadsAcrossDistinctL1EntriesDoNotCollide(t *testing.T) {
	img, cs := buildImageWithTwoL1Entries(t, 0x11, 0x22)
	ctx := openImage(t, img)

	entriesPerTable := uint64(cs / 8)
	offsetA := uint64(0)
	offsetB := entriesPerTable * cs // first cluster of the second L1 entry's region

	var wg sync.WaitGroup
	results := make([][]byte, 2)
	errs := make([]error, 2)
	run := func(i int, offset uint64) {
		defer wg.Done()
		buf := make([]byte, cs)
		errs[i] = chain.Pread(ctx, buf, offset, 0)
		results[i] = buf
	}

	wg.Add(2)
	go run(0, offsetA)
	go run(1, offsetB)
	wg.Wait()

	if errs[0] != nil {
		t.Fatalf("pread A: %v", errs[0])
	}
	if errs[1] != nil {
		t.Fatalf("pread B: %v", errs[1])
	}
	if !bytes.Equal(results[0], bytes.Repeat([]byte{0x11}, int(cs))) {
		t.Fatalf("L1 entry A's cluster did not read back its own fill byte")
	}
	if !bytes.Equal(results[1], bytes.Repeat([]byte{0x22}, int(cs))) {
		t.Fatalf("L1 entry B's cluster did not read back its own fill byte")
	}
}
