package qcow2

import (
	"encoding/binary"
	"io"
	"strconv"
	"sync"

	"github.com/xzl01/nbdkit/chain"
	"github.com/xzl01/nbdkit/xerr"
)

const (
	// L1/L2 entry bit layout, grounded on qcow2dec.c's
	// QCOW2_L1_ENTRY_RESERVED_MASK / QCOW2_L2_ENTRY_TYPE_MASK: the top 7
	// bits and bottom 9 bits of any table entry are reserved and must be
	// zero; bit 62 of an L2 entry marks a compressed cluster; bit 0 of an
	// L2 entry is the one exception to the reserved low bits and marks an
	// explicit zero cluster.
	entryReservedTopBits = 7
	entryReservedLowBits = 9

	l2TypeCompressedBit = uint64(1) << 62
	l2ZeroBit           = uint64(1) << 0
)

var entryReservedMask = (uint64((1<<entryReservedTopBits)-1) << (64 - entryReservedTopBits)) | uint64((1<<entryReservedLowBits)-1)
var entryOffsetMask = ^entryReservedMask &^ l2TypeCompressedBit

// l2Slot is one on-demand-loaded L2 table, cached under its own mutex so
// loading distinct L2 tables proceeds in parallel (§4.C7 Concurrency).
type l2Slot struct {
	mu      sync.Mutex
	loaded  bool
	entries []uint64 // host-order, byte-swapped on ingest; immutable once loaded
}

// Image is the process-wide, read-only-after-open qcow2 image state
// (§3 qcow2 image state).
type Image struct {
	r        io.ReaderAt
	FileSize uint64
	Header   *Header

	l1      []uint64
	l2Cache *chain.OnceCell
	slots   []l2Slot // one per L1 entry, lazily populated
}

// Open parses and validates the header and reads the L1 table. Callers
// typically do this once under OnceCell.Do at prepare time (see qcow2.go's
// "first-to-enter prepare initializes" pattern, §4.C7 Concurrency: "the
// overall filter ... serializes the initial header-read under a global
// lock (first thread to call prepare does the work)").
func Open(r io.ReaderAt, size uint64) (*Image, error) {
	h, err := parseHeader(r, size)
	if err != nil {
		return nil, err
	}
	l1, err := readL1Table(r, h)
	if err != nil {
		return nil, err
	}
	img := &Image{r: r, FileSize: size, Header: h, l1: l1, l2Cache: &chain.OnceCell{}}
	img.slots = make([]l2Slot, len(l1))
	return img, nil
}

// slotKey is the singleflight group key for l1Index's L2 load. It must be
// injective over l1Index, or two distinct L2 tables loading concurrently
// would dedupe into one singleflight call and the loser would return
// success with its own slot never populated.
func slotKey(l1Index uint32) string {
	return strconv.FormatUint(uint64(l1Index), 10)
}

// clusterEntry is the resolved mapping for one virtual cluster.
type clusterEntry struct {
	isHole     bool // unallocated or explicit zero -> reads as zero
	compressed bool
	dataOffset uint64 // standard cluster: host offset; compressed: bit-packed, see compress.go
}

// resolve maps virtual offset v (must be cluster-aligned by the caller)
// to its cluster entry, loading and caching the relevant L2 table on
// demand (§4.C7 "Virtual→physical mapping").
func (img *Image) resolve(v uint64) (clusterEntry, error) {
	cb := img.Header.ClusterBits
	entriesPerTable := uint64(img.Header.L2EntriesPerTable)

	clusterIndex := v >> cb
	l2Index := clusterIndex % entriesPerTable
	l1Index := clusterIndex / entriesPerTable

	if l1Index >= uint64(len(img.l1)) {
		return clusterEntry{}, xerr.New(xerr.Range, nil)
	}
	l1Entry := img.l1[l1Index]
	if l1Entry&entryReservedMask != 0 {
		return clusterEntry{}, xerr.New(xerr.Range, nil)
	}
	l2Offset := l1Entry & entryOffsetMask
	if l2Offset == 0 {
		return clusterEntry{isHole: true}, nil
	}

	slot := &img.slots[l1Index]
	if err := img.ensureL2Loaded(slot, l1Index, l2Offset); err != nil {
		return clusterEntry{}, err
	}

	slot.mu.Lock()
	l2Entry := slot.entries[l2Index]
	slot.mu.Unlock()

	if l2Entry&l2TypeCompressedBit != 0 {
		return clusterEntry{compressed: true, dataOffset: l2Entry}, nil
	}
	if l2Entry&(entryReservedMask&^l2ZeroBit) != 0 {
		return clusterEntry{}, xerr.New(xerr.Range, nil)
	}
	if l2Entry&l2ZeroBit != 0 {
		return clusterEntry{isHole: true}, nil
	}
	offset := l2Entry & entryOffsetMask
	if offset == 0 {
		return clusterEntry{isHole: true}, nil
	}
	return clusterEntry{dataOffset: offset}, nil
}

// ensureL2Loaded loads the L2 table for l1Index exactly once, even under
// concurrent callers, via the image's shared singleflight group.
func (img *Image) ensureL2Loaded(slot *l2Slot, l1Index uint64, l2Offset uint64) error {
	slot.mu.Lock()
	already := slot.loaded
	slot.mu.Unlock()
	if already {
		return nil
	}

	_, err := img.l2Cache.Do(slotKey(uint32(l1Index)), func() (any, error) {
		slot.mu.Lock()
		defer slot.mu.Unlock()
		if slot.loaded {
			return nil, nil
		}
		buf := make([]byte, img.Header.ClusterSize)
		if _, err := img.r.ReadAt(buf, int64(l2Offset)); err != nil {
			return nil, xerr.New(xerr.IO, err)
		}
		entries := make([]uint64, img.Header.L2EntriesPerTable)
		for i := range entries {
			entries[i] = binary.BigEndian.Uint64(buf[i*8 : i*8+8])
		}
		slot.entries = entries
		slot.loaded = true
		return nil, nil
	})
	return err
}
