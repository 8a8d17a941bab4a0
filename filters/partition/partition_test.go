package partition

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/xzl01/nbdkit/chain"
)

const sectorSize = 512

// buildGPTDisk constructs a minimal synthetic disk image with one GPT
// partition spanning LBAs 2048..10239, matching §8 S4 exactly.
func buildGPTDisk(t *testing.T) []byte {
	t.Helper()
	const diskSize = 8 * 1024 * 1024
	disk := make([]byte, diskSize)

	// LBA1: GPT header.
	h := disk[sectorSize : 2*sectorSize]
	copy(h[0:8], gptSignature)
	binary.LittleEndian.PutUint64(h[72:80], 2)   // partition_entries_lba
	binary.LittleEndian.PutUint32(h[80:84], 128) // num_partition_entries
	binary.LittleEndian.PutUint32(h[84:88], 128) // size_partition_entry

	// LBA2: partition entry 0 (partnum 1).
	entry := disk[2*sectorSize : 2*sectorSize+128]
	for i := range entry[0:16] {
		entry[i] = 0x11 // non-zero type GUID
	}
	binary.LittleEndian.PutUint64(entry[32:40], 2048)  // first LBA
	binary.LittleEndian.PutUint64(entry[40:48], 10239) // last LBA

	// Mark the partition's first sector (byte offset 1048576) with a
	// distinctive pattern so the rebase can be checked precisely.
	marker := disk[2048*sectorSize : 2048*sectorSize+sectorSize]
	for i := range marker {
		marker[i] = 0x42
	}

	return disk
}

func fakeDiskLayer(disk []byte) *chain.Layer {
	return &chain.Layer{
		Name: "fakedisk",
		Open: func(nextOpen chain.NextOpen, readonly bool, exportName string) (any, *chain.Context, error) {
			return chain.HandleNotNeeded, nil, nil
		},
		GetSize: func(ctx *chain.Context) (uint64, error) { return uint64(len(disk)), nil },
		Caps: func(ctx *chain.Context) (chain.Caps, error) {
			return chain.Caps{PrefBlockSize: sectorSize}, nil
		},
		Pread: func(ctx *chain.Context, buf []byte, offset uint64, flags chain.Flags) error {
			copy(buf, disk[offset:offset+uint64(len(buf))])
			return nil
		},
	}
}

func TestS4GPTPartitionOffsetAndSize(t *testing.T) {
	disk := buildGPTDisk(t)
	l := New(Config{Partnum: 1})
	outer := chain.Compose(l, fakeDiskLayer(disk))

	ctx, err := chain.Open(outer, false, "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := chain.Prepare(ctx); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	size, err := chain.Size(ctx)
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	const wantSize = (10239 - 2048 + 1) * sectorSize
	if size != wantSize {
		t.Fatalf("get_size() = %d, want %d", size, wantSize)
	}

	buf := make([]byte, 512)
	if err := chain.Pread(ctx, buf, 0, 0); err != nil {
		t.Fatalf("pread: %v", err)
	}
	want := bytes.Repeat([]byte{0x42}, 512)
	if !bytes.Equal(buf, want) {
		t.Fatalf("READ(512,0) through filter did not equal READ(512,1048576) on underlying")
	}
}
