package partition

import (
	"encoding/binary"

	"github.com/xzl01/nbdkit/xerr"
)

const gptSignature = "EFI PART"

// gptHeader is the subset of the UEFI GPT header this filter needs,
// decoded from LBA1. Field offsets are the standard UEFI ones.
type gptHeader struct {
	partitionEntriesLBA   uint64
	numPartitionEntries   uint32
	sizePartitionEntry    uint32
}

func parseGPTHeader(sector []byte) (*gptHeader, error) {
	if len(sector) < 92 || string(sector[0:8]) != gptSignature {
		return nil, xerr.New(xerr.Inval, nil)
	}
	h := &gptHeader{
		partitionEntriesLBA: binary.LittleEndian.Uint64(sector[72:80]),
		numPartitionEntries: binary.LittleEndian.Uint32(sector[80:84]),
		sizePartitionEntry:  binary.LittleEndian.Uint32(sector[84:88]),
	}
	// Grounded on partition-gpt.c's find_gpt_partition: this implementation
	// requires partition_entries_lba == 2, matching the original's
	// hard-coded assumption.
	if h.partitionEntriesLBA != 2 {
		return nil, xerr.Newf(xerr.NotSup, "gpt: partition_entries_lba %d != 2", h.partitionEntriesLBA)
	}
	return h, nil
}

// gptPartition is the subset of a GPT partition-table entry needed to
// rebase offsets.
type gptPartition struct {
	typeGUID  [16]byte
	firstLBA  uint64
	lastLBA   uint64
}

func isZeroGUID(g [16]byte) bool {
	for _, b := range g {
		if b != 0 {
			return false
		}
	}
	return true
}

// findGPTPartition locates partnum (1-based) by reading the raw
// partition-entry array via readSectors, following partition-gpt.c's
// find_gpt_partition/get_gpt_partition exactly: validates
// size_partition_entry in [128, sectorSize] and that it divides
// sectorSize, validates the disk is large enough to hold the full
// entries array, computes each entry's sector address as
// sectorSize*(2+i/entriesPerSector), and matches the first entry with a
// non-zero PartitionTypeGUID at index partnum-1.
func findGPTPartition(h *gptHeader, sectorSize uint32, diskSize uint64, partnum int,
	readSectors func(lba uint64, n int) ([]byte, error)) (*gptPartition, error) {

	if h.sizePartitionEntry < 128 || uint64(h.sizePartitionEntry) > uint64(sectorSize) {
		return nil, xerr.Newf(xerr.Range, "gpt: size_partition_entry %d out of bounds", h.sizePartitionEntry)
	}
	if sectorSize%h.sizePartitionEntry != 0 {
		return nil, xerr.New(xerr.Range, nil)
	}
	entriesPerSector := sectorSize / h.sizePartitionEntry
	nrEntries := h.numPartitionEntries

	minSize := uint64(3)*uint64(sectorSize) + 2*uint64(nrEntries)*uint64(h.sizePartitionEntry)
	if diskSize < minSize {
		return nil, xerr.New(xerr.Range, nil)
	}

	if partnum < 1 || uint32(partnum) > nrEntries {
		return nil, xerr.Newf(xerr.Inval, "gpt: partition number %d out of range", partnum)
	}
	i := uint32(partnum - 1)
	lba := uint64(2) + uint64(i/entriesPerSector)
	entryOffsetInSector := (i % entriesPerSector) * h.sizePartitionEntry

	sector, err := readSectors(lba, 1)
	if err != nil {
		return nil, err
	}
	start := entryOffsetInSector
	end := start + h.sizePartitionEntry
	if uint64(end) > uint64(len(sector)) {
		return nil, xerr.New(xerr.Range, nil)
	}
	entry := sector[start:end]

	var typeGUID [16]byte
	copy(typeGUID[:], entry[0:16])
	if isZeroGUID(typeGUID) {
		return nil, xerr.Newf(xerr.Inval, "gpt: partition %d is empty", partnum)
	}

	return &gptPartition{
		typeGUID: typeGUID,
		firstLBA: binary.LittleEndian.Uint64(entry[32:40]),
		lastLBA:  binary.LittleEndian.Uint64(entry[40:48]),
	}, nil
}

// offsetRange returns (offset, range) in bytes for a GPT partition, per
// partition-gpt.c's get_gpt_partition: offset_r = first_lba*sector_size,
// range_r = (1+last_lba-first_lba)*sector_size.
func (p *gptPartition) offsetRange(sectorSize uint32) (offset, rng uint64) {
	offset = p.firstLBA * uint64(sectorSize)
	rng = (1 + p.lastLBA - p.firstLBA) * uint64(sectorSize)
	return offset, rng
}
