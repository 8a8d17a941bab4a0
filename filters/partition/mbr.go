package partition

import (
	"encoding/binary"

	"github.com/xzl01/nbdkit/xerr"
)

// MBR layout constants (§6: "MBR: signature 0x55AA at offset 0x1FE; four
// 16-byte primary entries at offset 0x1BE"). This is the simpler sibling
// path spec.md §1 calls out as "structurally identical to GPT but
// simpler" and folds into the same filter (see SPEC_FULL.md §12).
const (
	mbrSignatureOffset = 0x1FE
	mbrEntriesOffset   = 0x1BE
	mbrEntrySize       = 16
	mbrMaxEntries      = 4
)

func hasMBRSignature(sector0 []byte) bool {
	return len(sector0) >= 512 && sector0[mbrSignatureOffset] == 0x55 && sector0[mbrSignatureOffset+1] == 0xAA
}

type mbrPartition struct {
	partitionType byte
	firstSector   uint32
	numSectors    uint32
}

// findMBRPartition parses the partnum'th (1-based) primary partition
// entry out of the already-read first sector.
func findMBRPartition(sector0 []byte, partnum int) (*mbrPartition, error) {
	if partnum < 1 || partnum > mbrMaxEntries {
		return nil, xerr.Newf(xerr.Inval, "mbr: partition number %d out of range (max %d)", partnum, mbrMaxEntries)
	}
	off := mbrEntriesOffset + (partnum-1)*mbrEntrySize
	entry := sector0[off : off+mbrEntrySize]

	p := &mbrPartition{
		partitionType: entry[4],
		firstSector:   binary.LittleEndian.Uint32(entry[8:12]),
		numSectors:    binary.LittleEndian.Uint32(entry[12:16]),
	}
	if p.partitionType == 0 {
		return nil, xerr.Newf(xerr.Inval, "mbr: partition %d is empty", partnum)
	}
	return p, nil
}

func (p *mbrPartition) offsetRange(sectorSize uint32) (offset, rng uint64) {
	offset = uint64(p.firstSector) * uint64(sectorSize)
	rng = uint64(p.numSectors) * uint64(sectorSize)
	return offset, rng
}
