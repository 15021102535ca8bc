package fat32

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/vorteil/fsimage/pkg/store"
)

// writeFatEntry sets the 32-bit entry for cluster c in both FAT copies.
func writeFatEntry(s store.BlockStore, m *Meta, c uint32, val uint32) error {
	buf := make([]byte, BytesPerEntry)
	binary.LittleEndian.PutUint32(buf, val&FatEntryMask)
	for i := int64(0); i < m.NumFats; i++ {
		off := m.FatCopyOffset(i) + int64(c)*BytesPerEntry
		if err := s.WriteAt(off, buf); err != nil {
			return errors.Wrapf(err, "fat32: write FAT entry %d (copy %d)", c, i)
		}
	}
	return nil
}

func readFatEntry(s store.BlockStore, m *Meta, c uint32) (uint32, error) {
	buf := make([]byte, BytesPerEntry)
	if err := s.ReadAt(m.FatCopyOffset(0)+int64(c)*BytesPerEntry, buf); err != nil {
		return 0, errors.Wrapf(err, "fat32: read FAT entry %d", c)
	}
	return binary.LittleEndian.Uint32(buf) & FatEntryMask, nil
}

// commitChain writes a FAT chain for every cluster in clusters (in order),
// ending with FatEOC, into both FAT copies.
func commitChain(s store.BlockStore, m *Meta, clusters []uint32) error {
	for i, c := range clusters {
		val := uint32(FatEOC)
		if i+1 < len(clusters) {
			val = clusters[i+1]
		}
		if err := writeFatEntry(s, m, c, val); err != nil {
			return err
		}
	}
	return nil
}

// CommitAllocator flushes every chain link recorded on the Allocator (via
// Link) into both on-disk FAT copies. Called once per flush; cheap
// because it only touches clusters actually allocated this session.
func CommitAllocator(s store.BlockStore, m *Meta, a *Allocator) error {
	for from, to := range a.next {
		val := to
		if val == 0 {
			val = FatEOC
		}
		if err := writeFatEntry(s, m, from, val); err != nil {
			return err
		}
	}
	return nil
}
