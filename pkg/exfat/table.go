package exfat

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/vorteil/fsimage/pkg/store"
)

func writeFatEntry(s store.BlockStore, m *Meta, c uint32, val uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, val)
	off := m.FatOffset() + int64(c)*4
	if err := s.WriteAt(off, buf); err != nil {
		return errors.Wrapf(err, "exfat: write FAT entry %d", c)
	}
	return nil
}

func readFatEntry(s store.BlockStore, m *Meta, c uint32) (uint32, error) {
	buf := make([]byte, 4)
	if err := s.ReadAt(m.FatOffset()+int64(c)*4, buf); err != nil {
		return 0, errors.Wrapf(err, "exfat: read FAT entry %d", c)
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// CommitAllocator writes every fragmented chain link recorded on the
// Allocator into the on-disk FAT. Clusters the Injector never called Link
// on (contiguous, NoFatChain files) are intentionally left as FatFree in
// the FAT, which is exactly the "FAT table past cluster 2 is all zeros"
// invariant spec.md's S3 scenario checks.
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
