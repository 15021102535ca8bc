package exfat

import (
	"encoding/binary"
	"fmt"

	"github.com/vorteil/fsimage/pkg/fsengine"
	"github.com/vorteil/fsimage/pkg/store"
)

// Checker re-derives cluster reachability from the root directory and
// cross-checks it against the on-disk Allocation Bitmap, independent of
// any in-memory Allocator state.
type Checker struct {
	Meta *Meta
}

var _ fsengine.Checker = (*Checker)(nil)

func NewChecker(m *Meta) *Checker { return &Checker{Meta: m} }

func (c *Checker) Verify(s store.BlockStore) ([]fsengine.Finding, error) {
	var findings []fsengine.Finding
	reachable := make(map[int64]bool)

	for i := int64(0); i < c.Meta.BitmapClusterCount; i++ {
		reachable[c.Meta.BitmapCluster+i] = true
	}
	for i := int64(0); i < c.Meta.UpcaseClusterCount; i++ {
		reachable[c.Meta.UpcaseCluster+i] = true
	}

	var walk func(cluster int64) error
	walk = func(first int64) error {
		reachable[first] = true
		cur := first
		for {
			buf := make([]byte, c.Meta.ClusterSize)
			if err := s.ReadAt(c.Meta.ClusterOffset(cur), buf); err != nil {
				return err
			}

			for off := 0; off+32 <= len(buf); off += 32 {
				entryType := buf[off]
				if entryType&EntryInUseBit == 0 {
					continue
				}
				if entryType&0x7F != EntryTypeFile&0x7F {
					continue
				}
				// Stream Extension immediately follows the File entry.
				if off+64 > len(buf) {
					continue
				}
				se := buf[off+32 : off+64]
				flags := se[1]
				fileAttrs := binary.LittleEndian.Uint16(buf[off+4 : off+6])
				firstCluster := int64(binary.LittleEndian.Uint32(se[20:24]))
				dataLength := int64(binary.LittleEndian.Uint64(se[24:32]))
				if firstCluster == 0 {
					continue
				}

				if _, err := markContent(s, c.Meta, firstCluster, dataLength, flags&flagNoFatChain != 0, reachable); err != nil {
					return err
				}

				if fileAttrs&attrDirectory != 0 {
					if err := walk(firstCluster); err != nil {
						return err
					}
				}
			}

			next, err := readFatEntry(s, c.Meta, uint32(cur))
			if err != nil {
				return err
			}
			if next == FatFree || next == FatBad || next >= FatEOC-7 {
				break
			}
			cur = int64(next)
		}
		return nil
	}

	if err := walk(c.Meta.RootDirCluster); err != nil {
		return nil, err
	}

	bitmap := make([]byte, c.Meta.BitmapClusterCount*c.Meta.ClusterSize)
	if err := s.ReadAt(c.Meta.ClusterOffset(c.Meta.BitmapCluster), bitmap); err != nil {
		return nil, err
	}
	bitUsed := func(cl int64) bool {
		idx := cl - FirstCluster
		if idx < 0 || idx/8 >= int64(len(bitmap)) {
			return false
		}
		return bitmap[idx/8]&(1<<uint(idx%8)) != 0
	}

	for cl := int64(FirstCluster); cl < c.Meta.ClusterCount+FirstCluster; cl++ {
		used := bitUsed(cl)
		if reachable[cl] && !used {
			findings = append(findings, fsengine.Finding{
				Kind:     "CorruptOnDisk",
				Location: fmt.Sprintf("cluster %d", cl),
				Detail:   "reachable from root directory but Allocation Bitmap marks it free",
			})
		}
		if !reachable[cl] && used {
			findings = append(findings, fsengine.Finding{
				Kind:     "CorruptOnDisk",
				Location: fmt.Sprintf("cluster %d", cl),
				Detail:   "Allocation Bitmap marks it allocated but it is unreachable from root",
			})
		}
	}

	return findings, nil
}

// markContent marks every cluster used by a file's content, following the
// FAT chain unless NoFatChain says the run is contiguous.
func markContent(s store.BlockStore, m *Meta, first int64, dataLength int64, noFatChain bool, reachable map[int64]bool) ([]int64, error) {
	n := (dataLength + m.ClusterSize - 1) / m.ClusterSize
	if n == 0 {
		n = 1
	}
	var clusters []int64
	if noFatChain {
		for i := int64(0); i < n; i++ {
			clusters = append(clusters, first+i)
			reachable[first+i] = true
		}
		return clusters, nil
	}

	cur := first
	for i := int64(0); i < n; i++ {
		clusters = append(clusters, cur)
		reachable[cur] = true
		next, err := readFatEntry(s, m, uint32(cur))
		if err != nil {
			return nil, err
		}
		if i+1 < n {
			cur = int64(next)
		}
	}
	return clusters, nil
}
