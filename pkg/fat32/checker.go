package fat32

import (
	"fmt"

	"github.com/vorteil/fsimage/pkg/fsengine"
	"github.com/vorteil/fsimage/pkg/store"
)

// Checker independently re-derives the set of clusters reachable from the
// root directory and cross-checks it against the on-disk FAT, reporting
// any divergence instead of repairing it.
type Checker struct {
	Meta *Meta
}

var _ fsengine.Checker = (*Checker)(nil)

func NewChecker(m *Meta) *Checker { return &Checker{Meta: m} }

func (c *Checker) Verify(s store.BlockStore) ([]fsengine.Finding, error) {
	var findings []fsengine.Finding

	reachable := map[uint32]bool{0: true, 1: true}
	visited := map[uint32]bool{}

	var walk func(cluster uint32) error
	walk = func(start uint32) error {
		if visited[start] {
			return nil
		}
		visited[start] = true

		cur := start
		for {
			reachable[cur] = true

			buf := make([]byte, c.Meta.ClusterSize)
			if err := s.ReadAt(c.Meta.ClusterOffset(int64(cur)), buf); err != nil {
				return err
			}

			for off := 0; off+32 <= len(buf); off += 32 {
				raw := buf[off : off+32]
				if raw[0] == 0x00 {
					break // no more entries in this directory
				}
				if raw[0] == 0xE5 {
					continue // deleted
				}
				if raw[11] == attrLongName {
					continue // LFN slot, no cluster of its own
				}
				e := unmarshalShortDirEntry(raw)
				if e.Name == pack(".", "") || e.Name == pack("..", "") {
					continue
				}
				child := e.firstCluster()
				if child == 0 {
					continue // zero-length file
				}
				if e.Attr&attrDir != 0 {
					if err := walk(child); err != nil {
						return err
					}
				} else {
					if err := markChain(s, c.Meta, child, reachable); err != nil {
						return err
					}
				}
			}

			next, err := readFatEntry(s, c.Meta, cur)
			if err != nil {
				return err
			}
			if next == 0 || next == FatBad || next >= FatEOCMin {
				break
			}
			cur = next
		}
		return nil
	}

	if err := walk(uint32(c.Meta.RootDirCluster)); err != nil {
		return nil, err
	}

	// Cross-check every cluster in [2, TotalClusters+2): a cluster must be
	// either reachable from root or free in the FAT. One marked used in
	// the FAT but never reached is orphaned (a leak, not fatal, but worth
	// reporting); one reachable but marked free in the FAT is corruption.
	for cl := int64(FirstDataCluster); cl < c.Meta.TotalClusters+FirstDataCluster; cl++ {
		val, err := readFatEntry(s, c.Meta, uint32(cl))
		if err != nil {
			return nil, err
		}
		used := val != FatFree
		if reachable[uint32(cl)] && !used {
			findings = append(findings, fsengine.Finding{
				Kind:     "CorruptOnDisk",
				Location: fmt.Sprintf("cluster %d", cl),
				Detail:   "reachable from root directory but FAT marks it free",
			})
		}
		if !reachable[uint32(cl)] && used {
			findings = append(findings, fsengine.Finding{
				Kind:     "CorruptOnDisk",
				Location: fmt.Sprintf("cluster %d", cl),
				Detail:   "FAT marks it allocated but it is unreachable from root",
			})
		}
	}

	info := make([]byte, SectorSize)
	if err := s.ReadAt(c.Meta.FSInfoOffset, info); err != nil {
		return nil, err
	}
	var free uint32
	for i := 0; i < 4; i++ {
		free |= uint32(info[488+i]) << (8 * i)
	}
	var actualFree int64
	for cl := int64(FirstDataCluster); cl < c.Meta.TotalClusters+FirstDataCluster; cl++ {
		val, err := readFatEntry(s, c.Meta, uint32(cl))
		if err != nil {
			return nil, err
		}
		if val == FatFree {
			actualFree++
		}
	}
	if int64(free) != actualFree {
		findings = append(findings, fsengine.Finding{
			Kind:     "CorruptOnDisk",
			Location: "FSInfo.FreeCount",
			Detail:   fmt.Sprintf("FSInfo reports %d free clusters, scan found %d", free, actualFree),
		})
	}

	return findings, nil
}

func markChain(s store.BlockStore, m *Meta, start uint32, reachable map[uint32]bool) error {
	cur := start
	seen := map[uint32]bool{}
	for {
		if seen[cur] {
			return nil // cycle guard; Checker reports via the free/used cross-check instead of looping
		}
		seen[cur] = true
		reachable[cur] = true
		next, err := readFatEntry(s, m, cur)
		if err != nil {
			return err
		}
		if next == 0 || next == FatBad || next >= FatEOCMin {
			return nil
		}
		cur = next
	}
}
