package fat32

import (
	"github.com/pkg/errors"

	"github.com/vorteil/fsimage/pkg/fsengine"
)

// Allocator tracks free clusters in memory during a session using a
// []bool map (one byte per cluster, not a packed one-bit-per-cluster
// bitmap) plus a map of chain links, and only materializes FAT entries at
// flush time. It implements fsengine.Allocator[uint32].
type Allocator struct {
	meta   *Meta
	used   []bool // index by cluster number
	cursor int64
	free   int64

	// chains records, for every allocated cluster, the cluster that
	// follows it (or 0 if it is currently a chain tail); the Injector
	// links clusters into chains by calling Link, and CommitAllocator
	// writes the FAT entries of the clusters in this map in one pass.
	next map[uint32]uint32
}

var _ fsengine.Allocator[uint32] = (*Allocator)(nil)

// NewAllocator builds an Allocator for meta with every cluster free except
// 0, 1, and the root directory's first cluster.
func NewAllocator(meta *Meta) *Allocator {
	a := &Allocator{
		meta: meta,
		used: make([]bool, meta.TotalClusters+FirstDataCluster),
		next: make(map[uint32]uint32),
	}
	for _, r := range meta.ReservedUnits() {
		if r < int64(len(a.used)) {
			a.used[r] = true
		}
	}
	// TotalClusters counts only the addressable cluster heap (cluster 2
	// onward); the root directory's one cluster is the only reservation
	// drawn from that heap (0 and 1 are below it).
	a.free = meta.TotalClusters - 1
	a.cursor = FirstDataCluster
	return a
}

func (a *Allocator) AllocOne() (uint32, error) {
	c, n, err := a.AllocRun(1)
	if err != nil {
		return 0, err
	}
	if n != 1 {
		return 0, fsengine.ErrOutOfSpace
	}
	return c, nil
}

// AllocRun scans from the cursor for the longest contiguous free run,
// wrapping once. This favors contiguity the way the spec's allocator
// policy requires, even though FAT32 always writes a chain regardless of
// contiguity (unlike ExFAT's NoFatChain optimization).
func (a *Allocator) AllocRun(n int64) (uint32, int64, error) {
	if n <= 0 {
		return 0, 0, errors.New("fat32: AllocRun requires n > 0")
	}

	total := int64(len(a.used))
	bestStart, bestLen := int64(-1), int64(0)

	scan := func(from, to int64) {
		runStart := int64(-1)
		for i := from; i < to; i++ {
			if !a.used[i] {
				if runStart == -1 {
					runStart = i
				}
				if i-runStart+1 >= n {
					bestStart, bestLen = runStart, i-runStart+1
					return
				}
			} else {
				if runStart != -1 && i-runStart > bestLen {
					bestStart, bestLen = runStart, i-runStart
				}
				runStart = -1
			}
		}
		if runStart != -1 && to-runStart > bestLen {
			bestStart, bestLen = runStart, to-runStart
		}
	}

	scan(a.cursor, total)
	if bestLen < n {
		scan(FirstDataCluster, a.cursor)
	}

	if bestStart == -1 {
		return 0, 0, fsengine.ErrOutOfSpace
	}

	got := bestLen
	if got > n {
		got = n
	}
	for i := bestStart; i < bestStart+got; i++ {
		a.used[i] = true
	}
	a.free -= got
	a.cursor = bestStart + got
	if a.cursor >= total {
		a.cursor = FirstDataCluster
	}

	return uint32(bestStart), got, nil
}

// Link records that cluster `from` is followed by cluster `to` in a
// chain. Link(from, 0) marks `from` as the chain's end-of-chain tail.
func (a *Allocator) Link(from, to uint32) {
	a.next[from] = to
}

func (a *Allocator) Free(u uint32) error {
	if int64(u) >= int64(len(a.used)) || !a.used[u] {
		return errors.New("fat32: Free on unallocated cluster")
	}
	a.used[u] = false
	delete(a.next, u)
	a.free++
	return nil
}

func (a *Allocator) FreeCount() int64 { return a.free }

// UsedClusters reports every cluster currently marked allocated, used by
// the Checker to cross-validate against the reachability scan without
// sharing the Allocator's live state.
func (a *Allocator) UsedClusters() []uint32 {
	out := make([]uint32, 0, len(a.used))
	for i, b := range a.used {
		if b {
			out = append(out, uint32(i))
		}
	}
	return out
}
