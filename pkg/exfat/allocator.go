package exfat

import (
	"github.com/pkg/errors"

	"github.com/vorteil/fsimage/pkg/fsengine"
)

// Allocator tracks free clusters with an in-memory bitmap and links
// fragmented chains via an explicit next-map, materialized to the FAT and
// the on-disk Allocation Bitmap only at Flush. It biases toward the
// longest contiguous run from its cursor so the Injector can set
// NoFatChain whenever a file ends up contiguous, the way spec.md §4.3
// requires.
type Allocator struct {
	meta   *Meta
	used   []bool
	cursor int64
	free   int64
	next   map[uint32]uint32
}

var _ fsengine.Allocator[uint32] = (*Allocator)(nil)

func NewAllocator(meta *Meta) *Allocator {
	a := &Allocator{
		meta: meta,
		used: make([]bool, meta.ClusterCount+FirstCluster),
		next: make(map[uint32]uint32),
	}
	for _, r := range meta.ReservedUnits() {
		if r < int64(len(a.used)) {
			a.used[r] = true
		}
	}
	reserved := int64(len(meta.ReservedUnits()))
	a.free = meta.ClusterCount - reserved
	a.cursor = FirstCluster
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

func (a *Allocator) AllocRun(n int64) (uint32, int64, error) {
	if n <= 0 {
		return 0, 0, errors.New("exfat: AllocRun requires n > 0")
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
		scan(FirstCluster, a.cursor)
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
		a.cursor = FirstCluster
	}
	return uint32(bestStart), got, nil
}

// Link records a chain's next pointer; Link(from, 0) marks the tail of a
// chain. Files written as one contiguous run never call Link, which is
// what lets the Injector's NoFatChain path skip FAT writes for them;
// directory clusters are always linked.
func (a *Allocator) Link(from, to uint32) {
	a.next[from] = to
}

func (a *Allocator) Free(u uint32) error {
	if int64(u) >= int64(len(a.used)) || !a.used[u] {
		return errors.New("exfat: Free on unallocated cluster")
	}
	a.used[u] = false
	delete(a.next, u)
	a.free++
	return nil
}

func (a *Allocator) FreeCount() int64 { return a.free }

func (a *Allocator) bitmapBytes() []byte {
	n := len(a.used)
	out := make([]byte, (n+7)/8)
	for i, used := range a.used {
		if used {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}
