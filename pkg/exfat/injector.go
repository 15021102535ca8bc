package exfat

import (
	"encoding/binary"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/vorteil/fsimage/pkg/elog"
	"github.com/vorteil/fsimage/pkg/fsengine"
	"github.com/vorteil/fsimage/pkg/store"
)

const defaultScratchSize = 64 * 1024

// dirFrame mirrors pkg/fat32's context-stack frame: the directory
// currently being appended to, its cluster chain, and the write cursor
// within it. streamEntryOff records where this frame's own Stream
// Extension (0xC0) entry lives in its *parent* (absolute byte offset) so
// EndDir can patch DataLength once the child directory's final size is
// known.
type dirFrame struct {
	clusters       []uint32
	writeCluster   int
	writeOffset    int64
	childNames     map[string]bool
	streamEntryOff int64 // absolute byte offset of this dir's own Stream Extension entry, 0 for root
}

// Injector streams a host file tree into an already-formatted ExFAT
// volume.
type Injector struct {
	s       store.BlockStore
	meta    *Meta
	alloc   *Allocator
	log     elog.Logger
	scratch []byte
	upcase  []byte
	stack   []*dirFrame
}

var _ fsengine.Injector = (*Injector)(nil)

func NewInjector(s store.BlockStore, meta *Meta, alloc *Allocator, log elog.Logger) *Injector {
	table, _ := buildUpcaseTable()
	return &Injector{
		s:       s,
		meta:    meta,
		alloc:   alloc,
		log:     log,
		scratch: make([]byte, defaultScratchSize),
		upcase:  table,
	}
}

func (inj *Injector) top() *dirFrame { return inj.stack[len(inj.stack)-1] }

func (inj *Injector) SetRootContext() error {
	if len(inj.stack) != 0 {
		return errors.New("exfat: SetRootContext called twice")
	}
	inj.stack = append(inj.stack, &dirFrame{
		clusters:   []uint32{uint32(inj.meta.RootDirCluster)},
		childNames: map[string]bool{},
	})
	return nil
}

func (inj *Injector) clusterByteOffset(f *dirFrame, idx int, within int64) int64 {
	return inj.meta.ClusterOffset(int64(f.clusters[idx])) + within
}

func (inj *Injector) ensureFreeSlots(f *dirFrame, n int) error {
	need := int64(n) * 32
	remaining := inj.meta.ClusterSize - f.writeOffset
	if remaining >= need {
		return nil
	}

	c, got, err := inj.alloc.AllocRun(1)
	if err != nil {
		return errors.Wrap(err, "exfat: extend directory")
	}
	if got != 1 {
		return fsengine.ErrOutOfSpace
	}
	prev := f.clusters[len(f.clusters)-1]
	inj.alloc.Link(prev, c)
	inj.alloc.Link(c, 0)
	f.clusters = append(f.clusters, c)
	f.writeCluster = len(f.clusters) - 1
	f.writeOffset = 0

	zero := make([]byte, inj.meta.ClusterSize)
	if err := inj.s.WriteAt(inj.meta.ClusterOffset(int64(c)), zero); err != nil {
		return errors.Wrap(err, "exfat: zero new directory cluster")
	}
	return nil
}

// appendEntrySet writes the whole entry set at once; if it returns a
// non-nil error the cursor was not moved, matching the "whole set or
// none" rule in spec.md §4.5.4. It returns the absolute byte offset of
// the primary (0x85) entry so callers can patch it later (EndDir).
func (inj *Injector) appendEntrySet(f *dirFrame, raw [][]byte) (int64, error) {
	if err := inj.ensureFreeSlots(f, len(raw)); err != nil {
		return 0, err
	}
	primaryOff := inj.clusterByteOffset(f, f.writeCluster, f.writeOffset)
	off := primaryOff
	for _, e := range raw {
		if err := inj.s.WriteAt(off, e); err != nil {
			return 0, errors.Wrap(err, "exfat: write directory entry")
		}
		off += 32
	}
	f.writeOffset += int64(len(raw)) * 32
	return primaryOff, nil
}

func (inj *Injector) checkName(f *dirFrame, name string) error {
	if name == "" || strings.ContainsAny(name, "\x00") {
		return fsengine.ErrNameInvalid
	}
	key := upcaseString(inj.upcase, name)
	if f.childNames[key] {
		return fsengine.ErrNameCollision
	}
	f.childNames[key] = true
	return nil
}

// upcaseString renders the case-insensitive comparison key for a name:
// every UTF-16 code unit upcased via the volume's Up-case Table, joined
// back into a Go string for use as a map key.
func upcaseString(table []byte, s string) string {
	units := utf16Units(s)
	out := make([]rune, len(units))
	for i, u := range units {
		out[i] = rune(upcaseUnit(table, u))
	}
	return string(out)
}

func (inj *Injector) Mkdir(name string, attrs fsengine.Attrs) error {
	f := inj.top()
	if err := inj.checkName(f, name); err != nil {
		return err
	}

	c, got, err := inj.alloc.AllocRun(1)
	if err != nil {
		return errors.Wrapf(err, "exfat: mkdir %q", name)
	}
	if got != 1 {
		return fsengine.ErrOutOfSpace
	}
	inj.alloc.Link(c, 0)

	zero := make([]byte, inj.meta.ClusterSize)
	if err := inj.s.WriteAt(inj.meta.ClusterOffset(int64(c)), zero); err != nil {
		return errors.Wrap(err, "exfat: zero new directory")
	}

	raw := buildEntrySet(name, attrs, true, c, inj.meta.ClusterSize, true, inj.upcase)
	primaryOff, err := inj.appendEntrySet(f, raw)
	if err != nil {
		return err
	}

	child := &dirFrame{
		clusters:       []uint32{c},
		childNames:     map[string]bool{},
		streamEntryOff: primaryOff + 32,
	}
	inj.stack = append(inj.stack, child)
	return nil
}

func (inj *Injector) writeStream(r io.Reader, size int64) (first uint32, noFatChain bool, err error) {
	if size == 0 {
		return 0, true, nil
	}

	needClusters := (size + inj.meta.ClusterSize - 1) / inj.meta.ClusterSize

	// Try one contiguous run first; ExFAT's whole optimization hinges on
	// this (spec.md §4.5.3): only fall back to fragmented allocation if
	// the heap can't produce the full run in one shot.
	c, got, err := inj.alloc.AllocRun(needClusters)
	if err != nil {
		return 0, false, err
	}

	firstRunLen := got
	chain := make([]uint32, 0, needClusters)
	for i := int64(0); i < got; i++ {
		chain = append(chain, c+uint32(i))
	}
	for int64(len(chain)) < needClusters {
		c2, got2, err := inj.alloc.AllocRun(needClusters - int64(len(chain)))
		if err != nil {
			return 0, false, err
		}
		if got2 == 0 {
			return 0, false, fsengine.ErrOutOfSpace
		}
		for i := int64(0); i < got2; i++ {
			chain = append(chain, c2+uint32(i))
		}
	}

	noFatChain = firstRunLen == needClusters // every cluster came from the single initial run
	if !noFatChain {
		for i, cl := range chain {
			next := uint32(0)
			if i+1 < len(chain) {
				next = chain[i+1]
			}
			inj.alloc.Link(cl, next)
		}
	}

	remaining := size
	for _, cl := range chain {
		n := inj.meta.ClusterSize
		if n > remaining {
			n = remaining
		}
		buf := inj.scratch
		if int64(len(buf)) > n {
			buf = buf[:n]
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return 0, false, errors.Wrap(err, "exfat: read file data")
		}
		if err := inj.s.WriteAt(inj.meta.ClusterOffset(int64(cl)), buf); err != nil {
			return 0, false, errors.Wrap(err, "exfat: write file data")
		}
		remaining -= n
	}

	return chain[0], noFatChain, nil
}

func (inj *Injector) WriteFile(name string, attrs fsengine.Attrs, r io.Reader, size int64) error {
	f := inj.top()
	if err := inj.checkName(f, name); err != nil {
		return err
	}

	first, noFatChain, err := inj.writeStream(r, size)
	if err != nil {
		return errors.Wrapf(err, "exfat: write file %q", name)
	}

	raw := buildEntrySet(name, attrs, false, first, size, noFatChain, inj.upcase)
	_, err = inj.appendEntrySet(f, raw)
	return err
}

// Symlink stores the target path as the file's content, the same
// convention pkg/fat32 uses, since ExFAT (like FAT32) has no on-disk
// symlink representation.
func (inj *Injector) Symlink(name string, attrs fsengine.Attrs, target string) error {
	return inj.WriteFile(name, attrs, strings.NewReader(target), int64(len(target)))
}

func (inj *Injector) EndDir() error {
	if len(inj.stack) < 2 {
		return fsengine.ErrContextUnderflow
	}
	child := inj.stack[len(inj.stack)-1]
	inj.stack = inj.stack[:len(inj.stack)-1]

	size := int64(len(child.clusters)) * inj.meta.ClusterSize
	if child.streamEntryOff != 0 {
		buf := make([]byte, 8)
		// DataLength and ValidDataLength both live in the Stream
		// Extension entry at fixed offsets; patch both to the grown size.
		vdlOff := child.streamEntryOff + 8
		dlOff := child.streamEntryOff + 24
		binary.LittleEndian.PutUint64(buf, uint64(size))
		if err := inj.s.WriteAt(vdlOff, buf); err != nil {
			return errors.Wrap(err, "exfat: patch directory ValidDataLength")
		}
		if err := inj.s.WriteAt(dlOff, buf); err != nil {
			return errors.Wrap(err, "exfat: patch directory DataLength")
		}
	}
	return nil
}

func (inj *Injector) Flush() error {
	if err := CommitAllocator(inj.s, inj.meta, inj.alloc); err != nil {
		return err
	}
	bitmap := inj.alloc.bitmapBytes()
	if err := inj.s.WriteAt(inj.meta.ClusterOffset(inj.meta.BitmapCluster), bitmap); err != nil {
		return errors.Wrap(err, "exfat: write allocation bitmap")
	}
	return inj.s.Flush()
}
