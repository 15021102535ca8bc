package fat32

import (
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/vorteil/fsimage/pkg/elog"
	"github.com/vorteil/fsimage/pkg/fsengine"
	"github.com/vorteil/fsimage/pkg/store"
)

const defaultScratchSize = 64 * 1024

// dirFrame is one level of the Injector's context stack: the directory
// currently being appended to. clusters holds every cluster currently in its
// chain (new clusters are linked on the Allocator as they are added, and
// the FAT is written from those links at Flush); shortNames
// tracks used 8.3 names for collision + synthesis within this directory.
type dirFrame struct {
	clusters     []uint32
	writeCluster int
	writeOffset  int64 // byte offset within clusters[writeCluster]
	shortNames   map[[11]byte]bool
	childNames   map[string]bool
	selfCluster  uint32
}

// Injector streams a host file tree into an already-formatted FAT32
// volume.
type Injector struct {
	s       store.BlockStore
	meta    *Meta
	alloc   *Allocator
	log     elog.Logger
	scratch []byte
	stack   []*dirFrame
}

var _ fsengine.Injector = (*Injector)(nil)

func NewInjector(s store.BlockStore, meta *Meta, alloc *Allocator, log elog.Logger) *Injector {
	return &Injector{
		s:       s,
		meta:    meta,
		alloc:   alloc,
		log:     log,
		scratch: make([]byte, defaultScratchSize),
	}
}

func (inj *Injector) top() *dirFrame { return inj.stack[len(inj.stack)-1] }

func (inj *Injector) SetRootContext() error {
	if len(inj.stack) != 0 {
		return errors.New("fat32: SetRootContext called twice")
	}
	f := &dirFrame{
		clusters:     []uint32{uint32(inj.meta.RootDirCluster)},
		shortNames:   map[[11]byte]bool{},
		childNames:   map[string]bool{},
		selfCluster:  uint32(inj.meta.RootDirCluster),
	}
	inj.stack = append(inj.stack, f)
	return nil
}

// clusterByteOffset resolves an absolute byte offset for (cluster index
// within frame, offset within that cluster).
func (inj *Injector) clusterByteOffset(f *dirFrame, idx int, within int64) int64 {
	return inj.meta.ClusterOffset(int64(f.clusters[idx])) + within
}

// ensureFreeSlots guarantees at least n more 32-byte directory entry
// slots are available at the frame's current write position, extending
// the directory by allocating and chaining a new cluster if not.
func (inj *Injector) ensureFreeSlots(f *dirFrame, n int) error {
	need := int64(n) * 32
	remaining := inj.meta.ClusterSize - f.writeOffset
	if remaining >= need {
		return nil
	}

	// pad the remainder of the current cluster with zeroed (free) entries
	// implicitly -- nothing to write, the formatter/previous allocation
	// already zeroed it -- then move on to a new cluster.
	c, got, err := inj.alloc.AllocRun(1)
	if err != nil {
		return errors.Wrap(err, "fat32: extend directory")
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
		return errors.Wrap(err, "fat32: zero new directory cluster")
	}

	return nil
}

// appendEntries writes a contiguous run of already-marshaled 32-byte
// directory entries at the frame's current position, extending the
// directory first if needed. The whole set is written together so a
// reader never observes a partially-written LFN chain.
func (inj *Injector) appendEntries(f *dirFrame, entries [][]byte) error {
	if err := inj.ensureFreeSlots(f, len(entries)); err != nil {
		return err
	}
	off := inj.clusterByteOffset(f, f.writeCluster, f.writeOffset)
	for _, e := range entries {
		if err := inj.s.WriteAt(off, e); err != nil {
			return errors.Wrap(err, "fat32: write directory entry")
		}
		off += 32
	}
	f.writeOffset += int64(len(entries)) * 32
	return nil
}

func (inj *Injector) appendNamedEntry(f *dirFrame, name string, short shortDirEntry) error {
	if f.childNames[strings.ToUpper(name)] {
		return fsengine.ErrNameCollision
	}
	if strings.ContainsAny(name, "\x00") || name == "" {
		return fsengine.ErrNameInvalid
	}

	short.Name = synthesizeShortName(name, f.shortNames)
	f.shortNames[short.Name] = true
	f.childNames[strings.ToUpper(name)] = true

	// Always emit the LFN chain: it's the only encoding that round-trips
	// arbitrary Unicode names and mixed case, which the Injector must
	// preserve (spec.md §4.5.2).
	var raw [][]byte
	chain := lfnChain(name, short.Name)
	for i := range chain {
		e := chain[i]
		raw = append(raw, e.marshal())
	}
	raw = append(raw, short.marshal())

	return inj.appendEntries(f, raw)
}

func baseAttrs(a fsengine.Attrs, isDir bool) shortDirEntry {
	var e shortDirEntry
	if isDir {
		e.Attr = attrDir
	} else {
		e.Attr = attrArchive
	}
	e.CrtDate = fatDate(a.ModTime)
	e.CrtTime = fatTime(a.ModTime)
	e.CrtTimeTen = fatTimeTenths(a.ModTime)
	e.WrtDate = fatDate(a.ModTime)
	e.WrtTime = fatTime(a.ModTime)
	e.LstAccDate = fatDate(a.AccessTime)
	return e
}

func (inj *Injector) Mkdir(name string, attrs fsengine.Attrs) error {
	f := inj.top()

	c, got, err := inj.alloc.AllocRun(1)
	if err != nil {
		return errors.Wrapf(err, "fat32: mkdir %q", name)
	}
	if got != 1 {
		return fsengine.ErrOutOfSpace
	}
	inj.alloc.Link(c, 0)

	zero := make([]byte, inj.meta.ClusterSize)
	if err := inj.s.WriteAt(inj.meta.ClusterOffset(int64(c)), zero); err != nil {
		return errors.Wrap(err, "fat32: zero new directory")
	}

	e := baseAttrs(attrs, true)
	e.setFirstCluster(c)
	if err := inj.appendNamedEntry(f, name, e); err != nil {
		return err
	}

	// write '.' and '..' into the new directory
	dot := baseAttrs(attrs, true)
	dot.Name = pack(".", "")
	dot.setFirstCluster(c)
	dotdot := baseAttrs(attrs, true)
	dotdot.Name = pack("..", "")
	dotdot.setFirstCluster(uint32(f.selfCluster))
	if f.selfCluster == uint32(inj.meta.RootDirCluster) {
		dotdot.setFirstCluster(0)
	}

	child := &dirFrame{
		clusters:     []uint32{c},
		shortNames:   map[[11]byte]bool{pack(".", ""): true, pack("..", ""): true},
		childNames:   map[string]bool{".": true, "..": true},
		selfCluster:  c,
	}
	if err := inj.appendEntries(child, [][]byte{dot.marshal(), dotdot.marshal()}); err != nil {
		return err
	}

	inj.stack = append(inj.stack, child)
	return nil
}

func (inj *Injector) writeStream(r io.Reader, size int64) (firstCluster uint32, err error) {
	if size == 0 {
		return 0, nil
	}

	needClusters := (size + inj.meta.ClusterSize - 1) / inj.meta.ClusterSize
	var chain []uint32
	for int64(len(chain)) < needClusters {
		c, got, err := inj.alloc.AllocRun(needClusters - int64(len(chain)))
		if err != nil {
			return 0, err
		}
		if got == 0 {
			return 0, fsengine.ErrOutOfSpace
		}
		for i := int64(0); i < got; i++ {
			chain = append(chain, c+uint32(i))
		}
	}
	for i, c := range chain {
		next := uint32(0)
		if i+1 < len(chain) {
			next = chain[i+1]
		}
		inj.alloc.Link(c, next)
	}

	remaining := size
	for _, c := range chain {
		n := inj.meta.ClusterSize
		if n > remaining {
			n = remaining
		}
		buf := inj.scratch
		if int64(len(buf)) > n {
			buf = buf[:n]
		}
		if _, err := io.ReadFull(r, buf); err != nil {
			return 0, errors.Wrap(err, "fat32: read file data")
		}
		if err := inj.s.WriteAt(inj.meta.ClusterOffset(int64(c)), buf); err != nil {
			return 0, errors.Wrap(err, "fat32: write file data")
		}
		remaining -= n
	}

	return chain[0], nil
}

func (inj *Injector) WriteFile(name string, attrs fsengine.Attrs, r io.Reader, size int64) error {
	f := inj.top()

	first, err := inj.writeStream(r, size)
	if err != nil {
		return errors.Wrapf(err, "fat32: write file %q", name)
	}

	e := baseAttrs(attrs, false)
	e.setFirstCluster(first)
	e.FileSize = uint32(size)
	return inj.appendNamedEntry(f, name, e)
}

// Symlink: FAT32 has no native symlink representation. The target path is
// stored as ordinary file content (matching how Windows itself represents
// symlink-like reparse data as file bytes); the Checker treats it as a
// regular file since on-disk there is no distinguishing attribute bit
// available on FAT32 for this.
func (inj *Injector) Symlink(name string, attrs fsengine.Attrs, target string) error {
	return inj.WriteFile(name, attrs, strings.NewReader(target), int64(len(target)))
}

func (inj *Injector) EndDir() error {
	if len(inj.stack) < 2 {
		return fsengine.ErrContextUnderflow
	}
	inj.stack = inj.stack[:len(inj.stack)-1]
	return nil
}

func (inj *Injector) Flush() error {
	if err := CommitAllocator(inj.s, inj.meta, inj.alloc); err != nil {
		return err
	}
	info := newFSInfo(uint32(inj.alloc.FreeCount()), uint32(inj.alloc.cursor))
	if err := inj.s.WriteAt(inj.meta.FSInfoOffset, info.marshal()); err != nil {
		return errors.Wrap(err, "fat32: update FSInfo")
	}
	if err := inj.s.WriteAt(inj.meta.BackupBootOffset+FSInfoSector*SectorSize, info.marshal()); err != nil {
		return errors.Wrap(err, "fat32: update backup FSInfo")
	}
	return inj.s.Flush()
}
