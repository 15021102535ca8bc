// Package fsengine defines the shared surface the offline filesystem engine
// plugs every supported filesystem into: Meta derivation, the Allocator,
// the Formatter, the Injector, and the Checker. Concrete filesystems
// (pkg/fat32, pkg/exfat, pkg/ext4) each implement this surface and are
// wired together by a Session; fsengine itself never touches an on-disk
// layout.
//
// The allocation unit differs per filesystem (a FAT32/ExFAT cluster index
// vs. EXT4's separate inode and block number spaces), so Allocator is
// generic over U: cluster-addressed filesystems instantiate
// Allocator[uint32], while EXT4 is expressed with two concrete allocators
// (inode and block) rather than forcing a single type parameter across a
// two-ID-space filesystem — see pkg/ext4's allocator types.
package fsengine

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/vorteil/fsimage/pkg/elog"
	"github.com/vorteil/fsimage/pkg/store"
	"github.com/vorteil/fsimage/pkg/vio"
)

// Sentinel errors returned by Allocator and Injector implementations.
// Callers wrap these with errors.Wrap/Wrapf to add location context; the
// sentinel itself is what errors.Is/errors.Cause tests against.
var (
	ErrOutOfSpace       = errors.New("fsengine: out of space")
	ErrNameCollision    = errors.New("fsengine: name already exists in directory")
	ErrNameInvalid      = errors.New("fsengine: name not representable on this filesystem")
	ErrInvalidMeta      = errors.New("fsengine: metadata failed validation")
	ErrContextUnderflow = errors.New("fsengine: EndDir called with no open directory")
)

// FsNode is the source-side view of a file or directory being injected.
// vio.File already carries everything a node needs (name, size, times,
// mode, ownership, symlink target) so it is reused directly rather than
// re-declared.
type FsNode = vio.File

// Attrs is the attribute set an Injector writes into a directory entry /
// inode. It's derived from an FsNode but kept as its own type so callers
// synthesizing directories (which have no FsNode of their own) can build
// one without a backing file.
type Attrs struct {
	ModTime    time.Time
	ChangeTime time.Time
	AccessTime time.Time
	Mode       os.FileMode
	UID        uint32
	GID        uint32
}

// AttrsFromNode builds an Attrs from an FsNode, defaulting ChangeTime and
// AccessTime to ModTime when the source doesn't distinguish them (vio.File
// only carries one timestamp).
func AttrsFromNode(n FsNode) Attrs {
	return Attrs{
		ModTime:    n.ModTime(),
		ChangeTime: n.ModTime(),
		AccessTime: n.ModTime(),
		Mode:       n.Mode(),
		UID:        n.UID(),
		GID:        n.GID(),
	}
}

// Extent is a contiguous run of allocation units.
type Extent[U any] struct {
	First U
	Units int64
}

// Handle is the opaque result of an allocation: enough to write the data
// (the extents) and enough to link it into a directory entry (First, plus
// whatever directory-entry-shaped value the filesystem stores alongside
// it — left to the concrete filesystem since a FAT32 handle is just a
// cluster chain head while an EXT4 handle is an inode number carrying its
// own extent tree).
type Handle[U any] struct {
	First   U
	Extents []Extent[U]
}

// Allocator hands out allocation units (FAT32/ExFAT clusters; EXT4 blocks
// or inodes, through two separate instantiations) and tracks what's free.
// A new Allocator always starts with every unit free except those Meta
// reserves (boot regions, FAT/bitmap/upcase areas, the root directory,
// reserved inodes).
type Allocator[U any] interface {
	// AllocOne reserves a single unit, for directory entries or inodes.
	AllocOne() (U, error)

	// AllocRun reserves up to n contiguous units, returning the first unit
	// and how many were actually obtained (got <= n). Callers call AllocRun
	// repeatedly to build a fragmented Handle when a single contiguous run
	// doesn't cover the requested size.
	AllocRun(n int64) (first U, got int64, err error)

	// Free releases a previously allocated unit back to the pool.
	Free(u U) error

	// FreeCount reports how many units remain unallocated.
	FreeCount() int64
}

// Formatter lays down the fixed, file-independent structures of a fresh
// filesystem: boot sectors/superblock, FAT(s)/bitmaps/inode tables, and an
// empty root directory. It never touches file data.
type Formatter interface {
	Format(s store.BlockStore) error
}

// Injector streams a source tree into an already-formatted filesystem. It
// is driven as a stack of directory contexts: SetRootContext establishes
// the top frame, Mkdir/WriteFile push entries into the current frame,
// EndDir pops back to the parent, and Flush commits all outstanding
// metadata (FATs, bitmaps, superblock counters, directory sizes) to the
// store.
type Injector interface {
	SetRootContext() error
	Mkdir(name string, attrs Attrs) error
	WriteFile(name string, attrs Attrs, r io.Reader, size int64) error
	Symlink(name string, attrs Attrs, target string) error
	EndDir() error
	Flush() error
}

// Finding is a single observation produced by a Checker. It's a value, not
// an error: a Checker run that completes successfully may still return a
// non-empty slice of Findings describing problems it detected.
type Finding struct {
	Kind     string
	Location string
	Detail   string
}

// Checker walks an already-injected filesystem and reports inconsistencies
// without attempting to repair them.
type Checker interface {
	Verify(s store.BlockStore) ([]Finding, error)
}

// HoleQueryable is implemented by stores (or Formatter/Injector
// collaborators) that can answer whether a byte range is all-zero without
// the caller reading it back. A sparse-container writer wrapping the
// engine's output uses this to skip unused regions.
type HoleQueryable interface {
	RegionIsHole(begin, size int64) (bool, error)
}

// InjectTree walks a vio.FileTree in stable, name-sorted order and drives
// inj through Mkdir/WriteFile/Symlink/EndDir calls that mirror its shape.
// Root-directory attributes are applied via SetRootContext and are not
// separately passed since the Injector derives them from Meta.
//
// view, when non-nil, receives coarse progress milestones (one call per
// directory entered); it is never called per-byte.
func InjectTree(inj Injector, root *vio.TreeNode, view elog.Logger) error {

	if err := inj.SetRootContext(); err != nil {
		return errors.Wrap(err, "fsengine: set root context")
	}

	return injectChildren(inj, root, view)
}

func injectChildren(inj Injector, node *vio.TreeNode, view elog.Logger) error {

	for _, child := range node.Children {

		f := child.File
		attrs := AttrsFromNode(f)

		switch {
		case f.IsSymlink() && f.SymlinkIsCached():
			if err := inj.Symlink(f.Name(), attrs, f.Symlink()); err != nil {
				return errors.Wrapf(err, "fsengine: symlink %q", f.Name())
			}
		case f.IsDir():
			if view != nil && view.IsInfoEnabled() {
				view.Infof("mkdir %s", f.Name())
			}
			if err := inj.Mkdir(f.Name(), attrs); err != nil {
				return errors.Wrapf(err, "fsengine: mkdir %q", f.Name())
			}
			if err := injectChildren(inj, child, view); err != nil {
				return err
			}
			if err := inj.EndDir(); err != nil {
				return errors.Wrapf(err, "fsengine: end dir %q", f.Name())
			}
		default:
			if err := inj.WriteFile(f.Name(), attrs, f, int64(f.Size())); err != nil {
				return errors.Wrapf(err, "fsengine: write file %q", f.Name())
			}
			if err := f.Close(); err != nil {
				return errors.Wrapf(err, "fsengine: close %q", f.Name())
			}
		}
	}

	return nil
}
