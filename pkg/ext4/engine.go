package ext4

import (
	"context"
	"io"
	"os"
	"path"
	"strings"

	"github.com/pkg/errors"

	"github.com/vorteil/fsimage/pkg/elog"
	"github.com/vorteil/fsimage/pkg/fsengine"
	"github.com/vorteil/fsimage/pkg/store"
	"github.com/vorteil/fsimage/pkg/vio"
)

// storeWriteSeeker adapts a store.BlockStore to the io.WriteSeeker
// Compiler.Compile writes through, the same role vio.WriteSeeker plays
// for a plain io.Writer but backed by random access instead of a
// forward-only buffer.
type storeWriteSeeker struct {
	s   store.BlockStore
	pos int64
}

func (w *storeWriteSeeker) Write(p []byte) (int, error) {
	if err := w.s.WriteAt(w.pos, p); err != nil {
		return 0, err
	}
	w.pos += int64(len(p))
	return len(p), nil
}

func (w *storeWriteSeeker) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		w.pos = offset
	case io.SeekCurrent:
		w.pos += offset
	case io.SeekEnd:
		w.pos = w.s.Len() + offset
	default:
		return 0, errors.New("ext4: invalid seek whence")
	}
	return w.pos, nil
}

// Engine drives the whole-tree Compiler behind the same
// SetRootContext/Mkdir/WriteFile/Symlink/EndDir/Flush shape
// fsengine.Formatter and fsengine.Injector expect from FAT32 and ExFAT.
//
// Those two write each directory entry durably the moment it's appended.
// EXT4 can't: block-group and flex-group geometry (see
// planner.calculateMinimumSize) is only knowable once the whole source
// tree has been measured. So Engine buffers the tree in memory with
// vio.FileTree as Mkdir/WriteFile/EndDir are called, and only invokes
// Compiler.Commit/Precompile/Compile — the teacher's actual build
// pipeline, unchanged — from Flush. Format is consequently a no-op
// beyond a size sanity check: there is nothing file-independent to lay
// down before the tree is known.
type Engine struct {
	log  elog.Logger
	tree vio.FileTree
	c    *Compiler

	s         store.BlockStore
	pathStack []string
}

var _ fsengine.Formatter = (*Engine)(nil)
var _ fsengine.Injector = (*Engine)(nil)

// EngineOptions carries the volume-identity fields a caller assembling a
// layout (label, UUID) wants stamped into the superblock; the zero value
// formats an anonymous, zero-UUID volume.
type EngineOptions struct {
	Label string
	UUID  [16]byte
}

// NewEngine constructs an Engine. MinInodes/MinFreeSpace-style Compiler
// knobs are left at their defaults; callers needing headroom can reach
// them through Compiler() before injecting anything.
func NewEngine(log elog.Logger, opts EngineOptions) *Engine {
	tree := vio.NewFileTree()
	return &Engine{
		log:  log,
		tree: tree,
		c: NewCompiler(&CompilerArgs{
			FileTree: tree,
			Logger:   log,
			UUID:     opts.UUID,
			Label:    opts.Label,
		}),
	}
}

// Compiler exposes the underlying Compiler so callers can tune inode/
// free-space minimums (IncreaseMinimumInodes, SetMinimumInodesPer64MiB,
// ...) before injection starts.
func (e *Engine) Compiler() *Compiler { return e.c }

func (e *Engine) Format(s store.BlockStore) error {
	if s.Len() < BlockSize*16 {
		return errors.Wrap(fsengine.ErrInvalidMeta, "ext4: store too small for a minimal filesystem")
	}
	e.s = s
	return nil
}

func (e *Engine) SetRootContext() error {
	if len(e.pathStack) != 0 {
		return errors.New("ext4: SetRootContext called twice")
	}
	e.pathStack = []string{"/"}
	return nil
}

func (e *Engine) currentPath(name string) string {
	return path.Join(e.pathStack[len(e.pathStack)-1], name)
}

func (e *Engine) Mkdir(name string, attrs fsengine.Attrs) error {
	p := e.currentPath(name)
	err := e.tree.Map(p, vio.CustomFile(vio.CustomFileArgs{
		Name:    name,
		IsDir:   true,
		ModTime: attrs.ModTime,
		Mode:    attrs.Mode | os.ModeDir,
		UID:     attrs.UID,
		GID:     attrs.GID,
	}))
	if err != nil {
		return errors.Wrapf(err, "ext4: mkdir %q", p)
	}
	e.pathStack = append(e.pathStack, p)
	return nil
}

func (e *Engine) WriteFile(name string, attrs fsengine.Attrs, r io.Reader, size int64) error {
	p := e.currentPath(name)
	err := e.tree.Map(p, vio.CustomFile(vio.CustomFileArgs{
		Name:       name,
		Size:       int(size),
		ModTime:    attrs.ModTime,
		Mode:       attrs.Mode,
		UID:        attrs.UID,
		GID:        attrs.GID,
		ReadCloser: io.NopCloser(r),
	}))
	if err != nil {
		return errors.Wrapf(err, "ext4: write file %q", p)
	}
	return nil
}

// Symlink inlines the target path using vio's own symlink representation
// (IsSymlink/Symlink), which inode.go stores inline in the inode's block
// array when it fits under InodeMaximumInlineBytes and as regular file
// content otherwise — this engine's native symlink handling, not a
// FAT32/ExFAT-style convention.
func (e *Engine) Symlink(name string, attrs fsengine.Attrs, target string) error {
	p := e.currentPath(name)
	err := e.tree.Map(p, vio.CustomFile(vio.CustomFileArgs{
		Name:       name,
		Size:       len(target),
		ModTime:    attrs.ModTime,
		Mode:       attrs.Mode | os.ModeSymlink,
		UID:        attrs.UID,
		GID:        attrs.GID,
		IsSymlink:  true,
		Symlink:    target,
		ReadCloser: io.NopCloser(strings.NewReader(target)),
	}))
	if err != nil {
		return errors.Wrapf(err, "ext4: symlink %q", p)
	}
	return nil
}

func (e *Engine) EndDir() error {
	if len(e.pathStack) < 2 {
		return fsengine.ErrContextUnderflow
	}
	e.pathStack = e.pathStack[:len(e.pathStack)-1]
	return nil
}

func (e *Engine) Flush() error {
	ctx := context.Background()

	if err := e.c.Commit(ctx); err != nil {
		return errors.Wrap(err, "ext4: commit tree")
	}

	size := e.s.Len()
	if size < e.c.MinimumSize() {
		return errors.Wrapf(fsengine.ErrOutOfSpace, "ext4: volume is %d bytes, needs at least %d", size, e.c.MinimumSize())
	}

	if err := e.c.Precompile(ctx, size); err != nil {
		return errors.Wrap(err, "ext4: precompile")
	}

	w := &storeWriteSeeker{s: e.s}
	if err := e.c.Compile(ctx, w); err != nil {
		return errors.Wrap(err, "ext4: compile")
	}

	return e.s.Flush()
}
