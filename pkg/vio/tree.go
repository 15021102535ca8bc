package vio

import (
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNodeNotFound is returned when attempting to look up a
// node within a FileTree that does not exist.
var ErrNodeNotFound = errors.New("node not found")

// WalkFunc is the type of function called for each file or
// directory visited by FileTree.Walk. The root node will
// have path ".", and all other nodes will be built from
// that (e.g. "./a").
type WalkFunc func(path string, f File) error

// WalkNodeFunc is the type of function called for each node
// visited by FileTree.WalkNode.
type WalkNodeFunc func(path string, n *TreeNode) error

// ErrSkip can be passed as the result from a WalkFunc to
// tell FileTree.Walk to skip the remainder of the directory.
var ErrSkip = errors.New("skip")

// FileTree represents a tree of files and directories. It is
// used to organize a host source tree before it is streamed
// into an image by an Injector.
type FileTree interface {
	Close() error

	// Map adds f to the FileTree at path. It automatically
	// creates parent directories (recursively) if necessary,
	// and it automatically replaces any existing nodes
	// within the tree if there are collisions, calling
	// the Close method recursively on all replaced
	// nodes.
	//
	// Mapping a directory over an existing directory
	// node does not delete all existing nodes under the
	// directory, but instead merges over the top of
	// them, only replacing nodes with the same name.
	Map(path string, f File) error

	// MapSubTree adds t to the FileTree as a sub-tree
	// at path. It automatically creates parent directories
	// (recursively) if necessary, and it automatically
	// replaces any existing nodes within the tree if
	// there are collisions, calling the Close
	// method recursively on all replaced nodes.
	MapSubTree(path string, t FileTree) error

	// SubTree returns a new FileTree object where the
	// root node is the directory node at path.
	SubTree(path string) (FileTree, error)

	// Unmap removes a node from the FileTree, calling
	// the Close method recursively on all removed
	// nodes.
	Unmap(path string) error

	// Walk traverses the FileTree recursively in a
	// pre-order tree traversal.
	Walk(fn WalkFunc) error

	// WalkNode traverses the FileTree recursively and
	// passes in a complete tree node so we can learn
	// more about it's place in the tree.
	WalkNode(fn WalkNodeFunc) error

	NodeCount() int

	// RootNode returns the tree's root TreeNode directly, for callers
	// (fsengine.InjectTree) that walk the tree structure themselves
	// instead of through Walk/WalkNode callbacks.
	RootNode() *TreeNode
}

type tree struct {
	root       *TreeNode
	lock       sync.Mutex
	closed     bool
	closeFunc  func() error
	walked     bool
	walkedLock sync.Mutex
	nodeCount  int
}

// TreeNode is the structure that all nodes in a FileTree are built on.
type TreeNode struct {
	File               File
	Parent             *TreeNode
	Children           []*TreeNode
	NodeSequenceNumber int64
	Links              int
}

func (n *TreeNode) path() string {

	if n.Parent == nil {
		return n.File.Name()
	}

	if n.Parent == n {
		return n.File.Name()
	}

	p := filepath.Join(n.Parent.path(), n.File.Name())
	p = "./" + p
	p = filepath.ToSlash(p)

	return p

}

func wrapWithName(f File, name string) File {
	return CustomFile(CustomFileArgs{
		Name:               name,
		Size:               f.Size(),
		ModTime:            f.ModTime(),
		Mode:               f.Mode(),
		UID:                f.UID(),
		GID:                f.GID(),
		IsDir:              f.IsDir(),
		IsSymlink:          f.IsSymlink(),
		IsSymlinkNotCached: !f.SymlinkIsCached(),
		Symlink:            f.Symlink(),
		ReadCloser:         f,
	})
}

func (n *TreeNode) mapIn(path string, f File) error {

	var err error
	var next, rest string
	strs := strings.SplitN(path, "/", 2)
	next = strs[0]
	if len(strs) == 2 {
		rest = strs[1]
	}

	newNode := &TreeNode{
		Parent:   n,
		Children: []*TreeNode{},
	}

	if rest == "" {
		newNode.File = f
	} else {
		newNode.File = CustomFile(CustomFileArgs{
			Name:       next,
			IsDir:      true,
			ModTime:    f.ModTime(),
			Mode:       os.ModeDir | 0755,
			Size:       0,
			ReadCloser: ioutil.NopCloser(strings.NewReader("")),
		})
	}

	l := len(n.Children)

	k := sort.Search(l, func(i int) bool {
		return next <= n.Children[i].File.Name()
	})

	if k == l {
		// append new node
		if rest != "" {
			err = newNode.mapIn(rest, f)
			if err != nil {
				return err
			}
		}
		n.Children = append(n.Children, newNode)
		return nil
	}

	child := n.Children[k]
	if next == child.File.Name() {
		if child.File.IsDir() && newNode.File.IsDir() {
			// merge
			if rest != "" {
				err = child.mapIn(rest, f)
				if err != nil {
					return err
				}
			}
		} else {
			// replace
			err = child.walk(func(path string, f File) error {
				return f.Close()
			})
			if err != nil {
				return err
			}

			n.Children[k] = newNode
		}

		return nil
	}

	// insert
	if rest != "" {
		err = newNode.mapIn(rest, f)
		if err != nil {
			return err
		}
	}
	n.Children = append(n.Children[:k],
		append([]*TreeNode{newNode}, n.Children[k:]...)...)

	return nil

}

func (n *TreeNode) mapInSubTree(path string, sub FileTree) error {

	var err error
	var next, rest string
	strs := strings.SplitN(path, "/", 2)
	next = strs[0]
	if len(strs) == 2 {
		next = strs[1]
	}

	var newNode *TreeNode
	if rest == "" {
		newNode = sub.(*tree).root
	} else {
		data := ioutil.NopCloser(strings.NewReader(""))
		var mt time.Time
		mt, err = time.ParseInLocation(time.RFC3339, "1970-01-01T00:00:00Z", time.UTC)
		if err != nil {
			return err
		}

		newNode = &TreeNode{
			File: CustomFile(CustomFileArgs{
				Name:       next,
				IsDir:      true,
				ModTime:    mt,
				Mode:       os.ModeDir | 0755,
				Size:       0,
				ReadCloser: data,
			}),
			Parent:   n,
			Children: []*TreeNode{},
		}
	}

	l := len(n.Children)

	k := sort.Search(l, func(i int) bool {
		return next <= n.Children[i].File.Name()
	})

	if k == l {
		// append new node
		if rest != "" {
			err = newNode.mapInSubTree(rest, sub)
			if err != nil {
				return err
			}
		}
		n.Children = append(n.Children, newNode)
		return nil
	}

	child := n.Children[k]
	if next == child.File.Name() {
		if child.File.IsDir() && newNode.File.IsDir() {
			for _, nc := range newNode.Children {
				i := sort.Search(len(child.Children), func(i int) bool {
					return child.Children[i].File.Name() <= nc.File.Name()
				})
				if i >= len(child.Children) {
					child.Children = append(child.Children, nc)
				} else {
					if child.Children[i].File.Name() == nc.File.Name() {
						panic("unexpected tree merge error")
					} else {
						child.Children = append(child.Children[:i], append([]*TreeNode{nc}, child.Children[i:]...)...)
					}
				}
			}
			return nil
			// merge, nothing else to do
		}
		// replace
		err = child.walk(func(path string, f File) error {
			return f.Close()
		})
		if err != nil {
			return err
		}

		n.Children[k] = newNode
		return nil
	}

	// insert
	if rest != "" {
		err = newNode.mapInSubTree(rest, sub)
		if err != nil {
			return err
		}
	}
	n.Children = append(n.Children[:k],
		append([]*TreeNode{newNode}, n.Children[k:]...)...)

	return nil

}

func (n *TreeNode) unmap(path string) error {

	var next, rest string
	strs := strings.SplitN(path, "/", 2)
	next = strs[0]
	if len(strs) == 2 {
		next = strs[1]
	}

	l := len(n.Children)

	k := sort.Search(l, func(i int) bool {
		return next < n.Children[i].File.Name()
	})

	if k == l {
		return ErrNodeNotFound
	}

	child := n.Children[k]
	if next == child.File.Name() {
		if rest != "" {
			return child.unmap(rest)
		}
		err := child.walk(func(path string, f File) error {
			return f.Close()
		})
		if err != nil {
			return err
		}

		n.Children = append(n.Children[:k], n.Children[k+1:]...)
		return nil
	}

	return ErrNodeNotFound

}

func (n *TreeNode) walk(fn WalkFunc) error {

	var err error
	var isDir = n.File.IsDir()

	err = fn(n.path(), n.File)
	if err == nil && isDir {
		for _, child := range n.Children {
			err = child.walk(fn)
			if err != nil {
				break
			}
		}
	}

	if err == ErrSkip && isDir {
		return nil
	}

	return err

}

func (n *TreeNode) walkNode(fn WalkNodeFunc) error {

	var err error
	var isDir = n.File.IsDir()

	err = fn(n.path(), n)
	if err == nil && isDir {
		for _, child := range n.Children {
			err = child.walkNode(fn)
			if err != nil {
				break
			}
		}
	}

	if err == ErrSkip && isDir {
		return nil
	}

	return err

}

// NewFileTree returns a new filetree with an empty root directory.
func NewFileTree() FileTree {
	data := ioutil.NopCloser(strings.NewReader(""))

	mt, err := time.ParseInLocation(time.RFC3339, "1970-01-01T00:00:00Z", time.UTC)
	if err != nil {
		panic(err)
	}

	return &tree{
		root: &TreeNode{
			File: CustomFile(CustomFileArgs{
				Name:       ".",
				Size:       0,
				IsDir:      true,
				Mode:       os.ModeDir | 0755,
				ModTime:    mt,
				ReadCloser: data,
			}),
			Parent:   nil,
			Children: []*TreeNode{},
		},
	}
}

// FileTreeFromDirectory walks a host directory and maps every entry into a
// new FileTree, preserving mode/uid/gid via vio.LazyOpen.
func FileTreeFromDirectory(dir string) (FileTree, error) {
	t := NewFileTree()
	err := filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		slash := filepath.ToSlash(path)
		abs := slash
		slash = strings.TrimPrefix(slash, filepath.ToSlash(dir))
		slash = strings.TrimPrefix(slash, "/")
		if slash == "" {
			return nil
		}

		f, err := LazyOpen(abs)
		if err != nil {
			return err
		}

		return t.Map(slash, f)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (t *tree) Close() error {

	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed {
		return errors.New("already closed")
	}
	t.closed = true
	if t.closeFunc != nil {
		defer t.closeFunc()
	}
	err := t.Walk(func(path string, f File) error {
		return f.Close()
	})
	if err != nil {
		return err
	}
	if t.closeFunc != nil {
		return t.closeFunc()
	}

	return nil
}

func (t *tree) computeMetadata() {
	t.walkedLock.Lock()
	if !t.walked {
		idx := int64(0)
		err := t.root.walkNode(func(path string, n *TreeNode) error {
			n.NodeSequenceNumber = idx
			t.nodeCount++
			n.Links++ // assume one parent
			if n.File.IsDir() {
				n.Links++ // link to self
				for _, child := range n.Children {
					if child.File.IsDir() {
						n.Links++ // child link back
					}
				}
			}
			idx++
			return nil
		})
		if err != nil {
			t.walkedLock.Unlock()
			panic(err)
		}
		t.walked = true
	}
	t.walkedLock.Unlock()
}

func (t *tree) RootNode() *TreeNode {
	return t.root
}

func (t *tree) NodeCount() int {
	t.computeMetadata()
	return t.nodeCount
}

func (t *tree) Map(path string, f File) error {

	if f.Size() < 0 {
		return errors.New("cannot map object with negative size")
	}

	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed {
		return errors.New("cannot map onto closed tree")
	}

	path = filepath.ToSlash(path)
	path = filepath.Clean(path)
	path = filepath.ToSlash(path)
	path = filepath.Join("/", path)
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return errors.New("cannot map over the root node")
	}

	f = wrapWithName(f, filepath.Base(path))

	return t.root.mapIn(path, f)

}

func (t *tree) MapSubTree(path string, sub FileTree) error {

	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed {
		return errors.New("cannot map onto closed tree")
	}

	path = filepath.ToSlash(path)
	path = filepath.Clean(path)
	path = filepath.ToSlash(path)

	st := sub.(*tree)
	st.root.File = wrapWithName(st.root.File, filepath.Base(path))

	err := t.root.mapInSubTree(path, sub)
	if err != nil {
		return err
	}

	tmp := t.closeFunc
	t.closeFunc = func() error {
		if tmp != nil {
			e := tmp()
			if e != nil {
				return e
			}
		}

		return sub.Close()
	}

	return nil

}

func (t *tree) WalkNode(fn WalkNodeFunc) error {
	t.computeMetadata()
	return t.root.walkNode(fn)
}

func (t *tree) Walk(fn WalkFunc) error {
	return t.root.walk(fn)
}

func (t *tree) SubTree(path string) (FileTree, error) {

	path = filepath.Clean(path)
	path = filepath.ToSlash(path)

	node := t.root
	for {
		var next, rest string
		strs := strings.SplitN(path, "/", 2)
		next = strs[0]
		if len(strs) == 2 {
			next = strs[1]
		}

		// find child
		l := len(node.Children)

		k := sort.Search(l, func(i int) bool {
			return next <= node.Children[i].File.Name()
		})

		if k == l {
			return nil, ErrNodeNotFound
		}

		child := node.Children[k]
		if next != child.File.Name() {
			return nil, ErrNodeNotFound
		}

		if rest == "" {
			child.File = wrapWithName(child.File, ".")
			child.Parent = nil
			subtree := &tree{
				root: child,
			}
			return subtree, nil
		}

		path = rest
		node = child

	}

}

func (t *tree) Unmap(path string) error {

	path = filepath.Clean(path)
	path = filepath.ToSlash(path)
	return t.root.unmap(path)

}
