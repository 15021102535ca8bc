package ext4

import (
	"bytes"
	"encoding/binary"
	"io"
	"path"
	"strings"

	"github.com/vorteil/fsimage/pkg/vio"
)

// FTYPE constants are used in directory entries to identify file types without requiring inode lookups.
const (
	FTypeRegularFile = 0x1 // FTYPE_REGULAR_FILE
	FTypeDir         = 0x2 // FTYPE_DIR
	FTypeSymlink     = 0x7 // FTYPE_SYMLINK
)

func dentryMinLength(s string) int64 {
	l := 8 + align(int64(len(s)+1), 4)
	return l
}

type dentry struct {
	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType uint8
	// name string
	// padding
}

func writeDentry(w io.Writer, name string, dentry *dentry) error {

	err := binary.Write(w, binary.LittleEndian, dentry)
	if err != nil {
		return err
	}

	_, err = io.Copy(w, strings.NewReader(name))
	if err != nil {
		return err
	}

	l := int64(dentry.RecLen) - 8
	l -= int64(len(name))
	_, err = io.CopyN(w, vio.Zeroes, l)
	if err != nil {
		return err
	}

	return nil

}

func calculateLinearDirectorySize(n *vio.TreeNode) int64 {

	var length, leftover int64
	length = 24 // '.' + '..' entries
	leftover = BlockSize - length

	for i, child := range n.Children {

		l := dentryMinLength(child.File.Name())

		if leftover >= l && (leftover-l == 0 || leftover-l > 8) {
			length += l
			leftover -= l
		} else {
			length += leftover
			length += l
			leftover = BlockSize - l
		}

		if leftover < 8 || i == len(n.Children)-1 {
			length += leftover
			leftover = BlockSize
		}

	}

	length = align(length, BlockSize)
	return length

}

type dirTuple struct {
	name  string
	inode uint32
	ftype uint8
}

func addLinearDirectoryBlock(w io.Writer, tuples []*dirTuple) error {

	buf := new(bytes.Buffer)
	length := int64(0)
	leftover := int64(BlockSize)
	exceedsBlock := false

	for i, child := range tuples {

		if exceedsBlock {
			panic("addLinearDirectoryBlock tried to write more than a block worth")
		}

		l := dentryMinLength(child.name)

		length += l
		leftover -= l

		if leftover < 8 || i == len(tuples)-1 {
			l += leftover
			length += leftover
			leftover = int64(BlockSize)
			exceedsBlock = true
		}

		err := writeDentry(buf, child.name, &dentry{
			Inode:    child.inode,
			RecLen:   uint16(l),
			NameLen:  uint8(len(child.name)),
			FileType: child.ftype,
		})
		if err != nil {
			return err
		}

	}

	growToBlock(buf)

	_, err := io.Copy(w, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return err
	}

	return nil

}

func generateLinearDirectoryData(n *node) []byte {

	var tuples []*dirTuple
	tuples = append(tuples, &dirTuple{name: ".", inode: uint32(n.node.NodeSequenceNumber), ftype: FTypeDir})
	tuples = append(tuples, &dirTuple{name: "..", inode: uint32(n.node.Parent.NodeSequenceNumber), ftype: FTypeDir})

	for _, child := range n.node.Children {
		var ftype uint8
		if child.File.IsDir() {
			ftype = FTypeDir
		} else if child.File.IsSymlink() {
			ftype = FTypeSymlink
		} else {
			ftype = FTypeRegularFile
		}
		tuples = append(tuples, &dirTuple{name: path.Base(child.File.Name()), inode: uint32(child.NodeSequenceNumber), ftype: ftype})
	}

	buf := new(bytes.Buffer)

	begin := 0
	size := int64(0)
	for i, tuple := range tuples {
		l := dentryMinLength(tuple.name)
		size += l
		if size > BlockSize {
			err := addLinearDirectoryBlock(buf, tuples[begin:i])
			if err != nil {
				panic(err)
			}
			begin = i
			size = l
		}
	}

	err := addLinearDirectoryBlock(buf, tuples[begin:])
	if err != nil {
		panic(err)
	}

	return buf.Bytes()

}

// This engine writes only linear directories; hash-tree (HTree) indexed
// directories are never generated, so calculateDirectoryBlocks and
// generateDirectoryData don't branch on directory size the way a real
// ext4 driver would once a directory outgrows a single block.
func calculateDirectoryBlocks(n *vio.TreeNode) int64 {
	return calculateBlocksFromSize(calculateLinearDirectorySize(n))
}

func generateDirectoryData(node *node) (io.Reader, error) {

	if node.fs == 0 {
		return bytes.NewReader([]byte{}), nil
	}

	return bytes.NewReader(generateLinearDirectoryData(node)), nil

}
