package ext4

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/vorteil/fsimage/pkg/fsengine"
	"github.com/vorteil/fsimage/pkg/store"
)

// Checker independently re-derives inode and block reachability by
// walking the on-disk directory tree from the root inode, then
// cross-checks that derivation against the on-disk block and inode
// bitmaps — the same "walk-then-cross-check-the-bitmap" shape pkg/fat32
// and pkg/exfat use, translated to block groups, the inode table, and
// extent trees instead of a cluster chain. The superblock and group
// descriptor free-block and free-inode counters are not compared against
// the bitmaps.
type Checker struct{}

var _ fsengine.Checker = (*Checker)(nil)

func NewChecker() *Checker { return &Checker{} }

type groupInfo struct {
	blockBitmapAddr uint32
	inodeBitmapAddr uint32
	inodeTableAddr  uint32
	freeBlocks      uint16
	freeInodes      uint16
}

func (c *Checker) Verify(s store.BlockStore) ([]fsengine.Finding, error) {
	var findings []fsengine.Finding

	sb, err := readSuperblock(s)
	if err != nil {
		return nil, err
	}
	if sb.Signature != Signature {
		findings = append(findings, fsengine.Finding{
			Kind:     "CorruptOnDisk",
			Location: "superblock",
			Detail:   fmt.Sprintf("bad signature 0x%x", sb.Signature),
		})
		return findings, nil
	}

	totalBlocks := int64(sb.TotalBlocks)
	totalInodes := int64(sb.TotalInodes)
	inodesPerGroup := int64(sb.InodesPerGroup)
	totalGroups := divide(totalBlocks, BlocksPerGroup)

	groups := make([]groupInfo, totalGroups)
	for g := int64(0); g < totalGroups; g++ {
		var desc BlockGroupDescriptor
		buf := make([]byte, DescriptorSize)
		off := BlockSize + g*DescriptorSize
		if err := s.ReadAt(off, buf); err != nil {
			return nil, errors.Wrapf(err, "ext4: read group descriptor %d", g)
		}
		if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &desc); err != nil {
			return nil, err
		}
		groups[g] = groupInfo{
			blockBitmapAddr: desc.BlockBitmapAddr,
			inodeBitmapAddr: desc.InodeBitmapAddr,
			inodeTableAddr:  desc.InodeTableAddr,
			freeBlocks:      desc.FreeBlocks,
			freeInodes:      desc.FreeInodes,
		}
	}

	reachableBlocks := make(map[int64]bool)
	reachableInodes := make(map[int64]bool)

	// Boot block, superblock, and BGDT (group 0 only; this engine writes
	// no sparse superblock backups).
	reachableBlocks[0] = true
	groupDescriptors := totalGroups * 1024
	groupDescriptors = align(groupDescriptors, DescriptorsPerBlock)
	if groupDescriptors > MaxGroupDescriptors {
		groupDescriptors = MaxGroupDescriptors
	}
	superOverhead := 1 + divide(groupDescriptors, DescriptorsPerBlock)
	for b := int64(0); b < superOverhead; b++ {
		reachableBlocks[b] = true
	}
	for _, gi := range groups {
		reachableBlocks[int64(gi.blockBitmapAddr)] = true
		reachableBlocks[int64(gi.inodeBitmapAddr)] = true
		inodeBlocks := divide(inodesPerGroup, InodesPerBlock)
		for b := int64(0); b < inodeBlocks; b++ {
			reachableBlocks[int64(gi.inodeTableAddr)+b] = true
		}
	}

	var walk func(ino int64, isDir bool) error
	walk = func(ino int64, isDir bool) error {
		reachableInodes[ino] = true

		in, err := readInode(s, groups, inodesPerGroup, ino)
		if err != nil {
			return err
		}

		size := int64(in.SizeLower) | int64(in.SizeUpper)<<32
		ftype := in.Permissions & InodeTypeMask

		if ftype == InodeTypeSymlink && size < InodeMaximumInlineBytes {
			// Stored inline in Block; no data blocks to account for.
			return nil
		}

		extents, err := readExtents(in)
		if err != nil {
			return errors.Wrapf(err, "ext4: inode %d extent tree", ino)
		}

		var childSubdirs int64
		var dentries []dentry
		var names []string

		for _, e := range extents {
			for b := int64(0); b < e.length; b++ {
				phys := e.beginning + b
				if phys < 0 || phys >= totalBlocks {
					findings = append(findings, fsengine.Finding{
						Kind:     "CorruptOnDisk",
						Location: fmt.Sprintf("inode %d", ino),
						Detail:   fmt.Sprintf("extent references out-of-range block %d", phys),
					})
					continue
				}
				if reachableBlocks[phys] {
					findings = append(findings, fsengine.Finding{
						Kind:     "CorruptOnDisk",
						Location: fmt.Sprintf("block %d", phys),
						Detail:   fmt.Sprintf("claimed by more than one inode (last: %d)", ino),
					})
				}
				reachableBlocks[phys] = true

				if isDir {
					buf := make([]byte, BlockSize)
					if err := s.ReadAt(phys*BlockSize, buf); err != nil {
						return err
					}
					ds, err := parseDirBlock(buf)
					if err != nil {
						return err
					}
					for _, d := range ds {
						if d.name == "." || d.name == ".." {
							continue
						}
						dentries = append(dentries, d.dentry)
						names = append(names, d.name)
						if d.dentry.FileType == FTypeDir {
							childSubdirs++
						}
					}
				}
			}
		}

		expectedLinks := uint16(1)
		if isDir {
			expectedLinks = uint16(2 + childSubdirs)
		}
		if in.Links != expectedLinks {
			findings = append(findings, fsengine.Finding{
				Kind:     "CorruptOnDisk",
				Location: fmt.Sprintf("inode %d", ino),
				Detail:   fmt.Sprintf("link count %d, expected %d", in.Links, expectedLinks),
			})
		}

		for i, d := range dentries {
			if err := walk(int64(d.Inode), d.FileType == FTypeDir); err != nil {
				return errors.Wrapf(err, "ext4: walk %q", names[i])
			}
		}

		return nil
	}

	if err := walk(RootDirInode, true); err != nil {
		return nil, err
	}

	for g, gi := range groups {
		bitmap := make([]byte, BlockSize)
		if err := s.ReadAt(int64(gi.blockBitmapAddr)*BlockSize, bitmap); err != nil {
			return nil, err
		}
		base := int64(g) * BlocksPerGroup
		limit := BlocksPerGroup
		if base+limit > totalBlocks {
			limit = totalBlocks - base
		}
		for i := int64(0); i < limit; i++ {
			block := base + i
			used := bitmap[i/8]&(1<<uint(i%8)) != 0
			if reachableBlocks[block] && !used {
				findings = append(findings, fsengine.Finding{
					Kind:     "CorruptOnDisk",
					Location: fmt.Sprintf("block %d", block),
					Detail:   "reachable from root directory but block bitmap marks it free",
				})
			}
			if !reachableBlocks[block] && used {
				findings = append(findings, fsengine.Finding{
					Kind:     "CorruptOnDisk",
					Location: fmt.Sprintf("block %d", block),
					Detail:   "block bitmap marks it allocated but it is unreachable from root",
				})
			}
		}

		inoBitmap := make([]byte, BlockSize)
		if err := s.ReadAt(int64(gi.inodeBitmapAddr)*BlockSize, inoBitmap); err != nil {
			return nil, err
		}
		inoBase := int64(g) * inodesPerGroup
		inoLimit := inodesPerGroup
		if inoBase+inoLimit > totalInodes {
			inoLimit = totalInodes - inoBase
		}
		for i := int64(0); i < inoLimit; i++ {
			ino := inoBase + i + 1
			used := inoBitmap[i/8]&(1<<uint(i%8)) != 0
			if reachableInodes[ino] && !used {
				findings = append(findings, fsengine.Finding{
					Kind:     "CorruptOnDisk",
					Location: fmt.Sprintf("inode %d", ino),
					Detail:   "reachable from root directory but inode bitmap marks it free",
				})
			}
			if !reachableInodes[ino] && used && ino > 10 {
				findings = append(findings, fsengine.Finding{
					Kind:     "CorruptOnDisk",
					Location: fmt.Sprintf("inode %d", ino),
					Detail:   "inode bitmap marks it allocated but it is unreachable from root",
				})
			}
		}
	}

	return findings, nil
}

func readSuperblock(s store.BlockStore) (*Superblock, error) {
	buf := make([]byte, binary.Size(Superblock{}))
	if err := s.ReadAt(1024, buf); err != nil {
		return nil, errors.Wrap(err, "ext4: read superblock")
	}
	var sb Superblock
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

func readInode(s store.BlockStore, groups []groupInfo, inodesPerGroup, ino int64) (*Inode, error) {
	idx := ino - 1
	g := idx / inodesPerGroup
	if g < 0 || g >= int64(len(groups)) {
		return nil, errors.Errorf("ext4: inode %d outside any block group", ino)
	}
	local := idx % inodesPerGroup
	off := int64(groups[g].inodeTableAddr)*BlockSize + local*InodeSize

	buf := make([]byte, InodeSize)
	if err := s.ReadAt(off, buf); err != nil {
		return nil, errors.Wrapf(err, "ext4: read inode %d", ino)
	}
	var in Inode
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &in); err != nil {
		return nil, err
	}
	return &in, nil
}

// readExtents parses the depth-0 extent tree this engine always writes
// (see extentTree): a 12-byte header followed by up to four 12-byte leaf
// extents, all inline in the inode's Block field.
func readExtents(in *Inode) ([]extent, error) {
	var hdr ExtentHeader
	if err := binary.Read(bytes.NewReader(in.Block[:12]), binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	if hdr.Magic != ExtentMagic {
		if hdr.Entries == 0 {
			return nil, nil
		}
		return nil, errors.Errorf("ext4: bad extent header magic 0x%x", hdr.Magic)
	}

	out := make([]extent, 0, hdr.Entries)
	for i := uint16(0); i < hdr.Entries; i++ {
		off := 12 + int(i)*12
		if off+12 > len(in.Block) {
			return nil, errors.New("ext4: extent entry beyond inline block array")
		}
		var e Extent
		if err := binary.Read(bytes.NewReader(in.Block[off:off+12]), binary.LittleEndian, &e); err != nil {
			return nil, err
		}
		start := int64(e.StartLo) | int64(e.StartHi)<<32
		out = append(out, extent{beginning: start, length: int64(e.Len)})
	}
	return out, nil
}

type namedDentry struct {
	dentry
	name string
}

// parseDirBlock reads back the linear directory format addLinearDirectoryBlock
// writes: consecutive {dentry, name, padding} records filling exactly one
// block, each record's RecLen giving the stride to the next.
func parseDirBlock(buf []byte) ([]namedDentry, error) {
	var out []namedDentry
	off := 0
	for off+8 <= len(buf) {
		var d dentry
		if err := binary.Read(bytes.NewReader(buf[off:off+8]), binary.LittleEndian, &d); err != nil {
			return nil, err
		}
		if d.RecLen == 0 {
			break
		}
		if d.Inode != 0 {
			nameEnd := off + 8 + int(d.NameLen)
			if nameEnd > len(buf) {
				return nil, errors.New("ext4: directory entry name runs past block end")
			}
			out = append(out, namedDentry{dentry: d, name: string(buf[off+8 : nameEnd])})
		}
		off += int(d.RecLen)
	}
	return out, nil
}
