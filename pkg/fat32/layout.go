// Package fat32 implements the FAT32 filesystem engine: metadata
// derivation, a free-cluster allocator, a formatter that lays down an
// empty-but-valid volume, an injector that streams a host file tree into
// it, and a read-only checker. It plugs into the shared surface declared
// by pkg/fsengine the same way pkg/ext4 plugs into its own Compiler
// pipeline, adapted for FAT32's cluster-chain allocation unit.
package fat32

import (
	"github.com/pkg/errors"

	"github.com/vorteil/fsimage/pkg/fsengine"
)

const (
	SectorSize = 512

	// FAT32 reserves clusters 0 and 1; the cluster heap starts at 2.
	FirstDataCluster = 2

	// FAT entry special values (low 28 bits significant).
	FatEntryMask  = 0x0FFFFFFF
	FatFree       = 0x00000000
	FatBad        = 0x0FFFFFF7
	FatEOCMin     = 0x0FFFFFF8
	FatEOC        = 0x0FFFFFFF
	NumFats       = 2
	BytesPerEntry = 4

	RootDirAttr = 0x10

	// reserved area: boot sector (0), FSInfo (1), backup boot sector (6),
	// padding out to ReservedSectors.
	BackupBootSector = 6
	FSInfoSector     = 1
	ReservedSectors  = 32
)

// Options customizes Meta derivation; zero value picks sensible defaults.
type Options struct {
	Label           string // up to 11 bytes, space-padded
	VolumeSerial    uint32
	ClusterSizeHint int64 // bytes; 0 picks Microsoft's default table
}

// Meta is the pure derivation of FAT32 geometry from a volume size and
// options. It performs no I/O and is deterministic: identical inputs
// always produce identical output, which is what makes byte-for-byte
// reproducible image generation possible.
type Meta struct {
	VolumeSize       int64
	BytesPerSector   int64
	SectorsPerClus   int64
	ClusterSize      int64
	ReservedSectors  int64
	NumFats          int64
	SectorsPerFat    int64
	TotalSectors     int64
	TotalClusters    int64
	FatOffset        int64 // byte offset of first FAT
	FatSize          int64 // byte size of one FAT copy
	DataOffset       int64 // byte offset of cluster 2
	RootDirCluster   int64
	Label            [11]byte
	VolumeSerial     uint32
	FSInfoOffset     int64
	BackupBootOffset int64
}

// clusterTable mirrors the Microsoft FORMAT.COM default cluster-size
// table for FAT32: volumes are bucketed by size and assigned the smallest
// cluster size that keeps the cluster count within FAT32's comfortable
// range. Grounded in the table documented by the Microsoft FAT
// specification (reproduced in fsck.fat/mkfs.fat and in the diskfs-go-diskfs
// fat32 package's size handling).
var clusterTable = []struct {
	maxBytes   int64
	clusterLen int64
}{
	{260 * 1024 * 1024, 0}, // below FAT32's practical minimum; handled specially
	{8 * 1024 * 1024 * 1024, 4 * 1024},
	{16 * 1024 * 1024 * 1024, 8 * 1024},
	{32 * 1024 * 1024 * 1024, 16 * 1024},
	{1 << 62, 32 * 1024},
}

func defaultClusterSize(volumeSize int64) int64 {
	for _, e := range clusterTable {
		if volumeSize <= e.maxBytes {
			if e.clusterLen == 0 {
				return 4 * 1024
			}
			return e.clusterLen
		}
	}
	return 32 * 1024
}

// DeriveMeta computes the on-disk geometry for a volume of the given size.
func DeriveMeta(volumeSize int64, opts Options) (*Meta, error) {

	if volumeSize < 32*1024*1024 {
		return nil, errors.Wrap(fsengine.ErrInvalidMeta, "fat32: volume smaller than 32MiB")
	}

	clusterSize := opts.ClusterSizeHint
	if clusterSize == 0 {
		clusterSize = defaultClusterSize(volumeSize)
	}
	if clusterSize%SectorSize != 0 || clusterSize <= 0 {
		return nil, errors.Wrap(fsengine.ErrInvalidMeta, "fat32: cluster size must be a positive multiple of sector size")
	}

	sectorsPerClus := clusterSize / SectorSize
	totalSectors := volumeSize / SectorSize

	reserved := int64(ReservedSectors)

	// Solve for sectorsPerFat iteratively: SectorsPerFat depends on
	// TotalClusters, which depends on the data region size, which depends
	// on SectorsPerFat. Two FAT copies, 4 bytes/entry, converges in a
	// handful of iterations because each iteration only shrinks the data
	// region by a whole number of FAT sectors.
	sectorsPerFat := int64(1)
	for i := 0; i < 32; i++ {
		dataSectors := totalSectors - reserved - NumFats*sectorsPerFat
		if dataSectors < 0 {
			dataSectors = 0
		}
		totalClusters := dataSectors / sectorsPerClus
		need := (totalClusters + 2) * BytesPerEntry
		needSectors := (need + SectorSize - 1) / SectorSize
		if needSectors == sectorsPerFat {
			break
		}
		sectorsPerFat = needSectors
	}

	if sectorsPerFat < 1 {
		sectorsPerFat = 1
	}

	dataSectors := totalSectors - reserved - NumFats*sectorsPerFat
	totalClusters := dataSectors / sectorsPerClus
	if totalClusters < 1 {
		return nil, errors.Wrap(fsengine.ErrInvalidMeta, "fat32: volume too small to hold a data cluster")
	}
	if totalClusters+2 > FatEOCMin {
		return nil, errors.Wrap(fsengine.ErrInvalidMeta, "fat32: volume too large for a single FAT32 cluster heap")
	}

	m := &Meta{
		VolumeSize:       volumeSize,
		BytesPerSector:   SectorSize,
		SectorsPerClus:   sectorsPerClus,
		ClusterSize:      clusterSize,
		ReservedSectors:  reserved,
		NumFats:          NumFats,
		SectorsPerFat:    sectorsPerFat,
		TotalSectors:     totalSectors,
		TotalClusters:    totalClusters,
		FatOffset:        reserved * SectorSize,
		FatSize:          sectorsPerFat * SectorSize,
		DataOffset:       (reserved + NumFats*sectorsPerFat) * SectorSize,
		RootDirCluster:   FirstDataCluster,
		VolumeSerial:     opts.VolumeSerial,
		FSInfoOffset:     FSInfoSector * SectorSize,
		BackupBootOffset: BackupBootSector * SectorSize,
	}
	copy(m.Label[:], []byte("           "))
	label := opts.Label
	if label == "" {
		label = "NO NAME"
	}
	copy(m.Label[:], []byte(label))

	return m, nil
}

// ClusterOffset returns the byte offset of the first byte of cluster c.
func (m *Meta) ClusterOffset(c int64) int64 {
	return m.DataOffset + (c-FirstDataCluster)*m.ClusterSize
}

// FatCopyOffset returns the byte offset of FAT copy i (0 or 1).
func (m *Meta) FatCopyOffset(i int64) int64 {
	return m.FatOffset + i*m.FatSize
}

// ReservedUnits are clusters Meta carves out before the allocator ever
// runs: 0 and 1 (unused by convention) plus the root directory's first
// cluster.
func (m *Meta) ReservedUnits() []int64 {
	return []int64{0, 1, m.RootDirCluster}
}
