// Package exfat implements the ExFAT filesystem engine: metadata
// derivation, a contiguity-biased free-cluster allocator, a formatter
// that lays down the Main/Backup Boot Region plus the mandatory Bitmap
// and Upcase Table system files, an injector that streams a host file
// tree in using the 0x85/0xC0/0xC1 directory entry set, and a read-only
// checker. Structured the same way pkg/fat32 is: a Meta derivation, an
// Allocator, a Formatter, an Injector, a Checker, each implementing the
// shared pkg/fsengine surface.
package exfat

import (
	"github.com/pkg/errors"

	"github.com/vorteil/fsimage/pkg/fsengine"
)

const (
	BytesPerSectorShift = 9 // 512-byte sectors
	BytesPerSector      = 1 << BytesPerSectorShift

	BootRegionSectors = 12 // Main Boot Region and Backup Boot Region are each 12 sectors
	OEMParametersSize = 48 * 10

	FirstCluster = 2

	// FAT entry special values.
	FatFree    = 0x00000000
	FatBad     = 0xFFFFFFF7
	FatEOC     = 0xFFFFFFFF
	FatFirst   = 0xFFFFFFF8 // value stored in FAT[0]
	FatSecond  = 0xFFFFFFFF // value stored in FAT[1]

	// Directory entry type codes.
	EntryTypeBitmap          = 0x81
	EntryTypeUpcase          = 0x82
	EntryTypeVolumeLabel     = 0x83
	EntryTypeFile            = 0x85
	EntryTypeStreamExtension = 0xC0
	EntryTypeFileName        = 0xC1

	EntryInUseBit = 0x80

	FileNameCharsPerEntry = 15
)

// Options customizes Meta derivation.
type Options struct {
	Label              string
	VolumeSerial       uint32
	SectorsPerClusShift uint8 // 0 picks a default from volume size
}

// Meta is the pure geometry derivation for an ExFAT volume: byte offsets
// of every fixed region plus the precomputed size and checksum of the
// Upcase Table, which never changes for a given implementation.
type Meta struct {
	VolumeSize             int64
	BytesPerSector          int64
	SectorsPerClusterShift  uint8
	ClusterSize             int64
	FatOffsetSectors        int64
	FatLengthSectors        int64
	ClusterHeapOffsetSector int64
	ClusterCount            int64
	RootDirCluster          int64
	BitmapCluster           int64
	BitmapClusterCount      int64
	UpcaseCluster           int64
	UpcaseClusterCount      int64
	UpcaseTableSize         int64
	UpcaseChecksum          uint32
	VolumeSerial            uint32
	Label                   string
	NumFats                 int64
}

func defaultClusterShift(volumeSize int64) uint8 {
	switch {
	case volumeSize <= 256*1024*1024:
		return 3 // 4 KiB
	case volumeSize <= 32*1024*1024*1024:
		return 6 // 32 KiB
	default:
		return 8 // 128 KiB
	}
}

// DeriveMeta computes ExFAT geometry for a volume of the given size. A
// single FAT is used (TexFAT's dual-FAT mode is not implemented); the
// Allocation Bitmap and Upcase Table are placed immediately after the FAT,
// followed by the root directory, matching the placement order the ExFAT
// specification recommends ("implementations should place the first
// cluster of the root directory in the first non-bad cluster after the
// clusters the Allocation Bitmap and Up-case Table consume").
func DeriveMeta(volumeSize int64, opts Options) (*Meta, error) {
	if volumeSize < 1024*1024 {
		return nil, errors.Wrap(fsengine.ErrInvalidMeta, "exfat: volume smaller than 1MiB")
	}

	shift := opts.SectorsPerClusShift
	if shift == 0 {
		shift = defaultClusterShift(volumeSize)
	}
	clusterSize := BytesPerSector << shift

	totalSectors := volumeSize / BytesPerSector

	// FAT region: reserve 24 sectors for boot regions (two 12-sector
	// copies), then the FAT itself sized for the maximum possible cluster
	// count at this cluster size, rounded to sectors.
	fatOffsetSectors := int64(2 * BootRegionSectors)

	maxClusters := (totalSectors - fatOffsetSectors) * BytesPerSector / int64(clusterSize)
	fatBytes := (maxClusters + 2) * 4
	fatLengthSectors := (fatBytes + BytesPerSector - 1) / BytesPerSector

	clusterHeapOffsetSector := fatOffsetSectors + fatLengthSectors
	heapSectors := totalSectors - clusterHeapOffsetSector
	clusterCount := heapSectors * BytesPerSector / int64(clusterSize)
	if clusterCount < 1 {
		return nil, errors.Wrap(fsengine.ErrInvalidMeta, "exfat: volume too small for chosen cluster size")
	}

	bitmapBytes := (clusterCount + 7) / 8
	bitmapClusters := (bitmapBytes + int64(clusterSize) - 1) / int64(clusterSize)
	if bitmapClusters < 1 {
		bitmapClusters = 1
	}

	table, checksum := buildUpcaseTable()
	upcaseClusters := (int64(len(table)) + int64(clusterSize) - 1) / int64(clusterSize)
	if upcaseClusters < 1 {
		upcaseClusters = 1
	}

	m := &Meta{
		VolumeSize:              volumeSize,
		BytesPerSector:          BytesPerSector,
		SectorsPerClusterShift:  shift,
		ClusterSize:             int64(clusterSize),
		FatOffsetSectors:        fatOffsetSectors,
		FatLengthSectors:        fatLengthSectors,
		ClusterHeapOffsetSector: clusterHeapOffsetSector,
		ClusterCount:            clusterCount,
		NumFats:                 1,
		BitmapCluster:           FirstCluster,
		BitmapClusterCount:      bitmapClusters,
		UpcaseCluster:           FirstCluster + bitmapClusters,
		UpcaseClusterCount:      upcaseClusters,
		UpcaseTableSize:         int64(len(table)),
		UpcaseChecksum:          checksum,
		RootDirCluster:          FirstCluster + bitmapClusters + upcaseClusters,
		VolumeSerial:            opts.VolumeSerial,
		Label:                   opts.Label,
	}

	if m.RootDirCluster-FirstCluster+1 >= clusterCount {
		return nil, errors.Wrap(fsengine.ErrInvalidMeta, "exfat: volume too small for bitmap+upcase+root overhead")
	}

	return m, nil
}

func (m *Meta) ClusterOffset(c int64) int64 {
	heapOffset := m.ClusterHeapOffsetSector * m.BytesPerSector
	return heapOffset + (c-FirstCluster)*m.ClusterSize
}

func (m *Meta) FatOffset() int64 { return m.FatOffsetSectors * m.BytesPerSector }

// ReservedUnits are clusters Meta carves out before the allocator runs:
// the bitmap range, the upcase range, and the root directory's first
// cluster.
func (m *Meta) ReservedUnits() []int64 {
	units := []int64{m.RootDirCluster}
	for i := int64(0); i < m.BitmapClusterCount; i++ {
		units = append(units, m.BitmapCluster+i)
	}
	for i := int64(0); i < m.UpcaseClusterCount; i++ {
		units = append(units, m.UpcaseCluster+i)
	}
	return units
}
