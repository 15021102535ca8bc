package exfat

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/vorteil/fsimage/pkg/elog"
	"github.com/vorteil/fsimage/pkg/fsengine"
	"github.com/vorteil/fsimage/pkg/store"
)

// Formatter writes the Main and Backup Boot Regions, the single FAT's
// reserved entries, the Allocation Bitmap, the Up-case Table, and an
// empty root directory carrying the mandatory Bitmap/Upcase/(optional
// Label) primary entries.
type Formatter struct {
	Meta *Meta
	Log  elog.Logger
}

var _ fsengine.Formatter = (*Formatter)(nil)

func NewFormatter(m *Meta, log elog.Logger) *Formatter {
	return &Formatter{Meta: m, Log: log}
}

func (f *Formatter) bootRegionSectors(m *Meta) [][]byte {
	sectors := make([][]byte, 11)
	sectors[0] = newBootSectorHeader(m).marshal()
	for i := 1; i <= 8; i++ {
		sectors[i] = make([]byte, BytesPerSector) // extended boot sectors, zeroed
		binary.LittleEndian.PutUint16(sectors[i][510:], 0xAA55)
	}
	sectors[9] = make([]byte, BytesPerSector) // OEM parameters (unused, zeroed)
	sectors[10] = make([]byte, BytesPerSector) // reserved
	return sectors
}

func (f *Formatter) Format(s store.BlockStore) error {
	m := f.Meta

	if s.Len() < m.VolumeSize {
		return errors.Wrap(fsengine.ErrInvalidMeta, "exfat: store shorter than derived volume size")
	}

	if f.Log != nil && f.Log.IsInfoEnabled() {
		f.Log.Infof("exfat: formatting %d-cluster volume", m.ClusterCount)
	}

	heapStart := m.ClusterHeapOffsetSector * m.BytesPerSector
	zero := make([]byte, heapStart)
	if err := s.WriteAt(0, zero); err != nil {
		return errors.Wrap(err, "exfat: zero reserved+FAT region")
	}

	sectors := f.bootRegionSectors(m)
	sum := vbrChecksum(sectors)
	sectors = append(sectors, checksumSector(sum))

	off := int64(0)
	for _, sec := range sectors {
		if err := s.WriteAt(off, sec); err != nil {
			return errors.Wrap(err, "exfat: write main boot region")
		}
		off += BytesPerSector
	}
	backupOffset := int64(BootRegionSectors) * m.BytesPerSector
	off = backupOffset
	for _, sec := range sectors {
		if err := s.WriteAt(off, sec); err != nil {
			return errors.Wrap(err, "exfat: write backup boot region")
		}
		off += BytesPerSector
	}

	// FAT[0]/FAT[1] reserved entries.
	fatBuf := make([]byte, 8)
	binary.LittleEndian.PutUint32(fatBuf[0:4], FatFirst)
	binary.LittleEndian.PutUint32(fatBuf[4:8], FatSecond)
	if err := s.WriteAt(m.FatOffset(), fatBuf); err != nil {
		return errors.Wrap(err, "exfat: write FAT reserved entries")
	}

	// Allocation Bitmap: one bit per cluster, initialized with the bitmap,
	// upcase, and root clusters already marked used.
	bitmap := make([]byte, m.BitmapClusterCount*m.ClusterSize)
	markBit := func(c int64) { bitmap[c/8] |= 1 << uint(c%8) }
	for i := int64(0); i < m.BitmapClusterCount; i++ {
		markBit(m.BitmapCluster + i - FirstCluster)
	}
	for i := int64(0); i < m.UpcaseClusterCount; i++ {
		markBit(m.UpcaseCluster + i - FirstCluster)
	}
	markBit(m.RootDirCluster - FirstCluster)
	if err := s.WriteAt(m.ClusterOffset(m.BitmapCluster), bitmap); err != nil {
		return errors.Wrap(err, "exfat: write allocation bitmap")
	}

	table, _ := buildUpcaseTable()
	padded := make([]byte, m.UpcaseClusterCount*m.ClusterSize)
	copy(padded, table)
	if err := s.WriteAt(m.ClusterOffset(m.UpcaseCluster), padded); err != nil {
		return errors.Wrap(err, "exfat: write upcase table")
	}

	// Mandatory root directory entries: Allocation Bitmap (0x81) and
	// Up-case Table (0x82). Both are contiguous runs; these entry types
	// carry no NoFatChain flag, and the Formatter writes no FAT entries for
	// the bitmap, upcase or root clusters (only FAT[0] and FAT[1]).
	root := make([]byte, m.ClusterSize)
	writeEntry := func(off int, entryType uint8, firstCluster int64, dataLength int64) {
		root[off] = entryType | EntryInUseBit
		root[off+1] = 0 // SecondaryCount / custom defined bytes per type; 0 here
		binary.LittleEndian.PutUint32(root[off+20:off+24], uint32(firstCluster))
		binary.LittleEndian.PutUint64(root[off+24:off+32], uint64(dataLength))
	}
	writeEntry(0, EntryTypeBitmap, m.BitmapCluster, m.BitmapClusterCount*m.ClusterSize)
	writeEntry(32, EntryTypeUpcase, m.UpcaseCluster, m.UpcaseTableSize)
	binary.LittleEndian.PutUint32(root[32+4:32+8], m.UpcaseChecksum)

	if m.Label != "" {
		units := utf16Units(m.Label)
		if len(units) > 11 {
			units = units[:11]
		}
		root[64] = EntryTypeVolumeLabel | EntryInUseBit
		root[65] = uint8(len(units))
		for i, u := range units {
			binary.LittleEndian.PutUint16(root[66+i*2:], u)
		}
	}

	if err := s.WriteAt(m.ClusterOffset(m.RootDirCluster), root); err != nil {
		return errors.Wrap(err, "exfat: write root directory")
	}

	return nil
}
