package fat32

import (
	"bytes"
	"encoding/binary"
	"time"
)

// bpb is the FAT32 BIOS Parameter Block, the first 90 bytes of the boot
// sector. Field layout matches the Microsoft FAT specification exactly;
// names follow the spec's own mixed-case field names the way vorteil's
// ext4 Superblock struct mirrors the ext4 on-disk field names.
type bpb struct {
	JmpBoot            [3]byte
	OEMName            [8]byte
	BytsPerSec         uint16
	SecPerClus         uint8
	RsvdSecCnt         uint16
	NumFATs            uint8
	RootEntCnt         uint16 // 0 for FAT32
	TotSec16           uint16 // 0 for FAT32
	Media              uint8
	FATSz16            uint16 // 0 for FAT32
	SecPerTrk          uint16
	NumHeads           uint16
	HiddSec            uint32
	TotSec32           uint32
	FATSz32            uint32
	ExtFlags           uint16
	FSVer              uint16
	RootClus           uint32
	FSInfo             uint16
	BkBootSec          uint16
	Reserved           [12]byte
	DrvNum             uint8
	Reserved1          uint8
	BootSig            uint8
	VolID              uint32
	VolLab             [11]byte
	FilSysType         [8]byte
}

func (b *bpb) marshal() []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, b)
	out := make([]byte, SectorSize)
	copy(out, buf.Bytes())
	out[510] = 0x55
	out[511] = 0xAA
	return out
}

func newBPB(m *Meta) *bpb {
	b := &bpb{
		BytsPerSec: uint16(m.BytesPerSector),
		SecPerClus: uint8(m.SectorsPerClus),
		RsvdSecCnt: uint16(m.ReservedSectors),
		NumFATs:    uint8(m.NumFats),
		Media:      0xF8,
		SecPerTrk:  63,
		NumHeads:   255,
		TotSec32:   uint32(m.TotalSectors),
		FATSz32:    uint32(m.SectorsPerFat),
		RootClus:   uint32(m.RootDirCluster),
		FSInfo:     FSInfoSector,
		BkBootSec:  BackupBootSector,
		BootSig:    0x29,
		VolID:      m.VolumeSerial,
	}
	copy(b.JmpBoot[:], []byte{0xEB, 0x58, 0x90})
	copy(b.OEMName[:], []byte("MSWIN4.1"))
	copy(b.VolLab[:], m.Label[:])
	copy(b.FilSysType[:], []byte("FAT32   "))
	return b
}

// fsInfo is the FSInfo sector: a cached free-cluster count and
// next-free-cluster hint so a driver doesn't need to rescan the FAT.
type fsInfo struct {
	LeadSig    uint32
	Reserved1  [480]byte
	StrucSig   uint32
	FreeCount  uint32
	NxtFree    uint32
	Reserved2  [12]byte
	TrailSig   uint32
}

func newFSInfo(freeCount, nextFree uint32) *fsInfo {
	return &fsInfo{
		LeadSig:  0x41615252,
		StrucSig: 0x61417272,
		FreeCount: freeCount,
		NxtFree:   nextFree,
		TrailSig:  0xAA550000,
	}
}

func (f *fsInfo) marshal() []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, f)
	out := make([]byte, SectorSize)
	copy(out, buf.Bytes())
	return out
}

// Short 8.3 directory entry, 32 bytes.
type shortDirEntry struct {
	Name       [11]byte
	Attr       uint8
	NTRes      uint8
	CrtTimeTen uint8
	CrtTime    uint16
	CrtDate    uint16
	LstAccDate uint16
	FstClusHI  uint16
	WrtTime    uint16
	WrtDate    uint16
	FstClusLO  uint16
	FileSize   uint32
}

const (
	attrReadOnly = 0x01
	attrHidden   = 0x02
	attrSystem   = 0x04
	attrVolumeID = 0x08
	attrDir      = 0x10
	attrArchive  = 0x20
	attrLongName = attrReadOnly | attrHidden | attrSystem | attrVolumeID
)

func (e *shortDirEntry) marshal() []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, e)
	return buf.Bytes()
}

func unmarshalShortDirEntry(b []byte) shortDirEntry {
	var e shortDirEntry
	_ = binary.Read(bytes.NewReader(b), binary.LittleEndian, &e)
	return e
}

func (e *shortDirEntry) firstCluster() uint32 {
	return uint32(e.FstClusHI)<<16 | uint32(e.FstClusLO)
}

func (e *shortDirEntry) setFirstCluster(c uint32) {
	e.FstClusHI = uint16(c >> 16)
	e.FstClusLO = uint16(c & 0xFFFF)
}

// lfnEntry carries 13 UCS-2 code units of a long file name. A chain of
// these immediately precedes the short entry they describe, ordered from
// last (highest ordinal, bit 6 set) to first.
type lfnEntry struct {
	Ord     uint8
	Name1   [5]uint16
	Attr    uint8
	Type    uint8
	Chksum  uint8
	Name2   [6]uint16
	FstClus uint16 // always 0
	Name3   [2]uint16
}

func (e *lfnEntry) marshal() []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, e)
	return buf.Bytes()
}

// fatDate/fatTime encode a time.Time into FAT's packed date/time fields
// (seconds stored with 2-second resolution; CrtTimeTen covers the rest).
func fatDate(t time.Time) uint16 {
	y := t.Year() - 1980
	if y < 0 {
		y = 0
	}
	return uint16(y<<9) | uint16(t.Month())<<5 | uint16(t.Day())
}

func fatTime(t time.Time) uint16 {
	return uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
}

func fatTimeTenths(t time.Time) uint8 {
	return uint8((t.Second()%2)*100 + t.Nanosecond()/10000000)
}

// shortNameChecksum is the 8-bit rotating sum over the 11 raw bytes of a
// short name, stored in every LFN entry of the chain that precedes it.
func shortNameChecksum(name [11]byte) uint8 {
	var sum uint8
	for _, c := range name {
		sum = (sum>>1 | sum<<7) + c
	}
	return sum
}
