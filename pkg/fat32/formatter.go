package fat32

import (
	"github.com/pkg/errors"

	"github.com/vorteil/fsimage/pkg/elog"
	"github.com/vorteil/fsimage/pkg/fsengine"
	"github.com/vorteil/fsimage/pkg/store"
)

// Formatter writes the initial, empty-but-valid FAT32 volume: boot
// sector, backup boot sector, FSInfo, both FAT copies, and a one-cluster
// root directory.
type Formatter struct {
	Meta *Meta
	Log  elog.Logger
}

var _ fsengine.Formatter = (*Formatter)(nil)

func NewFormatter(m *Meta, log elog.Logger) *Formatter {
	return &Formatter{Meta: m, Log: log}
}

func (f *Formatter) Format(s store.BlockStore) error {
	m := f.Meta

	if s.Len() < m.VolumeSize {
		return errors.Wrap(fsengine.ErrInvalidMeta, "fat32: store shorter than derived volume size")
	}

	if f.Log != nil && f.Log.IsInfoEnabled() {
		f.Log.Infof("fat32: formatting %d-cluster volume", m.TotalClusters)
	}

	zero := make([]byte, m.DataOffset)
	if err := s.WriteAt(0, zero); err != nil {
		return errors.Wrap(err, "fat32: zero reserved region")
	}

	b := newBPB(m)
	if err := s.WriteAt(0, b.marshal()); err != nil {
		return errors.Wrap(err, "fat32: write boot sector")
	}
	if err := s.WriteAt(m.BackupBootOffset, b.marshal()); err != nil {
		return errors.Wrap(err, "fat32: write backup boot sector")
	}

	// FreeCount excludes the root directory's one cluster.
	info := newFSInfo(uint32(m.TotalClusters-1), uint32(m.RootDirCluster+1))
	if err := s.WriteAt(m.FSInfoOffset, info.marshal()); err != nil {
		return errors.Wrap(err, "fat32: write FSInfo")
	}
	if err := s.WriteAt(m.BackupBootOffset+FSInfoSector*SectorSize, info.marshal()); err != nil {
		return errors.Wrap(err, "fat32: write backup FSInfo")
	}

	// FAT[0] carries the media descriptor in its low byte; FAT[1] is the
	// end-of-chain marker placeholder required by the spec. Cluster 2 (the
	// root directory) is immediately marked end-of-chain.
	if err := writeFatEntry(s, m, 0, 0x0FFFFF00|uint32(0xF8)); err != nil {
		return err
	}
	if err := writeFatEntry(s, m, 1, FatEOC); err != nil {
		return err
	}
	if err := writeFatEntry(s, m, uint32(m.RootDirCluster), FatEOC); err != nil {
		return err
	}

	rootBuf := make([]byte, m.ClusterSize)
	if err := s.WriteAt(m.ClusterOffset(m.RootDirCluster), rootBuf); err != nil {
		return errors.Wrap(err, "fat32: write empty root directory")
	}

	return nil
}
