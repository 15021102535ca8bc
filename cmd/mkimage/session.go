package main

import (
	"github.com/pkg/errors"

	"github.com/vorteil/fsimage/pkg/elog"
	"github.com/vorteil/fsimage/pkg/exfat"
	"github.com/vorteil/fsimage/pkg/ext4"
	"github.com/vorteil/fsimage/pkg/fat32"
	"github.com/vorteil/fsimage/pkg/fsengine"
	"github.com/vorteil/fsimage/pkg/store"
	"github.com/vorteil/fsimage/pkg/vio"
)

// buildPartition runs the full Formatter -> Injector -> Flush session for
// one partition's window into the backing store, mirroring spec.md §2's
// data-flow line: Layout -> Meta::derive -> Formatter::format ->
// Injector::inject_tree -> (Checker::verify is a separate pass, see
// checkPartition).
func buildPartition(s store.BlockStore, p *PartitionSpec, log elog.View) error {

	switch p.Filesystem {
	case "fat32":
		serial, err := p.serial()
		if err != nil {
			return err
		}
		meta, err := fat32.DeriveMeta(s.Len(), fat32.Options{Label: p.Label, VolumeSerial: serial})
		if err != nil {
			return errors.Wrapf(err, "mkimage: %s: derive fat32 metadata", p.Name)
		}
		if err := fat32.NewFormatter(meta, log).Format(s); err != nil {
			return errors.Wrapf(err, "mkimage: %s: format", p.Name)
		}
		inj := fat32.NewInjector(s, meta, fat32.NewAllocator(meta), log)
		if err := injectSource(inj, p, log); err != nil {
			return err
		}
		return errors.Wrapf(inj.Flush(), "mkimage: %s: flush", p.Name)

	case "exfat":
		serial, err := p.serial()
		if err != nil {
			return err
		}
		meta, err := exfat.DeriveMeta(s.Len(), exfat.Options{Label: p.Label, VolumeSerial: serial})
		if err != nil {
			return errors.Wrapf(err, "mkimage: %s: derive exfat metadata", p.Name)
		}
		if err := exfat.NewFormatter(meta, log).Format(s); err != nil {
			return errors.Wrapf(err, "mkimage: %s: format", p.Name)
		}
		inj := exfat.NewInjector(s, meta, exfat.NewAllocator(meta), log)
		if err := injectSource(inj, p, log); err != nil {
			return err
		}
		return errors.Wrapf(inj.Flush(), "mkimage: %s: flush", p.Name)

	case "ext4":
		id, err := p.uuidBytes()
		if err != nil {
			return err
		}
		eng := ext4.NewEngine(log, ext4.EngineOptions{Label: p.Label, UUID: id})
		if err := eng.Format(s); err != nil {
			return errors.Wrapf(err, "mkimage: %s: format", p.Name)
		}
		if err := injectSource(eng, p, log); err != nil {
			return err
		}
		return errors.Wrapf(eng.Flush(), "mkimage: %s: flush", p.Name)

	default:
		return errors.Errorf("mkimage: %s: unsupported filesystem %q", p.Name, p.Filesystem)
	}
}

// injectSource walks p.Source (if set) into inj via fsengine.InjectTree,
// which also establishes the root context. An empty Source still needs a
// root context established (SetRootContext is mandatory per spec.md
// §4.5.1), leaving the partition formatted but empty — a valid case for,
// e.g., a scratch partition.
func injectSource(inj fsengine.Injector, p *PartitionSpec, log elog.View) error {
	if p.Source == "" {
		return errors.Wrapf(inj.SetRootContext(), "mkimage: %s: set root context", p.Name)
	}
	tree, err := vio.FileTreeFromDirectory(p.Source)
	if err != nil {
		return errors.Wrapf(err, "mkimage: %s: read source tree %q", p.Name, p.Source)
	}
	defer tree.Close()
	if err := fsengine.InjectTree(inj, tree.RootNode(), log); err != nil {
		return errors.Wrapf(err, "mkimage: %s: inject", p.Name)
	}
	return nil
}

// checkPartition runs the read-only Checker for one partition's window.
func checkPartition(s store.BlockStore, p *PartitionSpec) ([]fsengine.Finding, error) {
	switch p.Filesystem {
	case "fat32":
		serial, err := p.serial()
		if err != nil {
			return nil, err
		}
		meta, err := fat32.DeriveMeta(s.Len(), fat32.Options{Label: p.Label, VolumeSerial: serial})
		if err != nil {
			return nil, errors.Wrapf(err, "mkimage: %s: derive fat32 metadata", p.Name)
		}
		return fat32.NewChecker(meta).Verify(s)

	case "exfat":
		serial, err := p.serial()
		if err != nil {
			return nil, err
		}
		meta, err := exfat.DeriveMeta(s.Len(), exfat.Options{Label: p.Label, VolumeSerial: serial})
		if err != nil {
			return nil, errors.Wrapf(err, "mkimage: %s: derive exfat metadata", p.Name)
		}
		return exfat.NewChecker(meta).Verify(s)

	case "ext4":
		return ext4.NewChecker().Verify(s)

	default:
		return nil, errors.Errorf("mkimage: %s: unsupported filesystem %q", p.Name, p.Filesystem)
	}
}
