package main

import (
	"fmt"
	"io/ioutil"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sisatech/toml"
)

// Layout is the declarative partition table the CLI reads with
// github.com/sisatech/toml, mirroring the way vorteil/pkg/vcfg decodes its
// own TOML documents with the same library. It names everything the
// GPT/MBR-construction collaborator (out of the core's scope per spec.md
// §1) would otherwise need to agree with this tool on: per-partition byte
// ranges, filesystem kind, and the host directory to inject.
type Layout struct {
	Partitions []PartitionSpec `toml:"partition"`
}

// PartitionSpec describes one partition's filesystem and its placement
// within the backing image file.
type PartitionSpec struct {
	Name       string `toml:"name"`
	Filesystem string `toml:"filesystem"` // "fat32", "exfat", or "ext4"
	Offset     int64  `toml:"offset"`     // byte offset within the image; 0 means "immediately after the previous partition"
	Size       int64  `toml:"size"`       // byte length of the partition's byte range
	Label      string `toml:"label"`
	Serial     string `toml:"serial"` // hex, e.g. "0x12345678"; fat32/exfat only
	UUID       string `toml:"uuid"`   // ext4 only; random if empty
	Source     string `toml:"source"` // host directory to inject; empty means "format only"
}

// LoadLayout reads and decodes a TOML layout file.
func LoadLayout(path string) (*Layout, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "mkimage: read layout %q", path)
	}

	l := new(Layout)
	if err := toml.Unmarshal(data, l); err != nil {
		return nil, errors.Wrapf(err, "mkimage: parse layout %q", path)
	}

	if len(l.Partitions) == 0 {
		return nil, errors.New("mkimage: layout declares no partitions")
	}

	offset := int64(0)
	for i := range l.Partitions {
		p := &l.Partitions[i]
		p.Filesystem = strings.ToLower(strings.TrimSpace(p.Filesystem))
		switch p.Filesystem {
		case "fat32", "exfat", "ext4":
		default:
			return nil, errors.Errorf("mkimage: partition %q: unsupported filesystem %q", p.Name, p.Filesystem)
		}
		if p.Size <= 0 {
			return nil, errors.Errorf("mkimage: partition %q: size must be positive", p.Name)
		}
		if p.Offset == 0 {
			p.Offset = offset
		}
		offset = p.Offset + p.Size
	}

	return l, nil
}

// TotalSize is the byte length the backing image file must have to hold
// every declared partition.
func (l *Layout) TotalSize() int64 {
	var total int64
	for _, p := range l.Partitions {
		if end := p.Offset + p.Size; end > total {
			total = end
		}
	}
	return total
}

// serial parses the TOML "0x..." form, defaulting to a value derived from
// a fresh google/uuid when the field is blank — the same role
// github.com/google/uuid plays for vorteil's own volume/image identifiers.
func (p *PartitionSpec) serial() (uint32, error) {
	if p.Serial == "" {
		id := uuid.New()
		b := id[:]
		return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
	}
	s := strings.TrimPrefix(strings.TrimPrefix(p.Serial, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "mkimage: partition %q: invalid serial %q", p.Name, p.Serial)
	}
	return uint32(v), nil
}

// uuidBytes parses the TOML UUID string, generating a random one when the
// field is blank.
func (p *PartitionSpec) uuidBytes() ([16]byte, error) {
	var out [16]byte
	if p.UUID == "" {
		id := uuid.New()
		copy(out[:], id[:])
		return out, nil
	}
	id, err := uuid.Parse(p.UUID)
	if err != nil {
		return out, errors.Wrapf(err, "mkimage: partition %q: invalid uuid %q", p.Name, p.UUID)
	}
	copy(out[:], id[:])
	return out, nil
}

func (p *PartitionSpec) describe() string {
	return fmt.Sprintf("%s [%s, %d bytes @ %#x]", p.Name, p.Filesystem, p.Size, p.Offset)
}
