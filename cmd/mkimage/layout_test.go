package main

import (
	"io/ioutil"
	"path/filepath"
	"testing"
)

func writeLayout(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "layout.toml")
	if err := ioutil.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadLayoutDefaultsOffsets(t *testing.T) {
	path := writeLayout(t, `
[[partition]]
name = "boot"
filesystem = "FAT32"
size = 33554432
label = "BOOT"

[[partition]]
name = "root"
filesystem = "ext4"
size = 67108864
label = "ROOTFS"
`)

	l, err := LoadLayout(path)
	if err != nil {
		t.Fatal(err)
	}

	if len(l.Partitions) != 2 {
		t.Fatalf("expected 2 partitions, got %d", len(l.Partitions))
	}
	if l.Partitions[0].Filesystem != "fat32" {
		t.Errorf("filesystem should be lowercased, got %q", l.Partitions[0].Filesystem)
	}
	if l.Partitions[0].Offset != 0 {
		t.Errorf("first partition should default to offset 0, got %d", l.Partitions[0].Offset)
	}
	if l.Partitions[1].Offset != 33554432 {
		t.Errorf("second partition should default to end of first, got %d", l.Partitions[1].Offset)
	}
	if got, want := l.TotalSize(), int64(33554432+67108864); got != want {
		t.Errorf("TotalSize() = %d, want %d", got, want)
	}
}

func TestLoadLayoutRejectsUnknownFilesystem(t *testing.T) {
	path := writeLayout(t, `
[[partition]]
name = "x"
filesystem = "zfs"
size = 1048576
`)
	if _, err := LoadLayout(path); err == nil {
		t.Fatal("expected an error for an unsupported filesystem")
	}
}

func TestLoadLayoutRejectsEmpty(t *testing.T) {
	path := writeLayout(t, "")
	if _, err := LoadLayout(path); err == nil {
		t.Fatal("expected an error for a layout with no partitions")
	}
}

func TestPartitionSpecSerialDefaultsToUUIDDerived(t *testing.T) {
	p := &PartitionSpec{Name: "x"}
	s1, err := p.serial()
	if err != nil {
		t.Fatal(err)
	}
	s2, err := p.serial()
	if err != nil {
		t.Fatal(err)
	}
	if s1 == s2 {
		t.Error("two blank-serial draws should not collide (random uuid source)")
	}

	p.Serial = "0x12345678"
	s, err := p.serial()
	if err != nil {
		t.Fatal(err)
	}
	if s != 0x12345678 {
		t.Errorf("serial() = %#x, want 0x12345678", s)
	}
}

func TestPartitionSpecUUIDBytesParsesExplicitUUID(t *testing.T) {
	p := &PartitionSpec{Name: "x", UUID: "00000000-0000-0000-0000-000000000001"}
	b, err := p.uuidBytes()
	if err != nil {
		t.Fatal(err)
	}
	if b[15] != 1 {
		t.Errorf("expected last byte 1, got %d", b[15])
	}

	p.UUID = "not-a-uuid"
	if _, err := p.uuidBytes(); err == nil {
		t.Fatal("expected an error for an invalid uuid")
	}
}
