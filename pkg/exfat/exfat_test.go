package exfat

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vorteil/fsimage/pkg/fsengine"
	"github.com/vorteil/fsimage/pkg/store"
)

func freshVolume(t *testing.T, size int64) (store.BlockStore, *Meta, *Allocator) {
	t.Helper()
	m, err := DeriveMeta(size, Options{Label: "TEST", VolumeSerial: 0x12345678})
	require.NoError(t, err)

	s := store.NewMemStore(size)
	require.NoError(t, NewFormatter(m, nil).Format(s))

	return s, m, NewAllocator(m)
}

func TestFormatEmptyVolumeIsClean(t *testing.T) {
	s, m, _ := freshVolume(t, 32*1024*1024)
	findings, err := NewChecker(m).Verify(s)
	require.NoError(t, err)
	require.Empty(t, findings)
}

func TestContiguousFileSkipsFatChain(t *testing.T) {
	s, m, a := freshVolume(t, 32*1024*1024)

	inj := NewInjector(s, m, a, nil)
	require.NoError(t, inj.SetRootContext())

	attrs := fsengine.Attrs{ModTime: time.Now(), AccessTime: time.Now()}
	data := make([]byte, 8*1024*1024)
	require.NoError(t, inj.WriteFile("big.bin", attrs, bytes.NewReader(data), int64(len(data))))
	require.NoError(t, inj.Flush())

	// FAT past the reserved entries should be untouched (all zero) since
	// the file was contiguous and never called Allocator.Link.
	require.Empty(t, a.next)

	findings, err := NewChecker(m).Verify(s)
	require.NoError(t, err)
	require.Empty(t, findings)
}

func TestNameCollision(t *testing.T) {
	s, m, a := freshVolume(t, 16*1024*1024)
	inj := NewInjector(s, m, a, nil)
	require.NoError(t, inj.SetRootContext())

	attrs := fsengine.Attrs{ModTime: time.Now(), AccessTime: time.Now()}
	require.NoError(t, inj.WriteFile("file.txt", attrs, bytes.NewReader([]byte("x")), 1))
	err := inj.WriteFile("FILE.TXT", attrs, bytes.NewReader([]byte("x")), 1)
	require.ErrorIs(t, err, fsengine.ErrNameCollision)
}

func TestNestedDirectories(t *testing.T) {
	s, m, a := freshVolume(t, 16*1024*1024)
	inj := NewInjector(s, m, a, nil)
	require.NoError(t, inj.SetRootContext())

	attrs := fsengine.Attrs{ModTime: time.Now(), AccessTime: time.Now()}
	require.NoError(t, inj.Mkdir("sub", attrs))
	require.NoError(t, inj.WriteFile("a.txt", attrs, bytes.NewReader([]byte("hi")), 2))
	require.NoError(t, inj.EndDir())
	require.NoError(t, inj.Flush())

	findings, err := NewChecker(m).Verify(s)
	require.NoError(t, err)
	require.Empty(t, findings)
}
