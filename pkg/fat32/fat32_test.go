package fat32

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

	a := NewAllocator(m)
	return s, m, a
}

func TestFormatEmptyVolumeIsClean(t *testing.T) {
	s, m, _ := freshVolume(t, 32*1024*1024)
	findings, err := NewChecker(m).Verify(s)
	require.NoError(t, err)
	require.Empty(t, findings)
}

func TestInjectFilesAndCollision(t *testing.T) {
	s, m, a := freshVolume(t, 32*1024*1024)

	inj := NewInjector(s, m, a, nil)
	require.NoError(t, inj.SetRootContext())

	attrs := fsengine.Attrs{ModTime: time.Now(), AccessTime: time.Now()}

	require.NoError(t, inj.WriteFile("README.md", attrs, bytes.NewReader([]byte("hello")), 5))

	err := inj.WriteFile("readme.md", attrs, bytes.NewReader([]byte("hello")), 5)
	require.ErrorIs(t, err, fsengine.ErrNameCollision)

	err = inj.WriteFile("ReadMe.MD", attrs, bytes.NewReader([]byte("hello")), 5)
	require.ErrorIs(t, err, fsengine.ErrNameCollision)

	require.NoError(t, inj.Flush())

	findings, err := NewChecker(m).Verify(s)
	require.NoError(t, err)
	require.Empty(t, findings)
}

func TestMkdirNested(t *testing.T) {
	s, m, a := freshVolume(t, 32*1024*1024)

	inj := NewInjector(s, m, a, nil)
	require.NoError(t, inj.SetRootContext())

	attrs := fsengine.Attrs{ModTime: time.Now(), AccessTime: time.Now()}
	require.NoError(t, inj.Mkdir("a", attrs))
	require.NoError(t, inj.Mkdir("b", attrs))
	require.NoError(t, inj.WriteFile("hello.txt", attrs, bytes.NewReader([]byte("hi\n")), 3))
	require.NoError(t, inj.EndDir())
	require.NoError(t, inj.EndDir())
	require.NoError(t, inj.Flush())

	findings, err := NewChecker(m).Verify(s)
	require.NoError(t, err)
	require.Empty(t, findings)
}

func TestShortNameSynthesisUniqueness(t *testing.T) {
	used := map[[11]byte]bool{}
	names := []string{"averylongname.txt", "averylongname2.txt", "averylongname3.txt"}
	for _, n := range names {
		sn := synthesizeShortName(n, used)
		require.False(t, used[sn], "short name %v reused for %q", sn, n)
		used[sn] = true
	}
}
