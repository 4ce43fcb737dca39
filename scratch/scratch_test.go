package scratch_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuKun-Li-Swift/TuneWave-sub000/scratch"
)

type lockState bool

func (l lockState) Unlocked() bool {
	return bool(l)
}

func openStore(t *testing.T, lock scratch.LockState) *scratch.Store {
	t.Helper()

	s, err := scratch.Open(zerolog.Nop(), filepath.Join(t.TempDir(), "scratch"), lock)
	require.NoError(t, err)

	return s
}

func TestReserveIsUniqueAndWritesNothing(t *testing.T) {
	t.Parallel()

	s := openStore(t, scratch.AlwaysUnlocked{})

	seen := make(map[string]struct{})
	for range 100 {
		a := s.Reserve()
		assert.NotContains(t, filepath.Base(a.Path), ".")
		assert.Equal(t, s.Dir(), filepath.Dir(a.Path))
		seen[a.Path] = struct{}{}

		exists, err := a.Exists()
		require.NoError(t, err)
		assert.False(t, exists)
	}
	assert.Len(t, seen, 100)
}

func TestEnsureReadableWhenLocked(t *testing.T) {
	t.Parallel()

	s := openStore(t, scratch.AlwaysUnlocked{})
	a := s.Reserve()

	require.NoError(t, s.EnsureReadableWhenLocked(a))

	info, err := os.Stat(a.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
	assert.Zero(t, info.Size())

	// Writing through the placeholder keeps its protection.
	require.NoError(t, a.Write([]byte("audio")))
	info, err = os.Stat(a.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestEnsureReadableWhenLockedWhileLocked(t *testing.T) {
	t.Parallel()

	s := openStore(t, lockState(false))
	a := s.Reserve()

	err := s.EnsureReadableWhenLocked(a)
	require.ErrorIs(t, err, scratch.ErrDeviceLocked)
	require.ErrorIs(t, err, scratch.ErrProtectionConfig)

	exists, err := a.Exists()
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestEnsureReadableWhenLockedMissingDir(t *testing.T) {
	t.Parallel()

	s := openStore(t, scratch.AlwaysUnlocked{})
	a := scratch.Asset{Path: filepath.Join(s.Dir(), "missing", "file")}

	err := s.EnsureReadableWhenLocked(a)
	var ioErr *scratch.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, a.Path, ioErr.Path)
}

func TestWriteReadRemove(t *testing.T) {
	t.Parallel()

	s := openStore(t, scratch.AlwaysUnlocked{})
	a := s.Reserve()

	require.NoError(t, a.Write([]byte{1, 2, 3}))
	b, err := a.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, b)

	require.NoError(t, <-a.WriteAsync([]byte{4, 5}))
	b, err = a.Read()
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5}, b)

	require.NoError(t, a.Remove())
	require.NoError(t, a.Remove())

	_, err = a.Read()
	var ioErr *scratch.IOError
	require.ErrorAs(t, err, &ioErr)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestWriteAsyncReportsIOError(t *testing.T) {
	t.Parallel()

	s := openStore(t, scratch.AlwaysUnlocked{})
	a := scratch.Asset{Path: filepath.Join(s.Dir(), "no", "such", "dir")}

	err := <-a.WriteAsync([]byte("x"))
	var ioErr *scratch.IOError
	require.ErrorAs(t, err, &ioErr)
}

func TestOpenSweepsLeftovers(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "scratch")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o700))
	for _, name := range []string{"a.m4a", "b", filepath.Join("nested", "c")} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("stale"), 0o600))
	}

	s, err := scratch.Open(zerolog.Nop(), dir, scratch.AlwaysUnlocked{})
	require.NoError(t, err)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSweepAll(t *testing.T) {
	t.Parallel()

	s := openStore(t, scratch.AlwaysUnlocked{})
	for range 3 {
		require.NoError(t, s.Reserve().Write([]byte("x")))
	}

	assert.Equal(t, 3, s.SweepAll(zerolog.Nop()))
	assert.Equal(t, 0, s.SweepAll(zerolog.Nop()))
}
