package blockio

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestOpenCreateAndReopen verifies that exclusive create refuses an existing
// file and that plain open refuses a missing one.
func TestOpenCreateAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.db")

	store, err := Open(path, true)
	require.NoError(t, err)
	require.Equal(t, path, store.Path())
	require.NoError(t, store.Close())

	_, err = Open(path, true)
	require.Error(t, err, "exclusive create must fail once the file exists")

	store, err = Open(path, false)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = Open(filepath.Join(t.TempDir(), "missing.db"), false)
	require.Error(t, err, "plain open must fail when the file does not exist")
}

// TestWriteReadRoundTrip verifies positional writes and reads at arbitrary
// offsets, including writes that extend the file.
func TestWriteReadRoundTrip(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "blocks.db"), true)
	require.NoError(t, err)
	defer store.Close()

	first := []byte("hello block storage")
	require.NoError(t, store.WriteBlock(0, first))

	// Writing far past the end extends the file with a zero gap.
	second := []byte("second block")
	require.NoError(t, store.WriteBlock(4096, second))

	got, err := store.ReadBlock(0, len(first))
	require.NoError(t, err)
	require.Equal(t, first, got)

	got, err = store.ReadBlock(4096, len(second))
	require.NoError(t, err)
	require.Equal(t, second, got)

	gap, err := store.ReadBlock(int64(len(first)), 16)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 16), gap)

	size, err := store.Size()
	require.NoError(t, err)
	require.Equal(t, int64(4096+len(second)), size)
}

// TestShortReadIsError verifies that reading past end-of-file surfaces an
// error instead of a short result.
func TestShortReadIsError(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "blocks.db"), true)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.WriteBlock(0, []byte("abc")))

	_, err = store.ReadBlock(0, 64)
	require.Error(t, err)
	require.Contains(t, err.Error(), "short read")
}

// TestClosedStoreRefusesIO verifies that every operation fails cleanly after
// Close and that a second Close is harmless.
func TestClosedStoreRefusesIO(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "blocks.db"), true)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err = store.ReadBlock(0, 8)
	require.Error(t, err)
	require.Error(t, store.WriteBlock(0, []byte("x")))
	require.Error(t, store.Flush())
	_, err = store.Size()
	require.Error(t, err)
}
