package dbheader

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestNewHeaderDefaults verifies the state of a freshly created header:
// one page in use (the header page), empty freelist, no tree.
func TestNewHeaderDefaults(t *testing.T) {
	h := New(4096)

	require.Equal(t, Magic, h.Magic)
	require.Equal(t, Version, h.Version)
	require.Equal(t, uint64(4096), h.PageSize)
	require.Equal(t, uint64(1), h.PageCount)
	require.Zero(t, h.FreelistHeadPage)
	require.Zero(t, h.SchemaRootPage)
	require.Zero(t, h.TreeRootPage)
	require.Zero(t, h.TreeOrder)
	require.Zero(t, h.TreeSize)
}

// TestHeaderRoundTrip verifies that Decode is the exact inverse of Encode
// for a header with every field populated, including the reserved schema
// root pointer.
func TestHeaderRoundTrip(t *testing.T) {
	h := New(8192)
	h.PageCount = 42
	h.FreelistHeadPage = 17
	h.SchemaRootPage = 777
	h.TreeRootPage = 3
	h.TreeOrder = 64
	h.TreeSize = 100000

	data, err := h.Encode()
	require.NoError(t, err)
	require.Len(t, data, HeaderSize)

	got, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

// TestEncodedLayout pins the on-disk layout: little-endian fixed-width
// fields at their declared offsets, zero padding to the end of the record.
func TestEncodedLayout(t *testing.T) {
	h := New(4096)
	h.PageCount = 9
	h.FreelistHeadPage = 5
	h.SchemaRootPage = 11
	h.TreeRootPage = 2
	h.TreeOrder = 4
	h.TreeSize = 123

	data, err := h.Encode()
	require.NoError(t, err)

	require.Equal(t, []byte("YADB"), data[0:4])
	require.Equal(t, uint32(1), binary.LittleEndian.Uint32(data[4:8]))
	require.Equal(t, uint64(4096), binary.LittleEndian.Uint64(data[8:16]))
	require.Equal(t, uint64(9), binary.LittleEndian.Uint64(data[16:24]))
	require.Equal(t, uint64(5), binary.LittleEndian.Uint64(data[24:32]))
	require.Equal(t, uint64(11), binary.LittleEndian.Uint64(data[32:40]))
	require.Equal(t, uint64(2), binary.LittleEndian.Uint64(data[40:48]))
	require.Equal(t, uint64(4), binary.LittleEndian.Uint64(data[48:56]))
	require.Equal(t, uint64(123), binary.LittleEndian.Uint64(data[56:64]))
	require.Equal(t, make([]byte, HeaderSize-64), data[64:], "tail of the record must be zero padding")
}

// TestDecodeTruncated verifies that any input shorter than the fixed record
// fails with the truncation sentinel, not with a magic or version error.
func TestDecodeTruncated(t *testing.T) {
	h := New(4096)
	data, err := h.Encode()
	require.NoError(t, err)

	for _, n := range []int{0, 1, 4, 63, HeaderSize - 1} {
		_, err := Decode(data[:n])
		require.ErrorIs(t, err, ErrTruncatedHeader, "length %d", n)
		require.NotErrorIs(t, err, ErrBadMagic)
		require.NotErrorIs(t, err, ErrUnsupportedVersion)
	}
}

// TestDecodeBadMagic verifies that a record with a foreign signature fails
// with ErrBadMagic, distinct from truncation.
func TestDecodeBadMagic(t *testing.T) {
	data, err := New(4096).Encode()
	require.NoError(t, err)

	data[0] = 'X'
	_, err = Decode(data)
	require.ErrorIs(t, err, ErrBadMagic)
	require.NotErrorIs(t, err, ErrTruncatedHeader)
}

// TestDecodeUnsupportedVersion verifies that a future format version is
// refused with ErrUnsupportedVersion rather than silently migrated.
func TestDecodeUnsupportedVersion(t *testing.T) {
	data, err := New(4096).Encode()
	require.NoError(t, err)

	binary.LittleEndian.PutUint32(data[4:8], Version+1)
	_, err = Decode(data)
	require.ErrorIs(t, err, ErrUnsupportedVersion)
	require.NotErrorIs(t, err, ErrBadMagic)
}

// TestSchemaRootPreserved verifies that the reserved schema root pointer
// survives a round trip untouched even though the engine never uses it.
func TestSchemaRootPreserved(t *testing.T) {
	h := New(4096)
	h.SchemaRootPage = 31337

	data, err := h.Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, uint64(31337), got.SchemaRootPage)
}
