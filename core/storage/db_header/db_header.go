package dbheader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the fixed size of the encoded header record. The
	// declared fields occupy a prefix; the rest is zero padding that later
	// fields may claim without changing the record size or the version.
	HeaderSize = 128

	// Version is the file format version this engine reads and writes.
	Version uint32 = 1
)

// Magic identifies a database file; the four bytes spell "YADB" on disk.
var Magic = [4]byte{'Y', 'A', 'D', 'B'}

var (
	ErrTruncatedHeader    = errors.New("header record truncated")
	ErrBadMagic           = errors.New("bad magic, not a database file")
	ErrUnsupportedVersion = errors.New("unsupported file format version")
	ErrSerialization      = errors.New("error during serialization")
)

// DatabaseHeader is the fixed-layout record stored in page 0 of every
// database file. All multi-byte fields are little-endian on disk and the
// field order below is the on-disk order.
//
// SchemaRootPage is reserved for a future catalog tree: it is carried
// across encode/decode untouched and never interpreted by this engine.
type DatabaseHeader struct {
	Magic            [4]byte
	Version          uint32
	PageSize         uint64
	PageCount        uint64 // pages ever allocated, header page included
	FreelistHeadPage uint64 // first free page, 0 = empty freelist
	SchemaRootPage   uint64 // reserved
	TreeRootPage     uint64 // 0 = no tree created yet
	TreeOrder        uint64 // fanout the tree was created with
	TreeSize         uint64 // live entries in the tree
}

// New returns the header for a freshly created file: one page in use (the
// header itself), empty freelist, no tree.
func New(pageSize uint64) DatabaseHeader {
	return DatabaseHeader{
		Magic:     Magic,
		Version:   Version,
		PageSize:  pageSize,
		PageCount: 1,
	}
}

// Encode serializes the header into its fixed-size record, zero-padded to
// HeaderSize.
func (h DatabaseHeader) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("%w: encoding header: %v", ErrSerialization, err)
	}
	if buf.Len() > HeaderSize {
		return nil, fmt.Errorf("%w: encoded header (%d bytes) exceeds record size (%d)", ErrSerialization, buf.Len(), HeaderSize)
	}
	buf.Write(make([]byte, HeaderSize-buf.Len()))
	return buf.Bytes(), nil
}

// Decode parses a header record, the exact inverse of Encode for valid
// input. Input shorter than the record fails with ErrTruncatedHeader;
// magic and version mismatches fail with their own sentinels so callers
// can tell a foreign file from a stale one.
func Decode(data []byte) (DatabaseHeader, error) {
	var h DatabaseHeader
	if len(data) < HeaderSize {
		return DatabaseHeader{}, fmt.Errorf("%w: got %d bytes, record is %d", ErrTruncatedHeader, len(data), HeaderSize)
	}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &h); err != nil {
		return DatabaseHeader{}, fmt.Errorf("%w: decoding header: %v", ErrTruncatedHeader, err)
	}
	if h.Magic != Magic {
		return DatabaseHeader{}, fmt.Errorf("%w: got %q", ErrBadMagic, h.Magic[:])
	}
	if h.Version != Version {
		return DatabaseHeader{}, fmt.Errorf("%w: file version %d, engine supports %d", ErrUnsupportedVersion, h.Version, Version)
	}
	return h, nil
}
