package blockio

import (
	"fmt"
	"io"
	"os"
)

// Store is a thin positional-I/O wrapper around a single database file. It
// knows nothing about pages or headers; callers hand it absolute byte
// offsets. Locking and retry policy live above it.
type Store struct {
	path string
	file *os.File
}

// Open opens the file at path. With create set, the file must not exist yet
// (exclusive create); without it, the file must already exist.
func Open(path string, create bool) (*Store, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE | os.O_EXCL
	}
	file, err := os.OpenFile(path, flags, 0666)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return &Store{path: path, file: file}, nil
}

// Path returns the file path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// ReadBlock reads exactly length bytes at the given byte offset. A read
// that runs past end-of-file is an error, never a short result.
func (s *Store) ReadBlock(offset int64, length int) ([]byte, error) {
	if s.file == nil {
		return nil, fmt.Errorf("store %s is closed", s.path)
	}
	buf := make([]byte, length)
	n, err := s.file.ReadAt(buf, offset)
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("short read at offset %d: got %d of %d bytes: %w", offset, n, length, err)
		}
		return nil, fmt.Errorf("reading %d bytes at offset %d: %w", length, offset, err)
	}
	return buf, nil
}

// WriteBlock writes data at the given byte offset, extending the file when
// the offset lies at or beyond the current end.
func (s *Store) WriteBlock(offset int64, data []byte) error {
	if s.file == nil {
		return fmt.Errorf("store %s is closed", s.path)
	}
	if _, err := s.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("writing %d bytes at offset %d: %w", len(data), offset, err)
	}
	return nil
}

// Size reports the current file length in bytes.
func (s *Store) Size() (int64, error) {
	if s.file == nil {
		return 0, fmt.Errorf("store %s is closed", s.path)
	}
	fi, err := s.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stating %s: %w", s.path, err)
	}
	return fi.Size(), nil
}

// Flush forces buffered writes down to durable storage.
func (s *Store) Flush() error {
	if s.file == nil {
		return fmt.Errorf("store %s is closed", s.path)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", s.path, err)
	}
	return nil
}

// Close releases the file handle. The store is unusable afterwards; Close
// on an already-closed store is a no-op.
func (s *Store) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
