package pagemanager

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/yadb-io/yadb/core/storage/backup"
	"github.com/yadb-io/yadb/core/storage/blockio"
	dbheader "github.com/yadb-io/yadb/core/storage/db_header"
)

// PageID addresses one fixed-size page of the database file. ID 0 is the
// header page and is never handed out for data.
type PageID uint64

const (
	InvalidPageID PageID = 0

	// DefaultPageSize is used when a new file is created with page size 0.
	DefaultPageSize uint64 = 4096
)

// Page type tags stored in byte 0 of every page past the header. Decoders
// must match on the tag explicitly and treat anything else as corruption.
const (
	PageTypeLeaf     byte = 0x01
	PageTypeInternal byte = 0x02
	PageTypeFree     byte = 0x03
)

var (
	ErrIO              = errors.New("i/o error")
	ErrCorruption      = errors.New("on-disk structure violates an invariant")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrBadPageFormat   = errors.New("page size does not match database file")
	ErrInvalidPageID   = errors.New("invalid page id")
	ErrPageAlreadyFree = errors.New("page is already free")
	ErrManagerClosed   = errors.New("page manager is closed")
)

// Manager owns the database file and its header. It hands out page
// identifiers, reads and writes whole pages, and threads freed pages into
// an on-disk freelist for LIFO reuse. One mutex guards the file handle and
// the in-memory header; every operation executes serially under it.
//
// Free pages carry PageTypeFree in byte 0 and the id of the next free page
// (little-endian, 0 = end of chain) in the following eight bytes. The chain
// head lives in the header, so persisting the header persists the freelist.
type Manager struct {
	mu       sync.Mutex
	store    *blockio.Store
	pageSize uint64
	header   dbheader.DatabaseHeader
	logger   *zap.Logger
}

// Open opens the database file at path, creating it when missing. For a new
// file pageSize picks the page size (0 = DefaultPageSize). For an existing
// file the stored page size is authoritative: pass 0 to adopt it, anything
// else must match exactly or Open fails with ErrBadPageFormat.
func Open(path string, pageSize uint64, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("page_manager")

	_, statErr := os.Stat(path)
	switch {
	case os.IsNotExist(statErr):
		return createFile(path, pageSize, logger)
	case statErr == nil:
		return openFile(path, pageSize, logger)
	default:
		return nil, fmt.Errorf("%w: stating %s: %v", ErrIO, path, statErr)
	}
}

func createFile(path string, pageSize uint64, logger *zap.Logger) (*Manager, error) {
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if pageSize < dbheader.HeaderSize {
		return nil, fmt.Errorf("%w: page size %d is smaller than the header record (%d)", ErrInvalidArgument, pageSize, dbheader.HeaderSize)
	}

	store, err := blockio.Open(path, true)
	if err != nil {
		return nil, fmt.Errorf("%w: creating %s: %v", ErrIO, path, err)
	}

	m := &Manager{
		store:    store,
		pageSize: pageSize,
		header:   dbheader.New(pageSize),
		logger:   logger,
	}

	// Page 0 is materialized in full so the file always covers every
	// allocated page.
	record, err := m.header.Encode()
	if err != nil {
		store.Close()
		_ = os.Remove(path)
		return nil, err
	}
	page := make([]byte, pageSize)
	copy(page, record)
	if err := store.WriteBlock(0, page); err != nil {
		store.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("%w: writing initial header: %v", ErrIO, err)
	}
	if err := store.Flush(); err != nil {
		store.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("%w: flushing initial header: %v", ErrIO, err)
	}

	logger.Info("created database file",
		zap.String("path", path),
		zap.Uint64("page_size", pageSize))
	return m, nil
}

func openFile(path string, pageSize uint64, logger *zap.Logger) (*Manager, error) {
	store, err := blockio.Open(path, false)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrIO, path, err)
	}

	size, err := store.Size()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	probe := int64(dbheader.HeaderSize)
	if size < probe {
		probe = size
	}
	record, err := store.ReadBlock(0, int(probe))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("%w: reading header of %s: %v", ErrIO, path, err)
	}

	header, err := dbheader.Decode(record)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("decoding header of %s: %w", path, err)
	}
	if pageSize != 0 && pageSize != header.PageSize {
		store.Close()
		return nil, fmt.Errorf("%w: requested %d, file uses %d", ErrBadPageFormat, pageSize, header.PageSize)
	}
	if header.PageSize < dbheader.HeaderSize {
		store.Close()
		return nil, fmt.Errorf("%w: stored page size %d is smaller than the header record", ErrCorruption, header.PageSize)
	}
	if header.PageCount == 0 {
		store.Close()
		return nil, fmt.Errorf("%w: page count 0 does not account for the header page", ErrCorruption)
	}

	m := &Manager{
		store:    store,
		pageSize: header.PageSize,
		header:   header,
		logger:   logger,
	}
	logger.Info("opened database file",
		zap.String("path", path),
		zap.Uint64("page_size", header.PageSize),
		zap.Uint64("page_count", header.PageCount),
		zap.Uint64("freelist_head", header.FreelistHeadPage))
	return m, nil
}

// PageSize returns the page size of the open file.
func (m *Manager) PageSize() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pageSize
}

// PageCount returns the total number of pages ever allocated, header page
// included.
func (m *Manager) PageCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.header.PageCount
}

// Header returns a copy of the in-memory header.
func (m *Manager) Header() dbheader.DatabaseHeader {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.header
}

// UpdateHeader applies fn to the in-memory header under the manager lock.
// Durability requires a subsequent Sync. Callers own only the tree fields
// (TreeRootPage, TreeOrder, TreeSize); the manager owns the rest and fn
// must leave them alone.
func (m *Manager) UpdateHeader(fn func(h *dbheader.DatabaseHeader)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		return ErrManagerClosed
	}
	fn(&m.header)
	return nil
}

// ReadPage reads the page with the given id. The header page is not
// readable through this path; it has its own accessor.
func (m *Manager) ReadPage(id PageID) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		return nil, ErrManagerClosed
	}
	if id == InvalidPageID {
		return nil, fmt.Errorf("%w: page 0 is the header page", ErrInvalidPageID)
	}
	if uint64(id) >= m.header.PageCount {
		return nil, fmt.Errorf("%w: page %d beyond allocated extent (page count %d)", ErrIO, id, m.header.PageCount)
	}
	return m.readPageLocked(id)
}

// WritePage writes exactly one page of data at the page's offset. The id
// must have been handed out by AllocPage before.
func (m *Manager) WritePage(id PageID, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		return ErrManagerClosed
	}
	if id == InvalidPageID {
		return fmt.Errorf("%w: page 0 is the header page", ErrInvalidPageID)
	}
	if uint64(len(data)) != m.pageSize {
		return fmt.Errorf("%w: page data is %d bytes, page size is %d", ErrInvalidArgument, len(data), m.pageSize)
	}
	if uint64(id) >= m.header.PageCount {
		return fmt.Errorf("%w: page %d was never allocated (page count %d)", ErrInvalidPageID, id, m.header.PageCount)
	}
	return m.writePageLocked(id, data)
}

// AllocPage returns a zero-filled page ready for use, preferring the most
// recently freed page over file growth. It never returns page 0. The
// header change becomes durable on the next Sync.
func (m *Manager) AllocPage() (PageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		return InvalidPageID, ErrManagerClosed
	}

	if head := m.header.FreelistHeadPage; head != 0 {
		id := PageID(head)
		if uint64(id) >= m.header.PageCount {
			return InvalidPageID, fmt.Errorf("%w: freelist head %d beyond allocated extent (page count %d)", ErrCorruption, id, m.header.PageCount)
		}
		data, err := m.readPageLocked(id)
		if err != nil {
			return InvalidPageID, err
		}
		if data[0] != PageTypeFree {
			return InvalidPageID, fmt.Errorf("%w: freelist head %d is not tagged free (tag 0x%x)", ErrCorruption, id, data[0])
		}
		next := binary.LittleEndian.Uint64(data[1:9])
		if next != 0 && next >= m.header.PageCount {
			return InvalidPageID, fmt.Errorf("%w: freelist link %d -> %d beyond allocated extent", ErrCorruption, id, next)
		}
		// Clear the free tag so the page cannot be mistaken for a freelist
		// node before its new owner writes it.
		if err := m.writePageLocked(id, make([]byte, m.pageSize)); err != nil {
			return InvalidPageID, err
		}
		m.header.FreelistHeadPage = next
		m.logger.Debug("reusing freed page",
			zap.Uint64("page_id", uint64(id)),
			zap.Uint64("freelist_head", next))
		return id, nil
	}

	id := PageID(m.header.PageCount)
	if err := m.writePageLocked(id, make([]byte, m.pageSize)); err != nil {
		return InvalidPageID, fmt.Errorf("extending file for page %d: %w", id, err)
	}
	m.header.PageCount++
	m.logger.Debug("extended file with new page",
		zap.Uint64("page_id", uint64(id)),
		zap.Uint64("page_count", m.header.PageCount))
	return id, nil
}

// FreePage pushes the page onto the freelist. Freeing page 0, a page that
// was never allocated, or a page already on the freelist is refused; the
// double free checks the page's own tag byte, so pages freed in earlier
// sessions are detected too.
func (m *Manager) FreePage(id PageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		return ErrManagerClosed
	}
	if id == InvalidPageID {
		return fmt.Errorf("%w: page 0 is the header page", ErrInvalidPageID)
	}
	if uint64(id) >= m.header.PageCount {
		return fmt.Errorf("%w: page %d was never allocated (page count %d)", ErrInvalidPageID, id, m.header.PageCount)
	}

	data, err := m.readPageLocked(id)
	if err != nil {
		return err
	}
	if data[0] == PageTypeFree {
		return fmt.Errorf("%w: page %d", ErrPageAlreadyFree, id)
	}

	node := make([]byte, m.pageSize)
	node[0] = PageTypeFree
	binary.LittleEndian.PutUint64(node[1:9], m.header.FreelistHeadPage)
	if err := m.writePageLocked(id, node); err != nil {
		return err
	}
	m.header.FreelistHeadPage = uint64(id)
	m.logger.Debug("freed page", zap.Uint64("page_id", uint64(id)))
	return nil
}

// FreelistLen walks the freelist and returns its length. A chain longer
// than the allocated extent means a cycle and is reported as corruption.
func (m *Manager) FreelistLen() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		return 0, ErrManagerClosed
	}

	var n uint64
	next := m.header.FreelistHeadPage
	for next != 0 {
		if next >= m.header.PageCount {
			return 0, fmt.Errorf("%w: freelist link to %d beyond allocated extent", ErrCorruption, next)
		}
		data, err := m.readPageLocked(PageID(next))
		if err != nil {
			return 0, err
		}
		if data[0] != PageTypeFree {
			return 0, fmt.Errorf("%w: freelist page %d is not tagged free (tag 0x%x)", ErrCorruption, next, data[0])
		}
		n++
		if n > m.header.PageCount {
			return 0, fmt.Errorf("%w: freelist cycle detected", ErrCorruption)
		}
		next = binary.LittleEndian.Uint64(data[1:9])
	}
	return n, nil
}

// Sync persists the header record into page 0 and flushes the file. This is
// the durability point for page allocation, frees and tree field updates.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		return ErrManagerClosed
	}
	return m.syncLocked()
}

// BackupTo writes a copy of the database file to destPath, pacing the copy
// to bytesPerSec when positive. The manager's lock is held for the whole
// copy, so no page write can interleave with it; a caller whose mutations
// span several page writes must serialize the copy at its own level (the
// tree does this in BTree.Backup).
func (m *Manager) BackupTo(ctx context.Context, destPath string, bytesPerSec int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		return ErrManagerClosed
	}
	if err := m.syncLocked(); err != nil {
		return err
	}
	checksum, err := backup.CopyFile(ctx, m.store.Path(), destPath, bytesPerSec)
	if err != nil {
		return fmt.Errorf("%w: backup to %s: %v", ErrIO, destPath, err)
	}
	m.logger.Info("backed up database file",
		zap.String("dest", destPath),
		zap.Uint64("pages", m.header.PageCount),
		zap.String("sha256", checksum))
	return nil
}

// Close syncs and releases the file handle. Close on a closed manager is a
// no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		return nil
	}
	syncErr := m.syncLocked()
	closeErr := m.store.Close()
	m.store = nil
	if syncErr != nil {
		return syncErr
	}
	if closeErr != nil {
		return fmt.Errorf("%w: closing file: %v", ErrIO, closeErr)
	}
	m.logger.Debug("closed database file", zap.Uint64("page_count", m.header.PageCount))
	return nil
}

func (m *Manager) readPageLocked(id PageID) ([]byte, error) {
	offset := int64(id) * int64(m.pageSize)
	data, err := m.store.ReadBlock(offset, int(m.pageSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading page %d at offset %d: %v", ErrIO, id, offset, err)
	}
	return data, nil
}

func (m *Manager) writePageLocked(id PageID, data []byte) error {
	offset := int64(id) * int64(m.pageSize)
	if err := m.store.WriteBlock(offset, data); err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", ErrIO, id, offset, err)
	}
	return nil
}

func (m *Manager) syncLocked() error {
	record, err := m.header.Encode()
	if err != nil {
		return err
	}
	if err := m.store.WriteBlock(0, record); err != nil {
		return fmt.Errorf("%w: writing header: %v", ErrIO, err)
	}
	if err := m.store.Flush(); err != nil {
		return fmt.Errorf("%w: flushing file: %v", ErrIO, err)
	}
	return nil
}
