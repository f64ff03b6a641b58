// Package database is the embedding surface of YADB: one handle that owns
// the page manager and the tree index of a single database file and
// exposes the key/value operations with tracing and metrics around them.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yadb-io/yadb/core/indexing/btree"
	pager "github.com/yadb-io/yadb/core/storage/page_manager"
	internaltelemetry "github.com/yadb-io/yadb/internal/telemetry"
)

var (
	ErrKeyNotFound = errors.New("key not found")
)

// Options configures an Open call. The zero value of every field has a
// usable default except Path, which is required.
type Options struct {
	// Path is the database file. It is created when missing.
	Path string
	// PageSize is the page size for a new file, DefaultPageSize when 0.
	// An existing file keeps its stored size; a different non-zero value
	// here fails the open.
	PageSize uint64
	// Order is the tree fanout for a new file, DefaultOrder when 0. An
	// existing file keeps its stored order; a different non-zero value
	// here fails the open.
	Order int
	// Logger receives engine logs. Nil means no logging.
	Logger *zap.Logger
}

// DB is a handle on one open database file. It is safe for concurrent use.
type DB struct {
	pm         *pager.Manager
	tree       *btree.BTree
	logger     *zap.Logger
	tracer     trace.Tracer
	metrics    *internaltelemetry.EngineMetrics
	instanceID string
	path       string
}

// Open opens or creates the database file at opts.Path. Tracer and meter
// come from the process-global OpenTelemetry providers, so a host that
// never sets those up gets no-op instrumentation.
func Open(opts Options) (*DB, error) {
	if opts.Path == "" {
		return nil, errors.New("database path must not be empty")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	instanceID := uuid.NewString()
	logger = logger.Named("database").With(zap.String("instance_id", instanceID))

	pm, err := pager.Open(opts.Path, opts.PageSize, logger)
	if err != nil {
		return nil, err
	}
	tree, err := btree.Open(pm, opts.Order, logger)
	if err != nil {
		pm.Close()
		return nil, err
	}
	metrics, err := internaltelemetry.NewEngineMetrics(otel.Meter("yadb.database"))
	if err != nil {
		pm.Close()
		return nil, fmt.Errorf("failed to register engine metrics: %w", err)
	}

	db := &DB{
		pm:         pm,
		tree:       tree,
		logger:     logger,
		tracer:     otel.Tracer("yadb.database"),
		metrics:    metrics,
		instanceID: instanceID,
		path:       opts.Path,
	}
	logger.Info("opened database",
		zap.String("path", opts.Path),
		zap.Uint64("page_size", pm.PageSize()),
		zap.Int("order", tree.Order()),
		zap.Uint64("entries", tree.Size()))
	return db, nil
}

// Put stores value under key, overwriting any previous value.
func (db *DB) Put(ctx context.Context, key, value []byte) error {
	ctx, end := db.startOp(ctx, "put")
	err := db.tree.Insert(key, value)
	end(ctx, err)
	return err
}

// Get returns the value stored under key, or ErrKeyNotFound.
func (db *DB) Get(ctx context.Context, key []byte) ([]byte, error) {
	ctx, end := db.startOp(ctx, "get")
	value, found, err := db.tree.Search(key)
	if err == nil && !found {
		err = fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	end(ctx, err)
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Delete removes key. Deleting an absent key succeeds.
func (db *DB) Delete(ctx context.Context, key []byte) error {
	ctx, end := db.startOp(ctx, "delete")
	err := db.tree.Delete(key)
	end(ctx, err)
	return err
}

// Scan calls fn for every entry with start <= key < end in key order. Nil
// bounds leave that side open; fn returning false stops the scan. fn must
// not call back into the DB.
func (db *DB) Scan(ctx context.Context, start, end []byte, fn func(key, value []byte) bool) error {
	ctx, endOp := db.startOp(ctx, "scan")
	err := db.tree.Scan(start, end, fn)
	endOp(ctx, err)
	return err
}

// Clear drops every entry and returns the tree's pages to the free list.
func (db *DB) Clear(ctx context.Context) error {
	ctx, end := db.startOp(ctx, "clear")
	err := db.tree.Clear()
	end(ctx, err)
	return err
}

// Stats describes the current shape of the database file.
type Stats struct {
	Path      string
	PageSize  uint64
	PageCount uint64
	FreePages uint64
	Entries   uint64
	RootPage  uint64
	Order     int
}

// Stats returns a snapshot of file and tree counters.
func (db *DB) Stats() (Stats, error) {
	free, err := db.pm.FreelistLen()
	if err != nil {
		return Stats{}, err
	}
	h := db.pm.Header()
	return Stats{
		Path:      db.path,
		PageSize:  h.PageSize,
		PageCount: h.PageCount,
		FreePages: free,
		Entries:   h.TreeSize,
		RootPage:  h.TreeRootPage,
		Order:     db.tree.Order(),
	}, nil
}

// Sync flushes the header and all page writes to stable storage.
func (db *DB) Sync(ctx context.Context) error {
	ctx, end := db.startOp(ctx, "sync")
	err := db.pm.Sync()
	end(ctx, err)
	return err
}

// Backup writes a consistent snapshot of the database file to destPath,
// pacing the copy to bytesPerSec when positive. All other operations
// block until the copy is done; the snapshot opens as a normal database.
func (db *DB) Backup(ctx context.Context, destPath string, bytesPerSec int64) error {
	ctx, end := db.startOp(ctx, "backup")
	err := db.tree.Backup(ctx, destPath, bytesPerSec)
	end(ctx, err)
	return err
}

// Close syncs and closes the underlying file. The handle is unusable
// afterwards; operations fail once the pager is gone.
func (db *DB) Close() error {
	err := db.pm.Close()
	if err != nil {
		db.logger.Error("closing database failed", zap.Error(err))
		return err
	}
	db.logger.Info("closed database", zap.String("path", db.path))
	return nil
}

// startOp opens a span and records the started/active metrics for one
// operation. The returned func closes both once the operation finishes.
func (db *DB) startOp(ctx context.Context, op string) (context.Context, func(context.Context, error)) {
	start := time.Now()
	attrs := metric.WithAttributes(attribute.String("op", op))
	db.metrics.OpsStartedCounter.Add(ctx, 1, attrs)
	db.metrics.ActiveOpsUpDownCounter.Add(ctx, 1, attrs)
	ctx, span := db.tracer.Start(ctx, "yadb."+op)
	return ctx, func(ctx context.Context, err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		db.metrics.ActiveOpsUpDownCounter.Add(ctx, -1, attrs)
		db.metrics.OpsHandledCounter.Add(ctx, 1, attrs)
		db.metrics.OpLatencyHistogram.Record(ctx, time.Since(start).Milliseconds(), attrs)
	}
}
