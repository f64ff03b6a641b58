package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/yadb-io/yadb/core/database"
	"github.com/yadb-io/yadb/pkg/logger"
)

var (
	dataDir = flag.String("data-dir", "/tmp/yadb", "Directory for the benchmark database file.")
	numKeys = flag.Int("n", 20000, "Number of keys to write and read back.")
	workers = flag.Int("workers", 20, "Concurrent workers per phase.")
	opsRate = flag.Float64("rate", 0, "Target operations per second, 0 for unlimited.")
	order   = flag.Int("order", 0, "Tree order for the fresh database (0 = default).")
)

func main() {
	flag.Parse()

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}
	dbPath := filepath.Join(*dataDir, fmt.Sprintf("perf-%d.yadb", time.Now().UnixNano()))
	zlogger, err := logger.New(logger.Config{Level: "error"})
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}

	db, err := database.Open(database.Options{Path: dbPath, Order: *order, Logger: zlogger})
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer os.Remove(dbPath)
	defer db.Close()

	limit := rate.Inf
	if *opsRate > 0 {
		limit = rate.Limit(*opsRate)
	}
	limiter := rate.NewLimiter(limit, *workers)
	ctx := context.Background()

	writeElapsed := runPhase(ctx, "write", *numKeys, *workers, limiter, func(i int) error {
		return db.Put(ctx, keyFor(i), valueFor(i))
	})
	readElapsed := runPhase(ctx, "read", *numKeys, *workers, limiter, func(i int) error {
		got, err := db.Get(ctx, keyFor(i))
		if err != nil {
			return err
		}
		if string(got) != string(valueFor(i)) {
			return fmt.Errorf("value mismatch for key-%d", i)
		}
		return nil
	})

	scanStart := time.Now()
	scanned := 0
	if err := db.Scan(ctx, nil, nil, func(_, _ []byte) bool {
		scanned++
		return true
	}); err != nil {
		log.Fatalf("scan failed: %v", err)
	}
	scanElapsed := time.Since(scanStart)

	stats, err := db.Stats()
	if err != nil {
		log.Fatalf("stats failed: %v", err)
	}

	fmt.Printf("keys:       %d\n", *numKeys)
	fmt.Printf("write:      %v (%.0f ops/s)\n", writeElapsed, float64(*numKeys)/writeElapsed.Seconds())
	fmt.Printf("read:       %v (%.0f ops/s)\n", readElapsed, float64(*numKeys)/readElapsed.Seconds())
	fmt.Printf("scan:       %v (%d entries)\n", scanElapsed, scanned)
	fmt.Printf("file pages: %d (%d free), %d bytes each\n", stats.PageCount, stats.FreePages, stats.PageSize)
}

// runPhase fans n operations out over a bounded worker pool, pacing them
// through the shared limiter, and reports the wall time.
func runPhase(ctx context.Context, name string, n, workers int, limiter *rate.Limiter, op func(i int) error) time.Duration {
	var (
		wg       sync.WaitGroup
		sem      = make(chan struct{}, workers)
		failures atomic.Int64
	)
	start := time.Now()
	for i := 0; i < n; i++ {
		if err := limiter.Wait(ctx); err != nil {
			log.Fatalf("%s phase limiter: %v", name, err)
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := op(i); err != nil {
				if failures.Add(1) <= 5 {
					log.Printf("%s error on key-%d: %v", name, i, err)
				}
			}
		}(i)
	}
	wg.Wait()
	if n := failures.Load(); n > 0 {
		log.Fatalf("%s phase had %d failures", name, n)
	}
	return time.Since(start)
}

func keyFor(i int) []byte {
	return []byte("key-" + strconv.Itoa(i))
}

func valueFor(i int) []byte {
	return []byte("value-" + strconv.Itoa(i))
}
