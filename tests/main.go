// Command smoke drives one database file through its whole lifecycle:
// create, populate, reopen, delete, back up and clear, verifying the
// visible state after every phase. It exercises the same paths an
// embedding application would, end to end, against a real file.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/yadb-io/yadb/core/database"
	"github.com/yadb-io/yadb/pkg/logger"
)

const (
	dbDir     = "data"
	treeOrder = 4 // small fanout so a few dozen keys already split
)

func cleanup() {
	fmt.Println("\n--- Cleaning up previous test data ---")
	if err := os.RemoveAll(dbDir); err != nil {
		fmt.Printf("Warning: failed to remove data directory: %v\n", err)
	}
}

func main() {
	cleanup()
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	zlogger, err := logger.New(logger.Config{Level: "warn", Format: "console", OutputFile: "stderr"})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	dbPath := filepath.Join(dbDir, "smoke.yadb")
	ctx := context.Background()

	// --- Scenario 1: fresh file, inserts and overwrites ---
	fmt.Println("\n--- Scenario 1: Creation and inserts ---")
	db, err := database.Open(database.Options{Path: dbPath, Order: treeOrder, Logger: zlogger})
	if err != nil {
		log.Fatalf("Failed to create database: %v", err)
	}

	keys := []int{10, 20, 5, 30, 15, 25, 35, 2, 7, 12, 18, 22, 28, 32, 38, 1, 3, 6, 8, 11,
		13, 16, 19, 21, 23, 26, 29, 31, 33, 36, 39, 4, 9, 14, 17, 24, 27, 34, 37, 40}
	for _, k := range keys {
		if err := db.Put(ctx, keyFor(k), valueFor(k)); err != nil {
			log.Fatalf("Failed to insert key %d: %v", k, err)
		}
	}
	if err := db.Put(ctx, keyFor(10), []byte("overwritten")); err != nil {
		log.Fatalf("Failed to overwrite key 10: %v", err)
	}
	mustHaveEntries(db, uint64(len(keys)), "after inserts")
	fmt.Printf("Inserted %d keys, overwrote one.\n", len(keys))

	// --- Scenario 2: reopen and verify ---
	fmt.Println("\n--- Scenario 2: Reopen and verify ---")
	if err := db.Close(); err != nil {
		log.Fatalf("Failed to close database: %v", err)
	}
	db, err = database.Open(database.Options{Path: dbPath, Logger: zlogger})
	if err != nil {
		log.Fatalf("Failed to reopen database: %v", err)
	}
	for _, k := range keys {
		want := valueFor(k)
		if k == 10 {
			want = []byte("overwritten")
		}
		got, err := db.Get(ctx, keyFor(k))
		if err != nil {
			log.Fatalf("Key %d missing after reopen: %v", k, err)
		}
		if string(got) != string(want) {
			log.Fatalf("Key %d has value %q after reopen, want %q", k, got, want)
		}
	}
	fmt.Println("All keys verified after reopen.")

	// --- Scenario 3: deletions ---
	fmt.Println("\n--- Scenario 3: Deletions ---")
	for _, k := range keys[:20] {
		if err := db.Delete(ctx, keyFor(k)); err != nil {
			log.Fatalf("Failed to delete key %d: %v", k, err)
		}
	}
	if err := db.Delete(ctx, keyFor(999)); err != nil {
		log.Fatalf("Deleting an absent key must succeed: %v", err)
	}
	mustHaveEntries(db, uint64(len(keys)-20), "after deletions")
	if _, err := db.Get(ctx, keyFor(keys[0])); !errors.Is(err, database.ErrKeyNotFound) {
		log.Fatalf("Deleted key %d still readable (err=%v)", keys[0], err)
	}
	fmt.Println("Deletions verified.")

	// --- Scenario 4: backup snapshot ---
	fmt.Println("\n--- Scenario 4: Backup snapshot ---")
	backupPath := filepath.Join(dbDir, "smoke-backup.yadb")
	if err := db.Backup(ctx, backupPath, 0); err != nil {
		log.Fatalf("Backup failed: %v", err)
	}
	if err := db.Put(ctx, keyFor(1000), valueFor(1000)); err != nil {
		log.Fatalf("Post-backup insert failed: %v", err)
	}
	snap, err := database.Open(database.Options{Path: backupPath, Logger: zlogger})
	if err != nil {
		log.Fatalf("Failed to open backup: %v", err)
	}
	if _, err := snap.Get(ctx, keyFor(1000)); !errors.Is(err, database.ErrKeyNotFound) {
		log.Fatalf("Backup contains a key written after the snapshot (err=%v)", err)
	}
	mustHaveEntries(snap, uint64(len(keys)-20), "in the backup")
	if err := snap.Close(); err != nil {
		log.Fatalf("Failed to close backup: %v", err)
	}
	fmt.Println("Backup verified as a point-in-time snapshot.")

	// --- Scenario 5: clear and page reuse ---
	fmt.Println("\n--- Scenario 5: Clear and page reuse ---")
	before, err := db.Stats()
	if err != nil {
		log.Fatalf("Stats failed: %v", err)
	}
	if err := db.Clear(ctx); err != nil {
		log.Fatalf("Clear failed: %v", err)
	}
	after, err := db.Stats()
	if err != nil {
		log.Fatalf("Stats failed: %v", err)
	}
	if after.Entries != 0 {
		log.Fatalf("Clear left %d entries behind", after.Entries)
	}
	if after.FreePages == 0 {
		log.Fatalf("Clear returned no pages to the freelist")
	}
	if after.PageCount != before.PageCount {
		log.Fatalf("Clear changed the file extent: %d -> %d pages", before.PageCount, after.PageCount)
	}
	fmt.Printf("Cleared: %d pages on the freelist, file extent unchanged at %d pages.\n",
		after.FreePages, after.PageCount)

	if err := db.Close(); err != nil {
		log.Fatalf("Failed to cleanly close database: %v", err)
	}
	fmt.Println("\n--- Smoke test complete. ---")
}

func mustHaveEntries(db *database.DB, want uint64, when string) {
	stats, err := db.Stats()
	if err != nil {
		log.Fatalf("Stats failed %s: %v", when, err)
	}
	if stats.Entries != want {
		log.Fatalf("Expected %d entries %s, found %d", want, when, stats.Entries)
	}
}

func keyFor(i int) []byte {
	return []byte(fmt.Sprintf("key_%04d", i))
}

func valueFor(i int) []byte {
	return []byte(fmt.Sprintf("value_%d", i))
}
