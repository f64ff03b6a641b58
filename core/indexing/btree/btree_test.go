package btree

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	pager "github.com/yadb-io/yadb/core/storage/page_manager"
)

func setupTree(t *testing.T, order int) (*BTree, *pager.Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tree.yadb")
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	pm, err := pager.Open(path, 4096, logger)
	require.NoError(t, err)
	tree, err := Open(pm, order, logger)
	require.NoError(t, err)
	t.Cleanup(func() { pm.Close() })
	return tree, pm, path
}

// TestInsertSearchDeleteScenario runs the basic single-leaf lifecycle:
// store, read back, overwrite, delete, and check a neighbor is untouched.
func TestInsertSearchDeleteScenario(t *testing.T) {
	tree, _, _ := setupTree(t, 0)

	require.NoError(t, tree.Insert([]byte("key1"), []byte("value1")))
	require.NoError(t, tree.Insert([]byte("key2"), []byte("value2")))

	got, found, err := tree.Search([]byte("key1"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("value1"), got)

	require.NoError(t, tree.Insert([]byte("key1"), []byte("updated")))
	got, found, err = tree.Search([]byte("key1"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("updated"), got)

	require.NoError(t, tree.Delete([]byte("key1")))
	_, found, err = tree.Search([]byte("key1"))
	require.NoError(t, err)
	require.False(t, found)

	got, found, err = tree.Search([]byte("key2"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("value2"), got)
}

// TestSizeAccounting tracks the live entry count through inserts,
// overwrites and deletes.
func TestSizeAccounting(t *testing.T) {
	tree, _, _ := setupTree(t, 0)

	for i := 0; i < 10; i++ {
		require.NoError(t, tree.Insert([]byte(fmt.Sprintf("key%03d", i)), []byte("v")))
	}
	require.Equal(t, uint64(10), tree.Size())

	require.NoError(t, tree.Insert([]byte("key003"), []byte("overwritten")))
	require.Equal(t, uint64(10), tree.Size())

	for i := 0; i < 4; i++ {
		require.NoError(t, tree.Delete([]byte(fmt.Sprintf("key%03d", i))))
	}
	require.Equal(t, uint64(6), tree.Size())

	require.NoError(t, tree.Delete([]byte("no-such-key")))
	require.Equal(t, uint64(6), tree.Size())
}

// TestDeleteAbsentKeyIsNoOp covers deletes against an empty tree and
// against a missing key in a populated one.
func TestDeleteAbsentKeyIsNoOp(t *testing.T) {
	tree, _, _ := setupTree(t, 0)

	require.NoError(t, tree.Delete([]byte("ghost")))
	require.Equal(t, uint64(0), tree.Size())

	require.NoError(t, tree.Insert([]byte("real"), []byte("v")))
	require.NoError(t, tree.Delete([]byte("ghost")))
	require.Equal(t, uint64(1), tree.Size())
}

// TestSplitGrowthAndRetrieval drives a small-order tree through repeated
// leaf and root splits and checks nothing is lost on the way.
func TestSplitGrowthAndRetrieval(t *testing.T) {
	tree, pm, _ := setupTree(t, 4)

	rootChanges := 0
	lastRoot := tree.RootPageID()
	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("key%03d", i))
		require.NoError(t, tree.Insert(key, []byte(fmt.Sprintf("val%03d", i))))
		if tree.RootPageID() != lastRoot {
			rootChanges++
			lastRoot = tree.RootPageID()
		}
	}

	require.GreaterOrEqual(t, rootChanges, 2, "order 4 with 20 keys must split the root more than once")
	require.Equal(t, uint64(20), tree.Size())
	require.Greater(t, pm.PageCount(), uint64(5))

	pagesBefore := pm.PageCount()
	for i := 0; i < 20; i++ {
		got, found, err := tree.Search([]byte(fmt.Sprintf("key%03d", i)))
		require.NoError(t, err)
		require.True(t, found, "key%03d must survive the splits", i)
		require.Equal(t, []byte(fmt.Sprintf("val%03d", i)), got)
	}
	require.Equal(t, pagesBefore, pm.PageCount(), "searches must not allocate")
}

// TestRandomOrderInsertSortedScan inserts keys in a shuffled order and
// expects a full scan to return them sorted.
func TestRandomOrderInsertSortedScan(t *testing.T) {
	tree, _, _ := setupTree(t, 4)

	order := make([]int, 20)
	for i := range order {
		order[i] = i
	}
	rand.New(rand.NewSource(7)).Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})
	for _, i := range order {
		require.NoError(t, tree.Insert([]byte(fmt.Sprintf("key%03d", i)), []byte(fmt.Sprintf("val%03d", i))))
	}
	require.Equal(t, uint64(20), tree.Size())

	var keys []string
	require.NoError(t, tree.Scan(nil, nil, func(key, value []byte) bool {
		keys = append(keys, string(key))
		require.Equal(t, "val"+string(key[3:]), string(value))
		return true
	}))
	require.Len(t, keys, 20)
	for i, key := range keys {
		require.Equal(t, fmt.Sprintf("key%03d", i), key)
	}
}

// TestScanRange exercises the half-open window, open ends, early stop and
// an inverted range.
func TestScanRange(t *testing.T) {
	tree, _, _ := setupTree(t, 4)
	for i := 0; i < 20; i++ {
		require.NoError(t, tree.Insert([]byte(fmt.Sprintf("key%03d", i)), []byte("v")))
	}

	collect := func(start, end []byte, limit int) []string {
		var keys []string
		require.NoError(t, tree.Scan(start, end, func(key, _ []byte) bool {
			keys = append(keys, string(key))
			return limit <= 0 || len(keys) < limit
		}))
		return keys
	}

	got := collect([]byte("key005"), []byte("key010"), 0)
	require.Equal(t, []string{"key005", "key006", "key007", "key008", "key009"}, got)

	require.Equal(t, []string{"key018", "key019"}, collect([]byte("key018"), nil, 0))
	require.Equal(t, []string{"key000", "key001"}, collect(nil, []byte("key002"), 0))

	// A start that falls between stored keys begins at the next one.
	require.Equal(t, []string{"key006", "key007"}, collect([]byte("key0055"), []byte("key008"), 0))

	require.Len(t, collect(nil, nil, 3), 3)
	require.Empty(t, collect([]byte("key010"), []byte("key005"), 0))
	require.Empty(t, collect([]byte("key010"), []byte("key010"), 0))
}

// TestScanEmptyTree checks the callback is never invoked on a fresh tree.
func TestScanEmptyTree(t *testing.T) {
	tree, _, _ := setupTree(t, 0)
	require.NoError(t, tree.Scan(nil, nil, func(_, _ []byte) bool {
		t.Fatal("callback must not run on an empty tree")
		return false
	}))
}

// TestPersistenceAcrossReopen closes the file mid-life and reopens it,
// expecting the order, the entry count and every surviving entry back.
func TestPersistenceAcrossReopen(t *testing.T) {
	tree, pm, path := setupTree(t, 4)
	for i := 0; i < 20; i++ {
		require.NoError(t, tree.Insert([]byte(fmt.Sprintf("key%03d", i)), []byte(fmt.Sprintf("val%03d", i))))
	}
	require.NoError(t, tree.Delete([]byte("key003")))
	require.NoError(t, tree.Delete([]byte("key017")))
	require.NoError(t, tree.Insert([]byte("key010"), []byte("rewritten")))
	require.NoError(t, pm.Close())

	pm2, err := pager.Open(path, 4096, zap.NewNop())
	require.NoError(t, err)
	defer pm2.Close()
	tree2, err := Open(pm2, 0, zap.NewNop())
	require.NoError(t, err)

	require.Equal(t, 4, tree2.Order())
	require.Equal(t, uint64(18), tree2.Size())
	require.Equal(t, uint64(tree2.RootPageID()), pm2.Header().TreeRootPage)

	for _, gone := range []string{"key003", "key017"} {
		_, found, err := tree2.Search([]byte(gone))
		require.NoError(t, err)
		require.False(t, found)
	}
	got, found, err := tree2.Search([]byte("key010"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("rewritten"), got)
	got, found, err = tree2.Search([]byte("key000"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("val000"), got)
}

// TestRootSplitIsDurableWithoutClose opens a second manager on the same
// file right after a root split, relying only on the split's own sync.
func TestRootSplitIsDurableWithoutClose(t *testing.T) {
	tree, _, path := setupTree(t, 3)
	require.NoError(t, tree.Insert([]byte("a"), []byte("1")))
	require.NoError(t, tree.Insert([]byte("b"), []byte("2")))
	firstRoot := tree.RootPageID()
	require.NoError(t, tree.Insert([]byte("c"), []byte("3")))
	require.NotEqual(t, firstRoot, tree.RootPageID())

	pm2, err := pager.Open(path, 4096, zap.NewNop())
	require.NoError(t, err)
	defer pm2.Close()
	tree2, err := Open(pm2, 0, zap.NewNop())
	require.NoError(t, err)

	require.Equal(t, tree.RootPageID(), tree2.RootPageID())
	require.Equal(t, uint64(3), tree2.Size())
	for _, key := range []string{"a", "b", "c"} {
		_, found, err := tree2.Search([]byte(key))
		require.NoError(t, err)
		require.True(t, found)
	}
}

// TestClearResetsAndReusesPages frees the whole tree and rebuilds the
// same data, expecting the file not to grow.
func TestClearResetsAndReusesPages(t *testing.T) {
	tree, pm, _ := setupTree(t, 4)
	for i := 0; i < 20; i++ {
		require.NoError(t, tree.Insert([]byte(fmt.Sprintf("key%03d", i)), []byte("v")))
	}
	pagesBefore := pm.PageCount()

	require.NoError(t, tree.Clear())
	require.Equal(t, uint64(0), tree.Size())
	_, found, err := tree.Search([]byte("key000"))
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, tree.Scan(nil, nil, func(_, _ []byte) bool {
		t.Fatal("cleared tree must be empty")
		return false
	}))

	for i := 0; i < 20; i++ {
		require.NoError(t, tree.Insert([]byte(fmt.Sprintf("key%03d", i)), []byte("v")))
	}
	require.Equal(t, pagesBefore, pm.PageCount(), "rebuild must come out of the freelist")
	n, err := pm.FreelistLen()
	require.NoError(t, err)
	require.Zero(t, n)
}

// TestOrderMismatchOnReopen pins the reopen contract: an explicit
// different order is refused, zero adopts the stored one.
func TestOrderMismatchOnReopen(t *testing.T) {
	tree, pm, path := setupTree(t, 8)
	require.NoError(t, tree.Insert([]byte("k"), []byte("v")))
	require.NoError(t, pm.Close())

	pm2, err := pager.Open(path, 4096, zap.NewNop())
	require.NoError(t, err)
	defer pm2.Close()

	_, err = Open(pm2, 16, zap.NewNop())
	require.ErrorIs(t, err, ErrOrderMismatch)

	adopted, err := Open(pm2, 0, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 8, adopted.Order())

	same, err := Open(pm2, 8, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 8, same.Order())
}

// TestEmptyKeyRejected checks the shared precondition on all three
// point operations.
func TestEmptyKeyRejected(t *testing.T) {
	tree, _, _ := setupTree(t, 0)

	require.ErrorIs(t, tree.Insert(nil, []byte("v")), ErrInvalidArgument)
	require.ErrorIs(t, tree.Insert([]byte{}, []byte("v")), ErrInvalidArgument)
	_, _, err := tree.Search(nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.ErrorIs(t, tree.Delete(nil), ErrInvalidArgument)
}

// TestChecksumCorruptionSurfaces flips a byte inside a node page on disk
// and expects the next read of that page to fail, not to return garbage.
func TestChecksumCorruptionSurfaces(t *testing.T) {
	tree, pm, path := setupTree(t, 4)
	require.NoError(t, tree.Insert([]byte("key1"), []byte("value1")))
	require.NoError(t, tree.Insert([]byte("key2"), []byte("value2")))
	rootID := tree.RootPageID()
	require.NoError(t, pm.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, int64(rootID)*4096+20)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	pm2, err := pager.Open(path, 4096, zap.NewNop())
	require.NoError(t, err)
	defer pm2.Close()
	tree2, err := Open(pm2, 0, zap.NewNop())
	require.NoError(t, err)

	_, _, err = tree2.Search([]byte("key1"))
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

// TestBackupConsistentUnderConcurrentWriter snapshots the file while a
// writer is forcing splits and checks the copy is self-consistent: every
// key the snapshot's leaf chain yields must also be reachable from the
// root, which fails if the copy catches a split between its page writes.
func TestBackupConsistentUnderConcurrentWriter(t *testing.T) {
	tree, _, _ := setupTree(t, 4)
	dest := filepath.Join(t.TempDir(), "snapshot.yadb")

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			default:
			}
			key := fmt.Sprintf("key%04d", i%512)
			if err := tree.Insert([]byte(key), []byte("value")); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	require.NoError(t, tree.Backup(context.Background(), dest, 0))
	close(done)
	wg.Wait()

	pm, err := pager.Open(dest, 0, zap.NewNop())
	require.NoError(t, err)
	defer pm.Close()
	snap, err := Open(pm, 0, zap.NewNop())
	require.NoError(t, err)

	var keys [][]byte
	require.NoError(t, snap.Scan(nil, nil, func(k, _ []byte) bool {
		keys = append(keys, append([]byte(nil), k...))
		return true
	}))
	for _, k := range keys {
		_, found, err := snap.Search(k)
		require.NoError(t, err)
		require.True(t, found, "snapshot scans %q but cannot look it up", k)
	}
}
