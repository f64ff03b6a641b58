package btree

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	dbheader "github.com/yadb-io/yadb/core/storage/db_header"
	pager "github.com/yadb-io/yadb/core/storage/page_manager"
)

const (
	// MinOrder is the smallest usable fanout: two children and one
	// separator in an internal node, two entries in a leaf.
	MinOrder = 3

	// DefaultOrder is used when a tree is created with order 0.
	DefaultOrder = 32
)

// maxTreeDepth bounds descents; any deeper tree means a link cycle.
const maxTreeDepth = 64

// BTree is a sorted key/value tree over pages of one Manager. Values live
// only in leaves; leaves form a singly-linked chain in key order. Internal
// nodes hold separator keys: the subtree left of a separator holds keys
// strictly below it, the subtree to its right holds the separator and up.
//
// Every operation loads the nodes it touches, works on them in memory and
// writes them back; nothing is cached. One mutex serializes operations, so
// a BTree may be shared between goroutines.
type BTree struct {
	mu       sync.Mutex
	pm       *pager.Manager
	order    int
	pageSize uint64
	root     pager.PageID
	logger   *zap.Logger
}

// pathEntry records one descent step so promotions can walk back up the
// ancestor chain without recursion.
type pathEntry struct {
	id       pager.PageID
	childIdx int
}

// Open returns the tree stored in the manager's file, creating an empty
// one when the file has none. order is the maximum child count of an
// internal node (a leaf holds at most order-1 entries); it is fixed at
// creation and persisted, and reopening with a different explicit order
// fails with ErrOrderMismatch. Pass 0 to adopt the stored order (or
// DefaultOrder for a fresh tree).
func Open(pm *pager.Manager, order int, logger *zap.Logger) (*BTree, error) {
	if pm == nil {
		return nil, fmt.Errorf("%w: page manager must be provided", ErrInvalidArgument)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &BTree{
		pm:       pm,
		pageSize: pm.PageSize(),
		logger:   logger.Named("btree"),
	}

	h := pm.Header()
	if h.TreeRootPage == 0 {
		if order == 0 {
			order = DefaultOrder
		}
		if order < MinOrder {
			return nil, fmt.Errorf("%w: order %d is below the minimum of %d", ErrInvalidArgument, order, MinOrder)
		}
		if order > maxNodeEntries {
			return nil, fmt.Errorf("%w: order %d exceeds the maximum of %d", ErrInvalidArgument, order, maxNodeEntries)
		}
		t.order = order
		rootID, err := pm.AllocPage()
		if err != nil {
			return nil, err
		}
		if err := t.writeNode(&Node{PageID: rootID, Type: NodeTypeLeaf}); err != nil {
			return nil, err
		}
		t.root = rootID
		if err := pm.UpdateHeader(func(h *dbheader.DatabaseHeader) {
			h.TreeRootPage = uint64(rootID)
			h.TreeOrder = uint64(order)
			h.TreeSize = 0
		}); err != nil {
			return nil, err
		}
		if err := pm.Sync(); err != nil {
			return nil, err
		}
		t.logger.Info("created tree",
			zap.Int("order", order),
			zap.Uint64("root_page", uint64(rootID)))
		return t, nil
	}

	if h.TreeOrder < MinOrder || h.TreeOrder > maxNodeEntries {
		return nil, fmt.Errorf("%w: stored order %d is implausible", ErrCorruption, h.TreeOrder)
	}
	if h.TreeRootPage >= h.PageCount {
		return nil, fmt.Errorf("%w: root page %d beyond allocated extent (page count %d)", ErrCorruption, h.TreeRootPage, h.PageCount)
	}
	stored := int(h.TreeOrder)
	if order != 0 && order != stored {
		return nil, fmt.Errorf("%w: requested %d, file uses %d", ErrOrderMismatch, order, stored)
	}
	t.order = stored
	t.root = pager.PageID(h.TreeRootPage)
	t.logger.Info("opened tree",
		zap.Int("order", stored),
		zap.Uint64("root_page", h.TreeRootPage),
		zap.Uint64("entries", h.TreeSize))
	return t, nil
}

// Search returns the value stored under key, with found reporting whether
// the key exists. Search never mutates pages.
func (t *BTree) Search(key []byte) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(key) == 0 {
		return nil, false, fmt.Errorf("%w: key must not be empty", ErrInvalidArgument)
	}
	leaf, _, err := t.descendToLeaf(key, false)
	if err != nil {
		return nil, false, err
	}
	idx, found := slices.BinarySearchFunc(leaf.Keys, key, bytes.Compare)
	if !found {
		return nil, false, nil
	}
	return leaf.Values[idx], true, nil
}

// Insert stores value under key, overwriting the previous value when the
// key already exists (last write wins). A leaf pushed past order-1 entries
// splits, and the promoted separator walks up the recorded descent path,
// splitting overflowing ancestors; when the root itself splits, the tree
// grows one level and the new root is persisted immediately.
func (t *BTree) Insert(key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(key) == 0 {
		return fmt.Errorf("%w: key must not be empty", ErrInvalidArgument)
	}

	leaf, path, err := t.descendToLeaf(key, true)
	if err != nil {
		return err
	}

	idx, found := slices.BinarySearchFunc(leaf.Keys, key, bytes.Compare)
	if found {
		leaf.Values[idx] = value
		return t.writeNode(leaf)
	}
	leaf.Keys = slices.Insert(leaf.Keys, idx, key)
	leaf.Values = slices.Insert(leaf.Values, idx, value)

	if len(leaf.Keys) <= t.order-1 {
		if err := t.writeNode(leaf); err != nil {
			return err
		}
		return t.bumpTreeSize(1)
	}

	right, promoted, err := t.splitLeaf(leaf)
	if err != nil {
		return err
	}
	rightID := right.PageID

	for i := len(path) - 1; i >= 0; i-- {
		parent, err := t.loadNode(path[i].id)
		if err != nil {
			return err
		}
		if parent.Type != NodeTypeInternal {
			return fmt.Errorf("%w: page %d on the descent path is not an internal node", ErrCorruption, parent.PageID)
		}
		at := path[i].childIdx
		parent.Keys = slices.Insert(parent.Keys, at, promoted)
		parent.Children = slices.Insert(parent.Children, at+1, rightID)

		if len(parent.Children) <= t.order {
			if err := t.writeNode(parent); err != nil {
				return err
			}
			return t.bumpTreeSize(1)
		}
		newRight, newPromoted, err := t.splitInternal(parent)
		if err != nil {
			return err
		}
		promoted, rightID = newPromoted, newRight.PageID
	}

	// The old root split, so the tree grows one level.
	newRootID, err := t.pm.AllocPage()
	if err != nil {
		return err
	}
	newRoot := &Node{
		PageID:   newRootID,
		Type:     NodeTypeInternal,
		Keys:     [][]byte{promoted},
		Children: []pager.PageID{t.root, rightID},
	}
	if err := t.writeNode(newRoot); err != nil {
		return err
	}
	oldRoot := t.root
	t.root = newRootID
	if err := t.pm.UpdateHeader(func(h *dbheader.DatabaseHeader) {
		h.TreeRootPage = uint64(newRootID)
		h.TreeSize++
	}); err != nil {
		return err
	}
	if err := t.pm.Sync(); err != nil {
		return err
	}
	t.logger.Info("root split, tree grew one level",
		zap.Uint64("old_root", uint64(oldRoot)),
		zap.Uint64("new_root", uint64(newRootID)))
	return nil
}

// Delete removes key's entry from its leaf. Deleting an absent key is a
// no-op success. Leaves are never merged or rebalanced, so a leaf may stay
// underfull or empty; it remains correctly ordered and searchable.
func (t *BTree) Delete(key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(key) == 0 {
		return fmt.Errorf("%w: key must not be empty", ErrInvalidArgument)
	}
	leaf, _, err := t.descendToLeaf(key, false)
	if err != nil {
		return err
	}
	idx, found := slices.BinarySearchFunc(leaf.Keys, key, bytes.Compare)
	if !found {
		return nil
	}
	leaf.Keys = slices.Delete(leaf.Keys, idx, idx+1)
	leaf.Values = slices.Delete(leaf.Values, idx, idx+1)
	if err := t.writeNode(leaf); err != nil {
		return err
	}
	return t.bumpTreeSize(-1)
}

// Scan calls fn for every entry with start <= key < end in ascending key
// order, walking the leaf chain. A nil start begins at the first key, a
// nil end runs to the last; fn returning false stops early. The tree lock
// is held for the whole scan, so fn must not call back into the tree.
func (t *BTree) Scan(start, end []byte, fn func(key, value []byte) bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fn == nil {
		return fmt.Errorf("%w: fn must not be nil", ErrInvalidArgument)
	}
	if start != nil && end != nil && bytes.Compare(start, end) >= 0 {
		return nil
	}

	var node *Node
	var err error
	if start == nil {
		node, err = t.leftmostLeaf()
	} else {
		node, _, err = t.descendToLeaf(start, false)
	}
	if err != nil {
		return err
	}

	for {
		for i, key := range node.Keys {
			if start != nil && bytes.Compare(key, start) < 0 {
				continue
			}
			if end != nil && bytes.Compare(key, end) >= 0 {
				return nil
			}
			if !fn(key, node.Values[i]) {
				return nil
			}
		}
		if node.NextLeaf == 0 {
			return nil
		}
		next, err := t.loadNode(node.NextLeaf)
		if err != nil {
			return err
		}
		if next.Type != NodeTypeLeaf {
			return fmt.Errorf("%w: leaf chain page %d is not a leaf", ErrCorruption, next.PageID)
		}
		node = next
	}
}

// Clear frees every page of the tree back to the manager and starts over
// with a fresh empty root leaf. On error the tree may be partially freed
// and should be considered unusable.
func (t *BTree) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids, err := t.collectPages()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := t.pm.FreePage(id); err != nil {
			return err
		}
	}

	rootID, err := t.pm.AllocPage()
	if err != nil {
		return err
	}
	if err := t.writeNode(&Node{PageID: rootID, Type: NodeTypeLeaf}); err != nil {
		return err
	}
	t.root = rootID
	if err := t.pm.UpdateHeader(func(h *dbheader.DatabaseHeader) {
		h.TreeRootPage = uint64(rootID)
		h.TreeSize = 0
	}); err != nil {
		return err
	}
	if err := t.pm.Sync(); err != nil {
		return err
	}
	t.logger.Info("cleared tree",
		zap.Int("pages_freed", len(ids)),
		zap.Uint64("new_root", uint64(rootID)))
	return nil
}

// Backup writes a consistent snapshot of the database file to destPath,
// pacing the copy to bytesPerSec when positive. The tree lock is held for
// the whole copy, so no insert or delete can be caught between the page
// writes of a split; the snapshot opens as a normal database.
func (t *BTree) Backup(ctx context.Context, destPath string, bytesPerSec int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pm.BackupTo(ctx, destPath, bytesPerSec)
}

// Size returns the number of live entries.
func (t *BTree) Size() uint64 {
	return t.pm.Header().TreeSize
}

// Order returns the fanout the tree was created with.
func (t *BTree) Order() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order
}

// RootPageID returns the current root page.
func (t *BTree) RootPageID() pager.PageID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

// descendToLeaf walks from the root to the leaf owning key. With record
// set it returns the visited internal pages and chosen child slots,
// outermost first, for split propagation.
func (t *BTree) descendToLeaf(key []byte, record bool) (*Node, []pathEntry, error) {
	node, err := t.loadNode(t.root)
	if err != nil {
		return nil, nil, err
	}
	var path []pathEntry
	depth := 0
	for node.Type == NodeTypeInternal {
		depth++
		if depth > maxTreeDepth {
			return nil, nil, fmt.Errorf("%w: descent exceeded %d levels, link cycle suspected", ErrCorruption, maxTreeDepth)
		}
		idx := childIndex(node.Keys, key)
		if record {
			path = append(path, pathEntry{id: node.PageID, childIdx: idx})
		}
		node, err = t.loadNode(node.Children[idx])
		if err != nil {
			return nil, nil, err
		}
	}
	return node, path, nil
}

// leftmostLeaf follows the first child pointers down to the first leaf.
func (t *BTree) leftmostLeaf() (*Node, error) {
	node, err := t.loadNode(t.root)
	if err != nil {
		return nil, err
	}
	depth := 0
	for node.Type == NodeTypeInternal {
		depth++
		if depth > maxTreeDepth {
			return nil, fmt.Errorf("%w: descent exceeded %d levels, link cycle suspected", ErrCorruption, maxTreeDepth)
		}
		node, err = t.loadNode(node.Children[0])
		if err != nil {
			return nil, err
		}
	}
	return node, nil
}

// childIndex picks the child subtree for key: the slot of the first
// separator strictly greater than key. A key equal to a separator routes
// right, matching the promotion rule in splitLeaf.
func childIndex(keys [][]byte, key []byte) int {
	idx, found := slices.BinarySearchFunc(keys, key, bytes.Compare)
	if found {
		idx++
	}
	return idx
}

// splitLeaf moves the upper half of an overflowing leaf into a freshly
// allocated page and links it into the sibling chain. The promoted key is
// the first key of the new page: it is copied up and stays in the leaf.
func (t *BTree) splitLeaf(n *Node) (*Node, []byte, error) {
	newID, err := t.pm.AllocPage()
	if err != nil {
		return nil, nil, err
	}
	mid := len(n.Keys) / 2
	right := &Node{
		PageID:   newID,
		Type:     NodeTypeLeaf,
		Keys:     slices.Clone(n.Keys[mid:]),
		Values:   slices.Clone(n.Values[mid:]),
		NextLeaf: n.NextLeaf,
	}
	n.Keys = n.Keys[:mid]
	n.Values = n.Values[:mid]
	n.NextLeaf = newID
	promoted := right.Keys[0]

	// The new sibling goes down before the old page is relinked, so a
	// failure in between leaves the existing chain intact.
	if err := t.writeNode(right); err != nil {
		return nil, nil, err
	}
	if err := t.writeNode(n); err != nil {
		return nil, nil, err
	}
	t.logger.Debug("split leaf",
		zap.Uint64("page_id", uint64(n.PageID)),
		zap.Uint64("new_page_id", uint64(newID)),
		zap.Int("left_entries", len(n.Keys)),
		zap.Int("right_entries", len(right.Keys)))
	return right, promoted, nil
}

// splitInternal moves the upper half of an overflowing internal node into
// a freshly allocated page. The median separator moves up to the parent
// and is not kept in either half.
func (t *BTree) splitInternal(n *Node) (*Node, []byte, error) {
	newID, err := t.pm.AllocPage()
	if err != nil {
		return nil, nil, err
	}
	mid := len(n.Keys) / 2
	promoted := n.Keys[mid]
	right := &Node{
		PageID:   newID,
		Type:     NodeTypeInternal,
		Keys:     slices.Clone(n.Keys[mid+1:]),
		Children: slices.Clone(n.Children[mid+1:]),
	}
	n.Keys = n.Keys[:mid]
	n.Children = n.Children[:mid+1]

	if err := t.writeNode(right); err != nil {
		return nil, nil, err
	}
	if err := t.writeNode(n); err != nil {
		return nil, nil, err
	}
	t.logger.Debug("split internal node",
		zap.Uint64("page_id", uint64(n.PageID)),
		zap.Uint64("new_page_id", uint64(newID)),
		zap.Int("left_keys", len(n.Keys)),
		zap.Int("right_keys", len(right.Keys)))
	return right, promoted, nil
}

// collectPages gathers every page reachable from the root, breadth first.
func (t *BTree) collectPages() ([]pager.PageID, error) {
	ids := make([]pager.PageID, 0, 8)
	queue := []pager.PageID{t.root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		node, err := t.loadNode(id)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
		if node.Type == NodeTypeInternal {
			queue = append(queue, node.Children...)
		}
		if uint64(len(ids)) > t.pm.PageCount() {
			return nil, fmt.Errorf("%w: tree walk visited more pages than were ever allocated", ErrCorruption)
		}
	}
	return ids, nil
}

func (t *BTree) loadNode(id pager.PageID) (*Node, error) {
	page, err := t.pm.ReadPage(id)
	if err != nil {
		return nil, err
	}
	return decodeNode(id, page)
}

func (t *BTree) writeNode(n *Node) error {
	page, err := n.encode(t.pageSize)
	if err != nil {
		return err
	}
	return t.pm.WritePage(n.PageID, page)
}

func (t *BTree) bumpTreeSize(delta int) error {
	return t.pm.UpdateHeader(func(h *dbheader.DatabaseHeader) {
		if delta >= 0 {
			h.TreeSize += uint64(delta)
		} else {
			h.TreeSize -= uint64(-delta)
		}
	})
}
