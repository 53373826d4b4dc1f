// Package btree implements the COW B+tree used both by the allocator's
// dual extent maps and by the inode index (spec.md §2 components C and
// F, §4.1). The tree is parameterized by key size, value size and a
// comparator, exactly as spec.md §9 prescribes ("The allocator trees
// differ from the inode tree only in key/value widths and comparator").
//
// Internal nodes store keys plus child block addresses; external (leaf)
// nodes store keys plus caller-declared values. There is no merge or
// borrow on delete (spec.md §4.1 "No in-tree merge on delete") — garbage
// left behind is reclaimed only by GC, out of scope here.
//
// Grounded on apfs/pkg/container/btree.go's binary-search-over-a-node
// shape, generalized from read-only parsing to mutable insert/split, and
// on internal/interfaces/btree.go's accessor vocabulary (IsRoot, IsLeaf,
// KeyCount) kept as method names below.
package btree

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/rcslab/aurora-sub001/internal/buffer"
	"github.com/rcslab/aurora-sub001/internal/slserr"
	"github.com/rcslab/aurora-sub001/internal/types"
)

// Comparator orders two encoded keys, returning <0, 0, >0 like bytes.Compare.
type Comparator func(a, b []byte) int

// Uint64Comparator compares two 8-byte big-endian-encoded uint64 keys.
// Big-endian encoding makes byte-wise comparison order match numeric order.
func Uint64Comparator(a, b []byte) int {
	return bytes.Compare(a, b)
}

// BlockAllocator is the subset of the block allocator a tree needs to
// grow: allocate a fresh, zeroed block-sized extent. Declared here (not
// imported from package allocator) to avoid a cycle, since the allocator
// itself is built out of two Trees.
type BlockAllocator interface {
	AllocBlock() (types.DiskPtr, error)
}

// RootChangeFunc is invoked whenever a tree's root moves to a new
// physical block, so the enclosing inode record can be updated (spec.md
// §4.1 "A callback fires on root change").
type RootChangeFunc func(newRoot uint64)

// Tree is one COW B+tree instance.
type Tree struct {
	bm    *buffer.Manager
	obj   buffer.ObjectID
	alloc BlockAllocator

	keySize int
	valSize int
	cmp     Comparator

	blockSize uint32

	mu   sync.RWMutex
	root uint64

	onRootChange RootChangeFunc
}

// Open attaches a Tree to an already-existing root block.
func Open(bm *buffer.Manager, obj buffer.ObjectID, alloc BlockAllocator, keySize, valSize int, cmp Comparator, root uint64, blockSize uint32) *Tree {
	return &Tree{bm: bm, obj: obj, alloc: alloc, keySize: keySize, valSize: valSize, cmp: cmp, root: root, blockSize: blockSize}
}

// OnRootChange installs the callback fired when the tree's root block
// changes (due to a root split).
func (t *Tree) OnRootChange(f RootChangeFunc) { t.onRootChange = f }

// Root returns the tree's current root block address.
func (t *Tree) Root() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

// Create bootstraps a brand-new, empty tree: allocates and formats a
// single external root node and returns a Tree bound to it.
func Create(bm *buffer.Manager, obj buffer.ObjectID, alloc BlockAllocator, keySize, valSize int, cmp Comparator, blockSize uint32) (*Tree, error) {
	ptr, err := alloc.AllocBlock()
	if err != nil {
		return nil, fmt.Errorf("btree: create: %w", err)
	}
	t := &Tree{bm: bm, obj: obj, alloc: alloc, keySize: keySize, valSize: valSize, cmp: cmp, root: ptr.Offset, blockSize: blockSize}

	n, err := t.newNode(ptr.Offset, types.NodeExternal|types.NodeRoot)
	if err != nil {
		return nil, err
	}
	n.save()
	t.bm.Unpin(n.buf)
	return t, nil
}

// FormatRoot writes a freshly-zeroed, empty external root node at a fixed
// physical block, for bootstrap paths that must place a tree's very first
// root at a well-known on-disk location rather than wherever the
// allocator would otherwise hand out (spec.md §6's "well-known offsets",
// needed only at first mount before any superblock exists to record a
// root chosen later). Open can then attach a Tree to blk directly.
func FormatRoot(bm *buffer.Manager, obj buffer.ObjectID, blk uint64, blockSize uint32) error {
	b, err := bm.Get(obj, blk, blockSize)
	if err != nil {
		return fmt.Errorf("btree: format root %d: %w", blk, err)
	}
	b.Lock()
	for i := range b.Data {
		b.Data[i] = 0
	}
	types.PutDnodeHeader(b.Data[:types.DnodeHeaderSize], types.Dnode{Flags: types.NodeExternal | types.NodeRoot})
	b.Unlock()
	bm.SetManaged(b)
	bm.MarkDirty(b)
	bm.Unpin(b)
	return nil
}

// --- node layout -----------------------------------------------------

type node struct {
	t   *Tree
	buf *buffer.Buffer
	hdr types.Dnode

	capacity    int // max keys this node's type can hold
	keysStart   int
	valuesStart int
	valWidth    int // bytes per value slot: t.valSize for leaf, 8 for internal
}

func (t *Tree) leafCapacity() int {
	avail := int(t.blockSize) - types.DnodeHeaderSize
	return avail / (t.keySize + t.valSize)
}

func (t *Tree) internalCapacity() int {
	avail := int(t.blockSize) - types.DnodeHeaderSize - 8
	c := avail / (t.keySize + 8)
	if c < 2 {
		c = 2
	}
	return c
}

func (t *Tree) loadNode(phys uint64) (*node, error) {
	b, err := t.bm.Get(t.obj, phys, t.blockSize)
	if err != nil {
		return nil, fmt.Errorf("btree: load node %d: %w", phys, err)
	}
	hdr := types.GetDnodeHeader(b.Data[:types.DnodeHeaderSize])
	n := &node{t: t, buf: b, hdr: hdr}
	n.layout()
	return n, nil
}

func (t *Tree) newNode(phys uint64, flags types.NodeFlag) (*node, error) {
	b, err := t.bm.Get(t.obj, phys, t.blockSize)
	if err != nil {
		return nil, fmt.Errorf("btree: new node %d: %w", phys, err)
	}
	for i := range b.Data {
		b.Data[i] = 0
	}
	n := &node{t: t, buf: b, hdr: types.Dnode{Flags: flags}}
	n.layout()
	return n, nil
}

func (n *node) layout() {
	if n.hdr.IsLeaf() {
		n.capacity = n.t.leafCapacity()
		n.valWidth = n.t.valSize
	} else {
		n.capacity = n.t.internalCapacity()
		n.valWidth = 8
	}
	n.keysStart = types.DnodeHeaderSize
	n.valuesStart = n.keysStart + n.capacity*n.t.keySize
}

func (n *node) save() {
	n.buf.Lock()
	types.PutDnodeHeader(n.buf.Data[:types.DnodeHeaderSize], n.hdr)
	n.buf.Unlock()
}

// full reports whether the node has no room for another key. For leaves
// this is numkeys == fanout; for internal nodes spec.md §4.1 states it as
// numkeys+1 == fanout, which is the same boundary once capacity is
// computed in key-count terms (see internalCapacity).
func (n *node) full() bool {
	return int(n.hdr.NumKeys) == n.capacity
}

func (n *node) keyAt(i int) []byte {
	o := n.keysStart + i*n.t.keySize
	return n.buf.Data[o : o+n.t.keySize]
}

func (n *node) setKeyAt(i int, k []byte) {
	copy(n.keyAt(i), k)
}

func (n *node) valAt(i int) []byte {
	o := n.valuesStart + i*n.valWidth
	return n.buf.Data[o : o+n.valWidth]
}

func (n *node) setValAt(i int, v []byte) {
	copy(n.valAt(i), v)
}

func (n *node) childAt(i int) uint64 {
	return beUint64(n.valAt(i))
}

func (n *node) setChildAt(i int, blk uint64) {
	putBeUint64(n.valAt(i), blk)
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b[:8] {
		v = v<<8 | uint64(c)
	}
	return v
}

func putBeUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

// search returns the index of key if present, and the insertion index
// (the first index whose key is >= the search key) otherwise.
func (n *node) search(key []byte) (idx int, found bool) {
	lo, hi := 0, int(n.hdr.NumKeys)
	for lo < hi {
		mid := (lo + hi) / 2
		c := n.t.cmp(key, n.keyAt(mid))
		switch {
		case c == 0:
			return mid, true
		case c < 0:
			hi = mid
		default:
			lo = mid + 1
		}
	}
	return lo, false
}

func (n *node) release() { n.t.bm.Unpin(n.buf) }

func (n *node) dirty() {
	n.save()
	n.t.bm.MarkDirty(n.buf)
}

// --- descent -----------------------------------------------------------

// descend walks from the root to the leaf that would contain key, fixing
// up stale parent hints as it goes (spec.md §9). It returns the path from
// root to leaf (inclusive); callers release nodes as appropriate.
func (t *Tree) descend(key []byte) ([]*node, error) {
	var path []*node
	phys := t.Root()
	var parentPhys uint64
	for {
		n, err := t.loadNode(phys)
		if err != nil {
			return nil, err
		}
		if n.hdr.Parent != parentPhys {
			n.hdr.Parent = parentPhys
			n.dirty()
		}
		path = append(path, n)
		if n.hdr.IsLeaf() {
			return path, nil
		}
		idx, found := n.search(key)
		if found {
			idx++
		}
		if idx > int(n.hdr.NumKeys) {
			idx = int(n.hdr.NumKeys)
		}
		parentPhys = phys
		phys = n.childAt(idx)
	}
}

func releasePath(path []*node) {
	for _, n := range path {
		n.release()
	}
}

// --- public operations --------------------------------------------------

func (t *Tree) checkKeyLen(key []byte) error {
	if len(key) != t.keySize {
		return fmt.Errorf("btree: key length %d != %d", len(key), t.keySize)
	}
	return nil
}

// Get returns the value stored for key.
func (t *Tree) Get(key []byte) ([]byte, error) {
	if err := t.checkKeyLen(key); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	path, err := t.descend(key)
	if err != nil {
		return nil, err
	}
	defer releasePath(path)

	leaf := path[len(path)-1]
	idx, found := leaf.search(key)
	if !found {
		return nil, fmt.Errorf("btree: get: %w", slserr.ErrNotFound)
	}
	out := make([]byte, t.valSize)
	copy(out, leaf.valAt(idx))
	return out, nil
}

// Insert adds (key, value); it fails with ErrExists if key is already
// present (spec.md §8 "insert(k, v); insert(k, v') == Exists").
func (t *Tree) Insert(key, value []byte) error {
	if err := t.checkKeyLen(key); err != nil {
		return err
	}
	if len(value) != t.valSize {
		return fmt.Errorf("btree: insert: value length %d != %d", len(value), t.valSize)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	path, err := t.descend(key)
	if err != nil {
		return err
	}
	defer releasePath(path)

	leaf := path[len(path)-1]
	idx, found := leaf.search(key)
	if found {
		return fmt.Errorf("btree: insert: %w", slserr.ErrExists)
	}

	t.insertIntoLeaf(leaf, idx, key, value)

	if leaf.full() {
		return t.split(path)
	}
	return nil
}

// Replace overwrites the value stored for an existing key.
func (t *Tree) Replace(key, value []byte) error {
	if err := t.checkKeyLen(key); err != nil {
		return err
	}
	if len(value) != t.valSize {
		return fmt.Errorf("btree: replace: value length %d != %d", len(value), t.valSize)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	path, err := t.descend(key)
	if err != nil {
		return err
	}
	defer releasePath(path)

	leaf := path[len(path)-1]
	idx, found := leaf.search(key)
	if !found {
		return fmt.Errorf("btree: replace: %w", slserr.ErrNotFound)
	}
	leaf.setValAt(idx, value)
	leaf.dirty()
	return nil
}

// Remove deletes key. Per spec.md §4.1 there is no rebalance: keys to the
// right of idx simply shift left, and the node may become underfull.
func (t *Tree) Remove(key []byte) error {
	if err := t.checkKeyLen(key); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	path, err := t.descend(key)
	if err != nil {
		return err
	}
	defer releasePath(path)

	leaf := path[len(path)-1]
	idx, found := leaf.search(key)
	if !found {
		return fmt.Errorf("btree: remove: %w", slserr.ErrNotFound)
	}

	n := int(leaf.hdr.NumKeys)
	for i := idx; i < n-1; i++ {
		leaf.setKeyAt(i, leaf.keyAt(i+1))
		leaf.setValAt(i, leaf.valAt(i+1))
	}
	leaf.hdr.NumKeys--
	leaf.dirty()
	return nil
}

func (t *Tree) insertIntoLeaf(leaf *node, idx int, key, value []byte) {
	n := int(leaf.hdr.NumKeys)
	for i := n; i > idx; i-- {
		leaf.setKeyAt(i, leaf.keyAt(i-1))
		leaf.setValAt(i, leaf.valAt(i-1))
	}
	leaf.setKeyAt(idx, key)
	leaf.setValAt(idx, value)
	leaf.hdr.NumKeys++
	leaf.dirty()
}

func (t *Tree) insertIntoInternal(n *node, idx int, key []byte, rightChild uint64) {
	nk := int(n.hdr.NumKeys)
	// children shift: child slots run 0..nk (nk+1 of them); new child
	// goes at idx+1, new key at idx.
	for i := nk + 1; i > idx+1; i-- {
		n.setChildAt(i, n.childAt(i-1))
	}
	n.setChildAt(idx+1, rightChild)
	for i := nk; i > idx; i-- {
		n.setKeyAt(i, n.keyAt(i-1))
	}
	n.setKeyAt(idx, key)
	n.hdr.NumKeys++
	n.dirty()
}

// split handles overflow for every node on path, bottom-up, per spec.md
// §4.1 ("Leaf split on overflow... push one separator key to the parent
// via recursive insert. Root split: allocate a new internal root...").
func (t *Tree) split(path []*node) error {
	var cur *node
	for level := len(path) - 1; level >= 0; level-- {
		cur = path[level]
		if !cur.full() {
			return nil
		}

		ptr, err := t.alloc.AllocBlock()
		if err != nil {
			return fmt.Errorf("btree: split: %w", err)
		}
		flags := types.NodeInternal
		if cur.hdr.IsLeaf() {
			flags = types.NodeExternal
		}
		sibling, err := t.newNode(ptr.Offset, flags)
		if err != nil {
			return err
		}

		var sepKey []byte
		if cur.hdr.IsLeaf() {
			sepKey = t.splitLeaf(cur, sibling)
			sibling.hdr.Right = cur.hdr.Right
			cur.hdr.Right = ptr.Offset
		} else {
			sepKey = t.splitInternal(cur, sibling)
		}
		cur.dirty()
		sibling.dirty()

		if level == 0 {
			// root split: allocate a fresh internal root over both halves.
			rootPtr, err := t.alloc.AllocBlock()
			if err != nil {
				sibling.release()
				return fmt.Errorf("btree: split root: %w", err)
			}
			newRoot, err := t.newNode(rootPtr.Offset, types.NodeInternal|types.NodeRoot)
			if err != nil {
				sibling.release()
				return err
			}
			cur.hdr.Flags &^= types.NodeRoot
			cur.hdr.Parent = rootPtr.Offset
			cur.dirty()
			sibling.hdr.Parent = rootPtr.Offset
			sibling.dirty()

			newRoot.setChildAt(0, cur.buf.Phys)
			newRoot.setKeyAt(0, sepKey)
			newRoot.setChildAt(1, sibling.buf.Phys)
			newRoot.hdr.NumKeys = 1
			newRoot.dirty()

			t.mu2SetRoot(rootPtr.Offset)
			sibling.release()
			newRoot.release()
			return nil
		}

		parent := path[level-1]
		idx, _ := parent.search(sepKey)
		t.insertIntoInternal(parent, idx, sepKey, sibling.buf.Phys)
		sibling.release()
		// loop continues: parent may now itself be full.
	}
	return nil
}

// mu2SetRoot updates the tree root under the write lock the caller
// (split, called from Insert) already holds, and fires the root-change
// callback.
func (t *Tree) mu2SetRoot(newRoot uint64) {
	t.root = newRoot
	if t.onRootChange != nil {
		t.onRootChange(newRoot)
	}
}

func (t *Tree) splitLeaf(left, right *node) []byte {
	n := int(left.hdr.NumKeys)
	mid := n / 2
	j := 0
	for i := mid; i < n; i, j = i+1, j+1 {
		right.setKeyAt(j, left.keyAt(i))
		right.setValAt(j, left.valAt(i))
	}
	right.hdr.NumKeys = uint32(n - mid)
	left.hdr.NumKeys = uint32(mid)

	sep := make([]byte, t.keySize)
	copy(sep, right.keyAt(0))
	return sep
}

// splitInternal splits an overflowing internal node. The middle key is
// promoted to the parent and does not appear in either child, as is
// standard for a B+tree's internal levels.
func (t *Tree) splitInternal(left, right *node) []byte {
	n := int(left.hdr.NumKeys) // number of keys; children = n+1
	mid := n / 2
	sep := make([]byte, t.keySize)
	copy(sep, left.keyAt(mid))

	j := 0
	for i := mid + 1; i < n; i, j = i+1, j+1 {
		right.setKeyAt(j, left.keyAt(i))
	}
	right.hdr.NumKeys = uint32(n - mid - 1)

	j = 0
	for i := mid + 1; i <= n; i, j = i+1, j+1 {
		right.setChildAt(j, left.childAt(i))
	}

	left.hdr.NumKeys = uint32(mid)
	return sep
}

// --- iteration -----------------------------------------------------------

// Iterator holds a pinned leaf and an index into it. It does not
// re-acquire the tree lock on Next; the tree's rwlock is read-locked once
// by KeyMinIter/KeyMaxIter and released by End, per spec.md §5's
// "iterator's invariant".
type Iterator struct {
	t     *Tree
	leaf  *node
	idx   int
	ended bool
}

// KeyMinIter starts an iterator positioned at the greatest key <= q
// (spec.md §4.1 "keymin_iter (greatest key ≤ q)"); Next moves rightward
// from there, as for any Iterator.
func (t *Tree) KeyMinIter(q []byte) (*Iterator, error) {
	t.mu.RLock()
	path, err := t.descend(q)
	if err != nil {
		t.mu.RUnlock()
		return nil, err
	}
	leaf := path[len(path)-1]
	for _, n := range path[:len(path)-1] {
		n.release()
	}

	idx, found := leaf.search(q)
	if !found {
		idx--
	}
	it := &Iterator{t: t, leaf: leaf, idx: idx}
	if idx < 0 {
		it.ended = true
	}
	return it, nil
}

// KeyMaxIter starts an iterator positioned at the smallest key >= q
// (spec.md §4.1 "keymax_iter (smallest key ≥ q)").
func (t *Tree) KeyMaxIter(q []byte) (*Iterator, error) {
	t.mu.RLock()
	path, err := t.descend(q)
	if err != nil {
		t.mu.RUnlock()
		return nil, err
	}
	leaf := path[len(path)-1]
	for _, n := range path[:len(path)-1] {
		n.release()
	}

	idx, _ := leaf.search(q)
	it := &Iterator{t: t, leaf: leaf, idx: idx}
	if idx >= int(leaf.hdr.NumKeys) {
		if err := it.advanceRight(); err != nil && !errors.Is(err, slserr.ErrNotFound) {
			it.End()
			return nil, err
		}
	}
	return it, nil
}

// Valid reports whether the iterator is positioned on an entry.
func (it *Iterator) Valid() bool {
	return !it.ended && it.idx >= 0 && it.idx < int(it.leaf.hdr.NumKeys)
}

// Key returns the key at the iterator's current position.
func (it *Iterator) Key() []byte {
	out := make([]byte, it.t.keySize)
	copy(out, it.leaf.keyAt(it.idx))
	return out
}

// Value returns the value at the iterator's current position.
func (it *Iterator) Value() []byte {
	out := make([]byte, it.t.valSize)
	copy(out, it.leaf.valAt(it.idx))
	return out
}

// Next walks right, across leaf boundaries if necessary, lazily fixing
// up stale parent hints as descend does (spec.md §4.1 "next walks right
// siblings lazily"). Leaves only carry a right-sibling pointer, so this
// is the only iteration direction the on-disk format supports; KeyMinIter
// positions at its target directly rather than walking backward into it.
func (it *Iterator) Next() error { return it.advanceRight() }

func (it *Iterator) advanceRight() error {
	it.idx++
	for it.idx >= int(it.leaf.hdr.NumKeys) {
		right := it.leaf.hdr.Right
		if right == 0 {
			it.ended = true
			return fmt.Errorf("btree: iterator: %w", slserr.ErrNotFound)
		}
		next, err := it.t.loadNode(right)
		if err != nil {
			return err
		}
		it.leaf.release()
		it.leaf = next
		it.idx = 0
		if int(next.hdr.NumKeys) == 0 {
			continue
		}
	}
	return nil
}

// End releases the iterator's pinned leaf and the tree's read lock taken
// at Start. Every iterator must be ended exactly once.
func (it *Iterator) End() {
	if it.leaf != nil {
		it.leaf.release()
		it.leaf = nil
	}
	it.t.mu.RUnlock()
}

var _ = bytes.Compare
