// Package radix implements the fixed-depth, fixed-fanout radix tree that
// maps a file's logical block number to its current physical block
// (spec.md §2 component E, §4.3).
//
// Every level is one block of types.RadixFanout entries; the tree is
// always exactly types.RadixDepth levels deep regardless of how sparse a
// file is, which keeps find/insert/delete at a fixed, small number of
// I/Os rather than the logarithmic-in-size-but-variable depth of the
// B+trees elsewhere in this module.
//
// Grounded on spec.md §4.3 directly — the teacher repo's trees are all
// B-trees, with no fixed-depth trie analogue — with node layout
// (flat entry array, sentinel-valued empty slot) following
// internal/types/btree.go's NlocT-as-sentinel pattern and
// other_examples/b5dfc7e9_mjm918-tur__pkg-cowbtree-node.go.go's COW node
// tagging style.
package radix

import (
	"fmt"
	"sync"

	"github.com/rcslab/aurora-sub001/internal/btree"
	"github.com/rcslab/aurora-sub001/internal/buffer"
	"github.com/rcslab/aurora-sub001/internal/slserr"
	"github.com/rcslab/aurora-sub001/internal/types"
)

// dataObjectBit separates a file's data-block buffers (keyed by logical
// file block number) from its radix node buffers (keyed by physical
// block number, identity-mapped) in the shared buffer manager's cache,
// since both otherwise share small integer key spaces under the same
// inode id.
const dataObjectBit = buffer.ObjectID(1) << 63

// MetaObject returns the buffer object id this inode's radix node blocks
// are cached under.
func MetaObject(inode uint64) buffer.ObjectID { return buffer.ObjectID(inode) }

// DataObject returns the buffer object id this inode's file data blocks
// are cached under.
func DataObject(inode uint64) buffer.ObjectID { return buffer.ObjectID(inode) | dataObjectBit }

func digit(lblk uint64, level int) int {
	shift := uint(8 * (types.RadixDepth - 1 - level))
	return int((lblk >> shift) & uint64(types.RadixFanout-1))
}

// maxLblk is F^D, the exclusive upper bound on a valid logical block
// number for a radix tree of depth types.RadixDepth and fanout
// types.RadixFanout (spec.md §4.3 "any key >= F^D is rejected").
const maxLblk = uint64(1) << (8 * types.RadixDepth)

// checkLblk rejects a logical block number outside [0, F^D), the range
// digit() can address without aliasing high bits into a legal-looking
// index chain.
func checkLblk(lblk uint64) error {
	if lblk >= maxLblk {
		return fmt.Errorf("radix: lblk %d >= %d: %w", lblk, maxLblk, slserr.ErrCorrupt)
	}
	return nil
}

// Radix is one file's logical-to-physical block map.
type Radix struct {
	mu    sync.RWMutex
	bm    *buffer.Manager
	obj   buffer.ObjectID // MetaObject(inode id)
	alloc btree.BlockAllocator

	root types.DiskPtr

	onRootChange func(types.DiskPtr)
}

// Open wraps an existing radix tree rooted at root (the inode's Data
// pointer). A zero root (types.NullPtr) denotes a brand new, fully
// sparse file.
func Open(bm *buffer.Manager, inode uint64, alloc btree.BlockAllocator, root types.DiskPtr) *Radix {
	return &Radix{bm: bm, obj: MetaObject(inode), alloc: alloc, root: root}
}

// OnRootChange registers a callback fired whenever a write replaces the
// tree's root block, so the owning inode can update its on-disk Data
// pointer (spec.md §4.6's dirty-to-root propagation terminates here).
func (r *Radix) OnRootChange(fn func(types.DiskPtr)) { r.onRootChange = fn }

// Root returns the tree's current root pointer.
func (r *Radix) Root() types.DiskPtr {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.root
}

func (r *Radix) loadNode(ptr types.DiskPtr) (*buffer.Buffer, error) {
	if ptr.Null() {
		return nil, fmt.Errorf("radix: load null node: %w", slserr.ErrCorrupt)
	}
	return r.bm.Get(r.obj, ptr.Offset, uint32(ptr.Size))
}

func entryAt(data []byte, idx int) types.RadixEntry {
	off := idx * types.RadixEntrySize
	return types.GetRadixEntry(data[off : off+types.RadixEntrySize])
}

func setEntryAt(data []byte, idx int, e types.RadixEntry) {
	off := idx * types.RadixEntrySize
	types.PutRadixEntry(data[off:off+types.RadixEntrySize], e)
}

func newEmptyNode() []byte {
	data := make([]byte, types.BlockSize)
	empty := types.RadixEntry{BlockOff: types.Sentinel, Epoch: types.InvalidEpoch}
	for i := 0; i < types.RadixFanout; i++ {
		setEntryAt(data, i, empty)
	}
	return data
}

// Find resolves lblk to its current physical block. ok is false for a
// hole in the file (spec.md §4.3 "find").
func (r *Radix) Find(lblk uint64) (pblk uint64, ok bool, err error) {
	if err := checkLblk(lblk); err != nil {
		return 0, false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.find(lblk)
}

func (r *Radix) find(lblk uint64) (uint64, bool, error) {
	if r.root.Null() {
		return 0, false, nil
	}
	cur := r.root
	for level := 0; level < types.RadixDepth; level++ {
		b, err := r.loadNode(cur)
		if err != nil {
			return 0, false, err
		}
		b.Lock()
		e := entryAt(b.Data, digit(lblk, level))
		b.Unlock()
		r.bm.Unpin(b)
		if !e.Valid() {
			return 0, false, nil
		}
		if level == types.RadixDepth-1 {
			return e.BlockOff, true, nil
		}
		cur = types.DiskPtr{Offset: e.BlockOff, Size: types.BlockSize, Epoch: e.Epoch}
	}
	return 0, false, nil
}

// Resolve implements buffer.Strategy on behalf of this file's data
// buffers: the buffer manager calls back into the radix tree to turn a
// logical file block into the physical block to read (spec.md §4.5's
// "strategy hook").
func (r *Radix) Resolve(obj buffer.ObjectID, lblk uint64) (uint64, bool) {
	pblk, ok, err := r.Find(lblk)
	if err != nil {
		return 0, false
	}
	return pblk, ok
}

// Insert creates or overwrites the mapping for lblk, copy-on-writing
// every node on the path from the leaf to the root (spec.md §4.3
// "insert" / §4.6's dirty-to-root rule).
func (r *Radix) Insert(lblk, pblk uint64, epoch uint64) error {
	if err := checkLblk(lblk); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	newRoot, err := r.cowPath(r.root, 0, lblk, types.RadixEntry{BlockOff: pblk, Epoch: epoch})
	if err != nil {
		return err
	}
	r.root = newRoot
	if r.onRootChange != nil {
		r.onRootChange(newRoot)
	}
	return nil
}

// Remove clears the mapping for lblk, if any (spec.md §4.3 "delete"; no
// eager node collapse, matching the B+tree's own no-merge-on-delete
// policy).
func (r *Radix) Remove(lblk uint64) error {
	if err := checkLblk(lblk); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.root.Null() {
		return nil
	}
	newRoot, err := r.cowPath(r.root, 0, lblk, types.RadixEntry{BlockOff: types.Sentinel, Epoch: types.InvalidEpoch})
	if err != nil {
		return err
	}
	r.root = newRoot
	if r.onRootChange != nil {
		r.onRootChange(newRoot)
	}
	return nil
}

// cowPath recursively copies the path from the node at ptr (level
// levels below the root) down to the leaf addressing lblk, installing
// entry at the leaf, and returns the new pointer for this node.
func (r *Radix) cowPath(ptr types.DiskPtr, level int, lblk uint64, entry types.RadixEntry) (types.DiskPtr, error) {
	if level == 0 {
		if err := checkLblk(lblk); err != nil {
			return types.DiskPtr{}, err
		}
	}

	var data []byte
	if ptr.Null() {
		data = newEmptyNode()
	} else {
		b, err := r.loadNode(ptr)
		if err != nil {
			return types.DiskPtr{}, err
		}
		b.Lock()
		data = make([]byte, len(b.Data))
		copy(data, b.Data)
		b.Unlock()
		r.bm.Unpin(b)
	}

	idx := digit(lblk, level)

	if level == types.RadixDepth-1 {
		setEntryAt(data, idx, entry)
	} else {
		child := entryAt(data, idx)
		var childPtr types.DiskPtr
		if child.Valid() {
			childPtr = types.DiskPtr{Offset: child.BlockOff, Size: types.BlockSize, Epoch: child.Epoch}
		}
		newChild, err := r.cowPath(childPtr, level+1, lblk, entry)
		if err != nil {
			return types.DiskPtr{}, err
		}
		setEntryAt(data, idx, types.RadixEntry{BlockOff: newChild.Offset, Epoch: newChild.Epoch})
	}

	newPtr, err := r.alloc.AllocBlock()
	if err != nil {
		return types.DiskPtr{}, fmt.Errorf("radix: cow node level %d: %w", level, err)
	}
	nb, err := r.loadNode(newPtr)
	if err != nil {
		return types.DiskPtr{}, err
	}
	nb.Lock()
	copy(nb.Data, data)
	nb.Unlock()
	r.bm.SetManaged(nb)
	r.bm.MarkDirty(nb)
	r.bm.Unpin(nb)

	return newPtr, nil
}

// ExtentFind returns the longest run of contiguous, present physical
// blocks starting at lblk, up to max blocks (spec.md §4.3
// "extent_find").
func (r *Radix) ExtentFind(lblk uint64, max uint64) (pblk uint64, length uint64, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	first, ok, err := r.find(lblk)
	if err != nil || !ok {
		return 0, 0, err
	}
	length = 1
	for length < max {
		next, ok, err := r.find(lblk + length)
		if err != nil {
			return 0, 0, err
		}
		if !ok || next != first+length {
			break
		}
		length++
	}
	return first, length, nil
}

// ExtentReplace installs pblk..pblk+length-1 as the mapping for
// lblk..lblk+length-1 in one pass (spec.md §4.3 "extent_replace").
func (r *Radix) ExtentReplace(lblk, pblk, length, epoch uint64) error {
	for i := uint64(0); i < length; i++ {
		if err := r.Insert(lblk+i, pblk+i, epoch); err != nil {
			return err
		}
	}
	return nil
}

// Iterator walks present mappings in ascending logical-block order.
type Iterator struct {
	r       *Radix
	next    uint64
	limit   uint64
	pblk    uint64
	lblk    uint64
	valid   bool
}

// Start positions an iterator at the first present mapping at or after
// lblk (spec.md §4.3's iterator contract: "start/next/end").
func (r *Radix) Start(lblk uint64) (*Iterator, error) {
	it := &Iterator{r: r, next: lblk, limit: maxLblk}
	if err := it.advance(); err != nil {
		return nil, err
	}
	return it, nil
}

func (it *Iterator) advance() error {
	for it.next < it.limit {
		pblk, ok, err := it.r.Find(it.next)
		if err != nil {
			return err
		}
		if ok {
			it.lblk = it.next
			it.pblk = pblk
			it.valid = true
			it.next++
			return nil
		}
		it.next++
	}
	it.valid = false
	return nil
}

// Next advances the iterator to the following present mapping.
func (it *Iterator) Next() error { return it.advance() }

// Valid reports whether the iterator is positioned on a mapping.
func (it *Iterator) Valid() bool { return it.valid }

// Logical and Physical return the iterator's current mapping.
func (it *Iterator) Logical() uint64 { return it.lblk }
func (it *Iterator) Physical() uint64 { return it.pblk }

// End is a no-op placeholder matching the B+tree iterator's lifecycle;
// radix Find does not hold the tree lock across calls, so there is
// nothing to release.
func (it *Iterator) End() {}

var _ buffer.Strategy = (*Radix)(nil)
