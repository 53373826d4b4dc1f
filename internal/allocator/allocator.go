// Package allocator implements the block allocator and its backing dual
// B+tree pair (spec.md §2 components C and D, §4.2).
//
// Two B+trees over uint64 are kept mutually consistent — every free
// extent appears once keyed by offset and once keyed by length — and the
// allocator itself behaves as a monotonically advancing bump allocator
// between GC passes: frees are never issued in line (spec.md "Non-goals:
// No general-purpose allocator free path").
//
// Grounded on internal/types/space_manager.go's ChunkInfoT/
// SpacemanFreeQueueEntryT naming (informing Chunk/FreeExtent here) and
// apfs/pkg/container/spacemanager.go's chunk-bookkeeping style, adapted
// from a bitmap allocator to the extent-B+tree-pair design spec.md
// specifies.
package allocator

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/rcslab/aurora-sub001/internal/btree"
	"github.com/rcslab/aurora-sub001/internal/slserr"
	"github.com/rcslab/aurora-sub001/internal/types"
)

// DefaultAmortizationChunk is the allocator refill size in blocks
// (spec.md §6 "amortization_chunk... default 1024").
const DefaultAmortizationChunk = 1024

func encodeU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeU64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

// Allocator is the block allocator: a cached chunk plus the offset and
// size trees.
type Allocator struct {
	mu sync.Mutex

	offsetTree *btree.Tree // key = extent start block, value = length in blocks
	sizeTree   *btree.Tree // key = length in blocks, value = extent start block

	chunk types.ChunkInfo

	amortization uint64
	blockSize    uint32
	epoch        func() uint64 // current checkpoint epoch, supplied by the mount layer
}

// New wraps already-open offset and size trees into an Allocator.
func New(offsetTree, sizeTree *btree.Tree, blockSize uint32, amortization uint64, epochFn func() uint64) *Allocator {
	a := Empty(blockSize, amortization, epochFn)
	a.Attach(offsetTree, sizeTree)
	return a
}

// Empty constructs an Allocator with no trees attached yet. It exists so
// mount can open the allocator's own offset and size trees with the
// Allocator itself as their btree.BlockAllocator (the allocator grows
// its own metadata trees through itself, per spec.md §4.2) without a
// construction cycle: Attach must run before the first Alloc call, but
// btree.Open does not itself call AllocBlock.
func Empty(blockSize uint32, amortization uint64, epochFn func() uint64) *Allocator {
	if amortization == 0 {
		amortization = DefaultAmortizationChunk
	}
	return &Allocator{blockSize: blockSize, amortization: amortization, epoch: epochFn}
}

// Attach installs the offset and size trees an Empty allocator will
// serve allocations from and grow.
func (a *Allocator) Attach(offsetTree, sizeTree *btree.Tree) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.offsetTree = offsetTree
	a.sizeTree = sizeTree
}

// OffsetTree and SizeTree expose the backing trees for checkpoint flush.
func (a *Allocator) OffsetTree() *btree.Tree { return a.offsetTree }
func (a *Allocator) SizeTree() *btree.Tree   { return a.sizeTree }

// Bootstrap seeds both trees with a single free extent spanning the data
// region (spec.md §4.8 step 5, first mount).
func Bootstrap(offsetTree, sizeTree *btree.Tree, start, blocks uint64) error {
	if err := offsetTree.Insert(encodeU64(start), encodeU64(blocks)); err != nil {
		return fmt.Errorf("allocator: bootstrap offset tree: %w", err)
	}
	if err := sizeTree.Insert(encodeU64(blocks), encodeU64(start)); err != nil {
		return fmt.Errorf("allocator: bootstrap size tree: %w", err)
	}
	return nil
}

// insertFreeExtent records (start, blocks) in both trees, keeping them
// mutually consistent (spec.md §4.1 "every free extent appears once in
// each").
func (a *Allocator) insertFreeExtent(start, blocks uint64) error {
	if blocks == 0 {
		return nil
	}
	if err := a.offsetTree.Insert(encodeU64(start), encodeU64(blocks)); err != nil {
		return fmt.Errorf("allocator: insert offset extent: %w", err)
	}
	if err := a.sizeTree.Insert(encodeU64(blocks), encodeU64(start)); err != nil {
		return fmt.Errorf("allocator: insert size extent: %w", err)
	}
	return nil
}

func (a *Allocator) removeFreeExtent(start, blocks uint64) error {
	if err := a.offsetTree.Remove(encodeU64(start)); err != nil {
		return fmt.Errorf("allocator: remove offset extent: %w", err)
	}
	if err := a.sizeTree.Remove(encodeU64(blocks)); err != nil {
		return fmt.Errorf("allocator: remove size extent: %w", err)
	}
	return nil
}

// AllocBlock allocates a single filesystem block, stamped with the
// current epoch. It satisfies btree.BlockAllocator so trees can grow
// themselves through this allocator.
func (a *Allocator) AllocBlock() (types.DiskPtr, error) {
	return a.Alloc(uint64(a.blockSize))
}

// Alloc rounds bytes up to a whole number of blocks and serves it from
// the cached chunk, refilling from the size tree as needed (spec.md
// §4.2).
func (a *Allocator) Alloc(bytes uint64) (types.DiskPtr, error) {
	blocks := (bytes + uint64(a.blockSize) - 1) / uint64(a.blockSize)
	if blocks == 0 {
		blocks = 1
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.chunk.Size < blocks {
		if err := a.refill(blocks); err != nil {
			return types.DiskPtr{}, err
		}
	}

	start := a.chunk.Offset
	a.chunk.Offset += blocks
	a.chunk.Size -= blocks

	ep := uint64(0)
	if a.epoch != nil {
		ep = a.epoch()
	}
	return types.DiskPtr{Offset: start, Size: blocks * uint64(a.blockSize), Epoch: ep}, nil
}

// refill takes the smallest extent >= need from the size tree, removes it
// from both trees, carves off up to max(need, amortization) blocks,
// re-inserts any remainder, folds the old chunk's leftover back into the
// free pool, and installs the carved region as the new chunk (spec.md
// §4.2 step 2).
func (a *Allocator) refill(need uint64) error {
	want := a.amortization
	if want < need {
		want = need
	}

	it, err := a.sizeTree.KeyMaxIter(encodeU64(need))
	if err != nil {
		return fmt.Errorf("allocator: refill: %w: %v", slserr.ErrNoSpace, err)
	}
	if !it.Valid() {
		it.End()
		return fmt.Errorf("allocator: refill: %w", slserr.ErrNoSpace)
	}

	extentBlocks := decodeU64(it.Key())
	extentStart := decodeU64(it.Value())
	it.End() // release the read lock before mutating

	if err := a.removeFreeExtent(extentStart, extentBlocks); err != nil {
		return err
	}

	take := extentBlocks
	if take > want {
		take = want
	}
	remainder := extentBlocks - take
	if remainder > 0 {
		if err := a.insertFreeExtent(extentStart+take, remainder); err != nil {
			return err
		}
	}

	if !a.chunk.Empty() {
		// fold any leftover chunk back into the free pool rather than
		// leaking it, since the allocator never frees in line otherwise.
		if err := a.insertFreeExtent(a.chunk.Offset, a.chunk.Size); err != nil {
			return err
		}
	}

	a.chunk = types.ChunkInfo{Offset: extentStart, Size: take}
	return nil
}

// Chunk returns a snapshot of the allocator's current cached run, for
// diagnostics and tests.
func (a *Allocator) Chunk() types.ChunkInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chunk
}

// Reserve pre-allocates blocks as one run through Alloc (spec.md §4.7
// step 5: "The allocator must not re-enter itself here"). It returns a
// Reservation that hands out blocks from that private pool instead of
// the size tree.
func (a *Allocator) Reserve(blocks uint64) (*Reservation, error) {
	ptr, err := a.Alloc(blocks * uint64(a.blockSize))
	if err != nil {
		return nil, fmt.Errorf("allocator: reserve %d blocks: %w", blocks, err)
	}
	return &Reservation{start: ptr.Offset, remaining: blocks, blockSize: a.blockSize, epoch: a.epoch}, nil
}

// Reservation is a private, pre-allocated run; drawing from it never
// calls back into Alloc (and so never touches the size tree). The
// checkpoint path takes a Reservation before flushing the allocator
// trees but does not draw from it: that flush writes the tree nodes at
// the blocks they already occupy.
type Reservation struct {
	start     uint64
	remaining uint64
	blockSize uint32
	epoch     func() uint64
}

// AllocBlock satisfies btree.BlockAllocator by drawing from the
// reservation instead of the size tree.
func (r *Reservation) AllocBlock() (types.DiskPtr, error) {
	if r.remaining == 0 {
		return types.DiskPtr{}, fmt.Errorf("allocator: reservation exhausted: %w", slserr.ErrNoSpace)
	}
	ep := uint64(0)
	if r.epoch != nil {
		ep = r.epoch()
	}
	p := types.DiskPtr{Offset: r.start, Size: uint64(r.blockSize), Epoch: ep}
	r.start++
	r.remaining--
	return p, nil
}

// Remaining reports how many blocks are still unused in the reservation.
func (r *Reservation) Remaining() uint64 { return r.remaining }

var _ btree.BlockAllocator = (*Allocator)(nil)
var _ btree.BlockAllocator = (*Reservation)(nil)
