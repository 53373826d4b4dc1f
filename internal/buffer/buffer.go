// Package buffer implements the buffer manager (spec.md §2 component B,
// §4.5): pin/unpin of logical blocks, dirty tracking, and the strategy
// hook that resolves a file's logical block to a physical block through
// its radix tree at I/O time.
//
// Grounded on internal/interfaces/block_device.go's BlockCache interface
// (GetBlock/PutBlock/InvalidateBlock/FlushCache/CacheStatistics),
// generalized here from a read cache into a read/write manager with
// dirty lists per spec.md §4.5's contract.
package buffer

import (
	"fmt"
	"sync"

	"github.com/rcslab/aurora-sub001/internal/device"
	"github.com/rcslab/aurora-sub001/internal/slserr"
)

// ObjectID identifies the owner of a buffer for flush and strategy
// purposes: a tree/file's inode id, or a reserved id for allocator and
// inode-index metadata.
type ObjectID uint64

// Strategy resolves a (object, logical block) pair to a physical block
// for I/O. Implemented by package radix on behalf of each inode's data
// map, and trivially (identity) by metadata trees whose "logical" and
// physical addressing coincide.
type Strategy interface {
	// Resolve returns the physical block backing logical block lblk of
	// object obj. ok is false if there is no mapping: the buffer
	// manager zeroes the buffer for a read and the caller (the COW path)
	// is responsible for allocating and inserting before writing.
	Resolve(obj ObjectID, lblk uint64) (pblk uint64, ok bool)
}

// Buffer is a pinned, in-memory copy of one physical block plus the
// bookkeeping spec.md §4.5 requires: owning object identity, a handle
// back to the tree-node object that owns it, and whether it is
// "managed" (exempt from background eviction while a tree holds it).
type Buffer struct {
	mgr *Manager

	Object  ObjectID
	Logical uint64 // logical block number within Object
	Phys    uint64 // current physical block; may change across a COW relocation

	Data []byte

	// Node is an opaque back-pointer the owning tree/radix package
	// stashes here so it can recover its in-memory node representation
	// from a buffer it just pinned, per spec.md §4.5(b).
	Node any

	mu      sync.Mutex
	dirty   bool
	managed bool
	pins    int
}

func (b *Buffer) Lock()   { b.mu.Lock() }
func (b *Buffer) Unlock() { b.mu.Unlock() }

// Manager is the buffer manager. One Manager instance is shared by every
// tree and inode in a mounted filesystem.
type Manager struct {
	dev       device.Device
	strategy  Strategy
	blockSize uint32

	mu      sync.Mutex
	cache   map[key]*Buffer
	dirty   map[ObjectID]map[key]*Buffer
}

type key struct {
	obj  ObjectID
	lblk uint64
}

// NewManager creates a buffer manager over dev, consulting strategy to
// resolve logical-to-physical mappings at I/O time.
func NewManager(dev device.Device, strategy Strategy) *Manager {
	return &Manager{
		dev:       dev,
		strategy:  strategy,
		blockSize: dev.BlockSize(),
		cache:     make(map[key]*Buffer),
		dirty:     make(map[ObjectID]map[key]*Buffer),
	}
}

// Get pins the buffer for (obj, lblk), reading it from the device if not
// already cached. size is validated against the manager's block size;
// SLOS buffers are always exactly one block.
func (m *Manager) Get(obj ObjectID, lblk uint64, size uint32) (*Buffer, error) {
	if size != m.blockSize {
		return nil, fmt.Errorf("buffer: get size %d != block size %d", size, m.blockSize)
	}
	k := key{obj, lblk}

	m.mu.Lock()
	if b, ok := m.cache[k]; ok {
		b.pins++
		m.mu.Unlock()
		return b, nil
	}
	m.mu.Unlock()

	pblk, ok := m.strategy.Resolve(obj, lblk)
	data := device.ZeroBlock(m.blockSize)
	if ok {
		var strategyErr error
		m.dev.Strategy(pblk, data, false, func(err error) { strategyErr = err })
		if strategyErr != nil {
			return nil, fmt.Errorf("buffer: read obj=%d lblk=%d pblk=%d: %w", obj, lblk, pblk, strategyErr)
		}
	}
	// else: sparse read, buffer stays zeroed (spec.md §4.5).

	b := &Buffer{mgr: m, Object: obj, Logical: lblk, Phys: pblk, Data: data, pins: 1}

	m.mu.Lock()
	if existing, raced := m.cache[k]; raced {
		existing.pins++
		m.mu.Unlock()
		return existing, nil
	}
	m.cache[k] = b
	m.mu.Unlock()
	return b, nil
}

// Unpin releases a reference taken by Get. Buffers with no pins remain
// cached until Invalidate or process exit; there is no background
// LRU in this implementation, matching the "sized for working-set
// performance, not correctness" note of spec.md §5.
func (m *Manager) Unpin(b *Buffer) {
	m.mu.Lock()
	if b.pins > 0 {
		b.pins--
	}
	m.mu.Unlock()
}

// SetManaged marks b so it is never reclaimed while a tree holds it
// (spec.md §4.6 step 1).
func (m *Manager) SetManaged(b *Buffer) {
	b.mu.Lock()
	b.managed = true
	b.mu.Unlock()
}

// MarkDirty flags b for write-back at the next flush.
func (m *Manager) MarkDirty(b *Buffer) {
	b.mu.Lock()
	b.dirty = true
	b.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.dirty[b.Object]
	if !ok {
		set = make(map[key]*Buffer)
		m.dirty[b.Object] = set
	}
	set[key{b.Object, b.Logical}] = b
}

// WriteDelayed behaves like MarkDirty but additionally hints that the
// buffer manager should prefer writing this buffer out early (spec.md
// §4.5). The in-process implementation has no write-out scheduler of its
// own to hint, so it is dirty-tracking identical to MarkDirty; the
// distinction exists so callers mirror spec.md's vocabulary and so a
// future scheduler has a seam to hook into.
func (m *Manager) WriteDelayed(b *Buffer) { m.MarkDirty(b) }

// Invalidate discards b without writing it back.
func (m *Manager) Invalidate(b *Buffer) {
	k := key{b.Object, b.Logical}
	m.mu.Lock()
	delete(m.cache, k)
	if set, ok := m.dirty[b.Object]; ok {
		delete(set, k)
	}
	m.mu.Unlock()
}

// DirtyBuffers returns the current dirty list for obj, in unspecified
// order; the checkpoint path walks this per spec.md §4.7 step 2.
func (m *Manager) DirtyBuffers(obj ObjectID) []*Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.dirty[obj]
	if !ok {
		return nil
	}
	out := make([]*Buffer, 0, len(set))
	for _, b := range set {
		out = append(out, b)
	}
	return out
}

// FlushObject synchronously forces every dirty buffer of obj to the
// device at its current physical address, then clears their dirty bit.
// Callers that need to relocate blocks (the COW path) must do so before
// calling FlushObject, since this call writes buffers to Phys as it
// finds them.
func (m *Manager) FlushObject(obj ObjectID) error {
	for _, b := range m.DirtyBuffers(obj) {
		b.mu.Lock()
		phys := b.Phys
		data := b.Data
		b.mu.Unlock()

		if phys == 0 {
			return fmt.Errorf("buffer: flush obj=%d lblk=%d: %w: no physical block assigned", obj, b.Logical, slserr.ErrCorrupt)
		}

		var writeErr error
		m.dev.Strategy(phys, data, true, func(err error) { writeErr = err })
		if writeErr != nil {
			return fmt.Errorf("buffer: flush obj=%d lblk=%d: %w", obj, b.Logical, writeErr)
		}

		b.mu.Lock()
		b.dirty = false
		b.mu.Unlock()
	}

	m.mu.Lock()
	delete(m.dirty, obj)
	m.mu.Unlock()
	return nil
}

// Relocate updates a buffer's physical address, used by the checkpoint
// path once it has allocated a fresh block for a COW'd buffer (spec.md
// §4.7 step 2: "set the buffer's physical block to the new location").
func (b *Buffer) Relocate(pblk uint64) {
	b.mu.Lock()
	b.Phys = pblk
	b.mu.Unlock()
}

// IdentityStrategy resolves a logical block to itself. Every metadata
// object in SLOS (the inode index, the allocator's two trees, the
// optional checksum tree) is addressed directly by physical block
// number, so its buffers use this strategy rather than carrying an
// indirection map of their own.
type IdentityStrategy struct{}

func (IdentityStrategy) Resolve(obj ObjectID, lblk uint64) (uint64, bool) { return lblk, true }

// Registry dispatches resolution per object, falling back to identity
// addressing. A single buffer Manager is shared process-wide, but each
// open file's data object needs its own radix-tree-backed Strategy while
// every metadata object (the inode index, both allocator trees, the
// inode records themselves) is identity-mapped; Registry lets package
// inode register and unregister per-file strategies as inodes are
// opened and closed without handing every object its own Manager.
type Registry struct {
	mu   sync.Mutex
	subs map[ObjectID]Strategy
}

// NewRegistry returns an empty Registry; unregistered objects resolve
// identically.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[ObjectID]Strategy)}
}

// Register installs s as the resolver for obj.
func (r *Registry) Register(obj ObjectID, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[obj] = s
}

// Unregister removes obj's resolver, reverting it to identity
// addressing (called once a file's last in-memory handle is closed).
func (r *Registry) Unregister(obj ObjectID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, obj)
}

// Resolve implements Strategy.
func (r *Registry) Resolve(obj ObjectID, lblk uint64) (uint64, bool) {
	r.mu.Lock()
	s, ok := r.subs[obj]
	r.mu.Unlock()
	if !ok {
		return lblk, true
	}
	return s.Resolve(obj, lblk)
}

var _ Strategy = (*Registry)(nil)
var _ Strategy = IdentityStrategy{}
var _ = (*Manager)(nil)
