// Package inode implements the inode object and the inode-indexing
// B+tree (spec.md §2 components F and G, §4.4).
//
// Grounded on internal/types/general_types.go's struct-embedding style
// for wrapping an on-disk record with live handles, and
// apfs/pkg/container/omap.go's object-map pattern (id -> block location
// layered over a B+tree), adapted here to hold a direct disk pointer to
// a one-block inode record rather than a versioned omap entry, since
// spec.md's inode tree has no snapshot history to track.
package inode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rcslab/aurora-sub001/internal/btree"
	"github.com/rcslab/aurora-sub001/internal/buffer"
	"github.com/rcslab/aurora-sub001/internal/radix"
	"github.com/rcslab/aurora-sub001/internal/slserr"
	"github.com/rcslab/aurora-sub001/internal/types"
)

// recordObject is the buffer object id that every on-disk inode record
// block is cached under. Inode record blocks are identity-addressed, so
// they share one object distinct from any file's data or radix-node
// objects.
const recordObject = buffer.ObjectID(0)

func encodeID(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func decodeID(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

// Inode is an in-memory handle bundling the on-disk record with a
// lazily-opened data radix tree (spec.md §2 component G).
type Inode struct {
	mgr *Manager

	mu   sync.Mutex
	rec  types.Inode
	recPtr types.DiskPtr // block holding the on-disk record

	data *radix.Radix // lazily opened; nil until first data access

	refs int
}

// Record returns a copy of the inode's current on-disk fields.
func (ino *Inode) Record() types.Inode {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return ino.rec
}

// ID returns the inode's identifier.
func (ino *Inode) ID() uint64 { return ino.rec.ID }

// GrowSize extends the inode's reported size to cover a write ending at
// byte offset end, and refreshes mtime (spec.md §4.5's "extend on
// write" behavior implied by the S1/S2 scenarios).
func (ino *Inode) GrowSize(end uint64) {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	if end > ino.rec.Size {
		ino.rec.Size = end
		ino.rec.SizeBlks = (end + types.BlockSize - 1) / types.BlockSize
	}
	ino.rec.Mtime = nowTimespec()
}

// Data returns the lazily-opened data radix tree, registering it with
// the shared buffer manager's strategy registry so reads and writes of
// this file's data object resolve through it.
func (ino *Inode) Data() *radix.Radix {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	if ino.data == nil {
		ino.data = radix.Open(ino.mgr.bm, ino.rec.ID, ino.mgr.alloc, ino.rec.Data)
		ino.data.OnRootChange(func(p types.DiskPtr) {
			ino.mu.Lock()
			ino.rec.Data = p
			ino.mu.Unlock()
		})
		if ino.mgr.registry != nil {
			ino.mgr.registry.Register(radix.DataObject(ino.rec.ID), ino.data)
		}
	}
	return ino.data
}

// Manager owns the inode index B+tree and the in-memory inode cache
// (spec.md §4.4).
type Manager struct {
	bm       *buffer.Manager
	alloc    btree.BlockAllocator
	index    *btree.Tree
	registry *buffer.Registry

	mu     sync.Mutex
	open   map[uint64]*Inode
	nextID uint64
}

// New wraps an already-open inode index tree (key = 8-byte id, value =
// DiskPtr to the inode's on-disk block).
func New(bm *buffer.Manager, alloc btree.BlockAllocator, index *btree.Tree, registry *buffer.Registry) *Manager {
	return &Manager{
		bm:       bm,
		alloc:    alloc,
		index:    index,
		registry: registry,
		open:     make(map[uint64]*Inode),
		nextID:   types.SystemInodeLimit + 1,
	}
}

// Index exposes the backing B+tree for checkpoint flush.
func (m *Manager) Index() *btree.Tree { return m.index }

func nowTimespec() types.Timespec {
	now := time.Now()
	return types.Timespec{Sec: now.Unix(), Nsec: int32(now.Nanosecond())}
}

// Icreate allocates a fresh on-disk inode record for id and inserts it
// into the index, failing with ErrExists if id is already present
// (spec.md §4.4 "icreate").
func (m *Manager) Icreate(id uint64, mode uint32) (*Inode, error) {
	if _, err := m.index.Get(encodeID(id)); err == nil {
		return nil, fmt.Errorf("inode: icreate %d: %w", id, slserr.ErrExists)
	} else if !errors.Is(err, slserr.ErrNotFound) {
		return nil, err
	}

	ptr, err := m.alloc.AllocBlock()
	if err != nil {
		return nil, fmt.Errorf("inode: icreate %d: allocate record block: %w", id, err)
	}

	ts := nowTimespec()
	rec := types.Inode{
		ID:    id,
		Mode:  mode,
		Nlink: 1,
		Magic: types.InodeMagic,
		Ctime: ts,
		Mtime: ts,
		Atime: ts,
		Btime: ts,
		Data:  types.NullPtr,
	}

	if err := m.writeRecord(ptr, rec); err != nil {
		return nil, err
	}

	if err := m.index.Insert(encodeID(id), encodeDiskPtr(ptr)); err != nil {
		return nil, fmt.Errorf("inode: icreate %d: index insert: %w", id, err)
	}

	ino := &Inode{mgr: m, rec: rec, recPtr: ptr, refs: 1}
	m.mu.Lock()
	m.open[id] = ino
	m.mu.Unlock()
	return ino, nil
}

// CreateOrOpen behaves like Icreate but opens the existing inode instead
// of failing if id is already present (spec.md §4.4: "if a specific id
// is requested and already exists, the caller receives success").
func (m *Manager) CreateOrOpen(id uint64, mode uint32) (*Inode, error) {
	ino, err := m.Icreate(id, mode)
	if err == nil {
		return ino, nil
	}
	if !isExists(err) {
		return nil, err
	}
	return m.Iopen(id)
}

// Create allocates the next available regular-inode id from the
// process-wide monotonic, dense-range generator and creates it (spec.md
// §4.4's id-generation rule).
func (m *Manager) Create(mode uint32) (*Inode, error) {
	for {
		m.mu.Lock()
		id := m.nextID
		m.nextID++
		m.mu.Unlock()

		ino, err := m.Icreate(id, mode)
		if err == nil {
			return ino, nil
		}
		if !isExists(err) {
			return nil, err
		}
		// id already taken (e.g. bootstrap reserved it); advance and retry.
	}
}

// Iopen looks up id in the index and returns its in-memory handle,
// reusing a cached one if already open (spec.md §4.4 "iopen").
func (m *Manager) Iopen(id uint64) (*Inode, error) {
	m.mu.Lock()
	if ino, ok := m.open[id]; ok {
		ino.refs++
		m.mu.Unlock()
		return ino, nil
	}
	m.mu.Unlock()

	val, err := m.index.Get(encodeID(id))
	if err != nil {
		return nil, fmt.Errorf("inode: iopen %d: %w", id, err)
	}
	ptr := decodeDiskPtr(val)

	rec, err := m.readRecord(ptr)
	if err != nil {
		return nil, fmt.Errorf("inode: iopen %d: %w", id, err)
	}
	if rec.Magic != types.InodeMagic {
		return nil, fmt.Errorf("inode: iopen %d: %w", id, slserr.ErrCorrupt)
	}

	ino := &Inode{mgr: m, rec: rec, recPtr: ptr, refs: 1}
	m.mu.Lock()
	if existing, raced := m.open[id]; raced {
		existing.refs++
		m.mu.Unlock()
		return existing, nil
	}
	m.open[id] = ino
	m.mu.Unlock()
	return ino, nil
}

// Iclose drops a reference taken by Icreate/Iopen, evicting the
// in-memory handle once no holder remains (spec.md §4.4).
func (m *Manager) Iclose(ino *Inode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ino.refs--
	if ino.refs > 0 {
		return
	}
	delete(m.open, ino.rec.ID)
	if m.registry != nil {
		m.registry.Unregister(radix.DataObject(ino.rec.ID))
	}
}

// Iremove is not implemented in the core (spec.md §4.4 "iremove").
func (m *Manager) Iremove(id uint64) error {
	return fmt.Errorf("inode: iremove %d: %w", id, slserr.ErrUnsupported)
}

// SyncRecord writes ino's current in-memory record to a freshly
// allocated block and updates the index to point at it, per spec.md
// §4.7 step 3 ("write the inode record itself to a freshly allocated
// block"). It is the checkpoint path's responsibility to call this only
// after the inode's data radix tree has itself been flushed, so rec.Data
// already names the new root.
func (m *Manager) SyncRecord(ino *Inode) error {
	ino.mu.Lock()
	rec := ino.rec
	ino.mu.Unlock()

	ptr, err := m.alloc.AllocBlock()
	if err != nil {
		return fmt.Errorf("inode: sync record %d: allocate block: %w", rec.ID, err)
	}
	if err := m.writeRecord(ptr, rec); err != nil {
		return err
	}
	if err := m.index.Replace(encodeID(rec.ID), encodeDiskPtr(ptr)); err != nil {
		return fmt.Errorf("inode: sync record %d: index replace: %w", rec.ID, err)
	}

	ino.mu.Lock()
	ino.recPtr = ptr
	ino.mu.Unlock()
	return nil
}

// OpenInodes returns the currently cached in-memory handles, for the
// checkpoint path to walk (spec.md §4.7 step 3 iterates "each in-core
// inode with dirty data buffers").
func (m *Manager) OpenInodes() []*Inode {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Inode, 0, len(m.open))
	for _, ino := range m.open {
		out = append(out, ino)
	}
	return out
}

func isExists(err error) bool { return errors.Is(err, slserr.ErrExists) }

// FormatRecord writes rec to the fixed block ptr, bypassing the index and
// the in-memory cache. Package mount uses this once, at first-mount
// bootstrap, to place the handful of system inode records (inode-index,
// the two allocator inodes, the checksum-tree inode) at the well-known
// offsets spec.md §6 reserves for them, before a Manager exists to drive
// Icreate.
func FormatRecord(bm *buffer.Manager, ptr types.DiskPtr, rec types.Inode) error {
	b, err := bm.Get(recordObject, ptr.Offset, uint32(ptr.Size))
	if err != nil {
		return fmt.Errorf("inode: format record %d: %w", rec.ID, err)
	}
	b.Lock()
	types.PutInode(b.Data[:types.InodeSize], rec)
	b.Unlock()
	bm.SetManaged(b)
	bm.MarkDirty(b)
	bm.Unpin(b)
	return nil
}

// ReadRecordAt reads the on-disk inode record at ptr, bypassing the index.
func ReadRecordAt(bm *buffer.Manager, ptr types.DiskPtr) (types.Inode, error) {
	b, err := bm.Get(recordObject, ptr.Offset, uint32(ptr.Size))
	if err != nil {
		return types.Inode{}, err
	}
	b.Lock()
	rec := types.GetInode(b.Data[:types.InodeSize])
	b.Unlock()
	bm.Unpin(b)
	return rec, nil
}

func (m *Manager) writeRecord(ptr types.DiskPtr, rec types.Inode) error {
	b, err := m.bm.Get(recordObject, ptr.Offset, uint32(ptr.Size))
	if err != nil {
		return fmt.Errorf("inode: write record %d: %w", rec.ID, err)
	}
	b.Lock()
	types.PutInode(b.Data[:types.InodeSize], rec)
	b.Unlock()
	m.bm.SetManaged(b)
	m.bm.MarkDirty(b)
	m.bm.Unpin(b)
	if err := m.bm.FlushObject(recordObject); err != nil {
		return fmt.Errorf("inode: write record %d: %w", rec.ID, err)
	}
	return nil
}

func (m *Manager) readRecord(ptr types.DiskPtr) (types.Inode, error) {
	b, err := m.bm.Get(recordObject, ptr.Offset, uint32(ptr.Size))
	if err != nil {
		return types.Inode{}, err
	}
	b.Lock()
	rec := types.GetInode(b.Data[:types.InodeSize])
	b.Unlock()
	m.bm.Unpin(b)
	return rec, nil
}

func encodeDiskPtr(p types.DiskPtr) []byte {
	b := make([]byte, types.DiskPtrSize)
	types.PutDiskPtr(b, p)
	return b
}

func decodeDiskPtr(b []byte) types.DiskPtr { return types.GetDiskPtr(b) }
