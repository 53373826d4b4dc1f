// Package checkpoint implements the superblock rotation sequence and the
// background syncer daemon (spec.md §2 component I, §4.7).
//
// Grounded on internal/managers/container/container_checkpoint_manager.go's
// accessor-over-a-mutable-struct pattern (CheckpointDescriptorBase /
// Next / Index / Length inform the ring-slot bookkeeping here) and
// internal/services/checkpoint_discovery_service.go's scan-and-pick-newest
// shape, mirrored below by Ring.Scan and reused again by package mount
// at recovery time.
package checkpoint

import (
	"fmt"
	"sync"
	"time"

	"github.com/rcslab/aurora-sub001/internal/allocator"
	"github.com/rcslab/aurora-sub001/internal/btree"
	"github.com/rcslab/aurora-sub001/internal/buffer"
	"github.com/rcslab/aurora-sub001/internal/device"
	"github.com/rcslab/aurora-sub001/internal/inode"
	"github.com/rcslab/aurora-sub001/internal/radix"
	"github.com/rcslab/aurora-sub001/internal/types"
)

// Ring reads and writes the fixed-size array of superblock slots at the
// head of the device (spec.md §6 "superblock array").
type Ring struct {
	dev  device.Device
	size uint32
}

// NewRing wraps dev's superblock ring of size slots.
func NewRing(dev device.Device, size uint32) *Ring {
	return &Ring{dev: dev, size: size}
}

// Size returns the number of slots in the ring.
func (r *Ring) Size() uint32 { return r.size }

func (r *Ring) slotOffset(i uint32) int64 { return int64(i) * int64(types.SectorSize) }

// Read decodes the superblock at slot i.
func (r *Ring) Read(i uint32) (types.Superblock, error) {
	raw, err := r.dev.ReadAt(r.slotOffset(i), types.SectorSize)
	if err != nil {
		return types.Superblock{}, fmt.Errorf("checkpoint: ring read slot %d: %w", i, err)
	}
	return types.GetSuperblock(raw[:types.SuperblockSize]), nil
}

// Write encodes and writes sb into slot i.
func (r *Ring) Write(i uint32, sb types.Superblock) error {
	raw := make([]byte, types.SectorSize)
	types.PutSuperblock(raw[:types.SuperblockSize], sb)
	if err := r.dev.WriteAt(r.slotOffset(i), raw); err != nil {
		return fmt.Errorf("checkpoint: ring write slot %d: %w", i, err)
	}
	return nil
}

// Scan reads every slot and returns the one with the greatest valid
// epoch (spec.md §4.8 step 3 "head superblock"). ok is false if no slot
// is valid (first mount).
func (r *Ring) Scan() (sb types.Superblock, slot uint32, ok bool, err error) {
	var best types.Superblock
	var bestSlot uint32
	found := false

	for i := uint32(0); i < r.size; i++ {
		cand, err := r.Read(i)
		if err != nil {
			return types.Superblock{}, 0, false, err
		}
		if !cand.Valid() {
			continue
		}
		if !found || cand.Epoch > best.Epoch {
			best, bestSlot, found = cand, i, true
		}
	}
	return best, bestSlot, found, nil
}

// Logger receives the operator-visible messages spec.md §4.7 calls for
// ("an operator-visible log message is emitted"). log.Logger satisfies
// this trivially; a nil Logger in Config silences them.
type Logger interface {
	Printf(format string, args ...any)
}

// Coordinator drives the checkpoint sequence of spec.md §4.7 over an
// already-mounted filesystem's live objects.
type Coordinator struct {
	dev   device.Device
	ring  *Ring
	bm    *buffer.Manager
	inos  *inode.Manager
	alloc *allocator.Allocator
	log   Logger

	indexObj  buffer.ObjectID
	offsetObj buffer.ObjectID
	sizeObj   buffer.ObjectID

	checksumObj buffer.ObjectID
	checksums   *btree.Tree // nil when checksum_enabled is false

	mu    sync.Mutex
	epoch uint64

	attemptedUnchanged uint64
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.log != nil {
		c.log.Printf(format, args...)
	}
}

// Config bundles the live objects a Coordinator drives a checkpoint
// across. IndexObject/OffsetObject/SizeObject are the buffer object ids
// the inode index and the two allocator trees were opened under (always
// identity-addressed metadata objects, per package buffer's Registry
// default).
type Config struct {
	Device          device.Device
	Ring            *Ring
	Buffers         *buffer.Manager
	Inodes          *inode.Manager
	Allocator       *allocator.Allocator
	IndexObject  buffer.ObjectID
	OffsetObject buffer.ObjectID
	SizeObject   buffer.ObjectID

	// ChecksumObject/Checksums are set only when checksum_enabled is on;
	// Checksums is the already-open block-offset -> Fletcher64 tree the
	// cow.Writer is also stamping as it writes (see internal/mount).
	ChecksumObject buffer.ObjectID
	Checksums      *btree.Tree

	StartEpoch uint64
	Logger     Logger
}

// New constructs a Coordinator positioned at cfg.StartEpoch.
func New(cfg Config) *Coordinator {
	return &Coordinator{
		dev:         cfg.Device,
		ring:        cfg.Ring,
		bm:          cfg.Buffers,
		inos:        cfg.Inodes,
		alloc:       cfg.Allocator,
		indexObj:    cfg.IndexObject,
		offsetObj:   cfg.OffsetObject,
		sizeObj:     cfg.SizeObject,
		checksumObj: cfg.ChecksumObject,
		checksums:   cfg.Checksums,
		epoch:       cfg.StartEpoch,
		log:         cfg.Logger,
	}
}

// Epoch returns the last committed epoch.
func (c *Coordinator) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// AttemptedUnchanged reports how many Run calls found nothing dirty
// (spec.md §4.7 "an 'attempted but unchanged' counter is bumped").
func (c *Coordinator) AttemptedUnchanged() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attemptedUnchanged
}

// Run executes one checkpoint (spec.md §4.7 steps 1-7). Concurrent
// callers serialize through mu, matching the single filesystem-state
// lock spec.md §5 describes for the "in-flux" transition.
func (c *Coordinator) Run() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dirtyAny := false

	// Steps 2-3: sync file data and per-inode metadata for every open inode.
	for _, ino := range c.inos.OpenInodes() {
		dataObj := radix.DataObject(ino.ID())

		if len(c.bm.DirtyBuffers(dataObj)) == 0 {
			continue
		}
		dirtyAny = true

		if err := c.bm.FlushObject(dataObj); err != nil {
			return fmt.Errorf("checkpoint: flush inode %d data: %w", ino.ID(), err)
		}
		if err := c.bm.FlushObject(radix.MetaObject(ino.ID())); err != nil {
			return fmt.Errorf("checkpoint: flush inode %d radix nodes: %w", ino.ID(), err)
		}
		if err := c.inos.SyncRecord(ino); err != nil {
			return fmt.Errorf("checkpoint: sync inode %d record: %w", ino.ID(), err)
		}
	}

	if !dirtyAny {
		c.attemptedUnchanged++
		c.logf("checkpoint: epoch %d attempted, nothing dirty (%d total)", c.epoch, c.attemptedUnchanged)
		return nil
	}

	newEpoch := c.epoch + 1

	// Step 4: sync the inode index itself.
	if err := c.bm.FlushObject(c.indexObj); err != nil {
		return fmt.Errorf("checkpoint: flush inode index: %w", err)
	}
	inodeIndexRoot := types.DiskPtr{Offset: c.inos.Index().Root(), Size: types.BlockSize, Epoch: newEpoch}

	// Step 5: reserve a run of blocks, then flush the two allocator
	// trees. The flush does not draw from the reservation: FlushObject
	// writes the tree nodes at the blocks they already occupy.
	if _, err := c.alloc.Reserve(estimateAllocatorBlocks(c.alloc)); err != nil {
		return fmt.Errorf("checkpoint: reserve allocator flush blocks: %w", err)
	}
	if err := c.bm.FlushObject(c.offsetObj); err != nil {
		return fmt.Errorf("checkpoint: flush allocator offset tree: %w", err)
	}
	if err := c.bm.FlushObject(c.sizeObj); err != nil {
		return fmt.Errorf("checkpoint: flush allocator size tree: %w", err)
	}

	offsetRoot := types.DiskPtr{Offset: c.alloc.OffsetTree().Root(), Size: types.BlockSize, Epoch: newEpoch}
	sizeRoot := types.DiskPtr{Offset: c.alloc.SizeTree().Root(), Size: types.BlockSize, Epoch: newEpoch}

	// Step 6: write the new superblock with a barrier.
	sb := types.Superblock{
		Magic:           types.SuperblockMagic,
		FSBlockSize:     types.BlockSize,
		SectorSize:      types.SectorSize,
		TotalBlocks:     c.dev.TotalBlocks(),
		Epoch:           newEpoch,
		SlotIndex:       uint32(newEpoch % uint64(c.ring.Size())),
		InodeIndexRoot:  inodeIndexRoot,
		AllocOffsetRoot: offsetRoot,
		AllocSizeRoot:   sizeRoot,
	}
	if c.checksums != nil {
		if err := c.bm.FlushObject(c.checksumObj); err != nil {
			return fmt.Errorf("checkpoint: flush checksum tree: %w", err)
		}
		sb.ChecksumTreeRoot = types.DiskPtr{Offset: c.checksums.Root(), Size: types.BlockSize, Epoch: newEpoch}
		sb.Flags |= 1
	}

	if err := c.ring.Write(sb.SlotIndex, sb); err != nil {
		return fmt.Errorf("checkpoint: write superblock: %w", err)
	}
	if err := c.dev.Barrier(); err != nil {
		return fmt.Errorf("checkpoint: barrier: %w", err)
	}

	// Step 7: advance.
	c.epoch = newEpoch
	c.logf("checkpoint: committed epoch %d at ring slot %d", newEpoch, sb.SlotIndex)
	return nil
}

// estimateAllocatorBlocks returns how many blocks to reserve before the
// allocator's two trees are flushed. It returns a fixed 8 in every case:
// neither the cached chunk size nor the trees' dirty-node counts change
// the result, and package btree exposes no dirty-node count.
func estimateAllocatorBlocks(a *allocator.Allocator) uint64 {
	const floor = 8
	if c := a.Chunk(); c.Size > 0 && c.Size < floor {
		return floor
	}
	return floor
}

// Syncer runs Coordinator.Run on a fixed period, coalescing concurrent
// wake requests into a single in-flight checkpoint (spec.md §4.7
// "Syncer daemon").
type Syncer struct {
	coord  *Coordinator
	period time.Duration
	done   chan struct{}

	mu      sync.Mutex
	cond    *sync.Cond
	pending bool
	syncing bool
	exit    bool
	lastErr error
}

// NewSyncer creates a syncer that runs a checkpoint every period.
func NewSyncer(coord *Coordinator, period time.Duration) *Syncer {
	s := &Syncer{coord: coord, period: period, done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Run blocks, periodically checkpointing, until Stop is called. Intended
// to be launched with `go syncer.Run()` at mount.
func (s *Syncer) Run() {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ticker.C:
				s.Wake()
			case <-s.done:
				return
			}
		}
	}()

	for {
		s.mu.Lock()
		for !s.pending && !s.exit {
			s.cond.Wait()
		}
		if s.exit && !s.pending {
			s.mu.Unlock()
			return
		}
		s.pending = false
		s.syncing = true
		s.mu.Unlock()

		err := s.coord.Run()

		s.mu.Lock()
		s.syncing = false
		s.lastErr = err
		exitNow := s.exit
		s.cond.Broadcast()
		s.mu.Unlock()

		if exitNow {
			return
		}
	}
}

// Wake schedules a checkpoint if one is not already pending.
func (s *Syncer) Wake() {
	s.mu.Lock()
	s.pending = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// WakeAndWait schedules a checkpoint and blocks until it completes,
// returning its error.
func (s *Syncer) WakeAndWait() error {
	s.mu.Lock()
	s.pending = true
	s.cond.Broadcast()
	for s.pending || s.syncing {
		s.cond.Wait()
	}
	err := s.lastErr
	s.mu.Unlock()
	return err
}

// Stop requests the syncer goroutine exit after performing one final
// checkpoint (spec.md §4.8 "on unmount... tell the syncer to checkpoint
// and exit").
func (s *Syncer) Stop() error {
	err := s.WakeAndWait()
	s.mu.Lock()
	s.exit = true
	s.cond.Broadcast()
	s.mu.Unlock()
	close(s.done)
	return err
}
