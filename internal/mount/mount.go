// Package mount implements the process-wide slos singleton: device open,
// first-mount bootstrap, crash recovery, and unmount (spec.md §2 component
// J, §4.8, §9 "a once-initialized singleton passed by reference").
//
// Grounded on spec.md §4.8 and §6's on-disk layout directly (the teacher
// has no analogous live-mount path, only read-only image parsing); the
// state-enum-plus-lock shape follows spec.md §5's lock-ordering list
// ("filesystem state lock... taken for transitions") rendered as a plain
// mutex-guarded field, matching the teacher's preference for explicit
// locks over a state-machine library.
package mount

import (
	"fmt"
	"sync"
	"time"

	"github.com/rcslab/aurora-sub001/internal/allocator"
	"github.com/rcslab/aurora-sub001/internal/btree"
	"github.com/rcslab/aurora-sub001/internal/buffer"
	"github.com/rcslab/aurora-sub001/internal/checkpoint"
	"github.com/rcslab/aurora-sub001/internal/checksum"
	"github.com/rcslab/aurora-sub001/internal/cow"
	"github.com/rcslab/aurora-sub001/internal/device"
	"github.com/rcslab/aurora-sub001/internal/inode"
	"github.com/rcslab/aurora-sub001/internal/types"
)

// State is the filesystem-wide mount state (spec.md §5 lock #1: "Protects
// the mount-state enum").
type State int

const (
	Unmounted State = iota
	InFlux
	Mounted
	// SnapChange is named by spec.md §5 but no snapshot feature exists in
	// this core; it is reserved for a future snapshot-rotation
	// transition and is never entered here.
	SnapChange
)

func (s State) String() string {
	switch s {
	case Unmounted:
		return "unmounted"
	case InFlux:
		return "in-flux"
	case Mounted:
		return "mounted"
	case SnapChange:
		return "snap-change"
	default:
		return "unknown"
	}
}

// Well-known buffer object ids for the fixed set of metadata trees. These
// double as the system inode identifiers of spec.md §4.4: the inode index,
// the two allocator trees, and the checksum tree never collide with a
// regular file's radix.MetaObject/DataObject space because those are keyed
// by inode id and every regular id is drawn from above
// types.SystemInodeLimit, while the ids here are 1-4.
const (
	indexObj    = buffer.ObjectID(types.InodeIndexID)
	offsetObj   = buffer.ObjectID(types.AllocOffsetID)
	sizeObj     = buffer.ObjectID(types.AllocSizeID)
	checksumObj = buffer.ObjectID(types.ChecksumTreeID)
)

// Config carries everything Mount needs: device geometry (for a freshly
// created image) and the tunables of spec.md §6.
type Config struct {
	DevicePath   string
	DeviceBlocks uint64 // total device size in blocks; device.Open extends the file to fit
	RingSize     uint32 // default types.RingSize

	CheckpointPeriod  time.Duration // default 100ms, spec.md §6 "checkpointtime"
	AmortizationChunk uint64        // default allocator.DefaultAmortizationChunk
	ChecksumEnabled   bool
	CountOpenedBytes  bool // spec.md §6 sysctl: track the combined size of currently-open inodes

	Logger checkpoint.Logger
}

func (c Config) ringSize() uint32 {
	if c.RingSize == 0 {
		return types.RingSize
	}
	return c.RingSize
}

func (c Config) checkpointPeriod() time.Duration {
	if c.CheckpointPeriod == 0 {
		return 100 * time.Millisecond
	}
	return c.CheckpointPeriod
}

func (c Config) amortization() uint64 {
	if c.AmortizationChunk == 0 {
		return allocator.DefaultAmortizationChunk
	}
	return c.AmortizationChunk
}

// layout is the fixed block numbering of spec.md §6's on-disk layout,
// computed from the ring size alone: everything after the superblock ring
// and before the free data region.
type layout struct {
	ringBlocks uint64

	checksumInode uint64
	checksumRoot  uint64
	offsetInode   uint64
	offsetRoot    uint64
	sizeInode     uint64
	sizeRoot      uint64
	indexInode    uint64
	indexRoot     uint64

	dataStart uint64
}

func computeLayout(ringSize uint32) layout {
	ringBytes := uint64(ringSize) * uint64(types.SectorSize)
	ringBlocks := (ringBytes + types.BlockSize - 1) / types.BlockSize

	l := layout{ringBlocks: ringBlocks}
	l.checksumInode = ringBlocks + 0
	l.checksumRoot = ringBlocks + 1
	l.offsetInode = ringBlocks + 2
	l.offsetRoot = ringBlocks + 3
	l.sizeInode = ringBlocks + 4
	l.sizeRoot = ringBlocks + 5
	l.indexInode = ringBlocks + 6
	l.indexRoot = ringBlocks + 7
	l.dataStart = ringBlocks + 8
	return l
}

// FS is the mounted filesystem: the single process-wide object spec.md §9
// describes, bundling every live component built in this module.
type FS struct {
	mu    sync.Mutex
	state State

	dev      device.Device
	ring     *checkpoint.Ring
	bm       *buffer.Manager
	registry *buffer.Registry
	alloc    *allocator.Allocator
	inodes   *inode.Manager
	writer   *cow.Writer
	coord    *checkpoint.Coordinator
	syncer   *checkpoint.Syncer

	layout layout
	log    checkpoint.Logger

	countOpenedBytes bool
}

func (fs *FS) logf(format string, args ...any) {
	if fs.log != nil {
		fs.log.Printf(format, args...)
	}
}

func (fs *FS) setState(s State) {
	fs.mu.Lock()
	fs.state = s
	fs.mu.Unlock()
}

// State reports the current mount-state enum value.
func (fs *FS) State() State {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.state
}

// Inodes exposes the inode manager for callers that need icreate/iopen
// directly rather than through the convenience wrappers below.
func (fs *FS) Inodes() *inode.Manager { return fs.inodes }

// Buffers exposes the buffer manager, e.g. for fsck to read an inode
// record directly without going through the index.
func (fs *FS) Buffers() *buffer.Manager { return fs.bm }

// Ring exposes the superblock ring, e.g. for stat to print the head
// superblock.
func (fs *FS) Ring() *checkpoint.Ring { return fs.ring }

// Writer exposes the COW data path.
func (fs *FS) Writer() *cow.Writer { return fs.writer }

// Allocator exposes the block allocator, e.g. for a GC pass or `stat`.
func (fs *FS) Allocator() *allocator.Allocator { return fs.alloc }

// Checkpoint forces an immediate checkpoint and waits for it to complete.
func (fs *FS) Checkpoint() error { return fs.syncer.WakeAndWait() }

// Epoch returns the last committed checkpoint epoch.
func (fs *FS) Epoch() uint64 { return fs.coord.Epoch() }

// OpenedBytes sums Size across every currently in-memory (open) inode, the
// measurement hook spec.md §6's "count_opened_bytes" sysctl names. Returns 0
// when the sysctl is off, rather than silently paying the OpenInodes scan.
func (fs *FS) OpenedBytes() uint64 {
	if !fs.countOpenedBytes {
		return 0
	}
	var total uint64
	for _, ino := range fs.inodes.OpenInodes() {
		total += ino.Record().Size
	}
	return total
}

// Mount performs spec.md §4.8's mount sequence: open the device, scan the
// superblock ring, bootstrap on first mount or recover the head
// superblock otherwise, then launch the syncer.
func Mount(cfg Config) (*FS, error) {
	dev, err := device.Open(cfg.DevicePath, types.BlockSize, cfg.DeviceBlocks)
	if err != nil {
		return nil, fmt.Errorf("mount: open device: %w", err)
	}

	fs := &FS{dev: dev, log: cfg.Logger, countOpenedBytes: cfg.CountOpenedBytes}
	fs.setState(InFlux)

	ring := checkpoint.NewRing(dev, cfg.ringSize())
	fs.ring = ring

	registry := buffer.NewRegistry()
	bm := buffer.NewManager(dev, registry)
	fs.bm, fs.registry = bm, registry

	l := computeLayout(cfg.ringSize())
	fs.layout = l

	sb, _, ok, err := ring.Scan()
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("mount: scan superblock ring: %w", err)
	}

	var startEpoch uint64
	var checksumTree *btree.Tree

	if !ok {
		fs.logf("mount: no valid superblock found, bootstrapping %s", cfg.DevicePath)
		startEpoch, checksumTree, err = bootstrap(fs, l, cfg)
	} else {
		fs.logf("mount: recovering head superblock at epoch %d", sb.Epoch)
		startEpoch, checksumTree, err = recover_(fs, l, sb, cfg)
	}
	if err != nil {
		dev.Close()
		return nil, err
	}

	if _, err := fs.inodes.CreateOrOpen(types.RootDirID, 0o755); err != nil {
		dev.Close()
		return nil, fmt.Errorf("mount: ensure root inode: %w", err)
	}

	fs.coord = checkpoint.New(checkpoint.Config{
		Device:         dev,
		Ring:           ring,
		Buffers:        bm,
		Inodes:         fs.inodes,
		Allocator:      fs.alloc,
		IndexObject:    indexObj,
		OffsetObject:   offsetObj,
		SizeObject:     sizeObj,
		ChecksumObject: checksumObj,
		Checksums:      checksumTree,
		StartEpoch:     startEpoch,
		Logger:         cfg.Logger,
	})
	fs.syncer = checkpoint.NewSyncer(fs.coord, cfg.checkpointPeriod())
	go fs.syncer.Run()

	fs.setState(Mounted)
	return fs, nil
}

// bootstrap implements spec.md §4.8 steps 4-6 for a first mount: format
// the fixed-offset roots, seed the allocator, and write the system inode
// records at the well-known blocks spec.md §6 reserves for them. The
// checksum tree's root is always formatted (so a later mount can turn
// checksum_enabled on without reformatting), but it is only opened as a
// live *btree.Tree — and therefore only stamped and flushed — when
// cfg.ChecksumEnabled is set.
func bootstrap(fs *FS, l layout, cfg Config) (startEpoch uint64, checksumTree *btree.Tree, err error) {
	bm := fs.bm

	for _, f := range []struct {
		obj buffer.ObjectID
		blk uint64
	}{
		{checksumObj, l.checksumRoot},
		{offsetObj, l.offsetRoot},
		{sizeObj, l.sizeRoot},
		{indexObj, l.indexRoot},
	} {
		if err := btree.FormatRoot(bm, f.obj, f.blk, types.BlockSize); err != nil {
			return 0, nil, fmt.Errorf("mount: bootstrap: %w", err)
		}
	}

	al := allocator.Empty(types.BlockSize, cfg.amortization(), fs.coordEpoch)
	offTree := btree.Open(bm, offsetObj, al, 8, 8, btree.Uint64Comparator, l.offsetRoot, types.BlockSize)
	sizeTree := btree.Open(bm, sizeObj, al, 8, 8, btree.Uint64Comparator, l.sizeRoot, types.BlockSize)
	al.Attach(offTree, sizeTree)

	if cfg.DeviceBlocks <= l.dataStart {
		return 0, nil, fmt.Errorf("mount: bootstrap: device has %d blocks, need more than %d for metadata", cfg.DeviceBlocks, l.dataStart)
	}
	if err := allocator.Bootstrap(offTree, sizeTree, l.dataStart, cfg.DeviceBlocks-l.dataStart); err != nil {
		return 0, nil, fmt.Errorf("mount: bootstrap: seed allocator: %w", err)
	}
	fs.alloc = al

	index := btree.Open(bm, indexObj, al, 8, types.DiskPtrSize, btree.Uint64Comparator, l.indexRoot, types.BlockSize)
	fs.inodes = inode.New(bm, al, index, fs.registry)

	if cfg.ChecksumEnabled {
		checksumTree = btree.Open(bm, checksumObj, al, 8, checksum.Size, btree.Uint64Comparator, l.checksumRoot, types.BlockSize)
		fs.writer = cow.New(bm, al).WithChecksums(checksumTree)
	} else {
		fs.writer = cow.New(bm, al)
	}

	nowT := time.Now()
	now := types.Timespec{Sec: nowT.Unix(), Nsec: int32(nowT.Nanosecond())}
	sys := func(id uint64, dataBlk uint64) types.Inode {
		return types.Inode{ID: id, Mode: 0o600, Nlink: 1, Magic: types.InodeMagic,
			Ctime: now, Mtime: now, Atime: now, Btime: now,
			Data: types.DiskPtr{Offset: dataBlk, Size: types.BlockSize}}
	}
	records := []struct {
		blk uint64
		rec types.Inode
	}{
		{l.checksumInode, sys(types.ChecksumTreeID, l.checksumRoot)},
		{l.offsetInode, sys(types.AllocOffsetID, l.offsetRoot)},
		{l.sizeInode, sys(types.AllocSizeID, l.sizeRoot)},
		{l.indexInode, sys(types.InodeIndexID, l.indexRoot)},
	}
	for _, r := range records {
		if err := inode.FormatRecord(bm, types.DiskPtr{Offset: r.blk, Size: types.BlockSize}, r.rec); err != nil {
			return 0, nil, fmt.Errorf("mount: bootstrap: write system inode %d: %w", r.rec.ID, err)
		}
	}

	return 0, checksumTree, nil
}

// recover_ implements spec.md §4.8 steps 4-6 for a remount: reopen the
// allocator and inode index trees at the roots the head superblock names,
// rather than at the bootstrap well-known offsets (a tree's root moves to
// a new block whenever its root node splits, so once the trees have grown
// those roots no longer coincide with the bootstrap ones). The checksum tree
// follows the same rule, reopened at sb.ChecksumTreeRoot when enabled.
func recover_(fs *FS, l layout, sb types.Superblock, cfg Config) (startEpoch uint64, checksumTree *btree.Tree, err error) {
	bm := fs.bm

	al := allocator.Empty(types.BlockSize, cfg.amortization(), fs.coordEpoch)
	offTree := btree.Open(bm, offsetObj, al, 8, 8, btree.Uint64Comparator, sb.AllocOffsetRoot.Offset, types.BlockSize)
	sizeTree := btree.Open(bm, sizeObj, al, 8, 8, btree.Uint64Comparator, sb.AllocSizeRoot.Offset, types.BlockSize)
	al.Attach(offTree, sizeTree)
	fs.alloc = al

	index := btree.Open(bm, indexObj, al, 8, types.DiskPtrSize, btree.Uint64Comparator, sb.InodeIndexRoot.Offset, types.BlockSize)
	fs.inodes = inode.New(bm, al, index, fs.registry)

	if cfg.ChecksumEnabled {
		root := sb.ChecksumTreeRoot.Offset
		if root == 0 {
			root = l.checksumRoot
		}
		checksumTree = btree.Open(bm, checksumObj, al, 8, checksum.Size, btree.Uint64Comparator, root, types.BlockSize)
		fs.writer = cow.New(bm, al).WithChecksums(checksumTree)
	} else {
		fs.writer = cow.New(bm, al)
	}

	return sb.Epoch, checksumTree, nil
}

// coordEpoch is the epoch function handed to the allocator: the allocator
// stamps every DiskPtr it hands out with the checkpoint epoch that will
// eventually commit it, per spec.md §9's "epoch field authoritative for GC
// reachability". It reads fs.coord, which is only set after bootstrap/
// recover_ and Mount's root-inode CreateOrOpen return, so it must
// tolerate being called before that: blocks allocated before then (such
// as the root inode's record on a first mount) are stamped with epoch 0.
func (fs *FS) coordEpoch() uint64 {
	if fs.coord == nil {
		return 0
	}
	return fs.coord.Epoch() + 1
}

// Create allocates the next available regular-inode id and creates it
// (spec.md §4.4's id-generation rule).
func (fs *FS) Create(mode uint32) (*inode.Inode, error) { return fs.inodes.Create(mode) }

// Icreate creates a specific inode id (spec.md §4.4 "icreate").
func (fs *FS) Icreate(id uint64, mode uint32) (*inode.Inode, error) {
	return fs.inodes.Icreate(id, mode)
}

// Open opens an existing inode by id (spec.md §4.4 "iopen").
func (fs *FS) Open(id uint64) (*inode.Inode, error) { return fs.inodes.Iopen(id) }

// Close releases a reference taken by Create/Icreate/Open.
func (fs *FS) Close(ino *inode.Inode) { fs.inodes.Iclose(ino) }

// WriteAt copy-on-writes data into ino (spec.md §4.6).
func (fs *FS) WriteAt(ino *inode.Inode, off int64, data []byte) (int, error) {
	return fs.writer.WriteAt(ino, off, data)
}

// ReadAt reads ino's data, zero-filling holes (spec.md §4.3/§4.6).
func (fs *FS) ReadAt(ino *inode.Inode, off int64, buf []byte) (int, error) {
	return fs.writer.ReadAt(ino, off, buf)
}

// Unmount implements spec.md §4.8's unmount sequence: tell the syncer to
// checkpoint once more and exit, then free in-core state.
func (fs *FS) Unmount() error {
	fs.setState(InFlux)
	err := fs.syncer.Stop()
	if closeErr := fs.dev.Close(); err == nil {
		err = closeErr
	}
	fs.setState(Unmounted)
	return err
}
