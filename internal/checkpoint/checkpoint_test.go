package checkpoint

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rcslab/aurora-sub001/internal/allocator"
	"github.com/rcslab/aurora-sub001/internal/btree"
	"github.com/rcslab/aurora-sub001/internal/buffer"
	"github.com/rcslab/aurora-sub001/internal/cow"
	"github.com/rcslab/aurora-sub001/internal/device"
	"github.com/rcslab/aurora-sub001/internal/inode"
	"github.com/rcslab/aurora-sub001/internal/types"
)

const (
	indexObj  = buffer.ObjectID(1)
	offsetObj = buffer.ObjectID(2)
	sizeObj   = buffer.ObjectID(3)
)

type bumpAllocator struct{ next uint64 }

func (a *bumpAllocator) AllocBlock() (types.DiskPtr, error) {
	p := types.DiskPtr{Offset: a.next, Size: types.BlockSize}
	a.next++
	return p, nil
}

type harness struct {
	dev   device.Device
	bm    *buffer.Manager
	im    *inode.Manager
	al    *allocator.Allocator
	w     *cow.Writer
	ring  *Ring
	coord *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	const ringSize = 4
	dev, err := device.Open(filepath.Join(t.TempDir(), "dev.img"), types.BlockSize, 1<<16)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	reg := buffer.NewRegistry()
	bm := buffer.NewManager(dev, reg)
	metaAlloc := &bumpAllocator{next: 100}

	index, err := btree.Create(bm, indexObj, metaAlloc, 8, types.DiskPtrSize, btree.Uint64Comparator, types.BlockSize)
	require.NoError(t, err)
	offTree, err := btree.Create(bm, offsetObj, metaAlloc, 8, 8, btree.Uint64Comparator, types.BlockSize)
	require.NoError(t, err)
	sizeTree, err := btree.Create(bm, sizeObj, metaAlloc, 8, 8, btree.Uint64Comparator, types.BlockSize)
	require.NoError(t, err)
	require.NoError(t, allocator.Bootstrap(offTree, sizeTree, 1000, 10000))

	al := allocator.New(offTree, sizeTree, types.BlockSize, 64, func() uint64 { return 1 })
	im := inode.New(bm, al, index, reg)
	w := cow.New(bm, al)

	ring := NewRing(dev, ringSize)
	coord := New(Config{
		Device: dev, Ring: ring, Buffers: bm, Inodes: im, Allocator: al,
		IndexObject: indexObj, OffsetObject: offsetObj, SizeObject: sizeObj,
	})

	return &harness{dev: dev, bm: bm, im: im, al: al, w: w, ring: ring, coord: coord}
}

func TestRunWithNoDirtyDataIsNoopAndCountsAttempted(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.coord.Run())
	require.Equal(t, uint64(0), h.coord.Epoch())
	require.Equal(t, uint64(1), h.coord.AttemptedUnchanged())
}

func TestRunAfterWriteAdvancesEpochAndWritesSuperblock(t *testing.T) {
	h := newHarness(t)
	ino, err := h.im.Icreate(100000, 0o644)
	require.NoError(t, err)
	_, err = h.w.WriteAt(ino, 0, []byte("hello"))
	require.NoError(t, err)

	require.NoError(t, h.coord.Run())
	require.Equal(t, uint64(1), h.coord.Epoch())

	sb, slot, ok, err := h.ring.Scan()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), sb.Epoch)
	require.Equal(t, uint32(1), slot)
}

func TestRunIsIdempotentWhenNothingNewIsDirty(t *testing.T) {
	h := newHarness(t)
	ino, err := h.im.Icreate(1, 0o644)
	require.NoError(t, err)
	_, err = h.w.WriteAt(ino, 0, []byte("x"))
	require.NoError(t, err)

	require.NoError(t, h.coord.Run())
	require.Equal(t, uint64(1), h.coord.Epoch())

	require.NoError(t, h.coord.Run())
	require.Equal(t, uint64(1), h.coord.Epoch())
	require.Equal(t, uint64(1), h.coord.AttemptedUnchanged())
}

func TestSyncerWakeAndWaitRunsACheckpoint(t *testing.T) {
	h := newHarness(t)
	syncer := NewSyncer(h.coord, time.Hour)
	go syncer.Run()

	ino, err := h.im.Icreate(1, 0o644)
	require.NoError(t, err)
	_, err = h.w.WriteAt(ino, 0, []byte("y"))
	require.NoError(t, err)

	require.NoError(t, syncer.WakeAndWait())
	require.Equal(t, uint64(1), h.coord.Epoch())

	require.NoError(t, syncer.Stop())
}
