package inode

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rcslab/aurora-sub001/internal/btree"
	"github.com/rcslab/aurora-sub001/internal/buffer"
	"github.com/rcslab/aurora-sub001/internal/device"
	"github.com/rcslab/aurora-sub001/internal/radix"
	"github.com/rcslab/aurora-sub001/internal/slserr"
	"github.com/rcslab/aurora-sub001/internal/types"
)

type bumpAllocator struct{ next uint64 }

func (a *bumpAllocator) AllocBlock() (types.DiskPtr, error) {
	p := types.DiskPtr{Offset: a.next, Size: types.BlockSize, Epoch: 1}
	a.next++
	return p, nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dev, err := device.Open(filepath.Join(t.TempDir(), "dev.img"), types.BlockSize, 100000)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	reg := buffer.NewRegistry()
	bm := buffer.NewManager(dev, reg)
	alloc := &bumpAllocator{next: 1000}

	index, err := btree.Create(bm, buffer.ObjectID(0xFFFFFFFF), alloc, 8, types.DiskPtrSize, btree.Uint64Comparator, types.BlockSize)
	require.NoError(t, err)

	return New(bm, alloc, index, reg)
}

func TestIcreateThenIopenRoundTrips(t *testing.T) {
	m := newTestManager(t)
	created, err := m.Icreate(100000, 0o755)
	require.NoError(t, err)
	require.Equal(t, uint64(100000), created.ID())

	opened, err := m.Iopen(100000)
	require.NoError(t, err)
	require.Equal(t, uint32(0o755), opened.Record().Mode)
}

func TestIcreateDuplicateIsExists(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Icreate(1, 0o644)
	require.NoError(t, err)
	_, err = m.Icreate(1, 0o644)
	require.ErrorIs(t, err, slserr.ErrExists)
}

func TestCreateOrOpenToleratesExistingID(t *testing.T) {
	m := newTestManager(t)
	first, err := m.Icreate(5, 0o644)
	require.NoError(t, err)
	second, err := m.CreateOrOpen(5, 0o644)
	require.NoError(t, err)
	require.Equal(t, first.ID(), second.ID())
}

func TestCreateDrawsFromMonotonicCounterAboveSystemLimit(t *testing.T) {
	m := newTestManager(t)
	a, err := m.Create(0o644)
	require.NoError(t, err)
	b, err := m.Create(0o644)
	require.NoError(t, err)
	require.Greater(t, a.ID(), types.SystemInodeLimit)
	require.Greater(t, b.ID(), a.ID())
}

func TestIopenMissingIsNotFound(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Iopen(999)
	require.ErrorIs(t, err, slserr.ErrNotFound)
}

func TestIopenReturnsSameHandleWhileHeld(t *testing.T) {
	m := newTestManager(t)
	created, err := m.Icreate(1, 0o644)
	require.NoError(t, err)
	opened, err := m.Iopen(1)
	require.NoError(t, err)
	require.Same(t, created, opened)
}

func TestIremoveIsUnsupported(t *testing.T) {
	m := newTestManager(t)
	err := m.Iremove(1)
	require.ErrorIs(t, err, slserr.ErrUnsupported)
}

func TestDataOpensLazilyAndRegistersStrategy(t *testing.T) {
	m := newTestManager(t)
	ino, err := m.Icreate(1, 0o644)
	require.NoError(t, err)

	r := ino.Data()
	require.NoError(t, r.Insert(0, 42, 1))

	pblk, ok := m.registry.Resolve(radix.DataObject(ino.ID()), 0)
	require.True(t, ok)
	require.Equal(t, uint64(42), pblk)
}

func TestGrowSizeExtendsOnlyForward(t *testing.T) {
	m := newTestManager(t)
	ino, err := m.Icreate(1, 0o644)
	require.NoError(t, err)
	ino.GrowSize(4096)
	require.Equal(t, uint64(4096), ino.Record().Size)
	ino.GrowSize(100)
	require.Equal(t, uint64(4096), ino.Record().Size)
}

func TestSyncRecordMovesToFreshBlockAndUpdatesIndex(t *testing.T) {
	m := newTestManager(t)
	ino, err := m.Icreate(1, 0o644)
	require.NoError(t, err)
	before := ino.Record()

	require.NoError(t, m.SyncRecord(ino))

	reopened, err := m.Iopen(1)
	require.NoError(t, err)
	require.Equal(t, before.ID, reopened.Record().ID)
}

func TestOpenInodesListsCachedHandles(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Icreate(1, 0o644)
	require.NoError(t, err)
	_, err = m.Icreate(2, 0o644)
	require.NoError(t, err)
	require.Len(t, m.OpenInodes(), 2)
}
