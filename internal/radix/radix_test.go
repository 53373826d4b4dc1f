package radix

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rcslab/aurora-sub001/internal/buffer"
	"github.com/rcslab/aurora-sub001/internal/device"
	"github.com/rcslab/aurora-sub001/internal/slserr"
	"github.com/rcslab/aurora-sub001/internal/types"
)

type bumpAllocator struct{ next uint64 }

func (a *bumpAllocator) AllocBlock() (types.DiskPtr, error) {
	p := types.DiskPtr{Offset: a.next, Size: types.BlockSize, Epoch: 1}
	a.next++
	return p, nil
}

func newTestRadix(t *testing.T) (*Radix, *buffer.Manager) {
	t.Helper()
	dev, err := device.Open(filepath.Join(t.TempDir(), "dev.img"), types.BlockSize, 100000)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	bm := buffer.NewManager(dev, buffer.IdentityStrategy{})
	r := Open(bm, 42, &bumpAllocator{next: 1000}, types.DiskPtr{})
	return r, bm
}

func TestFindOnEmptyTreeIsHole(t *testing.T) {
	r, _ := newTestRadix(t)
	_, ok, err := r.Find(7)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInsertThenFind(t *testing.T) {
	r, _ := newTestRadix(t)
	require.NoError(t, r.Insert(3, 555, 1))
	pblk, ok, err := r.Find(3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(555), pblk)
}

func TestInsertReplacesPreviousMapping(t *testing.T) {
	r, _ := newTestRadix(t)
	require.NoError(t, r.Insert(3, 555, 1))
	require.NoError(t, r.Insert(3, 777, 2))
	pblk, ok, err := r.Find(3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(777), pblk)
}

func TestRemoveClearsMapping(t *testing.T) {
	r, _ := newTestRadix(t)
	require.NoError(t, r.Insert(3, 555, 1))
	require.NoError(t, r.Remove(3))
	_, ok, err := r.Find(3)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInsertUpdatesRootAndFiresCallback(t *testing.T) {
	r, _ := newTestRadix(t)
	var seen types.DiskPtr
	r.OnRootChange(func(p types.DiskPtr) { seen = p })
	require.NoError(t, r.Insert(1, 2, 1))
	require.False(t, seen.Null())
	require.Equal(t, r.Root(), seen)
}

func TestSparseEntriesAreIndependentAcrossWideRange(t *testing.T) {
	r, _ := newTestRadix(t)
	keys := []uint64{0, 1, 256, 65536, 1 << 32}
	for i, k := range keys {
		require.NoError(t, r.Insert(k, uint64(1000+i), 1))
	}
	for i, k := range keys {
		pblk, ok, err := r.Find(k)
		require.NoError(t, err)
		require.True(t, ok, "key %d", k)
		require.Equal(t, uint64(1000+i), pblk)
	}
	_, ok, err := r.Find(2)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestResolveImplementsBufferStrategy(t *testing.T) {
	r, _ := newTestRadix(t)
	require.NoError(t, r.Insert(9, 4242, 1))
	pblk, ok := r.Resolve(DataObject(42), 9)
	require.True(t, ok)
	require.Equal(t, uint64(4242), pblk)

	_, ok = r.Resolve(DataObject(42), 10)
	require.False(t, ok)
}

func TestExtentFindReturnsContiguousRun(t *testing.T) {
	r, _ := newTestRadix(t)
	require.NoError(t, r.Insert(0, 100, 1))
	require.NoError(t, r.Insert(1, 101, 1))
	require.NoError(t, r.Insert(2, 102, 1))
	require.NoError(t, r.Insert(4, 200, 1)) // gap at 3

	pblk, length, err := r.ExtentFind(0, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(100), pblk)
	require.Equal(t, uint64(3), length)
}

func TestExtentReplaceInstallsRun(t *testing.T) {
	r, _ := newTestRadix(t)
	require.NoError(t, r.ExtentReplace(10, 500, 4, 1))
	for i := uint64(0); i < 4; i++ {
		pblk, ok, err := r.Find(10 + i)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(500+i), pblk)
	}
}

func TestOutOfRangeKeyIsRejected(t *testing.T) {
	r, _ := newTestRadix(t)

	_, _, err := r.Find(maxLblk)
	require.True(t, errors.Is(err, slserr.ErrCorrupt))

	err = r.Insert(maxLblk, 1, 1)
	require.True(t, errors.Is(err, slserr.ErrCorrupt))

	err = r.Remove(maxLblk)
	require.True(t, errors.Is(err, slserr.ErrCorrupt))

	_, _, err = r.Find(maxLblk - 1)
	require.NoError(t, err)
}

func TestIteratorWalksPresentMappingsInOrder(t *testing.T) {
	r, _ := newTestRadix(t)
	require.NoError(t, r.Insert(5, 50, 1))
	require.NoError(t, r.Insert(2, 20, 1))
	require.NoError(t, r.Insert(9, 90, 1))

	it, err := r.Start(0)
	require.NoError(t, err)
	defer it.End()

	var order []uint64
	for it.Valid() {
		order = append(order, it.Logical())
		require.NoError(t, it.Next())
	}
	require.Equal(t, []uint64{2, 5, 9}, order)
}
