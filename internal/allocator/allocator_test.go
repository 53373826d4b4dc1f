package allocator

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rcslab/aurora-sub001/internal/btree"
	"github.com/rcslab/aurora-sub001/internal/buffer"
	"github.com/rcslab/aurora-sub001/internal/device"
	"github.com/rcslab/aurora-sub001/internal/slserr"
	"github.com/rcslab/aurora-sub001/internal/types"
)

type bumpAllocator struct{ next uint64 }

func (a *bumpAllocator) AllocBlock() (types.DiskPtr, error) {
	p := types.DiskPtr{Offset: a.next, Size: types.BlockSize}
	a.next++
	return p, nil
}

type identityStrategy struct{}

func (identityStrategy) Resolve(obj buffer.ObjectID, lblk uint64) (uint64, bool) { return lblk, true }

func newTestAllocator(t *testing.T, dataStart, dataBlocks uint64, amortization uint64) *Allocator {
	t.Helper()
	dev, err := device.Open(filepath.Join(t.TempDir(), "dev.img"), types.BlockSize, dataStart+dataBlocks+64)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	bm := buffer.NewManager(dev, identityStrategy{})
	metaAlloc := &bumpAllocator{next: 1}

	offTree, err := btree.Create(bm, buffer.ObjectID(100), metaAlloc, 8, 8, btree.Uint64Comparator, types.BlockSize)
	require.NoError(t, err)
	sizeTree, err := btree.Create(bm, buffer.ObjectID(101), metaAlloc, 8, 8, btree.Uint64Comparator, types.BlockSize)
	require.NoError(t, err)

	require.NoError(t, Bootstrap(offTree, sizeTree, dataStart, dataBlocks))

	epoch := uint64(1)
	return New(offTree, sizeTree, types.BlockSize, amortization, func() uint64 { return epoch })
}

func TestAllocSingleBlockComesFromDataRegion(t *testing.T) {
	a := newTestAllocator(t, 1000, 5000, 100)
	ptr, err := a.AllocBlock()
	require.NoError(t, err)
	require.Equal(t, uint64(1000), ptr.Offset)
	require.Equal(t, uint64(types.BlockSize), ptr.Size)
	require.Equal(t, uint64(1), ptr.Epoch)
}

func TestAllocSequentialBlocksAreContiguousWithinAChunk(t *testing.T) {
	a := newTestAllocator(t, 1000, 5000, 100)
	first, err := a.AllocBlock()
	require.NoError(t, err)
	second, err := a.AllocBlock()
	require.NoError(t, err)
	require.Equal(t, first.Offset+uint64(first.Size)/types.BlockSize, second.Offset)
}

func TestAllocRefillsWhenChunkExhausted(t *testing.T) {
	a := newTestAllocator(t, 0, 10, 4)
	for i := 0; i < 10; i++ {
		_, err := a.AllocBlock()
		require.NoError(t, err, "alloc %d", i)
	}
	_, err := a.AllocBlock()
	require.ErrorIs(t, err, slserr.ErrNoSpace)
}

func TestAllocMultiBlockRounding(t *testing.T) {
	a := newTestAllocator(t, 0, 100, 16)
	ptr, err := a.Alloc(uint64(types.BlockSize) + 1)
	require.NoError(t, err)
	require.Equal(t, uint64(2*types.BlockSize), ptr.Size)
}

func TestReservationDoesNotTouchSizeTree(t *testing.T) {
	a := newTestAllocator(t, 0, 32, 8)
	res, err := a.Reserve(4)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := res.AllocBlock()
		require.NoError(t, err)
	}
	_, err = res.AllocBlock()
	require.ErrorIs(t, err, slserr.ErrNoSpace)
}

func TestChunkReflectsRemainingRun(t *testing.T) {
	a := newTestAllocator(t, 0, 100, 16)
	_, err := a.AllocBlock()
	require.NoError(t, err)
	c := a.Chunk()
	require.Equal(t, uint64(15), c.Size)
}
