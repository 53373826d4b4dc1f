package btree

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rcslab/aurora-sub001/internal/buffer"
	"github.com/rcslab/aurora-sub001/internal/device"
	"github.com/rcslab/aurora-sub001/internal/slserr"
	"github.com/rcslab/aurora-sub001/internal/types"
)

// bumpAllocator is a minimal BlockAllocator for tests: it hands out
// sequential blocks and never frees, which is all a COW B+tree needs.
type bumpAllocator struct {
	next uint64
}

func newBumpAllocator(start uint64) *bumpAllocator { return &bumpAllocator{next: start} }

func (a *bumpAllocator) AllocBlock() (types.DiskPtr, error) {
	p := types.DiskPtr{Offset: a.next, Size: types.BlockSize, Epoch: 0}
	a.next++
	return p, nil
}

type identityStrategy struct{}

func (identityStrategy) Resolve(obj buffer.ObjectID, lblk uint64) (uint64, bool) {
	return lblk, true
}

func newTestTree(t *testing.T, keySize, valSize int) (*Tree, *bumpAllocator) {
	t.Helper()
	dev, err := device.Open(filepath.Join(t.TempDir(), "dev.img"), types.BlockSize, 4096)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	bm := buffer.NewManager(dev, identityStrategy{})
	alloc := newBumpAllocator(1)
	tr, err := Create(bm, buffer.ObjectID(1), alloc, keySize, valSize, Uint64Comparator, types.BlockSize)
	require.NoError(t, err)
	return tr, alloc
}

func u64key(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func TestInsertGetBasic(t *testing.T) {
	tr, _ := newTestTree(t, 8, 8)
	require.NoError(t, tr.Insert(u64key(5), u64key(500)))
	got, err := tr.Get(u64key(5))
	require.NoError(t, err)
	require.Equal(t, u64key(500), got)
}

func TestGetMissingIsNotFound(t *testing.T) {
	tr, _ := newTestTree(t, 8, 8)
	_, err := tr.Get(u64key(1))
	require.ErrorIs(t, err, slserr.ErrNotFound)
}

func TestInsertDuplicateIsExists(t *testing.T) {
	tr, _ := newTestTree(t, 8, 8)
	require.NoError(t, tr.Insert(u64key(1), u64key(1)))
	err := tr.Insert(u64key(1), u64key(2))
	require.ErrorIs(t, err, slserr.ErrExists)
}

func TestReplaceUpdatesValue(t *testing.T) {
	tr, _ := newTestTree(t, 8, 8)
	require.NoError(t, tr.Insert(u64key(1), u64key(1)))
	require.NoError(t, tr.Replace(u64key(1), u64key(99)))
	got, err := tr.Get(u64key(1))
	require.NoError(t, err)
	require.Equal(t, u64key(99), got)
}

func TestRemoveThenGetNotFound(t *testing.T) {
	tr, _ := newTestTree(t, 8, 8)
	require.NoError(t, tr.Insert(u64key(1), u64key(1)))
	require.NoError(t, tr.Remove(u64key(1)))
	_, err := tr.Get(u64key(1))
	require.ErrorIs(t, err, slserr.ErrNotFound)
}

func TestManyInsertsForceSplitsAndStayOrdered(t *testing.T) {
	tr, _ := newTestTree(t, 8, 8)
	const n = 2000
	for i := uint64(0); i < n; i++ {
		require.NoError(t, tr.Insert(u64key(i), u64key(i*10)))
	}
	for i := uint64(0); i < n; i++ {
		got, err := tr.Get(u64key(i))
		require.NoError(t, err, "key %d", i)
		require.Equal(t, u64key(i*10), got)
	}
}

func TestKeyMinIterFindsGreatestLE(t *testing.T) {
	tr, _ := newTestTree(t, 8, 8)
	for _, k := range []uint64{10, 20, 30, 40} {
		require.NoError(t, tr.Insert(u64key(k), u64key(k)))
	}
	it, err := tr.KeyMinIter(u64key(25))
	require.NoError(t, err)
	defer it.End()
	require.True(t, it.Valid())
	require.Equal(t, u64key(20), it.Key())
}

func TestKeyMaxIterFindsSmallestGE(t *testing.T) {
	tr, _ := newTestTree(t, 8, 8)
	for _, k := range []uint64{10, 20, 30, 40} {
		require.NoError(t, tr.Insert(u64key(k), u64key(k)))
	}
	it, err := tr.KeyMaxIter(u64key(25))
	require.NoError(t, err)
	defer it.End()
	require.True(t, it.Valid())
	require.Equal(t, u64key(30), it.Key())
}

func TestIteratorNextWalksRightAcrossLeaves(t *testing.T) {
	tr, _ := newTestTree(t, 8, 8)
	const n = 500
	for i := uint64(0); i < n; i++ {
		require.NoError(t, tr.Insert(u64key(i), u64key(i)))
	}
	it, err := tr.KeyMaxIter(u64key(0))
	require.NoError(t, err)
	defer it.End()

	count := uint64(0)
	for it.Valid() {
		require.Equal(t, u64key(count), it.Key())
		count++
		if err := it.Next(); err != nil {
			break
		}
	}
	require.Equal(t, uint64(n), count)
}

func TestRootChangeCallbackFiresOnSplit(t *testing.T) {
	tr, _ := newTestTree(t, 8, 8)
	var seen uint64
	tr.OnRootChange(func(newRoot uint64) { seen = newRoot })
	for i := uint64(0); i < 2000; i++ {
		require.NoError(t, tr.Insert(u64key(i), u64key(i)))
	}
	require.NotZero(t, seen)
	require.Equal(t, tr.Root(), seen)
}
