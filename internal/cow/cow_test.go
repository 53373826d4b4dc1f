package cow

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rcslab/aurora-sub001/internal/btree"
	"github.com/rcslab/aurora-sub001/internal/buffer"
	"github.com/rcslab/aurora-sub001/internal/checksum"
	"github.com/rcslab/aurora-sub001/internal/device"
	"github.com/rcslab/aurora-sub001/internal/inode"
	"github.com/rcslab/aurora-sub001/internal/types"
)

type bumpAllocator struct{ next uint64 }

func (a *bumpAllocator) AllocBlock() (types.DiskPtr, error) {
	p := types.DiskPtr{Offset: a.next, Size: types.BlockSize, Epoch: 1}
	a.next++
	return p, nil
}

func newHarness(t *testing.T) (*Writer, *inode.Manager) {
	t.Helper()
	dev, err := device.Open(filepath.Join(t.TempDir(), "dev.img"), types.BlockSize, 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	reg := buffer.NewRegistry()
	bm := buffer.NewManager(dev, reg)
	alloc := &bumpAllocator{next: 1000}

	index, err := btree.Create(bm, buffer.ObjectID(0xFFFFFFFF), alloc, 8, types.DiskPtrSize, btree.Uint64Comparator, types.BlockSize)
	require.NoError(t, err)

	im := inode.New(bm, alloc, index, reg)
	return New(bm, alloc), im
}

func newHarnessWithChecksums(t *testing.T) (*Writer, *inode.Manager, *btree.Tree) {
	t.Helper()
	dev, err := device.Open(filepath.Join(t.TempDir(), "dev.img"), types.BlockSize, 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	reg := buffer.NewRegistry()
	bm := buffer.NewManager(dev, reg)
	alloc := &bumpAllocator{next: 1000}

	index, err := btree.Create(bm, buffer.ObjectID(0xFFFFFFFF), alloc, 8, types.DiskPtrSize, btree.Uint64Comparator, types.BlockSize)
	require.NoError(t, err)
	sums, err := btree.Create(bm, buffer.ObjectID(0xFFFFFFFE), alloc, 8, checksum.Size, btree.Uint64Comparator, types.BlockSize)
	require.NoError(t, err)

	im := inode.New(bm, alloc, index, reg)
	w := New(bm, alloc).WithChecksums(sums)
	return w, im, sums
}

func TestWriteAtStampsChecksumForWrittenBlock(t *testing.T) {
	w, im, sums := newHarnessWithChecksums(t)
	ino, err := im.Icreate(1, 0o644)
	require.NoError(t, err)

	payload := make([]byte, types.BlockSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, err = w.WriteAt(ino, 0, payload)
	require.NoError(t, err)

	lblk := uint64(0)
	pblk, ok, err := ino.Data().Find(lblk)
	require.NoError(t, err)
	require.True(t, ok)

	key := encodeBlockKey(pblk)
	val, err := sums.Get(key)
	require.NoError(t, err)
	require.Equal(t, checksum.Fletcher64(payload), binary.BigEndian.Uint64(val))
}

func TestWriteAtRestampsChecksumOnOverwrite(t *testing.T) {
	w, im, sums := newHarnessWithChecksums(t)
	ino, err := im.Icreate(1, 0o644)
	require.NoError(t, err)

	first := make([]byte, types.BlockSize)
	for i := range first {
		first[i] = 0xAA
	}
	_, err = w.WriteAt(ino, 0, first)
	require.NoError(t, err)

	second := make([]byte, types.BlockSize)
	for i := range second {
		second[i] = 0xBB
	}
	_, err = w.WriteAt(ino, 0, second)
	require.NoError(t, err)

	pblk, ok, err := ino.Data().Find(0)
	require.NoError(t, err)
	require.True(t, ok)

	val, err := sums.Get(encodeBlockKey(pblk))
	require.NoError(t, err)
	require.Equal(t, checksum.Fletcher64(second), binary.BigEndian.Uint64(val))
}

func TestWriteThenReadBackWithinOneBlock(t *testing.T) {
	w, im := newHarness(t)
	ino, err := im.Icreate(100000, 0o644)
	require.NoError(t, err)

	payload := []byte("hello slos")
	n, err := w.WriteAt(ino, 0, payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	out := make([]byte, len(payload))
	n, err = w.ReadAt(ino, 0, out)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, out)
	require.Equal(t, uint64(len(payload)), ino.Record().Size)
}

func TestWriteSpanningMultipleBlocks(t *testing.T) {
	w, im := newHarness(t)
	ino, err := im.Icreate(1, 0o644)
	require.NoError(t, err)

	payload := make([]byte, 3*types.BlockSize+17)
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err := w.WriteAt(ino, 0, payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	out := make([]byte, len(payload))
	_, err = w.ReadAt(ino, 0, out)
	require.NoError(t, err)
	require.Equal(t, payload, out)
}

func TestSparseWriteLeavesHoleZeroed(t *testing.T) {
	w, im := newHarness(t)
	ino, err := im.Icreate(1, 0o644)
	require.NoError(t, err)

	const oneMiB = 1 << 20
	_, err = w.WriteAt(ino, oneMiB, []byte{0xAB})
	require.NoError(t, err)

	head := make([]byte, 4096)
	_, err = w.ReadAt(ino, 0, head)
	require.NoError(t, err)
	for _, v := range head {
		require.Equal(t, byte(0), v)
	}

	tail := make([]byte, 4096)
	_, err = w.ReadAt(ino, oneMiB, tail)
	require.NoError(t, err)
	require.Equal(t, byte(0xAB), tail[0])
	for _, v := range tail[1:] {
		require.Equal(t, byte(0), v)
	}

	require.Equal(t, uint64(oneMiB+1), ino.Record().Size)
}

func TestOverwritePreservesLatestValue(t *testing.T) {
	w, im := newHarness(t)
	ino, err := im.Icreate(1, 0o644)
	require.NoError(t, err)

	_, err = w.WriteAt(ino, 0, []byte{0xAA})
	require.NoError(t, err)
	_, err = w.WriteAt(ino, 0, []byte{0xBB})
	require.NoError(t, err)

	out := make([]byte, 1)
	_, err = w.ReadAt(ino, 0, out)
	require.NoError(t, err)
	require.Equal(t, byte(0xBB), out[0])
}

func TestPartialBlockOverwritePreservesSurroundingBytes(t *testing.T) {
	w, im := newHarness(t)
	ino, err := im.Icreate(1, 0o644)
	require.NoError(t, err)

	full := make([]byte, types.BlockSize)
	for i := range full {
		full[i] = 0x11
	}
	_, err = w.WriteAt(ino, 0, full)
	require.NoError(t, err)

	_, err = w.WriteAt(ino, 10, []byte{0x22, 0x22})
	require.NoError(t, err)

	out := make([]byte, types.BlockSize)
	_, err = w.ReadAt(ino, 0, out)
	require.NoError(t, err)
	require.Equal(t, byte(0x11), out[0])
	require.Equal(t, byte(0x22), out[10])
	require.Equal(t, byte(0x22), out[11])
	require.Equal(t, byte(0x11), out[12])
}
