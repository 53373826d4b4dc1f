package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiskPtrRoundTrip(t *testing.T) {
	p := DiskPtr{Offset: 12345, Size: 8192, Epoch: 7}
	buf := make([]byte, DiskPtrSize)
	PutDiskPtr(buf, p)
	require.Equal(t, p, GetDiskPtr(buf))
}

func TestInodeRoundTrip(t *testing.T) {
	ino := Inode{
		ID: 100000, Uid: 1, Gid: 2, Mode: 0o755, Nlink: 1,
		Size: 12288, SizeBlks: 3,
		Ctime: Timespec{Sec: 10, Nsec: 20},
		Mtime: Timespec{Sec: 11, Nsec: 21},
		Atime: Timespec{Sec: 12, Nsec: 22},
		Btime: Timespec{Sec: 9, Nsec: 19},
		Flags: 0, Magic: InodeMagic,
		Data: DiskPtr{Offset: 99, Size: BlockSize, Epoch: 3},
		Stat: RecordStat{RecType: 1, RecLen: 42},
	}
	buf := make([]byte, InodeSize)
	PutInode(buf, ino)
	require.Equal(t, ino, GetInode(buf))
}

func TestSuperblockRoundTripAndValidity(t *testing.T) {
	sb := Superblock{
		Magic: SuperblockMagic, VerMajor: 1, VerMinor: 0,
		FSBlockSize: BlockSize, SectorSize: SectorSize, TotalBlocks: 1 << 20,
		Epoch: 5, SlotIndex: 5,
		InodeIndexRoot:  DiskPtr{Offset: 10, Size: BlockSize},
		AllocOffsetRoot: DiskPtr{Offset: 11, Size: BlockSize},
		AllocSizeRoot:   DiskPtr{Offset: 12, Size: BlockSize},
	}
	require.True(t, sb.Valid())

	buf := make([]byte, SuperblockSize)
	PutSuperblock(buf, sb)
	got := GetSuperblock(buf)
	require.Equal(t, sb, got)

	unused := Superblock{Epoch: InvalidEpoch}
	require.False(t, unused.Valid())

	badMagic := sb
	badMagic.Magic = 0
	require.False(t, badMagic.Valid())
}

func TestDnodeHeaderRoundTrip(t *testing.T) {
	d := Dnode{Right: 77, Parent: 1, NumKeys: 12, Flags: NodeExternal}
	buf := make([]byte, DnodeHeaderSize)
	PutDnodeHeader(buf, d)
	require.Equal(t, d, GetDnodeHeader(buf))
	require.True(t, d.IsLeaf())
}

func TestRadixEntrySentinel(t *testing.T) {
	e := RadixEntry{BlockOff: Sentinel}
	require.False(t, e.Valid())
	e.BlockOff = 5
	require.True(t, e.Valid())
}
