package types

import "encoding/binary"

// DiskPtrSize is the on-disk width of a DiskPtr.
const DiskPtrSize = 8 + 8 + 8

// PutDiskPtr encodes p into b[:DiskPtrSize].
func PutDiskPtr(b []byte, p DiskPtr) {
	binary.LittleEndian.PutUint64(b[0:8], p.Offset)
	binary.LittleEndian.PutUint64(b[8:16], p.Size)
	binary.LittleEndian.PutUint64(b[16:24], p.Epoch)
}

// GetDiskPtr decodes a DiskPtr from b[:DiskPtrSize].
func GetDiskPtr(b []byte) DiskPtr {
	return DiskPtr{
		Offset: binary.LittleEndian.Uint64(b[0:8]),
		Size:   binary.LittleEndian.Uint64(b[8:16]),
		Epoch:  binary.LittleEndian.Uint64(b[16:24]),
	}
}

// PutRadixEntry encodes e into b[:RadixEntrySize].
func PutRadixEntry(b []byte, e RadixEntry) {
	binary.LittleEndian.PutUint64(b[0:8], e.BlockOff)
	binary.LittleEndian.PutUint64(b[8:16], e.Epoch)
}

// GetRadixEntry decodes a RadixEntry from b[:RadixEntrySize].
func GetRadixEntry(b []byte) RadixEntry {
	return RadixEntry{
		BlockOff: binary.LittleEndian.Uint64(b[0:8]),
		Epoch:    binary.LittleEndian.Uint64(b[8:16]),
	}
}

// PutDnodeHeader encodes d into b[:DnodeHeaderSize].
func PutDnodeHeader(b []byte, d Dnode) {
	binary.LittleEndian.PutUint64(b[0:8], d.Right)
	binary.LittleEndian.PutUint64(b[8:16], d.Parent)
	binary.LittleEndian.PutUint32(b[16:20], d.NumKeys)
	binary.LittleEndian.PutUint32(b[20:24], uint32(d.Flags))
}

// GetDnodeHeader decodes a Dnode header from b[:DnodeHeaderSize].
func GetDnodeHeader(b []byte) Dnode {
	return Dnode{
		Right:   binary.LittleEndian.Uint64(b[0:8]),
		Parent:  binary.LittleEndian.Uint64(b[8:16]),
		NumKeys: binary.LittleEndian.Uint32(b[16:20]),
		Flags:   NodeFlag(binary.LittleEndian.Uint32(b[20:24])),
	}
}

// InodeSize is the on-disk width of an Inode record, not counting
// padding out to BlockSize.
const InodeSize = 8 /*id*/ + 4 + 4 + 4 + 4 /*uid,gid,mode,nlink*/ +
	8 + 8 /*size,sizeblks*/ +
	4*(8+4) /*four timespecs*/ +
	4 + 4 /*flags,magic*/ +
	DiskPtrSize +
	4 + 8 /*record stat*/

// PutInode encodes ino into b[:InodeSize].
func PutInode(b []byte, ino Inode) {
	o := 0
	putU64 := func(v uint64) { binary.LittleEndian.PutUint64(b[o:o+8], v); o += 8 }
	putU32 := func(v uint32) { binary.LittleEndian.PutUint32(b[o:o+4], v); o += 4 }
	putTS := func(ts Timespec) {
		binary.LittleEndian.PutUint64(b[o:o+8], uint64(ts.Sec))
		o += 8
		binary.LittleEndian.PutUint32(b[o:o+4], uint32(ts.Nsec))
		o += 4
	}

	putU64(ino.ID)
	putU32(ino.Uid)
	putU32(ino.Gid)
	putU32(ino.Mode)
	putU32(ino.Nlink)
	putU64(ino.Size)
	putU64(ino.SizeBlks)
	putTS(ino.Ctime)
	putTS(ino.Mtime)
	putTS(ino.Atime)
	putTS(ino.Btime)
	putU32(ino.Flags)
	putU32(ino.Magic)
	PutDiskPtr(b[o:o+DiskPtrSize], ino.Data)
	o += DiskPtrSize
	putU32(ino.Stat.RecType)
	putU64(ino.Stat.RecLen)
}

// GetInode decodes an Inode record from b[:InodeSize].
func GetInode(b []byte) Inode {
	o := 0
	getU64 := func() uint64 { v := binary.LittleEndian.Uint64(b[o : o+8]); o += 8; return v }
	getU32 := func() uint32 { v := binary.LittleEndian.Uint32(b[o : o+4]); o += 4; return v }
	getTS := func() Timespec {
		sec := int64(binary.LittleEndian.Uint64(b[o : o+8]))
		o += 8
		nsec := int32(binary.LittleEndian.Uint32(b[o : o+4]))
		o += 4
		return Timespec{Sec: sec, Nsec: nsec}
	}

	var ino Inode
	ino.ID = getU64()
	ino.Uid = getU32()
	ino.Gid = getU32()
	ino.Mode = getU32()
	ino.Nlink = getU32()
	ino.Size = getU64()
	ino.SizeBlks = getU64()
	ino.Ctime = getTS()
	ino.Mtime = getTS()
	ino.Atime = getTS()
	ino.Btime = getTS()
	ino.Flags = getU32()
	ino.Magic = getU32()
	ino.Data = GetDiskPtr(b[o : o+DiskPtrSize])
	o += DiskPtrSize
	ino.Stat.RecType = getU32()
	ino.Stat.RecLen = getU64()
	return ino
}

// SuperblockSize is the on-disk width of a Superblock record.
const SuperblockSize = 8 + 2 + 2 + 4 + /*magic..flags*/
	4 + 4 + 8 + /*blocksize,sectorsize,totalblocks*/
	8 + 4 + /*epoch,slotindex*/
	4*DiskPtrSize +
	8 + 8 + 8

// PutSuperblock encodes sb into b[:SuperblockSize].
func PutSuperblock(b []byte, sb Superblock) {
	o := 0
	binary.LittleEndian.PutUint64(b[o:o+8], sb.Magic)
	o += 8
	binary.LittleEndian.PutUint16(b[o:o+2], sb.VerMajor)
	o += 2
	binary.LittleEndian.PutUint16(b[o:o+2], sb.VerMinor)
	o += 2
	binary.LittleEndian.PutUint32(b[o:o+4], sb.Flags)
	o += 4
	binary.LittleEndian.PutUint32(b[o:o+4], sb.FSBlockSize)
	o += 4
	binary.LittleEndian.PutUint32(b[o:o+4], sb.SectorSize)
	o += 4
	binary.LittleEndian.PutUint64(b[o:o+8], sb.TotalBlocks)
	o += 8
	binary.LittleEndian.PutUint64(b[o:o+8], sb.Epoch)
	o += 8
	binary.LittleEndian.PutUint32(b[o:o+4], sb.SlotIndex)
	o += 4
	for _, p := range []DiskPtr{sb.InodeIndexRoot, sb.AllocOffsetRoot, sb.AllocSizeRoot, sb.ChecksumTreeRoot} {
		PutDiskPtr(b[o:o+DiskPtrSize], p)
		o += DiskPtrSize
	}
	binary.LittleEndian.PutUint64(b[o:o+8], sb.DataBytesSynced)
	o += 8
	binary.LittleEndian.PutUint64(b[o:o+8], sb.MetaBytesSynced)
	o += 8
	binary.LittleEndian.PutUint64(b[o:o+8], sb.AttemptedCheckpoint)
	o += 8
}

// GetSuperblock decodes a Superblock record from b[:SuperblockSize].
func GetSuperblock(b []byte) Superblock {
	var sb Superblock
	o := 0
	sb.Magic = binary.LittleEndian.Uint64(b[o : o+8])
	o += 8
	sb.VerMajor = binary.LittleEndian.Uint16(b[o : o+2])
	o += 2
	sb.VerMinor = binary.LittleEndian.Uint16(b[o : o+2])
	o += 2
	sb.Flags = binary.LittleEndian.Uint32(b[o : o+4])
	o += 4
	sb.FSBlockSize = binary.LittleEndian.Uint32(b[o : o+4])
	o += 4
	sb.SectorSize = binary.LittleEndian.Uint32(b[o : o+4])
	o += 4
	sb.TotalBlocks = binary.LittleEndian.Uint64(b[o : o+8])
	o += 8
	sb.Epoch = binary.LittleEndian.Uint64(b[o : o+8])
	o += 8
	sb.SlotIndex = binary.LittleEndian.Uint32(b[o : o+4])
	o += 4
	ptrs := make([]*DiskPtr, 0, 4)
	ptrs = append(ptrs, &sb.InodeIndexRoot, &sb.AllocOffsetRoot, &sb.AllocSizeRoot, &sb.ChecksumTreeRoot)
	for _, p := range ptrs {
		*p = GetDiskPtr(b[o : o+DiskPtrSize])
		o += DiskPtrSize
	}
	sb.DataBytesSynced = binary.LittleEndian.Uint64(b[o : o+8])
	o += 8
	sb.MetaBytesSynced = binary.LittleEndian.Uint64(b[o : o+8])
	o += 8
	sb.AttemptedCheckpoint = binary.LittleEndian.Uint64(b[o : o+8])
	o += 8
	return sb
}
