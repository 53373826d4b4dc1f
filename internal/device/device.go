// Package device implements the block-device I/O layer (spec.md §2
// component A): fixed-size block reads/writes with a barrier-write
// primitive, backed by a single on-disk file.
//
// Grounded on internal/disk/dmg.go's *os.File-backed device from the
// teacher repo, generalized from read-only DMG access to a read/write
// device and given a real barrier (fdatasync) instead of the teacher's
// implicit "reads only" contract.
package device

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rcslab/aurora-sub001/internal/slserr"
	"github.com/rcslab/aurora-sub001/internal/types"
)

// CompletionFunc is invoked when an asynchronous strategy call finishes.
type CompletionFunc func(err error)

// Device is the block-device interface every higher layer programs
// against. BlockSize and TotalBlocks describe device geometry, probed at
// Open time.
type Device interface {
	io.Closer

	BlockSize() uint32
	TotalBlocks() uint64

	ReadBlock(blk uint64) ([]byte, error)
	WriteBlock(blk uint64, data []byte) error

	// ReadAt/WriteAt operate on byte ranges, used for sub-block reads
	// such as a single superblock-ring slot.
	ReadAt(off int64, length int) ([]byte, error)
	WriteAt(off int64, data []byte) error

	// Strategy issues an asynchronous block write or read; done is
	// called with the outcome when the underlying I/O completes. The
	// file-backed implementation below runs it synchronously and calls
	// done inline, which satisfies every ordering guarantee spec.md §5
	// asks for without needing a real async I/O subsystem.
	Strategy(blk uint64, data []byte, write bool, done CompletionFunc)

	// Barrier issues a write whose acknowledgement implies every prior
	// write already reached stable storage (spec.md §6).
	Barrier() error
}

// FileDevice is a Device backed by a single regular file, used both for
// real deployments (a pre-sized image file) and for tests.
type FileDevice struct {
	mu        sync.Mutex
	f         *os.File
	blockSize uint32
	blocks    uint64
}

// Open opens (or creates, if it does not exist) path as a block device of
// the given geometry. If the file is smaller than blockSize*blocks it is
// extended with zeroes.
func Open(path string, blockSize uint32, blocks uint64) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("device: open %s: %w", path, err)
	}
	size := int64(blockSize) * int64(blocks)
	if st, statErr := f.Stat(); statErr != nil || st.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("device: size %s to %d bytes: %w", path, size, err)
		}
	}
	return &FileDevice{f: f, blockSize: blockSize, blocks: blocks}, nil
}

func (d *FileDevice) Close() error { return d.f.Close() }

func (d *FileDevice) BlockSize() uint32   { return d.blockSize }
func (d *FileDevice) TotalBlocks() uint64 { return d.blocks }

func (d *FileDevice) checkBlock(blk uint64) error {
	if blk >= d.blocks {
		return fmt.Errorf("device: block %d out of range (%d total): %w", blk, d.blocks, slserr.ErrIoError)
	}
	return nil
}

func (d *FileDevice) ReadBlock(blk uint64) ([]byte, error) {
	if err := d.checkBlock(blk); err != nil {
		return nil, err
	}
	return d.ReadAt(int64(blk)*int64(d.blockSize), int(d.blockSize))
}

func (d *FileDevice) WriteBlock(blk uint64, data []byte) error {
	if err := d.checkBlock(blk); err != nil {
		return err
	}
	if uint32(len(data)) != d.blockSize {
		return fmt.Errorf("device: write block %d: expected %d bytes, got %d", blk, d.blockSize, len(data))
	}
	return d.WriteAt(int64(blk)*int64(d.blockSize), data)
}

func (d *FileDevice) ReadAt(off int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	d.mu.Lock()
	n, err := d.f.ReadAt(buf, off)
	d.mu.Unlock()
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("device: read at %d: %w: %v", off, slserr.ErrIoError, err)
	}
	for ; n < length; n++ {
		buf[n] = 0
	}
	return buf, nil
}

func (d *FileDevice) WriteAt(off int64, data []byte) error {
	d.mu.Lock()
	_, err := d.f.WriteAt(data, off)
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("device: write at %d: %w: %v", off, slserr.ErrIoError, err)
	}
	return nil
}

// Strategy resolves logical-block strategy calls synchronously: the
// buffer manager (package buffer) is the only caller and it already runs
// off the thread that can afford to block, matching spec.md §5's note
// that "individual buffer I/Os do not support cancellation".
func (d *FileDevice) Strategy(blk uint64, data []byte, write bool, done CompletionFunc) {
	var err error
	if write {
		err = d.WriteBlock(blk, data)
	} else {
		var got []byte
		got, err = d.ReadBlock(blk)
		if err == nil {
			copy(data, got)
		}
	}
	if done != nil {
		done(err)
	}
}

func (d *FileDevice) Barrier() error {
	return barrier(d.f)
}

var _ Device = (*FileDevice)(nil)

// ZeroBlock returns a freshly allocated, zeroed block-sized buffer.
func ZeroBlock(blockSize uint32) []byte {
	return make([]byte, blockSize)
}

// BlockOfPtr returns the starting block number of a disk pointer.
func BlockOfPtr(p types.DiskPtr) uint64 { return p.Offset }
