package device

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenReadWriteBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev.img")
	d, err := Open(path, 4096, 256)
	require.NoError(t, err)
	defer d.Close()

	require.Equal(t, uint32(4096), d.BlockSize())
	require.Equal(t, uint64(256), d.TotalBlocks())

	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, d.WriteBlock(10, data))

	got, err := d.ReadBlock(10)
	require.NoError(t, err)
	require.Equal(t, data, got)

	require.NoError(t, d.Barrier())
}

func TestReadBlockOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev.img")
	d, err := Open(path, 4096, 4)
	require.NoError(t, err)
	defer d.Close()

	_, err = d.ReadBlock(100)
	require.Error(t, err)
}

func TestStrategySynchronousCompletion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev.img")
	d, err := Open(path, 4096, 4)
	require.NoError(t, err)
	defer d.Close()

	write := make([]byte, 4096)
	write[0] = 0xAB
	var writeErr error
	d.Strategy(0, write, true, func(err error) { writeErr = err })
	require.NoError(t, writeErr)

	read := make([]byte, 4096)
	var readErr error
	d.Strategy(0, read, false, func(err error) { readErr = err })
	require.NoError(t, readErr)
	require.Equal(t, byte(0xAB), read[0])
}

func TestReadOfFreshlyExtendedBlockReturnsZeroes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev.img")
	d, err := Open(path, 4096, 1)
	require.NoError(t, err)
	defer d.Close()

	got, err := d.ReadBlock(0)
	require.NoError(t, err)
	for _, b := range got {
		require.Equal(t, byte(0), b)
	}
}
