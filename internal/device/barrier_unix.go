//go:build unix

package device

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// barrier issues fdatasync on the file descriptor: the acknowledgement of
// this call implies every prior write to f has reached stable storage,
// satisfying spec.md §6's barrier-write requirement.
func barrier(f *os.File) error {
	if err := unix.Fdatasync(int(f.Fd())); err != nil {
		return fmt.Errorf("device: barrier: %w", err)
	}
	return nil
}
