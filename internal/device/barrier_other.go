//go:build !unix

package device

import (
	"fmt"
	"os"
)

// barrier falls back to a full fsync where fdatasync is unavailable.
func barrier(f *os.File) error {
	if err := f.Sync(); err != nil {
		return fmt.Errorf("device: barrier: %w", err)
	}
	return nil
}
