package cmd

import (
	"log"
	"os"

	"github.com/rcslab/aurora-sub001/internal/mount"
)

// cliLogger adapts the standard logger to checkpoint.Logger/replication.Logger.
var cliLogger = log.New(os.Stderr, "slosctl: ", log.LstdFlags)

// mountFromConfig mounts with the package-wide CLI logger attached, so
// -v surfaces checkpoint/bootstrap messages without each command needing
// to wire its own logger.
func mountFromConfig(mc mount.Config) (*mount.FS, error) {
	if verbose {
		mc.Logger = cliLogger
	}
	return mount.Mount(mc)
}
