package cmd

import (
	"github.com/spf13/cobra"

	"github.com/rcslab/aurora-sub001/internal/config"
)

var checkpointDevicePath string

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Force one checkpoint against a freshly mounted image",
	Long: `checkpoint mounts the image, forces one synchronous checkpoint,
and unmounts. There is no separate daemon to signal in this build, so
this is equivalent to running mount with a checkpoint period of zero and
exiting after the first cycle.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCheckpoint()
	},
}

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.Flags().StringVar(&checkpointDevicePath, "device", "", "override the configured device path")
}

func runCheckpoint() error {
	sysctls, err := config.Load()
	if err != nil {
		return err
	}
	if checkpointDevicePath != "" {
		sysctls.DevicePath = checkpointDevicePath
	}
	mc, err := sysctls.MountConfig()
	if err != nil {
		return err
	}

	fs, err := mountFromConfig(mc)
	if err != nil {
		return err
	}
	defer fs.Unmount()

	if err := fs.Checkpoint(); err != nil {
		return err
	}
	logf("checkpoint committed: epoch %d", fs.Epoch())
	return nil
}
