package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rcslab/aurora-sub001/internal/config"
)

var mountDevicePath string

var mountCmd = &cobra.Command{
	Use:   "mount",
	Short: "Mount an image and block until interrupted",
	Long: `mount loads sysctls via internal/config, mounts the image, and
blocks with the syncer running in the background until SIGINT/SIGTERM,
at which point it unmounts cleanly (a final checkpoint included).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMount()
	},
}

func init() {
	rootCmd.AddCommand(mountCmd)
	mountCmd.Flags().StringVar(&mountDevicePath, "device", "", "override the configured device path")
}

func runMount() error {
	sysctls, err := config.Load()
	if err != nil {
		return err
	}
	if mountDevicePath != "" {
		sysctls.DevicePath = mountDevicePath
	}
	mc, err := sysctls.MountConfig()
	if err != nil {
		return err
	}

	fs, err := mountFromConfig(mc)
	if err != nil {
		return err
	}
	logf("mounted %s (epoch %d)", sysctls.DevicePath, fs.Epoch())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logf("unmounting %s", sysctls.DevicePath)
	return fs.Unmount()
}
