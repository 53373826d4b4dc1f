// Package cmd implements slosctl, the operator CLI for mounting,
// checkpointing, inspecting, and replicating a slos filesystem image.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	verbose      bool
	quiet        bool
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "slosctl",
	Short: "Operate a slos filesystem image",
	Long: `slosctl mounts, checkpoints, inspects, and replicates a slos
filesystem image: a copy-on-write, checkpoint-based block store with a
fixed-depth per-file radix tree and B+tree-backed metadata.

Commands:
  mount       Mount an image and block until interrupted
  checkpoint  Force one checkpoint against a freshly mounted image
  fsck        Walk the inode index and report inconsistent records
  serve       Run a checkpoint-replication server
  stat        Print an inode or superblock record`,
	Version: "0.1.0-dev",
}

// Execute runs the root command, exiting non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress output except errors")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, json)")
}

func GetVerbose() bool      { return verbose }
func GetQuiet() bool        { return quiet }
func GetOutputFormat() string { return outputFormat }

func logf(format string, args ...any) {
	if quiet {
		return
	}
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

func verbosef(format string, args ...any) {
	if !verbose || quiet {
		return
	}
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}
