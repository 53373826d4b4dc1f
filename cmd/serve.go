package cmd

import (
	"github.com/spf13/cobra"

	"github.com/rcslab/aurora-sub001/internal/replication"
)

var (
	serveAddr    string
	serveBaseDir string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a checkpoint-replication server",
	Long: `serve listens for the checkpoint wire protocol spec.md §6 exposes
and mirrors incoming records under --base-dir, one directory per object
id and epoch, one file per record UUID.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":7676", "address to listen on")
	serveCmd.Flags().StringVar(&serveBaseDir, "base-dir", "./slos-replicas", "directory to mirror records into")
}

func runServe() error {
	srv := &replication.Server{BaseDir: serveBaseDir}
	if verbose {
		srv.Logger = cliLogger
	}
	logf("replication server listening on %s, writing under %s", serveAddr, serveBaseDir)
	return srv.ListenAndServe(serveAddr)
}
