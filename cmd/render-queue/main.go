package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "render-queue",
		Short: "Render Queue - batch renders through the Commandline renderer",
		Long: `Render Queue keeps a persistent list of render tasks and runs them through
the configured renderer versions, one at a time or on a pool of workers
sized to the host. Output is streamed to the log, recorded in a history
database and available over HTTP, SSE and WebSocket.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
