package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

var serverURL string

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "umpire",
		Short: "Umpire - factory bundle deployment client",
		Long: `umpire talks to an umpired server: it adds configs and payload
descriptors, deploys configs and reports what the server is serving.`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("UMPIRE_SERVER", "http://localhost:8080"), "Umpire server URL (or set UMPIRE_SERVER)")

	rootCmd.AddCommand(
		buildDeployCmd(),
		buildAddConfigCmd(),
		buildStatusCmd(),
		buildSelectCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
