// Command usagectl is the operator CLI for the usage ingest service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// options are the persistent flags shared by every subcommand.
type options struct {
	server string
	token  string
	json   bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "usagectl",
		Short:         "Usage ingest CLI tool",
		Long:          `usagectl queries usage, manages dead letters and partitions, and mints admin credentials for the usage ingest service.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOr("USAGECTL_SERVER", "http://localhost:8080"), "ingestd base URL")
	flags.StringVar(&opts.token, "token", os.Getenv("USAGECTL_TOKEN"), "admin JWT; minted from JWT_SECRET when empty")
	flags.BoolVar(&opts.json, "json", false, "print raw JSON responses")

	rootCmd.AddCommand(queryCmd(opts))
	rootCmd.AddCommand(recordsCmd(opts))
	rootCmd.AddCommand(rebuildCmd(opts))
	rootCmd.AddCommand(replayCmd(opts))
	rootCmd.AddCommand(dlqCmd(opts))
	rootCmd.AddCommand(partitionsCmd(opts))
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(keygenCmd())

	return rootCmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
