// Package cmd provides the bastion command-line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "bastion",
	Short: "Session-bound CSRF defense engine",
	Long: `Bastion issues and rotates anti-forgery tokens, binds sessions to
device fingerprints, and scores per-session request behavior for anomalies
indicating token theft, replay, or automated abuse.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the bastion version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("bastion", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
