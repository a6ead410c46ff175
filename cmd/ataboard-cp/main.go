package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ataboard/ataboard/internal/billingcp"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "ataboard-cp",
	Short:   "AtaBoard billing control plane",
	Long:    `The AtaBoard control plane handles checkout, billing portal, entitlement reads and Stripe webhooks for the AtaBoard meeting-minutes service.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return billingcp.Run(context.Background(), Version)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("AtaBoard CP %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
