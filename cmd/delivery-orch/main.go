package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "delivery-orch",
		Short: "Delivery Orchestrator - autonomous multi-phase delivery pipelines",
		Long: `Delivery Orchestrator drives issues through a fixed delivery pipeline
(plan, validate, build, lint, test, review, document, ship, cleanup,
verify), giving each run an isolated working copy and port pair, and
talking to the issue tracker through a rate-limit-aware client.`,
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
