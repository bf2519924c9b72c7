package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	exitOK            = 0
	exitConfigError   = 1
	exitStartupFailed = 2
	exitForcedExit    = 3
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitConfigError)
	}
}

var rootCmd = &cobra.Command{
	Use:   "marketd",
	Short: "marketd - marketplace compute runtime",
	Long: `marketd brokers HPC compute between the on-chain order book and
provider-run clusters: it aggregates node heartbeats, schedules jobs,
reports billable usage to the marketplace, and follows the chain's
event stream.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"marketd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.AddCommand(runCmd)
}
