package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "nodeagent",
	Short:   "nodeagent - compute node heartbeat agent",
	Long:    `nodeagent registers a compute node with a marketd daemon and keeps it alive with signed heartbeats.`,
	Version: Version,
}

func init() {
	rootCmd.AddCommand(agentCmd)
}
