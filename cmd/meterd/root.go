package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "meterd",
	Short: "Usage accounting service for generative-AI provider calls",
	Long: `meterd ingests completed AI provider call events, attributes
cost and tokens to users and plans, and maintains lifetime and monthly
aggregates with exactly-once accounting per request id.

Quick start:
  meterd validate   # Check configuration and pricing tables
  meterd serve      # Start the accounting service

Inspection:
  meterd usage --user <id>   # Print a user's aggregate`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "meterd.yaml", "config file path")
}
