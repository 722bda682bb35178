package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/artpar/meterd/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and pricing tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		registry, err := cfg.PricingRegistry()
		if err != nil {
			return fmt.Errorf("pricing: %w", err)
		}

		fmt.Printf("Config OK: %s\n", cfgFile)
		fmt.Printf("  database: %s (%s)\n", cfg.Database.Driver, cfg.Database.DSN)
		fmt.Printf("  dispatch: %d workers, queue %d, policy %s\n",
			cfg.Dispatch.Workers, cfg.Dispatch.QueueSize, cfg.Dispatch.FullPolicy)
		fmt.Printf("  pricing versions: %v (active %s)\n", registry.Versions(), registry.Active().Version)
		fmt.Printf("  quota defaults: monthly %.2f USD, daily %.2f USD, soft %.0f%%\n",
			cfg.Quota.MonthlyLimitUSD, cfg.Quota.DailyLimitUSD, cfg.Quota.SoftLimitPct*100)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
