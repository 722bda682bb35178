package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/artpar/meterd/adapters/sqlite"
	"github.com/artpar/meterd/config"
	"github.com/artpar/meterd/ports"
)

var (
	usageUserID string
	usageMonth  string
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Print a user's usage aggregates",
	Long: `Read a user's lifetime and monthly aggregates straight from the
aggregate store and print them as JSON. Useful for debugging accounting
without going through the API.`,
	RunE: runUsage,
}

func init() {
	rootCmd.AddCommand(usageCmd)
	usageCmd.Flags().StringVarP(&usageUserID, "user", "u", "", "user id (required)")
	usageCmd.Flags().StringVarP(&usageMonth, "month", "m", "", "month key YYYY-MM (default: current)")
	usageCmd.MarkFlagRequired("user")
}

func runUsage(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if cfg.Database.Driver != "sqlite" {
		return fmt.Errorf("usage command requires the sqlite driver, got %q", cfg.Database.Driver)
	}

	db, err := sqlite.Open(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	store := sqlite.NewUsageStore(db)
	ctx := context.Background()

	month := usageMonth
	if month == "" {
		month = time.Now().UTC().Format("2006-01")
	}

	lt, err := store.Lifetime(ctx, usageUserID)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return fmt.Errorf("no usage recorded for user %q", usageUserID)
		}
		return err
	}

	out := map[string]any{"lifetime": lt}
	m, err := store.Monthly(ctx, usageUserID, month)
	switch {
	case err == nil:
		out["monthly"] = m
	case errors.Is(err, ports.ErrNotFound):
		// no activity that month
	default:
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
