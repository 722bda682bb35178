package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/artpar/meterd/bootstrap"
	"github.com/artpar/meterd/config"
)

var hotReload bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the usage accounting service",
	Long: `Start the meterd service.

The service will:
  - Load configuration from meterd.yaml (or --config)
  - Open the aggregate store and run migrations
  - Start the ingest API and the aggregation worker pool

Environment overrides:
  METERD_SERVER_PORT    - HTTP port (default: 8080)
  METERD_DATABASE_DSN   - SQLite path (default: meterd.db)
  METERD_FX_URL         - Exchange-rate API base URL
  METERD_REDIS_ADDR     - Enable the Redis decision cache
  METERD_LOG_LEVEL      - debug, info, warn, error`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "enable hot reload of configuration")
}

func runServe(cmd *cobra.Command, args []string) error {
	var (
		app *bootstrap.App
		err error
	)

	if hotReload {
		app, err = bootstrap.NewWithHotReload(cfgFile)
	} else {
		var cfg *config.Config
		cfg, err = config.Load(cfgFile)
		if err == nil {
			app, err = bootstrap.New(cfg)
		}
	}
	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}

	// Run (blocks until shutdown)
	return app.Run()
}
