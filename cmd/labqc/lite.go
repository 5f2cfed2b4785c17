package main

import (
	"github.com/spf13/cobra"

	"github.com/labqc-server/internal/config"
	"github.com/labqc-server/internal/mcp"
)

func liteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lite",
		Short: "Serve MCP tools from memory with a local SQLite audit log",
		Long: `Runs without PostgreSQL or Redis. Settings come from LABQC_* environment variables:
LABQC_DATA_DIR, LABQC_ANALYTES_FILE, LABQC_TRANSPORT, LABQC_HTTP_PORT,
LABQC_QC_TARGET_SOURCE, LABQC_QC_HISTORY_WINDOW, LABQC_QC_MAX_STALE_RETRIES,
LABQC_CACHE_MAX_ITEMS, LABQC_CACHE_TTL,
LABQC_LOG_LEVEL and LABQC_LOG_FORMAT.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			cfg := config.LoadLiteConfig()
			a, err := newLiteApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			a.logger.WithField("data_dir", cfg.DataDir).Info("Starting lab QC lite server")
			return mcp.NewServer(a.engine, version, a.logger).Run(ctx, cfg.Transport, cfg.HTTPPort)
		},
	}
}
