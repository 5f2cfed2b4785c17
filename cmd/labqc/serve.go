package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/labqc-server/internal/api"
)

func serveCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			manager, err := loadManager(*configFile)
			if err != nil {
				return err
			}
			cfg := manager.GetConfig()

			a, err := newServerApp(ctx, manager, cfg.Logging)
			if err != nil {
				return err
			}
			defer a.Close()

			a.logger.WithFields(logrus.Fields{
				"version":     version,
				"environment": cfg.Environment,
				"target":      cfg.QC.TargetSource,
			}).Info("Starting lab QC server")

			api.Version = version
			server := api.NewServer(cfg.Server, a.engine, a.logger)
			for name, check := range a.checks {
				server.AddHealthCheck(name, check)
			}

			if err := server.Start(ctx); err != nil {
				a.logger.WithError(err).Error("Server stopped with error")
				return err
			}
			a.logger.Info("Server shutdown complete")
			return nil
		},
	}
}
