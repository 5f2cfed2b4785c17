package main

import (
	"github.com/spf13/cobra"

	"github.com/labqc-server/internal/mcp"
)

func mcpCmd(configFile *string) *cobra.Command {
	var (
		transport string
		port      int
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the engine as MCP tools backed by PostgreSQL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			manager, err := loadManager(*configFile)
			if err != nil {
				return err
			}

			// stdout belongs to the protocol on stdio.
			logCfg := manager.GetConfig().Logging
			if transport == mcp.TransportStdio && logCfg.Output != "file" {
				logCfg.Output = "stderr"
			}

			a, err := newServerApp(ctx, manager, logCfg)
			if err != nil {
				return err
			}
			defer a.Close()

			return mcp.NewServer(a.engine, version, a.logger).Run(ctx, transport, port)
		},
	}
	cmd.Flags().StringVar(&transport, "transport", mcp.TransportStdio, "transport type: stdio or http")
	cmd.Flags().IntVar(&port, "port", 8081, "listen port for the http transport")
	return cmd
}
