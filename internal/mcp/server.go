// Package mcp exposes the QC engine as Model Context Protocol tools.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/labqc-server/internal/service"
)

// Transport types
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Server represents the QC engine MCP server
type Server struct {
	mcpServer *mcp.Server
	engine    service.Engine
	logger    *logrus.Logger
}

// NewServer creates a new MCP server instance with every tool registered
func NewServer(engine service.Engine, version string, logger *logrus.Logger) *Server {
	serverInfo := &mcp.Implementation{
		Name:    "labqc-server",
		Version: version,
	}

	server := &Server{
		mcpServer: mcp.NewServer(serverInfo, nil),
		engine:    engine,
		logger:    logger,
	}
	server.registerTools()
	return server
}

// Run serves the tools over the given transport until ctx is cancelled. Logs must not go
// to stdout when the transport is stdio.
func (s *Server) Run(ctx context.Context, transport string, httpPort int) error {
	switch transport {
	case TransportStdio, "":
		s.logger.Info("Starting MCP server on stdio")
		if err := s.mcpServer.Run(ctx, &mcp.StdioTransport{}); err != nil {
			return fmt.Errorf("MCP server failed: %w", err)
		}
		return nil
	case TransportHTTP:
		return s.serveHTTP(ctx, httpPort)
	default:
		return fmt.Errorf("unsupported transport type: %s", transport)
	}
}

func (s *Server) serveHTTP(ctx context.Context, port int) error {
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("port", port).Info("Starting MCP server on streamable HTTP")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("MCP HTTP server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
