package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/mcphost/internal/api"
	"github.com/nugget/mcphost/internal/buildinfo"
	"github.com/nugget/mcphost/internal/events"
)

// shutdownTimeout bounds HTTP drain on exit.
const shutdownTimeout = 10 * time.Second

func newServeCommand(g *globals) *cobra.Command {
	var (
		address string
		port    int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start all servers and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), g, address, port)
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "listen address (default: from config)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default: from config)")
	return cmd
}

// runServe starts the host and the API, then blocks until SIGINT or
// SIGTERM (or ctx cancellation) and shuts both down.
func runServe(ctx context.Context, g *globals, address string, port int) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()
	host, report, cfg, logger, err := g.startHost(ctx, bus)
	if err != nil {
		return err
	}
	defer host.Close()

	logger.Info("starting mcphost", "build", buildinfo.String())
	for _, d := range report.Diagnostics {
		if d.Err != nil {
			logger.Warn("MCP server unavailable", "mcp_server", d.Server, "kind", d.Kind, "error", d.Err)
		}
	}

	if address == "" {
		address = cfg.Listen.Address
	}
	if port == 0 {
		port = cfg.Listen.Port
	}
	server := api.NewServer(address, port, host, logger)
	server.SetEvents(bus)

	errc := make(chan error, 1)
	go func() { errc <- server.Start(ctx) }()

	select {
	case err := <-errc:
		if err != nil {
			return err
		}
		return errors.New("API server stopped unexpectedly")
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown", "error", err)
	}
	return host.Close()
}
