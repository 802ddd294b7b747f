package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	grpchealth "google.golang.org/grpc/health"

	"github.com/opentalon/conductor/internal/config"
	"github.com/opentalon/conductor/internal/health"
	"github.com/opentalon/conductor/internal/server"
	"github.com/opentalon/conductor/internal/version"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the query API over HTTP and websocket",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := []server.Option{
		server.WithMetrics(a.metrics),
		server.WithHistory(a.history),
	}
	if cfg.Health.Enabled {
		mon, err := startHealth(ctx, cfg, a)
		if err != nil {
			return err
		}
		defer mon.Stop()
		opts = append(opts, server.WithMonitor(mon))
	}

	fmt.Fprintln(cmd.ErrOrStderr(), version.Get())
	srv := server.New(a.orch, opts...)
	return srv.ListenAndServe(ctx, cfg.Server.Addr,
		config.Duration(cfg.Server.ReadTimeout), config.Duration(cfg.Server.WriteTimeout))
}

func startHealth(ctx context.Context, cfg *config.Config, a *app) (*health.Monitor, error) {
	hs := grpchealth.NewServer()
	mon := health.NewMonitor(a.source,
		health.WithSchedule(cfg.Health.Schedule),
		health.WithHealthServer(hs),
	)
	if err := mon.Start(ctx); err != nil {
		return nil, fmt.Errorf("health monitor: %w", err)
	}
	if cfg.Server.GRPCAddr != "" {
		if _, err := health.ServeGRPC(ctx, cfg.Server.GRPCAddr, hs); err != nil {
			mon.Stop()
			return nil, err
		}
	}
	return mon, nil
}
