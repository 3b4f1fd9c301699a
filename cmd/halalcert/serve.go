package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/normanking/halalcert/internal/a2a"
	"github.com/normanking/halalcert/internal/logging"
	"github.com/normanking/halalcert/internal/server"
	"github.com/normanking/halalcert/internal/system"
)

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and A2A service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return runServe(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sys, err := system.New(cfg, system.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := sys.Start(ctx); err != nil {
		_ = sys.Shutdown(context.Background())
		return fmt.Errorf("start system: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := logging.DetachContextWithTimeout(ctx, cfg.System.ShutdownTimeout)
		defer cancel()
		if err := sys.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("system shutdown")
		}
	}()

	var opts []server.Option
	if cfg.A2A.Enabled {
		h := a2a.NewHandler(sys, cfg.A2A, cfg.Server.Addr, logging.Component(logger, "a2a"))
		opts = append(opts, server.WithMount(a2a.MountPath, a2a.Mount(h)))
	}
	srv, err := server.New(sys, cfg.Server, logging.Component(logger, "http"), opts...)
	if err != nil {
		return err
	}
	defer srv.Close()

	logger.Info().
		Str("addr", cfg.Server.Addr).
		Bool("a2a", cfg.A2A.Enabled).
		Bool("auth", len(cfg.Server.APIKeyHashes) > 0).
		Msg("halalcert serving")

	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
