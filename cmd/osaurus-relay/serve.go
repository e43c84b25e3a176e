package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/osaurus-ai/osaurus-relay/internal/config"
	"github.com/osaurus-ai/osaurus-relay/internal/relay"
	"github.com/osaurus-ai/osaurus-relay/internal/relaylog"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "osaurus-relay",
		Short: "WebSocket relay brokering public HTTP access to agent-hosted endpoints",
		Long: `osaurus-relay is a NAT-traversal relay: agent runtimes dial outbound to
/tunnel/connect over a signed WebSocket, claim one or more addresses, and the
relay forwards public requests for https://<address>.<base-domain>/* onto
that tunnel and streams the reply back.`,
		RunE: runServe,
	}
	return root
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := relaylog.New(cfg.LogLevel, cfg.LogFormat)

	registry := relay.NewRegistry()
	multiplexer := relay.NewMultiplexer(registry)
	router := relay.NewRouter(registry, multiplexer, cfg.BaseDomain, logger)
	defer router.Close()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("relay server starting", "addr", srv.Addr, "base_domain", cfg.BaseDomain)
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received, draining", "timeout", cfg.ShutdownTimeout)
	router.StopAccepting()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown timed out, forcing close", "error", err)
		_ = srv.Close()
	}

	// Every tunnel's own teardown is independent (it only touches its own
	// state and unregisters its own addresses), so closing them concurrently
	// bounds total shutdown latency to the slowest single tunnel rather than
	// their sum.
	var eg errgroup.Group
	for _, tun := range registry.AllTunnels() {
		tun := tun
		eg.Go(func() error {
			tun.Shutdown()
			return nil
		})
	}
	_ = eg.Wait()

	if err := <-serveErr; err != nil {
		return err
	}
	return nil
}
