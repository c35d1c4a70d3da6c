// Package server implements the wk server CLI entry point.
package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/tsln1998/wk/internal/api"
	"github.com/tsln1998/wk/internal/ingest"
	"github.com/tsln1998/wk/internal/rpc"
	"github.com/tsln1998/wk/internal/store"
	"github.com/tsln1998/wk/pkg/config"
	"github.com/tsln1998/wk/pkg/logger"
)

// Run starts the ingestion server (HTTP API + RPC) and blocks until a
// termination signal arrives.
func Run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logger.Init(cfg.Server.LogLevel)

	reportInterval, err := cfg.Server.ParseReportInterval()
	if err != nil {
		return fmt.Errorf("parsing report interval: %w", err)
	}
	idleTimeout, err := cfg.Server.ParseStreamIdleTimeout()
	if err != nil {
		return fmt.Errorf("parsing stream idle timeout: %w", err)
	}
	shutdownTimeout, err := cfg.Server.ParseShutdownTimeout()
	if err != nil {
		return fmt.Errorf("parsing shutdown timeout: %w", err)
	}
	mode, err := ingest.ParseMode(cfg.Ingest.MailboxMode)
	if err != nil {
		return err
	}

	// Open store
	db, err := store.Open(cfg.Storage.Driver, cfg.Storage.Path, log)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	registry := ingest.NewRegistry(ingest.NewHostApplier(db, log), cfg.Ingest.MailboxCapacity, mode, log)
	resolver := ingest.NewResolver(db, log)

	srv := api.New(api.Options{
		Debug:             cfg.Server.Debug,
		RateLimit:         cfg.Server.RateLimit,
		MaxConns:          cfg.Server.MaxConns,
		ReportInterval:    reportInterval,
		StreamIdleTimeout: idleTimeout,
	}, resolver, registry, log)

	// Start RPC server
	var rpcCloser io.Closer
	if cfg.Server.RPCSocket != "" {
		rpcCloser, err = rpc.StartServer(cfg.Server.RPCSocket, db, log)
		if err != nil {
			return fmt.Errorf("starting RPC server: %w", err)
		}
		defer rpcCloser.Close()
	}

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Listen, err)
	}

	log.Info().
		Str("listen", cfg.Server.Listen).
		Str("driver", cfg.Storage.Driver).
		Str("db_path", cfg.Storage.Path).
		Str("rpc_socket", cfg.Server.RPCSocket).
		Str("mailbox_mode", string(mode)).
		Int("mailbox_capacity", cfg.Ingest.MailboxCapacity).
		Msg("Starting wk server")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ln)
	}()

	// Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Dur("timeout", shutdownTimeout).Msg("Shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	if err := registry.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Int("mailboxes", registry.Len()).Msg("Mailboxes did not drain, pending events are lost")
	}

	log.Info().Msg("Server stopped")
	return nil
}
