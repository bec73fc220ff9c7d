package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalstream/server"
)

// Version is reported to tool providers and by --version. Set by main.
var Version = "dev"

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the streaming completion gateway",
		RunE:  runServe,
	}

	cmd.Flags().IntP("port", "p", 8080, "Listen port")
	cmd.Flags().String("host", "0.0.0.0", "Listen host")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().String("config", "", "Path to petalstream.yaml")
	cmd.Flags().String("tls-cert", "", "TLS certificate file")
	cmd.Flags().String("tls-key", "", "TLS key file")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown bound")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	tlsCert, _ := cmd.Flags().GetString("tls-cert")
	tlsKey, _ := cmd.Flags().GetString("tls-key")

	logger := commandLogger(cmd)
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if path != "" {
		logger.Info("loaded config", "path", path, "providers", len(cfg.Providers))
	}

	// Signal handling
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := newGateway(ctx, cfg, path, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := gw.close(closeCtx); err != nil {
			logger.Error("gateway close", "error", err)
		}
	}()

	if gw.health != nil {
		if err := gw.health.Start(ctx); err != nil {
			return exitError(exitRuntime, "starting health prober: %v", err)
		}
	}

	var health server.HealthSource
	if gw.health != nil {
		health = gw.health
	}
	api, err := server.NewServer(server.ServerConfig{
		Orchestrator: gw.orchestrator,
		Catalog:      server.AggregatorCatalog(gw.aggregator, gw.specs),
		Health:       health,
		MarketData:   gw.marketData,
		Bus:          gw.bus,
		EventStore:   gw.store,
		Heartbeat:    cfg.Session.Heartbeat,
		CORSOrigin:   corsOrigin,
		MaxBody:      maxBody,
		Logger:       logger,
	})
	if err != nil {
		return exitError(exitConfig, "creating server: %v", err)
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	// No WriteTimeout: completion streams stay open for the whole session.
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "petalstream gateway listening on %s (backend %s)\n", addr, gw.backend.Name())
		if tlsCert != "" && tlsKey != "" {
			errCh <- httpServer.ListenAndServeTLS(tlsCert, tlsKey)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Streaming handlers return once their sessions end.
		if err := gw.orchestrator.Shutdown(shutdownCtx); err != nil {
			logger.Warn("sessions still open at shutdown", "error", err)
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}
