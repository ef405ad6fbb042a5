package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/petal-labs/trellis"
	"github.com/petal-labs/trellis/otelx"
	"github.com/petal-labs/trellis/server"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		RunE:  runServe,
	}

	cmd.Flags().String("listen", "", "Listen address (default from config, else :8137)")
	cmd.Flags().String("config", "", "Path to trellis.yaml")
	cmd.Flags().String("sqlite-path", "", "Path to SQLite database (default: ~/.trellis/trellis.db)")
	cmd.Flags().String("tls-cert", "", "TLS certificate file")
	cmd.Flags().String("tls-key", "", "TLS key file")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 60*time.Second, "HTTP write timeout")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, configPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if configPath != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Loaded config from %s\n", configPath)
	}

	logger := slog.Default()

	shutdownTracing, err := setupTracing(cmd.Context())
	if err != nil {
		return exitError(exitRuntime, "%v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("trace exporter shutdown", "error", err)
		}
	}()

	observer, err := otelx.NewGatewayObserver(
		otelapi.GetMeterProvider().Meter("trellis/gateway"),
		otelapi.GetTracerProvider().Tracer("trellis/gateway"),
	)
	if err != nil {
		return fmt.Errorf("initializing gateway observability: %w", err)
	}

	parts, err := buildGateway(cmd.Context(), cmd, cfg, observer, logger)
	if err != nil {
		return err
	}
	defer parts.close()
	gateway := parts.gateway

	gateway.Start(cmd.Context())
	defer gateway.Stop()

	// Scheduled catalog refresh, when configured.
	if cfg.Discovery.Schedule != "" {
		scheduler, err := trellis.NewRefreshScheduler(trellis.RefreshSchedulerConfig{
			Gateway:  gateway,
			Schedule: cfg.Discovery.Schedule,
			Logger:   logger,
		})
		if err != nil {
			return exitError(exitConfig, "%v", err)
		}
		scheduler.Start(cmd.Context())
		defer scheduler.Stop()

		if cfg.Discovery.OnStart {
			if err := scheduler.RefreshAll(cmd.Context()); err != nil {
				logger.Warn("startup catalog refresh incomplete", "error", err)
			}
		}
	}

	maxBody, _ := cmd.Flags().GetInt64("max-body")
	handler := server.NewServer(server.Config{
		Gateway:     gateway,
		BearerToken: cfg.InboundToken,
		MaxBody:     maxBody,
		Logger:      logger,
	}).Handler()

	addr, _ := cmd.Flags().GetString("listen")
	if addr == "" {
		addr = cfg.Listen
	}
	if addr == "" {
		addr = ":8137"
	}
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	tlsCert, _ := cmd.Flags().GetString("tls-cert")
	tlsKey, _ := cmd.Flags().GetString("tls-key")

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "Trellis gateway listening on %s\n", addr)
		if tlsCert != "" && tlsKey != "" {
			errCh <- httpServer.ListenAndServeTLS(tlsCert, tlsKey)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
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
