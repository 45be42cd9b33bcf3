package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/quantum"
	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/server"
	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/telemetry"
)

// DaemonCmd runs the store as a long-lived process: the optimize scheduler
// plus the ops HTTP server.
type DaemonCmd struct {
	Address          string        `help:"Address for the ops HTTP server." default:":8080"`
	AuthToken        string        `help:"Bearer token protecting the ops API." env:"ARCANA_AUTH_TOKEN"`
	SweepInterval    time.Duration `help:"How often the optimize scheduler runs." default:"1h"`
	OTLPEndpoint     string        `help:"OTLP gRPC endpoint for metrics export."`
	EnablePrometheus bool          `help:"Expose Prometheus metrics at /metrics." default:"true" negatable:""`
}

func (c *DaemonCmd) Run(app *appContext) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics first so the engine and server record from the start
	metricsShutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "arcana",
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.EnablePrometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsShutdown(shutdownCtx); err != nil {
			app.logger.Error("metrics shutdown", "error", err)
		}
	}()

	eng, err := app.openEngine(
		quantum.WithMetrics(telemetry.Sink{}),
		quantum.WithSweepInterval(c.SweepInterval),
	)
	if err != nil {
		return err
	}
	defer eng.Close()

	srv, err := server.New(eng, server.Config{
		Address:   c.Address,
		AuthToken: c.AuthToken,
		Logger:    app.logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	eng.StartScheduler()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		app.logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	app.logger.Info("daemon started",
		"address", srv.Address(),
		"root", eng.Root(),
		"sweep_interval", c.SweepInterval,
		"encrypted", app.Keyring != "",
	)
	fmt.Println()
	fmt.Println("Ops endpoints:")
	fmt.Printf("  curl http://localhost%s/health\n", srv.Address())
	fmt.Printf("  curl http://localhost%s/v1/stats\n", srv.Address())
	fmt.Printf("  curl -X POST http://localhost%s/v1/optimize\n", srv.Address())
	fmt.Println()

	// Wait for shutdown or error
	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
