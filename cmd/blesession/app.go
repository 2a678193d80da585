package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blesession/internal/controller"
	goble "github.com/srg/blesession/internal/device/go-ble"
	"github.com/srg/blesession/internal/metrics"
	"github.com/srg/blesession/internal/stream"
	"github.com/srg/blesession/pkg/config"
	"golang.org/x/sync/errgroup"
)

const metricsShutdownTimeout = 2 * time.Second

// loadConfig reads --config (defaults when unset) and applies global flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		cfg.MetricsAddr = addr
	}
	return cfg, nil
}

// newController opens the platform radio and wires a controller over it.
func newController(cfg *config.Config, logger *logrus.Logger) (*controller.Controller, error) {
	decoder, err := stream.NewDecoder(cfg.Stream.Decoder)
	if err != nil {
		return nil, err
	}

	radio, err := goble.NewRadio(logger, cfg.Scan.AllowDuplicates)
	if err != nil {
		return nil, fmt.Errorf("failed to open BLE radio: %w", err)
	}

	return controller.New(radio, cfg.PermissionGate(logger), controller.Options{
		Session:        cfg.SessionOptions(),
		Decoder:        decoder,
		SnapshotBuffer: cfg.SnapshotBuffer,
	}, logger), nil
}

// runWithMetrics runs fn, serving /metrics alongside it when addr is set.
// The server stops when fn returns; a server failure cancels fn.
func runWithMetrics(ctx context.Context, addr string, logger *logrus.Logger, fn func(context.Context) error) error {
	if addr == "" {
		return fn(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveMetrics(gctx, addr, logger)
	})
	g.Go(func() error {
		defer cancel()
		return fn(gctx)
	})
	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, logger *logrus.Logger) error {
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		return err
	}
	reg.MustRegister(collectors.NewGoCollector())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", addr).Info("Serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithField("error", err).Warn("Metrics server shutdown failed")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
