// Command smubench runs a measurement plan against a Keithley SMU, optionally
// stepping through the devices of a switch-matrix fixture, and exports each run
// as CSV.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dex-sp/smubench/instruments"
)

const (
	Version = "0.1.0"
	appName = "smubench"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, err := parseFlags(args)
	if err != nil {
		return err
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if err := validateFlags(cliCfg); err != nil {
		return errors.Wrap(err, "invalid flags")
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file loaded", "error", err)
	}

	plan, err := loadPlan(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if err := plan.Validate(); err != nil {
		return errors.Wrap(err, "invalid plan")
	}
	if cliCfg.Validate {
		logger.Info("Run plan is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	metrics, err := instruments.NewMetrics(reg)
	if err != nil {
		return errors.Wrap(err, "register metrics")
	}

	b, err := openBench(plan, logger, metrics)
	if err != nil {
		return err
	}
	defer b.Close()

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, measured := context.WithCancel(gctx)
	defer measured()

	if plan.Metrics.Address != "" {
		g.Go(func() error {
			return serveMetrics(serveCtx, plan.Metrics.Address, reg, logger)
		})
	}
	g.Go(func() error {
		defer measured()
		return b.Measure(gctx, plan)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		logger.Warn("Interrupted, measurement cancelled")
		return nil
	}
	return err
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("Metrics endpoint listening", "address", addr)

	select {
	case err := <-errc:
		return errors.Wrapf(err, "metrics server on %s", addr)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
