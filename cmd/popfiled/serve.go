package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hhoffstaette/popfile/internal/logging"
	"github.com/hhoffstaette/popfile/internal/metrics"
	"github.com/hhoffstaette/popfile/internal/proxy"
)

func runServe(args []string) {
	cfg := loadConfig("serve", args, nil)
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	var collector metrics.Collector = &metrics.NoopCollector{}
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)
		metricsServer := metrics.NewPrometheusServer(cfg.Metrics.Address, cfg.Metrics.Path)
		go func() {
			if err := metricsServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	stack, err := proxy.NewStack(ctx, proxy.StackConfig{
		Config:    cfg,
		Collector: collector,
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating stack: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := stack.Close(); err != nil {
			logger.Error("error closing stack", "error", err)
		}
	}()

	logger.Info("starting popfiled",
		"hostname", cfg.Hostname,
		"listeners", len(cfg.Listeners),
		"classifier", cfg.Classifier.Type)

	if err := stack.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		stack.Close() //nolint:errcheck
		os.Exit(1)
	}

	logger.Info("popfiled stopped")
}
