// Package main provides the HTTP server for sayless.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/enrybds/sayless/internal/config"
	"github.com/enrybds/sayless/internal/llm"
	"github.com/enrybds/sayless/internal/metrics"
	"github.com/enrybds/sayless/internal/server"
	"github.com/enrybds/sayless/internal/service"
	"github.com/enrybds/sayless/internal/similarity"
)

func main() {
	configFile := flag.String("config", "", "YAML config file overlaid on the environment")
	flag.Parse()

	if err := run(*configFile); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg := config.Load()
	if configFile != "" {
		var err error
		if cfg, err = config.LoadFile(configFile, cfg); err != nil {
			return err
		}
	}

	logger, closeLog := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer closeLog() //nolint:errcheck
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mc := metrics.NewCollector()

	// Without an embedding provider ranking is disabled.
	var embedder similarity.Embedder
	if e, err := llm.NewEmbedder(cfg, mc); err != nil {
		logger.Warn("embeddings disabled", "error", err)
	} else {
		embedder = e
	}

	p := service.NewPipeline(cfg, llm.NewFactory(cfg, mc), embedder, mc, logger)

	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	gen, err := p.OpenGenerator(openCtx)
	if err != nil {
		return fmt.Errorf("open generator: %w", err)
	}
	defer func() {
		if err := gen.Close(); err != nil {
			logger.Error("failed to close generator", "error", err)
		}
	}()

	search, err := p.OpenSearch(openCtx)
	switch {
	case errors.Is(err, service.ErrNoEmbedder):
		search = nil
	case err != nil:
		logger.Warn("search disabled", "error", err)
		search = nil
	default:
		defer func() {
			if err := search.Close(); err != nil {
				logger.Error("failed to close search", "error", err)
			}
		}()
	}

	srv := server.New(p, gen, search, service.NewJobManager(), logger)
	logger.Info("starting sayless-server", "port", cfg.ServerPort, "data_dir", cfg.DataDir)
	return srv.Run(ctx, ":"+cfg.ServerPort)
}
