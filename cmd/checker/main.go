package main

import (
	"context"
	"flag"
	"fmt"
	log "log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	moira "github.com/moira-alert/checker"
	"github.com/moira-alert/checker/cache"
	"github.com/moira-alert/checker/checker"
	"github.com/moira-alert/checker/config"
	"github.com/moira-alert/checker/metrics"
	"github.com/moira-alert/checker/redis"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	triggerID := flag.String("t", "", "check a single trigger id and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn := redis.NewConnection(cfg.RedisOptions())
	defer func() {
		_ = conn.Close()
	}()
	err = moira.Retry(ctx, func(ctx context.Context) error {
		return conn.Client.Ping(ctx).Err()
	}, nil)
	if err != nil {
		logger.Error("store unreachable", "address", cfg.RedisOptions().Address, "error", err)
		os.Exit(1)
	}
	db := redis.New(conn, cfg.LockTTL())

	if *triggerID != "" {
		if err := checkOnce(ctx, db, logger, cfg, *triggerID); err != nil {
			logger.Error("single check failed", "trigger_id", *triggerID, "error", err)
			os.Exit(1)
		}
		return
	}

	m := metrics.NewCheckerMetrics()
	checkerConfig := cfg.CheckerConfig()
	dispatcher := checker.NewDispatcher(db, logger, cache.New(), checkerConfig)
	pool := checker.NewWorkerPool(db, logger, checkerConfig, m)
	graphite := metrics.NewGraphite(cfg.GraphiteConfig(), logger, m)

	logger.Info("checker starting")
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error {
		graphite.Run(ctx)
		return nil
	})
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("checker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("checker stopped")
}

func checkOnce(ctx context.Context, db *redis.Database, logger *log.Logger, cfg *config.Config, triggerID string) error {
	tc, err := checker.NewTriggerChecker(ctx, db, logger, cache.New(), cfg.CheckerConfig(), triggerID, 0, 0)
	if err != nil {
		return err
	}
	if tc == nil {
		return fmt.Errorf("trigger %s does not exist", triggerID)
	}
	return tc.Check(ctx)
}

func newLogger(level string) *log.Logger {
	var l log.Level
	switch level {
	case "debug":
		l = log.LevelDebug
	case "warn":
		l = log.LevelWarn
	case "error":
		l = log.LevelError
	default:
		l = log.LevelInfo
	}
	logger := log.New(log.NewTextHandler(os.Stderr, &log.HandlerOptions{Level: l}))
	log.SetDefault(logger)
	return logger
}
