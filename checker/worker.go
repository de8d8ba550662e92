package checker

import (
	"context"
	log "log/slog"
	"math/rand"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	moira "github.com/moira-alert/checker"
	"github.com/moira-alert/checker/cache"
	"github.com/moira-alert/checker/metrics"
)

const (
	performInterval = 10 * time.Millisecond
	errorTimeout    = 10 * time.Second
)

// WorkerPool drains the pending-check set with max(1, CPU-1) workers, each
// running one check at a time.
type WorkerPool struct {
	database moira.Database
	logger   *log.Logger
	config   *Config
	metrics  *metrics.CheckerMetrics
}

func NewWorkerPool(db moira.Database, logger *log.Logger, config *Config, m *metrics.CheckerMetrics) *WorkerPool {
	return &WorkerPool{
		database: db,
		logger:   logger,
		config:   config,
		metrics:  m,
	}
}

// Run blocks until ctx is done. In-flight checks finish before workers exit.
func (p *WorkerPool) Run(ctx context.Context) error {
	workers := runtime.NumCPU() - 1
	if workers < 1 {
		workers = 1
	}
	p.logger.Info("starting check workers", "count", workers)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		n := i
		g.Go(func() error { return p.worker(ctx, n) })
	}
	return g.Wait()
}

func (p *WorkerPool) worker(ctx context.Context, n int) error {
	// Each worker keeps its own dedup cache so cleanup coalescing never
	// contends across workers.
	workerCache := cache.New()
	logger := p.logger.With("worker", n)
	for {
		if ctx.Err() != nil {
			return nil
		}
		triggerID, err := p.database.GetTriggerToCheck(ctx)
		if err != nil {
			p.metrics.CheckErrors.Inc()
			logger.Warn("dequeue failed", "error", err)
			if !sleepCtx(ctx, errorTimeout) {
				return nil
			}
			continue
		}
		if triggerID == "" {
			if !sleepCtx(ctx, idleBackoff()) {
				return nil
			}
			continue
		}

		start := time.Now()
		if err := p.checkTrigger(ctx, workerCache, triggerID); err != nil {
			p.metrics.CheckErrors.Inc()
			logger.Warn("trigger check error", "trigger_id", triggerID, "error", err)
			// Transient store failures earn the long backoff; a permanent
			// failure would fail identically after the wait.
			if moira.ShouldRetry(err) {
				if !sleepCtx(ctx, errorTimeout) {
					return nil
				}
			}
			continue
		}
		p.metrics.CheckTime.Update(time.Since(start))
		p.metrics.TriggersChecked.Inc()
	}
}

func (p *WorkerPool) checkTrigger(ctx context.Context, c *cache.Cache, triggerID string) error {
	tc, err := NewTriggerChecker(ctx, p.database, p.logger, c, p.config, triggerID, 0, 0)
	if err != nil {
		return err
	}
	if tc == nil {
		return nil
	}
	return tc.Check(ctx)
}

// idleBackoff spreads idle polls uniformly over [10, 20] perform intervals
// so workers do not hammer the store in lockstep.
func idleBackoff() time.Duration {
	return 10*performInterval + time.Duration(rand.Int63n(int64(10*performInterval)))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
