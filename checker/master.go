package checker

import (
	"context"
	log "log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	moira "github.com/moira-alert/checker"
	"github.com/moira-alert/checker/cache"
)

const sweepEnqueueTTL = 60 * time.Second

// Dispatcher feeds the pending-check set from two sources: the ingestion
// pub/sub stream and a periodic full sweep that catches silent triggers.
type Dispatcher struct {
	database moira.Database
	logger   *log.Logger
	cache    *cache.Cache
	config   *Config

	lastData atomic.Int64
}

func NewDispatcher(db moira.Database, logger *log.Logger, c *cache.Cache, config *Config) *Dispatcher {
	return &Dispatcher{
		database: db,
		logger:   logger,
		cache:    c,
		config:   config,
	}
}

// Run blocks until ctx is done or the subscription fails.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.lastData.Store(time.Now().Unix())
	events, err := d.database.SubscribeMetricEvents(ctx)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.ingest(ctx, events) })
	g.Go(func() error { return d.sweep(ctx) })
	return g.Wait()
}

func (d *Dispatcher) ingest(ctx context.Context, events <-chan moira.MetricEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			d.lastData.Store(time.Now().Unix())
			if err := d.handleEvent(ctx, event); err != nil {
				d.logger.Warn("metric event handling failed",
					"pattern", event.Pattern, "metric", event.Metric, "error", err)
			}
		}
	}
}

func (d *Dispatcher) handleEvent(ctx context.Context, event moira.MetricEvent) error {
	if err := d.database.AddPatternMetric(ctx, event.Pattern, event.Metric); err != nil {
		return err
	}
	triggers, err := d.database.GetPatternTriggers(ctx, event.Pattern)
	if err != nil {
		return err
	}
	if len(triggers) == 0 {
		return d.collectPattern(ctx, event.Pattern)
	}
	for _, id := range triggers {
		if err := d.enqueue(ctx, id, d.config.CheckInterval); err != nil {
			return err
		}
	}
	return nil
}

// collectPattern garbage-collects a pattern nothing subscribes to anymore:
// its list entry, its metrics and their data.
func (d *Dispatcher) collectPattern(ctx context.Context, pattern string) error {
	d.logger.Info("collecting orphan pattern", "pattern", pattern)
	if err := d.database.RemovePattern(ctx, pattern); err != nil {
		return err
	}
	metrics, err := d.database.GetPatternMetrics(ctx, pattern)
	if err != nil {
		return err
	}
	for _, metric := range metrics {
		if err := d.database.RemoveMetricValues(ctx, metric); err != nil {
			return err
		}
	}
	return d.database.RemovePatternMetrics(ctx, pattern)
}

// enqueue adds the trigger to the pending set at most once per dedup window.
func (d *Dispatcher) enqueue(ctx context.Context, triggerID string, window time.Duration) error {
	if d.cache == nil {
		return d.database.AddTriggerCheck(ctx, triggerID)
	}
	_, err := d.cache.Do("enqueue:"+triggerID, window, func() (any, error) {
		return nil, d.database.AddTriggerCheck(ctx, triggerID)
	})
	return err
}

func (d *Dispatcher) sweep(ctx context.Context) error {
	ticker := time.NewTicker(d.config.NoDataCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.sweepOnce(ctx); err != nil {
				d.logger.Warn("nodata sweep failed", "error", err)
			}
		}
	}
}

func (d *Dispatcher) sweepOnce(ctx context.Context) error {
	silence := time.Now().Unix() - d.lastData.Load()
	if silence > d.config.StopCheckingInterval {
		// Ingestion is down; sweeping now would flood NODATA events.
		d.logger.Warn("ingestion silent, skipping nodata sweep", "silence_seconds", silence)
		return nil
	}
	ids, err := d.database.GetTriggerIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := d.enqueue(ctx, id, sweepEnqueueTTL); err != nil {
			return err
		}
	}
	return nil
}
