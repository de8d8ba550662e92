// Package checker runs trigger evaluations: it resolves targets against the
// metric store, applies threshold or user expressions per metric, emits
// state-transition events and persists the resulting snapshot.
package checker

import (
	"context"
	log "log/slog"
	"time"

	moira "github.com/moira-alert/checker"
	"github.com/moira-alert/checker/cache"
)

const (
	// checkPointGap bounds how far back a check may re-evaluate points of a
	// metric that already has a recorded state.
	checkPointGap int64 = 3600

	// minFetchWindow is the smallest history window requested from the store
	// regardless of the trigger TTL.
	minFetchWindow int64 = 600
)

// Config carries the knobs a single check and the surrounding services need.
type Config struct {
	// MetricsTTL is how long raw samples are kept, in seconds.
	MetricsTTL int64
	// CheckInterval deduplicates trigger enqueues from the ingest stream.
	CheckInterval time.Duration
	// NoDataCheckInterval is the period of the full-sweep enqueue.
	NoDataCheckInterval time.Duration
	// StopCheckingInterval pauses sweeps when ingestion has been silent for
	// longer than this many seconds.
	StopCheckingInterval int64
	// LockTimeout bounds the wait for a per-trigger check lock.
	LockTimeout time.Duration
	// BadStatesReminder maps a state to the interval in seconds after which
	// an unchanged bad state produces a reminder event.
	BadStatesReminder map[string]int64
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		MetricsTTL:           3600,
		CheckInterval:        5 * time.Second,
		NoDataCheckInterval:  60 * time.Second,
		StopCheckingInterval: 30,
		LockTimeout:          10 * time.Second,
		BadStatesReminder: map[string]int64{
			moira.ERROR:  86400,
			moira.NODATA: 86400,
		},
	}
}

// TriggerChecker is a single check invocation bound to one trigger.
type TriggerChecker struct {
	database moira.Database
	logger   *log.Logger
	cache    *cache.Cache
	config   *Config

	triggerID   string
	trigger     *moira.Trigger
	lastCheck   *moira.CheckData
	ttl         int64
	ttlState    string
	maintenance int64
	from        int64
	until       int64
}

// NewTriggerChecker loads the trigger and its last snapshot and resolves the
// effective maintenance window. A nil checker with nil error means the
// trigger does not exist.
func NewTriggerChecker(ctx context.Context, db moira.Database, logger *log.Logger, c *cache.Cache, config *Config, triggerID string, fromTime, now int64) (*TriggerChecker, error) {
	if now == 0 {
		now = time.Now().Unix()
	}
	trigger, err := db.GetTrigger(ctx, triggerID)
	if err != nil {
		return nil, err
	}
	if trigger == nil {
		return nil, nil
	}

	tc := &TriggerChecker{
		database:  db,
		logger:    logger,
		cache:     c,
		config:    config,
		triggerID: triggerID,
		trigger:   trigger,
		ttl:       trigger.TTL,
		ttlState:  trigger.TTLState,
		until:     now,
	}
	if tc.ttlState == "" {
		tc.ttlState = moira.NODATA
	}

	for _, tag := range trigger.Tags {
		until, err := db.GetTagMaintenance(ctx, tag)
		if err != nil {
			return nil, err
		}
		if until > tc.maintenance {
			tc.maintenance = until
		}
	}

	lastCheck, err := db.GetTriggerLastCheck(ctx, triggerID)
	if err != nil {
		return nil, err
	}
	if lastCheck == nil {
		start := fromTime
		if start == 0 {
			start = now
		}
		lastCheck = &moira.CheckData{
			State:     moira.NODATA,
			Timestamp: start - checkPointGap,
			Metrics:   map[string]*moira.MetricState{},
		}
	}
	if lastCheck.Metrics == nil {
		lastCheck.Metrics = map[string]*moira.MetricState{}
	}
	tc.lastCheck = lastCheck

	tc.from = fromTime
	if tc.from == 0 {
		tc.from = lastCheck.Timestamp
	}
	return tc, nil
}
