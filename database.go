package moira

import (
	"context"
	"time"
)

// Database is the persistence port of the checker. The canonical
// implementation lives in the redis package; mocks provides an in-memory one
// for tests.
type Database interface {
	// Triggers.
	GetTrigger(ctx context.Context, id string) (*Trigger, error)
	SaveTrigger(ctx context.Context, id string, trigger *Trigger) error
	RemoveTrigger(ctx context.Context, id string) error
	GetTriggerIDs(ctx context.Context) ([]string, error)

	// Patterns and their reverse indices.
	GetPatterns(ctx context.Context) ([]string, error)
	RemovePattern(ctx context.Context, pattern string) error
	GetPatternTriggers(ctx context.Context, pattern string) ([]string, error)
	AddPatternMetric(ctx context.Context, pattern, metric string) error
	GetPatternMetrics(ctx context.Context, pattern string) ([]string, error)
	RemovePatternMetrics(ctx context.Context, pattern string) error

	// Metric samples.
	GetMetricsValues(ctx context.Context, metrics []string, from, until int64) (map[string][]MetricValue, error)
	SaveMetricValue(ctx context.Context, pattern, metric string, ts int64, value float64) error
	RemoveMetricValues(ctx context.Context, metric string) error
	CleanupMetricValues(ctx context.Context, metric string, toTime int64) error
	GetMetricRetention(ctx context.Context, metric string) (int64, error)

	// Last check snapshots.
	GetTriggerLastCheck(ctx context.Context, id string) (*CheckData, error)
	SetTriggerLastCheck(ctx context.Context, id string, check *CheckData) error
	SetTriggerMetricsMaintenance(ctx context.Context, id string, until map[string]int64) error

	// Check scheduling.
	AddTriggerCheck(ctx context.Context, id string) error
	GetTriggerToCheck(ctx context.Context) (string, error)
	SetTriggerCheckLock(ctx context.Context, id string) (bool, error)
	AcquireTriggerCheckLock(ctx context.Context, id string, timeout time.Duration) error
	DeleteTriggerCheckLock(ctx context.Context, id string) error

	// Events.
	PushEvent(ctx context.Context, event *Event, ui bool) error
	GetEvents(ctx context.Context, triggerID string, start, size int64) ([]*Event, error)

	// Tags.
	GetTagMaintenance(ctx context.Context, tag string) (int64, error)

	// Ingestion stream. The channel closes when ctx is done or the
	// subscription drops.
	SubscribeMetricEvents(ctx context.Context) (<-chan MetricEvent, error)
}

// MetricEvent is one ingestion notification: a sample arrived for metric
// under pattern.
type MetricEvent struct {
	Pattern string `json:"pattern"`
	Metric  string `json:"metric"`
}
