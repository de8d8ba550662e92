// Package redis implements the moira.Database port on top of a Redis server.
// The key layout is compatibility-critical and must not change.
package redis

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	moira "github.com/moira-alert/checker"
)

const (
	triggersListKey     = "moira-triggers-list"
	patternsListKey     = "moira-pattern-list"
	tagsKey             = "moira-tags"
	eventsListKey       = "moira-trigger-events"
	eventsUIListKey     = "moira-trigger-events-ui"
	triggersChecksKey   = "moira-triggers-checks"
	badStateTriggersKey = "moira-bad-state-triggers"
	triggersToCheckKey  = "moira-triggers-tocheck"
)

func triggerKey(id string) string        { return "moira-trigger:" + id }
func triggerTagsKey(id string) string    { return "moira-trigger-tags:" + id }
func triggerEventsKey(id string) string  { return "moira-trigger-events:" + id }
func metricDataKey(metric string) string { return "moira-metric-data:" + metric }
func metricRetentionKey(m string) string { return "moira-metric-retention:" + m }
func patternMetricsKey(p string) string  { return "moira-pattern-metrics:" + p }
func patternTriggersKey(p string) string { return "moira-pattern-triggers:" + p }
func tagTriggersKey(tag string) string   { return "moira-tag-triggers:" + tag }
func tagKey(tag string) string           { return "moira-tag:" + tag }
func lastCheckKey(id string) string      { return "moira-metric-last-check:" + id }
func checkLockKey(id string) string      { return "moira-metric-check-lock:" + id }

const (
	// DefaultRetention applies to metrics without a stored retention.
	DefaultRetention int64 = 60
	// Per-trigger event logs are trimmed below this horizon on every push.
	eventLogRetention = 30 * 24 * time.Hour
	// The UI event list is capped at this many entries.
	uiEventLimit = 100
	// Lock acquisition poll period.
	lockPollInterval = 500 * time.Millisecond
	// CAS attempts for maintenance updates.
	maintenanceCASAttempts = 10
)

// Database is the Redis-backed store. It is safe for concurrent use, the
// underlying go-redis client pools connections.
type Database struct {
	conn    *Connection
	lockTTL time.Duration
}

var _ moira.Database = (*Database)(nil)

// New wraps an open connection. checkLockTTL bounds how long a crashed worker
// can wedge a trigger.
func New(conn *Connection, checkLockTTL time.Duration) *Database {
	if checkLockTTL <= 0 {
		checkLockTTL = 30 * time.Second
	}
	return &Database{conn: conn, lockTTL: checkLockTTL}
}

// formatMetricValue builds the stored sample member, "<ts> <value>".
func formatMetricValue(ts int64, value float64) string {
	return fmt.Sprintf("%d %s", ts, strconv.FormatFloat(value, 'f', -1, 64))
}

// parseMetricValue extracts the numeric payload from a stored sample member.
func parseMetricValue(member string) (float64, error) {
	fields := strings.Fields(member)
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed metric value %q", member)
	}
	return strconv.ParseFloat(fields[1], 64)
}
