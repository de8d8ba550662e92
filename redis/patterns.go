package redis

import (
	"context"
)

// GetPatterns lists every registered pattern.
func (db *Database) GetPatterns(ctx context.Context) ([]string, error) {
	return db.conn.Client.SMembers(ctx, patternsListKey).Result()
}

// RemovePattern drops the pattern from the global pattern set. Metric data
// and the pattern-metrics index are removed separately by the caller.
func (db *Database) RemovePattern(ctx context.Context, pattern string) error {
	return db.conn.Client.SRem(ctx, patternsListKey, pattern).Err()
}

// GetPatternTriggers lists the triggers subscribed to a pattern.
func (db *Database) GetPatternTriggers(ctx context.Context, pattern string) ([]string, error) {
	return db.conn.Client.SMembers(ctx, patternTriggersKey(pattern)).Result()
}

// AddPatternMetric files a metric name under the pattern it matched.
func (db *Database) AddPatternMetric(ctx context.Context, pattern, metric string) error {
	return db.conn.Client.SAdd(ctx, patternMetricsKey(pattern), metric).Err()
}

// GetPatternMetrics lists the metric names known to match a pattern.
func (db *Database) GetPatternMetrics(ctx context.Context, pattern string) ([]string, error) {
	return db.conn.Client.SMembers(ctx, patternMetricsKey(pattern)).Result()
}

// RemovePatternMetrics drops the pattern-metrics index.
func (db *Database) RemovePatternMetrics(ctx context.Context, pattern string) error {
	return db.conn.Client.Del(ctx, patternMetricsKey(pattern)).Err()
}
