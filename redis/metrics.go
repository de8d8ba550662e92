package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	moira "github.com/moira-alert/checker"
)

// GetMetricsValues reads, for each metric, the ordered samples whose
// timestamps fall into [from, until], in one pipelined round-trip.
func (db *Database) GetMetricsValues(ctx context.Context, metrics []string, from, until int64) (map[string][]moira.MetricValue, error) {
	cmds := make([]*redis.ZSliceCmd, len(metrics))
	_, err := db.conn.Client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, metric := range metrics {
			cmds[i] = pipe.ZRangeByScoreWithScores(ctx, metricDataKey(metric), &redis.ZRangeBy{
				Min: strconv.FormatInt(from, 10),
				Max: strconv.FormatInt(until, 10),
			})
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get metrics values: %w", err)
	}
	result := make(map[string][]moira.MetricValue, len(metrics))
	for i, metric := range metrics {
		members := cmds[i].Val()
		values := make([]moira.MetricValue, 0, len(members))
		for _, z := range members {
			member, ok := z.Member.(string)
			if !ok {
				continue
			}
			value, err := parseMetricValue(member)
			if err != nil {
				// One malformed sample must not fail the whole fetch.
				continue
			}
			values = append(values, moira.MetricValue{Timestamp: int64(z.Score), Value: value})
		}
		result[metric] = values
	}
	return result, nil
}

// SaveMetricValue stores one sample and files the metric under its pattern.
// Used by tests and the ingestion-side tooling.
func (db *Database) SaveMetricValue(ctx context.Context, pattern, metric string, ts int64, value float64) error {
	_, err := db.conn.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, patternMetricsKey(pattern), metric)
		pipe.ZAdd(ctx, metricDataKey(metric), redis.Z{
			Score:  float64(ts),
			Member: formatMetricValue(ts, value),
		})
		return nil
	})
	return err
}

// RemoveMetricValues deletes all samples and the stored retention of a metric.
func (db *Database) RemoveMetricValues(ctx context.Context, metric string) error {
	return db.conn.Client.Del(ctx, metricDataKey(metric), metricRetentionKey(metric)).Err()
}

// CleanupMetricValues drops samples at or below toTime.
func (db *Database) CleanupMetricValues(ctx context.Context, metric string, toTime int64) error {
	return db.conn.Client.ZRemRangeByScore(ctx, metricDataKey(metric),
		"-inf", strconv.FormatInt(toTime, 10)).Err()
}

// GetMetricRetention returns the seconds-per-sample of a metric, defaulting
// when the ingester has not recorded one.
func (db *Database) GetMetricRetention(ctx context.Context, metric string) (int64, error) {
	raw, err := db.conn.Client.Get(ctx, metricRetentionKey(metric)).Result()
	if err == redis.Nil {
		return DefaultRetention, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get retention of %s: %w", metric, err)
	}
	retention, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || retention <= 0 {
		return DefaultRetention, nil
	}
	return retention, nil
}
