package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	moira "github.com/moira-alert/checker"
)

// GetTriggerLastCheck reads the last check snapshot. A missing snapshot
// returns (nil, nil).
func (db *Database) GetTriggerLastCheck(ctx context.Context, id string) (*moira.CheckData, error) {
	raw, err := db.conn.Client.Get(ctx, lastCheckKey(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get last check of %s: %w", id, err)
	}
	var check moira.CheckData
	if err := json.Unmarshal([]byte(raw), &check); err != nil {
		return nil, fmt.Errorf("unmarshal last check of %s: %w", id, err)
	}
	if check.Metrics == nil {
		check.Metrics = map[string]*moira.MetricState{}
	}
	return &check, nil
}

// SetTriggerLastCheck writes the snapshot and keeps the severity ranking and
// the bad-state membership consistent with the new score, atomically.
func (db *Database) SetTriggerLastCheck(ctx context.Context, id string, check *moira.CheckData) error {
	payload, err := json.Marshal(check)
	if err != nil {
		return fmt.Errorf("marshal last check of %s: %w", id, err)
	}
	_, err = db.conn.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, lastCheckKey(id), payload, 0)
		pipe.ZAdd(ctx, triggersChecksKey, redis.Z{Score: float64(check.Score), Member: id})
		if check.Score > 0 {
			pipe.SAdd(ctx, badStateTriggersKey, id)
		} else {
			pipe.SRem(ctx, badStateTriggersKey, id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set last check of %s: %w", id, err)
	}
	return nil
}

// applyMaintenance patches maintenance windows onto the matching metric
// states, leaving every other field and unknown metrics untouched.
func applyMaintenance(check *moira.CheckData, until map[string]int64) {
	for metric, ts := range until {
		if state, ok := check.Metrics[metric]; ok {
			state.Maintenance = ts
		}
	}
}

// SetTriggerMetricsMaintenance patches per-metric maintenance windows with a
// bounded compare-and-swap loop, so concurrent checker writes to other fields
// are never lost.
func (db *Database) SetTriggerMetricsMaintenance(ctx context.Context, id string, until map[string]int64) error {
	key := lastCheckKey(id)
	b := retry.NewConstant(lockPollInterval)
	return retry.Do(ctx, retry.WithMaxRetries(maintenanceCASAttempts, b), func(ctx context.Context) error {
		err := db.conn.Client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Result()
			if err == redis.Nil {
				return nil
			}
			if err != nil {
				return err
			}
			var check moira.CheckData
			if err := json.Unmarshal([]byte(raw), &check); err != nil {
				return err
			}
			applyMaintenance(&check, until)
			payload, err := json.Marshal(&check)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, 0)
				return nil
			})
			return err
		}, key)
		if err == redis.TxFailedErr {
			return retry.RetryableError(err)
		}
		return err
	})
}
