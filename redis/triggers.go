package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	moira "github.com/moira-alert/checker"
)

// GetTrigger reads and normalizes a trigger document together with its tag
// set. A missing trigger returns (nil, nil).
func (db *Database) GetTrigger(ctx context.Context, id string) (*moira.Trigger, error) {
	var raw *redis.StringCmd
	var tags *redis.StringSliceCmd
	_, err := db.conn.Client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		raw = pipe.Get(ctx, triggerKey(id))
		tags = pipe.SMembers(ctx, triggerTagsKey(id))
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get trigger %s: %w", id, err)
	}
	if raw.Err() == redis.Nil {
		return nil, nil
	}
	var trigger moira.Trigger
	if err := json.Unmarshal([]byte(raw.Val()), &trigger); err != nil {
		return nil, fmt.Errorf("unmarshal trigger %s: %w", id, err)
	}
	trigger.ID = id
	trigger.Tags = tags.Val()
	sort.Strings(trigger.Tags)
	return &trigger, nil
}

// SaveTrigger writes the trigger document and maintains the pattern and tag
// reverse indices in one transaction. Patterns the trigger no longer
// references are cascade-removed when they lose their last subscriber.
func (db *Database) SaveTrigger(ctx context.Context, id string, trigger *moira.Trigger) error {
	existing, err := db.GetTrigger(ctx, id)
	if err != nil {
		return err
	}
	trigger.ID = id
	payload, err := json.Marshal(trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger %s: %w", id, err)
	}

	removedPatterns := diff(patternsOf(existing), trigger.Patterns)
	removedTags := diff(tagsOf(existing), trigger.Tags)

	_, err = db.conn.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, triggerKey(id), payload, 0)
		pipe.SAdd(ctx, triggersListKey, id)
		for _, pattern := range trigger.Patterns {
			pipe.SAdd(ctx, patternsListKey, pattern)
			pipe.SAdd(ctx, patternTriggersKey(pattern), id)
		}
		for _, pattern := range removedPatterns {
			pipe.SRem(ctx, patternTriggersKey(pattern), id)
		}
		for _, tag := range trigger.Tags {
			pipe.SAdd(ctx, tagsKey, tag)
			pipe.SAdd(ctx, tagTriggersKey(tag), id)
			pipe.SAdd(ctx, triggerTagsKey(id), tag)
		}
		for _, tag := range removedTags {
			pipe.SRem(ctx, tagTriggersKey(tag), id)
			pipe.SRem(ctx, triggerTagsKey(id), tag)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save trigger %s: %w", id, err)
	}
	return db.cleanupOrphanPatterns(ctx, removedPatterns)
}

// RemoveTrigger deletes the trigger and all its reverse-index entries,
// cascade-removing patterns left without subscribers.
func (db *Database) RemoveTrigger(ctx context.Context, id string) error {
	existing, err := db.GetTrigger(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	_, err = db.conn.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, triggerKey(id))
		pipe.Del(ctx, triggerTagsKey(id))
		pipe.Del(ctx, lastCheckKey(id))
		pipe.SRem(ctx, triggersListKey, id)
		pipe.ZRem(ctx, triggersChecksKey, id)
		pipe.SRem(ctx, badStateTriggersKey, id)
		for _, pattern := range existing.Patterns {
			pipe.SRem(ctx, patternTriggersKey(pattern), id)
		}
		for _, tag := range existing.Tags {
			pipe.SRem(ctx, tagTriggersKey(tag), id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove trigger %s: %w", id, err)
	}
	return db.cleanupOrphanPatterns(ctx, existing.Patterns)
}

// cleanupOrphanPatterns removes each pattern that lost its last trigger,
// together with its metric data and the pattern-metrics index.
func (db *Database) cleanupOrphanPatterns(ctx context.Context, patterns []string) error {
	for _, pattern := range patterns {
		triggers, err := db.GetPatternTriggers(ctx, pattern)
		if err != nil {
			return err
		}
		if len(triggers) > 0 {
			continue
		}
		if err := db.RemovePattern(ctx, pattern); err != nil {
			return err
		}
		metrics, err := db.GetPatternMetrics(ctx, pattern)
		if err != nil {
			return err
		}
		for _, metric := range metrics {
			if err := db.RemoveMetricValues(ctx, metric); err != nil {
				return err
			}
		}
		if err := db.RemovePatternMetrics(ctx, pattern); err != nil {
			return err
		}
	}
	return nil
}

// GetTriggerIDs lists every known trigger id.
func (db *Database) GetTriggerIDs(ctx context.Context) ([]string, error) {
	return db.conn.Client.SMembers(ctx, triggersListKey).Result()
}

func patternsOf(t *moira.Trigger) []string {
	if t == nil {
		return nil
	}
	return t.Patterns
}

func tagsOf(t *moira.Trigger) []string {
	if t == nil {
		return nil
	}
	return t.Tags
}

// diff returns the elements of old that are absent from current.
func diff(old, current []string) []string {
	kept := make(map[string]bool, len(current))
	for _, s := range current {
		kept[s] = true
	}
	var removed []string
	for _, s := range old {
		if !kept[s] {
			removed = append(removed, s)
		}
	}
	return removed
}
