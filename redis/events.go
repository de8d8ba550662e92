package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	moira "github.com/moira-alert/checker"
)

// PushEvent appends a state-change event to the global log and to the
// per-trigger log, trimming the latter below the 30 day horizon. When ui is
// set the event also lands on the capped UI list.
func (db *Database) PushEvent(ctx context.Context, event *moira.Event, ui bool) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	horizon := event.Timestamp - int64(eventLogRetention.Seconds())
	_, err = db.conn.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, eventsListKey, payload)
		if event.TriggerID != "" {
			pipe.ZAdd(ctx, triggerEventsKey(event.TriggerID), redis.Z{
				Score:  float64(event.Timestamp),
				Member: payload,
			})
			pipe.ZRemRangeByScore(ctx, triggerEventsKey(event.TriggerID),
				"-inf", strconv.FormatInt(horizon, 10))
		}
		if ui {
			pipe.LPush(ctx, eventsUIListKey, payload)
			pipe.LTrim(ctx, eventsUIListKey, 0, uiEventLimit-1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("push event: %w", err)
	}
	return nil
}

// GetEvents pages through the per-trigger event log, newest first. With an
// empty trigger id it reads the global log instead.
func (db *Database) GetEvents(ctx context.Context, triggerID string, start, size int64) ([]*moira.Event, error) {
	var members []string
	var err error
	if triggerID == "" {
		members, err = db.conn.Client.LRange(ctx, eventsListKey, start, start+size-1).Result()
	} else {
		members, err = db.conn.Client.ZRevRange(ctx, triggerEventsKey(triggerID), start, start+size-1).Result()
	}
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	events := make([]*moira.Event, 0, len(members))
	for _, member := range members {
		var event moira.Event
		if err := json.Unmarshal([]byte(member), &event); err != nil {
			continue
		}
		events = append(events, &event)
	}
	return events, nil
}
