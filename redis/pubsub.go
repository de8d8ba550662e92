package redis

import (
	"context"
	"encoding/json"

	moira "github.com/moira-alert/checker"
)

const metricEventChannel = "metric-event"

// SubscribeMetricEvents subscribes to the ingestion channel and decodes its
// JSON payloads. Malformed messages are dropped. The returned channel closes
// when ctx is done.
func (db *Database) SubscribeMetricEvents(ctx context.Context) (<-chan moira.MetricEvent, error) {
	pubsub := db.conn.Client.Subscribe(ctx, metricEventChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	out := make(chan moira.MetricEvent)
	go func() {
		defer close(out)
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event moira.MetricEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// PublishMetricEvent announces a new sample to subscribed dispatchers.
func (db *Database) PublishMetricEvent(ctx context.Context, event *moira.MetricEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return db.conn.Client.Publish(ctx, metricEventChannel, payload).Err()
}
