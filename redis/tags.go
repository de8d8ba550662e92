package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type tagData struct {
	Maintenance int64 `json:"maintenance,omitempty"`
}

// GetTagMaintenance returns the epoch until which events on triggers carrying
// the tag are suppressed, or 0 when none is set.
func (db *Database) GetTagMaintenance(ctx context.Context, tag string) (int64, error) {
	raw, err := db.conn.Client.Get(ctx, tagKey(tag)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get tag %s: %w", tag, err)
	}
	var data tagData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return 0, nil
	}
	return data.Maintenance, nil
}
