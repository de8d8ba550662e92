package redis

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// AddTriggerCheck enqueues a trigger for checking. The pending queue has set
// semantics, repeated adds collapse into one entry.
func (db *Database) AddTriggerCheck(ctx context.Context, id string) error {
	return db.conn.Client.SAdd(ctx, triggersToCheckKey, id).Err()
}

// GetTriggerToCheck pops one pending trigger id, or returns "" when the
// queue is empty.
func (db *Database) GetTriggerToCheck(ctx context.Context) (string, error) {
	id, err := db.conn.Client.SPop(ctx, triggersToCheckKey).Result()
	if err == redis.Nil {
		return "", nil
	}
	return id, err
}
