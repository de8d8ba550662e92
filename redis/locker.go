package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	moira "github.com/moira-alert/checker"
)

// SetTriggerCheckLock attempts a single set-if-absent of the per-trigger
// check lock and reports whether the lock was won.
func (db *Database) SetTriggerCheckLock(ctx context.Context, id string) (bool, error) {
	return db.conn.Client.SetNX(ctx, checkLockKey(id), uuid.NewString(), db.lockTTL).Result()
}

// AcquireTriggerCheckLock polls SetTriggerCheckLock every 0.5 s until the
// lock is won or the timeout elapses.
func (db *Database) AcquireTriggerCheckLock(ctx context.Context, id string, timeout time.Duration) error {
	b := retry.NewConstant(lockPollInterval)
	err := retry.Do(ctx, retry.WithMaxDuration(timeout, b), func(ctx context.Context) error {
		acquired, err := db.SetTriggerCheckLock(ctx, id)
		if err != nil {
			return err
		}
		if !acquired {
			return retry.RetryableError(fmt.Errorf("trigger %s check lock is held", id))
		}
		return nil
	})
	if err != nil {
		return moira.Error{Code: moira.LockAcquisitionFailure, Err: err}
	}
	return nil
}

// DeleteTriggerCheckLock releases the per-trigger check lock.
func (db *Database) DeleteTriggerCheckLock(ctx context.Context, id string) error {
	return db.conn.Client.Del(ctx, checkLockKey(id)).Err()
}
