package openfinance

import (
	"context"
	"errors"
	"time"
)

// ErrLockHeld is returned by Locker.Acquire when another holder owns the key.
var ErrLockHeld = errors.New("lock held by another worker")

// Locker provides mutual exclusion across workers and processes.
type Locker interface {
	// Acquire takes key for at most ttl. The returned release function
	// frees the key if it is still held by this caller.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

func transactionsLockKey(itemID string) string {
	return "finsync:lock:item:" + itemID + ":transactions"
}
