package redisclient

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultLockTTL   = 30 * time.Second
	defaultLockRetry = 25 * time.Millisecond
)

// Locker is a lock.Locker shared by every replica. Each holder owns a random
// token so an expired holder cannot release a lock someone else acquired.
type Locker struct {
	c     *Client
	ttl   time.Duration
	retry time.Duration
}

// NewLocker creates a distributed locker; zero durations use the defaults.
func (c *Client) NewLocker(ttl, retry time.Duration) *Locker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if retry <= 0 {
		retry = defaultLockRetry
	}
	return &Locker{c: c, ttl: ttl, retry: retry}
}

// Lock polls SET NX PX until it wins or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	k := lockKey(key)

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.c.rdb.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					l.c.unlockScript.Run(ctx, l.c.rdb, []string{k}, token)
				})
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
