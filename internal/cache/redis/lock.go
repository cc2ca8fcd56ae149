package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld means another process owns the lock
var ErrLockHeld = errors.New("redis: lock held by another owner")

// Both scripts act only when the caller still owns the key
const (
	unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`
	refreshLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`
)

// SequencerLock keeps a single engine instance writing the event log. The
// owner must refresh it more often than its TTL.
type SequencerLock struct {
	rdb       *redis.Client
	key       string
	token     string
	ttl       time.Duration
	unlockSc  *redis.Script
	refreshSc *redis.Script
}

func NewSequencerLock(c *Client, name string, ttl time.Duration) *SequencerLock {
	return &SequencerLock{
		rdb:       c.rdb,
		key:       "lock:" + name,
		token:     uuid.New().String(),
		ttl:       ttl,
		unlockSc:  redis.NewScript(unlockLua),
		refreshSc: redis.NewScript(refreshLua),
	}
}

// Acquire takes the lock or returns ErrLockHeld
func (l *SequencerLock) Acquire(ctx context.Context) error {
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis: acquire lock %s: %w", l.key, err)
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

// Refresh extends the TTL; ErrLockHeld means ownership was lost
func (l *SequencerLock) Refresh(ctx context.Context) error {
	n, err := l.refreshSc.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis: refresh lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLockHeld
	}
	return nil
}

// Hold refreshes the lock at a third of its TTL until ctx ends or ownership
// is lost, then releases it
func (l *SequencerLock) Hold(ctx context.Context) error {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return l.Release(releaseCtx)
		case <-ticker.C:
			if err := l.Refresh(ctx); err != nil {
				return err
			}
		}
	}
}

func (l *SequencerLock) Release(ctx context.Context) error {
	if err := l.unlockSc.Run(ctx, l.rdb, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("redis: release lock %s: %w", l.key, err)
	}
	return nil
}
