// Package lock serializes work on a single resource across processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"

	"ticketledger/backend/internal/store"
)

type Releaser func()

type Locker interface {
	// Obtain takes the lock named kind:id, or fails with store.ErrBusy when
	// another holder has it.
	Obtain(ctx context.Context, kind string, id string) (Releaser, error)
}

func Key(kind string, id string) string {
	return fmt.Sprintf("%s:%s", kind, id)
}

const (
	KindTicket = "ticket"
	KindPrice  = "price"
)

// NoopLocker is used when Redis is not configured; the database row locks
// still guard the critical writes.
type NoopLocker struct{}

func (NoopLocker) Obtain(_ context.Context, _ string, _ string) (Releaser, error) {
	return func() {}, nil
}

type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	retry  redislock.RetryStrategy
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client: redislock.New(client),
		ttl:    ttl,
		retry:  redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), 20),
	}
}

func (l *RedisLocker) Obtain(ctx context.Context, kind string, id string) (Releaser, error) {
	lk, err := l.client.Obtain(ctx, Key(kind, id), l.ttl, &redislock.Options{RetryStrategy: l.retry})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", store.ErrBusy, Key(kind, id))
	}
	if err != nil {
		return nil, err
	}
	return func() {
		_ = lk.Release(context.WithoutCancel(ctx))
	}, nil
}
