// Package lock serializes work per key.
//
// Local locks cover a single process. Redis locks cover every replica that
// shares the same Redis, and are what a multi-instance deployment uses to
// keep refund transitions single-writer.
package lock

import (
	"context"
	"hash/fnv"
)

// Locker acquires an exclusive lock on key. The returned unlock function
// must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

const shardCount = 256

// Local is a fixed pool of channel-based mutexes. Keys hash onto shards, so
// unrelated keys can occasionally contend; waiting respects ctx.
type Local struct {
	shards [shardCount]chan struct{}
}

// NewLocal creates an in-process locker.
func NewLocal() *Local {
	l := &Local{}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
		l.shards[i] <- struct{}{}
	}
	return l
}

// Lock implements Locker.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	shard := l.shards[shardIndex(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

var _ Locker = (*Local)(nil)
