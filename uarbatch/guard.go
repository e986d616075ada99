package uarbatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
)

// TickGuard keeps two invocations of the same job from overlapping.
type TickGuard interface {
	// Acquire returns ok=false when another invocation holds the job.
	Acquire(ctx context.Context, job string, ttl time.Duration) (release func(), ok bool, err error)
}

// LocalTickGuard serializes jobs inside one process.
type LocalTickGuard struct {
	mu      sync.Mutex
	running map[string]bool
}

func NewLocalTickGuard() *LocalTickGuard {
	return &LocalTickGuard{running: map[string]bool{}}
}

func (g *LocalTickGuard) Acquire(_ context.Context, job string, _ time.Duration) (func(), bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running[job] {
		return nil, false, nil
	}
	g.running[job] = true
	return func() {
		g.mu.Lock()
		delete(g.running, job)
		g.mu.Unlock()
	}, true, nil
}

// RedisTickGuard serializes jobs across instances with a redis lock per job.
// The lock expires after ttl if the holder dies.
type RedisTickGuard struct {
	locker *redislock.Client
	prefix string
}

func NewRedisTickGuard(locker *redislock.Client) *RedisTickGuard {
	return &RedisTickGuard{locker: locker, prefix: "uar:tick:"}
}

func (g *RedisTickGuard) Acquire(ctx context.Context, job string, ttl time.Duration) (func(), bool, error) {
	lock, err := g.locker.Obtain(ctx, g.prefix+job, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lock.Release(ctx)
	}, true, nil
}
