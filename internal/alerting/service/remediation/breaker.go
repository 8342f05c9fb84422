package remediation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultBreakerThreshold  = 3
	DefaultBreakerResetAfter = time.Hour
)

// CircuitBreaker stops remediation on a host after a streak of failures.
type CircuitBreaker interface {
	IsOpen(ctx context.Context, host string) (bool, error)
	RecordFailure(ctx context.Context, host string) error
	// RecordSuccess resets the failure streak of host.
	RecordSuccess(ctx context.Context, host string) error
}

type streak struct {
	failures int
	last     time.Time
}

// MemoryCircuitBreaker keeps failure streaks in process memory.
// A streak older than ResetAfter is forgotten; zero disables that.
type MemoryCircuitBreaker struct {
	Threshold  int
	ResetAfter time.Duration

	mu      sync.Mutex
	streaks map[string]streak
	now     func() time.Time
}

func NewMemoryCircuitBreaker(threshold int, resetAfter time.Duration) *MemoryCircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	return &MemoryCircuitBreaker{
		Threshold:  threshold,
		ResetAfter: resetAfter,
		streaks:    make(map[string]streak),
		now:        time.Now,
	}
}

func (b *MemoryCircuitBreaker) IsOpen(_ context.Context, host string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current(host) >= b.Threshold, nil
}

func (b *MemoryCircuitBreaker) RecordFailure(_ context.Context, host string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streaks[host] = streak{failures: b.current(host) + 1, last: b.now()}
	return nil
}

func (b *MemoryCircuitBreaker) RecordSuccess(_ context.Context, host string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.streaks, host)
	return nil
}

// Failures returns the current failure streak of host.
func (b *MemoryCircuitBreaker) Failures(host string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current(host)
}

// current must be called with mu held.
func (b *MemoryCircuitBreaker) current(host string) int {
	s, ok := b.streaks[host]
	if !ok {
		return 0
	}
	if b.ResetAfter > 0 && b.now().Sub(s.last) >= b.ResetAfter {
		delete(b.streaks, host)
		return 0
	}
	return s.failures
}

// RedisCircuitBreaker shares failure streaks between processes. The counter key expires
// ResetAfter after the last failure.
type RedisCircuitBreaker struct {
	Redis      *redis.Client
	Threshold  int
	ResetAfter time.Duration
}

func NewRedisCircuitBreaker(rdb *redis.Client, threshold int, resetAfter time.Duration) *RedisCircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if resetAfter <= 0 {
		resetAfter = DefaultBreakerResetAfter
	}
	return &RedisCircuitBreaker{Redis: rdb, Threshold: threshold, ResetAfter: resetAfter}
}

func breakerKey(host string) string { return "remediation:breaker:" + host }

func (b *RedisCircuitBreaker) IsOpen(ctx context.Context, host string) (bool, error) {
	n, err := b.Redis.Get(ctx, breakerKey(host)).Int()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read breaker: %w", err)
	}
	return n >= b.Threshold, nil
}

func (b *RedisCircuitBreaker) RecordFailure(ctx context.Context, host string) error {
	pipe := b.Redis.TxPipeline()
	pipe.Incr(ctx, breakerKey(host))
	pipe.Expire(ctx, breakerKey(host), b.ResetAfter)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record breaker failure: %w", err)
	}
	return nil
}

func (b *RedisCircuitBreaker) RecordSuccess(ctx context.Context, host string) error {
	if err := b.Redis.Del(ctx, breakerKey(host)).Err(); err != nil {
		return fmt.Errorf("reset breaker: %w", err)
	}
	return nil
}
