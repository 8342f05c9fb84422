package remediation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// MaxRunsPerHost bounds the execution history kept per host.
	MaxRunsPerHost = 100
	// RecentWindow is the look-back of RecentCount.
	RecentWindow = time.Hour
)

// RateLimiter throttles runbook executions per host.
type RateLimiter interface {
	// CanExecute is false when runbook already ran on host within cooldown.
	CanExecute(ctx context.Context, host, runbook string, cooldown time.Duration) (bool, error)
	// TryAcquire is CanExecute that also claims the cooldown slot when it reports true, so
	// concurrent callers for the same host and runbook cannot both proceed.
	TryAcquire(ctx context.Context, host, runbook string, cooldown time.Duration) (bool, error)
	Record(ctx context.Context, host, runbook string) error
	// RecentCount counts executions on host within RecentWindow, any runbook.
	RecentCount(ctx context.Context, host string) (int, error)
}

type execution struct {
	runbook string
	at      time.Time
}

// MemoryRateLimiter keeps execution history in process memory.
type MemoryRateLimiter struct {
	mu   sync.Mutex
	runs map[string][]execution
	last map[string]time.Time
	now  func() time.Time
}

func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{
		runs: make(map[string][]execution),
		last: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (l *MemoryRateLimiter) CanExecute(_ context.Context, host, runbook string, cooldown time.Duration) (bool, error) {
	if cooldown <= 0 {
		return true, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	at, ok := l.last[host+"|"+runbook]
	if !ok {
		return true, nil
	}
	return l.now().Sub(at) >= cooldown, nil
}

func (l *MemoryRateLimiter) TryAcquire(_ context.Context, host, runbook string, cooldown time.Duration) (bool, error) {
	if cooldown <= 0 {
		return true, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := host + "|" + runbook
	now := l.now()
	if at, ok := l.last[key]; ok && now.Sub(at) < cooldown {
		return false, nil
	}
	l.last[key] = now
	return true, nil
}

func (l *MemoryRateLimiter) Record(_ context.Context, host, runbook string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.last[host+"|"+runbook] = now
	runs := append(l.runs[host], execution{runbook: runbook, at: now})
	if len(runs) > MaxRunsPerHost {
		runs = runs[len(runs)-MaxRunsPerHost:]
	}
	l.runs[host] = runs
	return nil
}

func (l *MemoryRateLimiter) RecentCount(_ context.Context, host string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	since := l.now().Add(-RecentWindow)
	n := 0
	for _, r := range l.runs[host] {
		if r.at.After(since) {
			n++
		}
	}
	return n, nil
}

// RedisRateLimiter shares execution history between processes.
// History lives in a sorted set per host scored by unix nanoseconds; the last run of a
// (host, runbook) pair is a plain key.
type RedisRateLimiter struct {
	Redis *redis.Client
	now   func() time.Time
}

func NewRedisRateLimiter(rdb *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{Redis: rdb, now: time.Now}
}

func runsKey(host string) string { return "remediation:runs:" + host }

func lastRunKey(host, runbook string) string {
	return fmt.Sprintf("remediation:last:%s:%s", host, runbook)
}

func (l *RedisRateLimiter) CanExecute(ctx context.Context, host, runbook string, cooldown time.Duration) (bool, error) {
	if cooldown <= 0 {
		return true, nil
	}
	v, err := l.Redis.Get(ctx, lastRunKey(host, runbook)).Int64()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read last run: %w", err)
	}
	return l.now().Sub(time.Unix(0, v)) >= cooldown, nil
}

func reserveKey(host, runbook string) string {
	return fmt.Sprintf("remediation:reserve:%s:%s", host, runbook)
}

// TryAcquire claims the slot with SET NX for the length of the cooldown.
func (l *RedisRateLimiter) TryAcquire(ctx context.Context, host, runbook string, cooldown time.Duration) (bool, error) {
	if cooldown <= 0 {
		return true, nil
	}
	ok, err := l.CanExecute(ctx, host, runbook, cooldown)
	if err != nil || !ok {
		return false, err
	}
	ok, err = l.Redis.SetNX(ctx, reserveKey(host, runbook), l.now().UnixNano(), cooldown).Result()
	if err != nil {
		return false, fmt.Errorf("reserve run: %w", err)
	}
	return ok, nil
}

func (l *RedisRateLimiter) Record(ctx context.Context, host, runbook string) error {
	now := l.now()
	ts := now.UnixNano()
	pipe := l.Redis.TxPipeline()
	pipe.Set(ctx, lastRunKey(host, runbook), ts, 24*time.Hour)
	pipe.ZAdd(ctx, runsKey(host), redis.Z{Score: float64(ts), Member: runbook + ":" + strconv.FormatInt(ts, 10)})
	pipe.ZRemRangeByRank(ctx, runsKey(host), 0, -MaxRunsPerHost-1)
	pipe.Expire(ctx, runsKey(host), 24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

func (l *RedisRateLimiter) RecentCount(ctx context.Context, host string) (int, error) {
	since := strconv.FormatInt(l.now().Add(-RecentWindow).UnixNano(), 10)
	n, err := l.Redis.ZCount(ctx, runsKey(host), "("+since, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return int(n), nil
}
