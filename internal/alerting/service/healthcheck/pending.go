package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// PendingKey names the tracker entry of a (rule, host) pair.
func PendingKey(ruleID, hostID int64) string {
	return "alert:pending:" + strconv.FormatInt(ruleID, 10) + ":" + strconv.FormatInt(hostID, 10)
}

// RedisPendingTracker keeps first-violation timestamps in Redis with a TTL.
type RedisPendingTracker struct {
	Redis *redis.Client
}

func (t *RedisPendingTracker) FirstSeen(ctx context.Context, key string, now time.Time, ttl time.Duration) (time.Time, error) {
	set, err := t.Redis.SetNX(ctx, key, now.UnixMilli(), ttl).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("setnx %s: %w", key, err)
	}
	if set {
		return now, nil
	}
	ms, err := t.Redis.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		// expired between the two calls
		return now, t.Redis.Set(ctx, key, now.UnixMilli(), ttl).Err()
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get %s: %w", key, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (t *RedisPendingTracker) Clear(ctx context.Context, key string) error {
	return t.Redis.Del(ctx, key).Err()
}

// MemoryPendingTracker is an in-process PendingTracker.
type MemoryPendingTracker struct {
	mu      sync.Mutex
	entries map[string]pendingEntry
}

type pendingEntry struct {
	first   time.Time
	expires time.Time
}

func NewMemoryPendingTracker() *MemoryPendingTracker {
	return &MemoryPendingTracker{entries: make(map[string]pendingEntry)}
}

func (t *MemoryPendingTracker) FirstSeen(ctx context.Context, key string, now time.Time, ttl time.Duration) (time.Time, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok && (ttl <= 0 || now.Before(e.expires)) {
		return e.first, nil
	}
	t.entries[key] = pendingEntry{first: now, expires: now.Add(ttl)}
	return now, nil
}

func (t *MemoryPendingTracker) Clear(ctx context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
	return nil
}
