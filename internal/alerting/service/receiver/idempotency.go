package receiver

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/qiniu/opsguard/internal/alerting/service/healthcheck"
	"github.com/qiniu/opsguard/internal/alerting/service/ruleset"
	"github.com/redis/go-redis/v9"
)

// DefaultIdempotencyTTL is how long a delivered alert key is remembered.
const DefaultIdempotencyTTL = 24 * time.Hour

// BuildIdempotencyKey identifies one alert event. Messages without an event id fall back to
// the alert id plus its canonical labels.
func BuildIdempotencyKey(m healthcheck.AlertMessage) string {
	if m.EventID != "" {
		return "event|" + m.EventID
	}
	return "alert|" + strconv.FormatInt(m.AlertID, 10) + "|" + ruleset.CanonicalLabelKey(m.Labels)
}

// Idempotency remembers delivered keys locally and, when Redis is set, across listeners
// sharing the same consumer group name.
type Idempotency struct {
	Redis *redis.Client
	Group string
	TTL   time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewIdempotency(rdb *redis.Client, group string, ttl time.Duration) *Idempotency {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &Idempotency{Redis: rdb, Group: group, TTL: ttl, seen: make(map[string]time.Time), now: time.Now}
}

// AlreadySeen reports whether key was marked locally within TTL.
func (i *Idempotency) AlreadySeen(key string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	at, ok := i.seen[key]
	if !ok {
		return false
	}
	if i.now().Sub(at) >= i.TTL {
		delete(i.seen, key)
		return false
	}
	return true
}

// MarkSeen records key locally and drops expired entries.
func (i *Idempotency) MarkSeen(key string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	now := i.now()
	for k, at := range i.seen {
		if now.Sub(at) >= i.TTL {
			delete(i.seen, k)
		}
	}
	i.seen[key] = now
}

// TryMark claims key and reports whether the caller is the first to do so.
func (i *Idempotency) TryMark(ctx context.Context, key string) (bool, error) {
	if i.AlreadySeen(key) {
		return false, nil
	}
	if i.Redis != nil {
		ok, err := i.Redis.SetNX(ctx, i.redisKey(key), 1, i.TTL).Result()
		if err != nil {
			return false, fmt.Errorf("claim idempotency key: %w", err)
		}
		if !ok {
			i.MarkSeen(key)
			return false, nil
		}
	}
	i.MarkSeen(key)
	return true, nil
}

func (i *Idempotency) redisKey(key string) string {
	return "alert:idem:" + i.Group + ":" + key
}
