package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultObservationWindow is used when no duration is configured.
const DefaultObservationWindow = 30 * time.Minute

// RedisObservationWindowManager implements ObservationWindowManager using Redis
type RedisObservationWindowManager struct {
	redis *redis.Client
	now   func() time.Time
}

// NewRedisObservationWindowManager creates a new Redis-based observation window manager
func NewRedisObservationWindowManager(rdb *redis.Client) *RedisObservationWindowManager {
	return &RedisObservationWindowManager{redis: rdb, now: time.Now}
}

func observationKey(host string) string { return "observation:host:" + host }

// StartObservation starts an observation window for host, replacing any previous one
func (m *RedisObservationWindowManager) StartObservation(ctx context.Context, host, runbook string, logID int64, duration time.Duration) error {
	if m.redis == nil {
		return fmt.Errorf("redis client is nil")
	}
	window := newWindow(host, runbook, logID, duration, m.now())
	data, err := json.Marshal(window)
	if err != nil {
		return fmt.Errorf("failed to marshal observation window: %w", err)
	}

	// keep the key a little past the window end
	if err := m.redis.Set(ctx, observationKey(host), data, window.Duration+5*time.Minute).Err(); err != nil {
		return fmt.Errorf("failed to store observation window: %w", err)
	}

	log.Info().
		Str("host", host).
		Str("runbook", runbook).
		Int64("log_id", logID).
		Time("end_time", window.EndTime).
		Msg("started observation window")
	return nil
}

// CheckObservation returns the active window of host
func (m *RedisObservationWindowManager) CheckObservation(ctx context.Context, host string) (*ObservationWindow, error) {
	if m.redis == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	data, err := m.redis.Get(ctx, observationKey(host)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get observation window: %w", err)
	}

	var window ObservationWindow
	if err := json.Unmarshal(data, &window); err != nil {
		return nil, fmt.Errorf("failed to unmarshal observation window: %w", err)
	}
	if m.now().After(window.EndTime) {
		m.redis.Del(ctx, observationKey(host))
		return nil, nil
	}
	return &window, nil
}

// CancelObservation drops the window of host
func (m *RedisObservationWindowManager) CancelObservation(ctx context.Context, host string) error {
	if m.redis == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := m.redis.Del(ctx, observationKey(host)).Err(); err != nil {
		return fmt.Errorf("failed to cancel observation window: %w", err)
	}
	return nil
}

// MemoryObservationWindowManager keeps windows in process memory.
type MemoryObservationWindowManager struct {
	mu      sync.Mutex
	windows map[string]ObservationWindow
	now     func() time.Time
}

func NewMemoryObservationWindowManager() *MemoryObservationWindowManager {
	return &MemoryObservationWindowManager{windows: make(map[string]ObservationWindow), now: time.Now}
}

func (m *MemoryObservationWindowManager) StartObservation(_ context.Context, host, runbook string, logID int64, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows[host] = newWindow(host, runbook, logID, duration, m.now())
	return nil
}

func (m *MemoryObservationWindowManager) CheckObservation(_ context.Context, host string) (*ObservationWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[host]
	if !ok {
		return nil, nil
	}
	if m.now().After(w.EndTime) {
		delete(m.windows, host)
		return nil, nil
	}
	return &w, nil
}

func (m *MemoryObservationWindowManager) CancelObservation(_ context.Context, host string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.windows, host)
	return nil
}

func newWindow(host, runbook string, logID int64, duration time.Duration, now time.Time) ObservationWindow {
	if duration <= 0 {
		duration = DefaultObservationWindow
	}
	return ObservationWindow{
		Duration:  duration,
		Host:      host,
		Runbook:   runbook,
		LogID:     logID,
		StartTime: now,
		EndTime:   now.Add(duration),
	}
}
