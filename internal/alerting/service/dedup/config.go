package dedup

import (
	"errors"
	"time"
)

// ErrInvalidConfig is returned by SetConfig for out-of-range values.
var ErrInvalidConfig = errors.New("invalid dedup config")

// Config holds the runtime-adjustable dedup and aggregation parameters.
type Config struct {
	DedupWindow       time.Duration
	AggregationWindow time.Duration
	MaxAlertsPerGroup int
}

// DefaultConfig returns the stock windows: 300s dedup, 600s aggregation, 100 alerts per group.
func DefaultConfig() Config {
	return Config{
		DedupWindow:       300 * time.Second,
		AggregationWindow: 600 * time.Second,
		MaxAlertsPerGroup: 100,
	}
}

func (c Config) validate() error {
	if c.DedupWindow <= 0 || c.AggregationWindow <= 0 || c.MaxAlertsPerGroup <= 0 {
		return ErrInvalidConfig
	}
	return nil
}
