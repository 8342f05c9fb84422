package healthcheck

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultChannel is the pub/sub channel carrying new alerts.
const DefaultChannel = "alerts:new"

// RedisPublisher publishes AlertMessages as JSON on a Redis channel.
type RedisPublisher struct {
	Redis   *redis.Client
	Channel string
}

func (p *RedisPublisher) Publish(ctx context.Context, msg AlertMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal alert message: %w", err)
	}
	ch := p.Channel
	if ch == "" {
		ch = DefaultChannel
	}
	if err := p.Redis.Publish(ctx, ch, body).Err(); err != nil {
		return fmt.Errorf("publish alert %d: %w", msg.AlertID, err)
	}
	return nil
}

// ChanPublisher hands messages to an in-process channel without blocking.
type ChanPublisher struct {
	Ch chan<- AlertMessage
}

func (p ChanPublisher) Publish(ctx context.Context, msg AlertMessage) error {
	select {
	case p.Ch <- msg:
		return nil
	default:
		// channel full, drop
		log.Warn().Int64("alert_id", msg.AlertID).Msg("alert channel full, message dropped")
		return fmt.Errorf("alert channel full")
	}
}
