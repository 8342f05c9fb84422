package receiver

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/qiniu/opsguard/internal/alerting/service/healthcheck"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Intake forwards alert messages to a consumer at most once per idempotency key.
type Intake struct {
	Idem *Idempotency
	Out  chan<- healthcheck.AlertMessage
}

// Accept forwards m unless it was delivered before. It blocks while Out is full.
func (in *Intake) Accept(ctx context.Context, m healthcheck.AlertMessage) (bool, error) {
	key := BuildIdempotencyKey(m)
	if in.Idem != nil {
		first, err := in.Idem.TryMark(ctx, key)
		if err != nil {
			// Redis unavailable: deliver anyway, the local set still guards this process
			log.Warn().Err(err).Str("idempotency_key", key).Msg("distributed idempotency check failed")
		} else if !first {
			log.Debug().Str("idempotency_key", key).Msg("alert already delivered, skipping")
			return false, nil
		}
	}
	select {
	case in.Out <- m:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Subscriber listens on a Redis pub/sub channel for new alerts.
type Subscriber struct {
	Redis   *redis.Client
	Channel string
	Intake  *Intake
}

// Run consumes the channel until ctx is done. Delivery is best effort: messages published
// while no subscriber is connected are lost.
func (s *Subscriber) Run(ctx context.Context) error {
	channel := s.Channel
	if channel == "" {
		channel = healthcheck.DefaultChannel
	}
	sub := s.Redis.Subscribe(ctx, channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return err
	}
	log.Info().Str("channel", channel).Msg("alert subscriber started")

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("channel", channel).Msg("alert subscriber stopped")
			return nil
		case raw, ok := <-msgs:
			if !ok {
				return nil
			}
			var m healthcheck.AlertMessage
			if err := json.Unmarshal([]byte(raw.Payload), &m); err != nil {
				log.Error().Err(err).Str("channel", channel).Msg("invalid alert message")
				continue
			}
			if _, err := s.Intake.Accept(ctx, m); err != nil {
				return nil
			}
		}
	}
}
