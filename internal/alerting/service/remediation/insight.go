package remediation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// MaxInsightsPerHost bounds the insight list of a host.
const MaxInsightsPerHost = 50

type insight struct {
	Summary    string    `json:"summary"`
	RecordedAt time.Time `json:"recorded_at"`
}

// RedisInsightStore keeps the newest summaries per host in a capped Redis list.
type RedisInsightStore struct {
	Redis *redis.Client
}

func NewRedisInsightStore(rdb *redis.Client) *RedisInsightStore {
	return &RedisInsightStore{Redis: rdb}
}

func insightKey(host string) string { return "remediation:insights:" + host }

func (s *RedisInsightStore) Record(ctx context.Context, host, summary string) error {
	data, err := json.Marshal(insight{Summary: summary, RecordedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal insight: %w", err)
	}
	pipe := s.Redis.TxPipeline()
	pipe.LPush(ctx, insightKey(host), data)
	pipe.LTrim(ctx, insightKey(host), 0, MaxInsightsPerHost-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record insight: %w", err)
	}
	return nil
}

// Recent returns up to n summaries of host, newest first.
func (s *RedisInsightStore) Recent(ctx context.Context, host string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := s.Redis.LRange(ctx, insightKey(host), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read insights: %w", err)
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		var in insight
		if err := json.Unmarshal([]byte(r), &in); err != nil {
			continue
		}
		out = append(out, in.Summary)
	}
	return out, nil
}
