package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	prommodel "github.com/prometheus/common/model"
	"github.com/qiniu/opsguard/internal/alerting/model"
	"github.com/qiniu/opsguard/internal/inventory"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// SnapshotKey is the cache key the collection agent writes for a host.
func SnapshotKey(hostID int64) string { return "metrics:latest:" + strconv.FormatInt(hostID, 10) }

// RedisSnapshotSource reads JSON snapshots written by the collection agent.
type RedisSnapshotSource struct {
	Redis *redis.Client
}

func (s *RedisSnapshotSource) Latest(ctx context.Context, host inventory.HostInfo) (*Snapshot, error) {
	raw, err := s.Redis.Get(ctx, SnapshotKey(host.HostID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot for host %d: %w", host.HostID, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot for host %d: %w", host.HostID, err)
	}
	snap.HostID = host.HostID
	return &snap, nil
}

// DefaultPromQueries maps each numeric metric to an instant query; {host} is replaced by the host name.
var DefaultPromQueries = map[string]string{
	model.MetricCPU:    `100 - avg(rate(node_cpu_seconds_total{mode="idle",instance=~"{host}(:.*)?"}[5m])) * 100`,
	model.MetricMemory: `(1 - node_memory_MemAvailable_bytes{instance=~"{host}(:.*)?"} / node_memory_MemTotal_bytes{instance=~"{host}(:.*)?"}) * 100`,
	model.MetricDisk:   `max((1 - node_filesystem_avail_bytes{instance=~"{host}(:.*)?",fstype!~"tmpfs|overlay"} / node_filesystem_size_bytes{instance=~"{host}(:.*)?",fstype!~"tmpfs|overlay"}) * 100)`,
	model.MetricLoad:   `node_load1{instance=~"{host}(:.*)?"}`,
}

// PrometheusSnapshotSource builds a snapshot from one instant query per metric.
type PrometheusSnapshotSource struct {
	api     promv1.API
	queries map[string]string
	timeout time.Duration
}

// NewPrometheusSnapshotSource creates a source against the Prometheus server at address.
func NewPrometheusSnapshotSource(address string, queries map[string]string, timeout time.Duration) (*PrometheusSnapshotSource, error) {
	client, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}
	if len(queries) == 0 {
		queries = DefaultPromQueries
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PrometheusSnapshotSource{api: promv1.NewAPI(client), queries: queries, timeout: timeout}, nil
}

func (s *PrometheusSnapshotSource) Latest(ctx context.Context, host inventory.HostInfo) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	snap := &Snapshot{HostID: host.HostID, Metrics: make(map[string]float64, len(s.queries))}
	now := time.Now()
	for metric, tmpl := range s.queries {
		query := strings.ReplaceAll(tmpl, "{host}", host.HostName)
		val, warnings, err := s.api.Query(ctx, query, now)
		if err != nil {
			return nil, fmt.Errorf("query %s for host %s: %w", metric, host.HostName, err)
		}
		if len(warnings) > 0 {
			log.Debug().Strs("warnings", warnings).Str("metric", metric).Msg("prometheus query warnings")
		}
		vec, ok := val.(prommodel.Vector)
		if !ok || len(vec) == 0 {
			continue
		}
		sample := vec[0]
		snap.Metrics[metric] = float64(sample.Value)
		if ts := sample.Timestamp.Time(); snap.CollectedAt.IsZero() || ts.Before(snap.CollectedAt) {
			snap.CollectedAt = ts
		}
	}
	if len(snap.Metrics) == 0 {
		return nil, nil
	}
	return snap, nil
}
