package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.BindAddr)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, "alerts:new", cfg.Alerting.Receiver.Channel)
	assert.True(t, cfg.Alerting.Remediation.DryRun)
	assert.Equal(t, 3, cfg.Alerting.Remediation.BreakerThreshold)
	assert.Equal(t, "@every 5m", cfg.Alerting.Dedup.CleanupSchedule)
	assert.Contains(t, cfg.Database.DSN(), "dbname=opsguard")
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
  "server": {"bindAddr": "127.0.0.1:9000"},
  "alerting": {
    "remediation": {"dryRun": false, "sharedState": true, "maxConcurrent": 2},
    "evaluator": {"snapshotSource": "prometheus"}
  },
  "prometheus": {"url": "http://prom:9090", "queries": {"cpu_usage": "cpu{host=\"{host}\"}"}}
}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.BindAddr)
	assert.False(t, cfg.Alerting.Remediation.DryRun)
	assert.True(t, cfg.Alerting.Remediation.SharedState)
	assert.Equal(t, 2, cfg.Alerting.Remediation.MaxConcurrent)
	assert.Equal(t, "prometheus", cfg.Alerting.Evaluator.SnapshotSource)
	assert.Equal(t, `cpu{host="{host}"}`, cfg.Prometheus.Queries["cpu_usage"])
	// untouched sections keep their defaults
	assert.Equal(t, 200, cfg.Alerting.Escalation.Batch)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 90*time.Second, ParseDuration("90s", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("", time.Minute))
	assert.Equal(t, time.Minute, ParseDuration("soon", time.Minute))
}
