package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Logging    LoggingConfig    `json:"logging"`
	Redis      RedisConfig      `json:"redis"`
	Auth       AuthConfig       `json:"auth"`
	Alerting   AlertingConfig   `json:"alerting"`
	Prometheus PrometheusConfig `json:"prometheus"`
	OpenAI     OpenAIConfig     `json:"openai"`
	Notify     NotifyConfig     `json:"notify"`
}

type ServerConfig struct {
	BindAddr string `json:"bindAddr"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
	Migrate  bool   `json:"migrate"`
}

// DSN returns the lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type LoggingConfig struct {
	Level string `json:"level"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type AuthConfig struct {
	Bearer string `json:"bearer"` // empty disables the admin API token check
}

type AlertingConfig struct {
	Evaluator   EvaluatorConfig   `json:"evaluator"`
	Dedup       DedupConfig       `json:"dedup"`
	Escalation  EscalationConfig  `json:"escalation"`
	Remediation RemediationConfig `json:"remediation"`
	Receiver    ReceiverConfig    `json:"receiver"`
}

type EvaluatorConfig struct {
	Interval       string `json:"interval"`       // e.g. "60s"
	MaxStaleness   string `json:"maxStaleness"`   // snapshots older than this are ignored
	SnapshotSource string `json:"snapshotSource"` // "redis" or "prometheus"
	AlertChanSize  int    `json:"alertChanSize"`
	RulesFile      string `json:"rulesFile"` // optional JSON file of rules added at startup
}

type DedupConfig struct {
	Window            string `json:"window"`            // e.g. "300s"
	AggregationWindow string `json:"aggregationWindow"` // e.g. "600s"
	MaxAlertsPerGroup int    `json:"maxAlertsPerGroup"`
	CleanupSchedule   string `json:"cleanupSchedule"` // cron spec, e.g. "@every 5m"
}

type EscalationConfig struct {
	Interval string `json:"interval"`
	Batch    int    `json:"batch"`
}

type RemediationConfig struct {
	DryRun            bool   `json:"dryRun"`
	StepTimeout       string `json:"stepTimeout"`
	MaxConcurrent     int    `json:"maxConcurrent"`
	BreakerThreshold  int    `json:"breakerThreshold"`
	BreakerResetAfter string `json:"breakerResetAfter"`
	SharedState       bool   `json:"sharedState"` // keep breaker/rate limiter state in Redis
	Shell             string `json:"shell"`
	SSHUser           string `json:"sshUser"` // non-empty runs steps on the target host over ssh
	ObservationWindow string `json:"observationWindow"`
}

type ReceiverConfig struct {
	Channel string `json:"channel"`
}

type PrometheusConfig struct {
	URL          string            `json:"url"`
	QueryTimeout string            `json:"queryTimeout"`
	Queries      map[string]string `json:"queries"` // metric -> PromQL template with {host}
}

type OpenAIConfig struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseURL"`
	Model   string `json:"model"`
	Timeout string `json:"timeout"`
}

type NotifyConfig struct {
	WebhookURL string  `json:"webhookURL"`
	Timeout    string  `json:"timeout"`
	RatePerSec float64 `json:"ratePerSec"`
	Burst      int     `json:"burst"`
}

// Load builds the configuration from environment defaults, then overlays the JSON file at path if any.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			BindAddr: getEnv("SERVER_BIND_ADDR", "0.0.0.0:8080"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "opsguard"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			Migrate:  getEnvBool("DB_MIGRATE", true),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			Bearer: getEnv("ADMIN_API_BEARER", ""),
		},
		Alerting: AlertingConfig{
			Evaluator: EvaluatorConfig{
				Interval:       getEnv("EVAL_INTERVAL", "60s"),
				MaxStaleness:   getEnv("EVAL_MAX_STALENESS", "5m"),
				SnapshotSource: getEnv("EVAL_SNAPSHOT_SOURCE", "redis"),
				AlertChanSize:  getEnvInt("REMEDIATION_ALERT_CHAN_SIZE", 1024),
				RulesFile:      getEnv("EVAL_RULES_FILE", ""),
			},
			Dedup: DedupConfig{
				Window:            getEnv("DEDUP_WINDOW", "300s"),
				AggregationWindow: getEnv("DEDUP_AGGREGATION_WINDOW", "600s"),
				MaxAlertsPerGroup: getEnvInt("DEDUP_MAX_ALERTS_PER_GROUP", 100),
				CleanupSchedule:   getEnv("DEDUP_CLEANUP_SCHEDULE", "@every 5m"),
			},
			Escalation: EscalationConfig{
				Interval: getEnv("ESCALATION_INTERVAL", "60s"),
				Batch:    getEnvInt("ESCALATION_BATCH", 200),
			},
			Remediation: RemediationConfig{
				DryRun:            getEnvBool("REMEDIATION_DRY_RUN", true),
				StepTimeout:       getEnv("REMEDIATION_STEP_TIMEOUT", "60s"),
				MaxConcurrent:     getEnvInt("REMEDIATION_MAX_CONCURRENT", 8),
				BreakerThreshold:  getEnvInt("REMEDIATION_BREAKER_THRESHOLD", 3),
				BreakerResetAfter: getEnv("REMEDIATION_BREAKER_RESET_AFTER", "1h"),
				SharedState:       getEnvBool("REMEDIATION_SHARED_STATE", false),
				Shell:             getEnv("REMEDIATION_SHELL", "/bin/sh"),
				SSHUser:           getEnv("REMEDIATION_SSH_USER", ""),
				ObservationWindow: getEnv("REMEDIATION_OBSERVATION_WINDOW", "30m"),
			},
			Receiver: ReceiverConfig{
				Channel: getEnv("ALERT_EVENT_CHANNEL", "alerts:new"),
			},
		},
		Prometheus: PrometheusConfig{
			URL:          getEnv("PROMETHEUS_URL", "http://localhost:9090"),
			QueryTimeout: getEnv("PROMETHEUS_QUERY_TIMEOUT", "10s"),
		},
		OpenAI: OpenAIConfig{
			APIKey:  getEnv("OPENAI_API_KEY", ""),
			BaseURL: getEnv("OPENAI_BASE_URL", ""),
			Model:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			Timeout: getEnv("OPENAI_TIMEOUT", "30s"),
		},
		Notify: NotifyConfig{
			WebhookURL: getEnv("NOTIFY_WEBHOOK_URL", ""),
			Timeout:    getEnv("NOTIFY_TIMEOUT", "5s"),
			RatePerSec: 5,
			Burst:      10,
		},
	}

	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, err
		}
	}

	// fill reasonable defaults when fields omitted in file
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "0.0.0.0:8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Alerting.Evaluator.Interval == "" {
		cfg.Alerting.Evaluator.Interval = "60s"
	}
	if cfg.Alerting.Evaluator.AlertChanSize == 0 {
		cfg.Alerting.Evaluator.AlertChanSize = 1024
	}
	if cfg.Alerting.Dedup.MaxAlertsPerGroup == 0 {
		cfg.Alerting.Dedup.MaxAlertsPerGroup = 100
	}
	if cfg.Alerting.Dedup.CleanupSchedule == "" {
		cfg.Alerting.Dedup.CleanupSchedule = "@every 5m"
	}
	if cfg.Alerting.Escalation.Interval == "" {
		cfg.Alerting.Escalation.Interval = "60s"
	}
	if cfg.Alerting.Escalation.Batch == 0 {
		cfg.Alerting.Escalation.Batch = 200
	}
	if cfg.Alerting.Remediation.MaxConcurrent == 0 {
		cfg.Alerting.Remediation.MaxConcurrent = 8
	}
	if cfg.Alerting.Remediation.BreakerThreshold == 0 {
		cfg.Alerting.Remediation.BreakerThreshold = 3
	}
	if cfg.Alerting.Remediation.Shell == "" {
		cfg.Alerting.Remediation.Shell = "/bin/sh"
	}
	if cfg.Alerting.Receiver.Channel == "" {
		cfg.Alerting.Receiver.Channel = "alerts:new"
	}
	if cfg.Notify.RatePerSec <= 0 {
		cfg.Notify.RatePerSec = 5
	}
	if cfg.Notify.Burst <= 0 {
		cfg.Notify.Burst = 10
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}

	return nil
}

// ParseDuration parses s, falling back to d when s is empty or malformed.
func ParseDuration(s string, d time.Duration) time.Duration {
	if s == "" {
		return d
	}
	if v, err := time.ParseDuration(s); err == nil {
		return v
	}
	return d
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
