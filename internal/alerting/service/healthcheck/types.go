package healthcheck

import (
	"context"
	"time"

	"github.com/qiniu/opsguard/internal/alerting/model"
	"github.com/qiniu/opsguard/internal/alerting/service/dedup"
	"github.com/qiniu/opsguard/internal/inventory"
)

// AlertMessage is the payload published to remediation listeners when an alert is created.
type AlertMessage struct {
	EventID   string            `json:"event_id"`
	AlertID   int64             `json:"alert_id"`
	HostID    int64             `json:"host_id"`
	Host      string            `json:"host"`
	HostIP    string            `json:"host_ip,omitempty"`
	Type      string            `json:"type"` // metric name, e.g. cpu_usage or host_offline
	Severity  string            `json:"severity"`
	Message   string            `json:"message"`
	RuleName  string            `json:"rule_name"`
	Labels    map[string]string `json:"labels,omitempty"`
	Remediate bool              `json:"remediate"`
	CreatedAt time.Time         `json:"created_at"`
}

// Snapshot is the latest collected metric values of one host.
type Snapshot struct {
	HostID      int64              `json:"host_id"`
	Metrics     map[string]float64 `json:"metrics"`
	CollectedAt time.Time          `json:"collected_at"`
}

// SnapshotSource returns the latest snapshot of a host, or nil when none is cached.
type SnapshotSource interface {
	Latest(ctx context.Context, host inventory.HostInfo) (*Snapshot, error)
}

// PendingTracker remembers when a (rule, host) pair first violated its threshold.
type PendingTracker interface {
	// FirstSeen records now under key if absent and returns the stored timestamp.
	FirstSeen(ctx context.Context, key string, now time.Time, ttl time.Duration) (time.Time, error)
	Clear(ctx context.Context, key string) error
}

// Publisher announces newly created alerts.
type Publisher interface {
	Publish(ctx context.Context, msg AlertMessage) error
}

// HostSource lists monitored hosts.
type HostSource interface {
	ListHosts(ctx context.Context) ([]inventory.HostInfo, error)
}

// AlertStore is the alert persistence used by the evaluator.
type AlertStore interface {
	ListEnabledHostRules(ctx context.Context) ([]*model.AlertRule, error)
	// FindFiring returns the firing alert of (rule, host), or nil.
	FindFiring(ctx context.Context, ruleID, hostID int64) (*model.Alert, error)
	// LastFiredAt returns the creation time of the newest alert of (rule, host).
	LastFiredAt(ctx context.Context, ruleID, hostID int64) (time.Time, bool, error)
	// CreateFiring inserts a firing alert unless one already exists; created is false in that case.
	CreateFiring(ctx context.Context, a *model.Alert) (created bool, err error)
	Resolve(ctx context.Context, alertID int64, at time.Time) error
}

// Deduplicator decides whether an occurrence becomes a visible alert.
type Deduplicator interface {
	Process(ctx context.Context, occ dedup.Occurrence) (*dedup.Result, error)
}

// EscalationScheduler arms the first escalation of a new alert.
type EscalationScheduler interface {
	Schedule(ctx context.Context, a *model.Alert) error
}
