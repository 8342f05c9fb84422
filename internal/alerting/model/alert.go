package model

import (
	"strings"
	"time"
)

// Severity is the alert severity. Ordering: info < warning < critical.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordinal of the severity, 0 for unknown values.
func (s Severity) Rank() int {
	switch Severity(strings.ToLower(string(s))) {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// MaxSeverity returns the more severe of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// AlertStatus is the lifecycle state of an Alert.
type AlertStatus string

const (
	AlertFiring       AlertStatus = "firing"
	AlertResolved     AlertStatus = "resolved"
	AlertAcknowledged AlertStatus = "acknowledged"
)

// Metric names understood by the evaluator.
const (
	MetricCPU         = "cpu_usage"
	MetricMemory      = "memory_usage"
	MetricDisk        = "disk_usage"
	MetricLoad        = "load_avg"
	MetricHostOffline = "host_offline"
)

// AlertRule is an admin-managed monitoring rule. It is read-only while the evaluator runs.
type AlertRule struct {
	ID            int64         `json:"id"`
	Name          string        `json:"name"`
	Metric        string        `json:"metric"`
	Comparator    string        `json:"comparator"` // one of >, >=, <, <=, ==, !=
	Threshold     float64       `json:"threshold"`
	Duration      time.Duration `json:"duration"` // violation must persist this long; 0 fires immediately
	Cooldown      time.Duration `json:"cooldown"` // minimum gap between two alerts of the same (rule,host)
	SilenceStart  string        `json:"silence_start,omitempty"` // "HH:MM", local time
	SilenceEnd    string        `json:"silence_end,omitempty"`
	TargetType    string        `json:"target_type"`
	Severity      Severity      `json:"severity"`
	Enabled       bool          `json:"enabled"`
	AutoRemediate bool          `json:"auto_remediate"`
}

// Alert is one firing (or formerly firing) condition for a (rule, host) pair.
type Alert struct {
	ID               int64             `json:"id"`
	RuleID           int64             `json:"rule_id"`
	RuleName         string            `json:"rule_name"`
	HostID           int64             `json:"host_id"`
	Host             string            `json:"host"`
	ServiceID        int64             `json:"service_id,omitempty"`
	Metric           string            `json:"metric"`
	Severity         Severity          `json:"severity"`
	Status           AlertStatus       `json:"status"`
	MetricValue      float64           `json:"metric_value"`
	Message          string            `json:"message"`
	Labels           map[string]string `json:"labels,omitempty"`
	Fingerprint      string            `json:"fingerprint,omitempty"`
	GroupID          *int64            `json:"group_id,omitempty"`
	EscalationLevel  int               `json:"escalation_level"`
	NextEscalationAt *time.Time        `json:"next_escalation_at,omitempty"`
	LastEscalatedAt  *time.Time        `json:"last_escalated_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	ResolvedAt       *time.Time        `json:"resolved_at,omitempty"`
}

// AlertDeduplication tracks repeated occurrences of one fingerprint.
type AlertDeduplication struct {
	ID              int64     `json:"id"`
	Fingerprint     string    `json:"fingerprint"`
	RuleID          int64     `json:"rule_id"`
	HostID          int64     `json:"host_id"`
	ServiceID       int64     `json:"service_id"`
	Metric          string    `json:"metric"`
	FirstOccurrence time.Time `json:"first_occurrence"`
	LastOccurrence  time.Time `json:"last_occurrence"`
	OccurrenceCount int       `json:"occurrence_count"`
	Suppressed      bool      `json:"suppressed"`
	GroupID         *int64    `json:"group_id,omitempty"`
}

// AlertGroup collapses related occurrences inside a time box.
type AlertGroup struct {
	ID          int64       `json:"id"`
	GroupKey    string      `json:"group_key"`
	Severity    Severity    `json:"severity"`
	Status      AlertStatus `json:"status"`
	AlertCount  int         `json:"alert_count"`
	RuleIDs     []int64     `json:"rule_ids"`
	HostIDs     []int64     `json:"host_ids"`
	ServiceIDs  []int64     `json:"service_ids"`
	WindowStart time.Time   `json:"window_start"`
	WindowEnd   time.Time   `json:"window_end"`
}
