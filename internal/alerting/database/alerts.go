package database

import (
	"database/sql"
	"encoding/json"

	"github.com/qiniu/opsguard/internal/alerting/model"
)

// AlertColumns is the select list understood by ScanAlert.
const AlertColumns = `id, rule_id, rule_name, host_id, host, service_id, metric, severity, status, metric_value,
	message, labels::text, fingerprint, group_id, escalation_level, next_escalation_at, last_escalated_at,
	created_at, resolved_at`

// Scanner is implemented by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// ScanAlert reads one alerts row selected with AlertColumns.
func ScanAlert(row Scanner) (*model.Alert, error) {
	var a model.Alert
	var severity, status, labels string
	var groupID sql.NullInt64
	var next, last, resolved sql.NullTime
	if err := row.Scan(&a.ID, &a.RuleID, &a.RuleName, &a.HostID, &a.Host, &a.ServiceID, &a.Metric, &severity, &status,
		&a.MetricValue, &a.Message, &labels, &a.Fingerprint, &groupID, &a.EscalationLevel, &next, &last,
		&a.CreatedAt, &resolved); err != nil {
		return nil, err
	}
	a.Severity = model.Severity(severity)
	a.Status = model.AlertStatus(status)
	if labels != "" {
		_ = json.Unmarshal([]byte(labels), &a.Labels)
	}
	if groupID.Valid {
		a.GroupID = &groupID.Int64
	}
	if next.Valid {
		a.NextEscalationAt = &next.Time
	}
	if last.Valid {
		a.LastEscalatedAt = &last.Time
	}
	if resolved.Valid {
		a.ResolvedAt = &resolved.Time
	}
	return &a, nil
}
