package healthcheck

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	adb "github.com/qiniu/opsguard/internal/alerting/database"
	"github.com/qiniu/opsguard/internal/alerting/model"
	"github.com/qiniu/opsguard/internal/alerting/service/ruleset"
)

// PgAlertStore is the PostgreSQL AlertStore.
type PgAlertStore struct {
	DB *adb.Database
}

func NewPgAlertStore(db *adb.Database) *PgAlertStore { return &PgAlertStore{DB: db} }

func (s *PgAlertStore) ListEnabledHostRules(ctx context.Context) ([]*model.AlertRule, error) {
	q := `SELECT ` + ruleset.RuleColumns + ` FROM alert_rules WHERE enabled AND target_type = 'host' ORDER BY id`
	rows, err := s.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()
	var out []*model.AlertRule
	for rows.Next() {
		r, err := ruleset.ScanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PgAlertStore) FindFiring(ctx context.Context, ruleID, hostID int64) (*model.Alert, error) {
	q := `SELECT ` + adb.AlertColumns + ` FROM alerts WHERE rule_id=$1 AND host_id=$2 AND status='firing'`
	a, err := adb.ScanAlert(s.DB.QueryRowContext(ctx, q, ruleID, hostID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find firing alert: %w", err)
	}
	return a, nil
}

func (s *PgAlertStore) LastFiredAt(ctx context.Context, ruleID, hostID int64) (time.Time, bool, error) {
	var last sql.NullTime
	err := s.DB.QueryRowContext(ctx, `SELECT MAX(created_at) FROM alerts WHERE rule_id=$1 AND host_id=$2`, ruleID, hostID).Scan(&last)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last fired: %w", err)
	}
	return last.Time, last.Valid, nil
}

func (s *PgAlertStore) CreateFiring(ctx context.Context, a *model.Alert) (bool, error) {
	labels, _ := json.Marshal(a.Labels)
	if a.Labels == nil {
		labels = []byte("{}")
	}
	const q = `INSERT INTO alerts(rule_id, rule_name, host_id, host, service_id, metric, severity, status, metric_value,
		message, labels, fingerprint, group_id, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, 'firing', $8, $9, $10::jsonb, $11, $12, $13)
	ON CONFLICT (rule_id, host_id) WHERE status = 'firing' DO NOTHING
	RETURNING id`
	var gid any
	if a.GroupID != nil {
		gid = *a.GroupID
	}
	err := s.DB.QueryRowContext(ctx, q, a.RuleID, a.RuleName, a.HostID, a.Host, a.ServiceID, a.Metric, string(a.Severity),
		a.MetricValue, a.Message, string(labels), a.Fingerprint, gid, a.CreatedAt).Scan(&a.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if adb.IsUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert alert: %w", err)
	}
	a.Status = model.AlertFiring
	return true, nil
}

func (s *PgAlertStore) Resolve(ctx context.Context, alertID int64, at time.Time) error {
	const q = `UPDATE alerts SET status='resolved', resolved_at=$2, next_escalation_at=NULL
	WHERE id=$1 AND status <> 'resolved'`
	if _, err := s.DB.ExecContext(ctx, q, alertID, at); err != nil {
		return fmt.Errorf("resolve alert %d: %w", alertID, err)
	}
	return nil
}
