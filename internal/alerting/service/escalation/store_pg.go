package escalation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	adb "github.com/qiniu/opsguard/internal/alerting/database"
	"github.com/qiniu/opsguard/internal/alerting/model"
)

// PgStore reads and writes escalation state in PostgreSQL.
type PgStore struct {
	DB *adb.Database
}

func NewPgStore(db *adb.Database) *PgStore { return &PgStore{DB: db} }

func (s *PgStore) DueAlerts(ctx context.Context, now time.Time, limit int) ([]*model.Alert, error) {
	q := `SELECT ` + adb.AlertColumns + ` FROM alerts
	WHERE status IN ('firing','acknowledged') AND next_escalation_at IS NOT NULL AND next_escalation_at <= $1
	ORDER BY next_escalation_at ASC
	LIMIT $2`
	rows, err := s.DB.QueryContext(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*model.Alert, 0, limit)
	for rows.Next() {
		a, err := adb.ScanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PgStore) GetAlert(ctx context.Context, id int64) (*model.Alert, error) {
	a, err := adb.ScanAlert(s.DB.QueryRowContext(ctx, `SELECT `+adb.AlertColumns+` FROM alerts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

func (s *PgStore) RuleForAlertRule(ctx context.Context, alertRuleID int64) (*model.EscalationRule, error) {
	const q = `SELECT r.id, l.level, l.delay_min, l.target_severity
	FROM escalation_rules r JOIN escalation_levels l ON l.rule_id = r.id
	WHERE r.alert_rule_id = $1
	ORDER BY l.level`
	rows, err := s.DB.QueryContext(ctx, q, alertRuleID)
	if err != nil {
		return nil, fmt.Errorf("query escalation rule: %w", err)
	}
	defer rows.Close()
	var rule *model.EscalationRule
	for rows.Next() {
		var id int64
		var lvl model.EscalationLevel
		var delayMin int
		var sev string
		if err := rows.Scan(&id, &lvl.Level, &delayMin, &sev); err != nil {
			return nil, err
		}
		if rule == nil {
			rule = &model.EscalationRule{ID: id, AlertRuleID: alertRuleID}
		}
		lvl.Delay = time.Duration(delayMin) * time.Minute
		lvl.TargetSeverity = model.Severity(sev)
		rule.Levels = append(rule.Levels, lvl)
	}
	return rule, rows.Err()
}

func (s *PgStore) SaveRule(ctx context.Context, r *model.EscalationRule) error {
	return s.DB.WithTx(ctx, func(tx *sql.Tx) error {
		const upsert = `INSERT INTO escalation_rules(alert_rule_id) VALUES ($1)
		ON CONFLICT (alert_rule_id) DO UPDATE SET alert_rule_id = EXCLUDED.alert_rule_id
		RETURNING id`
		if err := tx.QueryRowContext(ctx, upsert, r.AlertRuleID).Scan(&r.ID); err != nil {
			return fmt.Errorf("upsert escalation rule: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM escalation_levels WHERE rule_id = $1`, r.ID); err != nil {
			return fmt.Errorf("clear escalation levels: %w", err)
		}
		for _, l := range r.Levels {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO escalation_levels(rule_id, level, delay_min, target_severity) VALUES ($1, $2, $3, $4)`,
				r.ID, l.Level, int(l.Delay/time.Minute), string(l.TargetSeverity))
			if err != nil {
				return fmt.Errorf("insert escalation level %d: %w", l.Level, err)
			}
		}
		return nil
	})
}

func (s *PgStore) ApplyEscalation(ctx context.Context, a *model.Alert, audit *model.AlertEscalation) error {
	return s.DB.WithTx(ctx, func(tx *sql.Tx) error {
		const ins = `INSERT INTO alert_escalations(alert_id, from_severity, to_severity, level, system, message, operator, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`
		if err := tx.QueryRowContext(ctx, ins, audit.AlertID, string(audit.FromSeverity), string(audit.ToSeverity),
			audit.Level, audit.System, audit.Message, audit.Operator, audit.CreatedAt).Scan(&audit.ID); err != nil {
			return fmt.Errorf("insert escalation audit: %w", err)
		}
		const upd = `UPDATE alerts SET severity=$2, escalation_level=$3, last_escalated_at=$4, next_escalation_at=$5 WHERE id=$1`
		if _, err := tx.ExecContext(ctx, upd, a.ID, string(a.Severity), a.EscalationLevel,
			nullTime(a.LastEscalatedAt), nullTime(a.NextEscalationAt)); err != nil {
			return fmt.Errorf("update alert severity: %w", err)
		}
		return nil
	})
}

func (s *PgStore) SetNextEscalation(ctx context.Context, alertID int64, next *time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE alerts SET next_escalation_at=$2 WHERE id=$1`, alertID, nullTime(next))
	if err != nil {
		return fmt.Errorf("set next escalation: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
