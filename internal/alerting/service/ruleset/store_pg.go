package ruleset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	abd "github.com/qiniu/opsguard/internal/alerting/database"
	"github.com/qiniu/opsguard/internal/alerting/model"
)

// querier is satisfied by both *database.Database and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PgStore is a PostgreSQL-backed Store implementation using the alerting database wrapper.
type PgStore struct {
	DB *abd.Database
	q  querier
}

func NewPgStore(db *abd.Database) *PgStore { return &PgStore{DB: db, q: db} }

func (s *PgStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if _, inTx := s.q.(*sql.Tx); inTx {
		return fn(s)
	}
	return s.DB.WithTx(ctx, func(tx *sql.Tx) error {
		return fn(&PgStore{DB: s.DB, q: tx})
	})
}

// RuleColumns is the select list understood by ScanRule.
const RuleColumns = `id, name, metric, comparator, threshold, duration::text, cooldown::text,
	silence_start, silence_end, target_type, severity, enabled, auto_remediate`

func (s *PgStore) CreateRule(ctx context.Context, r *model.AlertRule) error {
	const q = `
	INSERT INTO alert_rules(name, metric, comparator, threshold, duration, cooldown,
		silence_start, silence_end, target_type, severity, enabled, auto_remediate)
	VALUES ($1, $2, $3, $4, $5::interval, $6::interval, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (name) DO UPDATE SET
		metric = EXCLUDED.metric,
		comparator = EXCLUDED.comparator,
		threshold = EXCLUDED.threshold,
		duration = EXCLUDED.duration,
		cooldown = EXCLUDED.cooldown,
		silence_start = EXCLUDED.silence_start,
		silence_end = EXCLUDED.silence_end,
		target_type = EXCLUDED.target_type,
		severity = EXCLUDED.severity,
		enabled = EXCLUDED.enabled,
		auto_remediate = EXCLUDED.auto_remediate
	RETURNING id
	`
	err := s.q.QueryRowContext(ctx, q, r.Name, r.Metric, r.Comparator, r.Threshold,
		durationToPgInterval(r.Duration), durationToPgInterval(r.Cooldown),
		r.SilenceStart, r.SilenceEnd, r.TargetType, string(r.Severity), r.Enabled, r.AutoRemediate).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	return nil
}

func (s *PgStore) GetRule(ctx context.Context, name string) (*model.AlertRule, error) {
	q := `SELECT ` + RuleColumns + ` FROM alert_rules WHERE name = $1`
	rows, err := s.q.QueryContext(ctx, q, name)
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		return ScanRule(rows)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return nil, fmt.Errorf("rule %s: %w", name, model.ErrNotFound)
}

func (s *PgStore) ListRules(ctx context.Context) ([]*model.AlertRule, error) {
	q := `SELECT ` + RuleColumns + ` FROM alert_rules ORDER BY id`
	rows, err := s.q.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	var out []*model.AlertRule
	for rows.Next() {
		r, err := ScanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PgStore) UpdateRule(ctx context.Context, r *model.AlertRule) error {
	const q = `UPDATE alert_rules SET threshold=$2, duration=$3::interval, cooldown=$4::interval,
		comparator=$5, severity=$6, enabled=$7, auto_remediate=$8 WHERE name=$1`
	res, err := s.q.ExecContext(ctx, q, r.Name, r.Threshold, durationToPgInterval(r.Duration),
		durationToPgInterval(r.Cooldown), r.Comparator, string(r.Severity), r.Enabled, r.AutoRemediate)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s: %w", r.Name, model.ErrNotFound)
	}
	return nil
}

func (s *PgStore) DeleteRule(ctx context.Context, name string) error {
	const q = `DELETE FROM alert_rules WHERE name=$1`
	_, err := s.q.ExecContext(ctx, q, name)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return nil
}

func (s *PgStore) InsertChangeLog(ctx context.Context, log *ChangeLog) error {
	const q = `
	INSERT INTO alert_rule_change_logs(id, rule_name, change_type, old_threshold, new_threshold, old_duration, new_duration, change_time)
	VALUES ($1, $2, $3, $4, $5, $6::interval, $7::interval, $8)
	`
	_, err := s.q.ExecContext(ctx, q, log.ID, log.RuleName, log.ChangeType, log.OldThreshold, log.NewThreshold,
		optionalInterval(log.OldDuration), optionalInterval(log.NewDuration), log.ChangeTime)
	if err != nil {
		return fmt.Errorf("insert change log: %w", err)
	}
	return nil
}

// ListChangeLogs returns change logs at or before before, newest first.
// A zero before lists from the most recent entry.
func (s *PgStore) ListChangeLogs(ctx context.Context, before time.Time, limit int) ([]ChangeLog, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, rule_name, change_type, old_threshold, new_threshold,
		old_duration::text, new_duration::text, change_time
	FROM alert_rule_change_logs`
	args := []any{}
	if !before.IsZero() {
		q += ` WHERE change_time <= $1`
		args = append(args, before)
	}
	q += fmt.Sprintf(` ORDER BY change_time DESC LIMIT %d`, limit)

	rows, err := s.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list change logs: %w", err)
	}
	defer rows.Close()
	out := make([]ChangeLog, 0, limit)
	for rows.Next() {
		var (
			cl             ChangeLog
			oldDur, newDur sql.NullString
		)
		if err := rows.Scan(&cl.ID, &cl.RuleName, &cl.ChangeType, &cl.OldThreshold, &cl.NewThreshold,
			&oldDur, &newDur, &cl.ChangeTime); err != nil {
			return nil, fmt.Errorf("scan change log: %w", err)
		}
		if cl.OldDuration, err = nullableInterval(oldDur); err != nil {
			return nil, err
		}
		if cl.NewDuration, err = nullableInterval(newDur); err != nil {
			return nil, err
		}
		out = append(out, cl)
	}
	return out, rows.Err()
}

func nullableInterval(s sql.NullString) (*time.Duration, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := parseInterval(s.String)
	if err != nil {
		return nil, fmt.Errorf("change log interval %q: %w", s.String, err)
	}
	return &d, nil
}

// RowScanner is implemented by *sql.Row and *sql.Rows.
type RowScanner interface {
	Scan(dest ...any) error
}

// ScanRule reads one alert_rules row selected with the standard column list.
func ScanRule(row RowScanner) (*model.AlertRule, error) {
	var r model.AlertRule
	var durText, coolText, severity string
	if err := row.Scan(&r.ID, &r.Name, &r.Metric, &r.Comparator, &r.Threshold, &durText, &coolText,
		&r.SilenceStart, &r.SilenceEnd, &r.TargetType, &severity, &r.Enabled, &r.AutoRemediate); err != nil {
		return nil, fmt.Errorf("scan rule: %w", err)
	}
	r.Severity = model.Severity(severity)
	var err error
	if r.Duration, err = parseInterval(durText); err != nil {
		return nil, fmt.Errorf("rule %s duration: %w", r.Name, err)
	}
	if r.Cooldown, err = parseInterval(coolText); err != nil {
		return nil, fmt.Errorf("rule %s cooldown: %w", r.Name, err)
	}
	return &r, nil
}

func parseInterval(text string) (time.Duration, error) {
	var iv pgtype.Interval
	if err := iv.Scan(text); err != nil {
		return 0, err
	}
	return pgIntervalToDuration(iv)
}

func optionalInterval(d *time.Duration) pgtype.Interval {
	if d == nil {
		return pgtype.Interval{}
	}
	return durationToPgInterval(*d)
}

// durationToPgInterval splits d into whole days and a microsecond remainder.
func durationToPgInterval(d time.Duration) pgtype.Interval {
	const day = 24 * time.Hour
	days := d / day
	rem := d % day
	return pgtype.Interval{
		Microseconds: rem.Microseconds(),
		Days:         int32(days),
		Months:       0,
		Valid:        true,
	}
}

// pgIntervalToDuration rejects month components since their length is calendar dependent.
func pgIntervalToDuration(iv pgtype.Interval) (time.Duration, error) {
	if !iv.Valid {
		return 0, errors.New("interval is null")
	}
	if iv.Months != 0 {
		return 0, fmt.Errorf("interval with %d months cannot be converted to a duration", iv.Months)
	}
	return time.Duration(iv.Days)*24*time.Hour + time.Duration(iv.Microseconds)*time.Microsecond, nil
}
