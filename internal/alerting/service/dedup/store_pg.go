package dedup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	adb "github.com/qiniu/opsguard/internal/alerting/database"
	"github.com/qiniu/opsguard/internal/alerting/model"
)

// PgStore keeps dedup records and groups in PostgreSQL.
type PgStore struct {
	DB *adb.Database
}

func NewPgStore(db *adb.Database) *PgStore { return &PgStore{DB: db} }

const dedupColumns = `id, fingerprint, rule_id, host_id, service_id, metric, first_occurrence, last_occurrence,
	occurrence_count, suppressed, group_id`

func scanDedup(row interface{ Scan(...any) error }) (*model.AlertDeduplication, error) {
	var r model.AlertDeduplication
	var gid sql.NullInt64
	if err := row.Scan(&r.ID, &r.Fingerprint, &r.RuleID, &r.HostID, &r.ServiceID, &r.Metric,
		&r.FirstOccurrence, &r.LastOccurrence, &r.OccurrenceCount, &r.Suppressed, &gid); err != nil {
		return nil, err
	}
	if gid.Valid {
		r.GroupID = &gid.Int64
	}
	return &r, nil
}

func (s *PgStore) FindLive(ctx context.Context, fingerprint string, since time.Time) (*model.AlertDeduplication, error) {
	q := `SELECT ` + dedupColumns + ` FROM alert_deduplications
	WHERE fingerprint = $1 AND last_occurrence >= $2
	ORDER BY last_occurrence DESC LIMIT 1`
	r, err := scanDedup(s.DB.QueryRowContext(ctx, q, fingerprint, since))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find live dedup: %w", err)
	}
	return r, nil
}

func (s *PgStore) Touch(ctx context.Context, id int64, at time.Time) (*model.AlertDeduplication, error) {
	q := `UPDATE alert_deduplications
	SET occurrence_count = occurrence_count + 1, last_occurrence = $2, suppressed = TRUE
	WHERE id = $1
	RETURNING ` + dedupColumns
	r, err := scanDedup(s.DB.QueryRowContext(ctx, q, id, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dedup record %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("touch dedup: %w", err)
	}
	return r, nil
}

func (s *PgStore) CreateRecord(ctx context.Context, rec *model.AlertDeduplication) error {
	const q = `INSERT INTO alert_deduplications(fingerprint, rule_id, host_id, service_id, metric,
		first_occurrence, last_occurrence, occurrence_count, suppressed, group_id)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`
	var gid any
	if rec.GroupID != nil {
		gid = *rec.GroupID
	}
	err := s.DB.QueryRowContext(ctx, q, rec.Fingerprint, rec.RuleID, rec.HostID, rec.ServiceID, rec.Metric,
		rec.FirstOccurrence, rec.LastOccurrence, rec.OccurrenceCount, rec.Suppressed, gid).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("insert dedup: %w", err)
	}
	return nil
}

func (s *PgStore) FindOpenGroup(ctx context.Context, key string, since time.Time, maxAlerts int) (*model.AlertGroup, error) {
	const q = `SELECT id, group_key, severity, status, alert_count, rule_ids, host_ids, service_ids, window_start, window_end
	FROM alert_groups
	WHERE group_key = $1 AND status IN ('firing','acknowledged') AND window_end > $2 AND alert_count < $3
	ORDER BY window_end DESC LIMIT 1`
	var g model.AlertGroup
	var sev, status string
	err := s.DB.QueryRowContext(ctx, q, key, since, maxAlerts).Scan(&g.ID, &g.GroupKey, &sev, &status, &g.AlertCount,
		pq.Array(&g.RuleIDs), pq.Array(&g.HostIDs), pq.Array(&g.ServiceIDs), &g.WindowStart, &g.WindowEnd)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open group: %w", err)
	}
	g.Severity = model.Severity(sev)
	g.Status = model.AlertStatus(status)
	return &g, nil
}

func (s *PgStore) CreateGroup(ctx context.Context, g *model.AlertGroup) error {
	const q = `INSERT INTO alert_groups(group_key, severity, status, alert_count, rule_ids, host_ids, service_ids, window_start, window_end)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`
	err := s.DB.QueryRowContext(ctx, q, g.GroupKey, string(g.Severity), string(g.Status), g.AlertCount,
		pq.Array(nonNil(g.RuleIDs)), pq.Array(nonNil(g.HostIDs)), pq.Array(nonNil(g.ServiceIDs)),
		g.WindowStart, g.WindowEnd).Scan(&g.ID)
	if err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	return nil
}

func (s *PgStore) UpdateGroup(ctx context.Context, g *model.AlertGroup) error {
	const q = `UPDATE alert_groups SET severity=$2, status=$3, alert_count=$4, rule_ids=$5, host_ids=$6,
		service_ids=$7, window_end=$8 WHERE id=$1`
	_, err := s.DB.ExecContext(ctx, q, g.ID, string(g.Severity), string(g.Status), g.AlertCount,
		pq.Array(nonNil(g.RuleIDs)), pq.Array(nonNil(g.HostIDs)), pq.Array(nonNil(g.ServiceIDs)), g.WindowEnd)
	if err != nil {
		return fmt.Errorf("update group: %w", err)
	}
	return nil
}

func (s *PgStore) DeleteRecordsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM alert_deduplications WHERE last_occurrence < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete dedup records: %w", err)
	}
	return res.RowsAffected()
}

func (s *PgStore) CloseGroupsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE alert_groups SET status='resolved' WHERE status IN ('firing','acknowledged') AND window_end < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("close groups: %w", err)
	}
	return res.RowsAffected()
}

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
