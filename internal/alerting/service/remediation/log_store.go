package remediation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	adb "github.com/qiniu/opsguard/internal/alerting/database"
	"github.com/qiniu/opsguard/internal/alerting/model"
)

// LogStore persists RemediationLog rows. Rows are never deleted.
type LogStore interface {
	Create(ctx context.Context, l *model.RemediationLog) error
	Update(ctx context.Context, l *model.RemediationLog) error
	Get(ctx context.Context, id int64) (*model.RemediationLog, error)
	// Transition moves log id from status from to status to and records approver.
	// It reports false when the log is not in status from.
	Transition(ctx context.Context, id int64, from, to model.RemediationStatus, approver string) (bool, error)
}

// PgLogStore implements LogStore using PostgreSQL.
type PgLogStore struct {
	DB *adb.Database
}

func NewPgLogStore(db *adb.Database) *PgLogStore {
	return &PgLogStore{DB: db}
}

const logColumns = `id, run_id, alert_id, host_id, host, status, risk_level, runbook_name, diagnosis,
command_results, verification_passed, blocked_reason, triggered_by, context, approver, created_at, updated_at`

func (s *PgLogStore) Create(ctx context.Context, l *model.RemediationLog) error {
	const q = `INSERT INTO remediation_logs (run_id, alert_id, host_id, host, status, risk_level, runbook_name,
diagnosis, command_results, verification_passed, blocked_reason, triggered_by, context, approver)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
RETURNING id, created_at, updated_at`
	diag, results, err := encodeLogJSON(l)
	if err != nil {
		return err
	}
	vars, err := json.Marshal(nonNilContext(l.Context))
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	row := s.DB.QueryRowContext(ctx, q, l.RunID, l.AlertID, l.HostID, l.Host, string(l.Status),
		string(l.RiskLevel), l.RunbookName, diag, results, nullBool(l.VerificationPassed),
		l.BlockedReason, l.TriggeredBy, string(vars), l.Approver)
	if err := row.Scan(&l.ID, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return fmt.Errorf("failed to create remediation log: %w", err)
	}
	return nil
}

func (s *PgLogStore) Update(ctx context.Context, l *model.RemediationLog) error {
	const q = `UPDATE remediation_logs SET status=$2, risk_level=$3, runbook_name=$4, diagnosis=$5,
command_results=$6, verification_passed=$7, blocked_reason=$8, approver=$9, updated_at=NOW()
WHERE id=$1 RETURNING updated_at`
	diag, results, err := encodeLogJSON(l)
	if err != nil {
		return err
	}
	row := s.DB.QueryRowContext(ctx, q, l.ID, string(l.Status), string(l.RiskLevel), l.RunbookName,
		diag, results, nullBool(l.VerificationPassed), l.BlockedReason, l.Approver)
	if err := row.Scan(&l.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("remediation log %d: %w", l.ID, model.ErrNotFound)
		}
		return fmt.Errorf("failed to update remediation log: %w", err)
	}
	return nil
}

func (s *PgLogStore) Get(ctx context.Context, id int64) (*model.RemediationLog, error) {
	q := `SELECT ` + logColumns + ` FROM remediation_logs WHERE id = $1`
	var (
		l        model.RemediationLog
		status   string
		risk     string
		diag     []byte
		results  []byte
		vars     []byte
		verified sql.NullBool
	)
	err := s.DB.QueryRowContext(ctx, q, id).Scan(&l.ID, &l.RunID, &l.AlertID, &l.HostID, &l.Host, &status,
		&risk, &l.RunbookName, &diag, &results, &verified, &l.BlockedReason, &l.TriggeredBy, &vars,
		&l.Approver, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("remediation log %d: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get remediation log: %w", err)
	}
	l.Status = model.RemediationStatus(status)
	l.RiskLevel = model.RiskLevel(risk)
	if len(diag) > 0 {
		l.Diagnosis = &model.Diagnosis{}
		if err := json.Unmarshal(diag, l.Diagnosis); err != nil {
			return nil, fmt.Errorf("decode diagnosis: %w", err)
		}
	}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &l.CommandResults); err != nil {
			return nil, fmt.Errorf("decode command results: %w", err)
		}
	}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &l.Context); err != nil {
			return nil, fmt.Errorf("decode context: %w", err)
		}
	}
	if verified.Valid {
		v := verified.Bool
		l.VerificationPassed = &v
	}
	return &l, nil
}

func (s *PgLogStore) Transition(ctx context.Context, id int64, from, to model.RemediationStatus, approver string) (bool, error) {
	const q = `UPDATE remediation_logs SET status=$3, approver=$4, updated_at=NOW() WHERE id=$1 AND status=$2`
	res, err := s.DB.ExecContext(ctx, q, id, string(from), string(to), approver)
	if err != nil {
		return false, fmt.Errorf("failed to transition remediation log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to transition remediation log: %w", err)
	}
	return n == 1, nil
}

// encodeLogJSON returns text values since lib/pq sends []byte parameters as bytea.
func encodeLogJSON(l *model.RemediationLog) (diag any, results string, err error) {
	if l.Diagnosis != nil {
		b, err := json.Marshal(l.Diagnosis)
		if err != nil {
			return nil, "", fmt.Errorf("encode diagnosis: %w", err)
		}
		diag = string(b)
	}
	cr := l.CommandResults
	if cr == nil {
		cr = []model.CommandResult{}
	}
	b, err := json.Marshal(cr)
	if err != nil {
		return nil, "", fmt.Errorf("encode command results: %w", err)
	}
	return diag, string(b), nil
}

func nonNilContext(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

// MemoryLogStore keeps logs in memory. It backs tests and the check-only CLI paths.
type MemoryLogStore struct {
	mu     sync.Mutex
	nextID int64
	logs   map[int64]model.RemediationLog
}

func NewMemoryLogStore() *MemoryLogStore {
	return &MemoryLogStore{logs: make(map[int64]model.RemediationLog)}
}

func (s *MemoryLogStore) Create(_ context.Context, l *model.RemediationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	now := time.Now().UTC()
	l.ID, l.CreatedAt, l.UpdatedAt = s.nextID, now, now
	s.logs[l.ID] = cloneLog(*l)
	return nil
}

func (s *MemoryLogStore) Update(_ context.Context, l *model.RemediationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.logs[l.ID]; !ok {
		return fmt.Errorf("remediation log %d: %w", l.ID, model.ErrNotFound)
	}
	l.UpdatedAt = time.Now().UTC()
	s.logs[l.ID] = cloneLog(*l)
	return nil
}

func (s *MemoryLogStore) Get(_ context.Context, id int64) (*model.RemediationLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		return nil, fmt.Errorf("remediation log %d: %w", id, model.ErrNotFound)
	}
	c := cloneLog(l)
	return &c, nil
}

func (s *MemoryLogStore) Transition(_ context.Context, id int64, from, to model.RemediationStatus, approver string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		return false, fmt.Errorf("remediation log %d: %w", id, model.ErrNotFound)
	}
	if l.Status != from {
		return false, nil
	}
	l.Status, l.Approver, l.UpdatedAt = to, approver, time.Now().UTC()
	s.logs[id] = l
	return true, nil
}

func cloneLog(l model.RemediationLog) model.RemediationLog {
	if l.Diagnosis != nil {
		d := *l.Diagnosis
		l.Diagnosis = &d
	}
	l.CommandResults = append([]model.CommandResult(nil), l.CommandResults...)
	if l.VerificationPassed != nil {
		v := *l.VerificationPassed
		l.VerificationPassed = &v
	}
	if l.Context != nil {
		c := make(map[string]string, len(l.Context))
		for k, v := range l.Context {
			c[k] = v
		}
		l.Context = c
	}
	return l
}
