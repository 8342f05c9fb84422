package ruleset

import (
	"context"
	"time"

	"github.com/qiniu/opsguard/internal/alerting/model"
)

// LabelMap represents a normalized set of label key-value pairs.
// Standardization rules are applied before use (see normalize.go).
type LabelMap map[string]string

// ChangeLog captures before/after threshold changes of a rule for auditing and potential rollback.
type ChangeLog struct {
	ID           string         // external id for de-duplication
	RuleName     string         // rule name
	ChangeType   string         // Create | Update | Delete
	OldThreshold *float64       // nil if not applicable
	NewThreshold *float64       // nil if not applicable
	OldDuration  *time.Duration // nil if not applicable
	NewDuration  *time.Duration // nil if not applicable
	ChangeTime   time.Time      // when the change happened
}

// Store abstracts persistence of alert rules. Implementations should ensure
// correctness under concurrency via UPSERTs.
type Store interface {
	CreateRule(ctx context.Context, r *model.AlertRule) error
	GetRule(ctx context.Context, name string) (*model.AlertRule, error)
	ListRules(ctx context.Context) ([]*model.AlertRule, error)
	UpdateRule(ctx context.Context, r *model.AlertRule) error
	DeleteRule(ctx context.Context, name string) error

	InsertChangeLog(ctx context.Context, log *ChangeLog) error

	// WithTx calls fn with a transactional Store; all operations inside are atomic.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// ThresholdSync materializes rule thresholds somewhere observable, e.g. as Prometheus gauges.
type ThresholdSync interface {
	SyncRule(ctx context.Context, r *model.AlertRule) error
	DeleteRule(ctx context.Context, name string) error
}
