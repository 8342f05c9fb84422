package escalation

import (
	"context"
	"time"

	"github.com/qiniu/opsguard/internal/alerting/model"
)

// Store is the persistence surface of the escalation scheduler.
type Store interface {
	// DueAlerts returns firing or acknowledged alerts whose next_escalation_at <= now, oldest first.
	DueAlerts(ctx context.Context, now time.Time, limit int) ([]*model.Alert, error)
	GetAlert(ctx context.Context, id int64) (*model.Alert, error)
	// RuleForAlertRule returns the escalation ladder attached to an alert rule, or nil.
	RuleForAlertRule(ctx context.Context, alertRuleID int64) (*model.EscalationRule, error)
	SaveRule(ctx context.Context, r *model.EscalationRule) error

	// ApplyEscalation atomically appends the audit row and updates the alert's severity,
	// level and escalation timestamps.
	ApplyEscalation(ctx context.Context, a *model.Alert, audit *model.AlertEscalation) error
	// SetNextEscalation updates only next_escalation_at; nil clears it.
	SetNextEscalation(ctx context.Context, alertID int64, next *time.Time) error
}
