package remediation

import (
	"context"
	"errors"
	"time"

	"github.com/qiniu/opsguard/internal/alerting/model"
)

// ErrNotPendingApproval is returned by Approve and Reject for logs not awaiting a decision.
var ErrNotPendingApproval = errors.New("remediation log is not pending approval")

// Result is the outcome of one Handle or Approve call.
type Result struct {
	LogID              int64                   `json:"log_id"`
	Status             model.RemediationStatus `json:"status"`
	Success            bool                    `json:"success"`
	Escalated          bool                    `json:"escalated"`
	BlockedReason      string                  `json:"blocked_reason,omitempty"`
	Diagnosis          *model.Diagnosis        `json:"diagnosis,omitempty"`
	Runbook            string                  `json:"runbook,omitempty"`
	Risk               model.RiskLevel         `json:"risk,omitempty"`
	CommandResults     []model.CommandResult   `json:"command_results,omitempty"`
	VerificationPassed *bool                   `json:"verification_passed,omitempty"`
}

// ObservationWindow is the period after a successful remediation during which a new alert
// on the same host means the fix did not hold.
type ObservationWindow struct {
	Duration  time.Duration `json:"duration"`
	Host      string        `json:"host"`
	Runbook   string        `json:"runbook"`
	LogID     int64         `json:"log_id"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
}

// ObservationWindowManager tracks at most one observation window per host.
type ObservationWindowManager interface {
	StartObservation(ctx context.Context, host, runbook string, logID int64, duration time.Duration) error
	// CheckObservation returns the active window of host, or nil.
	CheckObservation(ctx context.Context, host string) (*ObservationWindow, error)
	CancelObservation(ctx context.Context, host string) error
}

// InsightStore keeps free-text summaries of past remediations for later diagnosis.
type InsightStore interface {
	Record(ctx context.Context, host, summary string) error
}
