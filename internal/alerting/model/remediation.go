package model

import "time"

// RemediationStatus is the state of a RemediationLog.
//
//	pending -> diagnosing -> executing -> verifying -> success | failed
//	                      \-> escalated
//	                      \-> pending_approval -> approved | rejected
type RemediationStatus string

const (
	RemediationPending         RemediationStatus = "pending"
	RemediationDiagnosing      RemediationStatus = "diagnosing"
	RemediationExecuting       RemediationStatus = "executing"
	RemediationVerifying       RemediationStatus = "verifying"
	RemediationSuccess         RemediationStatus = "success"
	RemediationFailed          RemediationStatus = "failed"
	RemediationEscalated       RemediationStatus = "escalated"
	RemediationPendingApproval RemediationStatus = "pending_approval"
	RemediationApproved        RemediationStatus = "approved"
	RemediationRejected        RemediationStatus = "rejected"
)

// Terminal reports whether no automatic transition leaves s.
func (s RemediationStatus) Terminal() bool {
	switch s {
	case RemediationSuccess, RemediationFailed, RemediationEscalated, RemediationRejected:
		return true
	}
	return false
}

// RiskLevel gates whether a runbook may run unattended.
type RiskLevel string

const (
	RiskAuto    RiskLevel = "auto"
	RiskConfirm RiskLevel = "confirm"
	RiskBlock   RiskLevel = "block"
)

// Rank orders risk levels; unknown values rank as block.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskAuto:
		return 0
	case RiskConfirm:
		return 1
	default:
		return 2
	}
}

// Diagnosis is the structured answer of the AI oracle.
type Diagnosis struct {
	RootCause        string  `json:"root_cause"`
	Confidence       float64 `json:"confidence"`
	SuggestedRunbook string  `json:"suggested_runbook"`
	Reasoning        string  `json:"reasoning"`
}

// CommandResult is the outcome of one runbook step.
type CommandResult struct {
	Command  string        `json:"command"`
	Executed bool          `json:"executed"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Succeeded reports a zero exit without timeout.
func (r CommandResult) Succeeded() bool { return r.ExitCode == 0 && !r.TimedOut && r.Error == "" }

// RemediationLog is the persisted record of one remediation attempt. Rows are never deleted.
type RemediationLog struct {
	ID                 int64             `json:"id"`
	RunID              string            `json:"run_id"`
	AlertID            int64             `json:"alert_id"`
	HostID             int64             `json:"host_id"`
	Host               string            `json:"host"`
	Status             RemediationStatus `json:"status"`
	RiskLevel          RiskLevel         `json:"risk_level,omitempty"`
	RunbookName        string            `json:"runbook_name,omitempty"`
	Diagnosis          *Diagnosis        `json:"diagnosis,omitempty"`
	CommandResults     []CommandResult   `json:"command_results,omitempty"`
	VerificationPassed *bool             `json:"verification_passed,omitempty"`
	BlockedReason      string            `json:"blocked_reason,omitempty"`
	TriggeredBy        string            `json:"triggered_by"`
	Context            map[string]string `json:"context,omitempty"` // placeholder values captured from the alert
	Approver           string            `json:"approver,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}
