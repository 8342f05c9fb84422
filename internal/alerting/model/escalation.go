package model

import "time"

// EscalationLevel is one rung of the severity ladder.
type EscalationLevel struct {
	Level          int           `json:"level"`
	Delay          time.Duration `json:"delay"`
	TargetSeverity Severity      `json:"target_severity"`
}

// EscalationRule is the ladder attached to an alert rule. Levels are contiguous from 1.
type EscalationRule struct {
	ID          int64             `json:"id"`
	AlertRuleID int64             `json:"alert_rule_id"`
	Levels      []EscalationLevel `json:"levels"`
}

// Level returns the configured level n, if any.
func (r *EscalationRule) Level(n int) (EscalationLevel, bool) {
	if r == nil {
		return EscalationLevel{}, false
	}
	for _, l := range r.Levels {
		if l.Level == n {
			return l, true
		}
	}
	return EscalationLevel{}, false
}

// AlertEscalation is an append-only audit row of one severity transition.
type AlertEscalation struct {
	ID           int64     `json:"id"`
	AlertID      int64     `json:"alert_id"`
	FromSeverity Severity  `json:"from_severity"`
	ToSeverity   Severity  `json:"to_severity"`
	Level        int       `json:"level"`
	System       bool      `json:"system"`
	Message      string    `json:"message"`
	Operator     string    `json:"operator,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
