package escalation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/qiniu/opsguard/internal/alerting/metrics"
	"github.com/qiniu/opsguard/internal/alerting/model"
	"github.com/qiniu/opsguard/internal/alerting/service/notify"
	"github.com/rs/zerolog/log"
)

var (
	// ErrInvalidEscalationLevels rejects ladders that are not exactly 1..n.
	ErrInvalidEscalationLevels = errors.New("escalation levels must be contiguous from 1")
	// ErrInvalidTransition rejects manual escalation of resolved alerts.
	ErrInvalidTransition = errors.New("alert cannot be escalated in its current state")
)

// Deps wires the scheduler loop.
type Deps struct {
	Scheduler *Scheduler
	Interval  time.Duration
	Batch     int
}

// Scheduler walks alerts up their escalation ladder.
type Scheduler struct {
	store    Store
	notifier notify.Dispatcher
	now      func() time.Time
}

func NewScheduler(store Store, notifier notify.Dispatcher) *Scheduler {
	return &Scheduler{store: store, notifier: notifier, now: func() time.Time { return time.Now().UTC() }}
}

func StartScheduler(ctx context.Context, deps Deps) {
	if deps.Interval <= 0 {
		deps.Interval = 60 * time.Second
	}
	if deps.Batch <= 0 {
		deps.Batch = 200
	}
	t := time.NewTicker(deps.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			start := time.Now()
			if _, err := deps.Scheduler.RunOnce(ctx, deps.Batch); err != nil {
				log.Error().Err(err).Msg("escalation runOnce failed")
			}
			metrics.ObserveLoop("escalation", time.Since(start))
		}
	}
}

// RunOnce escalates every due alert and returns how many advanced a level.
func (s *Scheduler) RunOnce(ctx context.Context, batch int) (int, error) {
	now := s.now()
	due, err := s.store.DueAlerts(ctx, now, batch)
	if err != nil {
		return 0, fmt.Errorf("query due alerts: %w", err)
	}
	advanced := 0
	for _, a := range due {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.advance(ctx, a, now)
		if err != nil {
			log.Error().Err(err).Int64("alert_id", a.ID).Msg("escalate alert failed")
			continue
		}
		if ok {
			advanced++
		}
	}
	return advanced, nil
}

func (s *Scheduler) advance(ctx context.Context, a *model.Alert, now time.Time) (bool, error) {
	rule, err := s.store.RuleForAlertRule(ctx, a.RuleID)
	if err != nil {
		return false, err
	}
	if rule == nil {
		return false, s.store.SetNextEscalation(ctx, a.ID, nil)
	}
	next := a.EscalationLevel + 1
	lvl, ok := rule.Level(next)
	if !ok {
		return false, s.store.SetNextEscalation(ctx, a.ID, nil)
	}

	audit := &model.AlertEscalation{
		AlertID:      a.ID,
		FromSeverity: a.Severity,
		ToSeverity:   lvl.TargetSeverity,
		Level:        next,
		System:       true,
		Message:      fmt.Sprintf("auto escalation to level %d", next),
		CreatedAt:    now,
	}
	a.Severity = lvl.TargetSeverity
	a.EscalationLevel = next
	a.LastEscalatedAt = &now
	a.NextEscalationAt = nil
	if following, ok := rule.Level(next + 1); ok {
		at := now.Add(following.Delay)
		a.NextEscalationAt = &at
	}
	if err := s.store.ApplyEscalation(ctx, a, audit); err != nil {
		return false, err
	}
	metrics.ObserveEscalation("system")
	log.Info().Int64("alert_id", a.ID).Int("level", next).Str("severity", string(a.Severity)).Msg("alert escalated")
	s.notify(ctx, a, audit)
	return true, nil
}

// EscalateManual forces an alert to toSeverity and stops automatic escalation for it.
func (s *Scheduler) EscalateManual(ctx context.Context, alertID int64, to model.Severity, message, operator string) (*model.AlertEscalation, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown severity %q", ErrInvalidTransition, to)
	}
	a, err := s.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if a.Status == model.AlertResolved {
		return nil, fmt.Errorf("%w: alert %d is resolved", ErrInvalidTransition, alertID)
	}
	now := s.now()
	audit := &model.AlertEscalation{
		AlertID:      a.ID,
		FromSeverity: a.Severity,
		ToSeverity:   to,
		Level:        a.EscalationLevel,
		System:       false,
		Message:      message,
		Operator:     operator,
		CreatedAt:    now,
	}
	a.Severity = to
	a.LastEscalatedAt = &now
	a.NextEscalationAt = nil
	if err := s.store.ApplyEscalation(ctx, a, audit); err != nil {
		return nil, err
	}
	metrics.ObserveEscalation("manual")
	log.Info().Int64("alert_id", a.ID).Str("severity", string(to)).Str("operator", operator).Msg("alert escalated manually")
	s.notify(ctx, a, audit)
	return audit, nil
}

// Schedule arms the first escalation of a freshly created alert when its rule has a ladder.
func (s *Scheduler) Schedule(ctx context.Context, a *model.Alert) error {
	rule, err := s.store.RuleForAlertRule(ctx, a.RuleID)
	if err != nil || rule == nil {
		return err
	}
	first, ok := rule.Level(a.EscalationLevel + 1)
	if !ok {
		return nil
	}
	at := a.CreatedAt
	if at.IsZero() {
		at = s.now()
	}
	at = at.Add(first.Delay)
	a.NextEscalationAt = &at
	return s.store.SetNextEscalation(ctx, a.ID, &at)
}

// SaveRule validates and stores an escalation ladder.
func (s *Scheduler) SaveRule(ctx context.Context, r *model.EscalationRule) error {
	if err := ValidateLevels(r.Levels); err != nil {
		return err
	}
	sort.Slice(r.Levels, func(i, j int) bool { return r.Levels[i].Level < r.Levels[j].Level })
	return s.store.SaveRule(ctx, r)
}

// ValidateLevels requires levels to be exactly 1..n with non-negative delays and known severities.
func ValidateLevels(levels []model.EscalationLevel) error {
	if len(levels) == 0 {
		return fmt.Errorf("%w: no levels", ErrInvalidEscalationLevels)
	}
	nums := make([]int, len(levels))
	for i, l := range levels {
		if l.Delay < 0 {
			return fmt.Errorf("%w: level %d has negative delay", ErrInvalidEscalationLevels, l.Level)
		}
		if !l.TargetSeverity.Valid() {
			return fmt.Errorf("%w: level %d has unknown severity %q", ErrInvalidEscalationLevels, l.Level, l.TargetSeverity)
		}
		nums[i] = l.Level
	}
	sort.Ints(nums)
	for i, n := range nums {
		if n != i+1 {
			return fmt.Errorf("%w: got %v", ErrInvalidEscalationLevels, nums)
		}
	}
	return nil
}

func (s *Scheduler) notify(ctx context.Context, a *model.Alert, audit *model.AlertEscalation) {
	notify.DeliverAsync(ctx, s.notifier, notify.Notification{
		Kind:      notify.KindEscalation,
		AlertID:   a.ID,
		AlertName: a.RuleName,
		Host:      a.Host,
		Severity:  string(a.Severity),
		Message:   audit.Message,
		Details: map[string]string{
			"from_severity": string(audit.FromSeverity),
			"level":         strconv.Itoa(audit.Level),
			"system":        strconv.FormatBool(audit.System),
		},
	})
}
