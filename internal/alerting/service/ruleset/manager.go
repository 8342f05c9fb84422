package ruleset

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/qiniu/opsguard/internal/alerting/model"
	"github.com/rs/zerolog/log"
)

var (
	// ErrInvalidRule indicates provided rule is incomplete or invalid.
	ErrInvalidRule = errors.New("invalid alert rule")
)

var comparators = map[string]bool{">": true, ">=": true, "<": true, "<=": true, "==": true, "!=": true}

var knownMetrics = map[string]bool{
	model.MetricCPU:         true,
	model.MetricMemory:      true,
	model.MetricDisk:        true,
	model.MetricLoad:        true,
	model.MetricHostOffline: true,
}

// Manager coordinates rule validation, store operations, change logging and threshold sync.
type Manager struct {
	store Store
	sync  ThresholdSync
}

func NewManager(store Store, sync ThresholdSync) *Manager {
	return &Manager{store: store, sync: sync}
}

// LoadRules pushes every stored rule to the threshold sink. Called once at startup.
func (m *Manager) LoadRules(ctx context.Context) error {
	rules, err := m.store.ListRules(ctx)
	if err != nil {
		return err
	}
	for _, r := range rules {
		if err := m.sync.SyncRule(ctx, r); err != nil {
			return err
		}
	}
	log.Info().Int("rules", len(rules)).Msg("alert rules loaded")
	return nil
}

func (m *Manager) AddAlertRule(ctx context.Context, r *model.AlertRule) error {
	if err := ValidateRule(r); err != nil {
		return err
	}
	if r.TargetType == "" {
		r.TargetType = "host"
	}
	return m.store.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateRule(ctx, r); err != nil {
			return err
		}
		if err := m.recordChange(ctx, tx, nil, r); err != nil {
			return err
		}
		return m.sync.SyncRule(ctx, r)
	})
}

// UpdateThreshold changes the threshold and duration of an existing rule and records the change.
func (m *Manager) UpdateThreshold(ctx context.Context, name string, threshold float64, duration time.Duration) error {
	if name == "" || !isFinite(threshold) || duration < 0 {
		return ErrInvalidRule
	}
	return m.store.WithTx(ctx, func(tx Store) error {
		old, err := tx.GetRule(ctx, name)
		if err != nil {
			return err
		}
		updated := *old
		updated.Threshold = threshold
		updated.Duration = duration
		if err := tx.UpdateRule(ctx, &updated); err != nil {
			return err
		}
		if err := m.recordChange(ctx, tx, old, &updated); err != nil {
			return err
		}
		return m.sync.SyncRule(ctx, &updated)
	})
}

func (m *Manager) DeleteAlertRule(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidRule)
	}
	return m.store.WithTx(ctx, func(tx Store) error {
		old, err := tx.GetRule(ctx, name)
		if err != nil {
			return err
		}
		if err := tx.DeleteRule(ctx, name); err != nil {
			return err
		}
		if err := m.recordChange(ctx, tx, old, nil); err != nil {
			return err
		}
		return m.sync.DeleteRule(ctx, name)
	})
}

func (m *Manager) recordChange(ctx context.Context, tx Store, oldRule, newRule *model.AlertRule) error {
	var oldTh, newTh *float64
	var oldD, newD *time.Duration
	name := ""
	if oldRule != nil {
		oldTh = &oldRule.Threshold
		oldD = &oldRule.Duration
		name = oldRule.Name
	}
	if newRule != nil {
		newTh = &newRule.Threshold
		newD = &newRule.Duration
		name = newRule.Name
	}
	return tx.InsertChangeLog(ctx, &ChangeLog{
		ID:           uuid.NewString(),
		RuleName:     name,
		ChangeType:   classifyChange(oldRule, newRule),
		OldThreshold: oldTh,
		NewThreshold: newTh,
		OldDuration:  oldD,
		NewDuration:  newD,
		ChangeTime:   time.Now().UTC(),
	})
}

func classifyChange(oldRule, newRule *model.AlertRule) string {
	if oldRule == nil && newRule != nil {
		return "Create"
	}
	if oldRule != nil && newRule == nil {
		return "Delete"
	}
	return "Update"
}

// ValidateRule checks the fields the evaluator depends on.
func ValidateRule(r *model.AlertRule) error {
	if r == nil || r.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidRule)
	}
	if !knownMetrics[r.Metric] {
		return fmt.Errorf("%w: unknown metric %q", ErrInvalidRule, r.Metric)
	}
	if !comparators[r.Comparator] {
		return fmt.Errorf("%w: unknown comparator %q", ErrInvalidRule, r.Comparator)
	}
	if !isFinite(r.Threshold) {
		return fmt.Errorf("%w: threshold must be finite", ErrInvalidRule)
	}
	if r.Duration < 0 || r.Cooldown < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidRule)
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidRule, r.Severity)
	}
	if (r.SilenceStart == "") != (r.SilenceEnd == "") {
		return fmt.Errorf("%w: silence window needs both start and end", ErrInvalidRule)
	}
	for _, s := range []string{r.SilenceStart, r.SilenceEnd} {
		if s == "" {
			continue
		}
		if _, err := time.Parse("15:04", s); err != nil {
			return fmt.Errorf("%w: bad silence time %q", ErrInvalidRule, s)
		}
	}
	return nil
}

func isFinite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
