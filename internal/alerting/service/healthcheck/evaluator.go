package healthcheck

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qiniu/opsguard/internal/alerting/metrics"
	"github.com/qiniu/opsguard/internal/alerting/model"
	"github.com/qiniu/opsguard/internal/alerting/service/dedup"
	"github.com/qiniu/opsguard/internal/alerting/service/notify"
	"github.com/qiniu/opsguard/internal/alerting/service/ruleset"
	"github.com/qiniu/opsguard/internal/inventory"
	"github.com/rs/zerolog/log"
)

// DefaultMaxStaleness bounds the age of a usable snapshot.
const DefaultMaxStaleness = 5 * time.Minute

// Evaluator checks every enabled host rule against every host once per cycle.
type Evaluator struct {
	Alerts     AlertStore
	Hosts      HostSource
	Snapshots  SnapshotSource
	Pending    PendingTracker
	Dedup      Deduplicator
	Escalation EscalationScheduler // optional
	Notifier   notify.Dispatcher   // optional
	Publisher  Publisher           // optional

	MaxStaleness time.Duration
	// Location is used for rule silence windows; nil means time.Local.
	Location *time.Location
	Now      func() time.Time

	locks keyedMutex
}

// Outcome is what one (rule, host) evaluation did.
type Outcome string

const (
	OutcomeSkipped    Outcome = "skipped"
	OutcomeOK         Outcome = "ok"
	OutcomePending    Outcome = "pending"
	OutcomeFired      Outcome = "fired"
	OutcomeFolded     Outcome = "folded"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeSilenced   Outcome = "silenced"
	OutcomeCooldown   Outcome = "cooldown"
	OutcomeFiring     Outcome = "already_firing"
	OutcomeResolved   Outcome = "resolved"
)

func (e *Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

// RunOnce evaluates all rules against all hosts.
func (e *Evaluator) RunOnce(ctx context.Context) error {
	rules, err := e.Alerts.ListEnabledHostRules(ctx)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}
	if len(rules) == 0 {
		return nil
	}
	hosts, err := e.Hosts.ListHosts(ctx)
	if err != nil {
		return fmt.Errorf("list hosts: %w", err)
	}
	now := e.now()
	for _, host := range hosts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var snap *Snapshot
		fetched := false
		for _, rule := range rules {
			if rule.Metric != model.MetricHostOffline && !fetched {
				fetched = true
				snap, err = e.Snapshots.Latest(ctx, host)
				if err != nil {
					log.Warn().Err(err).Int64("host_id", host.HostID).Msg("snapshot unavailable")
					snap = nil
				}
			}
			if _, err := e.Evaluate(ctx, rule, host, snap, now); err != nil {
				log.Error().Err(err).Int64("rule_id", rule.ID).Int64("host_id", host.HostID).Msg("rule evaluation failed")
			}
		}
	}
	return nil
}

// Evaluate runs one rule against one host. Evaluations of the same pair are serialized.
func (e *Evaluator) Evaluate(ctx context.Context, rule *model.AlertRule, host inventory.HostInfo, snap *Snapshot, now time.Time) (Outcome, error) {
	key := PendingKey(rule.ID, host.HostID)
	unlock := e.locks.Lock(key)
	defer unlock()

	value, ok := e.observe(rule, host, snap, now)
	if !ok {
		return OutcomeSkipped, nil
	}
	if !Compare(value, rule.Comparator, rule.Threshold) {
		return e.clear(ctx, rule, host, key, now)
	}
	if rule.Duration > 0 {
		first, err := e.Pending.FirstSeen(ctx, key, now, 2*rule.Duration+10*time.Minute)
		if err != nil {
			return OutcomeSkipped, err
		}
		if now.Sub(first) < rule.Duration {
			return OutcomePending, nil
		}
	}
	return e.fire(ctx, rule, host, key, value, now)
}

// observe returns the metric value of rule for host; ok is false when there is no usable data.
func (e *Evaluator) observe(rule *model.AlertRule, host inventory.HostInfo, snap *Snapshot, now time.Time) (float64, bool) {
	if rule.Metric == model.MetricHostOffline {
		if host.Online {
			return 0, true
		}
		return 1, true
	}
	if snap == nil {
		return 0, false
	}
	maxAge := e.MaxStaleness
	if maxAge <= 0 {
		maxAge = DefaultMaxStaleness
	}
	if snap.CollectedAt.IsZero() || now.Sub(snap.CollectedAt) > maxAge {
		return 0, false
	}
	v, ok := snap.Metrics[rule.Metric]
	return v, ok
}

func (e *Evaluator) fire(ctx context.Context, rule *model.AlertRule, host inventory.HostInfo, key string, value float64, now time.Time) (Outcome, error) {
	existing, err := e.Alerts.FindFiring(ctx, rule.ID, host.HostID)
	if err != nil {
		return OutcomeSkipped, err
	}
	if existing != nil {
		_ = e.Pending.Clear(ctx, key)
		return OutcomeFiring, nil
	}
	if InSilence(rule.SilenceStart, rule.SilenceEnd, now.In(e.location())) {
		return OutcomeSilenced, nil
	}
	if rule.Cooldown > 0 {
		last, ok, err := e.Alerts.LastFiredAt(ctx, rule.ID, host.HostID)
		if err != nil {
			return OutcomeSkipped, err
		}
		if ok && now.Sub(last) < rule.Cooldown {
			return OutcomeCooldown, nil
		}
	}

	res, err := e.Dedup.Process(ctx, dedup.Occurrence{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		HostID:   host.HostID,
		Metric:   rule.Metric,
		Severity: rule.Severity,
		At:       now,
	})
	if err != nil {
		return OutcomeSkipped, err
	}
	if err := e.Pending.Clear(ctx, key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("clear pending tracker failed")
	}
	if res.Suppressed {
		return OutcomeSuppressed, nil
	}

	alert := &model.Alert{
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		HostID:      host.HostID,
		Host:        host.HostName,
		Metric:      rule.Metric,
		Severity:    rule.Severity,
		Status:      model.AlertFiring,
		MetricValue: value,
		Message:     alertMessage(rule, host, value),
		Labels:      alertLabels(host),
		Fingerprint: res.Fingerprint,
		GroupID:     res.GroupID,
		CreatedAt:   now,
	}
	created, err := e.Alerts.CreateFiring(ctx, alert)
	if err != nil {
		return OutcomeSkipped, err
	}
	if !created {
		return OutcomeFiring, nil
	}
	metrics.ObserveAlertTransition(string(model.AlertFiring), string(alert.Severity))
	log.Info().Int64("alert_id", alert.ID).Str("rule", rule.Name).Str("host", host.HostName).
		Float64("value", value).Bool("notify", res.Notify).Msg("alert firing")

	if e.Escalation != nil {
		if err := e.Escalation.Schedule(ctx, alert); err != nil {
			log.Warn().Err(err).Int64("alert_id", alert.ID).Msg("schedule escalation failed")
		}
	}
	if !res.Notify {
		return OutcomeFolded, nil
	}
	notify.DeliverAsync(ctx, e.Notifier, notify.Notification{
		Kind:      notify.KindFiring,
		AlertID:   alert.ID,
		AlertName: rule.Name,
		Host:      host.HostName,
		Severity:  string(alert.Severity),
		Message:   alert.Message,
	})
	if e.Publisher != nil {
		msg := AlertMessage{
			EventID:   uuid.NewString(),
			AlertID:   alert.ID,
			HostID:    host.HostID,
			Host:      host.HostName,
			HostIP:    host.HostIPAddress,
			Type:      rule.Metric,
			Severity:  string(alert.Severity),
			Message:   alert.Message,
			RuleName:  rule.Name,
			Labels:    alert.Labels,
			Remediate: rule.AutoRemediate,
			CreatedAt: now,
		}
		if err := e.Publisher.Publish(ctx, msg); err != nil {
			log.Warn().Err(err).Int64("alert_id", alert.ID).Msg("publish alert failed")
		}
	}
	return OutcomeFired, nil
}

func (e *Evaluator) clear(ctx context.Context, rule *model.AlertRule, host inventory.HostInfo, key string, now time.Time) (Outcome, error) {
	if err := e.Pending.Clear(ctx, key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("clear pending tracker failed")
	}
	existing, err := e.Alerts.FindFiring(ctx, rule.ID, host.HostID)
	if err != nil {
		return OutcomeSkipped, err
	}
	if existing == nil {
		return OutcomeOK, nil
	}
	if err := e.Alerts.Resolve(ctx, existing.ID, now); err != nil {
		return OutcomeSkipped, err
	}
	metrics.ObserveAlertTransition(string(model.AlertResolved), string(existing.Severity))
	log.Info().Int64("alert_id", existing.ID).Str("rule", rule.Name).Str("host", host.HostName).Msg("alert resolved")
	notify.DeliverAsync(ctx, e.Notifier, notify.Notification{
		Kind:      notify.KindResolved,
		AlertID:   existing.ID,
		AlertName: rule.Name,
		Host:      host.HostName,
		Severity:  string(existing.Severity),
		Message:   fmt.Sprintf("%s recovered on %s", rule.Name, host.HostName),
	})
	return OutcomeResolved, nil
}

func (e *Evaluator) location() *time.Location {
	if e.Location != nil {
		return e.Location
	}
	return time.Local
}

// Compare applies comparator to value and threshold. Unknown comparators never match.
func Compare(value float64, comparator string, threshold float64) bool {
	switch comparator {
	case ">":
		return value > threshold
	case ">=":
		return value >= threshold
	case "<":
		return value < threshold
	case "<=":
		return value <= threshold
	case "==":
		return value == threshold
	case "!=":
		return value != threshold
	}
	return false
}

// InSilence reports whether t falls in the daily window [start, end); windows may wrap midnight.
func InSilence(start, end string, t time.Time) bool {
	if start == "" || end == "" {
		return false
	}
	s, err1 := time.Parse("15:04", start)
	en, err2 := time.Parse("15:04", end)
	if err1 != nil || err2 != nil {
		return false
	}
	from := s.Hour()*60 + s.Minute()
	to := en.Hour()*60 + en.Minute()
	m := t.Hour()*60 + t.Minute()
	switch {
	case from == to:
		return false
	case from < to:
		return m >= from && m < to
	default:
		return m >= from || m < to
	}
}

func alertMessage(rule *model.AlertRule, host inventory.HostInfo, value float64) string {
	if rule.Metric == model.MetricHostOffline {
		return fmt.Sprintf("host %s is offline", host.HostName)
	}
	return fmt.Sprintf("%s on %s is %.2f (%s %s)", rule.Metric, host.HostName, value, rule.Comparator,
		strconv.FormatFloat(rule.Threshold, 'f', -1, 64))
}

func alertLabels(host inventory.HostInfo) map[string]string {
	labels := ruleset.NormalizeLabels(host.Labels, ruleset.DefaultLabelAliases)
	labels["host"] = host.HostName
	if host.HostIPAddress != "" {
		labels["ip"] = host.HostIPAddress
	}
	return labels
}

// keyedMutex serializes work per key and drops idle entries.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
