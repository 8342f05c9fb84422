package remediation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/qiniu/opsguard/internal/alerting/metrics"
	"github.com/qiniu/opsguard/internal/alerting/model"
	"github.com/qiniu/opsguard/internal/alerting/service/healthcheck"
	"github.com/qiniu/opsguard/internal/alerting/service/notify"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	ReasonBreakerOpen     = "circuit breaker open"
	ReasonNoRunbook       = "no matching runbook"
	ReasonRateLimited     = "rate limited"
	ReasonRiskBlock       = "risk level block"
	ReasonAwaitApproval   = "awaiting approval"
	ReasonUnsafeCommand   = "unsafe command"
	ReasonUnresolvedParam = "unresolved placeholder"
	ReasonUnsafeParam     = "unsafe placeholder value"

	DefaultMaxConcurrent = 8
)

// InsightReader is implemented by insight stores that can feed past summaries into diagnosis.
type InsightReader interface {
	Recent(ctx context.Context, host string, n int) ([]string, error)
}

// Orchestrator drives an alert through diagnosis, runbook selection, the safety gates,
// execution and verification. Every outcome is persisted as a RemediationLog.
type Orchestrator struct {
	Logs     LogStore
	Registry *Registry
	AI       *AIClient
	Breaker  CircuitBreaker
	Limiter  RateLimiter
	Executor Executor
	Notifier notify.Dispatcher
	Insights InsightStore

	Observation       ObservationWindowManager
	ObservationWindow time.Duration

	MaxConcurrent int
}

// Start handles alert messages until ctx is done or ch is closed. Messages without
// Remediate only feed the observation windows. In-flight remediations run to completion.
func (o *Orchestrator) Start(ctx context.Context, ch <-chan healthcheck.AlertMessage) {
	if ch == nil {
		log.Warn().Msg("remediation orchestrator started without channel; no-op")
		return
	}
	limit := o.MaxConcurrent
	if limit <= 0 {
		limit = DefaultMaxConcurrent
	}
	var g errgroup.Group
	g.SetLimit(limit)
	defer g.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			o.checkObservation(ctx, m)
			if !m.Remediate {
				continue
			}
			runCtx := context.WithoutCancel(ctx)
			g.Go(func() error {
				o.Handle(runCtx, m, nil, "auto")
				return nil
			})
		}
	}
}

// checkObservation counts a new alert on a host under observation as a failed remediation.
func (o *Orchestrator) checkObservation(ctx context.Context, m healthcheck.AlertMessage) {
	if o.Observation == nil || m.Host == "" {
		return
	}
	w, err := o.Observation.CheckObservation(ctx, m.Host)
	if err != nil {
		log.Error().Err(err).Str("host", m.Host).Msg("failed to check observation window")
		return
	}
	if w == nil {
		return
	}
	log.Warn().
		Str("host", m.Host).
		Str("runbook", w.Runbook).
		Int64("log_id", w.LogID).
		Int64("alert_id", m.AlertID).
		Msg("new alert during observation window, remediation did not hold")
	if err := o.Breaker.RecordFailure(ctx, m.Host); err != nil {
		log.Error().Err(err).Str("host", m.Host).Msg("failed to record breaker failure")
	}
	if err := o.Observation.CancelObservation(ctx, m.Host); err != nil {
		log.Error().Err(err).Str("host", m.Host).Msg("failed to cancel observation window")
	}
}

// Handle remediates one alert. It never returns an error: failures and policy blocks are
// reported in the Result and the persisted log.
func (o *Orchestrator) Handle(ctx context.Context, msg healthcheck.AlertMessage, extra map[string]string, triggeredBy string) *Result {
	start := time.Now()
	lg := &model.RemediationLog{
		RunID:       uuid.NewString(),
		AlertID:     msg.AlertID,
		HostID:      msg.HostID,
		Host:        msg.Host,
		Status:      model.RemediationDiagnosing,
		TriggeredBy: triggeredBy,
		Context:     placeholderValues(msg),
	}
	if err := o.Logs.Create(ctx, lg); err != nil {
		log.Error().Err(err).Int64("alert_id", msg.AlertID).Msg("failed to create remediation log")
		return &Result{Status: model.RemediationEscalated, Escalated: true, BlockedReason: "log store unavailable"}
	}
	res := &Result{LogID: lg.ID}
	defer func() {
		metrics.ObserveRemediation(string(res.Status), time.Since(start))
	}()

	if o.breakerOpen(ctx, msg.Host) {
		return o.block(ctx, lg, res, model.RemediationEscalated, ReasonBreakerOpen)
	}

	diag := o.AI.Diagnose(ctx, msg, o.withInsights(ctx, msg.Host, extra))
	lg.Diagnosis, res.Diagnosis = &diag, &diag

	rb := o.Registry.Match(&diag, msg.Type, msg.Message)
	if rb == nil {
		return o.block(ctx, lg, res, model.RemediationEscalated, ReasonNoRunbook)
	}
	lg.RunbookName, res.Runbook = rb.Name, rb.Name

	recent, err := o.Limiter.RecentCount(ctx, msg.Host)
	if err != nil {
		log.Error().Err(err).Str("host", msg.Host).Msg("failed to count recent runs, assuming high frequency")
		recent = HighFrequency
	}
	risk := AssessRisk(rb.RiskLevel, diag.Confidence, recent)
	lg.RiskLevel, res.Risk = risk, risk

	allowed, err := o.Limiter.CanExecute(ctx, msg.Host, rb.Name, rb.Cooldown)
	if err != nil {
		return o.block(ctx, lg, res, model.RemediationEscalated, fmt.Sprintf("%s: %v", ReasonRateLimited, err))
	}
	if !allowed {
		return o.block(ctx, lg, res, model.RemediationEscalated,
			fmt.Sprintf("%s: %s ran on %s within %s", ReasonRateLimited, rb.Name, msg.Host, rb.Cooldown))
	}

	switch risk {
	case model.RiskAuto:
	case model.RiskConfirm:
		return o.block(ctx, lg, res, model.RemediationPendingApproval, ReasonAwaitApproval)
	default:
		return o.block(ctx, lg, res, model.RemediationEscalated, ReasonRiskBlock)
	}

	return o.execute(ctx, lg, res, rb)
}

// Approve executes the runbook of a log awaiting approval. The breaker, the cooldown and
// command safety are checked again since time has passed.
func (o *Orchestrator) Approve(ctx context.Context, logID int64, approver string) (*Result, error) {
	lg, err := o.Logs.Get(ctx, logID)
	if err != nil {
		return nil, err
	}
	if lg.Status != model.RemediationPendingApproval {
		return nil, ErrNotPendingApproval
	}
	ok, err := o.Logs.Transition(ctx, logID, model.RemediationPendingApproval, model.RemediationApproved, approver)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotPendingApproval
	}
	lg.Status, lg.Approver = model.RemediationApproved, approver
	lg.BlockedReason = ""
	log.Info().Int64("log_id", logID).Str("approver", approver).Str("runbook", lg.RunbookName).Msg("remediation approved")

	start := time.Now()
	res := &Result{LogID: lg.ID, Diagnosis: lg.Diagnosis, Runbook: lg.RunbookName, Risk: lg.RiskLevel}
	defer func() {
		metrics.ObserveRemediation(string(res.Status), time.Since(start))
	}()

	if o.breakerOpen(ctx, lg.Host) {
		return o.block(ctx, lg, res, model.RemediationEscalated, ReasonBreakerOpen), nil
	}
	rb, found := o.Registry.Get(lg.RunbookName)
	if !found {
		return o.block(ctx, lg, res, model.RemediationEscalated, ReasonNoRunbook), nil
	}
	return o.execute(ctx, lg, res, rb), nil
}

// Reject closes a log awaiting approval without running anything.
func (o *Orchestrator) Reject(ctx context.Context, logID int64, approver string) (*model.RemediationLog, error) {
	ok, err := o.Logs.Transition(ctx, logID, model.RemediationPendingApproval, model.RemediationRejected, approver)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotPendingApproval
	}
	log.Info().Int64("log_id", logID).Str("approver", approver).Msg("remediation rejected")
	metrics.ObserveRemediation(string(model.RemediationRejected), 0)
	return o.Logs.Get(ctx, logID)
}

func (o *Orchestrator) execute(ctx context.Context, lg *model.RemediationLog, res *Result, rb *Runbook) *Result {
	commands, err := resolveAll(rb.Commands, lg.Context)
	if err == nil {
		var verify []string
		verify, err = resolveAll(rb.VerifyCommands, lg.Context)
		if err == nil {
			return o.run(ctx, lg, res, rb, commands, verify)
		}
	}
	var unresolved *unresolvedError
	if errors.As(err, &unresolved) {
		return o.block(ctx, lg, res, model.RemediationEscalated, fmt.Sprintf("%s: %s", ReasonUnresolvedParam, unresolved.name))
	}
	var unsafe *unsafeValueError
	if errors.As(err, &unsafe) {
		log.Warn().Str("runbook", rb.Name).Str("placeholder", unsafe.name).Int64("log_id", lg.ID).Msg("placeholder value rejected")
		return o.block(ctx, lg, res, model.RemediationEscalated, fmt.Sprintf("%s: %s", ReasonUnsafeParam, unsafe.name))
	}
	return o.block(ctx, lg, res, model.RemediationEscalated, err.Error())
}

func (o *Orchestrator) run(ctx context.Context, lg *model.RemediationLog, res *Result, rb *Runbook, commands, verify []string) *Result {
	for _, c := range append(append([]string(nil), commands...), verify...) {
		if err := CheckCommand(c); err != nil {
			log.Warn().Err(err).Str("runbook", rb.Name).Str("command", c).Msg("runbook aborted before execution")
			return o.block(ctx, lg, res, model.RemediationEscalated, fmt.Sprintf("%s: %s", ReasonUnsafeCommand, c))
		}
	}

	// the slot is claimed before any step runs; Record later stamps the finish time
	acquired, err := o.Limiter.TryAcquire(ctx, lg.Host, rb.Name, rb.Cooldown)
	if err != nil {
		return o.block(ctx, lg, res, model.RemediationEscalated, fmt.Sprintf("%s: %v", ReasonRateLimited, err))
	}
	if !acquired {
		return o.block(ctx, lg, res, model.RemediationEscalated,
			fmt.Sprintf("%s: %s ran on %s within %s", ReasonRateLimited, rb.Name, lg.Host, rb.Cooldown))
	}

	target := Target{Host: lg.Host, IP: lg.Context["ip"]}
	o.setStatus(ctx, lg, model.RemediationExecuting)
	results, ok := RunSteps(ctx, o.Executor, target, commands)

	var verified *bool
	if ok && len(verify) > 0 {
		o.setStatus(ctx, lg, model.RemediationVerifying)
		passed := true
		for _, c := range verify {
			r := o.Executor.Run(ctx, target, c)
			results = append(results, r)
			passed = passed && r.Succeeded()
		}
		verified = &passed
	}
	success := ok && (verified == nil || *verified)

	if err := o.Limiter.Record(ctx, lg.Host, rb.Name); err != nil {
		log.Error().Err(err).Str("host", lg.Host).Msg("failed to record runbook execution")
	}
	if success {
		if err := o.Breaker.RecordSuccess(ctx, lg.Host); err != nil {
			log.Error().Err(err).Str("host", lg.Host).Msg("failed to reset circuit breaker")
		}
	} else if err := o.Breaker.RecordFailure(ctx, lg.Host); err != nil {
		log.Error().Err(err).Str("host", lg.Host).Msg("failed to record breaker failure")
	}

	lg.CommandResults, res.CommandResults = results, results
	lg.VerificationPassed, res.VerificationPassed = verified, verified
	lg.Status = model.RemediationFailed
	if success {
		lg.Status = model.RemediationSuccess
	}
	res.Status, res.Success = lg.Status, success
	o.save(ctx, lg)

	kind, summary := notify.KindFailure, fmt.Sprintf("runbook %s failed on %s", rb.Name, lg.Host)
	if success {
		kind, summary = notify.KindSuccess, fmt.Sprintf("runbook %s succeeded on %s", rb.Name, lg.Host)
		if o.Observation != nil {
			if err := o.Observation.StartObservation(ctx, lg.Host, rb.Name, lg.ID, o.ObservationWindow); err != nil {
				log.Error().Err(err).Str("host", lg.Host).Msg("failed to start observation window")
			}
		}
	}
	log.Info().
		Int64("log_id", lg.ID).
		Str("host", lg.Host).
		Str("runbook", rb.Name).
		Bool("success", success).
		Int("steps", len(results)).
		Msg("remediation finished")
	o.notify(ctx, lg, kind, summary)
	o.recordInsight(ctx, lg, summary)
	return res
}

// block ends handling without execution. Every block is escalated to a human.
func (o *Orchestrator) block(ctx context.Context, lg *model.RemediationLog, res *Result, status model.RemediationStatus, reason string) *Result {
	lg.Status, lg.BlockedReason = status, reason
	o.save(ctx, lg)
	res.Status, res.Escalated, res.BlockedReason = status, true, reason
	res.Success = false

	log.Warn().
		Int64("log_id", lg.ID).
		Int64("alert_id", lg.AlertID).
		Str("host", lg.Host).
		Str("status", string(status)).
		Str("reason", reason).
		Msg("remediation blocked")

	kind := notify.KindEscalated
	if status == model.RemediationPendingApproval {
		kind = notify.KindApproval
	}
	o.notify(ctx, lg, kind, reason)
	return res
}

func (o *Orchestrator) breakerOpen(ctx context.Context, host string) bool {
	open, err := o.Breaker.IsOpen(ctx, host)
	if err != nil {
		log.Error().Err(err).Str("host", host).Msg("failed to read circuit breaker, treating as open")
		return true
	}
	return open
}

func (o *Orchestrator) setStatus(ctx context.Context, lg *model.RemediationLog, s model.RemediationStatus) {
	lg.Status = s
	o.save(ctx, lg)
}

func (o *Orchestrator) save(ctx context.Context, lg *model.RemediationLog) {
	if err := o.Logs.Update(ctx, lg); err != nil {
		log.Error().Err(err).Int64("log_id", lg.ID).Str("status", string(lg.Status)).Msg("failed to update remediation log")
	}
}

func (o *Orchestrator) notify(ctx context.Context, lg *model.RemediationLog, kind notify.Kind, message string) {
	details := map[string]string{
		"log_id": strconv.FormatInt(lg.ID, 10),
		"status": string(lg.Status),
	}
	if lg.RunbookName != "" {
		details["runbook"] = lg.RunbookName
	}
	if lg.RiskLevel != "" {
		details["risk"] = string(lg.RiskLevel)
	}
	notify.DeliverAsync(ctx, o.Notifier, notify.Notification{
		Kind:      kind,
		AlertID:   lg.AlertID,
		AlertName: lg.Context["alert_name"],
		Host:      lg.Host,
		Severity:  lg.Context["severity"],
		Message:   message,
		Details:   details,
	})
}

func (o *Orchestrator) withInsights(ctx context.Context, host string, extra map[string]string) map[string]string {
	reader, ok := o.Insights.(InsightReader)
	if !ok {
		return extra
	}
	past, err := reader.Recent(ctx, host, 3)
	if err != nil || len(past) == 0 {
		return extra
	}
	out := make(map[string]string, len(extra)+1)
	for k, v := range extra {
		out[k] = v
	}
	out["previous_remediations"] = strings.Join(past, "; ")
	return out
}

// recordInsight stores a summary in the background with bounded retries.
func (o *Orchestrator) recordInsight(ctx context.Context, lg *model.RemediationLog, summary string) {
	if o.Insights == nil {
		return
	}
	if lg.Diagnosis != nil && lg.Diagnosis.RootCause != "" {
		summary += " (root cause: " + lg.Diagnosis.RootCause + ")"
	}
	host := lg.Host
	go func() {
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		_, err := backoff.Retry(bg, func() (struct{}, error) {
			return struct{}{}, o.Insights.Record(bg, host, summary)
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
		if err != nil {
			log.Warn().Err(err).Str("host", host).Msg("failed to record remediation insight")
		}
	}()
}

var (
	placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_.-]+)\}`)
	// placeholder values reach a shell, so they are limited to identifier-like text
	safeValueRe = regexp.MustCompile(`^[A-Za-z0-9_.:@/-]+$`)
)

type unresolvedError struct{ name string }

func (e *unresolvedError) Error() string { return "unresolved placeholder " + e.name }

type unsafeValueError struct{ name string }

func (e *unsafeValueError) Error() string { return "unsafe placeholder value " + e.name }

// placeholderValues captures the values runbook commands may reference. Labels are
// available by name; the built-in names win over labels.
func placeholderValues(msg healthcheck.AlertMessage) map[string]string {
	vars := make(map[string]string, len(msg.Labels)+8)
	for k, v := range msg.Labels {
		vars[k] = v
	}
	set := func(k, v string) {
		if v != "" {
			vars[k] = v
		}
	}
	set("host", msg.Host)
	set("ip", msg.HostIP)
	if msg.HostID != 0 {
		vars["host_id"] = strconv.FormatInt(msg.HostID, 10)
	}
	vars["alert_id"] = strconv.FormatInt(msg.AlertID, 10)
	set("service", msg.Labels["service"])
	set("alert_name", msg.RuleName)
	set("alert_type", msg.Type)
	set("severity", msg.Severity)
	return vars
}

// Resolve substitutes {name} placeholders of cmd from vars. Values with shell
// metacharacters or whitespace are rejected.
func Resolve(cmd string, vars map[string]string) (string, error) {
	var missing, unsafe string
	out := placeholderRe.ReplaceAllStringFunc(cmd, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := vars[name]
		if !ok || v == "" {
			if missing == "" {
				missing = name
			}
			return m
		}
		if !safeValueRe.MatchString(v) {
			if unsafe == "" {
				unsafe = name
			}
			return m
		}
		return v
	})
	if missing != "" {
		return "", &unresolvedError{name: "{" + missing + "}"}
	}
	if unsafe != "" {
		return "", &unsafeValueError{name: "{" + unsafe + "}"}
	}
	return out, nil
}

func resolveAll(cmds []string, vars map[string]string) ([]string, error) {
	out := make([]string, 0, len(cmds))
	for _, c := range cmds {
		r, err := Resolve(c, vars)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
