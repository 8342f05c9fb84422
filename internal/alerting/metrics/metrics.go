package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "opsguard_"

var (
	registerOnce sync.Once

	alertTransitions    *prometheus.CounterVec
	occurrences         *prometheus.CounterVec
	escalations         *prometheus.CounterVec
	remediationOutcomes *prometheus.CounterVec
	remediationLatency  *prometheus.HistogramVec
	commandResults      *prometheus.CounterVec
	loopDuration        *prometheus.HistogramVec
	notifyResults       *prometheus.CounterVec
)

// Init registers the alerting collectors on reg. Calling it more than once is a no-op.
// A nil registerer falls back to prometheus.DefaultRegisterer.
func Init(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		alertTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alert_transitions_total",
				Help: "Alert lifecycle transitions by status and severity",
			},
			[]string{"status", "severity"},
		)
		occurrences = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alert_occurrences_total",
				Help: "Alert occurrences by dedup outcome (new, suppressed, folded)",
			},
			[]string{"outcome"},
		)
		escalations = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alert_escalations_total",
				Help: "Alert escalations by origin",
			},
			[]string{"origin"},
		)
		remediationOutcomes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "remediation_outcomes_total",
				Help: "Remediation attempts by final status",
			},
			[]string{"status"},
		)
		remediationLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "remediation_duration_seconds",
				Help:    "End-to-end remediation handling latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		)
		commandResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "runbook_commands_total",
				Help: "Runbook command executions by result",
			},
			[]string{"result"},
		)
		loopDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "loop_iteration_seconds",
				Help:    "Duration of one periodic loop iteration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"loop"},
		)
		notifyResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notifications_total",
				Help: "Notification dispatch attempts by kind and result",
			},
			[]string{"kind", "result"},
		)
		reg.MustRegister(alertTransitions, occurrences, escalations, remediationOutcomes,
			remediationLatency, commandResults, loopDuration, notifyResults)
	})
}

// ObserveAlertTransition counts an alert entering status.
func ObserveAlertTransition(status, severity string) {
	if alertTransitions == nil {
		return
	}
	alertTransitions.WithLabelValues(status, severity).Inc()
}

// ObserveOccurrence counts a dedup decision.
func ObserveOccurrence(outcome string) {
	if occurrences == nil {
		return
	}
	occurrences.WithLabelValues(outcome).Inc()
}

// ObserveEscalation counts one escalation step; origin is "system" or "manual".
func ObserveEscalation(origin string) {
	if escalations == nil {
		return
	}
	escalations.WithLabelValues(origin).Inc()
}

// ObserveRemediation records the final status and latency of one remediation.
func ObserveRemediation(status string, d time.Duration) {
	if remediationOutcomes == nil {
		return
	}
	remediationOutcomes.WithLabelValues(status).Inc()
	remediationLatency.WithLabelValues(status).Observe(d.Seconds())
}

// ObserveCommand counts one runbook command; result is "ok", "failed", "timeout" or "dry_run".
func ObserveCommand(result string) {
	if commandResults == nil {
		return
	}
	commandResults.WithLabelValues(result).Inc()
}

// ObserveLoop records one iteration of a periodic loop.
func ObserveLoop(loop string, d time.Duration) {
	if loopDuration == nil {
		return
	}
	loopDuration.WithLabelValues(loop).Observe(d.Seconds())
}

// ObserveNotification counts one dispatch attempt.
func ObserveNotification(kind, result string) {
	if notifyResults == nil {
		return
	}
	notifyResults.WithLabelValues(kind, result).Inc()
}
