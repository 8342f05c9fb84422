package ruleset

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/qiniu/opsguard/internal/alerting/model"
)

// GaugeSync is a ThresholdSync that exposes each rule's threshold and duration as Prometheus gauges,
// so dashboards can draw the alerting line next to the raw metric.
type GaugeSync struct {
	mu        sync.Mutex
	threshold *prometheus.GaugeVec
	duration  *prometheus.GaugeVec
	labels    map[string][]string // rule name -> label values currently exported
}

// NewGaugeSync creates the gauges and registers them on reg when reg is not nil.
func NewGaugeSync(reg prometheus.Registerer) (*GaugeSync, error) {
	g := &GaugeSync{
		threshold: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "opsguard_alert_rule_threshold",
			Help: "Configured threshold of an alert rule",
		}, []string{"rule", "metric", "comparator", "severity"}),
		duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "opsguard_alert_rule_duration_seconds",
			Help: "How long a violation must persist before the rule fires",
		}, []string{"rule", "metric", "comparator", "severity"}),
		labels: make(map[string][]string),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{g.threshold, g.duration} {
			if err := reg.Register(c); err != nil {
				return nil, fmt.Errorf("register rule gauges: %w", err)
			}
		}
	}
	return g, nil
}

func (g *GaugeSync) SyncRule(ctx context.Context, r *model.AlertRule) error {
	if r == nil || r.Name == "" {
		return fmt.Errorf("invalid rule: missing name")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleteLocked(r.Name)
	lv := []string{r.Name, r.Metric, r.Comparator, string(r.Severity)}
	if r.Enabled {
		g.threshold.WithLabelValues(lv...).Set(r.Threshold)
		g.duration.WithLabelValues(lv...).Set(r.Duration.Seconds())
		g.labels[r.Name] = lv
	}
	return nil
}

func (g *GaugeSync) DeleteRule(ctx context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleteLocked(name)
	return nil
}

func (g *GaugeSync) deleteLocked(name string) {
	if lv, ok := g.labels[name]; ok {
		g.threshold.DeleteLabelValues(lv...)
		g.duration.DeleteLabelValues(lv...)
		delete(g.labels, name)
	}
}
