package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qiniu/opsguard/internal/alerting/model"
)

// NotifyEvery is the member interval at which a folded group surfaces again.
const NotifyEvery = 10

// Occurrence is one evaluation result that would create an alert.
type Occurrence struct {
	RuleID    int64
	RuleName  string
	HostID    int64
	ServiceID int64
	Metric    string
	Severity  model.Severity
	At        time.Time
}

// Membership describes where an occurrence landed.
type Membership struct {
	GroupID    int64
	GroupKey   string
	AlertCount int
	Notify     bool
}

// Aggregator folds occurrences into time-boxed groups.
type Aggregator struct {
	store  Store
	config func() Config

	// serializes find-then-update of groups within this process
	mu sync.Mutex
}

func NewAggregator(store Store, config func() Config) *Aggregator {
	if config == nil {
		config = DefaultConfig
	}
	return &Aggregator{store: store, config: config}
}

// Aggregate attaches occ to an open group with the same key, or starts a new one.
func (a *Aggregator) Aggregate(ctx context.Context, occ Occurrence) (*Membership, error) {
	cfg := a.config()
	now := occ.At
	if now.IsZero() {
		now = time.Now().UTC()
	}
	key := GroupKey(occ.RuleName, occ.Severity, []int64{occ.HostID})

	a.mu.Lock()
	defer a.mu.Unlock()

	g, err := a.store.FindOpenGroup(ctx, key, now.Add(-cfg.AggregationWindow), cfg.MaxAlertsPerGroup)
	if err != nil {
		return nil, fmt.Errorf("find group %s: %w", key, err)
	}
	if g == nil {
		g = &model.AlertGroup{
			GroupKey:    key,
			Severity:    occ.Severity,
			Status:      model.AlertFiring,
			AlertCount:  1,
			RuleIDs:     []int64{occ.RuleID},
			HostIDs:     []int64{occ.HostID},
			ServiceIDs:  serviceIDs(occ.ServiceID),
			WindowStart: now,
			WindowEnd:   now,
		}
		if err := a.store.CreateGroup(ctx, g); err != nil {
			return nil, fmt.Errorf("create group %s: %w", key, err)
		}
	} else {
		g.WindowEnd = now
		g.RuleIDs = unionIDs(g.RuleIDs, occ.RuleID)
		g.HostIDs = unionIDs(g.HostIDs, occ.HostID)
		g.ServiceIDs = unionIDs(g.ServiceIDs, serviceIDs(occ.ServiceID)...)
		g.AlertCount++
		g.Severity = model.MaxSeverity(g.Severity, occ.Severity)
		if err := a.store.UpdateGroup(ctx, g); err != nil {
			return nil, fmt.Errorf("update group %d: %w", g.ID, err)
		}
	}
	return &Membership{
		GroupID:    g.ID,
		GroupKey:   key,
		AlertCount: g.AlertCount,
		Notify:     g.AlertCount == 1 || g.AlertCount%NotifyEvery == 0,
	}, nil
}

func serviceIDs(id int64) []int64 {
	if id == 0 {
		return nil
	}
	return []int64{id}
}
