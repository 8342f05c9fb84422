package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qiniu/opsguard/internal/alerting/metrics"
	"github.com/qiniu/opsguard/internal/alerting/model"
	"github.com/rs/zerolog/log"
)

// Result is the dedup decision for one occurrence.
type Result struct {
	Fingerprint     string
	Suppressed      bool // a live record absorbed the occurrence; no alert should be created
	OccurrenceCount int
	GroupID         *int64
	Notify          bool // the occurrence should surface as an individual notification
}

// Deduplicator suppresses repeats within the dedup window and hands new occurrences to the Aggregator.
type Deduplicator struct {
	store Store
	agg   *Aggregator

	mu  sync.RWMutex
	cfg Config
}

func NewDeduplicator(store Store, cfg Config) *Deduplicator {
	if cfg.validate() != nil {
		cfg = DefaultConfig()
	}
	d := &Deduplicator{store: store, cfg: cfg}
	d.agg = NewAggregator(store, d.Config)
	return d
}

// Config returns the current runtime configuration.
func (d *Deduplicator) Config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// SetConfig replaces the runtime configuration.
func (d *Deduplicator) SetConfig(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	log.Info().Dur("dedup_window", cfg.DedupWindow).Dur("aggregation_window", cfg.AggregationWindow).
		Int("max_alerts_per_group", cfg.MaxAlertsPerGroup).Msg("dedup config updated")
	return nil
}

// Process records occ and reports whether it should become a visible alert.
// A record suppresses repeats for at most one window after its first occurrence, so a
// condition that keeps recurring without a firing alert surfaces again once that elapses.
func (d *Deduplicator) Process(ctx context.Context, occ Occurrence) (*Result, error) {
	if occ.At.IsZero() {
		occ.At = time.Now().UTC()
	}
	cfg := d.Config()
	fp := Fingerprint(occ.RuleID, occ.HostID, occ.ServiceID, occ.Metric)

	live, err := d.store.FindLive(ctx, fp, occ.At.Add(-cfg.DedupWindow))
	if err != nil {
		return nil, fmt.Errorf("find dedup record: %w", err)
	}
	if live != nil && occ.At.Sub(live.FirstOccurrence) < cfg.DedupWindow {
		rec, err := d.store.Touch(ctx, live.ID, occ.At)
		if err != nil {
			return nil, fmt.Errorf("touch dedup record %d: %w", live.ID, err)
		}
		metrics.ObserveOccurrence("suppressed")
		return &Result{
			Fingerprint:     fp,
			Suppressed:      true,
			OccurrenceCount: rec.OccurrenceCount,
			GroupID:         rec.GroupID,
		}, nil
	}

	m, err := d.agg.Aggregate(ctx, occ)
	if err != nil {
		return nil, err
	}
	gid := m.GroupID
	rec := &model.AlertDeduplication{
		Fingerprint:     fp,
		RuleID:          occ.RuleID,
		HostID:          occ.HostID,
		ServiceID:       occ.ServiceID,
		Metric:          occ.Metric,
		FirstOccurrence: occ.At,
		LastOccurrence:  occ.At,
		OccurrenceCount: 1,
		GroupID:         &gid,
	}
	if err := d.store.CreateRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("create dedup record: %w", err)
	}
	if m.Notify {
		metrics.ObserveOccurrence("new")
	} else {
		metrics.ObserveOccurrence("folded")
	}
	return &Result{
		Fingerprint:     fp,
		OccurrenceCount: 1,
		GroupID:         &gid,
		Notify:          m.Notify,
	}, nil
}
