package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/qiniu/opsguard/internal/alerting/metrics"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Cleanup drops dedup records older than twice the dedup window and closes groups whose
// aggregation window has expired.
func (d *Deduplicator) Cleanup(ctx context.Context, now time.Time) error {
	cfg := d.Config()
	removed, err := d.store.DeleteRecordsBefore(ctx, now.Add(-2*cfg.DedupWindow))
	if err != nil {
		return fmt.Errorf("delete dedup records: %w", err)
	}
	closed, err := d.store.CloseGroupsBefore(ctx, now.Add(-cfg.AggregationWindow))
	if err != nil {
		return fmt.Errorf("close groups: %w", err)
	}
	if removed > 0 || closed > 0 {
		log.Info().Int64("records_removed", removed).Int64("groups_closed", closed).Msg("dedup cleanup")
	}
	return nil
}

// StartCleanup runs Cleanup on the cron schedule spec until ctx is done.
func StartCleanup(ctx context.Context, d *Deduplicator, spec string) error {
	if spec == "" {
		spec = "@every 5m"
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		start := time.Now()
		if err := d.Cleanup(ctx, start.UTC()); err != nil {
			log.Error().Err(err).Msg("dedup cleanup failed")
		}
		metrics.ObserveLoop("dedup_cleanup", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", spec, err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
