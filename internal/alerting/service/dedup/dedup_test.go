package dedup

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/qiniu/opsguard/internal/alerting/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	records []*model.AlertDeduplication
	groups  []*model.AlertGroup
}

func (m *memStore) FindLive(ctx context.Context, fp string, since time.Time) (*model.AlertDeduplication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.records) - 1; i >= 0; i-- {
		r := m.records[i]
		if r.Fingerprint == fp && !r.LastOccurrence.Before(since) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) Touch(ctx context.Context, id int64, at time.Time) (*model.AlertDeduplication, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.ID == id {
			r.OccurrenceCount++
			r.LastOccurrence = at
			r.Suppressed = true
			cp := *r
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

func (m *memStore) CreateRecord(ctx context.Context, rec *model.AlertDeduplication) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = int64(len(m.records) + 1)
	cp := *rec
	m.records = append(m.records, &cp)
	return nil
}

func (m *memStore) FindOpenGroup(ctx context.Context, key string, since time.Time, maxAlerts int) (*model.AlertGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.groups) - 1; i >= 0; i-- {
		g := m.groups[i]
		open := g.Status == model.AlertFiring || g.Status == model.AlertAcknowledged
		if g.GroupKey == key && open && g.WindowEnd.After(since) && g.AlertCount < maxAlerts {
			cp := *g
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) CreateGroup(ctx context.Context, g *model.AlertGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g.ID = int64(len(m.groups) + 1)
	cp := *g
	m.groups = append(m.groups, &cp)
	return nil
}

func (m *memStore) UpdateGroup(ctx context.Context, g *model.AlertGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	m.groups[g.ID-1] = &cp
	return nil
}

func (m *memStore) DeleteRecordsBefore(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.records[:0]
	var n int64
	for _, r := range m.records {
		if r.LastOccurrence.Before(before) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.records = kept
	return n, nil
}

func (m *memStore) CloseGroupsBefore(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, g := range m.groups {
		if g.Status != model.AlertResolved && g.WindowEnd.Before(before) {
			g.Status = model.AlertResolved
			n++
		}
	}
	return n, nil
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func occ(ruleID, hostID int64, sev model.Severity, at time.Time) Occurrence {
	return Occurrence{RuleID: ruleID, RuleName: "cpu_high", HostID: hostID, Metric: model.MetricCPU, Severity: sev, At: at}
}

func TestFingerprint_Stable(t *testing.T) {
	a := Fingerprint(1, 2, 0, "cpu_usage")
	b := Fingerprint(1, 2, 0, "cpu_usage")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, Fingerprint(1, 2, 0, "memory_usage"))
	assert.NotEqual(t, a, Fingerprint(12, 0, 0, "cpu_usage"))
}

func TestGroupKey(t *testing.T) {
	tests := []struct {
		name  string
		rule  string
		sev   model.Severity
		hosts []int64
		want  string
	}{
		{"single host", "CPU_High", model.SeverityWarning, []int64{7}, "cpu:warning:hosts:7"},
		{"sorted hosts", "disk-full", model.SeverityCritical, []int64{3, 1, 2}, "disk:critical:hosts:1,2,3"},
		{"rule based", "load.avg", model.SeverityInfo, []int64{1, 2, 3, 4}, "load:info:rule_based"},
		{"empty name", "", model.SeverityInfo, []int64{1}, "unknown:info:hosts:1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GroupKey(tt.rule, tt.sev, tt.hosts))
		})
	}
}

func TestProcess_SuppressesWithinWindow(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	d := NewDeduplicator(store, DefaultConfig())

	first, err := d.Process(ctx, occ(1, 1, model.SeverityWarning, t0))
	require.NoError(t, err)
	assert.False(t, first.Suppressed)
	assert.True(t, first.Notify)

	second, err := d.Process(ctx, occ(1, 1, model.SeverityWarning, t0.Add(time.Minute)))
	require.NoError(t, err)
	assert.True(t, second.Suppressed)
	assert.False(t, second.Notify)
	assert.Equal(t, 2, second.OccurrenceCount)
	require.Len(t, store.records, 1)
	assert.Equal(t, 2, store.records[0].OccurrenceCount)
	assert.True(t, store.records[0].Suppressed)

	// outside the dedup window a fresh record is created
	third, err := d.Process(ctx, occ(1, 1, model.SeverityWarning, t0.Add(10*time.Minute)))
	require.NoError(t, err)
	assert.False(t, third.Suppressed)
	assert.Len(t, store.records, 2)
}

func TestProcess_SuppressionDoesNotSlideForever(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	d := NewDeduplicator(store, DefaultConfig())

	first, err := d.Process(ctx, occ(1, 1, model.SeverityWarning, t0))
	require.NoError(t, err)
	assert.False(t, first.Suppressed)

	// one evaluation per minute keeps last_occurrence fresh
	for i := 1; i < 5; i++ {
		res, err := d.Process(ctx, occ(1, 1, model.SeverityWarning, t0.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
		assert.True(t, res.Suppressed, "minute %d", i)
	}

	res, err := d.Process(ctx, occ(1, 1, model.SeverityWarning, t0.Add(5*time.Minute)))
	require.NoError(t, err)
	assert.False(t, res.Suppressed)
	assert.Len(t, store.records, 2)
	assert.Equal(t, 5, store.records[0].OccurrenceCount)
}

func TestAggregate_SeverityNeverDecreases(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	agg := NewAggregator(store, DefaultConfig)

	o := occ(1, 5, model.SeverityWarning, t0)
	_, err := agg.Aggregate(ctx, o)
	require.NoError(t, err)

	// same key requires the same severity, so raise it directly on the stored group
	store.groups[0].Severity = model.SeverityCritical
	o.RuleID = 2
	o.At = t0.Add(time.Minute)
	_, err = agg.Aggregate(ctx, o)
	require.NoError(t, err)

	require.Len(t, store.groups, 1)
	g := store.groups[0]
	assert.Equal(t, model.SeverityCritical, g.Severity)
	assert.Equal(t, 2, g.AlertCount)
	ids := append([]int64(nil), g.RuleIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	assert.Equal(t, []int64{1, 2}, ids)
	assert.Equal(t, []int64{5}, g.HostIDs)
}

func TestAggregate_NotifiesFirstAndEveryTenth(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	agg := NewAggregator(store, DefaultConfig)

	var notified []int
	for i := 1; i <= 25; i++ {
		m, err := agg.Aggregate(ctx, occ(int64(i), 9, model.SeverityWarning, t0.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
		if m.Notify {
			notified = append(notified, m.AlertCount)
		}
	}
	assert.Equal(t, []int{1, 10, 20}, notified)
	require.Len(t, store.groups, 1)
	assert.Equal(t, 25, store.groups[0].AlertCount)
}

func TestAggregate_FullGroupStartsNewOne(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	cfg := DefaultConfig()
	cfg.MaxAlertsPerGroup = 2
	agg := NewAggregator(store, func() Config { return cfg })

	for i := 0; i < 3; i++ {
		_, err := agg.Aggregate(ctx, occ(int64(i+1), 1, model.SeverityInfo, t0.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}
	require.Len(t, store.groups, 2)
	assert.Equal(t, 2, store.groups[0].AlertCount)
	assert.Equal(t, 1, store.groups[1].AlertCount)
}

func TestAggregate_ExpiredWindowStartsNewGroup(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	agg := NewAggregator(store, DefaultConfig)

	_, err := agg.Aggregate(ctx, occ(1, 1, model.SeverityInfo, t0))
	require.NoError(t, err)
	m, err := agg.Aggregate(ctx, occ(2, 1, model.SeverityInfo, t0.Add(11*time.Minute)))
	require.NoError(t, err)
	assert.Len(t, store.groups, 2)
	assert.True(t, m.Notify)
}

func TestSetConfig(t *testing.T) {
	d := NewDeduplicator(&memStore{}, DefaultConfig())
	require.ErrorIs(t, d.SetConfig(Config{}), ErrInvalidConfig)

	cfg := Config{DedupWindow: time.Minute, AggregationWindow: 2 * time.Minute, MaxAlertsPerGroup: 5}
	require.NoError(t, d.SetConfig(cfg))
	assert.Equal(t, cfg, d.Config())
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	d := NewDeduplicator(store, DefaultConfig())

	_, err := d.Process(ctx, occ(1, 1, model.SeverityWarning, t0))
	require.NoError(t, err)
	_, err = d.Process(ctx, occ(2, 2, model.SeverityWarning, t0.Add(9*time.Minute)))
	require.NoError(t, err)

	require.NoError(t, d.Cleanup(ctx, t0.Add(12*time.Minute)))
	// first record is older than 2x the dedup window, the second is not
	require.Len(t, store.records, 1)
	assert.Equal(t, int64(2), store.records[0].RuleID)
	assert.Equal(t, model.AlertResolved, store.groups[0].Status)
	assert.Equal(t, model.AlertFiring, store.groups[1].Status)
}
