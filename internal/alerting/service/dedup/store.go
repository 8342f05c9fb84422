package dedup

import (
	"context"
	"time"

	"github.com/qiniu/opsguard/internal/alerting/model"
)

// Store persists dedup records and alert groups.
type Store interface {
	// FindLive returns the newest record for fingerprint with last_occurrence >= since, or nil.
	FindLive(ctx context.Context, fingerprint string, since time.Time) (*model.AlertDeduplication, error)
	// Touch increments the occurrence count, bumps last_occurrence and marks the record suppressed.
	Touch(ctx context.Context, id int64, at time.Time) (*model.AlertDeduplication, error)
	CreateRecord(ctx context.Context, rec *model.AlertDeduplication) error

	// FindOpenGroup returns a firing or acknowledged group with key whose window ends after since
	// and that still has room for another member, or nil.
	FindOpenGroup(ctx context.Context, key string, since time.Time, maxAlerts int) (*model.AlertGroup, error)
	CreateGroup(ctx context.Context, g *model.AlertGroup) error
	UpdateGroup(ctx context.Context, g *model.AlertGroup) error

	DeleteRecordsBefore(ctx context.Context, before time.Time) (int64, error)
	CloseGroupsBefore(ctx context.Context, before time.Time) (int64, error)
}
