package timezone

import (
	"context"
	"time"

	"worklog/internal/domain"
	logx "worklog/pkg/logx"
)

// UserDirectory is the slice of the storage contract the sync path needs.
type UserDirectory interface {
	ListUsers(ctx context.Context) ([]domain.User, error)
	SetUserTimezone(ctx context.Context, userID int64, zone string, syncedAt time.Time) error
}

// SyncStats summarizes one sync pass.
type SyncStats struct {
	Synced  int
	Skipped int
	Failed  int
}

// SyncUsers refreshes each user's stored zone against the lookup service.
// Users synced within the configured interval are skipped. Cancellation is
// checked between users so a shutdown never waits for the whole pass.
func (r *Resolver) SyncUsers(ctx context.Context, dir UserDirectory, now time.Time) (SyncStats, error) {
	users, err := dir.ListUsers(ctx)
	if err != nil {
		return SyncStats{}, err
	}

	var stats SyncStats
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if !u.LastTimezoneSync.IsZero() && now.Sub(u.LastTimezoneSync) < r.syncInterval {
			stats.Skipped++
			continue
		}

		zi, err := r.ByName(ctx, u.Timezone)
		if err != nil {
			stats.Failed++
			r.log.Warn("timezone sync failed for user",
				logx.Int64("user_id", u.ID), logx.String("zone", u.Timezone), logx.Err(err))
			continue
		}
		if err := dir.SetUserTimezone(ctx, u.ID, zi.Name, now); err != nil {
			stats.Failed++
			r.log.Warn("timezone sync store update failed",
				logx.Int64("user_id", u.ID), logx.Err(err))
			continue
		}
		stats.Synced++
	}

	r.log.Info("timezone sync finished",
		logx.Int("synced", stats.Synced), logx.Int("skipped", stats.Skipped), logx.Int("failed", stats.Failed))
	return stats, nil
}
