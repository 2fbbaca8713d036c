// Package jobs defines the built-in recurring jobs and registers them with
// the scheduler: the open-record sweep, the weekly report, retention
// cleanup, the backup trigger and the timezone sync.
package jobs

import (
	"context"
	"fmt"
	"time"

	"worklog/internal/config"
	"worklog/internal/domain"
	"worklog/internal/report"
	"worklog/internal/scheduler"
	"worklog/internal/storage"
	"worklog/internal/timezone"
	logx "worklog/pkg/logx"
)

// Job ids. Config overrides reference these.
const (
	IDRecordsSweep     = "records.sweep"
	IDReportsWeekly    = "reports.weekly"
	IDRetentionCleanup = "retention.cleanup"
	IDBackupTrigger    = "backup.trigger"
	IDTimezoneSync     = "timezone.sync"
)

// Default triggers, evaluated in the service zone unless overridden.
const (
	specRecordsSweep     = "0 20 * * *" // daily 20:00
	specReportsWeekly    = "0 23 * * 0" // Sunday 23:00
	specRetentionCleanup = "0 2 1 * *"  // monthly, 1st 02:00
	specBackupTrigger    = "0 3 * * *"  // daily 03:00
	specTimezoneSync     = "0 4 * * *"  // daily 04:00
)

const (
	// staleOpenAge is how long a record may stay open before the sweep
	// reminds its owner.
	staleOpenAge = 12 * time.Hour
	// retentionHorizon is how far back closed records are kept before the
	// cleanup marks them for deletion.
	retentionHorizon = 365 * 24 * time.Hour
	// weeklyWindow is the report span of the weekly job.
	weeklyWindow = 7 * 24 * time.Hour
)

type Deps struct {
	Store    storage.Store
	Events   scheduler.Publisher
	Reports  *report.Aggregator
	Zones    *timezone.Resolver
	Log      logx.Logger
	Clock    func() time.Time // nil means time.Now
	Sched    *scheduler.Service
	Override map[string]config.JobOverride
}

type runner struct {
	store   storage.Store
	events  scheduler.Publisher
	reports *report.Aggregator
	zones   *timezone.Resolver
	log     logx.Logger
	now     func() time.Time
}

// RegisterAll wires every built-in job into the scheduler, applying config
// overrides. An override naming an unknown job id is an error.
func RegisterAll(d Deps) error {
	if d.Clock == nil {
		d.Clock = func() time.Time { return time.Now().UTC() }
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	r := &runner{
		store:   d.Store,
		events:  d.Events,
		reports: d.Reports,
		zones:   d.Zones,
		log:     d.Log,
		now:     d.Clock,
	}

	defaults := []scheduler.Job{
		{ID: IDRecordsSweep, Spec: specRecordsSweep, Run: r.sweepOpenRecords},
		{ID: IDReportsWeekly, Spec: specReportsWeekly, Run: r.weeklyReports},
		{ID: IDRetentionCleanup, Spec: specRetentionCleanup, Run: r.retentionCleanup},
		{ID: IDBackupTrigger, Spec: specBackupTrigger, Run: r.backupTrigger},
		{ID: IDTimezoneSync, Spec: specTimezoneSync, Run: r.timezoneSync},
	}

	known := map[string]bool{}
	for _, job := range defaults {
		known[job.ID] = true
	}
	for id := range d.Override {
		if !known[id] {
			return fmt.Errorf("jobs override: unknown job id %q", id)
		}
	}

	for _, job := range defaults {
		if ov, ok := d.Override[job.ID]; ok {
			if ov.Disabled {
				d.Log.Info("job disabled by config", logx.String("job", job.ID))
				continue
			}
			if ov.Spec != "" {
				job.Spec = ov.Spec
			}
			if ov.Zone != "" {
				job.Zone = ov.Zone
			}
		}
		if err := d.Sched.Register(job); err != nil {
			return err
		}
	}
	return nil
}

// sweepOpenRecords reminds each user about records left open past the
// staleness threshold. One event per user per pass; the dispatch dedup
// window absorbs repeats across passes on the same day.
func (r *runner) sweepOpenRecords(ctx context.Context) error {
	cutoff := r.now().Add(-staleOpenAge)
	stale, err := r.store.ListOpenRecordsStartedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list open records: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	// Oldest record per user carries the reminder.
	oldest := map[int64]domain.Record{}
	for _, rec := range stale {
		if cur, ok := oldest[rec.UserID]; !ok || rec.Start.Before(cur.Start) {
			oldest[rec.UserID] = rec
		}
	}

	for userID, rec := range oldest {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := r.workplaceName(ctx, userID, rec.WorkplaceID)
		ev := domain.NewEvent(domain.EventRecordReminder, userID, domain.RecordReminder{
			RecordID:      rec.ID,
			WorkplaceName: name,
			StartedAt:     rec.Start,
		})
		if err := r.events.Publish(ev); err != nil {
			r.log.Warn("reminder not queued", logx.Int64("user", userID), logx.Err(err))
		}
	}
	r.log.Info("open-record sweep finished", logx.Int("reminded", len(oldest)))
	return nil
}

func (r *runner) workplaceName(ctx context.Context, userID, workplaceID int64) string {
	wps, err := r.store.ListWorkplaces(ctx, userID)
	if err != nil {
		return ""
	}
	for _, w := range wps {
		if w.ID == workplaceID {
			return w.Name
		}
	}
	return ""
}

// weeklyReports aggregates the trailing seven days per user, with the
// window anchored in the user's own zone, and queues a report_ready event.
func (r *runner) weeklyReports(ctx context.Context) error {
	users, err := r.store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	now := r.now()
	var published int
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return err
		}

		loc, err := r.zones.Location(u.Timezone)
		if err != nil {
			r.log.Warn("weekly report: unknown user zone, using UTC",
				logx.Int64("user", u.ID), logx.String("zone", u.Timezone))
			loc = time.UTC
		}
		// Window ends at the user's local midnight today.
		local := now.In(loc)
		to := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
		from := to.Add(-weeklyWindow)

		rep, err := r.reports.Aggregate(ctx, u.ID, from.UTC(), to.UTC(), now)
		if err != nil {
			r.log.Warn("weekly report failed", logx.Int64("user", u.ID), logx.Err(err))
			continue
		}
		if len(rep.Groups) == 0 && rep.OpenRecords == 0 {
			continue
		}
		if err := r.events.Publish(domain.NewEvent(domain.EventReportReady, u.ID, rep)); err != nil {
			r.log.Warn("weekly report not queued", logx.Int64("user", u.ID), logx.Err(err))
			continue
		}
		published++
	}
	r.log.Info("weekly reports finished",
		logx.Int("users", len(users)), logx.Int("published", published))
	return nil
}

// retentionCleanup marks closed records beyond the retention horizon for
// deletion. The mark is a write intent; physical removal stays with the
// storage operator.
func (r *runner) retentionCleanup(ctx context.Context) error {
	horizon := r.now().Add(-retentionHorizon)
	n, err := r.store.MarkRecordsForDeletion(ctx, horizon)
	if err != nil {
		return fmt.Errorf("mark records: %w", err)
	}
	r.log.Info("retention cleanup finished",
		logx.Int64("marked", n), logx.Time("horizon", horizon))
	return nil
}

func (r *runner) backupTrigger(ctx context.Context) error {
	ev := domain.NewEvent(domain.EventBackupRequested, 0, domain.BackupRequest{RequestedAt: r.now()})
	if err := r.events.Publish(ev); err != nil {
		return fmt.Errorf("queue backup request: %w", err)
	}
	return nil
}

func (r *runner) timezoneSync(ctx context.Context) error {
	stats, err := r.zones.SyncUsers(ctx, r.store, r.now())
	if err != nil {
		return fmt.Errorf("timezone sync: %w", err)
	}
	if stats.Failed > 0 {
		return fmt.Errorf("timezone sync: %d users failed", stats.Failed)
	}
	return nil
}
