// Package scheduler runs named recurring jobs against cron-style triggers.
//
// A fixed internal tick compares the wall clock to each job's next-fire
// time, computed in the job's own zone. Per job, execution is single-flight:
// a firing that lands while the previous run is still going is dropped (not
// queued) and recorded as a skipped run. Failures are caught per job and
// never reach other jobs or the process.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"worklog/internal/domain"
	logx "worklog/pkg/logx"
)

func New(cfg Config, zones ZoneLoader, events Publisher, log logx.Logger) *Service {
	if cfg.Tick <= 0 {
		cfg.Tick = 30 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if zones == nil {
		zones = zoneLoaderFunc(time.LoadLocation)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		zones:  zones,
		events: events,
		jobs:   map[string]*jobState{},
	}
}

// Register parses the job's trigger and adds it to the registry. Upsert by
// ID: re-registering replaces the previous trigger, which keeps repeated
// startup wiring deterministic.
func (s *Service) Register(job Job) error {
	if strings.TrimSpace(job.ID) == "" {
		return errors.New("job id required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %s: callback required", job.ID)
	}
	sched, err := s.parser.Parse(job.Spec)
	if err != nil {
		return fmt.Errorf("job %s: bad trigger %q: %w", job.ID, job.Spec, err)
	}
	zone := strings.TrimSpace(job.Zone)
	if zone == "" {
		zone = strings.TrimSpace(s.cfg.Timezone)
	}
	loc := time.UTC
	if zone != "" {
		loc, err = s.zones.Location(zone)
		if err != nil {
			return fmt.Errorf("job %s: zone %q: %w", job.ID, zone, err)
		}
	}

	st := &jobState{job: job, sched: sched, loc: loc}
	st.nextFire = sched.Next(time.Now().In(loc))

	s.mu.Lock()
	if _, exists := s.jobs[job.ID]; !exists {
		s.order = append(s.order, job.ID)
	}
	s.jobs[job.ID] = st
	s.mu.Unlock()

	s.log.Debug("job registered",
		logx.String("job", job.ID), logx.String("spec", job.Spec),
		logx.String("zone", loc.String()), logx.Time("next", st.nextFire))
	return nil
}

// Start launches the tick loop. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.loopDone = make(chan struct{})
	runCtx := s.runCtx
	tick := s.cfg.Tick
	s.mu.Unlock()

	go func() {
		defer close(s.loopDone)
		t := time.NewTicker(tick)
		defer t.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case now := <-t.C:
				s.tickOnce(now)
			}
		}
	}()

	s.log.Info("scheduler started",
		logx.Duration("tick", tick), logx.Int("jobs", s.JobCount()))
}

// Stop cancels in-flight callbacks and waits for them to return, bounded by
// the context deadline. Callbacks observing cancellation must abort cleanly.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.runCancel
	loopDone := s.loopDone
	s.runCancel = nil
	s.loopDone = nil
	s.mu.Unlock()

	cancel()
	<-loopDone

	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("scheduler stop deadline hit; callbacks still draining")
		return ctx.Err()
	}
}

// tickOnce evaluates every trigger against now. Kept separate from the loop
// so tests can drive time deterministically.
func (s *Service) tickOnce(now time.Time) {
	atomic.StoreInt64(&s.lastTickNano, now.UnixNano())

	s.mu.Lock()
	runCtx := s.runCtx
	states := make([]*jobState, 0, len(s.order))
	for _, id := range s.order {
		states = append(states, s.jobs[id])
	}
	s.mu.Unlock()
	if runCtx == nil {
		runCtx = context.Background()
	}

	for _, st := range states {
		s.evaluate(runCtx, st, now)
	}
}

func (s *Service) evaluate(runCtx context.Context, st *jobState, now time.Time) {
	st.mu.Lock()
	if st.nextFire.IsZero() || now.Before(st.nextFire) {
		st.mu.Unlock()
		return
	}
	// The trigger fired. Advance next-fire first so a long callback causes
	// skipped firings, never a burst of catch-up runs.
	st.nextFire = st.sched.Next(now.In(st.loc))

	if st.running {
		st.skips++
		st.lastOutcome = OutcomeSkipped
		st.mu.Unlock()
		s.log.Warn("job firing skipped",
			logx.String("job", st.job.ID), logx.String("reason", "previous run in progress"))
		s.appendHistory(HistoryItem{JobID: st.job.ID, Started: now, Outcome: OutcomeSkipped})
		return
	}
	st.running = true
	st.mu.Unlock()

	s.runWG.Add(1)
	go s.runJob(runCtx, st, now)
}

func (s *Service) runJob(ctx context.Context, st *jobState, firedAt time.Time) {
	defer s.runWG.Done()

	start := time.Now()
	runCtx := ctx
	timeout := st.job.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("panic in job callback",
					logx.String("job", st.job.ID), logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()
		err = st.job.Run(runCtx)
	}()
	if cancel != nil {
		cancel()
	}
	dur := time.Since(start)

	outcome := OutcomeSuccess
	if err != nil {
		outcome = "failed: " + err.Error()
	}

	st.mu.Lock()
	st.running = false
	st.lastRun = firedAt
	st.lastOutcome = outcome
	if err != nil {
		st.failures++
	} else {
		st.runs++
	}
	st.mu.Unlock()

	item := HistoryItem{JobID: st.job.ID, Started: start, Duration: dur, Outcome: outcome}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("job failed",
			logx.String("job", st.job.ID), logx.Duration("dur", dur), logx.Err(err))
		if s.events != nil {
			_ = s.events.Publish(domain.NewEvent(domain.EventJobFailed, 0, domain.JobFailure{
				JobID: st.job.ID,
				Error: err.Error(),
				At:    time.Now().UTC(),
			}))
		}
	} else {
		s.log.Debug("job completed",
			logx.String("job", st.job.ID), logx.Duration("dur", dur))
	}
	s.appendHistory(item)
}

func (s *Service) appendHistory(item HistoryItem) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
}

// Snapshot returns descriptors in registration order plus recent history.
func (s *Service) Snapshot() ([]Descriptor, []HistoryItem) {
	s.mu.Lock()
	states := make([]*jobState, 0, len(s.order))
	for _, id := range s.order {
		states = append(states, s.jobs[id])
	}
	s.mu.Unlock()

	descs := make([]Descriptor, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		descs = append(descs, Descriptor{
			ID:          st.job.ID,
			Spec:        st.job.Spec,
			Zone:        st.loc.String(),
			NextFire:    st.nextFire,
			LastRun:     st.lastRun,
			LastOutcome: st.lastOutcome,
			Running:     st.running,
			Runs:        st.runs,
			Skips:       st.skips,
			Failures:    st.failures,
		})
		st.mu.Unlock()
	}

	s.hmu.Lock()
	hist := make([]HistoryItem, len(s.history))
	copy(hist, s.history)
	s.hmu.Unlock()

	return descs, hist
}

// LastTick reports when the tick loop last evaluated triggers. Zero before
// the first tick.
func (s *Service) LastTick() time.Time {
	n := atomic.LoadInt64(&s.lastTickNano)
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Tick exposes the configured evaluation interval (health monitor input).
func (s *Service) Tick() time.Duration { return s.cfg.Tick }

// Overdue counts jobs whose next-fire time lies more than grace in the past
// and that are not currently running. A healthy tick loop never lets a
// trigger fall that far behind.
func (s *Service) Overdue(now time.Time, grace time.Duration) int {
	s.mu.Lock()
	states := make([]*jobState, 0, len(s.order))
	for _, id := range s.order {
		states = append(states, s.jobs[id])
	}
	s.mu.Unlock()

	n := 0
	for _, st := range states {
		st.mu.Lock()
		if !st.running && !st.nextFire.IsZero() && now.Sub(st.nextFire) > grace {
			n++
		}
		st.mu.Unlock()
	}
	return n
}

func (s *Service) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}
