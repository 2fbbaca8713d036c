// Package dispatch is the async outbound pipeline between the core and the
// messaging sink: bounded queue, worker pool, global rate limit, retry and a
// dedup window keyed on the event's identity.
package dispatch

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"worklog/internal/domain"
	"worklog/internal/retrypolicy"
	"worklog/internal/transport"
	logx "worklog/pkg/logx"
)

var (
	ErrQueueFull = errors.New("dispatch queue full")
	ErrStopped   = errors.New("dispatch stopped")
)

type Config struct {
	Workers    int
	QueueSize  int
	RatePerSec int
	// DedupWindow suppresses repeated events with the same dedup key.
	// Zero disables suppression.
	DedupWindow     time.Duration
	DedupMaxEntries int
	Retry           retrypolicy.Policy
}

type queued struct {
	ev domain.Event
	// dedupKey is computed at enqueue time for cheap worker processing.
	dedupKey string
}

// Stats is a point-in-time counter snapshot for /status and tests.
type Stats struct {
	Queued    uint64
	Delivered uint64
	Deduped   uint64
	Dropped   uint64
	Failed    uint64
	QueueLen  int
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log  logx.Logger
	sink transport.Sink

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	pubWG     sync.WaitGroup

	queue    chan queued
	stopDone chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	// dedup cache: key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	nQueued    atomic.Uint64
	nDelivered atomic.Uint64
	nDeduped   atomic.Uint64
	nDropped   atomic.Uint64
	nFailed    atomic.Uint64
}

func New(cfg Config, sink transport.Sink, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:   log,
		sink:  sink,
		dedup: map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

// Apply swaps the pipeline configuration at runtime. The queue and worker
// count change only on restart; limiter, retry and dedup take effect
// immediately.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retrypolicy.Default()
	}
	s.cfg = cfg
	// Token bucket with burst = rate, so short spikes drain without stalling.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan queued, s.cfg.QueueSize)
	s.accepting = true
	s.stopDone = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	workers := s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		i := i
		s.workerWG.Add(1)
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in dispatch worker",
						logx.Int("worker", i), logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			s.workerLoop()
		}()
	}
	s.log.Info("dispatch started",
		logx.Int("workers", workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop blocks intake and drains the queue best-effort until the ctx
// deadline, then cancels in-flight deliveries.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	done := s.stopDone
	cancel := s.runCancel
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	// Let in-flight Publish calls finish before closing the queue.
	ch := make(chan struct{})
	go func() {
		s.pubWG.Wait()
		close(ch)
	}()
	select {
	case <-ctx.Done():
		cancel()
		return
	case <-ch:
	}

	close(q)

	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		cancel()
	case <-done:
		cancel()
	}

	s.mu.Lock()
	s.queue = nil
	s.stopDone = nil
	s.runCtx = nil
	s.runCancel = nil
	s.mu.Unlock()
	s.log.Info("dispatch stopped")
}

// Publish enqueues without blocking. A full queue returns ErrQueueFull and
// the event is dropped; callers on the job path treat that as a logged
// degradation, never a failure of the job itself.
func (s *Service) Publish(ev domain.Event) error {
	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.DedupWindow
	maxEntries := s.cfg.DedupMaxEntries
	s.pubWG.Add(1)
	s.mu.Unlock()
	defer s.pubWG.Done()

	key := ev.DedupKey()
	if window > 0 && !s.dedupAllow(key, window, maxEntries) {
		s.nDeduped.Add(1)
		s.log.Debug("event deduped",
			logx.String("event", string(ev.Type)), logx.String("key", key))
		return nil
	}

	select {
	case q <- queued{ev: ev, dedupKey: key}:
		s.nQueued.Add(1)
		return nil
	default:
		// The event never made it into the queue: release its dedup claim
		// so an identical republish is not suppressed.
		if window > 0 {
			s.dedupForget(key)
		}
		s.nDropped.Add(1)
		s.log.Warn("event dropped, queue full",
			logx.String("event", string(ev.Type)), logx.Int64("user", ev.UserID))
		return ErrQueueFull
	}
}

// dedupAllow reports whether the key is outside its suppression window and
// records it. The cache is pruned lazily and hard-capped.
func (s *Service) dedupAllow(key string, window time.Duration, maxEntries int) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()

	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	if len(s.dedup) >= maxEntries {
		for k, until := range s.dedup {
			if now.After(until) {
				delete(s.dedup, k)
			}
		}
		// Still over cap after pruning: reset rather than grow unbounded.
		if len(s.dedup) >= maxEntries {
			s.dedup = map[string]time.Time{}
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

func (s *Service) dedupForget(key string) {
	s.dmu.Lock()
	delete(s.dedup, key)
	s.dmu.Unlock()
}

func (s *Service) workerLoop() {
	s.mu.Lock()
	q := s.queue
	runCtx := s.runCtx
	s.mu.Unlock()

	for j := range q {
		select {
		case <-runCtx.Done():
			return
		default:
		}
		s.deliver(runCtx, j)
	}
}

func (s *Service) deliver(ctx context.Context, j queued) {
	s.mu.Lock()
	lim := s.limiter
	policy := s.cfg.Retry
	s.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return
	}

	err := policy.Do(ctx, s.log, "deliver "+string(j.ev.Type), func(ctx context.Context) error {
		return s.sink.Deliver(ctx, j.ev)
	})
	if err != nil {
		s.nFailed.Add(1)
		s.log.Error("event delivery failed",
			logx.String("event", string(j.ev.Type)),
			logx.Int64("user", j.ev.UserID), logx.Err(err))
		return
	}
	s.nDelivered.Add(1)
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	var qlen int
	if s.queue != nil {
		qlen = len(s.queue)
	}
	s.mu.Unlock()
	return Stats{
		Queued:    s.nQueued.Load(),
		Delivered: s.nDelivered.Load(),
		Deduped:   s.nDeduped.Load(),
		Dropped:   s.nDropped.Load(),
		Failed:    s.nFailed.Load(),
		QueueLen:  qlen,
	}
}
