package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"worklog/internal/domain"
	"worklog/internal/retrypolicy"
	logx "worklog/pkg/logx"
)

type fakeSink struct {
	mu       sync.Mutex
	events   []domain.Event
	failures int32 // fail this many deliveries before succeeding
	calls    atomic.Int32
}

func (f *fakeSink) Deliver(ctx context.Context, ev domain.Event) error {
	n := f.calls.Add(1)
	if n <= atomic.LoadInt32(&f.failures) {
		return errors.New("transient")
	}
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) Ping(context.Context) error { return nil }
func (f *fakeSink) Close() error               { return nil }

func (f *fakeSink) delivered() []domain.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Event(nil), f.events...)
}

func fastRetry(attempts int) retrypolicy.Policy {
	return retrypolicy.Policy{MaxAttempts: attempts, Base: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
}

func waitStats(t *testing.T, s *Service, cond func(Stats) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond(s.Stats()) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("stats condition not met: %+v", s.Stats())
}

func TestPublishDeliversThroughSink(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	s := New(Config{Workers: 1, QueueSize: 8, RatePerSec: 1000, Retry: fastRetry(1)}, sink, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	ev := domain.NewEvent(domain.EventReportReady, 42, nil)
	require.NoError(t, s.Publish(ev))

	waitStats(t, s, func(st Stats) bool { return st.Delivered == 1 })
	got := sink.delivered()
	require.Len(t, got, 1)
	require.Equal(t, ev.ID, got[0].ID)
}

func TestPublishNeverBlocksWhenQueueFull(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	// No workers started: the queue fills and stays full.
	s := New(Config{Workers: 1, QueueSize: 2, RatePerSec: 1000, Retry: fastRetry(1)}, sink, logx.Nop())
	s.mu.Lock()
	s.queue = make(chan queued, 2)
	s.accepting = true
	s.mu.Unlock()

	require.NoError(t, s.Publish(domain.NewEvent(domain.EventRecordReminder, 1, nil)))
	require.NoError(t, s.Publish(domain.NewEvent(domain.EventRecordReminder, 2, nil)))

	done := make(chan error, 1)
	go func() { done <- s.Publish(domain.NewEvent(domain.EventRecordReminder, 3, nil)) }()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrQueueFull)
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
	require.Equal(t, uint64(1), s.Stats().Dropped)
}

func TestQueueFullDropReleasesDedupClaim(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	// No workers started: the queue fills and stays full.
	s := New(Config{Workers: 1, QueueSize: 1, RatePerSec: 1000, DedupWindow: time.Hour, Retry: fastRetry(1)}, sink, logx.Nop())
	s.mu.Lock()
	s.queue = make(chan queued, 1)
	s.accepting = true
	s.mu.Unlock()

	require.NoError(t, s.Publish(domain.NewEvent(domain.EventRecordReminder, 1, nil)))

	// Dropped on the full queue: the event's dedup key must stay free.
	require.ErrorIs(t, s.Publish(domain.NewEvent(domain.EventRecordReminder, 2, nil)), ErrQueueFull)

	<-s.queue // make room
	require.NoError(t, s.Publish(domain.NewEvent(domain.EventRecordReminder, 2, nil)))
	require.Equal(t, uint64(0), s.Stats().Deduped)
	require.Equal(t, uint64(2), s.Stats().Queued)
}

func TestRetryRecoversTransientFailure(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{failures: 2}
	s := New(Config{Workers: 1, QueueSize: 8, RatePerSec: 1000, Retry: fastRetry(3)}, sink, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.NoError(t, s.Publish(domain.NewEvent(domain.EventBackupRequested, 0, nil)))

	waitStats(t, s, func(st Stats) bool { return st.Delivered == 1 })
	require.Equal(t, int32(3), sink.calls.Load())
	require.Equal(t, uint64(0), s.Stats().Failed)
}

func TestExhaustedRetriesCountAsFailed(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{failures: 100}
	s := New(Config{Workers: 1, QueueSize: 8, RatePerSec: 1000, Retry: fastRetry(2)}, sink, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.NoError(t, s.Publish(domain.NewEvent(domain.EventJobFailed, 0, nil)))
	waitStats(t, s, func(st Stats) bool { return st.Failed == 1 })
	require.Empty(t, sink.delivered())
}

func TestDedupSuppressesRepeatWithinWindow(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	s := New(Config{Workers: 1, QueueSize: 8, RatePerSec: 1000, DedupWindow: time.Hour, Retry: fastRetry(1)}, sink, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	// Same type, user and day: identical dedup key despite distinct IDs.
	first := domain.NewEvent(domain.EventRecordReminder, 7, nil)
	second := domain.NewEvent(domain.EventRecordReminder, 7, nil)
	require.NoError(t, s.Publish(first))
	require.NoError(t, s.Publish(second))
	// Different user passes.
	require.NoError(t, s.Publish(domain.NewEvent(domain.EventRecordReminder, 8, nil)))

	waitStats(t, s, func(st Stats) bool { return st.Delivered == 2 })
	require.Equal(t, uint64(1), s.Stats().Deduped)
}

func TestStopDrainsQueue(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	s := New(Config{Workers: 2, QueueSize: 32, RatePerSec: 1000, Retry: fastRetry(1)}, sink, logx.Nop())
	s.Start(context.Background())

	for i := int64(1); i <= 10; i++ {
		require.NoError(t, s.Publish(domain.NewEvent(domain.EventReportReady, i, nil)))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	require.Len(t, sink.delivered(), 10)
	require.ErrorIs(t, s.Publish(domain.NewEvent(domain.EventReportReady, 11, nil)), ErrStopped)
}
