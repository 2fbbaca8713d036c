package ratelimit

import (
	"sync"
	"testing"
	"time"

	"worklog/internal/domain"
)

func TestAdmitWithinLimit(t *testing.T) {
	t.Parallel()
	g := New(DefaultConfig())
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	// 5 calls within 10 seconds all admit.
	for i := 0; i < 5; i++ {
		now := base.Add(time.Duration(i) * 2 * time.Second)
		if !g.Admit(42, domain.ClassAddRecord, now) {
			t.Fatalf("call %d should be admitted", i+1)
		}
	}
	// The 6th call within the same 60s window is rejected.
	if g.Admit(42, domain.ClassAddRecord, base.Add(30*time.Second)) {
		t.Fatal("6th call within window should be rejected")
	}
	// 61 seconds after the first the window has rolled; admit again.
	if !g.Admit(42, domain.ClassAddRecord, base.Add(61*time.Second)) {
		t.Fatal("call in next window should be admitted")
	}
}

func TestAdmitExactQuotaPerWindow(t *testing.T) {
	t.Parallel()
	g := New(Config{
		Default: Limit{Max: 20, Window: time.Minute},
		Classes: map[string]Limit{"reports": {Max: 3, Window: time.Minute}},
	})

	// Align on a window boundary so all calls land in one fixed window.
	now := time.Unix(0, 0).Add(120 * time.Minute)
	admitted := 0
	for i := 0; i < 10; i++ {
		if g.Admit(1, "reports", now.Add(time.Duration(i)*time.Second)) {
			admitted++
		}
	}
	if admitted != 3 {
		t.Fatalf("admitted = %d, want exactly 3", admitted)
	}
}

func TestUnknownClassUsesDefault(t *testing.T) {
	t.Parallel()
	g := New(Config{Default: Limit{Max: 2, Window: time.Minute}})
	now := time.Unix(0, 0).Add(60 * time.Minute)

	if !g.Admit(7, "no_such_class", now) || !g.Admit(7, "no_such_class", now) {
		t.Fatal("first two calls should be admitted")
	}
	if g.Admit(7, "no_such_class", now) {
		t.Fatal("third call should be rejected under default limit")
	}
}

func TestUsersAreIsolated(t *testing.T) {
	t.Parallel()
	g := New(Config{Default: Limit{Max: 1, Window: time.Minute}})
	now := time.Unix(0, 0).Add(60 * time.Minute)

	if !g.Admit(1, "default", now) {
		t.Fatal("user 1 should be admitted")
	}
	if !g.Admit(2, "default", now) {
		t.Fatal("user 2 has an independent counter")
	}
	if g.Admit(1, "default", now) {
		t.Fatal("user 1 is over quota")
	}
}

func TestConcurrentAdmitNoLostUpdates(t *testing.T) {
	t.Parallel()
	const max = 50
	g := New(Config{Default: Limit{Max: max, Window: time.Minute}})
	now := time.Unix(0, 0).Add(60 * time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Admit(9, "default", now) {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if admitted != max {
		t.Fatalf("admitted = %d, want exactly %d", admitted, max)
	}
}

func TestEvictDropsOnlyStaleWindows(t *testing.T) {
	t.Parallel()
	g := New(Config{Default: Limit{Max: 5, Window: time.Minute}})
	base := time.Unix(0, 0).Add(60 * time.Minute)

	g.Admit(1, "default", base)
	g.Admit(2, "default", base.Add(2*time.Minute))

	if got := g.Evict(base.Add(2 * time.Minute)); got != 1 {
		t.Fatalf("evicted = %d, want 1", got)
	}
	if g.Len() != 1 {
		t.Fatalf("buckets = %d, want 1", g.Len())
	}
}
