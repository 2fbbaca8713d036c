// Package ratelimit admits or rejects inbound commands against per-user,
// per-class fixed-window quotas.
//
// Counters live only in memory: a process restart resets every window, so a
// burst right after a restart is under-throttled. That is accepted behavior,
// not a bug; throttling state has no durability requirement.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"worklog/internal/domain"
)

// ErrQuotaExceeded is returned by handler-chain integration when a command
// is rejected. Never fatal; callers surface it as a throttling notice or
// drop the command silently.
var ErrQuotaExceeded = errors.New("quota exceeded")

// Limit bounds one command class.
type Limit struct {
	Max    int
	Window time.Duration
}

// Config holds per-class limits. Classes not listed use Default.
type Config struct {
	Default Limit
	Classes map[string]Limit
}

// DefaultConfig mirrors the production limits: reporting is the expensive
// class and gets the strictest quota.
func DefaultConfig() Config {
	return Config{
		Default: Limit{Max: 20, Window: time.Minute},
		Classes: map[string]Limit{
			domain.ClassAddRecord:  {Max: 5, Window: time.Minute},
			domain.ClassWorkplaces: {Max: 10, Window: time.Minute},
			domain.ClassReports:    {Max: 3, Window: time.Minute},
			domain.ClassSettings:   {Max: 5, Window: time.Minute},
		},
	}
}

type bucketKey struct {
	userID int64
	class  string
}

type bucket struct {
	windowIdx int64
	count     int
}

// Governor implements fixed-window counting keyed by
// (user, class, floor(now/window)). Admission is a single
// compare-and-increment under the lock, so concurrent checks for the same
// user never lose updates. It never blocks; rejection is immediate.
type Governor struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[bucketKey]*bucket
}

func New(cfg Config) *Governor {
	if cfg.Default.Max <= 0 || cfg.Default.Window <= 0 {
		cfg.Default = Limit{Max: 20, Window: time.Minute}
	}
	return &Governor{cfg: cfg, buckets: map[bucketKey]*bucket{}}
}

// Apply swaps limits at runtime (config hot reload). Existing window
// counters are kept; they re-key naturally on the next window boundary.
func (g *Governor) Apply(cfg Config) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cfg.Default.Max > 0 && cfg.Default.Window > 0 {
		g.cfg = cfg
	}
}

func (g *Governor) limitFor(class string) Limit {
	if l, ok := g.cfg.Classes[class]; ok && l.Max > 0 && l.Window > 0 {
		return l
	}
	return g.cfg.Default
}

// Admit reports whether the command may proceed and counts it either way.
//
// A wall-clock jump recomputes the window index from now, which can admit
// one extra burst across the boundary. That looseness is accepted; the
// alternative (tracking monotonic deltas per bucket) is not worth the state.
func (g *Governor) Admit(userID int64, class string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	limit := g.limitFor(class)
	idx := now.UnixNano() / int64(limit.Window)

	k := bucketKey{userID: userID, class: class}
	b, ok := g.buckets[k]
	if !ok {
		b = &bucket{windowIdx: idx}
		g.buckets[k] = b
	}
	// Lazy discard: crossing a window boundary resets the counter. Old
	// windows are never swept eagerly; Evict bounds memory instead.
	if b.windowIdx != idx {
		b.windowIdx = idx
		b.count = 0
	}
	b.count++
	return b.count <= limit.Max
}

// Evict drops buckets whose window lies in the past. Call it periodically
// to bound memory; correctness never depends on it.
func (g *Governor) Evict(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for k, b := range g.buckets {
		limit := g.limitFor(k.class)
		idx := now.UnixNano() / int64(limit.Window)
		if b.windowIdx < idx {
			delete(g.buckets, k)
			removed++
		}
	}
	return removed
}

// Len reports the number of live buckets. Used by health snapshots and tests.
func (g *Governor) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.buckets)
}
