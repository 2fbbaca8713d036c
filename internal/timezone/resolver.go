// Package timezone resolves zones through an external lookup service and
// converts timestamps between zones. Conversion is pure arithmetic once a
// zone is known; only resolution touches the network, and a cached result
// shields callers from lookup outages.
package timezone

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"worklog/internal/retrypolicy"
	logx "worklog/pkg/logx"
)

// ErrUnavailable reports that the lookup service failed and no cached zone
// could stand in.
var ErrUnavailable = errors.New("timezone service unavailable")

// ZoneInfo is the resolved zone identity.
type ZoneInfo struct {
	Name          string
	OffsetSeconds int
}

// LookupClient is the external lookup contract. *Client implements it;
// tests substitute fakes.
type LookupClient interface {
	ZoneByName(ctx context.Context, name string) (ZoneInfo, error)
	ZoneByCoordinates(ctx context.Context, lat, lng float64) (ZoneInfo, error)
}

type Config struct {
	SyncInterval time.Duration // per-user refresh interval (default 24h)
	Retry        retrypolicy.Policy
}

type Resolver struct {
	client LookupClient
	policy retrypolicy.Policy
	log    logx.Logger

	syncInterval time.Duration

	mu    sync.Mutex
	cache map[string]ZoneInfo // by lookup key (zone name or "lat,lng")
}

func NewResolver(client LookupClient, cfg Config, log logx.Logger) *Resolver {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 24 * time.Hour
	}
	policy := cfg.Retry
	if policy.MaxAttempts <= 0 {
		policy = retrypolicy.Default()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{
		client:       client,
		policy:       policy,
		log:          log,
		syncInterval: cfg.SyncInterval,
		cache:        map[string]ZoneInfo{},
	}
}

// ByName resolves an IANA zone name through the lookup service. On lookup
// failure the previously cached answer is returned instead of the error.
func (r *Resolver) ByName(ctx context.Context, name string) (ZoneInfo, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ZoneInfo{}, fmt.Errorf("zone name required")
	}
	return r.resolve(ctx, name, func(ctx context.Context) (ZoneInfo, error) {
		return r.client.ZoneByName(ctx, name)
	})
}

// ByCoordinates resolves a geographic position to a zone.
func (r *Resolver) ByCoordinates(ctx context.Context, lat, lng float64) (ZoneInfo, error) {
	key := strconv.FormatFloat(lat, 'f', 4, 64) + "," + strconv.FormatFloat(lng, 'f', 4, 64)
	return r.resolve(ctx, key, func(ctx context.Context) (ZoneInfo, error) {
		return r.client.ZoneByCoordinates(ctx, lat, lng)
	})
}

func (r *Resolver) resolve(ctx context.Context, key string, fetch func(ctx context.Context) (ZoneInfo, error)) (ZoneInfo, error) {
	var zi ZoneInfo
	err := r.policy.Do(ctx, r.log, "timezone lookup", func(ctx context.Context) error {
		var ferr error
		zi, ferr = fetch(ctx)
		return ferr
	})
	if err == nil {
		r.mu.Lock()
		r.cache[key] = zi
		// The resolved name may differ from the lookup key (aliases,
		// coordinate lookups); cache it under its own name too so
		// Location() can fall back to the offset later.
		r.cache[zi.Name] = zi
		r.mu.Unlock()
		return zi, nil
	}

	r.mu.Lock()
	cached, ok := r.cache[key]
	r.mu.Unlock()
	if ok {
		r.log.Warn("timezone lookup failed, serving cached zone",
			logx.String("key", key), logx.String("zone", cached.Name), logx.Err(err))
		return cached, nil
	}
	return ZoneInfo{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Location maps a zone name to *time.Location without touching the network.
// The system tz database is tried first; a cached lookup offset is the
// fallback for names the local database does not know.
func (r *Resolver) Location(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "UTC") {
		return time.UTC, nil
	}
	if loc, err := time.LoadLocation(name); err == nil {
		return loc, nil
	}
	r.mu.Lock()
	zi, ok := r.cache[name]
	r.mu.Unlock()
	if ok {
		return time.FixedZone(zi.Name, zi.OffsetSeconds), nil
	}
	return nil, fmt.Errorf("unknown zone %q", name)
}

// Convert reinterprets t's wall-clock reading from one zone into another.
// Pure arithmetic: no network, no cache writes.
func (r *Resolver) Convert(t time.Time, from, to string) (time.Time, error) {
	fromLoc, err := r.Location(from)
	if err != nil {
		return time.Time{}, err
	}
	toLoc, err := r.Location(to)
	if err != nil {
		return time.Time{}, err
	}
	local := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), fromLoc)
	return local.In(toLoc), nil
}
