package timezone

import (
	"context"
	"errors"
	"testing"
	"time"

	"worklog/internal/domain"
	"worklog/internal/retrypolicy"
	"worklog/internal/storage"
	logx "worklog/pkg/logx"
)

type fakeClient struct {
	zones map[string]ZoneInfo
	err   error
	calls int
}

func (f *fakeClient) ZoneByName(_ context.Context, name string) (ZoneInfo, error) {
	f.calls++
	if f.err != nil {
		return ZoneInfo{}, f.err
	}
	zi, ok := f.zones[name]
	if !ok {
		return ZoneInfo{}, errors.New("zone not found")
	}
	return zi, nil
}

func (f *fakeClient) ZoneByCoordinates(_ context.Context, lat, lng float64) (ZoneInfo, error) {
	f.calls++
	if f.err != nil {
		return ZoneInfo{}, f.err
	}
	return ZoneInfo{Name: "Europe/Moscow", OffsetSeconds: 3 * 3600}, nil
}

func fastPolicy() retrypolicy.Policy {
	return retrypolicy.Policy{MaxAttempts: 2, Base: time.Millisecond, Multiplier: 2, MaxDelay: 2 * time.Millisecond}
}

func newTestResolver(c LookupClient) *Resolver {
	return NewResolver(c, Config{Retry: fastPolicy()}, logx.Nop())
}

func TestByNameCachesAndFallsBack(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{zones: map[string]ZoneInfo{
		"Europe/Moscow": {Name: "Europe/Moscow", OffsetSeconds: 3 * 3600},
	}}
	r := newTestResolver(fc)

	zi, err := r.ByName(context.Background(), "Europe/Moscow")
	if err != nil {
		t.Fatalf("ByName: %v", err)
	}
	if zi.OffsetSeconds != 3*3600 {
		t.Fatalf("offset = %d", zi.OffsetSeconds)
	}

	// Service goes down; the cached zone must be served instead of an error.
	fc.err = errors.New("connection refused")
	zi, err = r.ByName(context.Background(), "Europe/Moscow")
	if err != nil {
		t.Fatalf("expected cached fallback, got %v", err)
	}
	if zi.Name != "Europe/Moscow" {
		t.Fatalf("zone = %s", zi.Name)
	}
}

func TestByNameUnavailableWithoutCache(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{err: errors.New("timeout")}
	r := newTestResolver(fc)

	_, err := r.ByName(context.Background(), "Asia/Tokyo")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	// Bounded attempts: policy allows 2.
	if fc.calls != 2 {
		t.Fatalf("calls = %d, want 2", fc.calls)
	}
}

func TestConvertRoundTrip(t *testing.T) {
	t.Parallel()
	r := newTestResolver(&fakeClient{})

	ts := time.Date(2025, 7, 14, 9, 30, 15, 123456789, time.UTC)
	zones := [][2]string{
		{"UTC", "Europe/Moscow"},
		{"Europe/Moscow", "Asia/Tokyo"},
		{"America/New_York", "UTC"},
	}
	for _, z := range zones {
		out, err := r.Convert(ts, z[0], z[1])
		if err != nil {
			t.Fatalf("Convert(%s -> %s): %v", z[0], z[1], err)
		}
		back, err := r.Convert(out, z[1], z[0])
		if err != nil {
			t.Fatalf("Convert back: %v", err)
		}
		if back.Year() != ts.Year() || back.Month() != ts.Month() || back.Day() != ts.Day() ||
			back.Hour() != ts.Hour() || back.Minute() != ts.Minute() || back.Second() != ts.Second() {
			t.Fatalf("round trip %s<->%s: got %v, want wall clock of %v", z[0], z[1], back, ts)
		}
	}
}

func TestConvertUsesCachedOffsetForUnknownZone(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{zones: map[string]ZoneInfo{
		"Mars/Olympus": {Name: "Mars/Olympus", OffsetSeconds: 2 * 3600},
	}}
	r := newTestResolver(fc)

	if _, err := r.ByName(context.Background(), "Mars/Olympus"); err != nil {
		t.Fatalf("ByName: %v", err)
	}
	ts := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	out, err := r.Convert(ts, "Mars/Olympus", "UTC")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if out.Hour() != 10 {
		t.Fatalf("hour = %d, want 10 (offset +2h applied)", out.Hour())
	}
}

func TestSyncUsersSkipsRecentlySynced(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{zones: map[string]ZoneInfo{
		"Europe/Moscow": {Name: "Europe/Moscow", OffsetSeconds: 3 * 3600},
		"UTC":           {Name: "UTC", OffsetSeconds: 0},
	}}
	r := newTestResolver(fc)

	mem := storage.NewMemory()
	now := time.Date(2025, 5, 1, 4, 0, 0, 0, time.UTC)

	_, _ = mem.UpsertUser(context.Background(), domain.User{ID: 1, Timezone: "Europe/Moscow"})
	_, _ = mem.UpsertUser(context.Background(), domain.User{ID: 2, Timezone: "UTC"})
	// User 2 was synced an hour ago; must be skipped.
	if err := mem.SetUserTimezone(context.Background(), 2, "UTC", now.Add(-time.Hour)); err != nil {
		t.Fatalf("SetUserTimezone: %v", err)
	}

	stats, err := r.SyncUsers(context.Background(), mem, now)
	if err != nil {
		t.Fatalf("SyncUsers: %v", err)
	}
	if stats.Synced != 1 || stats.Skipped != 1 || stats.Failed != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	users, _ := mem.ListUsers(context.Background())
	if !users[0].LastTimezoneSync.Equal(now) {
		t.Fatalf("user 1 sync timestamp not updated: %v", users[0].LastTimezoneSync)
	}
}

func TestSyncUsersStopsOnCancel(t *testing.T) {
	t.Parallel()
	r := newTestResolver(&fakeClient{zones: map[string]ZoneInfo{"UTC": {Name: "UTC"}}})

	mem := storage.NewMemory()
	for i := int64(1); i <= 5; i++ {
		_, _ = mem.UpsertUser(context.Background(), domain.User{ID: i, Timezone: "UTC"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.SyncUsers(ctx, mem, time.Now())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
