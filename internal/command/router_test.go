package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"worklog/internal/domain"
	"worklog/internal/ratelimit"
	"worklog/internal/report"
	"worklog/internal/storage"
	"worklog/internal/timezone"
	logx "worklog/pkg/logx"
)

type staticZones struct{}

func (staticZones) ZoneByName(_ context.Context, name string) (timezone.ZoneInfo, error) {
	if name == "Europe/Moscow" {
		return timezone.ZoneInfo{Name: "Europe/Moscow", OffsetSeconds: 3 * 3600}, nil
	}
	return timezone.ZoneInfo{}, errors.New("unknown zone")
}

func (staticZones) ZoneByCoordinates(context.Context, float64, float64) (timezone.ZoneInfo, error) {
	return timezone.ZoneInfo{Name: "Asia/Tokyo", OffsetSeconds: 9 * 3600}, nil
}

func newTestRouter(t *testing.T, limits ratelimit.Config) (*Router, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	zones := timezone.NewResolver(staticZones{}, timezone.Config{}, logx.Nop())
	h := NewHandlers(store, report.NewAggregator(store), zones, logx.Nop())
	return NewRouter(RouterConfig{}, h, ratelimit.New(limits), logx.Nop()), store
}

func cmd(userID int64, class string, args ...string) domain.Command {
	return domain.Command{UserID: userID, Class: class, Args: args, ReceivedAt: time.Now()}
}

func generousLimits() ratelimit.Config {
	return ratelimit.Config{Default: ratelimit.Limit{Max: 1000, Window: time.Minute}}
}

func TestTrackingFlowEndToEnd(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, generousLimits())
	ctx := context.Background()

	res, err := r.Dispatch(ctx, cmd(1, domain.ClassWorkplaces, "add", "1000.50", "Office"))
	require.NoError(t, err)
	wp := res.(domain.Workplace)
	require.Equal(t, "Office", wp.Name)

	start := time.Date(2026, 8, 17, 9, 0, 0, 0, time.UTC)
	res, err = r.Dispatch(ctx, cmd(1, domain.ClassAddRecord,
		"start", "1", start.Format(time.RFC3339), "morning", "shift"))
	require.NoError(t, err)
	rec := res.(domain.Record)
	require.Equal(t, "morning shift", rec.Note)

	_, err = r.Dispatch(ctx, cmd(1, domain.ClassAddRecord,
		"close", "1", start.Add(8*time.Hour).Format(time.RFC3339)))
	require.NoError(t, err)

	res, err = r.Dispatch(ctx, cmd(1, domain.ClassReports,
		start.Add(-time.Hour).Format(time.RFC3339),
		start.Add(24*time.Hour).Format(time.RFC3339)))
	require.NoError(t, err)
	rep := res.(report.Report)
	require.Equal(t, 8*time.Hour, rep.TotalDuration)
	require.InDelta(t, 8004.0, rep.TotalEarnings, 1e-9)
}

func TestValidationRejectedBeforeWrite(t *testing.T) {
	t.Parallel()
	r, store := newTestRouter(t, generousLimits())
	ctx := context.Background()

	_, err := r.Dispatch(ctx, cmd(1, domain.ClassWorkplaces, "add", "-5", "Office"))
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "workplace.rate", verr.Field)

	wps, err := store.ListWorkplaces(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, wps)
}

func TestQuotaExceededSurfacesAsTypedError(t *testing.T) {
	t.Parallel()
	limits := ratelimit.Config{
		Default: ratelimit.Limit{Max: 1000, Window: time.Minute},
		Classes: map[string]ratelimit.Limit{domain.ClassReports: {Max: 3, Window: time.Minute}},
	}
	r, _ := newTestRouter(t, limits)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.Dispatch(ctx, cmd(1, domain.ClassReports))
		require.NoError(t, err)
	}
	_, err := r.Dispatch(ctx, cmd(1, domain.ClassReports))
	require.ErrorIs(t, err, ratelimit.ErrQuotaExceeded)

	// Another user is untouched by user 1's quota.
	_, err = r.Dispatch(ctx, cmd(2, domain.ClassReports))
	require.NoError(t, err)
}

func TestSettingsStoresResolvedZone(t *testing.T) {
	t.Parallel()
	r, store := newTestRouter(t, generousLimits())
	ctx := context.Background()

	_, err := store.UpsertUser(ctx, domain.User{ID: 5, Username: "ann"})
	require.NoError(t, err)

	res, err := r.Dispatch(ctx, cmd(5, domain.ClassSettings, "timezone", "Europe/Moscow"))
	require.NoError(t, err)
	require.Equal(t, "Europe/Moscow", res.(timezone.ZoneInfo).Name)

	users, err := store.ListUsers(ctx)
	require.NoError(t, err)
	require.Equal(t, "Europe/Moscow", users[0].Timezone)
	require.False(t, users[0].LastTimezoneSync.IsZero())

	// Coordinates path.
	res, err = r.Dispatch(ctx, cmd(5, domain.ClassSettings, "timezone", "35.68", "139.69"))
	require.NoError(t, err)
	require.Equal(t, "Asia/Tokyo", res.(timezone.ZoneInfo).Name)
}

func TestUnknownClassFallsThroughQuietly(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, generousLimits())
	res, err := r.Dispatch(context.Background(), cmd(1, "whoami"))
	require.NoError(t, err)
	require.Nil(t, res)
}

func TestPanicInHandlerIsRecovered(t *testing.T) {
	t.Parallel()
	gov := ratelimit.New(generousLimits())
	chain := []Middleware{MWRecover(logx.Nop()), MWRateLimit(gov)}
	h := Chain(func(context.Context, *Request) error { panic("kaboom") }, chain...)

	err := h(context.Background(), &Request{Cmd: cmd(1, domain.ClassDefault)})
	require.Error(t, err)
	require.Contains(t, err.Error(), "panic")
}
