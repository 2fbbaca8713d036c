package report

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worklog/internal/domain"
	"worklog/internal/storage"
)

func seedDay(t *testing.T) (*storage.Memory, time.Time) {
	t.Helper()
	mem := storage.NewMemory()
	ctx := context.Background()

	_, err := mem.UpsertUser(ctx, domain.User{ID: 1, Timezone: "UTC"})
	require.NoError(t, err)

	office, err := mem.CreateWorkplace(ctx, domain.Workplace{UserID: 1, Name: "Office", Rate: 1000.50})
	require.NoError(t, err)

	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	// Closed 09:00-17:00.
	end := day.Add(17 * time.Hour)
	_, err = mem.CreateRecord(ctx, domain.Record{
		UserID: 1, WorkplaceID: office.ID,
		Start: day.Add(9 * time.Hour), End: &end,
	})
	require.NoError(t, err)

	// Open since 18:00.
	_, err = mem.CreateRecord(ctx, domain.Record{
		UserID: 1, WorkplaceID: office.ID,
		Start: day.Add(18 * time.Hour),
	})
	require.NoError(t, err)

	return mem, day
}

func TestAggregateOfficeDay(t *testing.T) {
	t.Parallel()
	mem, day := seedDay(t)
	agg := NewAggregator(mem)

	now := day.Add(20 * time.Hour)
	rep, err := agg.Aggregate(context.Background(), 1, day, day.AddDate(0, 0, 1), now)
	require.NoError(t, err)

	assert.Equal(t, 8*time.Hour, rep.TotalDuration)
	assert.InDelta(t, 8004.00, rep.TotalEarnings, 1e-9)
	assert.Equal(t, 1, rep.OpenRecords)

	require.Len(t, rep.Groups, 1)
	assert.Equal(t, "Office", rep.Groups[0].Name)
	assert.Equal(t, 8*time.Hour, rep.Groups[0].Duration)
	assert.InDelta(t, 8004.00, rep.Groups[0].Earnings, 1e-9)
}

func TestAggregateDeterministicAndConsistent(t *testing.T) {
	t.Parallel()
	mem := storage.NewMemory()
	ctx := context.Background()

	_, err := mem.UpsertUser(ctx, domain.User{ID: 1})
	require.NoError(t, err)
	office, err := mem.CreateWorkplace(ctx, domain.Workplace{UserID: 1, Name: "Office", Rate: 250})
	require.NoError(t, err)
	remote, err := mem.CreateWorkplace(ctx, domain.Workplace{UserID: 1, Name: "Remote", Rate: 175.25})
	require.NoError(t, err)

	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	add := func(wp int64, startH, endH float64) {
		start := day.Add(time.Duration(startH * float64(time.Hour)))
		end := day.Add(time.Duration(endH * float64(time.Hour)))
		_, err := mem.CreateRecord(ctx, domain.Record{UserID: 1, WorkplaceID: wp, Start: start, End: &end})
		require.NoError(t, err)
	}
	add(office.ID, 9, 12.5)
	add(office.ID, 13, 17)
	add(remote.ID, 18, 19.75)

	agg := NewAggregator(mem)
	now := day.Add(23 * time.Hour)

	first, err := agg.Aggregate(ctx, 1, day, day.AddDate(0, 0, 1), now)
	require.NoError(t, err)
	second, err := agg.Aggregate(ctx, 1, day, day.AddDate(0, 0, 1), now)
	require.NoError(t, err)

	// Identical inputs always produce identical totals.
	assert.Equal(t, first, second)

	// Sum of per-workplace totals equals the grand total.
	var dur time.Duration
	var earnings float64
	for _, g := range first.Groups {
		dur += g.Duration
		earnings += g.Earnings
	}
	assert.Equal(t, first.TotalDuration, dur)
	assert.InDelta(t, first.TotalEarnings, earnings, 1e-9)

	// Groups ordered by name.
	require.Len(t, first.Groups, 2)
	assert.Equal(t, "Office", first.Groups[0].Name)
	assert.Equal(t, "Remote", first.Groups[1].Name)
}

func TestAggregateExcludesOpenAndInconsistent(t *testing.T) {
	t.Parallel()
	mem := storage.NewMemory()
	ctx := context.Background()

	_, err := mem.UpsertUser(ctx, domain.User{ID: 1})
	require.NoError(t, err)
	wp, err := mem.CreateWorkplace(ctx, domain.Workplace{UserID: 1, Name: "Office", Rate: 100})
	require.NoError(t, err)

	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	// One honest closed hour.
	end := day.Add(10 * time.Hour)
	_, err = mem.CreateRecord(ctx, domain.Record{UserID: 1, WorkplaceID: wp.ID, Start: day.Add(9 * time.Hour), End: &end})
	require.NoError(t, err)

	// Open record.
	_, err = mem.CreateRecord(ctx, domain.Record{UserID: 1, WorkplaceID: wp.ID, Start: day.Add(11 * time.Hour)})
	require.NoError(t, err)

	rep, err := NewAggregator(mem).Aggregate(ctx, 1, day, day.AddDate(0, 0, 1), day.Add(12*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, time.Hour, rep.TotalDuration)
	assert.InDelta(t, 100.0, rep.TotalEarnings, 1e-9)
	assert.Equal(t, 1, rep.OpenRecords)
}

func TestAggregateFutureEndCountsAsOpen(t *testing.T) {
	t.Parallel()
	mem := storage.NewMemory()
	ctx := context.Background()

	_, err := mem.UpsertUser(ctx, domain.User{ID: 1})
	require.NoError(t, err)
	wp, err := mem.CreateWorkplace(ctx, domain.Workplace{UserID: 1, Name: "Office", Rate: 100})
	require.NoError(t, err)

	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	end := day.Add(10 * time.Hour)
	_, err = mem.CreateRecord(ctx, domain.Record{UserID: 1, WorkplaceID: wp.ID, Start: day.Add(9 * time.Hour), End: &end})
	require.NoError(t, err)

	// Closed on paper, but the end has not happened yet as of `now`.
	futureEnd := day.Add(16 * time.Hour)
	_, err = mem.CreateRecord(ctx, domain.Record{UserID: 1, WorkplaceID: wp.ID, Start: day.Add(11 * time.Hour), End: &futureEnd})
	require.NoError(t, err)

	rep, err := NewAggregator(mem).Aggregate(ctx, 1, day, day.AddDate(0, 0, 1), day.Add(12*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, time.Hour, rep.TotalDuration)
	assert.InDelta(t, 100.0, rep.TotalEarnings, 1e-9)
	assert.Equal(t, 1, rep.OpenRecords)
}

func TestAggregateWindowIsHalfOpen(t *testing.T) {
	t.Parallel()
	mem := storage.NewMemory()
	ctx := context.Background()

	_, err := mem.UpsertUser(ctx, domain.User{ID: 1})
	require.NoError(t, err)
	wp, err := mem.CreateWorkplace(ctx, domain.Workplace{UserID: 1, Name: "Office", Rate: 50})
	require.NoError(t, err)

	from := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)

	// Starts exactly at `to`: outside the window.
	end := to.Add(2 * time.Hour)
	_, err = mem.CreateRecord(ctx, domain.Record{UserID: 1, WorkplaceID: wp.ID, Start: to, End: &end})
	require.NoError(t, err)

	// Starts exactly at `from`: inside.
	end2 := from.Add(time.Hour)
	_, err = mem.CreateRecord(ctx, domain.Record{UserID: 1, WorkplaceID: wp.ID, Start: from, End: &end2})
	require.NoError(t, err)

	rep, err := NewAggregator(mem).Aggregate(ctx, 1, from, to, to)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, rep.TotalDuration)
	assert.Zero(t, rep.OpenRecords)
}
