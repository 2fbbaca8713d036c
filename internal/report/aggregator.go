// Package report computes per-workplace and total durations and earnings
// over a user's records.
//
// Aggregate is a pure function of (records, workplaces, window, now): it
// only reads, so concurrent calls need no coordination even for the same
// user. Window boundaries arrive already resolved to UTC by the caller;
// no zone conversion happens here.
package report

import (
	"context"
	"sort"
	"time"

	"worklog/internal/domain"
)

// Source is the slice of the storage contract the aggregator reads from.
type Source interface {
	ListRecordsStartedBetween(ctx context.Context, userID int64, from, to time.Time) ([]domain.Record, error)
	ListWorkplaces(ctx context.Context, userID int64) ([]domain.Workplace, error)
}

// WorkplaceTotal is one per-workplace group in a report.
type WorkplaceTotal struct {
	WorkplaceID int64
	Name        string
	Rate        float64
	Duration    time.Duration
	Earnings    float64
}

// Report is the aggregation result. Durations keep full sub-second
// precision; rounding for presentation is the caller's concern.
type Report struct {
	UserID int64
	From   time.Time
	To     time.Time

	Groups        []WorkplaceTotal
	TotalDuration time.Duration
	TotalEarnings float64

	// OpenRecords counts records still open at now. They contribute to no
	// sum; the caller flags incomplete data with this count.
	OpenRecords int
}

type Aggregator struct {
	src Source
}

func NewAggregator(src Source) *Aggregator {
	return &Aggregator{src: src}
}

// Aggregate sums closed records whose start falls in [from, to), grouped by
// workplace. Earnings are duration in hours times the workplace rate. A
// record whose end lies after now has not finished yet and counts as open.
func (a *Aggregator) Aggregate(ctx context.Context, userID int64, from, to, now time.Time) (Report, error) {
	records, err := a.src.ListRecordsStartedBetween(ctx, userID, from, to)
	if err != nil {
		return Report{}, err
	}
	workplaces, err := a.src.ListWorkplaces(ctx, userID)
	if err != nil {
		return Report{}, err
	}

	byID := make(map[int64]domain.Workplace, len(workplaces))
	for _, w := range workplaces {
		byID[w.ID] = w
	}

	rep := Report{UserID: userID, From: from, To: to}
	groups := map[int64]*WorkplaceTotal{}

	for _, r := range records {
		// Open() also absorbs inconsistent intervals (end <= start):
		// they must never poison the sums.
		if r.Open() || r.End.After(now) {
			rep.OpenRecords++
			continue
		}

		g, ok := groups[r.WorkplaceID]
		if !ok {
			w := byID[r.WorkplaceID]
			g = &WorkplaceTotal{WorkplaceID: r.WorkplaceID, Name: w.Name, Rate: w.Rate}
			groups[r.WorkplaceID] = g
		}
		dur := r.Duration()
		g.Duration += dur
		g.Earnings += dur.Hours() * g.Rate

		rep.TotalDuration += dur
		rep.TotalEarnings += dur.Hours() * g.Rate
	}

	rep.Groups = make([]WorkplaceTotal, 0, len(groups))
	for _, g := range groups {
		rep.Groups = append(rep.Groups, *g)
	}
	// Stable output order keeps the result deterministic.
	sort.Slice(rep.Groups, func(i, j int) bool {
		if rep.Groups[i].Name != rep.Groups[j].Name {
			return rep.Groups[i].Name < rep.Groups[j].Name
		}
		return rep.Groups[i].WorkplaceID < rep.Groups[j].WorkplaceID
	})
	return rep, nil
}
