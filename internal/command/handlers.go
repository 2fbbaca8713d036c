package command

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"worklog/internal/domain"
	"worklog/internal/report"
	"worklog/internal/storage"
	"worklog/internal/timezone"
	logx "worklog/pkg/logx"
)

// Handlers binds command classes to the core services. Arguments arrive
// already tokenized and time values canonicalized to RFC 3339 by the chat
// collaborator; the core never parses free-form user text.
type Handlers struct {
	store   storage.Store
	reports *report.Aggregator
	zones   *timezone.Resolver
	log     logx.Logger
}

func NewHandlers(store storage.Store, reports *report.Aggregator, zones *timezone.Resolver, log logx.Logger) *Handlers {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handlers{store: store, reports: reports, zones: zones, log: log}
}

// AddRecord handles "start <workplaceID> <startRFC3339> [note...]" and
// "close <recordID> <endRFC3339>".
func (h *Handlers) AddRecord(ctx context.Context, req *Request) error {
	args := req.Cmd.Args
	if len(args) == 0 {
		return &domain.ValidationError{Field: "args", Reason: "subcommand required: start or close"}
	}
	switch args[0] {
	case "start":
		if len(args) < 3 {
			return &domain.ValidationError{Field: "args", Reason: "usage: start <workplace> <time> [note]"}
		}
		wpID, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return &domain.ValidationError{Field: "record.workplace", Reason: "not a numeric id"}
		}
		start, err := time.Parse(time.RFC3339, args[2])
		if err != nil {
			return &domain.ValidationError{Field: "record.start", Reason: "not an RFC 3339 timestamp"}
		}
		rec := domain.Record{
			UserID:      req.Cmd.UserID,
			WorkplaceID: wpID,
			Start:       start.UTC(),
			Note:        strings.Join(args[3:], " "),
		}
		if err := domain.ValidateRecord(rec); err != nil {
			return err
		}
		created, err := h.store.CreateRecord(ctx, rec)
		if err != nil {
			return fmt.Errorf("create record: %w", err)
		}
		req.Result = created
		return nil

	case "close":
		if len(args) != 3 {
			return &domain.ValidationError{Field: "args", Reason: "usage: close <record> <time>"}
		}
		recID, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return &domain.ValidationError{Field: "record.id", Reason: "not a numeric id"}
		}
		end, err := time.Parse(time.RFC3339, args[2])
		if err != nil {
			return &domain.ValidationError{Field: "record.end", Reason: "not an RFC 3339 timestamp"}
		}
		if err := h.store.CloseRecord(ctx, recID, end.UTC()); err != nil {
			return fmt.Errorf("close record: %w", err)
		}
		req.Result = recID
		return nil

	default:
		return &domain.ValidationError{Field: "args", Reason: "unknown subcommand " + args[0]}
	}
}

// Workplaces handles "add <rate> <name...>" and "list".
func (h *Handlers) Workplaces(ctx context.Context, req *Request) error {
	args := req.Cmd.Args
	if len(args) == 0 {
		return &domain.ValidationError{Field: "args", Reason: "subcommand required: add or list"}
	}
	switch args[0] {
	case "add":
		if len(args) < 3 {
			return &domain.ValidationError{Field: "args", Reason: "usage: add <rate> <name>"}
		}
		rate, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return &domain.ValidationError{Field: "workplace.rate", Reason: "not a number"}
		}
		wp := domain.Workplace{
			UserID: req.Cmd.UserID,
			Name:   strings.Join(args[2:], " "),
			Rate:   rate,
		}
		if err := domain.ValidateWorkplace(wp); err != nil {
			return err
		}
		created, err := h.store.CreateWorkplace(ctx, wp)
		if err != nil {
			return fmt.Errorf("create workplace: %w", err)
		}
		req.Result = created
		return nil

	case "list":
		wps, err := h.store.ListWorkplaces(ctx, req.Cmd.UserID)
		if err != nil {
			return fmt.Errorf("list workplaces: %w", err)
		}
		req.Result = wps
		return nil

	default:
		return &domain.ValidationError{Field: "args", Reason: "unknown subcommand " + args[0]}
	}
}

// Reports handles "<fromRFC3339> <toRFC3339>" or no args for the trailing
// seven days. The window is interpreted in the user's zone and queried in
// UTC.
func (h *Handlers) Reports(ctx context.Context, req *Request) error {
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -7)
	to := now

	args := req.Cmd.Args
	if len(args) == 2 {
		var err error
		if from, err = time.Parse(time.RFC3339, args[0]); err != nil {
			return &domain.ValidationError{Field: "report.from", Reason: "not an RFC 3339 timestamp"}
		}
		if to, err = time.Parse(time.RFC3339, args[1]); err != nil {
			return &domain.ValidationError{Field: "report.to", Reason: "not an RFC 3339 timestamp"}
		}
	} else if len(args) != 0 {
		return &domain.ValidationError{Field: "args", Reason: "usage: [<from> <to>]"}
	}
	if err := domain.ValidateInterval(from, to); err != nil {
		return err
	}

	rep, err := h.reports.Aggregate(ctx, req.Cmd.UserID, from.UTC(), to.UTC(), now)
	if err != nil {
		return fmt.Errorf("aggregate: %w", err)
	}
	req.Result = rep
	return nil
}

// Settings handles "timezone <zone>" and "timezone <lat> <lng>". Either way
// the zone is verified through the resolver before it is stored.
func (h *Handlers) Settings(ctx context.Context, req *Request) error {
	args := req.Cmd.Args
	if len(args) == 0 || args[0] != "timezone" {
		return &domain.ValidationError{Field: "args", Reason: "usage: timezone <zone>|<lat> <lng>"}
	}

	var (
		zi  timezone.ZoneInfo
		err error
	)
	switch len(args) {
	case 2:
		zi, err = h.zones.ByName(ctx, args[1])
	case 3:
		lat, laterr := strconv.ParseFloat(args[1], 64)
		lng, lngerr := strconv.ParseFloat(args[2], 64)
		if laterr != nil || lngerr != nil {
			return &domain.ValidationError{Field: "settings.coordinates", Reason: "not numeric"}
		}
		zi, err = h.zones.ByCoordinates(ctx, lat, lng)
	default:
		return &domain.ValidationError{Field: "args", Reason: "usage: timezone <zone>|<lat> <lng>"}
	}
	if err != nil {
		return fmt.Errorf("resolve timezone: %w", err)
	}

	if err := h.store.SetUserTimezone(ctx, req.Cmd.UserID, zi.Name, time.Now().UTC()); err != nil {
		return fmt.Errorf("store timezone: %w", err)
	}
	req.Result = zi
	return nil
}
