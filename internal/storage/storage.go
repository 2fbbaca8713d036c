// Package storage is the persistence collaborator for users, workplaces and
// time records. The core only issues read-filtered queries and structured
// write intents through the Store interface; schema management stays inside
// the drivers (embedded bootstrap DDL, no external migration tooling).
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"worklog/internal/domain"
	logx "worklog/pkg/logx"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (modernc, no cgo)
//   - "postgres": PostgreSQL via pgx; DSN required
//   - "memory": in-process store (tests, throwaway runs)
type Config struct {
	Driver      string
	Path        string        // sqlite file path
	DSN         string        // postgres connection string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the core.
type Store interface {
	UpsertUser(ctx context.Context, u domain.User) (domain.User, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	SetUserTimezone(ctx context.Context, userID int64, zone string, syncedAt time.Time) error

	CreateWorkplace(ctx context.Context, w domain.Workplace) (domain.Workplace, error)
	ListWorkplaces(ctx context.Context, userID int64) ([]domain.Workplace, error)

	CreateRecord(ctx context.Context, r domain.Record) (domain.Record, error)
	CloseRecord(ctx context.Context, recordID int64, end time.Time) error
	// ListRecordsStartedBetween returns the user's records whose start
	// timestamp falls in [from, to), excluding records already marked for
	// deletion.
	ListRecordsStartedBetween(ctx context.Context, userID int64, from, to time.Time) ([]domain.Record, error)
	// ListOpenRecordsStartedBefore returns open records across all users
	// started before the cutoff. Used by the unfinished-record sweep.
	ListOpenRecordsStartedBefore(ctx context.Context, cutoff time.Time) ([]domain.Record, error)
	// MarkRecordsForDeletion flags closed records started before the
	// horizon. Actual removal is the storage operator's business.
	MarkRecordsForDeletion(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return nil, ErrDisabled
	case "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
