package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"worklog/internal/domain"
	logx "worklog/pkg/logx"
)

//go:embed migrations_sqlite.sql
var sqliteMigrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := sqliteMigrationsFS.ReadFile("migrations_sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqliteStore) UpsertUser(ctx context.Context, u domain.User) (domain.User, error) {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if strings.TrimSpace(u.Timezone) == "" {
		u.Timezone = "UTC"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, username, timezone, created_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET username=excluded.username`,
		u.ID, nullStr(u.Username), u.Timezone, fmtTime(u.CreatedAt),
	)
	if err != nil {
		return domain.User{}, err
	}
	return s.getUser(ctx, u.ID)
}

func (s *sqliteStore) getUser(ctx context.Context, id int64) (domain.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, COALESCE(username,''), timezone, created_at, tz_synced_at FROM users WHERE id = ?`, id)
	return scanUserRow(row)
}

func (s *sqliteStore) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, COALESCE(username,''), timezone, created_at, tz_synced_at FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.User
	for rows.Next() {
		u, err := scanUserRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetUserTimezone(ctx context.Context, userID int64, zone string, syncedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET timezone = ?, tz_synced_at = ? WHERE id = ?`,
		zone, fmtTime(syncedAt), userID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) CreateWorkplace(ctx context.Context, w domain.Workplace) (domain.Workplace, error) {
	if err := domain.ValidateWorkplace(w); err != nil {
		return domain.Workplace{}, err
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO workplaces(user_id, name, rate, created_at) VALUES(?,?,?,?)`,
		w.UserID, strings.TrimSpace(w.Name), w.Rate, fmtTime(w.CreatedAt))
	if err != nil {
		return domain.Workplace{}, err
	}
	w.ID, err = res.LastInsertId()
	return w, err
}

func (s *sqliteStore) ListWorkplaces(ctx context.Context, userID int64) ([]domain.Workplace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, rate, created_at FROM workplaces WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Workplace
	for rows.Next() {
		var w domain.Workplace
		var created string
		if err := rows.Scan(&w.ID, &w.UserID, &w.Name, &w.Rate, &created); err != nil {
			return nil, err
		}
		w.CreatedAt = parseTime(created)
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CreateRecord(ctx context.Context, r domain.Record) (domain.Record, error) {
	if err := domain.ValidateRecord(r); err != nil {
		return domain.Record{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO records(user_id, workplace_id, start_ts, end_ts, note) VALUES(?,?,?,?,?)`,
		r.UserID, r.WorkplaceID, fmtTime(r.Start), fmtTimePtr(r.End), r.Note)
	if err != nil {
		return domain.Record{}, err
	}
	r.ID, err = res.LastInsertId()
	return r, err
}

func (s *sqliteStore) CloseRecord(ctx context.Context, recordID int64, end time.Time) error {
	var start string
	err := s.db.QueryRowContext(ctx,
		`SELECT start_ts FROM records WHERE id = ? AND end_ts IS NULL`, recordID).Scan(&start)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := domain.ValidateInterval(parseTime(start), end); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE records SET end_ts = ? WHERE id = ?`, fmtTime(end), recordID)
	return err
}

func (s *sqliteStore) ListRecordsStartedBetween(ctx context.Context, userID int64, from, to time.Time) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, workplace_id, start_ts, end_ts, note FROM records
		 WHERE user_id = ? AND start_ts >= ? AND start_ts < ? AND pending_delete = 0
		 ORDER BY start_ts`,
		userID, fmtTime(from), fmtTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *sqliteStore) ListOpenRecordsStartedBefore(ctx context.Context, cutoff time.Time) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, workplace_id, start_ts, end_ts, note FROM records
		 WHERE end_ts IS NULL AND start_ts < ? AND pending_delete = 0
		 ORDER BY start_ts`,
		fmtTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *sqliteStore) MarkRecordsForDeletion(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET pending_delete = 1
		 WHERE start_ts < ? AND end_ts IS NOT NULL AND pending_delete = 0`,
		fmtTime(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- row helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUserRow(row rowScanner) (domain.User, error) {
	var u domain.User
	var created string
	var synced sql.NullString
	err := row.Scan(&u.ID, &u.Username, &u.Timezone, &created, &synced)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, ErrNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	u.CreatedAt = parseTime(created)
	if synced.Valid {
		u.LastTimezoneSync = parseTime(synced.String)
	}
	return u, nil
}

func scanRecords(rows *sql.Rows) ([]domain.Record, error) {
	var out []domain.Record
	for rows.Next() {
		var r domain.Record
		var start string
		var end sql.NullString
		if err := rows.Scan(&r.ID, &r.UserID, &r.WorkplaceID, &start, &end, &r.Note); err != nil {
			return nil, err
		}
		r.Start = parseTime(start)
		if end.Valid {
			t := parseTime(end.String)
			r.End = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// timeLayout is fixed width so stored text compares and sorts the same way
// the instants do. RFC3339Nano trims trailing fractional zeros, which breaks
// lexicographic order when whole-second and fractional values mix.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t.UTC()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
