package storage

import (
	"context"
	"embed"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"worklog/internal/domain"
	logx "worklog/pkg/logx"
)

//go:embed migrations_postgres.sql
var pgMigrationsFS embed.FS

type pgStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, err
	}

	st := &pgStore{pool: pool, log: log}
	if err := st.migrate(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	return st, nil
}

func (s *pgStore) migrate(ctx context.Context) error {
	b, err := pgMigrationsFS.ReadFile("migrations_postgres.sql")
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, string(b))
	return err
}

func (s *pgStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *pgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *pgStore) UpsertUser(ctx context.Context, u domain.User) (domain.User, error) {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if strings.TrimSpace(u.Timezone) == "" {
		u.Timezone = "UTC"
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO users(id, username, timezone, created_at) VALUES($1,$2,$3,$4)
		 ON CONFLICT(id) DO UPDATE SET username = excluded.username
		 RETURNING id, COALESCE(username,''), timezone, created_at, tz_synced_at`,
		u.ID, nullStr(u.Username), u.Timezone, u.CreatedAt)
	return scanPGUser(row)
}

func (s *pgStore) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, COALESCE(username,''), timezone, created_at, tz_synced_at FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.User
	for rows.Next() {
		u, err := scanPGUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *pgStore) SetUserTimezone(ctx context.Context, userID int64, zone string, syncedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET timezone = $1, tz_synced_at = $2 WHERE id = $3`,
		zone, syncedAt.UTC(), userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) CreateWorkplace(ctx context.Context, w domain.Workplace) (domain.Workplace, error) {
	if err := domain.ValidateWorkplace(w); err != nil {
		return domain.Workplace{}, err
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO workplaces(user_id, name, rate, created_at) VALUES($1,$2,$3,$4) RETURNING id`,
		w.UserID, strings.TrimSpace(w.Name), w.Rate, w.CreatedAt).Scan(&w.ID)
	return w, err
}

func (s *pgStore) ListWorkplaces(ctx context.Context, userID int64) ([]domain.Workplace, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, rate, created_at FROM workplaces WHERE user_id = $1 ORDER BY id`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Workplace
	for rows.Next() {
		var w domain.Workplace
		if err := rows.Scan(&w.ID, &w.UserID, &w.Name, &w.Rate, &w.CreatedAt); err != nil {
			return nil, err
		}
		w.CreatedAt = w.CreatedAt.UTC()
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *pgStore) CreateRecord(ctx context.Context, r domain.Record) (domain.Record, error) {
	if err := domain.ValidateRecord(r); err != nil {
		return domain.Record{}, err
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO records(user_id, workplace_id, start_ts, end_ts, note) VALUES($1,$2,$3,$4,$5) RETURNING id`,
		r.UserID, r.WorkplaceID, r.Start.UTC(), pgTimePtr(r.End), r.Note).Scan(&r.ID)
	return r, err
}

func (s *pgStore) CloseRecord(ctx context.Context, recordID int64, end time.Time) error {
	var start time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT start_ts FROM records WHERE id = $1 AND end_ts IS NULL`, recordID).Scan(&start)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := domain.ValidateInterval(start, end); err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `UPDATE records SET end_ts = $1 WHERE id = $2`, end.UTC(), recordID)
	return err
}

func (s *pgStore) ListRecordsStartedBetween(ctx context.Context, userID int64, from, to time.Time) ([]domain.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, workplace_id, start_ts, end_ts, note FROM records
		 WHERE user_id = $1 AND start_ts >= $2 AND start_ts < $3 AND NOT pending_delete
		 ORDER BY start_ts`,
		userID, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPGRecords(rows)
}

func (s *pgStore) ListOpenRecordsStartedBefore(ctx context.Context, cutoff time.Time) ([]domain.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, workplace_id, start_ts, end_ts, note FROM records
		 WHERE end_ts IS NULL AND start_ts < $1 AND NOT pending_delete
		 ORDER BY start_ts`,
		cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPGRecords(rows)
}

func (s *pgStore) MarkRecordsForDeletion(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET pending_delete = TRUE
		 WHERE start_ts < $1 AND end_ts IS NOT NULL AND NOT pending_delete`,
		before.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ---- row helpers ----

func scanPGUser(row pgx.Row) (domain.User, error) {
	var u domain.User
	var synced *time.Time
	err := row.Scan(&u.ID, &u.Username, &u.Timezone, &u.CreatedAt, &synced)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, ErrNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	if synced != nil {
		u.LastTimezoneSync = synced.UTC()
	}
	return u, nil
}

func scanPGRecords(rows pgx.Rows) ([]domain.Record, error) {
	var out []domain.Record
	for rows.Next() {
		var r domain.Record
		var end *time.Time
		if err := rows.Scan(&r.ID, &r.UserID, &r.WorkplaceID, &r.Start, &end, &r.Note); err != nil {
			return nil, err
		}
		r.Start = r.Start.UTC()
		if end != nil {
			t := end.UTC()
			r.End = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func pgTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
