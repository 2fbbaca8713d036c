package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"worklog/internal/domain"
)

// Memory is an in-process Store. It backs tests and throwaway runs; nothing
// survives a restart.
type Memory struct {
	mu sync.Mutex

	users      map[int64]domain.User
	workplaces map[int64]domain.Workplace
	records    map[int64]domain.Record
	pending    map[int64]bool

	nextWorkplaceID int64
	nextRecordID    int64
}

func NewMemory() *Memory {
	return &Memory{
		users:      map[int64]domain.User{},
		workplaces: map[int64]domain.Workplace{},
		records:    map[int64]domain.Record{},
		pending:    map[int64]bool{},
	}
}

func (m *Memory) Close() error               { return nil }
func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) UpsertUser(_ context.Context, u domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.users[u.ID]; ok {
		cur.Username = u.Username
		m.users[u.ID] = cur
		return cur, nil
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if strings.TrimSpace(u.Timezone) == "" {
		u.Timezone = "UTC"
	}
	m.users[u.ID] = u
	return u, nil
}

func (m *Memory) ListUsers(context.Context) ([]domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetUserTimezone(_ context.Context, userID int64, zone string, syncedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Timezone = zone
	u.LastTimezoneSync = syncedAt
	m.users[userID] = u
	return nil
}

func (m *Memory) CreateWorkplace(_ context.Context, w domain.Workplace) (domain.Workplace, error) {
	if err := domain.ValidateWorkplace(w); err != nil {
		return domain.Workplace{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextWorkplaceID++
	w.ID = m.nextWorkplaceID
	w.Name = strings.TrimSpace(w.Name)
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	m.workplaces[w.ID] = w
	return w, nil
}

func (m *Memory) ListWorkplaces(_ context.Context, userID int64) ([]domain.Workplace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Workplace
	for _, w := range m.workplaces {
		if w.UserID == userID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateRecord(_ context.Context, r domain.Record) (domain.Record, error) {
	if err := domain.ValidateRecord(r); err != nil {
		return domain.Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRecordID++
	r.ID = m.nextRecordID
	m.records[r.ID] = r
	return r, nil
}

func (m *Memory) CloseRecord(_ context.Context, recordID int64, end time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[recordID]
	if !ok || r.End != nil {
		return ErrNotFound
	}
	if err := domain.ValidateInterval(r.Start, end); err != nil {
		return err
	}
	r.End = &end
	m.records[recordID] = r
	return nil
}

func (m *Memory) ListRecordsStartedBetween(_ context.Context, userID int64, from, to time.Time) ([]domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Record
	for id, r := range m.records {
		if m.pending[id] || r.UserID != userID {
			continue
		}
		if r.Start.Before(from) || !r.Start.Before(to) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (m *Memory) ListOpenRecordsStartedBefore(_ context.Context, cutoff time.Time) ([]domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Record
	for id, r := range m.records {
		if m.pending[id] || r.End != nil {
			continue
		}
		if r.Start.Before(cutoff) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (m *Memory) MarkRecordsForDeletion(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.records {
		if m.pending[id] || r.End == nil {
			continue
		}
		if r.Start.Before(before) {
			m.pending[id] = true
			n++
		}
	}
	return n, nil
}

// MarkedForDeletion reports whether a record is flagged. Test helper.
func (m *Memory) MarkedForDeletion(recordID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[recordID]
}
