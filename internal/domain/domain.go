// Package domain holds the entities shared by the tracking core: users,
// workplaces, time records, inbound commands and outbound events.
//
// Persistence of these entities belongs to the storage layer; the types here
// carry no storage concerns beyond their IDs.
package domain

import "time"

// User is created on first interaction and never deleted by the core.
type User struct {
	ID        int64
	Username  string
	Timezone  string // IANA zone name, e.g. "Europe/Moscow"; "UTC" by default
	CreatedAt time.Time
	// LastTimezoneSync is the last successful refresh of Timezone against
	// the external lookup service. Zero means never synced.
	LastTimezoneSync time.Time
}

// Workplace is a named earning context owned by exactly one user.
type Workplace struct {
	ID        int64
	UserID    int64
	Name      string
	Rate      float64 // hourly rate, non-negative
	CreatedAt time.Time
}

// Record is a logged time interval against a workplace.
// End is nil while the interval is still open.
type Record struct {
	ID          int64
	UserID      int64
	WorkplaceID int64
	Start       time.Time // UTC
	End         *time.Time
	Note        string
}

// Open reports whether the record has no end timestamp yet.
// A record whose end does not lie strictly after its start is treated as
// open too: that shape violates the record invariant and must never reach
// duration sums.
func (r Record) Open() bool {
	return r.End == nil || !r.End.After(r.Start)
}

// Duration returns the closed interval length, or 0 for open records.
func (r Record) Duration() time.Duration {
	if r.Open() {
		return 0
	}
	return r.End.Sub(r.Start)
}
