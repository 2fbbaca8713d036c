package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the structured events the core emits toward the
// messaging collaborator. The collaborator renders and delivers them; the
// core never formats user-facing text.
type EventType string

const (
	EventRecordReminder  EventType = "record_reminder"
	EventReportReady     EventType = "report_ready"
	EventBackupRequested EventType = "backup_requested"
	EventJobFailed       EventType = "job_failed"
)

// Event is the outbound envelope.
type Event struct {
	ID     string
	Type   EventType
	UserID int64 // 0 for service-level events (backup, job failures)
	At     time.Time
	Data   any
}

func NewEvent(typ EventType, userID int64, data any) Event {
	return Event{
		ID:     uuid.NewString(),
		Type:   typ,
		UserID: userID,
		At:     time.Now().UTC(),
		Data:   data,
	}
}

// DedupKey identifies "the same" event for suppression windows.
// The random envelope ID is deliberately excluded.
func (e Event) DedupKey() string {
	return fmt.Sprintf("%s:%d:%s", e.Type, e.UserID, e.At.Format("2006-01-02"))
}

// RecordReminder is the payload of EventRecordReminder.
type RecordReminder struct {
	RecordID      int64
	WorkplaceName string
	StartedAt     time.Time
}

// BackupRequest is the payload of EventBackupRequested.
type BackupRequest struct {
	RequestedAt time.Time
}

// JobFailure is the payload of EventJobFailed.
type JobFailure struct {
	JobID string
	Error string
	At    time.Time
}
