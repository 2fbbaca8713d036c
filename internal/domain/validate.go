package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxWorkplaceName = 100
	maxRecordNote    = 500
)

// ValidationError marks bad caller input. The core rejects it before
// mutating any state.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func validationErr(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ValidateWorkplace checks name and rate constraints.
func ValidateWorkplace(w Workplace) error {
	name := strings.TrimSpace(w.Name)
	if name == "" {
		return validationErr("workplace.name", "must not be empty")
	}
	if utf8.RuneCountInString(name) > maxWorkplaceName {
		return validationErr("workplace.name", fmt.Sprintf("longer than %d characters", maxWorkplaceName))
	}
	if w.Rate < 0 {
		return validationErr("workplace.rate", "must be non-negative")
	}
	return nil
}

// ValidateRecord checks the interval invariant and the note bound.
func ValidateRecord(r Record) error {
	if r.Start.IsZero() {
		return validationErr("record.start", "required")
	}
	if r.End != nil && !r.End.After(r.Start) {
		return validationErr("record.end", "must be strictly after start")
	}
	if utf8.RuneCountInString(r.Note) > maxRecordNote {
		return validationErr("record.note", fmt.Sprintf("longer than %d characters", maxRecordNote))
	}
	return nil
}

// ValidateInterval checks an explicit start/end pair before a record is closed.
func ValidateInterval(start time.Time, end time.Time) error {
	if !end.After(start) {
		return validationErr("record.end", "must be strictly after start")
	}
	return nil
}
