package ledger

import (
	"errors"
	"fmt"
	"time"
)

// Event is an immutable, hash-chained audit fact. Once appended no field is
// ever rewritten; retention sweeps are the only sanctioned deletion path.
type Event struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	OccurredAt time.Time      `json:"occurred_at"`
	ActorID    string         `json:"actor_id,omitempty"`
	SubjectID  string         `json:"subject_id,omitempty"`
	Payload    map[string]any `json:"payload"`
	Severity   Severity       `json:"severity"`
	PrevHash   string         `json:"prev_hash,omitempty"`
	Hash       string         `json:"hash"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// Input describes an event to append. OccurredAt may be set explicitly for
// replay; the zero value means "now".
type Input struct {
	Name       string
	ActorID    string
	SubjectID  string
	Payload    map[string]any
	Severity   Severity
	OccurredAt time.Time
}

// Filter narrows Query results. Zero-valued fields are ignored.
type Filter struct {
	Name      string
	Severity  Severity
	ActorID   string
	SubjectID string
	From      time.Time
	To        time.Time
	Limit     int
}

var (
	ErrNotFound          = errors.New("ledger: event not found")
	ErrInvalidInput      = errors.New("ledger: invalid input")
	ErrConflictingAppend = errors.New("ledger: conflicting append, tail moved")
)

// IntegrityError reports the first event whose stored hash no longer matches
// the chain. It is surfaced as-is and never repaired.
type IntegrityError struct {
	EventID  string
	Position int
	Reason   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger: integrity violation at event %s (position %d): %s", e.EventID, e.Position, e.Reason)
}

func (e Event) matches(f Filter) bool {
	if f.Name != "" && e.Name != f.Name {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.SubjectID != "" && e.SubjectID != f.SubjectID {
		return false
	}
	if !f.From.IsZero() && e.OccurredAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.OccurredAt.After(f.To) {
		return false
	}
	return true
}
