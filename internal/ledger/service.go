package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Service defines the append-only hash-chain ledger operations.
type Service interface {
	// Append computes the new event's hash against the current tail and
	// commits it as the new tail in a single atomic step.
	Append(ctx context.Context, in Input) (Event, error)
	// Query returns events matching the filter in ascending occurrence
	// order. Read-only; chain state is unaffected.
	Query(ctx context.Context, f Filter) ([]Event, error)
	// VerifyChain recomputes hashes over the inclusive [fromID, toID]
	// range (empty = open boundary) and returns an *IntegrityError on the
	// first mismatch.
	VerifyChain(ctx context.Context, fromID, toID string) error
	// TailHash returns the hash of the most recently appended event, or ""
	// for an empty chain. Callers use it as a verification checkpoint.
	TailHash(ctx context.Context) (string, error)
	// PurgeStale deletes events past their retention window as of now.
	// This is the single sanctioned deletion path and is never automatic.
	PurgeStale(ctx context.Context, now time.Time) (int, error)
}

// ValidateInput normalizes an append input in place. Storage backends share
// it so both paths reject the same inputs.
func ValidateInput(in *Input) error {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return fmt.Errorf("%w: event name is required", ErrInvalidInput)
	}
	if !in.Severity.Valid() {
		return fmt.Errorf("%w: severity is required", ErrInvalidInput)
	}
	if in.OccurredAt.IsZero() {
		in.OccurredAt = time.Now().UTC()
	}
	if in.Payload == nil {
		in.Payload = map[string]any{}
	}
	return nil
}

// InMemory implements Service with in-process serialization of the append
// path. The mutex is the equivalent of the storage layer's tail
// compare-and-swap: two appends can never observe the same tail.
type InMemory struct {
	mu        sync.Mutex
	events    []Event
	tail      string
	retention RetentionPolicy
}

// NewInMemory creates an empty ledger with the default retention policy.
func NewInMemory() *InMemory {
	return &InMemory{retention: DefaultRetention()}
}

func (s *InMemory) Append(ctx context.Context, in Input) (Event, error) {
	if err := ValidateInput(&in); err != nil {
		return Event{}, err
	}
	payload, err := CanonicalPayload(in.Payload)
	if err != nil {
		return Event{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ev := Event{
		ID:         uuid.NewString(),
		Name:       in.Name,
		OccurredAt: in.OccurredAt,
		ActorID:    in.ActorID,
		SubjectID:  in.SubjectID,
		Payload:    in.Payload,
		Severity:   in.Severity,
		PrevHash:   s.tail,
		Hash:       ComputeHash(s.tail, payload),
		RecordedAt: time.Now().UTC(),
	}
	s.events = append(s.events, ev)
	s.tail = ev.Hash
	return ev, nil
}

func (s *InMemory) Query(ctx context.Context, f Filter) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res []Event
	for _, ev := range s.ordered() {
		if !ev.matches(f) {
			continue
		}
		res = append(res, ev)
		if f.Limit > 0 && len(res) >= f.Limit {
			break
		}
	}
	return res, nil
}

func (s *InMemory) VerifyChain(ctx context.Context, fromID, toID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rng, err := SliceRange(s.ordered(), fromID, toID)
	if err != nil {
		return err
	}
	return VerifyEvents(rng)
}

func (s *InMemory) TailHash(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tail, nil
}

func (s *InMemory) PurgeStale(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	purged := 0
	for _, ev := range s.events {
		if s.retention.Stale(ev, now) {
			purged++
			continue
		}
		kept = append(kept, ev)
	}
	s.events = kept
	return purged, nil
}

// TamperForTests rewrites a stored payload in place without recomputing the
// hash, simulating out-of-band mutation. Only intended for test use.
func (s *InMemory) TamperForTests(index int, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.events) {
		return
	}
	s.events[index].Payload = payload
}

// ordered returns a copy sorted by (occurred_at, recorded_at). Events land
// in the slice in insertion order, so the stable sort preserves ties.
func (s *InMemory) ordered() []Event {
	out := make([]Event, len(s.events))
	copy(out, s.events)
	SortEvents(out)
	return out
}
