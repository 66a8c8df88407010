package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func appendN(t *testing.T, s *InMemory, n int) []Event {
	t.Helper()
	ctx := context.Background()
	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		ev, err := s.Append(ctx, Input{
			Name:     "role.created",
			ActorID:  "actor-1",
			Payload:  map[string]any{"seq": i},
			Severity: SeverityImportant,
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestAppendLinksChain(t *testing.T) {
	s := NewInMemory()
	events := appendN(t, s, 3)

	if events[0].PrevHash != "" {
		t.Fatalf("genesis event must have empty prev_hash, got %q", events[0].PrevHash)
	}
	for i := 1; i < len(events); i++ {
		if events[i].PrevHash != events[i-1].Hash {
			t.Fatalf("event %d not linked to predecessor", i)
		}
	}
	tail, err := s.TailHash(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tail != events[2].Hash {
		t.Fatalf("tail %s != last hash %s", tail, events[2].Hash)
	}
	if err := s.VerifyChain(context.Background(), "", ""); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestAppendValidatesInput(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if _, err := s.Append(ctx, Input{Name: " ", Severity: SeverityNoise}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := s.Append(ctx, Input{Name: "x.y", Severity: "loud"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for severity, got %v", err)
	}
}

func TestVerifyDetectsPayloadTampering(t *testing.T) {
	s := NewInMemory()
	appendN(t, s, 5)

	// Out-of-band edit to the stored payload of the third event.
	s.events[2].Payload["seq"] = 999

	err := s.VerifyChain(context.Background(), "", "")
	var integ *IntegrityError
	if !errors.As(err, &integ) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if integ.Position != 2 {
		t.Fatalf("violation must be reported at the tampered position, got %d", integ.Position)
	}
	if integ.EventID != s.events[2].ID {
		t.Fatalf("violation reported wrong event: %s", integ.EventID)
	}

	// Everything before the tampered event still verifies.
	if err := s.VerifyChain(context.Background(), s.events[0].ID, s.events[1].ID); err != nil {
		t.Fatalf("prefix should verify: %v", err)
	}
}

func TestVerifyDetectsHashRewrite(t *testing.T) {
	s := NewInMemory()
	appendN(t, s, 3)

	s.events[1].Hash = "deadbeef"

	err := s.VerifyChain(context.Background(), "", "")
	var integ *IntegrityError
	if !errors.As(err, &integ) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
	if integ.Position != 1 {
		t.Fatalf("expected violation at position 1, got %d", integ.Position)
	}
}

func TestVerifyRangeUnknownID(t *testing.T) {
	s := NewInMemory()
	appendN(t, s, 2)
	if err := s.VerifyChain(context.Background(), "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentAppendsFormOneChain(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Append(ctx, Input{
				Name:     "authz.check",
				Payload:  map[string]any{"allowed": true},
				Severity: SeverityNoise,
			})
		}()
	}
	wg.Wait()

	events, err := s.Query(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != n {
		t.Fatalf("expected %d events, got %d", n, len(events))
	}
	if err := s.VerifyChain(ctx, "", ""); err != nil {
		t.Fatalf("forked or broken chain: %v", err)
	}
}

func TestQueryFilters(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	inputs := []Input{
		{Name: "user.login", ActorID: "u1", Severity: SeverityNoise, OccurredAt: base},
		{Name: "role.created", ActorID: "u2", SubjectID: "r1", Severity: SeverityImportant, OccurredAt: base.Add(time.Minute)},
		{Name: "user.login", ActorID: "u2", Severity: SeverityNoise, OccurredAt: base.Add(2 * time.Minute)},
	}
	for _, in := range inputs {
		if _, err := s.Append(ctx, in); err != nil {
			t.Fatal(err)
		}
	}

	byName, _ := s.Query(ctx, Filter{Name: "user.login"})
	if len(byName) != 2 {
		t.Fatalf("name filter: expected 2, got %d", len(byName))
	}
	bySeverity, _ := s.Query(ctx, Filter{Severity: SeverityImportant})
	if len(bySeverity) != 1 || bySeverity[0].Name != "role.created" {
		t.Fatalf("severity filter mismatch: %+v", bySeverity)
	}
	byActor, _ := s.Query(ctx, Filter{ActorID: "u2"})
	if len(byActor) != 2 {
		t.Fatalf("actor filter: expected 2, got %d", len(byActor))
	}
	byRange, _ := s.Query(ctx, Filter{From: base.Add(30 * time.Second), To: base.Add(90 * time.Second)})
	if len(byRange) != 1 || byRange[0].Name != "role.created" {
		t.Fatalf("time range filter mismatch: %+v", byRange)
	}
	limited, _ := s.Query(ctx, Filter{Limit: 1})
	if len(limited) != 1 || limited[0].OccurredAt != base {
		t.Fatalf("limit must keep ascending occurrence order: %+v", limited)
	}
}

func TestQueryOrderedByOccurrence(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	// Replayed event with an older occurrence timestamp appended last.
	_, _ = s.Append(ctx, Input{Name: "a", Severity: SeverityNoise, OccurredAt: base.Add(time.Hour)})
	_, _ = s.Append(ctx, Input{Name: "b", Severity: SeverityNoise, OccurredAt: base})

	events, _ := s.Query(ctx, Filter{})
	if events[0].Name != "b" || events[1].Name != "a" {
		t.Fatalf("expected occurrence order, got %s then %s", events[0].Name, events[1].Name)
	}
}

func TestPurgeStaleAndCheckpointVerify(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	old := Input{Name: "user.login", Severity: SeverityNoise, OccurredAt: now.Add(-8 * 24 * time.Hour)}
	keptImportant := Input{Name: "role.created", Severity: SeverityImportant, OccurredAt: now.Add(-30 * 24 * time.Hour)}
	fresh := Input{Name: "user.login", Severity: SeverityNoise, OccurredAt: now.Add(-time.Hour)}

	if _, err := s.Append(ctx, old); err != nil {
		t.Fatal(err)
	}
	ev2, err := s.Append(ctx, keptImportant)
	if err != nil {
		t.Fatal(err)
	}
	ev3, err := s.Append(ctx, fresh)
	if err != nil {
		t.Fatal(err)
	}

	purged, err := s.PurgeStale(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged event, got %d", purged)
	}

	// The surviving range still verifies: ev2's stored prev_hash is the
	// purged event's hash and serves as the trust anchor.
	if err := s.VerifyChain(ctx, ev2.ID, ev3.ID); err != nil {
		t.Fatalf("checkpoint-anchored verify failed: %v", err)
	}
}

func TestRetentionPolicyWindows(t *testing.T) {
	p := DefaultRetention()
	now := time.Now().UTC()

	noise := Event{Severity: SeverityNoise, OccurredAt: now.Add(-8 * 24 * time.Hour)}
	if !p.Stale(noise, now) {
		t.Fatal("noise older than 7 days must be stale")
	}
	important := Event{Severity: SeverityImportant, OccurredAt: now.Add(-8 * 24 * time.Hour)}
	if p.Stale(important, now) {
		t.Fatal("important events keep the 90-day window")
	}
	ancient := Event{Severity: SeverityImportant, OccurredAt: now.Add(-91 * 24 * time.Hour)}
	if !p.Stale(ancient, now) {
		t.Fatal("important older than 90 days must be stale")
	}
}

func TestParseSeverity(t *testing.T) {
	if s, err := ParseSeverity(" Important "); err != nil || s != SeverityImportant {
		t.Fatalf("parse important: %v %v", s, err)
	}
	if _, err := ParseSeverity("critical"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
