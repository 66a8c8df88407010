package audit

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"planvault/internal/ledger"
	"planvault/internal/obs"
)

func newRecorder(t *testing.T) (*Recorder, *ledger.InMemory, *Stream) {
	t.Helper()
	mem := ledger.NewInMemory()
	stream := NewStream()
	rec, err := NewRecorder(mem, stream)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	return rec, mem, stream
}

func TestRecordAppendsExactlyOneEvent(t *testing.T) {
	rec, mem, _ := newRecorder(t)
	ctx := context.Background()

	ev, err := rec.Record(ctx, OpRoleCreated, "admin-1", "role-9", map[string]any{
		"name": "auditor",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if ev.Name != string(OpRoleCreated) {
		t.Fatalf("unexpected event name %q", ev.Name)
	}
	if ev.Severity != ledger.SeverityImportant {
		t.Fatalf("role mutation must be important, got %s", ev.Severity)
	}

	events, err := mem.Query(ctx, ledger.Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one appended event, got %d", len(events))
	}
	if events[0].ActorID != "admin-1" || events[0].SubjectID != "role-9" {
		t.Fatalf("attribution not preserved: %+v", events[0])
	}
}

func TestRecordRequiresActor(t *testing.T) {
	rec, mem, _ := newRecorder(t)

	if _, err := rec.Record(context.Background(), OpRoleDeleted, "  ", "role-1", nil); err == nil {
		t.Fatal("expected error for missing actor")
	}
	events, err := mem.Query(context.Background(), ledger.Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("rejected record must not append, got %d events", len(events))
	}
}

func TestSeverityMapping(t *testing.T) {
	important := []OperationKind{
		OpTokenIssued, OpRoleCreated, OpRoleUpdated, OpRoleDeleted,
		OpPermissionCreated, OpRoleBound, OpRoleUnbound,
		OpPermissionBound, OpPermissionUnbound,
		OpGrantCreated, OpGrantRevoked, OpPurgeExecuted,
	}
	for _, kind := range important {
		if kind.Severity() != ledger.SeverityImportant {
			t.Fatalf("%s must be important", kind)
		}
	}
	noise := []OperationKind{OpAuthzChecked, OpAuditViewed, OpChainVerified}
	for _, kind := range noise {
		if kind.Severity() != ledger.SeverityNoise {
			t.Fatalf("%s must be noise", kind)
		}
	}
	if OperationKind("something.new").Severity() != ledger.SeverityImportant {
		t.Fatal("unknown kinds must default to important")
	}
}

func TestRecordEnrichesRequestID(t *testing.T) {
	rec, _, _ := newRecorder(t)

	ctx := WithRequestID(context.Background(), "req-42")
	ev, err := rec.Record(ctx, OpGrantCreated, "admin-1", "user-3", map[string]any{"permission": "task.edit"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if ev.Payload["request_id"] != "req-42" {
		t.Fatalf("request id missing from payload: %v", ev.Payload)
	}
	if ev.Payload["permission"] != "task.edit" {
		t.Fatalf("caller details lost: %v", ev.Payload)
	}
}

func TestRecordDoesNotMutateCallerDetails(t *testing.T) {
	rec, _, _ := newRecorder(t)

	details := map[string]any{"permission": "task.edit"}
	ctx := WithRequestID(context.Background(), "req-1")
	if _, err := rec.Record(ctx, OpGrantCreated, "admin-1", "user-3", details); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, ok := details["request_id"]; ok {
		t.Fatal("caller map must not be mutated")
	}
}

// brokenLedger fails every operation with a fixed error.
type brokenLedger struct {
	err error
}

func (b brokenLedger) Append(context.Context, ledger.Input) (ledger.Event, error) {
	return ledger.Event{}, b.err
}

func (b brokenLedger) Query(context.Context, ledger.Filter) ([]ledger.Event, error) {
	return nil, b.err
}

func (b brokenLedger) VerifyChain(context.Context, string, string) error { return b.err }

func (b brokenLedger) TailHash(context.Context) (string, error) { return "", b.err }

func (b brokenLedger) PurgeStale(context.Context, time.Time) (int, error) { return 0, b.err }

func TestRecordSurfacesAppendFailure(t *testing.T) {
	var buf bytes.Buffer
	obs.SetOutputForTests(&buf)
	t.Cleanup(func() { obs.SetOutputForTests(os.Stdout) })

	stream := NewStream()
	rec, err := NewRecorder(brokenLedger{err: errors.New("storage unavailable")}, stream)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	ch, cancel := stream.Subscribe(1)
	defer cancel()

	if _, err := rec.Record(context.Background(), OpRoleCreated, "admin-1", "role-1", nil); err == nil {
		t.Fatal("expected the append error to propagate")
	}

	select {
	case ev := <-ch:
		t.Fatalf("failed append must not reach subscribers, got %q", ev.ID)
	default:
	}

	logged := buf.String()
	if !strings.Contains(logged, "audit append failed") {
		t.Fatalf("failure not logged: %q", logged)
	}
	if !strings.Contains(logged, string(OpRoleCreated)) || !strings.Contains(logged, "storage unavailable") {
		t.Fatalf("failure log missing context: %q", logged)
	}
}

func TestStreamDelivery(t *testing.T) {
	rec, _, stream := newRecorder(t)

	ch, cancel := stream.Subscribe(4)
	defer cancel()

	ev, err := rec.Record(context.Background(), OpRoleCreated, "admin-1", "role-1", nil)
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	select {
	case got := <-ch:
		if got.ID != ev.ID {
			t.Fatalf("stream delivered %q, want %q", got.ID, ev.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for streamed event")
	}
}

func TestStreamSlowSubscriberDoesNotBlock(t *testing.T) {
	rec, _, stream := newRecorder(t)

	_, cancel := stream.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			if _, err := rec.Record(context.Background(), OpAuthzChecked, "user-1", "", nil); err != nil {
				t.Errorf("record: %v", err)
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recorder blocked on a slow subscriber")
	}
}

func TestStreamUnsubscribe(t *testing.T) {
	stream := NewStream()
	_, cancel := stream.Subscribe(1)
	if stream.Len() != 1 {
		t.Fatalf("expected one subscriber, got %d", stream.Len())
	}
	cancel()
	cancel()
	if stream.Len() != 0 {
		t.Fatalf("expected no subscribers after cancel, got %d", stream.Len())
	}
}
