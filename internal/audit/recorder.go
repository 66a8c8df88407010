package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"planvault/internal/ledger"
	"planvault/internal/obs"
)

// OperationKind names a privileged operation. The kind doubles as the event
// name in the ledger.
type OperationKind string

const (
	OpTokenIssued       OperationKind = "auth.token.issued"
	OpRoleCreated       OperationKind = "role.created"
	OpRoleUpdated       OperationKind = "role.updated"
	OpRoleDeleted       OperationKind = "role.deleted"
	OpPermissionCreated OperationKind = "permission.created"
	OpRoleBound         OperationKind = "user.role_bound"
	OpRoleUnbound       OperationKind = "user.role_unbound"
	OpPermissionBound   OperationKind = "role.permission_granted"
	OpPermissionUnbound OperationKind = "role.permission_revoked"
	OpGrantCreated      OperationKind = "user.permission_granted"
	OpGrantRevoked      OperationKind = "user.permission_revoked"
	OpAuthzChecked      OperationKind = "authz.check"
	OpAuditViewed       OperationKind = "audit.viewed"
	OpChainVerified     OperationKind = "audit.chain_verified"
	OpPurgeExecuted     OperationKind = "audit.purged"
)

// noiseKinds are routine, low-risk operations. Everything else, including
// unknown kinds, is recorded as important.
var noiseKinds = map[OperationKind]struct{}{
	OpAuthzChecked:  {},
	OpAuditViewed:   {},
	OpChainVerified: {},
}

// Severity returns the fixed severity tier for an operation kind.
func (k OperationKind) Severity() ledger.Severity {
	if _, ok := noiseKinds[k]; ok {
		return ledger.SeverityNoise
	}
	return ledger.SeverityImportant
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context so recorded
// events stay correlatable with the HTTP access log.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Recorder is the single choke point that turns privileged operations into
// ledger entries. Every invocation appends exactly one event; batched
// operations must be decomposed by the caller.
type Recorder struct {
	ledger ledger.Service
	stream *Stream
}

// NewRecorder wires the gateway to a ledger and an optional live stream.
func NewRecorder(svc ledger.Service, stream *Stream) (*Recorder, error) {
	if svc == nil {
		return nil, errors.New("audit: ledger service is required")
	}
	return &Recorder{ledger: svc, stream: stream}, nil
}

// Record appends one event for the operation. The actor must identify who
// performed it; an event without attribution is rejected rather than
// silently recorded.
func (r *Recorder) Record(ctx context.Context, kind OperationKind, actor, subject string, details map[string]any) (ledger.Event, error) {
	if strings.TrimSpace(string(kind)) == "" {
		return ledger.Event{}, errors.New("audit: operation kind is required")
	}
	if strings.TrimSpace(actor) == "" {
		return ledger.Event{}, errors.New("audit: actor is required")
	}

	payload := make(map[string]any, len(details)+1)
	for k, v := range details {
		payload[k] = v
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		payload["request_id"] = rid
	}

	ev, err := r.ledger.Append(ctx, ledger.Input{
		Name:      string(kind),
		ActorID:   actor,
		SubjectID: subject,
		Payload:   payload,
		Severity:  kind.Severity(),
	})
	if err != nil {
		// A lost event is an audit gap. Count and log it here so callers
		// that treat emission as best-effort still leave a trace.
		obs.ObserveAppendFailure()
		obs.LogJSON(map[string]any{
			"type":  "audit",
			"level": "error",
			"msg":   "audit append failed",
			"event": string(kind),
			"actor": actor,
			"error": err.Error(),
		})
		return ledger.Event{}, err
	}

	obs.ObserveAppend(string(ev.Severity))
	r.mirror(ev)
	if r.stream != nil {
		r.stream.Publish(ev)
	}
	return ev, nil
}

// mirror writes a structured log line alongside the durable ledger entry.
func (r *Recorder) mirror(ev ledger.Event) {
	entry := map[string]any{
		"ts":       ev.RecordedAt.Format(time.RFC3339Nano),
		"type":     "audit",
		"event":    ev.Name,
		"event_id": ev.ID,
		"severity": ev.Severity,
	}
	if ev.ActorID != "" {
		entry["actor_id"] = ev.ActorID
	}
	if ev.SubjectID != "" {
		entry["subject_id"] = ev.SubjectID
	}
	obs.LogJSON(entry)
}
