package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"planvault/internal/audit"
	"planvault/internal/auth"
	"planvault/internal/ledger"
	"planvault/internal/obs"
)

type verifyRequest struct {
	FromID string `json:"from_id,omitempty"`
	ToID   string `json:"to_id,omitempty"`
}

type eventsResponse struct {
	Items []ledger.Event `json:"items"`
	AsOf  time.Time      `json:"as_of"`
}

func (a *API) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.ledger == nil {
		writeError(w, r, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	if !a.ensurePermission(w, r, permAuditView, nil) {
		return
	}

	f, err := filterFromQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	events, err := a.ledger.Query(r.Context(), f)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	a.recordAudit(r, audit.OpAuditViewed, "", map[string]any{"matched": len(events)})
	writeJSON(w, http.StatusOK, eventsResponse{
		Items: events,
		AsOf:  time.Now().UTC(),
	})
}

func (a *API) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.ledger == nil {
		writeError(w, r, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	if !a.ensurePermission(w, r, permAuditView, nil) {
		return
	}

	// Body is optional; an empty body verifies the whole chain.
	var req verifyRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}

	verr := a.ledger.VerifyChain(r.Context(), strings.TrimSpace(req.FromID), strings.TrimSpace(req.ToID))
	tail, tailErr := a.ledger.TailHash(r.Context())
	if tailErr != nil {
		writeError(w, r, http.StatusInternalServerError, "tail hash unavailable")
		return
	}

	var integrity *ledger.IntegrityError
	switch {
	case verr == nil:
		obs.ObserveVerification("ok")
		a.recordAudit(r, audit.OpChainVerified, "", map[string]any{
			"result":    "ok",
			"tail_hash": tail,
		})
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"tail_hash": tail,
		})
	case errors.As(verr, &integrity):
		obs.ObserveVerification("violation")
		a.recordAudit(r, audit.OpChainVerified, integrity.EventID, map[string]any{
			"result":   "violation",
			"position": integrity.Position,
			"reason":   integrity.Reason,
		})
		writeJSON(w, http.StatusConflict, map[string]any{
			"status":   "violation",
			"event_id": integrity.EventID,
			"position": integrity.Position,
			"reason":   integrity.Reason,
		})
	case errors.Is(verr, ledger.ErrNotFound):
		writeError(w, r, http.StatusNotFound, verr.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "verification failed")
	}
}

func (a *API) handleAuditPurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.ledger == nil {
		writeError(w, r, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	if !a.ensurePermission(w, r, permAuditPurge, nil) {
		return
	}

	purged, err := a.ledger.PurgeStale(r.Context(), time.Now().UTC())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "purge failed")
		return
	}

	a.recordAudit(r, audit.OpPurgeExecuted, "", map[string]any{"purged": purged})
	writeJSON(w, http.StatusOK, map[string]any{"purged": purged})
}

// handleAuditStream pushes newly recorded events as Server-Sent Events.
func (a *API) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	if !a.ensurePermission(w, r, permAuditView, nil) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := a.stream.Subscribe(32)
	defer cancel()

	// Initial comment establishes the stream on the client side.
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

func (a *API) recordAudit(r *http.Request, kind audit.OperationKind, subject string, details map[string]any) {
	if a.recorder == nil {
		return
	}
	actor, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		actor = "system"
	}
	_, _ = a.recorder.Record(r.Context(), kind, actor, subject, details)
}

func filterFromQuery(r *http.Request) (ledger.Filter, error) {
	q := r.URL.Query()
	f := ledger.Filter{
		Name:      strings.TrimSpace(q.Get("name")),
		ActorID:   strings.TrimSpace(q.Get("actor_id")),
		SubjectID: strings.TrimSpace(q.Get("subject_id")),
	}
	if raw := strings.TrimSpace(q.Get("severity")); raw != "" {
		sev, err := ledger.ParseSeverity(raw)
		if err != nil {
			return ledger.Filter{}, err
		}
		f.Severity = sev
	}
	if raw := strings.TrimSpace(q.Get("from")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return ledger.Filter{}, errors.New("from must be RFC3339")
		}
		f.From = t
	}
	if raw := strings.TrimSpace(q.Get("to")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return ledger.Filter{}, errors.New("to must be RFC3339")
		}
		f.To = t
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 1000 {
			return ledger.Filter{}, errors.New("limit must be between 1 and 1000")
		}
		f.Limit = v
	}
	return f, nil
}

func handleLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrConflictingAppend):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
