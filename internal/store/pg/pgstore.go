package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"planvault/internal/ledger"
)

type Store struct {
	db        *sql.DB
	retention ledger.RetentionPolicy
}

var _ ledger.Service = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db, retention: ledger.DefaultRetention()}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// maxAppendRetries bounds how often Append re-reads the tail after losing a
// compare-and-swap race before giving up with ErrConflictingAppend.
const maxAppendRetries = 3

const pgErrSerializationFailure = "40001"

func (s *Store) Append(ctx context.Context, in ledger.Input) (ledger.Event, error) {
	if err := ledger.ValidateInput(&in); err != nil {
		return ledger.Event{}, err
	}
	payload, err := ledger.CanonicalPayload(in.Payload)
	if err != nil {
		return ledger.Event{}, err
	}
	payloadJSON, err := json.Marshal(in.Payload)
	if err != nil {
		return ledger.Event{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= maxAppendRetries; attempt++ {
		ev, err := s.appendOnce(ctx, in, payload, payloadJSON)
		if err == nil {
			return ev, nil
		}
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrSerializationFailure {
			lastErr = err
			continue
		}
		if errors.Is(err, ledger.ErrConflictingAppend) {
			lastErr = err
			continue
		}
		return ledger.Event{}, err
	}
	return ledger.Event{}, fmt.Errorf("%w: %v", ledger.ErrConflictingAppend, lastErr)
}

// appendOnce runs one tail compare-and-swap round. The single ledger_tail
// row serializes appenders: whoever holds its lock sees the true tail, and
// the conditional update catches any writer that slipped in between.
func (s *Store) appendOnce(ctx context.Context, in ledger.Input, canonical, payloadJSON []byte) (ledger.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Event{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var tail string
	if err := tx.QueryRowContext(ctx, `select hash from ledger_tail where id = 1 for update`).Scan(&tail); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Event{}, errors.New("ledger_tail row missing, run migrations")
		}
		return ledger.Event{}, err
	}

	ev := ledger.Event{
		ID:         uuid.NewString(),
		Name:       in.Name,
		OccurredAt: in.OccurredAt,
		ActorID:    in.ActorID,
		SubjectID:  in.SubjectID,
		Payload:    in.Payload,
		Severity:   in.Severity,
		PrevHash:   tail,
		Hash:       ledger.ComputeHash(tail, canonical),
	}

	if err := tx.QueryRowContext(ctx, `
		insert into audit_events (id, name, occurred_at, actor_id, subject_id, payload, severity, prev_hash, hash)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		returning recorded_at
	`, ev.ID, ev.Name, ev.OccurredAt, nullIfEmpty(ev.ActorID), nullIfEmpty(ev.SubjectID),
		payloadJSON, string(ev.Severity), ev.PrevHash, ev.Hash).Scan(&ev.RecordedAt); err != nil {
		return ledger.Event{}, err
	}

	res, err := tx.ExecContext(ctx, `update ledger_tail set hash = $2 where id = 1 and hash = $1`, tail, ev.Hash)
	if err != nil {
		return ledger.Event{}, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return ledger.Event{}, err
	}
	if aff == 0 {
		return ledger.Event{}, ledger.ErrConflictingAppend
	}

	if err := tx.Commit(); err != nil {
		return ledger.Event{}, err
	}
	return ev, nil
}

const eventColumns = `id, name, occurred_at, coalesce(actor_id,''), coalesce(subject_id,''), payload, severity, prev_hash, hash, recorded_at`

func (s *Store) Query(ctx context.Context, f ledger.Filter) ([]ledger.Event, error) {
	var (
		where []string
		args  []any
		idx   = 1
	)
	add := func(clause string, val any) {
		where = append(where, fmt.Sprintf(clause, idx))
		args = append(args, val)
		idx++
	}
	if f.Name != "" {
		add("name = $%d", f.Name)
	}
	if f.Severity != "" {
		add("severity = $%d", string(f.Severity))
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.SubjectID != "" {
		add("subject_id = $%d", f.SubjectID)
	}
	if !f.From.IsZero() {
		add("occurred_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("occurred_at <= $%d", f.To)
	}

	query := `select ` + eventColumns + ` from audit_events`
	if len(where) > 0 {
		query += ` where ` + strings.Join(where, " and ")
	}
	query += ` order by occurred_at, recorded_at`
	if f.Limit > 0 {
		query += fmt.Sprintf(` limit $%d`, idx)
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Store) VerifyChain(ctx context.Context, fromID, toID string) error {
	rows, err := s.db.QueryContext(ctx, `select `+eventColumns+` from audit_events order by occurred_at, recorded_at`)
	if err != nil {
		return err
	}
	events, err := scanEvents(rows)
	rows.Close()
	if err != nil {
		return err
	}

	rng, err := ledger.SliceRange(events, fromID, toID)
	if err != nil {
		return err
	}
	return ledger.VerifyEvents(rng)
}

func (s *Store) TailHash(ctx context.Context) (string, error) {
	var tail string
	err := s.db.QueryRowContext(ctx, `select hash from ledger_tail where id = 1`).Scan(&tail)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.New("ledger_tail row missing, run migrations")
	}
	if err != nil {
		return "", err
	}
	return tail, nil
}

func (s *Store) PurgeStale(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from audit_events
		where (severity = $1 and occurred_at < $2)
		   or (severity = $3 and occurred_at < $4)
	`, string(ledger.SeverityNoise), now.Add(-s.retention.Noise),
		string(ledger.SeverityImportant), now.Add(-s.retention.Important))
	if err != nil {
		return 0, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(aff), nil
}

func scanEvents(rows *sql.Rows) ([]ledger.Event, error) {
	var events []ledger.Event
	for rows.Next() {
		var (
			ev  ledger.Event
			raw []byte
			sev string
		)
		if err := rows.Scan(&ev.ID, &ev.Name, &ev.OccurredAt, &ev.ActorID, &ev.SubjectID,
			&raw, &sev, &ev.PrevHash, &ev.Hash, &ev.RecordedAt); err != nil {
			return nil, err
		}
		ev.Severity = ledger.Severity(sev)
		ev.Payload = map[string]any{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &ev.Payload); err != nil {
				return nil, fmt.Errorf("decode payload for event %s: %w", ev.ID, err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
