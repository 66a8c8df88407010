package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"planvault/internal/catalog"
	"planvault/internal/ledger"
)

func fakePgError(code string) error {
	return &pgconn.PgError{Code: code}
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{db: db, retention: ledger.DefaultRetention()}, mock
}

func TestAppendSwapsTail(t *testing.T) {
	s, mock := newMockStore(t)
	recorded := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("select hash from ledger_tail").
		WillReturnRows(sqlmock.NewRows([]string{"hash"}).AddRow("tail-0"))
	mock.ExpectQuery("insert into audit_events").
		WithArgs(sqlmock.AnyArg(), "role.created", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), "important", "tail-0", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"recorded_at"}).AddRow(recorded))
	mock.ExpectExec("update ledger_tail set hash").
		WithArgs("tail-0", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ev, err := s.Append(context.Background(), ledger.Input{
		Name:     "role.created",
		ActorID:  "admin-1",
		Severity: ledger.SeverityImportant,
		Payload:  map[string]any{"name": "auditor"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if ev.PrevHash != "tail-0" {
		t.Fatalf("prev hash not taken from tail row: %q", ev.PrevHash)
	}
	canonical, err := ledger.CanonicalPayload(ev.Payload)
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if ev.Hash != ledger.ComputeHash("tail-0", canonical) {
		t.Fatalf("hash not chained to tail")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendGivesUpAfterRepeatedTailConflicts(t *testing.T) {
	s, mock := newMockStore(t)

	for i := 0; i <= maxAppendRetries; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery("select hash from ledger_tail").
			WillReturnRows(sqlmock.NewRows([]string{"hash"}).AddRow("tail-0"))
		mock.ExpectQuery("insert into audit_events").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"recorded_at"}).AddRow(time.Now().UTC()))
		// Another appender moved the tail between our read and the swap.
		mock.ExpectExec("update ledger_tail set hash").
			WithArgs("tail-0", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()
	}

	_, err := s.Append(context.Background(), ledger.Input{
		Name:     "role.created",
		Severity: ledger.SeverityImportant,
	})
	if !errors.Is(err, ledger.ErrConflictingAppend) {
		t.Fatalf("expected ErrConflictingAppend, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendRejectsInvalidInput(t *testing.T) {
	s, _ := newMockStore(t)

	_, err := s.Append(context.Background(), ledger.Input{Name: " ", Severity: ledger.SeverityNoise})
	if !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	_, err = s.Append(context.Background(), ledger.Input{Name: "x", Severity: "critical"})
	if !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown severity, got %v", err)
	}
}

func TestTailHash(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("select hash from ledger_tail").
		WillReturnRows(sqlmock.NewRows([]string{"hash"}).AddRow("abc123"))

	tail, err := s.TailHash(context.Background())
	if err != nil {
		t.Fatalf("tail hash: %v", err)
	}
	if tail != "abc123" {
		t.Fatalf("unexpected tail %q", tail)
	}
}

func TestQueryAppliesFilters(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`select .* from audit_events where name = \$1 and severity = \$2 order by occurred_at, recorded_at limit \$3`).
		WithArgs("role.created", "important", 5).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "occurred_at", "actor_id", "subject_id",
			"payload", "severity", "prev_hash", "hash", "recorded_at",
		}).AddRow("ev-1", "role.created", now, "admin-1", "role-1",
			[]byte(`{"name":"auditor"}`), "important", "", "h1", now))

	events, err := s.Query(context.Background(), ledger.Filter{
		Name:     "role.created",
		Severity: ledger.SeverityImportant,
		Limit:    5,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 || events[0].ID != "ev-1" {
		t.Fatalf("unexpected events %+v", events)
	}
	if events[0].Payload["name"] != "auditor" {
		t.Fatalf("payload not decoded: %+v", events[0].Payload)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPurgeStaleCountsDeletedRows(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("delete from audit_events").
		WithArgs("noise", sqlmock.AnyArg(), "important", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 7))

	purged, err := s.PurgeStale(context.Background(), now)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 7 {
		t.Fatalf("expected 7 purged, got %d", purged)
	}
}

func TestCatalogGrantConflictMapsToErrConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("insert into direct_grants").
		WithArgs(sqlmock.AnyArg(), "user-1", "perm-1", sqlmock.AnyArg(), "project_id=p1").
		WillReturnError(fakePgError(pgErrUniqueViolation))

	_, err := s.Grant(context.Background(), "user-1", "perm-1", catalog.Scope{"project_id": "p1"})
	if !errors.Is(err, catalog.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCatalogRevokeMissingGrant(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("delete from direct_grants").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "permission_id", "scope", "created_at"}))

	_, err := s.Revoke(context.Background(), "missing")
	if !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCatalogSnapshotReadsOneTransaction(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select r.name").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("viewer"))
	mock.ExpectQuery("select distinct p.name").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("task.view").AddRow("project.view"))
	mock.ExpectQuery("select g.id, p.name, g.scope").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "scope"}).
			AddRow("grant-1", "task.edit", []byte(`{"project_id":"p1"}`)))
	mock.ExpectCommit()

	snap, err := s.Snapshot(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.HasRole("viewer") {
		t.Fatalf("roles missing: %+v", snap)
	}
	if _, ok := snap.RolePermissions["task.view"]; !ok {
		t.Fatalf("role permissions missing: %+v", snap.RolePermissions)
	}
	if len(snap.Grants) != 1 || snap.Grants[0].Scope["project_id"] != "p1" {
		t.Fatalf("grants missing: %+v", snap.Grants)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
