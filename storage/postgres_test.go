package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cipherdrop/intake-backend/intake"
)

func newStoreWithMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresStore(db), mock, db
}

func requestRows(received time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "version", "received_at", "ip_hash", "user_agent", "referrer",
		"status", "processed_at", "note", "viewed_at",
	}).AddRow(testID, "1", received, nil, nil, nil, "new", nil, nil, nil)
}

func TestPostgresInsert_Success(t *testing.T) {
	store, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO intake_requests`).
		WithArgs(testID, "1", "blob", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Insert(context.Background(), NewIntake{
		ID: testID, Version: "1", Ciphertext: "blob", ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresInsert_UniqueViolationIsDuplicate(t *testing.T) {
	store, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO intake_requests`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "intake_requests_pkey"})

	err := store.Insert(context.Background(), NewIntake{ID: testID, Version: "1"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got: %v", err)
	}
}

func TestPostgresInsert_OtherErrorIsNotDuplicate(t *testing.T) {
	store, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO intake_requests`).
		WillReturnError(&pgconn.PgError{Code: "53300"}) // too_many_connections

	err := store.Insert(context.Background(), NewIntake{ID: testID, Version: "1"})
	if err == nil || errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected a non-duplicate error, got: %v", err)
	}
}

func TestPostgresMarkViewed_FirstRead(t *testing.T) {
	store, mock, db := newStoreWithMock(t)
	defer db.Close()

	viewed := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`UPDATE intake_requests SET viewed_at .* viewed_at IS NULL`).
		WithArgs(testID, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"viewed_at"}).AddRow(viewed))

	at, first, err := store.MarkViewed(context.Background(), testID, viewed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !first {
		t.Fatal("expected first view to report set=true")
	}
	if !at.Equal(viewed) {
		t.Fatalf("unexpected viewedAt: %v", at)
	}
}

func TestPostgresMarkViewed_AlreadyViewed(t *testing.T) {
	store, mock, db := newStoreWithMock(t)
	defer db.Close()

	existing := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`UPDATE intake_requests SET viewed_at`).
		WillReturnRows(sqlmock.NewRows([]string{"viewed_at"}))
	mock.ExpectQuery(`SELECT viewed_at FROM intake_requests`).
		WithArgs(testID).
		WillReturnRows(sqlmock.NewRows([]string{"viewed_at"}).AddRow(existing))

	at, first, err := store.MarkViewed(context.Background(), testID, time.Now().UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first {
		t.Fatal("expected set=false for an already-viewed row")
	}
	if !at.Equal(existing) {
		t.Fatalf("unexpected viewedAt: %v", at)
	}
}

func TestPostgresMarkViewed_MissingRow(t *testing.T) {
	store, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`UPDATE intake_requests SET viewed_at`).
		WillReturnRows(sqlmock.NewRows([]string{"viewed_at"}))
	mock.ExpectQuery(`SELECT viewed_at FROM intake_requests`).
		WillReturnRows(sqlmock.NewRows([]string{"viewed_at"}))

	_, _, err := store.MarkViewed(context.Background(), testID, time.Now().UTC())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
}

func TestPostgresUpdateStatus_NotFound(t *testing.T) {
	store, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`UPDATE intake_requests`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "version", "received_at", "ip_hash", "user_agent", "referrer",
			"status", "processed_at", "note", "viewed_at",
		}))

	_, err := store.UpdateStatus(context.Background(), testID, intake.StatusNew, time.Now().UTC(), nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
}

func TestPostgresList_OverfetchSetsCursor(t *testing.T) {
	store, mock, db := newStoreWithMock(t)
	defer db.Close()

	base := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "version", "received_at", "ip_hash", "user_agent", "referrer",
		"status", "processed_at", "note", "viewed_at",
	})
	for i := 2; i >= 0; i-- {
		rows.AddRow(seqID(i), "1", base.Add(time.Duration(i)*time.Second), nil, nil, nil, "new", nil, nil, nil)
	}

	// Limit 2 over-fetches 3 rows: two returned, cursor points at the second.
	mock.ExpectQuery(`SELECT .* FROM intake_requests ORDER BY received_at DESC, id DESC LIMIT \$1`).
		WithArgs(3).
		WillReturnRows(rows)

	page, err := store.List(context.Background(), ListQuery{Limit: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(page.Items))
	}
	if page.NextCursor == nil {
		t.Fatal("expected a next cursor")
	}
	if page.NextCursor.ID != page.Items[1].ID {
		t.Fatalf("cursor id %q does not match last item %q", page.NextCursor.ID, page.Items[1].ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresList_CursorAndStatusInWhereClause(t *testing.T) {
	store, mock, db := newStoreWithMock(t)
	defer db.Close()

	cursor := &Cursor{ReceivedAt: time.Now().UTC(), ID: testID}
	status := intake.StatusNew

	mock.ExpectQuery(`SELECT .* FROM intake_requests WHERE status = \$1 AND \(received_at, id\) < \(\$2, \$3\)`).
		WithArgs(string(status), cursor.ReceivedAt, cursor.ID, 11).
		WillReturnRows(requestRows(time.Now().UTC()))

	_, err := store.List(context.Background(), ListQuery{Limit: 10, Cursor: cursor, Status: &status})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresAppendEvent(t *testing.T) {
	store, mock, db := newStoreWithMock(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO intake_events`).
		WithArgs(testID, "mark-processed", "ops@example.com", sqlmock.AnyArg(), []byte(`{"note":"done"}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.AppendEvent(context.Background(), intake.IntakeEvent{
		IntakeID: testID,
		Event:    intake.EventMarkProcessed,
		Actor:    "ops@example.com",
		At:       time.Now().UTC(),
		Meta:     []byte(`{"note":"done"}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
