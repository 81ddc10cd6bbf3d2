package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/cipherdrop/intake-backend/intake"
	"github.com/cipherdrop/intake-backend/storage/migrations"
)

// pgUniqueViolation is the PostgreSQL error code for a unique-constraint
// violation (class 23, integrity constraint violation).
const pgUniqueViolation = "23505"

// PostgresStore implements Store over database/sql with the pgx stdlib
// driver. Each method issues a single statement; concurrent duplicate inserts
// race on the primary key and the loser observes code 23505, which is mapped
// to ErrDuplicate.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an opened database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// RunMigrations applies the embedded goose migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *PostgresStore) Insert(ctx context.Context, rec NewIntake) error {
	query := `
		INSERT INTO intake_requests (id, version, ciphertext, received_at, ip_hash, user_agent, referrer)
		VALUES ($1, $2, $3, $4, $5, $6, $7);
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Version, rec.Ciphertext, rec.ReceivedAt,
		nullable(rec.IPHash), nullable(rec.UserAgent), nullable(rec.Referrer))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert intake: %w", err)
	}
	return nil
}

// requestColumns matches scanRequest. Ciphertext is only selected on Get.
const requestColumns = `id, version, received_at, ip_hash, user_agent, referrer, status, processed_at, note, viewed_at`

func scanRequest(row interface{ Scan(...any) error }, withCiphertext bool) (*intake.IntakeRequest, error) {
	var (
		r           intake.IntakeRequest
		ciphertext  sql.NullString
		ipHash      sql.NullString
		userAgent   sql.NullString
		referrer    sql.NullString
		processedAt sql.NullTime
		note        sql.NullString
		viewedAt    sql.NullTime
	)
	dest := []any{&r.ID, &r.Version}
	if withCiphertext {
		dest = append(dest, &ciphertext)
	}
	dest = append(dest, &r.ReceivedAt, &ipHash, &userAgent, &referrer, &r.Status, &processedAt, &note, &viewedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	r.Ciphertext = ciphertext.String
	r.IPHash = ipHash.String
	r.UserAgent = userAgent.String
	r.Referrer = referrer.String
	if processedAt.Valid {
		t := processedAt.Time.UTC()
		r.ProcessedAt = &t
	}
	if note.Valid {
		n := note.String
		r.Note = &n
	}
	if viewedAt.Valid {
		t := viewedAt.Time.UTC()
		r.ViewedAt = &t
	}
	r.ReceivedAt = r.ReceivedAt.UTC()
	return &r, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*intake.IntakeRequest, error) {
	query := `
		SELECT id, version, ciphertext, received_at, ip_hash, user_agent, referrer, status, processed_at, note, viewed_at
		FROM intake_requests WHERE id = $1;
	`
	row := s.db.QueryRowContext(ctx, query, id)
	r, err := scanRequest(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get intake: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) MarkViewed(ctx context.Context, id string, at time.Time) (time.Time, bool, error) {
	// The viewed_at IS NULL guard makes the first read win; concurrent
	// fetches fall through to the existing timestamp.
	query := `
		UPDATE intake_requests SET viewed_at = $2
		WHERE id = $1 AND viewed_at IS NULL
		RETURNING viewed_at;
	`
	var viewedAt time.Time
	err := s.db.QueryRowContext(ctx, query, id, at).Scan(&viewedAt)
	if err == nil {
		return viewedAt.UTC(), true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, fmt.Errorf("mark viewed: %w", err)
	}

	var existing sql.NullTime
	err = s.db.QueryRowContext(ctx, `SELECT viewed_at FROM intake_requests WHERE id = $1;`, id).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, ErrNotFound
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("mark viewed: %w", err)
	}
	return existing.Time.UTC(), false, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, to intake.Status, at time.Time, note *string) (*intake.IntakeRequest, error) {
	var (
		query string
		args  []any
	)
	switch to {
	case intake.StatusProcessed:
		query = `
			UPDATE intake_requests
			SET status = $2, processed_at = $3, note = COALESCE($4, note)
			WHERE id = $1
			RETURNING ` + requestColumns + `;
		`
		args = []any{id, to, at, note}
	case intake.StatusNew:
		query = `
			UPDATE intake_requests
			SET status = $2, processed_at = NULL
			WHERE id = $1
			RETURNING ` + requestColumns + `;
		`
		args = []any{id, to}
	default:
		return nil, fmt.Errorf("unknown status: %s", to)
	}

	row := s.db.QueryRowContext(ctx, query, args...)
	r, err := scanRequest(row, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) UpdateNote(ctx context.Context, id string, note string) (*intake.IntakeRequest, error) {
	query := `
		UPDATE intake_requests SET note = $2
		WHERE id = $1
		RETURNING ` + requestColumns + `;
	`
	row := s.db.QueryRowContext(ctx, query, id, note)
	r, err := scanRequest(row, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update note: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) List(ctx context.Context, q ListQuery) (*Page, error) {
	query := `SELECT ` + requestColumns + ` FROM intake_requests`
	var (
		conds []string
		args  []any
	)
	if q.Status != nil {
		args = append(args, *q.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if q.Cursor != nil {
		args = append(args, q.Cursor.ReceivedAt, q.Cursor.ID)
		conds = append(conds, fmt.Sprintf("(received_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	args = append(args, q.Limit+1)
	query += fmt.Sprintf(" ORDER BY received_at DESC, id DESC LIMIT $%d;", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list intake: %w", err)
	}
	defer rows.Close()

	var items []intake.IntakeRequest
	for rows.Next() {
		r, err := scanRequest(rows, false)
		if err != nil {
			return nil, fmt.Errorf("list intake: %w", err)
		}
		items = append(items, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list intake: %w", err)
	}

	page := &Page{Items: items}
	if len(items) > q.Limit {
		page.Items = items[:q.Limit]
		last := page.Items[len(page.Items)-1]
		page.NextCursor = &Cursor{ReceivedAt: last.ReceivedAt, ID: last.ID}
	}
	return page, nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev intake.IntakeEvent) error {
	query := `
		INSERT INTO intake_events (intake_id, event, actor, at, meta)
		VALUES ($1, $2, $3, $4, $5);
	`
	var meta any
	if len(ev.Meta) > 0 {
		meta = []byte(ev.Meta)
	}
	_, err := s.db.ExecContext(ctx, query, ev.IntakeID, ev.Event, ev.Actor, ev.At, meta)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, id string) ([]intake.IntakeEvent, error) {
	query := `
		SELECT intake_id, event, actor, at, meta FROM intake_events
		WHERE intake_id = $1 ORDER BY at ASC, id ASC;
	`
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []intake.IntakeEvent
	for rows.Next() {
		var (
			ev   intake.IntakeEvent
			meta []byte
		)
		if err := rows.Scan(&ev.IntakeID, &ev.Event, &ev.Actor, &ev.At, &meta); err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		ev.At = ev.At.UTC()
		if len(meta) > 0 {
			ev.Meta = meta
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}
