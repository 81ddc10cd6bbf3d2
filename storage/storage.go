// Package storage persists intake submissions and their audit trail.
//
// Two implementations exist: PostgresStore for production and MemoryStore for
// tests and local development. Deduplication relies entirely on the store's
// uniqueness guarantee for the submission id; there is no application-level
// locking anywhere in the write path.
package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cipherdrop/intake-backend/intake"
)

// Sentinel errors returned by Store implementations. Handlers branch on these
// with errors.Is and never inspect error text.
var (
	// ErrDuplicate reports that a submission with the same id already
	// exists. This is the idempotent-retry signal, not a failure.
	ErrDuplicate = errors.New("duplicate submission id")

	// ErrNotFound reports that no submission exists for the given id.
	ErrNotFound = errors.New("submission not found")
)

// NewIntake carries the normalized envelope plus request metadata for the
// single atomic insert.
type NewIntake struct {
	ID         string
	Version    string
	Ciphertext string
	ReceivedAt time.Time
	IPHash     string
	UserAgent  string
	Referrer   string
}

// ListQuery selects a page of submissions ordered by
// (receivedAt DESC, id DESC).
type ListQuery struct {
	Limit  int
	Cursor *Cursor
	Status *intake.Status
}

// Page is one page of list results. NextCursor is nil on the last page.
type Page struct {
	Items      []intake.IntakeRequest
	NextCursor *Cursor
}

// Store is the persistence surface for submissions and audit events. Every
// method is a single atomic operation against the backing store.
type Store interface {
	// Insert writes a new submission. Returns ErrDuplicate when a row with
	// the same id already exists; the existing row is never modified.
	Insert(ctx context.Context, rec NewIntake) error

	// Get fetches one submission including its ciphertext.
	Get(ctx context.Context, id string) (*intake.IntakeRequest, error)

	// MarkViewed sets viewedAt if and only if it is still unset. It returns
	// the effective viewedAt and whether this call was the one that set it.
	MarkViewed(ctx context.Context, id string, at time.Time) (time.Time, bool, error)

	// UpdateStatus moves a submission into the given workflow state,
	// maintaining processedAt, and optionally replacing the note. Returns the
	// updated row.
	UpdateStatus(ctx context.Context, id string, to intake.Status, at time.Time, note *string) (*intake.IntakeRequest, error)

	// UpdateNote replaces the note without changing workflow state.
	UpdateNote(ctx context.Context, id string, note string) (*intake.IntakeRequest, error)

	// List returns a page of submissions (without ciphertext).
	List(ctx context.Context, q ListQuery) (*Page, error)

	// AppendEvent appends one audit record.
	AppendEvent(ctx context.Context, ev intake.IntakeEvent) error

	// ListEvents returns the audit trail for one submission, oldest first.
	ListEvents(ctx context.Context, id string) ([]intake.IntakeEvent, error)
}

// Cursor is an opaque keyset-pagination token encoding the last-seen
// (receivedAt, id) pair. The next page selects rows strictly before that pair
// under (receivedAt DESC, id DESC); the id tie-break keeps the order total
// even when many rows share a timestamp.
type Cursor struct {
	ReceivedAt time.Time
	ID         string
}

// Encode serializes the cursor into its URL-safe wire form.
func (c Cursor) Encode() string {
	raw := fmt.Sprintf("%d.%s", c.ReceivedAt.UnixNano(), c.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a client-supplied cursor. Anything that does not
// round-trip through Encode is rejected.
func DecodeCursor(s string) (*Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding")
	}
	nanosStr, id, ok := strings.Cut(string(raw), ".")
	if !ok {
		return nil, fmt.Errorf("invalid cursor format")
	}
	nanos, err := strconv.ParseInt(nanosStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor timestamp")
	}
	id = intake.NormalizeID(id)
	if err := intake.ValidateID(id); err != nil {
		return nil, fmt.Errorf("invalid cursor id")
	}
	return &Cursor{ReceivedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}
