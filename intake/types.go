// Package intake defines the submission data model, the envelope validation
// pipeline, and the workflow state machine for the encrypted intake service.
//
// The service stores ciphertext verbatim and never holds key material, so
// nothing in this package inspects payload contents beyond shape and size.
package intake

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Field limits enforced at the edges. Metadata is clamped rather than
// rejected; notes over the limit are rejected.
const (
	MaxUserAgentBytes = 512
	MaxReferrerBytes  = 1024
	MaxNoteBytes      = 4096

	// DefaultMaxBodyBytes caps the ingestion request body (64 KiB).
	DefaultMaxBodyBytes = 65536

	// DefaultVersion is the single protocol version accepted out of the box.
	DefaultVersion = "1"
)

// Status is the workflow state of a stored submission.
type Status string

const (
	StatusNew       Status = "new"
	StatusProcessed Status = "processed"
)

// ValidStatus reports whether s is a known workflow state.
func ValidStatus(s Status) bool {
	return s == StatusNew || s == StatusProcessed
}

// EventTag identifies an entry in the audit trail.
type EventTag string

const (
	EventViewed        EventTag = "viewed"
	EventMarkProcessed EventTag = "mark-processed"
	EventUnprocessed   EventTag = "unprocessed"
	EventNoteUpdated   EventTag = "note-updated"
)

// transition describes one row of the workflow transition table. Events
// without a target state (viewed, note-updated) never change Status.
type transition struct {
	from map[Status]bool
	to   Status
}

var transitions = map[EventTag]transition{
	EventMarkProcessed: {
		from: map[Status]bool{StatusNew: true, StatusProcessed: true},
		to:   StatusProcessed,
	},
	EventUnprocessed: {
		from: map[Status]bool{StatusNew: true, StatusProcessed: true},
		to:   StatusNew,
	},
}

// Transition returns the state an event moves a submission into. It returns
// false for events that do not mutate state or are not allowed from the
// current state. All status writes must go through this table.
func Transition(current Status, ev EventTag) (Status, bool) {
	t, ok := transitions[ev]
	if !ok {
		return current, false
	}
	if !t.from[current] {
		return current, false
	}
	return t.to, true
}

// IntakeRequest is one stored submission. The id, version, ciphertext and
// request metadata are immutable after the first successful insert; only the
// workflow fields change, and only through admin actions.
type IntakeRequest struct {
	ID         string    `json:"id"`
	Version    string    `json:"version"`
	Ciphertext string    `json:"ciphertext,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`

	IPHash    string `json:"ipHash,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	Referrer  string `json:"referrer,omitempty"`

	Status      Status     `json:"status"`
	ProcessedAt *time.Time `json:"processedAt"`
	Note        *string    `json:"note"`
	ViewedAt    *time.Time `json:"viewedAt"`
}

// IntakeEvent is one append-only audit record. Events reference submissions
// by id but do not own them.
type IntakeEvent struct {
	IntakeID string          `json:"intakeId"`
	Event    EventTag        `json:"event"`
	Actor    string          `json:"actor"`
	At       time.Time       `json:"at"`
	Meta     json.RawMessage `json:"meta,omitempty"`
}

// idPattern matches a lowercase hex SHA-256 digest.
var idPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// NormalizeID lowercases a client-supplied content hash. Every comparison,
// signature check and storage operation works on the normalized form so a
// re-cased resubmission can never create a second row.
func NormalizeID(id string) string {
	return strings.ToLower(id)
}

// ValidateID checks an already-normalized id.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("id must be a 64-character lowercase hex string")
	}
	return nil
}

// VersionSet is an immutable set of accepted protocol versions, built once at
// configuration load.
type VersionSet map[string]struct{}

// NewVersionSet builds a VersionSet, ignoring empty entries. An empty input
// yields a set containing only DefaultVersion.
func NewVersionSet(versions []string) VersionSet {
	s := make(VersionSet, len(versions))
	for _, v := range versions {
		if v == "" {
			continue
		}
		s[v] = struct{}{}
	}
	if len(s) == 0 {
		s[DefaultVersion] = struct{}{}
	}
	return s
}

// Contains reports set membership by exact string match.
func (s VersionSet) Contains(v string) bool {
	_, ok := s[v]
	return ok
}
