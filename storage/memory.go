package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cipherdrop/intake-backend/intake"
)

// MemoryStore is an in-process Store used by tests and local development. It
// mirrors PostgresStore semantics exactly, including duplicate mapping and
// the keyset list ordering.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]*intake.IntakeRequest
	events   []intake.IntakeEvent
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*intake.IntakeRequest)}
}

func (s *MemoryStore) Insert(_ context.Context, rec NewIntake) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[rec.ID]; exists {
		return ErrDuplicate
	}
	s.requests[rec.ID] = &intake.IntakeRequest{
		ID:         rec.ID,
		Version:    rec.Version,
		Ciphertext: rec.Ciphertext,
		ReceivedAt: rec.ReceivedAt.UTC(),
		IPHash:     rec.IPHash,
		UserAgent:  rec.UserAgent,
		Referrer:   rec.Referrer,
		Status:     intake.StatusNew,
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*intake.IntakeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) MarkViewed(_ context.Context, id string, at time.Time) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[id]
	if !ok {
		return time.Time{}, false, ErrNotFound
	}
	if r.ViewedAt != nil {
		return *r.ViewedAt, false, nil
	}
	at = at.UTC()
	r.ViewedAt = &at
	return at, true, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, to intake.Status, at time.Time, note *string) (*intake.IntakeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	r.Status = to
	switch to {
	case intake.StatusProcessed:
		at = at.UTC()
		r.ProcessedAt = &at
		if note != nil {
			n := *note
			r.Note = &n
		}
	case intake.StatusNew:
		r.ProcessedAt = nil
	}
	cp := *r
	cp.Ciphertext = ""
	return &cp, nil
}

func (s *MemoryStore) UpdateNote(_ context.Context, id string, note string) (*intake.IntakeRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	r.Note = &note
	cp := *r
	cp.Ciphertext = ""
	return &cp, nil
}

// before reports whether a sorts strictly after b under
// (receivedAt DESC, id DESC), i.e. whether a belongs on a later page than b.
func before(a, b *intake.IntakeRequest) bool {
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.Before(b.ReceivedAt)
	}
	return a.ID < b.ID
}

func (s *MemoryStore) List(_ context.Context, q ListQuery) (*Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ordered := make([]*intake.IntakeRequest, 0, len(s.requests))
	for _, r := range s.requests {
		if q.Status != nil && r.Status != *q.Status {
			continue
		}
		if q.Cursor != nil {
			anchor := &intake.IntakeRequest{ReceivedAt: q.Cursor.ReceivedAt, ID: q.Cursor.ID}
			if !before(r, anchor) {
				continue
			}
		}
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool { return before(ordered[j], ordered[i]) })

	page := &Page{}
	for i, r := range ordered {
		if i == q.Limit {
			last := page.Items[len(page.Items)-1]
			page.NextCursor = &Cursor{ReceivedAt: last.ReceivedAt, ID: last.ID}
			break
		}
		cp := *r
		cp.Ciphertext = ""
		page.Items = append(page.Items, cp)
	}
	return page, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, ev intake.IntakeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev.At = ev.At.UTC()
	s.events = append(s.events, ev)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, id string) ([]intake.IntakeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []intake.IntakeEvent
	for _, ev := range s.events {
		if ev.IntakeID == id {
			events = append(events, ev)
		}
	}
	return events, nil
}
