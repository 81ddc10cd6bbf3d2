package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cipherdrop/intake-backend/intake"
	"github.com/cipherdrop/intake-backend/metrics"
	"github.com/cipherdrop/intake-backend/storage"
)

// DefaultIdentityHeader is the platform-asserted operator identity header.
// The outer access-control layer is assumed to set it, but is not trusted
// exclusively: the allowlist check below is deliberate defense-in-depth.
const DefaultIdentityHeader = "Cf-Access-Authenticated-User-Email"

// List pagination bounds.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// OperatorSet is an immutable, lowercase allowlist of operator identities.
// An empty set admits any authenticated identity.
type OperatorSet map[string]struct{}

// NewOperatorSet builds an OperatorSet, normalizing entries to lowercase.
func NewOperatorSet(ids []string) OperatorSet {
	s := make(OperatorSet, len(ids))
	for _, id := range ids {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == "" {
			continue
		}
		s[id] = struct{}{}
	}
	return s
}

// Allows reports whether an already-lowercased identity is admitted.
func (s OperatorSet) Allows(identity string) bool {
	if len(s) == 0 {
		return true
	}
	_, ok := s[identity]
	return ok
}

// AdminConfig is the parsed admin API configuration.
type AdminConfig struct {
	// IdentityHeader names the header carrying the operator identity.
	IdentityHeader string

	// Operators is the optional identity allowlist.
	Operators OperatorSet

	// UIOrigin is the single origin allowed to call the admin API from a
	// browser, with credentials.
	UIOrigin string
}

// AdminHandler serves the operator workflow: listing, viewing, annotating and
// processing stored submissions. Every mutation (including the implicit
// viewed transition) appends an audit event.
type AdminHandler struct {
	cfg   AdminConfig
	store storage.Store
	log   *slog.Logger
}

// NewAdminHandler creates the admin API handler. An empty IdentityHeader
// falls back to DefaultIdentityHeader.
func NewAdminHandler(cfg AdminConfig, store storage.Store, log *slog.Logger) *AdminHandler {
	if cfg.IdentityHeader == "" {
		cfg.IdentityHeader = DefaultIdentityHeader
	}
	return &AdminHandler{
		cfg:   cfg,
		store: store,
		log:   log,
	}
}

// Router returns the admin API router, mounted under /api/admin.
func (h *AdminHandler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(h.headers)
	r.Use(h.authenticate)

	r.Get("/intake", h.handleList)
	r.Get("/intake/{id}", h.handleGet)
	r.Get("/intake/{id}/events", h.handleEvents)
	r.Post("/intake/{id}/mark-processed", h.handleMarkProcessed)
	r.Post("/intake/{id}/note", h.handleNote)
	r.Post("/intake/{id}/unprocess", h.handleUnprocess)

	return r
}

// headers sets the admin-wide response headers, answers CORS for the single
// configured UI origin with credentials, and short-circuits preflight
// requests before authentication runs.
func (h *AdminHandler) headers(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Add("Vary", "Origin")

		origin := r.Header.Get("Origin")
		if origin != "" && origin == h.cfg.UIOrigin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type actorKey struct{}

// authenticate verifies the platform-asserted identity header and the
// optional operator allowlist. Identities are matched case-insensitively.
func (h *AdminHandler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := strings.TrimSpace(r.Header.Get(h.cfg.IdentityHeader))
		if identity == "" {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		identity = strings.ToLower(identity)
		if !h.cfg.Operators.Allows(identity) {
			h.log.Warn("Operator not in allowlist", "operator", identity)
			writeError(w, http.StatusForbidden, "Forbidden")
			return
		}

		ctx := context.WithValue(r.Context(), actorKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actor(ctx context.Context) string {
	id, _ := ctx.Value(actorKey{}).(string)
	return id
}

// audit appends one event to the trail. Failures are logged and swallowed:
// the admin action has already committed and must not be rolled back or
// reported as failed because of audit trouble.
func (h *AdminHandler) audit(ctx context.Context, intakeID string, ev intake.EventTag, meta any) {
	record := intake.IntakeEvent{
		IntakeID: intakeID,
		Event:    ev,
		Actor:    actor(ctx),
		At:       time.Now().UTC(),
	}
	if meta != nil {
		raw, err := json.Marshal(meta)
		if err != nil {
			h.log.Error("Failed to encode audit metadata", "err", err, "event", ev)
		} else {
			record.Meta = raw
		}
	}

	if err := h.store.AppendEvent(ctx, record); err != nil {
		h.log.Error("Failed to append audit event", "err", err, "event", ev, "id", intakeID)
	}
	metrics.IncAdminAction(string(ev))
}

// intakeID validates the {id} path parameter, normalized to lowercase.
func intakeID(r *http.Request) (string, error) {
	id := intake.NormalizeID(chi.URLParam(r, "id"))
	if err := intake.ValidateID(id); err != nil {
		return "", err
	}
	return id, nil
}

func (h *AdminHandler) writeStoreError(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	h.log.Error("Admin store operation failed", "err", err, "op", op)
	writeError(w, http.StatusInternalServerError, "Database error")
}

// handleList returns one page of submissions ordered by
// (receivedAt DESC, id DESC).
//
// Endpoint: GET /api/admin/intake?limit=&cursor=&status=
func (h *AdminHandler) handleList(w http.ResponseWriter, r *http.Request) {
	q := storage.ListQuery{Limit: DefaultListLimit}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if limit > MaxListLimit {
			limit = MaxListLimit
		}
		q.Limit = limit
	}

	if raw := r.URL.Query().Get("cursor"); raw != "" {
		cursor, err := storage.DecodeCursor(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		q.Cursor = cursor
	}

	if raw := r.URL.Query().Get("status"); raw != "" {
		status := intake.Status(raw)
		if !intake.ValidStatus(status) {
			writeError(w, http.StatusBadRequest, "invalid status filter")
			return
		}
		q.Status = &status
	}

	page, err := h.store.List(r.Context(), q)
	if err != nil {
		h.writeStoreError(w, err, "list")
		return
	}

	resp := map[string]any{
		"ok":       true,
		"requests": page.Items,
	}
	if page.NextCursor != nil {
		resp["nextCursor"] = page.NextCursor.Encode()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGet fetches one submission including its ciphertext. The first
// successful fetch sets viewedAt as a side effect and is recorded in the
// audit trail; later fetches leave it untouched.
//
// Endpoint: GET /api/admin/intake/{id}
func (h *AdminHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := intakeID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	req, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "get")
		return
	}

	viewedAt, first, err := h.store.MarkViewed(r.Context(), id, time.Now().UTC())
	if err != nil {
		// View tracking must not break the fetch itself.
		h.log.Warn("Failed to record view", "err", err, "id", id)
	} else {
		req.ViewedAt = &viewedAt
		if first {
			h.audit(r.Context(), id, intake.EventViewed, nil)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "request": req})
}

// handleEvents returns the audit trail for one submission, oldest first.
//
// Endpoint: GET /api/admin/intake/{id}/events
func (h *AdminHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, err := intakeID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	// A submission with no events is indistinguishable from an unknown id in
	// the events table, so check existence explicitly.
	if _, err := h.store.Get(r.Context(), id); err != nil {
		h.writeStoreError(w, err, "get")
		return
	}

	events, err := h.store.ListEvents(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "list events")
		return
	}
	if events == nil {
		events = []intake.IntakeEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "events": events})
}

// noteBody is the optional/required {note} request body.
type noteBody struct {
	Note *string `json:"note"`
}

func decodeNote(r *http.Request) (*string, error) {
	defer r.Body.Close()
	var body noteBody
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil // empty body: no note supplied
		}
		return nil, errors.New("request body must be a JSON object")
	}
	if body.Note != nil && len(*body.Note) > intake.MaxNoteBytes {
		return nil, errors.New("note exceeds size limit")
	}
	return body.Note, nil
}

// transitionStatus applies one workflow transition through the transition
// table and persists it.
func (h *AdminHandler) transitionStatus(w http.ResponseWriter, r *http.Request, ev intake.EventTag, note *string, meta any) {
	id, err := intakeID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	current, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "get")
		return
	}

	to, ok := intake.Transition(current.Status, ev)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid transition")
		return
	}

	updated, err := h.store.UpdateStatus(r.Context(), id, to, time.Now().UTC(), note)
	if err != nil {
		h.writeStoreError(w, err, "update status")
		return
	}

	h.audit(r.Context(), id, ev, meta)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "request": updated})
}

// handleMarkProcessed moves a submission to processed, optionally attaching a
// note in the same action.
//
// Endpoint: POST /api/admin/intake/{id}/mark-processed
// Body: {"note": string} (optional)
func (h *AdminHandler) handleMarkProcessed(w http.ResponseWriter, r *http.Request) {
	note, err := decodeNote(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var meta any
	if note != nil {
		meta = map[string]string{"note": *note}
	}
	h.transitionStatus(w, r, intake.EventMarkProcessed, note, meta)
}

// handleUnprocess moves a submission back to new and clears processedAt.
//
// Endpoint: POST /api/admin/intake/{id}/unprocess
func (h *AdminHandler) handleUnprocess(w http.ResponseWriter, r *http.Request) {
	h.transitionStatus(w, r, intake.EventUnprocessed, nil, nil)
}

// handleNote replaces the note without changing workflow state.
//
// Endpoint: POST /api/admin/intake/{id}/note
// Body: {"note": string} (required)
func (h *AdminHandler) handleNote(w http.ResponseWriter, r *http.Request) {
	id, err := intakeID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	note, err := decodeNote(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if note == nil || *note == "" {
		writeError(w, http.StatusBadRequest, "field note is required")
		return
	}

	updated, err := h.store.UpdateNote(r.Context(), id, *note)
	if err != nil {
		h.writeStoreError(w, err, "update note")
		return
	}

	h.audit(r.Context(), id, intake.EventNoteUpdated, map[string]string{"note": *note})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "request": updated})
}
