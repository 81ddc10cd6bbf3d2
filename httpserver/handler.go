package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cipherdrop/intake-backend/intake"
	"github.com/cipherdrop/intake-backend/metrics"
	"github.com/cipherdrop/intake-backend/notify"
	"github.com/cipherdrop/intake-backend/storage"
)

// Header constants used on the ingestion endpoint.
const (
	// HMACHeader carries the client's hex-encoded HMAC-SHA256 signature over
	// lowercase(id) + "." + canonical encrypted payload.
	HMACHeader = "X-Intake-HMAC"

	// WildcardOrigin in the allowlist permits any origin.
	WildcardOrigin = "*"
)

// OriginSet is an immutable allowlist of exact origins, built once at
// configuration load. Matching is exact string comparison only; a literal "*"
// entry allows any origin.
type OriginSet struct {
	any   bool
	exact map[string]struct{}
}

// NewOriginSet builds an OriginSet from configured origin strings.
func NewOriginSet(origins []string) OriginSet {
	s := OriginSet{exact: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o == WildcardOrigin {
			s.any = true
			continue
		}
		s.exact[o] = struct{}{}
	}
	return s
}

// Allows reports whether the given Origin header value may be echoed back.
// Never substring- or pattern-matches.
func (s OriginSet) Allows(origin string) bool {
	if origin == "" {
		return false
	}
	if s.any {
		return true
	}
	_, ok := s.exact[origin]
	return ok
}

// IntakeConfig is the parsed ingestion configuration. All sets are built once
// at load time and never mutated.
type IntakeConfig struct {
	AllowedOrigins  OriginSet
	AllowedVersions intake.VersionSet

	// MaxBodyBytes caps the request body, measured on the bytes actually
	// read, not the Content-Length header.
	MaxBodyBytes int64

	// HMACSecret enables signature verification when non-empty.
	HMACSecret []byte

	// IPHashSalt enables IP hashing when non-empty.
	IPHashSalt string
}

// Handler processes public ingestion requests. The pipeline is strictly
// ordered so cheap structural checks fail before any signature verification
// or storage work: CORS → content type → size cap → envelope validation →
// HMAC → privacy normalization → atomic insert → notification.
type Handler struct {
	cfg      IntakeConfig
	store    storage.Store
	notifier *notify.Notifier
	log      *slog.Logger
}

// NewHandler creates the ingestion handler.
func NewHandler(cfg IntakeConfig, store storage.Store, notifier *notify.Notifier, log *slog.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		log:      log,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

// applyCORS attaches the allow-origin header for allowlisted origins. Every
// response carries Vary: Origin regardless of outcome. An absent Origin
// header attaches nothing and the request still proceeds; CORS is enforced by
// browsers, not by this layer.
func (h *Handler) applyCORS(w http.ResponseWriter, r *http.Request) {
	w.Header().Add("Vary", "Origin")
	origin := r.Header.Get("Origin")
	if h.cfg.AllowedOrigins.Allows(origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
}

// HandlePreflight answers CORS preflight for the ingestion endpoint.
// Preflight bypasses all authentication.
//
// Endpoint: OPTIONS /api/intake
func (h *Handler) HandlePreflight(w http.ResponseWriter, r *http.Request) {
	h.applyCORS(w, r)
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+HMACHeader)
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

// HandleIntake accepts one pre-encrypted submission.
//
// Endpoint: POST /api/intake
// Body: {"v": string, "id": string(64-hex), "encrypted": string|object}
// Optional header: X-Intake-HMAC (required when a shared secret is configured)
//
// Responses: 201 created, 200 duplicate, 400 validation, 401 signature,
// 413 too large, 415 wrong content type, 500 storage error. A duplicate id is
// not an error: retries are idempotent by design.
func (h *Handler) HandleIntake(w http.ResponseWriter, r *http.Request) {
	h.applyCORS(w, r)

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		metrics.IncIngest("rejected")
		writeError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			metrics.IncIngest("rejected")
			writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds size limit")
			return
		}
		metrics.IncIngest("rejected")
		writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}

	env, err := intake.ParseEnvelope(body, h.cfg.AllowedVersions, h.cfg.MaxBodyBytes)
	if err != nil {
		metrics.IncIngest("rejected")
		var envErr *intake.EnvelopeError
		if errors.As(err, &envErr) {
			writeError(w, envErr.Status, envErr.Message)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	// Signature verification runs only after the size cap so oversized
	// payloads never reach the MAC.
	if len(h.cfg.HMACSecret) > 0 {
		if env.Encrypted.Kind != intake.PayloadString {
			// An object has no single canonical byte representation the
			// client could have signed.
			metrics.IncIngest("rejected")
			writeError(w, http.StatusBadRequest, "field encrypted must be a string when authentication is enabled")
			return
		}
		signature := r.Header.Get(HMACHeader)
		if signature == "" {
			metrics.IncIngest("unauthorized")
			writeError(w, http.StatusUnauthorized, "missing signature")
			return
		}
		if !intake.VerifySignature(h.cfg.HMACSecret, env.ID, env.Encrypted.Canonical, signature) {
			metrics.IncIngest("unauthorized")
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	receivedAt := time.Now().UTC()
	rec := storage.NewIntake{
		ID:         env.ID,
		Version:    env.Version,
		Ciphertext: env.Encrypted.Canonical,
		ReceivedAt: receivedAt,
		IPHash:     intake.HashIP(h.cfg.IPHashSalt, clientIP(r)),
		UserAgent:  intake.ClampBytes(r.UserAgent(), intake.MaxUserAgentBytes),
		Referrer:   intake.SanitizeReferrer(r.Referer()),
	}

	err = h.store.Insert(r.Context(), rec)
	switch {
	case errors.Is(err, storage.ErrDuplicate):
		metrics.IncIngest("duplicate")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": env.ID, "status": "duplicate"})
	case err != nil:
		metrics.IncIngest("error")
		h.log.Error("Failed to store submission", "err", err, "id", env.ID)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "Database error"})
	default:
		metrics.IncIngest("created")
		h.notifier.Notify(env.ID, env.Version, receivedAt)
		writeJSON(w, http.StatusCreated, map[string]any{
			"ok":         true,
			"id":         env.ID,
			"status":     "created",
			"receivedAt": receivedAt,
		})
	}
}

// clientIP extracts the client address as asserted by the edge platform,
// falling back to the socket peer.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
