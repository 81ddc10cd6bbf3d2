package intake

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// PayloadKind tags the two shapes the `encrypted` field may take on the wire.
type PayloadKind int

const (
	// PayloadString is a pre-serialized ciphertext string, stored verbatim.
	PayloadString PayloadKind = iota

	// PayloadObject is a structured ciphertext envelope, re-serialized
	// deterministically before storage.
	PayloadObject
)

// EncryptedPayload is the canonical form of the client `encrypted` field.
// Canonical serializes the payload exactly once; every downstream consumer
// (size cap, signature check, storage) reuses the same bytes.
type EncryptedPayload struct {
	Kind      PayloadKind
	Canonical string
}

// Envelope is a validated, normalized submission ready for the write path.
type Envelope struct {
	Version   string
	ID        string // lowercase
	Encrypted EncryptedPayload
}

// EnvelopeError carries the HTTP status a validation failure maps to. The
// message names the failing field but never echoes payload contents.
type EnvelopeError struct {
	Status  int
	Message string
}

func (e *EnvelopeError) Error() string { return e.Message }

func badRequest(format string, args ...any) *EnvelopeError {
	return &EnvelopeError{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// ParseEnvelope validates a raw JSON body and produces the canonical
// envelope. Checks run cheapest-first so malformed input fails before any
// expensive work: object shape, version, id, encrypted shape, then the
// canonical payload size against maxBytes (the body itself is size-capped by
// the HTTP layer before this is called, but an object payload can expand
// when re-serialized).
func ParseEnvelope(body []byte, versions VersionSet, maxBytes int64) (*Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, badRequest("request body must be a JSON object")
	}

	var version string
	if raw, ok := fields["v"]; ok {
		if err := json.Unmarshal(raw, &version); err != nil {
			return nil, badRequest("field v must be a string")
		}
	}
	if version == "" {
		return nil, badRequest("field v is required")
	}
	if !versions.Contains(version) {
		return nil, badRequest("unsupported protocol version")
	}

	var id string
	if raw, ok := fields["id"]; ok {
		if err := json.Unmarshal(raw, &id); err != nil {
			return nil, badRequest("field id must be a string")
		}
	}
	if id == "" {
		return nil, badRequest("field id is required")
	}
	id = NormalizeID(id)
	if err := ValidateID(id); err != nil {
		return nil, badRequest("field id must be a 64-character hex hash")
	}

	raw, ok := fields["encrypted"]
	if !ok {
		return nil, badRequest("field encrypted is required")
	}
	payload, err := canonicalPayload(raw)
	if err != nil {
		return nil, err
	}

	if int64(len(payload.Canonical)) > maxBytes {
		return nil, &EnvelopeError{
			Status:  http.StatusRequestEntityTooLarge,
			Message: "encrypted payload exceeds size limit",
		}
	}

	return &Envelope{Version: version, ID: id, Encrypted: payload}, nil
}

// canonicalPayload reduces the union-typed `encrypted` field to its single
// canonical byte form: strings verbatim, objects re-marshaled (Go sorts map
// keys, so the result is deterministic for a given value).
func canonicalPayload(raw json.RawMessage) (EncryptedPayload, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return EncryptedPayload{}, badRequest("field encrypted must not be empty")
		}
		return EncryptedPayload{Kind: PayloadString, Canonical: s}, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		canonical, err := json.Marshal(obj)
		if err != nil {
			return EncryptedPayload{}, badRequest("field encrypted could not be serialized")
		}
		return EncryptedPayload{Kind: PayloadObject, Canonical: string(canonical)}, nil
	}

	return EncryptedPayload{}, badRequest("field encrypted must be a string or an object")
}
