package intake

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signature computes the hex HMAC-SHA256 over the canonical signing string
// for an envelope: lowercase(id) + "." + canonical encrypted payload. Clients
// must sign the normalized id; a signature over the original casing will not
// verify.
func Signature(secret []byte, id, payload string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(id))
	mac.Write([]byte("."))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a client-supplied hex signature in constant time.
// Malformed hex fails closed.
func VerifySignature(secret []byte, id, payload, signatureHex string) bool {
	got, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(id))
	mac.Write([]byte("."))
	mac.Write([]byte(payload))
	return hmac.Equal(got, mac.Sum(nil))
}
