package intake

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifySignature(t *testing.T) {
	secret := []byte("shared-secret")
	payload := "ciphertext"

	sig := Signature(secret, testID, payload)
	assert.True(t, VerifySignature(secret, testID, payload, sig))
}

func TestVerifySignature_OriginalCaseIDFails(t *testing.T) {
	secret := []byte("shared-secret")
	payload := "ciphertext"

	// Signing the un-normalized id must not verify against the lowercase id.
	sig := Signature(secret, strings.ToUpper(testID), payload)
	assert.False(t, VerifySignature(secret, testID, payload, sig))
}

func TestVerifySignature_Rejections(t *testing.T) {
	secret := []byte("shared-secret")
	sig := Signature(secret, testID, "ciphertext")

	assert.False(t, VerifySignature([]byte("other-secret"), testID, "ciphertext", sig))
	assert.False(t, VerifySignature(secret, testID, "tampered", sig))
	assert.False(t, VerifySignature(secret, testID, "ciphertext", "not hex"))
	assert.False(t, VerifySignature(secret, testID, "ciphertext", sig[:32]))
	assert.False(t, VerifySignature(secret, testID, "ciphertext", ""))
}
