package broker

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// PKCE code challenge methods (RFC 7636).
const (
	PKCES256  = "S256"
	PKCEPlain = "plain"
)

// verifyPKCE checks verifier against the recorded challenge. An empty
// challenge means PKCE was not used and any verifier is ignored.
func verifyPKCE(challenge, method, verifier string) bool {
	if challenge == "" {
		return true
	}
	if verifier == "" {
		return false
	}
	var computed string
	switch method {
	case PKCES256:
		computed = S256Challenge(verifier)
	case PKCEPlain, "":
		computed = verifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// S256Challenge derives the S256 challenge for verifier.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
