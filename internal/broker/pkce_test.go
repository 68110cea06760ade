package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyPKCE(t *testing.T) {
	// RFC 7636 appendix B.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	challenge := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	assert.Equal(t, challenge, S256Challenge(verifier))

	tests := []struct {
		name      string
		challenge string
		method    string
		verifier  string
		want      bool
	}{
		{"no challenge", "", "", "anything", true},
		{"s256", challenge, PKCES256, verifier, true},
		{"s256 mismatch", challenge, PKCES256, verifier + "x", false},
		{"plain", "secret-verifier", PKCEPlain, "secret-verifier", true},
		{"plain default method", "secret-verifier", "", "secret-verifier", true},
		{"plain mismatch", "secret-verifier", PKCEPlain, "other", false},
		{"missing verifier", challenge, PKCES256, "", false},
		{"unknown method", challenge, "S512", verifier, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, verifyPKCE(tt.challenge, tt.method, tt.verifier))
		})
	}
}
