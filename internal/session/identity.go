package session

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
)

// DefaultUser identifies callers that send none of the identifying headers.
const DefaultUser = "default_user"

const (
	headerMCPSessionID = "Mcp-Session-Id"
	authPrefixLen      = 20
)

// identityHeaders are consulted in order after the MCP session header.
var identityHeaders = []string{"X-User-Id", "X-Mcp-User-Id", "X-Session-Id"}

// UserIdentifier derives a stable, non-reversible user id from request
// headers. The MCP session id is already opaque and is used as a prefix;
// every other source is hashed.
func UserIdentifier(h http.Header) string {
	if h == nil {
		return DefaultUser
	}
	if sid := h.Get(headerMCPSessionID); sid != "" {
		if len(sid) > 16 {
			return sid[:16]
		}
		return sid
	}

	var raw string
	for _, name := range identityHeaders {
		if raw = h.Get(name); raw != "" {
			break
		}
	}
	if raw == "" {
		raw = h.Get("Authorization")
		if len(raw) > authPrefixLen {
			raw = raw[:authPrefixLen]
		}
	}
	if raw == "" {
		return DefaultUser
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:16]
}
