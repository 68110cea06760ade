package broker

import (
	"context"
	"fmt"
	"strings"

	"github.com/p-blackswan/slack-mcp-broker/pkg/tokenstore"
)

// Stats counts the records the broker owns in the token store.
type Stats struct {
	Backend       string `json:"storage_backend"`
	AccessTokens  int    `json:"access_tokens"`
	RefreshTokens int    `json:"refresh_tokens"`
	Clients       int    `json:"registered_clients"`
	// Other covers per-user session tokens and anything not written by the broker.
	Other   int `json:"other_records"`
	Expired int `json:"expired_records"`
	Total   int `json:"total_records"`
}

// Stats lists the store and classifies each live record by key namespace.
func (b *Broker) Stats(ctx context.Context) (Stats, error) {
	entries, err := b.store.List(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("listing tokens: %w", err)
	}
	st := Stats{Backend: b.store.Backend(), Total: len(entries)}
	for _, e := range entries {
		if e.Expired {
			st.Expired++
			continue
		}
		switch e.Namespace {
		case namespaceOf(accessKeyPrefix):
			st.AccessTokens++
		case namespaceOf(refreshKeyPrefix):
			st.RefreshTokens++
		case namespaceOf(clientKeyPrefix):
			st.Clients++
		default:
			st.Other++
		}
	}
	return st, nil
}

func namespaceOf(keyPrefix string) string {
	return strings.TrimSuffix(keyPrefix, ":")
}

// RedactedClientID is the broker's upstream client id shortened for display.
func (b *Broker) RedactedClientID() string {
	return tokenstore.RedactKey(b.cfg.ClientID)
}
