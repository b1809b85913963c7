package suppression

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TokenIssuer mints single-use unsubscribe tokens.
type TokenIssuer struct {
	store *Store
	ttl   time.Duration
}

// NewTokenIssuer creates a token issuer. ttl bounds how long a footer link
// stays valid.
func NewTokenIssuer(store *Store, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 168 * time.Hour
	}
	return &TokenIssuer{store: store, ttl: ttl}
}

// Issue creates and persists a fresh token for a lead.
func (t *TokenIssuer) Issue(ctx context.Context, orgID, leadID uuid.UUID, email string) (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	tok := &Token{
		Token:     hex.EncodeToString(buf),
		OrgID:     orgID,
		LeadID:    leadID,
		Email:     email,
		ExpiresAt: time.Now().Add(t.ttl),
	}
	if err := t.store.CreateToken(ctx, tok); err != nil {
		return "", err
	}
	return tok.Token, nil
}
