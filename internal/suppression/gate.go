package suppression

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// EntryStore is the persistence surface behind the gate.
type EntryStore interface {
	HasActiveEntry(ctx context.Context, leadID *uuid.UUID, email string) (bool, error)
	PrefsBlockSending(ctx context.Context, email string) (bool, error)
	AddEntry(ctx context.Context, e *Entry) error
}

// Gate answers "may we contact this lead?". Postgres is the source of
// truth; redis caches positive answers only, so a fresh suppression can
// never be masked by a stale cached "not suppressed".
type Gate struct {
	store EntryStore
	cache *redis.Client
	ttl   time.Duration
}

// NewGate wires a suppression gate. cache may be nil; the gate then reads
// straight from postgres on every check.
func NewGate(store EntryStore, cache *redis.Client, ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Gate{store: store, cache: cache, ttl: ttl}
}

// IsSuppressed reports whether sends to this lead/email are blocked: an
// unexpired suppression entry, a global unsubscribe, or email disabled in
// preferences. Cache failures are logged and ignored; store failures are
// returned so callers can fail closed.
func (g *Gate) IsSuppressed(ctx context.Context, leadID *uuid.UUID, email string) (bool, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	if hit := g.cacheGet(ctx, email); hit {
		return true, nil
	}

	suppressed, err := g.store.HasActiveEntry(ctx, leadID, email)
	if err != nil {
		return false, err
	}
	if !suppressed && email != "" {
		suppressed, err = g.store.PrefsBlockSending(ctx, email)
		if err != nil {
			return false, err
		}
	}
	if suppressed {
		g.cacheSet(ctx, email)
	}
	return suppressed, nil
}

// Suppress records a suppression entry and primes the cache so the block
// takes effect before any replica catches up.
func (g *Gate) Suppress(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.Email = strings.ToLower(strings.TrimSpace(e.Email))
	if err := g.store.AddEntry(ctx, e); err != nil {
		return err
	}
	g.cacheSet(ctx, e.Email)
	return nil
}

func (g *Gate) cacheGet(ctx context.Context, email string) bool {
	if g.cache == nil || email == "" {
		return false
	}
	val, err := g.cache.Get(ctx, cacheKey(email)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Printf("[SuppressionGate] cache read: %v", err)
		}
		return false
	}
	return val == "1"
}

func (g *Gate) cacheSet(ctx context.Context, email string) {
	if g.cache == nil || email == "" {
		return
	}
	if err := g.cache.Set(ctx, cacheKey(email), "1", g.ttl).Err(); err != nil {
		log.Printf("[SuppressionGate] cache write: %v", err)
	}
}

func cacheKey(email string) string {
	return "suppression:email:" + email
}
