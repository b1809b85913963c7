package suppression

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEntryStore struct {
	entries   map[string]bool // keyed by email
	byLead    map[uuid.UUID]bool
	prefBlock map[string]bool
	queries   int
	err       error
}

func newFakeEntryStore() *fakeEntryStore {
	return &fakeEntryStore{
		entries:   map[string]bool{},
		byLead:    map[uuid.UUID]bool{},
		prefBlock: map[string]bool{},
	}
}

func (f *fakeEntryStore) HasActiveEntry(_ context.Context, leadID *uuid.UUID, email string) (bool, error) {
	f.queries++
	if f.err != nil {
		return false, f.err
	}
	if leadID != nil && f.byLead[*leadID] {
		return true, nil
	}
	return f.entries[email], nil
}

func (f *fakeEntryStore) PrefsBlockSending(_ context.Context, email string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.prefBlock[email], nil
}

func (f *fakeEntryStore) AddEntry(_ context.Context, e *Entry) error {
	if f.err != nil {
		return f.err
	}
	if e.Email != "" {
		f.entries[e.Email] = true
	}
	if e.LeadID != nil {
		f.byLead[*e.LeadID] = true
	}
	return nil
}

func gateWithRedis(t *testing.T, store EntryStore) (*Gate, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewGate(store, client, time.Minute), mr
}

func TestGateSuppressedByEntry(t *testing.T) {
	store := newFakeEntryStore()
	store.entries["ana@example.com"] = true
	gate, _ := gateWithRedis(t, store)

	got, err := gate.IsSuppressed(context.Background(), nil, "Ana@Example.com")
	require.NoError(t, err)
	assert.True(t, got, "email matching is case-insensitive")
}

func TestGateSuppressedByLeadID(t *testing.T) {
	store := newFakeEntryStore()
	leadID := uuid.New()
	store.byLead[leadID] = true
	gate, _ := gateWithRedis(t, store)

	got, err := gate.IsSuppressed(context.Background(), &leadID, "")
	require.NoError(t, err)
	assert.True(t, got)
}

func TestGateSuppressedByPreferences(t *testing.T) {
	store := newFakeEntryStore()
	store.prefBlock["bo@example.com"] = true
	gate, _ := gateWithRedis(t, store)

	got, err := gate.IsSuppressed(context.Background(), nil, "bo@example.com")
	require.NoError(t, err)
	assert.True(t, got)
}

func TestGateCachesPositiveAnswers(t *testing.T) {
	store := newFakeEntryStore()
	store.entries["ana@example.com"] = true
	gate, mr := gateWithRedis(t, store)

	_, err := gate.IsSuppressed(context.Background(), nil, "ana@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, store.queries)
	assert.True(t, mr.Exists("suppression:email:ana@example.com"))

	got, err := gate.IsSuppressed(context.Background(), nil, "ana@example.com")
	require.NoError(t, err)
	assert.True(t, got)
	assert.Equal(t, 1, store.queries, "second check must be served from cache")
}

func TestGateNeverCachesNegativeAnswers(t *testing.T) {
	store := newFakeEntryStore()
	gate, mr := gateWithRedis(t, store)

	got, err := gate.IsSuppressed(context.Background(), nil, "clean@example.com")
	require.NoError(t, err)
	assert.False(t, got)
	assert.False(t, mr.Exists("suppression:email:clean@example.com"))

	// A suppression added right after the negative check is seen immediately.
	store.entries["clean@example.com"] = true
	got, err = gate.IsSuppressed(context.Background(), nil, "clean@example.com")
	require.NoError(t, err)
	assert.True(t, got)
}

func TestGateStoreErrorPropagates(t *testing.T) {
	store := newFakeEntryStore()
	store.err = errors.New("pg down")
	gate, _ := gateWithRedis(t, store)

	_, err := gate.IsSuppressed(context.Background(), nil, "x@example.com")
	assert.Error(t, err, "callers fail closed on gate errors")
}

func TestGateSurvivesCacheOutage(t *testing.T) {
	store := newFakeEntryStore()
	store.entries["ana@example.com"] = true
	gate, mr := gateWithRedis(t, store)
	mr.Close()

	got, err := gate.IsSuppressed(context.Background(), nil, "ana@example.com")
	require.NoError(t, err)
	assert.True(t, got, "postgres answers when redis is down")
}

func TestGateWorksWithoutCache(t *testing.T) {
	store := newFakeEntryStore()
	store.entries["ana@example.com"] = true
	gate := NewGate(store, nil, 0)

	got, err := gate.IsSuppressed(context.Background(), nil, "ana@example.com")
	require.NoError(t, err)
	assert.True(t, got)
}

func TestSuppressPrimesCache(t *testing.T) {
	store := newFakeEntryStore()
	gate, mr := gateWithRedis(t, store)

	err := gate.Suppress(context.Background(), &Entry{
		OrgID:  uuid.New(),
		Email:  "Quit@Example.com",
		Reason: "unsubscribe",
	})
	require.NoError(t, err)
	assert.True(t, store.entries["quit@example.com"])
	assert.True(t, mr.Exists("suppression:email:quit@example.com"))

	got, err := gate.IsSuppressed(context.Background(), nil, "quit@example.com")
	require.NoError(t, err)
	assert.True(t, got)
	assert.Equal(t, 0, store.queries, "primed cache answers without a store read")
}
