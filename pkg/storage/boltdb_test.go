package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/virtengine/marketd/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testEntry(seq int, resourceID string) *types.OutboxEntry {
	return &types.OutboxEntry{
		ID:             fmt.Sprintf("%020d-e%d", seq, seq),
		Kind:           types.OutboxKindUsage,
		ResourceID:     resourceID,
		Payload:        []byte(`{"n":1}`),
		IdempotencyKey: fmt.Sprintf("idem-%d", seq),
		State:          types.OutboxStatePending,
		CreatedAt:      time.Now(),
	}
}

func TestCreateAndGetEntry(t *testing.T) {
	store := newTestStore(t)

	entry := testEntry(1, "res-1")
	_, err := store.CreateEntry(entry)
	require.NoError(t, err)

	got, err := store.GetEntry(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, got.ID)
	assert.Equal(t, types.OutboxStatePending, got.State)
	assert.Equal(t, entry.Payload, got.Payload)
}

func TestCreateEntryDuplicateIdempotencyKey(t *testing.T) {
	store := newTestStore(t)

	first := testEntry(1, "res-1")
	_, err := store.CreateEntry(first)
	require.NoError(t, err)

	dup := testEntry(2, "res-1")
	dup.IdempotencyKey = first.IdempotencyKey
	existing, err := store.CreateEntry(dup)
	assert.ErrorIs(t, err, ErrDuplicateIdempotencyKey)
	require.NotNil(t, existing)
	assert.Equal(t, first.ID, existing.ID)

	// The duplicate was not inserted.
	entries, err := store.ListEntries()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCompareAndSetState(t *testing.T) {
	store := newTestStore(t)

	entry := testEntry(1, "res-1")
	_, err := store.CreateEntry(entry)
	require.NoError(t, err)

	ok, err := store.CompareAndSetState(entry.ID, types.OutboxStatePending, types.OutboxStateInflight, "lease-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Second claim loses the race.
	ok, err = store.CompareAndSetState(entry.ID, types.OutboxStatePending, types.OutboxStateInflight, "lease-2")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetEntry(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OutboxStateInflight, got.State)
	assert.Equal(t, "lease-1", got.LeaseToken)
}

func TestOldestPendingPerResource(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	// Two entries for res-1, one for res-2, one not yet due, one inflight.
	e1 := testEntry(1, "res-1")
	e2 := testEntry(2, "res-1")
	e3 := testEntry(3, "res-2")
	e4 := testEntry(4, "res-3")
	e4.NextAttemptAt = now.Add(time.Hour)
	e5 := testEntry(5, "res-4")
	e5.State = types.OutboxStateInflight

	for _, e := range []*types.OutboxEntry{e1, e2, e3, e4, e5} {
		_, err := store.CreateEntry(e)
		require.NoError(t, err)
	}

	due, err := store.OldestPendingPerResource(now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, e1.ID, due[0].ID) // oldest for res-1, not e2
	assert.Equal(t, e3.ID, due[1].ID)
}

func TestBackingOffEntryGatesItsResource(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	// The oldest entry for res-1 is backing off; the newer due entry must
	// wait behind it so per-resource order holds.
	first := testEntry(1, "res-1")
	first.NextAttemptAt = now.Add(time.Minute)
	second := testEntry(2, "res-1")

	for _, e := range []*types.OutboxEntry{first, second} {
		_, err := store.CreateEntry(e)
		require.NoError(t, err)
	}

	due, err := store.OldestPendingPerResource(now)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestPurgeAcked(t *testing.T) {
	store := newTestStore(t)

	old := testEntry(1, "res-1")
	old.State = types.OutboxStateAcked
	old.AckedAt = time.Now().Add(-48 * time.Hour)
	fresh := testEntry(2, "res-2")
	fresh.State = types.OutboxStateAcked
	fresh.AckedAt = time.Now()
	dead := testEntry(3, "res-3")
	dead.State = types.OutboxStateDead

	for _, e := range []*types.OutboxEntry{old, fresh, dead} {
		_, err := store.CreateEntry(e)
		require.NoError(t, err)
	}

	purged, err := store.PurgeAcked(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	remaining, err := store.ListEntries()
	require.NoError(t, err)
	assert.Len(t, remaining, 2)

	// A purged entry's idempotency key is still reserved, and the caller
	// gets an acked stub carrying the original id instead of nil.
	reuse := testEntry(9, "res-9")
	reuse.IdempotencyKey = old.IdempotencyKey
	existing, err := store.CreateEntry(reuse)
	assert.ErrorIs(t, err, ErrDuplicateIdempotencyKey)
	require.NotNil(t, existing)
	assert.Equal(t, old.ID, existing.ID)
	assert.Equal(t, types.OutboxStateAcked, existing.State)
}

func TestListEntriesByState(t *testing.T) {
	store := newTestStore(t)

	p := testEntry(1, "res-1")
	i := testEntry(2, "res-2")
	i.State = types.OutboxStateInflight

	for _, e := range []*types.OutboxEntry{p, i} {
		_, err := store.CreateEntry(e)
		require.NoError(t, err)
	}

	inflight, err := store.ListEntriesByState(types.OutboxStateInflight)
	require.NoError(t, err)
	require.Len(t, inflight, 1)
	assert.Equal(t, i.ID, inflight[0].ID)
}
