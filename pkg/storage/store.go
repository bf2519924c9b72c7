package storage

import (
	"time"

	"github.com/virtengine/marketd/pkg/types"
)

// Store defines the persistence interface for the durable outbox, the only
// persistent structure the core owns. Entries are keyed by ID; IDs are
// timestamp-prefixed so iteration order is insertion order.
type Store interface {
	// CreateEntry inserts a new entry. It fails if the idempotency key has
	// been seen before; the existing entry is returned alongside the error.
	CreateEntry(entry *types.OutboxEntry) (*types.OutboxEntry, error)

	GetEntry(id string) (*types.OutboxEntry, error)

	// UpdateEntry overwrites an entry unconditionally.
	UpdateEntry(entry *types.OutboxEntry) error

	// CompareAndSetState transitions an entry from an expected state to a
	// new state, recording the lease token. Returns false when the entry is
	// no longer in the expected state.
	CompareAndSetState(id string, from, to types.OutboxState, leaseToken string) (bool, error)

	ListEntries() ([]*types.OutboxEntry, error)
	ListEntriesByState(state types.OutboxState) ([]*types.OutboxEntry, error)

	// OldestPendingPerResource returns, for each resource with pending work
	// due at or before now, the oldest pending entry. Entries without a
	// resource id each count as their own group.
	OldestPendingPerResource(now time.Time) ([]*types.OutboxEntry, error)

	// PurgeAcked deletes acked entries whose AckedAt is before the cutoff.
	// Dead entries are never purged.
	PurgeAcked(cutoff time.Time) (int, error)

	Close() error
}
