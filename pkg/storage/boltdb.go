package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"time"

	"github.com/virtengine/marketd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketOutbox   = []byte("outbox")
	bucketIdemKeys = []byte("idempotency_keys") // idempotencyKey -> entryID
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "marketd.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketOutbox, bucketIdemKeys} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// ErrDuplicateIdempotencyKey is returned by CreateEntry when the key has
// already been used; the caller receives the existing entry.
var ErrDuplicateIdempotencyKey = fmt.Errorf("idempotency key already used")

// CreateEntry inserts an entry, enforcing idempotency-key uniqueness across
// the outbox lifetime. On a duplicate key the returned entry is never nil:
// when the original was already purged, a stub carrying its id and the
// acked state stands in for it.
func (s *BoltStore) CreateEntry(entry *types.OutboxEntry) (*types.OutboxEntry, error) {
	var existing *types.OutboxEntry
	err := s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketIdemKeys)
		if prior := idx.Get([]byte(entry.IdempotencyKey)); prior != nil {
			data := tx.Bucket(bucketOutbox).Get(prior)
			if data != nil {
				var e types.OutboxEntry
				if err := json.Unmarshal(data, &e); err != nil {
					return err
				}
				existing = &e
			} else {
				// The original was acked and purged; the surviving index
				// entry alone proves delivery.
				existing = &types.OutboxEntry{
					ID:             string(prior),
					Kind:           entry.Kind,
					ResourceID:     entry.ResourceID,
					IdempotencyKey: entry.IdempotencyKey,
					State:          types.OutboxStateAcked,
				}
			}
			return ErrDuplicateIdempotencyKey
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketOutbox).Put([]byte(entry.ID), data); err != nil {
			return err
		}
		return idx.Put([]byte(entry.IdempotencyKey), []byte(entry.ID))
	})
	if err == ErrDuplicateIdempotencyKey {
		return existing, err
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// GetEntry retrieves an entry by id.
func (s *BoltStore) GetEntry(id string) (*types.OutboxEntry, error) {
	var entry types.OutboxEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketOutbox).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("outbox entry not found: %s", id)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// UpdateEntry overwrites an entry.
func (s *BoltStore) UpdateEntry(entry *types.OutboxEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketOutbox).Put([]byte(entry.ID), data)
	})
}

// CompareAndSetState transitions an entry between states atomically.
func (s *BoltStore) CompareAndSetState(id string, from, to types.OutboxState, leaseToken string) (bool, error) {
	swapped := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("outbox entry not found: %s", id)
		}
		var entry types.OutboxEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}
		if entry.State != from {
			return nil
		}
		entry.State = to
		entry.LeaseToken = leaseToken
		if to == types.OutboxStateAcked {
			entry.AckedAt = time.Now()
		}
		out, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), out); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	return swapped, err
}

// ListEntries returns every entry in insertion order.
func (s *BoltStore) ListEntries() ([]*types.OutboxEntry, error) {
	var entries []*types.OutboxEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOutbox).ForEach(func(k, v []byte) error {
			var entry types.OutboxEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	return entries, err
}

// ListEntriesByState returns entries in the given state, insertion order.
func (s *BoltStore) ListEntriesByState(state types.OutboxState) ([]*types.OutboxEntry, error) {
	var entries []*types.OutboxEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOutbox).ForEach(func(k, v []byte) error {
			var entry types.OutboxEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.State == state {
				entries = append(entries, &entry)
			}
			return nil
		})
	})
	return entries, err
}

// OldestPendingPerResource selects, per resource, the oldest due pending
// entry. Key order is insertion order, so the first match per resource wins.
func (s *BoltStore) OldestPendingPerResource(now time.Time) ([]*types.OutboxEntry, error) {
	var entries []*types.OutboxEntry
	seen := make(map[string]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOutbox).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry types.OutboxEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.State != types.OutboxStatePending {
				continue
			}
			group := entry.ResourceID
			if group == "" {
				group = entry.ID
			}
			if seen[group] {
				continue
			}
			// A resource's oldest pending entry gates the rest even while
			// it is backing off, preserving per-resource FIFO.
			seen[group] = true
			if entry.NextAttemptAt.After(now) {
				continue
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	return entries, err
}

// PurgeAcked removes acked entries older than the cutoff. The idempotency
// index is kept so a purged key can never be reused.
func (s *BoltStore) PurgeAcked(cutoff time.Time) (int, error) {
	purged := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry types.OutboxEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.State == types.OutboxStateAcked && entry.AckedAt.Before(cutoff) {
				if err := c.Delete(); err != nil {
					return err
				}
				purged++
			}
		}
		return nil
	})
	return purged, err
}
