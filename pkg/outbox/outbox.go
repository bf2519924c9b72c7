package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/virtengine/marketd/pkg/errdefs"
	"github.com/virtengine/marketd/pkg/log"
	"github.com/virtengine/marketd/pkg/metrics"
	"github.com/virtengine/marketd/pkg/storage"
	"github.com/virtengine/marketd/pkg/types"
)

// Outbox is the write side of the durable delivery queue.
type Outbox struct {
	store  storage.Store
	logger zerolog.Logger
}

// New wraps a store with outbox write semantics.
func New(store storage.Store) *Outbox {
	return &Outbox{
		store:  store,
		logger: log.WithComponent("outbox"),
	}
}

// Insert appends a new entry in the pending state. When the idempotency key
// has been seen before, the previously stored entry is returned and created
// is false; the duplicate write is a no-op.
func (o *Outbox) Insert(kind types.OutboxKind, resourceID string, payload any, idempotencyKey string) (*types.OutboxEntry, bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, false, errdefs.Wrap(err, errdefs.ClassFatal, "payload_marshal", "failed to encode outbox payload")
	}

	now := time.Now().UTC()
	entry := &types.OutboxEntry{
		// Timestamp prefix keeps store iteration in insertion order.
		ID:             fmt.Sprintf("%020d-%s", now.UnixNano(), uuid.NewString()),
		Kind:           kind,
		ResourceID:     resourceID,
		Payload:        body,
		IdempotencyKey: idempotencyKey,
		State:          types.OutboxStatePending,
		NextAttemptAt:  now,
		CreatedAt:      now,
	}

	stored, err := o.store.CreateEntry(entry)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateIdempotencyKey) {
			o.logger.Debug().
				Str("idempotency_key", idempotencyKey).
				Str("existing_id", stored.ID).
				Msg("duplicate outbox insert suppressed")
			return stored, false, nil
		}
		return nil, false, err
	}

	metrics.OutboxEntries.WithLabelValues(string(types.OutboxStatePending)).Inc()
	return stored, true, nil
}

// Get returns one entry by id.
func (o *Outbox) Get(id string) (*types.OutboxEntry, error) {
	return o.store.GetEntry(id)
}

// ListByState returns all entries in a given delivery state.
func (o *Outbox) ListByState(state types.OutboxState) ([]*types.OutboxEntry, error) {
	return o.store.ListEntriesByState(state)
}
