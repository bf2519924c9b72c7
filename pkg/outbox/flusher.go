package outbox

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/virtengine/marketd/pkg/config"
	"github.com/virtengine/marketd/pkg/events"
	"github.com/virtengine/marketd/pkg/log"
	"github.com/virtengine/marketd/pkg/metrics"
	"github.com/virtengine/marketd/pkg/storage"
	"github.com/virtengine/marketd/pkg/types"
)

const (
	flushInterval = time.Second
	purgeInterval = time.Hour
	ackRetention  = 24 * time.Hour
)

// Sender delivers one entry's payload to its destination. A nil error
// acknowledges the entry; anything else schedules a retry.
type Sender interface {
	Send(ctx context.Context, entry *types.OutboxEntry) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, entry *types.OutboxEntry) error

func (f SenderFunc) Send(ctx context.Context, entry *types.OutboxEntry) error {
	return f(ctx, entry)
}

// Flusher drains pending entries at-least-once. One flusher owns the queue:
// entries are claimed with a compare-and-set lease before sending, so a
// crashed flusher's inflight entries are recovered on restart rather than
// double-claimed while it lives.
type Flusher struct {
	store   storage.Store
	senders map[types.OutboxKind]Sender
	cfg     config.OutboxConfig
	broker  *events.Broker
	breaker *gobreaker.CircuitBreaker
	lease   string

	// now is swapped in tests to drive the retry clock.
	now func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewFlusher creates a flusher delivering each kind through its sender.
// Entries of a kind without a sender are left pending.
func NewFlusher(store storage.Store, senders map[types.OutboxKind]Sender, cfg config.OutboxConfig, broker *events.Broker) *Flusher {
	return &Flusher{
		store:   store,
		senders: senders,
		cfg:     cfg,
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "outbox"}),
		lease:   uuid.NewString(),
		now:     time.Now,
		stopCh:  make(chan struct{}),
		logger:  log.WithComponent("outbox-flusher"),
	}
}

// Start recovers orphaned inflight entries and begins the flush loop.
func (f *Flusher) Start() {
	if n, err := f.recoverInflight(); err != nil {
		f.logger.Error().Err(err).Msg("failed to recover inflight entries")
	} else if n > 0 {
		f.logger.Info().Int("entries", n).Msg("recovered inflight entries from previous run")
	}
	f.wg.Add(1)
	go f.run()
}

// Stop halts the loop and drains this flusher's inflight entries back to
// pending so a restart retries them.
func (f *Flusher) Stop() {
	close(f.stopCh)
	f.wg.Wait()
	if _, err := f.recoverInflight(); err != nil {
		f.logger.Error().Err(err).Msg("failed to drain inflight entries on shutdown")
	}
}

func (f *Flusher) run() {
	defer f.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	purge := time.NewTicker(purgeInterval)
	defer purge.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-ticker.C:
			f.FlushOnce(ctx)
		case <-purge.C:
			if n, err := f.store.PurgeAcked(f.now().Add(-ackRetention)); err != nil {
				f.logger.Error().Err(err).Msg("purge failed")
			} else if n > 0 {
				f.logger.Debug().Int("entries", n).Msg("purged acked entries")
			}
		case <-f.stopCh:
			cancel()
			return
		}
	}
}

// FlushOnce attempts delivery of the oldest due pending entry per resource.
// Per-resource ordering holds because a resource's next entry is not
// eligible until its oldest one leaves the pending state.
func (f *Flusher) FlushOnce(ctx context.Context) {
	due, err := f.store.OldestPendingPerResource(f.now())
	if err != nil {
		f.logger.Error().Err(err).Msg("failed to select pending entries")
		return
	}
	for _, entry := range due {
		select {
		case <-f.stopCh:
			return
		default:
		}
		f.deliver(ctx, entry)
	}
}

func (f *Flusher) deliver(ctx context.Context, entry *types.OutboxEntry) {
	sender, ok := f.senders[entry.Kind]
	if !ok {
		return
	}

	claimed, err := f.store.CompareAndSetState(entry.ID, types.OutboxStatePending, types.OutboxStateInflight, f.lease)
	if err != nil {
		f.logger.Error().Err(err).Str("entry_id", entry.ID).Msg("claim failed")
		return
	}
	if !claimed {
		return
	}
	entry.State = types.OutboxStateInflight
	entry.LeaseToken = f.lease
	metrics.OutboxEntries.WithLabelValues(string(types.OutboxStatePending)).Dec()
	metrics.OutboxEntries.WithLabelValues(string(types.OutboxStateInflight)).Inc()

	_, sendErr := f.breaker.Execute(func() (any, error) {
		return nil, sender.Send(ctx, entry)
	})
	if sendErr == nil {
		f.ack(entry)
		return
	}
	f.retry(entry, sendErr)
}

func (f *Flusher) ack(entry *types.OutboxEntry) {
	entry.State = types.OutboxStateAcked
	entry.AckedAt = f.now().UTC()
	entry.LeaseToken = ""
	entry.LastError = ""
	if err := f.store.UpdateEntry(entry); err != nil {
		f.logger.Error().Err(err).Str("entry_id", entry.ID).Msg("failed to ack entry")
		return
	}
	metrics.OutboxEntries.WithLabelValues(string(types.OutboxStateInflight)).Dec()
	metrics.OutboxEntries.WithLabelValues(string(types.OutboxStateAcked)).Inc()
	metrics.OutboxFlushAttempts.WithLabelValues("ok").Inc()
	f.logger.Debug().
		Str("entry_id", entry.ID).
		Str("kind", string(entry.Kind)).
		Int("attempts", entry.AttemptCount+1).
		Msg("entry delivered")
}

func (f *Flusher) retry(entry *types.OutboxEntry, sendErr error) {
	metrics.OutboxFlushAttempts.WithLabelValues("error").Inc()

	// An open breaker is not the destination rejecting this entry; park it
	// briefly without consuming an attempt.
	if errors.Is(sendErr, gobreaker.ErrOpenState) || errors.Is(sendErr, gobreaker.ErrTooManyRequests) {
		entry.State = types.OutboxStatePending
		entry.LeaseToken = ""
		entry.NextAttemptAt = f.now().Add(f.baseBackoff())
		if err := f.store.UpdateEntry(entry); err != nil {
			f.logger.Error().Err(err).Str("entry_id", entry.ID).Msg("failed to park entry")
		}
		metrics.OutboxEntries.WithLabelValues(string(types.OutboxStateInflight)).Dec()
		metrics.OutboxEntries.WithLabelValues(string(types.OutboxStatePending)).Inc()
		return
	}

	entry.AttemptCount++
	entry.LastError = sendErr.Error()
	entry.LeaseToken = ""

	if entry.AttemptCount >= f.cfg.MaxAttempts {
		entry.State = types.OutboxStateDead
		if err := f.store.UpdateEntry(entry); err != nil {
			f.logger.Error().Err(err).Str("entry_id", entry.ID).Msg("failed to mark entry dead")
			return
		}
		metrics.OutboxEntries.WithLabelValues(string(types.OutboxStateInflight)).Dec()
		metrics.OutboxEntries.WithLabelValues(string(types.OutboxStateDead)).Inc()
		f.logger.Error().
			Str("entry_id", entry.ID).
			Str("kind", string(entry.Kind)).
			Int("attempts", entry.AttemptCount).
			Str("last_error", entry.LastError).
			Msg("entry dead after exhausting retries")
		f.broker.Publish(&events.Event{
			Type:    events.EventOutboxEntryDead,
			EntryID: entry.ID,
			Message: "delivery abandoned after " + entry.LastError,
			Metadata: map[string]string{
				"kind":        string(entry.Kind),
				"resource_id": entry.ResourceID,
			},
		})
		f.broker.Publish(&events.Event{
			Type:    events.EventAlert,
			EntryID: entry.ID,
			Message: "outbox entry dead: " + string(entry.Kind),
		})
		return
	}

	entry.State = types.OutboxStatePending
	entry.NextAttemptAt = f.now().Add(f.backoff(entry.AttemptCount))
	if err := f.store.UpdateEntry(entry); err != nil {
		f.logger.Error().Err(err).Str("entry_id", entry.ID).Msg("failed to requeue entry")
		return
	}
	metrics.OutboxEntries.WithLabelValues(string(types.OutboxStateInflight)).Dec()
	metrics.OutboxEntries.WithLabelValues(string(types.OutboxStatePending)).Inc()
	f.logger.Warn().
		Str("entry_id", entry.ID).
		Int("attempt", entry.AttemptCount).
		Time("next_attempt_at", entry.NextAttemptAt).
		Str("error", entry.LastError).
		Msg("delivery failed, backing off")
}

// backoff is min(maxBackoff, base * 2^attempt) with symmetric jitter.
func (f *Flusher) backoff(attempt int) time.Duration {
	base := float64(f.cfg.BaseBackoffMs) * math.Pow(2, float64(attempt))
	capped := math.Min(base, float64(f.cfg.MaxBackoffMs))
	jitter := 1 + (rand.Float64()*2-1)*float64(f.cfg.JitterPct)/100
	return time.Duration(capped*jitter) * time.Millisecond
}

func (f *Flusher) baseBackoff() time.Duration {
	return time.Duration(f.cfg.BaseBackoffMs) * time.Millisecond
}

// recoverInflight returns every inflight entry to pending. Called on start
// (orphans from a crash) and on shutdown (entries this flusher claimed but
// had not resolved).
func (f *Flusher) recoverInflight() (int, error) {
	inflight, err := f.store.ListEntriesByState(types.OutboxStateInflight)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, entry := range inflight {
		entry.State = types.OutboxStatePending
		entry.LeaseToken = ""
		entry.NextAttemptAt = f.now().UTC()
		if err := f.store.UpdateEntry(entry); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}
