package reporter

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/virtengine/marketd/pkg/config"
	"github.com/virtengine/marketd/pkg/errdefs"
	"github.com/virtengine/marketd/pkg/events"
	"github.com/virtengine/marketd/pkg/log"
	"github.com/virtengine/marketd/pkg/metrics"
	"github.com/virtengine/marketd/pkg/outbox"
	"github.com/virtengine/marketd/pkg/signing"
	"github.com/virtengine/marketd/pkg/types"
)

// resourceState is the per-resource snapshot the delta computation runs
// against.
type resourceState struct {
	lastAt        time.Time
	lastCounters  types.CumulativeCounters
	lastPeriodEnd time.Time
	finalized     bool
}

// Reporter turns cumulative counters into discrete, signed usage records
// and hands them to the outbox for at-least-once delivery.
type Reporter struct {
	mu     sync.Mutex
	states map[string]*resourceState

	signer signing.Signer
	ob     *outbox.Outbox
	broker *events.Broker
	cfg    config.ReporterConfig
	logger zerolog.Logger
}

// New creates a reporter signing records with the provider key.
func New(signer signing.Signer, ob *outbox.Outbox, broker *events.Broker, cfg config.ReporterConfig) *Reporter {
	return &Reporter{
		states: make(map[string]*resourceState),
		signer: signer,
		ob:     ob,
		broker: broker,
		cfg:    cfg,
		logger: log.WithComponent("reporter"),
	}
}

// RecordMetrics ingests one cumulative counter sample for a resource. The
// first sample only establishes the baseline. Later samples emit a record
// covering (lastAt, at] once at least minPeriod has elapsed; shorter gaps
// accumulate silently into the next record.
func (r *Reporter) RecordMetrics(resourceID string, counters types.CumulativeCounters, at time.Time) error {
	at = at.UTC()
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.states[resourceID]
	if !ok {
		r.states[resourceID] = &resourceState{lastAt: at, lastCounters: counters}
		return nil
	}
	if state.finalized {
		return errdefs.Policy("resource_finalized", "resource "+resourceID+" already has a final usage record")
	}
	if !at.After(state.lastAt) {
		return errdefs.Validation("non_monotonic_sample", "sample timestamp does not advance")
	}
	if at.Sub(state.lastAt) < r.minPeriod() {
		// Not an error: the sample is simply folded into the next period.
		return nil
	}
	return r.emit(resourceID, state, counters, at, false)
}

// FinalizeResource emits the final record for a resource, closing its
// usage stream. Calling it again is a no-op.
func (r *Reporter) FinalizeResource(resourceID string, at time.Time) error {
	at = at.UTC()
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.states[resourceID]
	if !ok {
		// Nothing was ever recorded; there is no usage to close.
		return nil
	}
	if state.finalized {
		return nil
	}
	if !at.After(state.lastAt) {
		// Zero-length tail: final record still needs periodEnd > periodStart.
		at = state.lastAt.Add(time.Second)
	}
	return r.emit(resourceID, state, state.lastCounters, at, true)
}

// emit builds, signs, and enqueues one usage record. Caller holds the lock.
func (r *Reporter) emit(resourceID string, state *resourceState, counters types.CumulativeCounters, at time.Time, isFinal bool) error {
	periodStart := state.lastAt
	if periodStart.Before(state.lastPeriodEnd) {
		return errdefs.Conflict("period_overlap",
			"period start precedes last emitted period end for "+resourceID)
	}
	if span := at.Sub(periodStart); span > r.maxPeriod() {
		r.logger.Warn().
			Str("resource_id", resourceID).
			Dur("span", span).
			Msg("usage period exceeds configured maximum")
	}

	record := types.UsageRecord{
		UsageID:     signing.UsageID(resourceID, periodStart, at),
		ResourceID:  resourceID,
		PeriodStart: periodStart,
		PeriodEnd:   at,
		Metrics:     toUsageMetrics(delta(state.lastCounters, counters)),
		IsFinal:     isFinal,
	}
	sig, err := signing.SignCanonical(r.signer, record)
	if err != nil {
		return errdefs.Wrap(err, errdefs.ClassFatal, "sign_failed", "failed to sign usage record")
	}
	record.ProviderSignature = sig

	if _, created, err := r.ob.Insert(types.OutboxKindUsage, resourceID, record, record.UsageID); err != nil {
		return err
	} else if !created {
		// Same (resource, start, end) already queued; advancing the
		// snapshot again would fork the stream, so stop here.
		return nil
	}

	state.lastAt = at
	state.lastCounters = counters
	state.lastPeriodEnd = at
	state.finalized = isFinal

	metrics.UsageRecordsEmitted.Inc()
	r.broker.Publish(&events.Event{
		Type:    events.EventUsageRecordEmitted,
		Message: record.UsageID,
		Metadata: map[string]string{
			"resource_id": resourceID,
			"is_final":    boolString(isFinal),
		},
	})
	r.logger.Debug().
		Str("resource_id", resourceID).
		Str("usage_id", record.UsageID).
		Time("period_start", periodStart).
		Time("period_end", at).
		Bool("is_final", isFinal).
		Msg("usage record emitted")
	return nil
}

// delta subtracts the previous snapshot field-wise. A decreased counter
// means the agent restarted: that field starts a new epoch and its delta
// is taken from zero.
func delta(prev, next types.CumulativeCounters) types.CumulativeCounters {
	sub := func(p, n float64) float64 {
		if n < p {
			return n
		}
		return n - p
	}
	return types.CumulativeCounters{
		CPUCoreSeconds:   sub(prev.CPUCoreSeconds, next.CPUCoreSeconds),
		MemGBSeconds:     sub(prev.MemGBSeconds, next.MemGBSeconds),
		GPUSeconds:       sub(prev.GPUSeconds, next.GPUSeconds),
		StorageGBSeconds: sub(prev.StorageGBSeconds, next.StorageGBSeconds),
		NetworkBytes:     sub(prev.NetworkBytes, next.NetworkBytes),
	}
}

func toUsageMetrics(d types.CumulativeCounters) types.UsageMetrics {
	return types.UsageMetrics{
		CPUHours:       d.CPUCoreSeconds / 3600,
		MemGBHours:     d.MemGBSeconds / 3600,
		GPUHours:       d.GPUSeconds / 3600,
		StorageGBHours: d.StorageGBSeconds / 3600,
		NetworkGB:      d.NetworkBytes / 1e9,
	}
}

func (r *Reporter) minPeriod() time.Duration {
	return time.Duration(r.cfg.MinPeriodSec) * time.Second
}

func (r *Reporter) maxPeriod() time.Duration {
	return time.Duration(r.cfg.MaxPeriodSec) * time.Second
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
