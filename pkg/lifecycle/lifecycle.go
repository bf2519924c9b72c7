package lifecycle

import (
	"strconv"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/virtengine/marketd/pkg/aggregator"
	"github.com/virtengine/marketd/pkg/errdefs"
	"github.com/virtengine/marketd/pkg/events"
	"github.com/virtengine/marketd/pkg/log"
	"github.com/virtengine/marketd/pkg/metrics"
	"github.com/virtengine/marketd/pkg/scheduler"
	"github.com/virtengine/marketd/pkg/types"
)

const (
	maxScheduleAttempts = 5
	baseRetryBackoff    = 15 * time.Second
	maxRetryBackoff     = 5 * time.Minute

	// Chain events older than this cannot arrive again on a reconnect, so
	// the dedupe window does not need to be unbounded.
	eventDedupeTTL = time.Hour
)

// Settler enqueues settlement work for terminal jobs. Settlement failures
// never roll a job back; they surface as retriable outbox entries.
type Settler interface {
	EnqueueSettlement(job *types.Job, reason string) error
	EnqueueRefund(job *types.Job, reason string) error
}

// UsageFinalizer closes the usage stream of a resource.
type UsageFinalizer interface {
	FinalizeResource(resourceID string, at time.Time) error
}

// allowed is the job transition graph. A transition absent here fails with
// an invalid_transition error.
var allowed = map[types.JobState][]types.JobState{
	types.JobStateSubmitted: {types.JobStateScheduled, types.JobStateFailed, types.JobStateCancelled},
	types.JobStateScheduled: {types.JobStateQueued, types.JobStateFailed, types.JobStateCancelled},
	types.JobStateQueued:    {types.JobStateRunning, types.JobStateFailed, types.JobStateCancelled},
	types.JobStateRunning:   {types.JobStateCompleted, types.JobStateFailed, types.JobStateCancelled},
}

// pendingSchedule is one queued placement attempt.
type pendingSchedule struct {
	jobID   string
	attempt int
	dueAt   time.Time
}

// Engine owns every job's state machine and orchestrates the scheduler,
// the aggregator's capacity ledger, the usage reporter, and settlement.
type Engine struct {
	mu          sync.RWMutex
	jobs        map[string]*types.Job
	locks       map[string]*sync.Mutex
	transitions map[string][]types.JobTransition

	retryMu sync.Mutex
	retries []pendingSchedule

	sched   *scheduler.Scheduler
	agg     *aggregator.Aggregator
	settler Settler
	usage   UsageFinalizer
	broker  *events.Broker
	seen    *cache.Cache

	// now is swapped in tests to drive the retry clock.
	now func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// New creates a lifecycle engine. Settler and usage may be nil in tests.
func New(sched *scheduler.Scheduler, agg *aggregator.Aggregator, settler Settler, usage UsageFinalizer, broker *events.Broker) *Engine {
	return &Engine{
		jobs:        make(map[string]*types.Job),
		locks:       make(map[string]*sync.Mutex),
		transitions: make(map[string][]types.JobTransition),
		sched:       sched,
		agg:         agg,
		settler:     settler,
		usage:       usage,
		broker:      broker,
		seen:        cache.New(eventDedupeTTL, 10*time.Minute),
		now:         time.Now,
		stopCh:      make(chan struct{}),
		logger:      log.WithComponent("lifecycle"),
	}
}

// Start launches the placement retry worker.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.runRetryLoop()
}

// Stop signals shutdown and waits for the retry worker to exit.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// SubmitJob validates and admits a job in the submitted state, then queues
// an immediate placement attempt.
func (e *Engine) SubmitJob(job *types.Job) error {
	if job.ID == "" {
		return errdefs.Validation("missing_job_id", "job id is required")
	}
	if job.Resources.Nodes <= 0 {
		return errdefs.Validation("invalid_resources", "job must request at least one node")
	}
	if job.Workload.Image == "" {
		return errdefs.Validation("missing_workload", "workload image is required")
	}

	e.mu.Lock()
	if _, exists := e.jobs[job.ID]; exists {
		e.mu.Unlock()
		return errdefs.Conflict("job_exists", "job "+job.ID+" already submitted")
	}
	job.State = types.JobStateSubmitted
	job.SubmittedAt = e.now().UTC()
	e.jobs[job.ID] = job
	e.locks[job.ID] = &sync.Mutex{}
	e.mu.Unlock()

	metrics.JobsTotal.WithLabelValues(string(types.JobStateSubmitted)).Inc()
	e.logger.Info().Str("job_id", job.ID).Int32("nodes", job.Resources.Nodes).Msg("job submitted")

	e.enqueueSchedule(job.ID, 0, e.now())
	return nil
}

// GetJob returns a copy of the job.
func (e *Engine) GetJob(jobID string) (*types.Job, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	job, ok := e.jobs[jobID]
	if !ok {
		return nil, false
	}
	cp := *job
	return &cp, true
}

// ListJobs returns copies of all jobs.
func (e *Engine) ListJobs() []*types.Job {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*types.Job, 0, len(e.jobs))
	for _, job := range e.jobs {
		cp := *job
		out = append(out, &cp)
	}
	return out
}

// Transitions returns the append-only audit log for a job.
func (e *Engine) Transitions(jobID string) []types.JobTransition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	log := e.transitions[jobID]
	out := make([]types.JobTransition, len(log))
	copy(out, log)
	return out
}

// AckDispatch records the provider's acknowledgement of a scheduled job.
func (e *Engine) AckDispatch(jobID string) error {
	return e.withJob(jobID, func(job *types.Job) error {
		return e.transition(job, types.JobStateQueued, "provider acknowledged dispatch")
	})
}

// ReportStarted records the provider's first successful start.
func (e *Engine) ReportStarted(jobID string) error {
	return e.withJob(jobID, func(job *types.Job) error {
		return e.transition(job, types.JobStateRunning, "provider reported start")
	})
}

// ReportCompleted finishes a running job, emits the final usage record, and
// enqueues settlement.
func (e *Engine) ReportCompleted(jobID string, exitCode int32) error {
	return e.withJob(jobID, func(job *types.Job) error {
		if err := e.transition(job, types.JobStateCompleted, "provider reported success"); err != nil {
			return err
		}
		e.mu.Lock()
		job.ExitCode = &exitCode
		e.mu.Unlock()
		e.finishJob(job, true, "job completed")
		return nil
	})
}

// ReportFailed fails a job from any pre-terminal state. Usage consumed so
// far is still settled.
func (e *Engine) ReportFailed(jobID, reason string) error {
	return e.withJob(jobID, func(job *types.Job) error {
		wasRunning := job.State == types.JobStateRunning
		if err := e.transition(job, types.JobStateFailed, reason); err != nil {
			return err
		}
		e.releasePlacement(job, false)
		if wasRunning {
			e.finalizeUsage(job)
		}
		e.enqueueSettlement(job, "job failed: "+reason)
		return nil
	})
}

// Cancel cancels a job from any non-terminal state. Running work is asked
// to stop; usage accrued so far is billed.
func (e *Engine) Cancel(jobID, reason string) error {
	return e.withJob(jobID, func(job *types.Job) error {
		wasRunning := job.State == types.JobStateRunning
		if err := e.transition(job, types.JobStateCancelled, reason); err != nil {
			return err
		}
		if job.Decision != nil {
			for _, nodeID := range job.Decision.SelectedNodeIDs {
				e.agg.EnqueueCommand(nodeID, aggregator.NodeCommand{
					CommandID:  job.ID + "/stop",
					Type:       "stop_job",
					Parameters: map[string]string{"job_id": job.ID},
				})
			}
		}
		e.releasePlacement(job, false)
		if wasRunning {
			e.finalizeUsage(job)
			e.enqueueSettlement(job, "job cancelled: "+reason)
		} else {
			e.enqueueRefund(job, "job cancelled before start")
		}
		return nil
	})
}

// HandleChainEvent advances jobs from on-chain status updates. Events are
// deduped by eventId; updates for unknown jobs are logged and dropped.
func (e *Engine) HandleChainEvent(ev *types.ChainEvent) {
	if _, dup := e.seen.Get(ev.EventID); dup {
		return
	}
	e.seen.SetDefault(ev.EventID, struct{}{})

	if ev.Type != "hpc_job.status_changed" {
		return
	}
	jobID := ev.Attributes["job_id"]
	status := ev.Attributes["status"]

	var err error
	switch status {
	case "queued":
		err = e.AckDispatch(jobID)
	case "running":
		err = e.ReportStarted(jobID)
	case "completed":
		code := int32(0)
		if raw, ok := ev.Attributes["exit_code"]; ok {
			if parsed, perr := strconv.ParseInt(raw, 10, 32); perr == nil {
				code = int32(parsed)
			}
		}
		err = e.ReportCompleted(jobID, code)
	case "failed":
		err = e.ReportFailed(jobID, "chain reported failure")
	case "cancelled":
		err = e.Cancel(jobID, "chain reported cancellation")
	default:
		return
	}
	if err != nil {
		e.logger.Warn().Err(err).
			Str("job_id", jobID).
			Str("status", status).
			Str("tx_hash", ev.TxHash).
			Msg("dropping unreconcilable chain job update")
	}
}

// withJob runs fn under the job's lock, serializing transitions per job.
func (e *Engine) withJob(jobID string, fn func(*types.Job) error) error {
	e.mu.RLock()
	job, ok := e.jobs[jobID]
	lock := e.locks[jobID]
	e.mu.RUnlock()
	if !ok {
		return errdefs.Validation("job_not_found", "unknown job "+jobID)
	}
	lock.Lock()
	defer lock.Unlock()
	return fn(job)
}

// transition applies a guarded state change and writes one audit record.
// The caller holds the job lock.
func (e *Engine) transition(job *types.Job, to types.JobState, reason string) error {
	ok := false
	for _, next := range allowed[job.State] {
		if next == to {
			ok = true
			break
		}
	}
	if !ok {
		return errdefs.Validation("invalid_transition",
			"cannot transition job "+job.ID+" from "+string(job.State)+" to "+string(to))
	}

	from := job.State
	now := e.now().UTC()
	record := types.JobTransition{
		JobID:     job.ID,
		FromState: from,
		ToState:   to,
		Reason:    reason,
		Timestamp: now,
	}

	// Field writes happen under the engine lock so Get/List copies never
	// observe a job mid-mutation.
	e.mu.Lock()
	job.State = to
	if to.Terminal() {
		job.TerminalAt = now
	}
	e.transitions[job.ID] = append(e.transitions[job.ID], record)
	e.mu.Unlock()

	metrics.JobsTotal.WithLabelValues(string(from)).Dec()
	metrics.JobsTotal.WithLabelValues(string(to)).Inc()
	metrics.JobTransitions.WithLabelValues(string(to)).Inc()

	e.logger.Info().
		Str("job_id", job.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("job transition")

	e.broker.Publish(&events.Event{
		Type:    events.EventJobTransition,
		JobID:   job.ID,
		Message: string(from) + " -> " + string(to),
		Metadata: map[string]string{
			"from_state": string(from),
			"to_state":   string(to),
			"reason":     reason,
		},
	})
	return nil
}

// finishJob handles the shared post-actions of a successful completion.
// The caller holds the job lock.
func (e *Engine) finishJob(job *types.Job, succeeded bool, reason string) {
	e.releasePlacement(job, succeeded)
	e.finalizeUsage(job)
	e.enqueueSettlement(job, reason)
}

// releasePlacement returns the job's reserved capacity and records the
// outcome against the selected nodes. Safe to call without a decision.
func (e *Engine) releasePlacement(job *types.Job, succeeded bool) {
	if job.Decision == nil {
		return
	}
	e.agg.ReleaseCapacity(job.Decision, job.Resources)
	e.agg.RecordJobOutcome(job.Decision.SelectedNodeIDs, succeeded)
}

func (e *Engine) finalizeUsage(job *types.Job) {
	if e.usage == nil {
		return
	}
	if err := e.usage.FinalizeResource(job.ID, e.now().UTC()); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to finalize usage")
	}
}

func (e *Engine) enqueueSettlement(job *types.Job, reason string) {
	if e.settler == nil {
		return
	}
	// The job stays terminal even when settlement enqueue fails; the entry
	// is retriable and the failure is surfaced, not propagated.
	if err := e.settler.EnqueueSettlement(job, reason); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to enqueue settlement")
	}
}

func (e *Engine) enqueueRefund(job *types.Job, reason string) {
	if e.settler == nil {
		return
	}
	if err := e.settler.EnqueueRefund(job, reason); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to enqueue refund")
	}
}
