package lifecycle

import (
	"strconv"
	"time"

	"github.com/virtengine/marketd/pkg/metrics"
	"github.com/virtengine/marketd/pkg/scheduler"
	"github.com/virtengine/marketd/pkg/types"
)

// enqueueSchedule queues a placement attempt for the retry worker.
func (e *Engine) enqueueSchedule(jobID string, attempt int, dueAt time.Time) {
	e.retryMu.Lock()
	e.retries = append(e.retries, pendingSchedule{jobID: jobID, attempt: attempt, dueAt: dueAt})
	e.retryMu.Unlock()
}

// runRetryLoop drains due placement attempts once a second.
func (e *Engine) runRetryLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, p := range e.takeDue(e.now()) {
				e.attemptSchedule(p)
			}
		case <-e.stopCh:
			return
		}
	}
}

// takeDue removes and returns every attempt whose dueAt has passed.
func (e *Engine) takeDue(now time.Time) []pendingSchedule {
	e.retryMu.Lock()
	defer e.retryMu.Unlock()

	var due []pendingSchedule
	remaining := e.retries[:0]
	for _, p := range e.retries {
		if !p.dueAt.After(now) {
			due = append(due, p)
		} else {
			remaining = append(remaining, p)
		}
	}
	e.retries = remaining
	return due
}

// attemptSchedule runs one placement attempt against a fresh roster
// snapshot. No-placement results back off and retry until the attempt
// budget is spent; then the job fails and the escrow is refunded.
func (e *Engine) attemptSchedule(p pendingSchedule) {
	err := e.withJob(p.jobID, func(job *types.Job) error {
		if job.State != types.JobStateSubmitted {
			// Cancelled while waiting for placement; nothing to do.
			return nil
		}

		roster := &scheduler.Roster{
			Clusters: e.agg.ListClusters(),
			Nodes:    e.agg.ListNodes(),
		}
		decision, schedErr := e.sched.Schedule(job, roster)
		if schedErr == nil {
			if reserveErr := e.agg.ReserveCapacity(decision, job.Resources); reserveErr != nil {
				// The roster moved under us; treat like no placement.
				schedErr = &scheduler.NoPlacementError{Reason: "capacity reservation lost race"}
			} else {
				e.mu.Lock()
				job.Decision = decision
				e.mu.Unlock()
				return e.transition(job, types.JobStateScheduled, "placement decided")
			}
		}

		if !scheduler.IsNoPlacement(schedErr) {
			e.failPlacement(job, schedErr.Error())
			return nil
		}

		metrics.SchedulingFailures.Inc()
		next := p.attempt + 1
		if next >= maxScheduleAttempts {
			e.failPlacement(job, "no placement after "+strconv.Itoa(next)+" attempts: "+schedErr.Error())
			return nil
		}

		backoff := baseRetryBackoff << uint(p.attempt)
		if backoff > maxRetryBackoff {
			backoff = maxRetryBackoff
		}
		e.logger.Warn().
			Str("job_id", job.ID).
			Int("attempt", next).
			Dur("backoff", backoff).
			Str("reason", schedErr.Error()).
			Msg("placement failed, retrying")
		e.enqueueSchedule(job.ID, next, e.now().Add(backoff))
		return nil
	})
	if err != nil {
		e.logger.Error().Err(err).Str("job_id", p.jobID).Msg("placement attempt failed")
	}
}

// failPlacement fails a submitted job and refunds the escrow. The caller
// holds the job lock.
func (e *Engine) failPlacement(job *types.Job, reason string) {
	if err := e.transition(job, types.JobStateFailed, reason); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("could not fail unplaceable job")
		return
	}
	e.enqueueRefund(job, reason)
}
