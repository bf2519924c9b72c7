/*
Package lifecycle drives every job through its state machine and
orchestrates the surrounding components at each transition.

# State graph

	submitted ──► scheduled ──► queued ──► running ──► completed
	     │            │            │          │
	     └──► failed ◄┴────────────┴──────────┴──► cancelled

Each transition is guarded by the current state and writes one append-only
audit record. Transitions for a single job are serialized under that job's
lock; different jobs proceed independently.

# Side effects

  - Entering scheduled records the placement decision and reserves node
    capacity in the aggregator.
  - Entering a terminal state releases reserved capacity and records the
    outcome against the selected nodes' reliability history.
  - Completion and failure of a running job finalize the usage stream and
    enqueue settlement; cancellation before start enqueues a refund.
  - Settlement failures never roll a job back: the entry is retriable in
    the outbox and the job stays terminal.

# Placement retries

Placement failures back off (15s doubling, capped at 5 minutes) for up to
5 attempts, after which the job fails and the escrow is refunded. The
retry worker runs on its own goroutine and drains due attempts once a
second.

Jobs can also be advanced by on-chain status events; the engine dedupes
them by event id and drops updates for unknown jobs.
*/
package lifecycle
