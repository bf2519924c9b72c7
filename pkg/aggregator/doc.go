/*
Package aggregator owns the node roster: the surface through which
provider-controlled node agents join the fleet and publish telemetry.

# Responsibilities

  - RegisterNode admits nodes into a known, active cluster owned by the
    submitting provider; the ed25519 public key presented at registration is
    fixed for the node's lifetime.
  - SubmitHeartbeat verifies the signature against the cached key, enforces
    strictly increasing sequence numbers per node, and applies capacity,
    latency, and job-count updates.
  - SubmitMetricsBatch accepts signed per-resource counter samples and
    forwards them to the usage reporter.
  - Deregister is terminal; the roster entry stays to reject replays.

# Concurrency

The roster map sits behind a reader-writer lock (reads dominate: monitor
sweeps and scheduler snapshots). The heartbeat sequence check is serialized
per node through a sharded mutex, so two concurrent beats from one node
cannot both pass the replay check. Active-node counts per cluster are atomic
counters updated on eligibility transitions.

The monitor publishes classification changes back through SetNodeState;
the lifecycle engine reserves and releases node capacity through
ReserveCapacity/ReleaseCapacity; the chain broadcaster drains nodes with
pending metadata changes through DirtyNodes.
*/
package aggregator
