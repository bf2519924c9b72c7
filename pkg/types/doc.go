/*
Package types defines the core data structures used throughout marketd.

This package contains the domain model of the marketplace runtime: nodes and
clusters registered by providers, signed heartbeats, HPC jobs and their
scheduling decisions, usage records, durable outbox entries, and parsed chain
events. All other packages depend on these types for state management, wire
encoding, and orchestration logic.

# State Machines

Nodes:

	pending → active → {stale, draining, offline} → deregistered
	                     (deregistered is terminal)

Jobs:

	submitted ──► scheduled ──► queued ──► running ──► completed
	     │            │            │          │
	     └──► failed ◄┴────────────┴──────────┴──► cancelled

Outbox entries:

	pending ⇄ inflight → acked
	    │
	    └──────────────→ dead   (after exhausting retries)

# Design Patterns

All enums are typed string constants so they serialize legibly into BoltDB
and JSON APIs. Wire-visible structs carry snake_case JSON tags matching the
external formats; internal bookkeeping fields on Node and Job carry none and
are persisted by the storage layer's own envelopes.

Ownership is single-writer: the aggregator owns Node/Cluster, the lifecycle
engine owns Job, the usage reporter owns the outbox. Types here carry no
locks; synchronization lives with each owner.
*/
package types
