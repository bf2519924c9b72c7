/*
Package reporter converts raw cumulative counters into discrete, signed,
billable usage records.

Each resource carries a snapshot of its last observed counters. A new
sample computes the field-wise delta, covers the period since the previous
sample, and is refused until at least the minimum reporting period has
elapsed; shorter gaps fold into the next record. Counter decreases are
treated as an agent restart: the decreased field starts a new epoch and
its delta is taken from zero.

The usage id is a deterministic UUID of (resource, periodStart, periodEnd)
and doubles as the outbox idempotency key, so re-emitting an identical
record is a no-op end to end. Periods never overlap for a resource, and at
most one record per resource is final.

Delivery is delegated to the outbox; MarketplaceSender translates stored
records into the marketplace's submission format on the way out.
*/
package reporter
