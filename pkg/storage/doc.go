/*
Package storage persists the durable outbox in BoltDB.

The outbox is the only persistent structure marketd owns: the node roster and
job table are rebuilt from heartbeats and the chain after a restart, but an
outbound usage or settlement record must survive a crash between emission and
delivery.

Entries are stored as JSON values keyed by their timestamp-prefixed IDs, so a
plain cursor walk yields insertion order and the flusher's
oldest-per-resource selection is a single pass. A second bucket maps
idempotency keys to entry IDs and enforces their uniqueness across the whole
outbox lifetime, including after acked entries have been purged.

State transitions that claim an entry (pending → inflight) go through
CompareAndSetState inside one BoltDB write transaction, which is what makes
the flusher's lease safe against a concurrent recovery pass.
*/
package storage
