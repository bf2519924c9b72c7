/*
Package outbox provides at-least-once delivery of outbound records over a
durable store.

Writers insert payloads with an idempotency key; a duplicate key returns
the original entry instead of writing a second one, so producers can blindly
re-emit. Entries are keyed by a timestamp-prefixed id, which makes store
iteration order equal insertion order, and that in turn gives per-resource
FIFO flushing: the flusher only ever considers the oldest pending entry of
each resource.

Delivery runs on a single flusher goroutine. An entry is claimed by moving
it pending → inflight with a lease token via compare-and-set, sent through
a circuit breaker, and on success acked terminally. Failures back off
exponentially with jitter and return the entry to pending; after the
configured attempt budget the entry goes dead and an alert is published.
Dead entries are kept for inspection; acked entries are purged after a
retention window, but their idempotency keys remain reserved.

On shutdown the flusher drains its inflight claims back to pending so a
restart retries them; on startup it does the same for claims orphaned by a
crash.
*/
package outbox
