/*
Package api exposes the HTTP surface of the daemon.

Routes under /api/v1 serve three audiences: node agents (registration,
signed heartbeats, metric batches), customers (job submission, query,
cancel), and providers (lifecycle callbacks). /health and /metrics serve
operators.

Errors carry a stable machine code plus a human message. The status line
follows the error class: validation and policy failures are 4xx, transient
failures are 503 with a Retry-After hint, idempotent resubmissions answer
2xx with the previously admitted object, and internal failures expose only
a correlation id.
*/
package api
