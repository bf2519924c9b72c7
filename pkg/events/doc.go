/*
Package events provides the in-process event bus connecting marketd
components.

The aggregator publishes heartbeat acceptances, the monitor publishes health
transitions and alerts, the lifecycle engine publishes job transitions, and
the outbox flusher publishes dead-letter alerts. Subscribers receive events
on buffered channels; a slow subscriber drops events rather than blocking
the publisher, so anything that must not be lost goes through the outbox,
not the bus.
*/
package events
