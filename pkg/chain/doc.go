/*
Package chain connects the runtime to the consensus layer in both
directions.

Client holds a websocket subscription to the chain's transaction event
stream. One subscription per configured event type is issued on connect
and re-issued after every reconnect; reconnects back off exponentially.
Incoming frames are reduced to ChainEvents with a stable event id of
(txHash, action, attribute index), so consumers can dedupe the at-least-
once delivery across reconnects. Unknown actions are dropped silently.

Outbound, SettlementQueue converts terminal jobs into durable settlement
entries and Broadcaster submits them, plus periodic batched node-metadata
updates, as signed transactions to the chain's RPC endpoint. Settlements
ride the outbox so a rejected transaction is retried rather than lost.
*/
package chain
