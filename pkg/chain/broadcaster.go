package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/virtengine/marketd/pkg/aggregator"
	"github.com/virtengine/marketd/pkg/errdefs"
	"github.com/virtengine/marketd/pkg/log"
	"github.com/virtengine/marketd/pkg/outbox"
	"github.com/virtengine/marketd/pkg/signing"
	"github.com/virtengine/marketd/pkg/types"
)

const settlementKeyBucket = time.Hour

// settlementMsg is the transaction body for settlement and refund
// submissions.
type settlementMsg struct {
	Type      string `json:"@type"`
	Creator   string `json:"creator"`
	JobID     string `json:"job_id"`
	EscrowID  string `json:"escrow_id"`
	Outcome   string `json:"outcome"` // "settle" or "refund"
	Reason    string `json:"reason"`
	ExitCode  *int32 `json:"exit_code,omitempty"`
	Signature string `json:"signature"`
}

// nodeMetadataMsg is one node's roster metadata pushed on-chain.
type nodeMetadataMsg struct {
	Type     string             `json:"@type"`
	Creator  string             `json:"creator"`
	NodeID   string             `json:"node_id"`
	State    string             `json:"state"`
	Capacity types.NodeCapacity `json:"capacity"`
}

// SettlementQueue turns terminal jobs into durable settlement entries. It
// is the lifecycle engine's settler; delivery happens via the outbox
// flusher and the broadcaster.
type SettlementQueue struct {
	ob              *outbox.Outbox
	providerAddress string
	signer          signing.Signer
}

// NewSettlementQueue creates the settler writing into the given outbox.
func NewSettlementQueue(ob *outbox.Outbox, providerAddress string, signer signing.Signer) *SettlementQueue {
	return &SettlementQueue{ob: ob, providerAddress: providerAddress, signer: signer}
}

// EnqueueSettlement persists a settlement for a terminal job.
func (q *SettlementQueue) EnqueueSettlement(job *types.Job, reason string) error {
	return q.enqueue(job, "settle", reason)
}

// EnqueueRefund persists an escrow refund for a job that never ran.
func (q *SettlementQueue) EnqueueRefund(job *types.Job, reason string) error {
	return q.enqueue(job, "refund", reason)
}

func (q *SettlementQueue) enqueue(job *types.Job, outcome, reason string) error {
	msg := settlementMsg{
		Type:     "/virtengine.market.v1.MsgExecuteSettlement",
		Creator:  q.providerAddress,
		JobID:    job.ID,
		EscrowID: job.EscrowID,
		Outcome:  outcome,
		Reason:   reason,
		ExitCode: job.ExitCode,
	}
	sig, err := signing.SignCanonical(q.signer, msg)
	if err != nil {
		return errdefs.Wrap(err, errdefs.ClassFatal, "sign_failed", "failed to sign settlement")
	}
	msg.Signature = sig

	key := signing.IdempotencyKey(job.ID, "settlement/"+outcome, job.TerminalAt, settlementKeyBucket)
	_, _, err = q.ob.Insert(types.OutboxKindSettlement, job.ID, msg, key)
	return err
}

// Broadcaster submits signed transactions to the chain's RPC endpoint and
// periodically pushes batched node metadata updates from the roster's
// dirty set.
type Broadcaster struct {
	rpcEndpoint     string
	providerAddress string
	agg             *aggregator.Aggregator
	client          *http.Client

	interval time.Duration
	maxBatch int

	stopCh chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewBroadcaster creates a broadcaster batching metadata every interval,
// at most maxBatch nodes per transaction.
func NewBroadcaster(rpcEndpoint, providerAddress string, agg *aggregator.Aggregator, interval time.Duration, maxBatch int) *Broadcaster {
	return &Broadcaster{
		rpcEndpoint:     rpcEndpoint,
		providerAddress: providerAddress,
		agg:             agg,
		client:          &http.Client{Timeout: 30 * time.Second},
		interval:        interval,
		maxBatch:        maxBatch,
		stopCh:          make(chan struct{}),
		logger:          log.WithComponent("broadcaster"),
	}
}

// Start begins the metadata batching loop.
func (b *Broadcaster) Start() {
	b.wg.Add(1)
	go b.run()
}

// Stop halts the loop after the in-flight batch completes.
func (b *Broadcaster) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}

func (b *Broadcaster) run() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := b.FlushMetadata(context.Background()); err != nil {
				b.logger.Warn().Err(err).Msg("metadata batch failed, nodes stay dirty")
			}
		case <-b.stopCh:
			return
		}
	}
}

// FlushMetadata submits one batched metadata transaction for the currently
// dirty nodes. A failed submission re-marks the batch dirty for the next
// tick.
func (b *Broadcaster) FlushMetadata(ctx context.Context) error {
	nodes := b.agg.DirtyNodes(b.maxBatch)
	if len(nodes) == 0 {
		return nil
	}

	msgs := make([]nodeMetadataMsg, len(nodes))
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
		msgs[i] = nodeMetadataMsg{
			Type:     "/virtengine.market.v1.MsgUpdateNodeMetadata",
			Creator:  b.providerAddress,
			NodeID:   n.ID,
			State:    string(n.State),
			Capacity: n.Capacity,
		}
	}
	if err := b.broadcast(ctx, msgs); err != nil {
		b.agg.MarkDirty(ids)
		return err
	}
	b.logger.Debug().Int("nodes", len(nodes)).Msg("node metadata batch submitted")
	return nil
}

// Send implements outbox.Sender for settlement entries.
func (b *Broadcaster) Send(ctx context.Context, entry *types.OutboxEntry) error {
	var msg settlementMsg
	if err := json.Unmarshal(entry.Payload, &msg); err != nil {
		return errdefs.Wrap(err, errdefs.ClassFatal, "payload_decode", "malformed settlement payload")
	}
	return b.broadcast(ctx, []settlementMsg{msg})
}

// broadcast wraps messages in a tx envelope and POSTs it to the chain.
func (b *Broadcaster) broadcast(ctx context.Context, msgs any) error {
	body, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	envelope, err := json.Marshal(map[string]any{
		"tx_bytes": base64.StdEncoding.EncodeToString(body),
		"mode":     "BROADCAST_MODE_SYNC",
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.rpcEndpoint+"/cosmos/tx/v1beta1/txs", bytes.NewReader(envelope))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return errdefs.Transient("broadcast_failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errdefs.Transient("broadcast_rejected",
			fmt.Errorf("chain returned %d: %s", resp.StatusCode, raw))
	}
	return nil
}

var _ outbox.Sender = (*Broadcaster)(nil)
