package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/virtengine/marketd/pkg/aggregator"
	"github.com/virtengine/marketd/pkg/events"
	"github.com/virtengine/marketd/pkg/outbox"
	"github.com/virtengine/marketd/pkg/signing"
	"github.com/virtengine/marketd/pkg/storage"
	"github.com/virtengine/marketd/pkg/types"
)

type txCapture struct {
	srv    *httptest.Server
	bodies [][]byte
	status int
}

func newTxCapture(t *testing.T) *txCapture {
	t.Helper()
	c := &txCapture{status: http.StatusOK}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/cosmos/tx/v1beta1/txs", r.URL.Path)
		var envelope struct {
			TxBytes string `json:"tx_bytes"`
			Mode    string `json:"mode"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&envelope))
		raw, err := base64.StdEncoding.DecodeString(envelope.TxBytes)
		require.NoError(t, err)
		c.bodies = append(c.bodies, raw)
		w.WriteHeader(c.status)
	}))
	t.Cleanup(c.srv.Close)
	return c
}

func TestSettlementQueueIdempotency(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	kp, err := signing.GenerateKeypair()
	require.NoError(t, err)
	q := NewSettlementQueue(outbox.New(store), "provider-1", kp)

	job := &types.Job{ID: "j1", EscrowID: "e1", TerminalAt: time.Now().UTC()}
	require.NoError(t, q.EnqueueSettlement(job, "job completed"))
	require.NoError(t, q.EnqueueSettlement(job, "job completed"))

	entries, err := store.ListEntriesByState(types.OutboxStatePending)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.OutboxKindSettlement, entries[0].Kind)

	var msg settlementMsg
	require.NoError(t, json.Unmarshal(entries[0].Payload, &msg))
	assert.Equal(t, "settle", msg.Outcome)
	assert.Equal(t, "e1", msg.EscrowID)
	assert.NotEmpty(t, msg.Signature)

	// A refund for the same job is a distinct entry.
	require.NoError(t, q.EnqueueRefund(job, "cancelled"))
	entries, err = store.ListEntriesByState(types.OutboxStatePending)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestBroadcasterSendsSettlement(t *testing.T) {
	capture := newTxCapture(t)
	b := NewBroadcaster(capture.srv.URL, "provider-1", nil, time.Minute, 50)

	payload, err := json.Marshal(settlementMsg{
		Type: "/virtengine.market.v1.MsgExecuteSettlement",
		Creator: "provider-1", JobID: "j1", Outcome: "settle",
	})
	require.NoError(t, err)

	err = b.Send(context.Background(), &types.OutboxEntry{
		Kind: types.OutboxKindSettlement, Payload: payload,
	})
	require.NoError(t, err)
	require.Len(t, capture.bodies, 1)

	var sent []settlementMsg
	require.NoError(t, json.Unmarshal(capture.bodies[0], &sent))
	require.Len(t, sent, 1)
	assert.Equal(t, "j1", sent[0].JobID)
}

func TestBroadcasterRejectionIsRetriable(t *testing.T) {
	capture := newTxCapture(t)
	capture.status = http.StatusServiceUnavailable
	b := NewBroadcaster(capture.srv.URL, "provider-1", nil, time.Minute, 50)

	err := b.Send(context.Background(), &types.OutboxEntry{
		Kind: types.OutboxKindSettlement, Payload: []byte(`{}`),
	})
	assert.Error(t, err)
}

func TestFlushMetadataBatchesDirtyNodes(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	agg := aggregator.New(broker)
	agg.UpsertCluster(&types.Cluster{ID: "c1", ProviderAddress: "p1", State: types.ClusterStateActive})
	kp, err := signing.GenerateKeypair()
	require.NoError(t, err)
	require.NoError(t, agg.RegisterNode(&aggregator.RegisterRequest{
		NodeID: "n1", ClusterID: "c1", ProviderAddress: "p1", PublicKey: kp.PublicKey(),
	}))
	hb := &types.Heartbeat{NodeID: "n1", ClusterID: "c1", SequenceNumber: 1, Timestamp: time.Now().UTC()}
	sig, err := signing.SignCanonical(kp, hb)
	require.NoError(t, err)
	_, err = agg.SubmitHeartbeat(hb, sig)
	require.NoError(t, err)

	capture := newTxCapture(t)
	b := NewBroadcaster(capture.srv.URL, "p1", agg, time.Minute, 50)

	require.NoError(t, b.FlushMetadata(context.Background()))
	require.Len(t, capture.bodies, 1)

	var msgs []nodeMetadataMsg
	require.NoError(t, json.Unmarshal(capture.bodies[0], &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "n1", msgs[0].NodeID)
	assert.Equal(t, string(types.NodeStateActive), msgs[0].State)

	// The heartbeat's dirty flag was consumed; nothing further to send.
	require.NoError(t, b.FlushMetadata(context.Background()))
	assert.Len(t, capture.bodies, 1)
}
