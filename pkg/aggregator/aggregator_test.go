package aggregator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/virtengine/marketd/pkg/errdefs"
	"github.com/virtengine/marketd/pkg/events"
	"github.com/virtengine/marketd/pkg/signing"
	"github.com/virtengine/marketd/pkg/types"
)

func newTestAggregator(t *testing.T) (*Aggregator, *signing.Keypair) {
	t.Helper()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	agg := New(broker)
	agg.UpsertCluster(&types.Cluster{
		ID:              "c1",
		ProviderAddress: "provider-1",
		Region:          "eu-west",
		State:           types.ClusterStateActive,
	})

	kp, err := signing.GenerateKeypair()
	require.NoError(t, err)
	return agg, kp
}

func register(t *testing.T, agg *Aggregator, kp *signing.Keypair, nodeID string) {
	t.Helper()
	err := agg.RegisterNode(&RegisterRequest{
		NodeID:          nodeID,
		ClusterID:       "c1",
		ProviderAddress: "provider-1",
		PublicKey:       kp.PublicKey(),
		Hostname:        nodeID + ".example.com",
		Locality:        types.NodeLocality{Region: "eu-west", Zone: "z1", Rack: "r1"},
	})
	require.NoError(t, err)
}

func signedHeartbeat(t *testing.T, kp *signing.Keypair, nodeID string, seq uint64) (*types.Heartbeat, string) {
	t.Helper()
	hb := &types.Heartbeat{
		NodeID:         nodeID,
		ClusterID:      "c1",
		SequenceNumber: seq,
		Timestamp:      time.Now().UTC(),
		Capacity: types.NodeCapacity{
			CPUCoresTotal:     8,
			CPUCoresAvailable: 8,
			MemoryGBTotal:     32,
			MemoryGBAvailable: 32,
		},
	}
	sig, err := signing.SignCanonical(kp, hb)
	require.NoError(t, err)
	return hb, sig
}

func TestRegisterNodeValidation(t *testing.T) {
	agg, kp := newTestAggregator(t)

	tests := []struct {
		name string
		req  *RegisterRequest
		code string
	}{
		{
			name: "unknown cluster",
			req: &RegisterRequest{
				NodeID: "n1", ClusterID: "nope",
				ProviderAddress: "provider-1", PublicKey: kp.PublicKey(),
			},
			code: "unknown_cluster",
		},
		{
			name: "wrong provider",
			req: &RegisterRequest{
				NodeID: "n1", ClusterID: "c1",
				ProviderAddress: "intruder", PublicKey: kp.PublicKey(),
			},
			code: "provider_mismatch",
		},
		{
			name: "bad key length",
			req: &RegisterRequest{
				NodeID: "n1", ClusterID: "c1",
				ProviderAddress: "provider-1", PublicKey: []byte("short"),
			},
			code: "invalid_public_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := agg.RegisterNode(tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.code, errdefs.CodeOf(err))
		})
	}
}

func TestRegisterNodeKeyIsFixed(t *testing.T) {
	agg, kp := newTestAggregator(t)
	register(t, agg, kp, "n1")

	// Same key: idempotent conflict.
	err := agg.RegisterNode(&RegisterRequest{
		NodeID: "n1", ClusterID: "c1",
		ProviderAddress: "provider-1", PublicKey: kp.PublicKey(),
	})
	assert.True(t, errdefs.IsClass(err, errdefs.ClassConflict))

	// Different key: policy rejection.
	other, err := signing.GenerateKeypair()
	require.NoError(t, err)
	err = agg.RegisterNode(&RegisterRequest{
		NodeID: "n1", ClusterID: "c1",
		ProviderAddress: "provider-1", PublicKey: other.PublicKey(),
	})
	require.Error(t, err)
	assert.Equal(t, "key_mismatch", errdefs.CodeOf(err))
}

func TestSubmitHeartbeatSequenceOrdering(t *testing.T) {
	agg, kp := newTestAggregator(t)
	register(t, agg, kp, "n1")

	// seq=1..5 accepted.
	for seq := uint64(1); seq <= 5; seq++ {
		hb, sig := signedHeartbeat(t, kp, "n1", seq)
		ack, err := agg.SubmitHeartbeat(hb, sig)
		require.NoError(t, err)
		assert.True(t, ack.Accepted)
		assert.Equal(t, seq, ack.SequenceAck)
	}

	// Replay of seq=3 rejected, stored sequence unchanged.
	hb, sig := signedHeartbeat(t, kp, "n1", 3)
	ack, err := agg.SubmitHeartbeat(hb, sig)
	require.Error(t, err)
	assert.True(t, errdefs.IsClass(err, errdefs.ClassConflict))
	assert.False(t, ack.Accepted)
	assert.Equal(t, "stale_sequence", ack.Errors[0].Code)

	node, ok := agg.GetNode("n1")
	require.True(t, ok)
	assert.Equal(t, uint64(5), node.LastSequenceNumber)

	// seq=last rejected, seq=last+1 accepted, huge gap accepted.
	hb, sig = signedHeartbeat(t, kp, "n1", 5)
	_, err = agg.SubmitHeartbeat(hb, sig)
	assert.Error(t, err)

	hb, sig = signedHeartbeat(t, kp, "n1", 6)
	ack, err = agg.SubmitHeartbeat(hb, sig)
	require.NoError(t, err)
	assert.True(t, ack.Accepted)

	hb, sig = signedHeartbeat(t, kp, "n1", 6+1_000_000)
	ack, err = agg.SubmitHeartbeat(hb, sig)
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
}

func TestSubmitHeartbeatBadSignature(t *testing.T) {
	agg, kp := newTestAggregator(t)
	register(t, agg, kp, "n1")

	other, err := signing.GenerateKeypair()
	require.NoError(t, err)
	hb, sig := signedHeartbeat(t, other, "n1", 1)
	ack, err := agg.SubmitHeartbeat(hb, sig)
	require.Error(t, err)
	assert.False(t, ack.Accepted)
	assert.Equal(t, "signature_invalid", ack.Errors[0].Code)

	// Sequence number untouched.
	node, ok := agg.GetNode("n1")
	require.True(t, ok)
	assert.Equal(t, uint64(0), node.LastSequenceNumber)
}

func TestHeartbeatActivatesNode(t *testing.T) {
	agg, kp := newTestAggregator(t)
	register(t, agg, kp, "n1")

	node, _ := agg.GetNode("n1")
	assert.Equal(t, types.NodeStatePending, node.State)

	hb, sig := signedHeartbeat(t, kp, "n1", 1)
	_, err := agg.SubmitHeartbeat(hb, sig)
	require.NoError(t, err)

	node, _ = agg.GetNode("n1")
	assert.Equal(t, types.NodeStateActive, node.State)
	assert.Equal(t, types.HealthHealthy, node.Health)

	clusters := agg.ListClusters()
	require.Len(t, clusters, 1)
	assert.Equal(t, int32(1), clusters[0].AvailableNodes)
}

func TestDeregisterIsTerminal(t *testing.T) {
	agg, kp := newTestAggregator(t)
	register(t, agg, kp, "n1")

	hb, sig := signedHeartbeat(t, kp, "n1", 1)
	_, err := agg.SubmitHeartbeat(hb, sig)
	require.NoError(t, err)

	require.NoError(t, agg.Deregister("n1", "test"))

	hb, sig = signedHeartbeat(t, kp, "n1", 2)
	ack, err := agg.SubmitHeartbeat(hb, sig)
	require.Error(t, err)
	assert.False(t, ack.Accepted)

	// Re-registration after explicit deregistration is rejected.
	err = agg.RegisterNode(&RegisterRequest{
		NodeID: "n1", ClusterID: "c1",
		ProviderAddress: "provider-1", PublicKey: kp.PublicKey(),
	})
	require.Error(t, err)
	assert.Equal(t, "node_deregistered", errdefs.CodeOf(err))
}

func TestReserveAndReleaseCapacity(t *testing.T) {
	agg, kp := newTestAggregator(t)
	register(t, agg, kp, "n1")
	hb, sig := signedHeartbeat(t, kp, "n1", 1)
	_, err := agg.SubmitHeartbeat(hb, sig)
	require.NoError(t, err)

	decision := &types.SchedulingDecision{
		JobID:             "j1",
		SelectedClusterID: "c1",
		SelectedNodeIDs:   []string{"n1"},
	}
	res := types.JobResources{Nodes: 1, CPUPerNode: 4, MemGBPerNode: 16}

	require.NoError(t, agg.ReserveCapacity(decision, res))
	node, _ := agg.GetNode("n1")
	assert.Equal(t, int32(4), node.Capacity.CPUCoresAvailable)
	assert.Equal(t, int32(16), node.Capacity.MemoryGBAvailable)

	// Reserving beyond what is left fails without partial effect.
	big := types.JobResources{Nodes: 1, CPUPerNode: 8}
	err = agg.ReserveCapacity(decision, big)
	assert.True(t, errdefs.IsClass(err, errdefs.ClassConflict))
	node, _ = agg.GetNode("n1")
	assert.Equal(t, int32(4), node.Capacity.CPUCoresAvailable)

	agg.ReleaseCapacity(decision, res)
	node, _ = agg.GetNode("n1")
	assert.Equal(t, int32(8), node.Capacity.CPUCoresAvailable)
	assert.Equal(t, int32(32), node.Capacity.MemoryGBAvailable)
}

func TestSubmitMetricsBatch(t *testing.T) {
	agg, kp := newTestAggregator(t)
	register(t, agg, kp, "n1")

	sink := &captureSink{}
	agg.SetMetricsSink(sink)

	at := time.Now().UTC()
	good := MetricRecord{
		ResourceID: "res-1",
		Counters:   types.CumulativeCounters{CPUCoreSeconds: 100},
		At:         at,
	}
	payload := struct {
		ResourceID string                   `json:"resource_id"`
		Counters   types.CumulativeCounters `json:"counters"`
		At         time.Time                `json:"at"`
	}{good.ResourceID, good.Counters, good.At}
	sig, err := signing.SignCanonical(kp, payload)
	require.NoError(t, err)
	good.Signature = sig

	bad := good
	bad.Signature = "bogus"

	accepted, rejected := agg.SubmitMetricsBatch("n1", []MetricRecord{good, bad})
	assert.Equal(t, 1, accepted)
	require.Len(t, rejected, 1)
	assert.Equal(t, 1, rejected[0].Index)
	assert.Equal(t, "signature_invalid", rejected[0].Code)
	assert.Equal(t, []string{"res-1"}, sink.resources)
}

type captureSink struct {
	resources []string
}

func (s *captureSink) RecordMetrics(resourceID string, _ types.CumulativeCounters, _ time.Time) error {
	s.resources = append(s.resources, resourceID)
	return nil
}

func TestConcurrentHeartbeatAndStateChanges(t *testing.T) {
	agg, kp := newTestAggregator(t)
	register(t, agg, kp, "n1")

	type beat struct {
		hb  *types.Heartbeat
		sig string
	}
	beats := make([]beat, 50)
	for i := range beats {
		hb, sig := signedHeartbeat(t, kp, "n1", uint64(i+1))
		beats[i] = beat{hb, sig}
	}

	// Heartbeats race the monitor's state rewrites; run under -race.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, b := range beats {
			agg.SubmitHeartbeat(b.hb, b.sig)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			agg.SetNodeState("n1", types.NodeStateStale, types.HealthStale)
			agg.SetNodeState("n1", types.NodeStateActive, types.HealthHealthy)
		}
	}()
	wg.Wait()

	node, ok := agg.GetNode("n1")
	require.True(t, ok)
	assert.Equal(t, uint64(50), node.LastSequenceNumber)
}

func TestEnqueueCommandDeliveredOnce(t *testing.T) {
	agg, kp := newTestAggregator(t)
	register(t, agg, kp, "n1")

	agg.EnqueueCommand("n1", NodeCommand{CommandID: "cmd-1", Type: "drain"})

	hb, sig := signedHeartbeat(t, kp, "n1", 1)
	ack, err := agg.SubmitHeartbeat(hb, sig)
	require.NoError(t, err)
	require.Len(t, ack.Commands, 1)
	assert.Equal(t, "drain", ack.Commands[0].Type)

	hb, sig = signedHeartbeat(t, kp, "n1", 2)
	ack, err = agg.SubmitHeartbeat(hb, sig)
	require.NoError(t, err)
	assert.Empty(t, ack.Commands)
}
