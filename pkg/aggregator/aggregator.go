package aggregator

import (
	"bytes"
	"crypto/ed25519"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/virtengine/marketd/pkg/errdefs"
	"github.com/virtengine/marketd/pkg/events"
	"github.com/virtengine/marketd/pkg/log"
	"github.com/virtengine/marketd/pkg/metrics"
	"github.com/virtengine/marketd/pkg/signing"
	"github.com/virtengine/marketd/pkg/types"
)

// shardCount bounds lock contention for per-node serialization.
const shardCount = 32

// RegisterRequest is a node agent's registration submission.
type RegisterRequest struct {
	NodeID          string             `json:"node_id"`
	ClusterID       string             `json:"cluster_id"`
	ProviderAddress string             `json:"provider_address"`
	PublicKey       []byte             `json:"public_key"`
	Hostname        string             `json:"hostname"`
	Capacity        types.NodeCapacity `json:"capacity"`
	Locality        types.NodeLocality `json:"locality"`
}

// HeartbeatAck is the response to a heartbeat submission.
type HeartbeatAck struct {
	Accepted             bool              `json:"accepted"`
	SequenceAck          uint64            `json:"sequence_ack"`
	Timestamp            time.Time         `json:"timestamp"`
	NextHeartbeatSeconds int32             `json:"next_heartbeat_seconds"`
	Commands             []NodeCommand     `json:"commands,omitempty"`
	Errors               []SubmissionError `json:"errors,omitempty"`
}

// NodeCommand is a server-issued instruction returned with a heartbeat ack.
type NodeCommand struct {
	CommandID  string            `json:"command_id"`
	Type       string            `json:"type"` // "drain", "ping"
	Parameters map[string]string `json:"parameters,omitempty"`
}

// SubmissionError carries a stable code for a rejected submission.
type SubmissionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MetricRecord is one non-heartbeat metric sample for a billable resource.
type MetricRecord struct {
	ResourceID string                   `json:"resource_id"`
	Counters   types.CumulativeCounters `json:"counters"`
	At         time.Time                `json:"at"`
	Signature  string                   `json:"signature"`
}

// RejectedRecord pairs a rejected metric record index with its reason.
type RejectedRecord struct {
	Index int    `json:"index"`
	Code  string `json:"code"`
}

// MetricsSink receives validated metric records. Implemented by the usage
// reporter.
type MetricsSink interface {
	RecordMetrics(resourceID string, counters types.CumulativeCounters, at time.Time) error
}

// Aggregator owns the node roster: registration, heartbeat ingestion,
// sequence validation, and capacity accounting. All other components read
// the roster through its query methods.
type Aggregator struct {
	mu       sync.RWMutex
	nodes    map[string]*types.Node
	clusters map[string]*types.Cluster
	commands map[string][]NodeCommand

	// Per-node serialization for the sequence check; the roster lock is not
	// held across signature verification.
	shards [shardCount]sync.Mutex

	// Active-node counters per cluster, updated atomically.
	clusterAvail map[string]*atomic.Int64

	// Nodes whose metadata changed since the last chain batch.
	dirty map[string]bool

	broker *events.Broker
	sink   MetricsSink
	logger zerolog.Logger
}

// New creates an aggregator publishing to the given broker. The metrics
// sink may be set later with SetMetricsSink (the reporter is constructed
// after the aggregator).
func New(broker *events.Broker) *Aggregator {
	return &Aggregator{
		nodes:        make(map[string]*types.Node),
		clusters:     make(map[string]*types.Cluster),
		commands:     make(map[string][]NodeCommand),
		clusterAvail: make(map[string]*atomic.Int64),
		dirty:        make(map[string]bool),
		broker:       broker,
		logger:       log.WithComponent("aggregator"),
	}
}

// SetMetricsSink wires the destination for validated metric records.
func (a *Aggregator) SetMetricsSink(sink MetricsSink) {
	a.sink = sink
}

// UpsertCluster creates or updates a cluster roster entry.
func (a *Aggregator) UpsertCluster(cluster *types.Cluster) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := *cluster
	a.clusters[c.ID] = &c
	if _, ok := a.clusterAvail[c.ID]; !ok {
		a.clusterAvail[c.ID] = &atomic.Int64{}
	}
}

// RegisterNode admits a node into the roster.
//
// Rejected when the node is already registered under a different key, when
// the cluster is unknown or not active, or when the provider does not own
// the cluster. Re-registration with the same key is idempotent.
func (a *Aggregator) RegisterNode(req *RegisterRequest) error {
	if len(req.PublicKey) != ed25519.PublicKeySize {
		return errdefs.Validation("invalid_public_key", "public key must be 32 bytes")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	cluster, ok := a.clusters[req.ClusterID]
	if !ok {
		return errdefs.Validation("unknown_cluster", "cluster is not registered")
	}
	if cluster.State != types.ClusterStateActive {
		return errdefs.Validation("cluster_not_active", "cluster is not accepting nodes")
	}
	if cluster.ProviderAddress != req.ProviderAddress {
		return errdefs.Policy("provider_mismatch", "provider does not own this cluster")
	}

	if existing, ok := a.nodes[req.NodeID]; ok {
		if existing.State == types.NodeStateDeregistered {
			return errdefs.Validation("node_deregistered", "node was deregistered")
		}
		if !bytes.Equal(existing.PublicKey, req.PublicKey) {
			return errdefs.Policy("key_mismatch", "node already registered with a different key")
		}
		// Same key: idempotent re-registration.
		return errdefs.Conflict("already_registered", "node is already registered")
	}

	now := time.Now()
	a.nodes[req.NodeID] = &types.Node{
		ID:              req.NodeID,
		ClusterID:       req.ClusterID,
		ProviderAddress: req.ProviderAddress,
		PublicKey:       append([]byte(nil), req.PublicKey...),
		Hostname:        req.Hostname,
		Capacity:        req.Capacity,
		Locality:        req.Locality,
		State:           types.NodeStatePending,
		Health:          types.HealthHealthy,
		LastHeartbeatAt: now,
		RegisteredAt:    now,
	}
	cluster.TotalNodes++
	a.dirty[req.NodeID] = true

	a.logger.Info().Str("node_id", req.NodeID).Str("cluster_id", req.ClusterID).Msg("node registered")
	a.broker.Publish(&events.Event{Type: events.EventNodeRegistered, NodeID: req.NodeID})
	return nil
}

// SubmitHeartbeat validates and applies a signed heartbeat. The per-node
// shard lock serializes the sequence check; a replay leaves the stored
// sequence number untouched.
func (a *Aggregator) SubmitHeartbeat(hb *types.Heartbeat, signature string) (*HeartbeatAck, error) {
	shard := &a.shards[shardIndex(hb.NodeID)]
	shard.Lock()
	defer shard.Unlock()

	// Snapshot the checked fields while the roster lock is held; the
	// monitor rewrites State concurrently. The key bytes never change
	// after registration.
	a.mu.RLock()
	node, ok := a.nodes[hb.NodeID]
	var state types.NodeState
	var lastSeq uint64
	var key ed25519.PublicKey
	if ok {
		state = node.State
		lastSeq = node.LastSequenceNumber
		key = ed25519.PublicKey(node.PublicKey)
	}
	a.mu.RUnlock()
	if !ok {
		metrics.HeartbeatsRejected.WithLabelValues("node_not_registered").Inc()
		return a.reject(hb, "node_not_registered", "node must be registered first"),
			errdefs.Validation("node_not_registered", "node must be registered first")
	}
	if state == types.NodeStateDeregistered {
		metrics.HeartbeatsRejected.WithLabelValues("node_deregistered").Inc()
		return a.reject(hb, "node_deregistered", "node was deregistered"),
			errdefs.Validation("node_deregistered", "node was deregistered")
	}

	// Hot path: verify against the key bytes cached at registration.
	if !signing.VerifyCanonical(key, hb, signature) {
		metrics.HeartbeatsRejected.WithLabelValues("signature_invalid").Inc()
		return a.reject(hb, "signature_invalid", "heartbeat signature verification failed"),
			errdefs.Validation("signature_invalid", "heartbeat signature verification failed")
	}

	if hb.SequenceNumber <= lastSeq {
		metrics.HeartbeatsRejected.WithLabelValues("stale_sequence").Inc()
		return a.reject(hb, "stale_sequence", "sequence number replayed"),
			errdefs.Conflict("stale_sequence", "sequence number replayed")
	}

	a.mu.Lock()
	wasEligible := node.State == types.NodeStateActive
	node.LastSequenceNumber = hb.SequenceNumber
	node.LastHeartbeatAt = time.Now()
	node.Capacity = hb.Capacity
	node.Health = types.HealthHealthy
	node.RunningJobs = hb.Jobs.RunningCount
	node.PendingJobs = hb.Jobs.PendingCount
	if avg := averageLatency(hb.Latency); avg > 0 {
		node.AvgLatencyMicros = avg
	}
	if node.State == types.NodeStatePending || node.State == types.NodeStateStale ||
		node.State == types.NodeStateOffline {
		node.State = types.NodeStateActive
	}
	nowEligible := node.State == types.NodeStateActive
	a.dirty[node.ID] = true
	a.mu.Unlock()

	if nowEligible && !wasEligible {
		a.clusterAvailCounter(node.ClusterID).Add(1)
	}

	metrics.HeartbeatsAccepted.Inc()
	a.broker.Publish(&events.Event{Type: events.EventHeartbeatAccepted, NodeID: hb.NodeID})

	ack := &HeartbeatAck{
		Accepted:             true,
		SequenceAck:          hb.SequenceNumber,
		Timestamp:            time.Now(),
		NextHeartbeatSeconds: nextInterval(hb),
		Commands:             a.drainCommands(hb.NodeID),
	}
	return ack, nil
}

// SubmitMetricsBatch validates each metric record independently and hands
// accepted ones to the metrics sink.
func (a *Aggregator) SubmitMetricsBatch(nodeID string, records []MetricRecord) (int, []RejectedRecord) {
	a.mu.RLock()
	node, ok := a.nodes[nodeID]
	var state types.NodeState
	var key ed25519.PublicKey
	if ok {
		state = node.State
		key = ed25519.PublicKey(node.PublicKey)
	}
	a.mu.RUnlock()
	if !ok || state == types.NodeStateDeregistered {
		rejected := make([]RejectedRecord, len(records))
		for i := range records {
			rejected[i] = RejectedRecord{Index: i, Code: "node_not_registered"}
		}
		return 0, rejected
	}

	accepted := 0
	var rejected []RejectedRecord
	for i, rec := range records {
		payload := struct {
			ResourceID string                   `json:"resource_id"`
			Counters   types.CumulativeCounters `json:"counters"`
			At         time.Time                `json:"at"`
		}{rec.ResourceID, rec.Counters, rec.At}

		if !signing.VerifyCanonical(key, payload, rec.Signature) {
			rejected = append(rejected, RejectedRecord{Index: i, Code: "signature_invalid"})
			continue
		}
		if rec.ResourceID == "" {
			rejected = append(rejected, RejectedRecord{Index: i, Code: "missing_resource"})
			continue
		}
		if a.sink != nil {
			if err := a.sink.RecordMetrics(rec.ResourceID, rec.Counters, rec.At); err != nil {
				rejected = append(rejected, RejectedRecord{Index: i, Code: errdefs.CodeOf(err)})
				continue
			}
		}
		accepted++
	}
	return accepted, rejected
}

// Deregister removes a node permanently. Future submissions are rejected.
func (a *Aggregator) Deregister(nodeID, reason string) error {
	a.mu.Lock()
	node, ok := a.nodes[nodeID]
	if !ok {
		a.mu.Unlock()
		return errdefs.Validation("node_not_registered", "unknown node")
	}
	wasEligible := node.State == types.NodeStateActive
	node.State = types.NodeStateDeregistered
	if cluster, ok := a.clusters[node.ClusterID]; ok && cluster.TotalNodes > 0 {
		cluster.TotalNodes--
	}
	a.mu.Unlock()

	if wasEligible {
		a.clusterAvailCounter(node.ClusterID).Add(-1)
	}

	a.logger.Info().Str("node_id", nodeID).Str("reason", reason).Msg("node deregistered")
	a.broker.Publish(&events.Event{
		Type:    events.EventNodeDeregistered,
		NodeID:  nodeID,
		Message: reason,
	})
	return nil
}

// EnqueueCommand queues a command for delivery with the node's next
// heartbeat ack.
func (a *Aggregator) EnqueueCommand(nodeID string, cmd NodeCommand) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commands[nodeID] = append(a.commands[nodeID], cmd)
}

// GetNode returns a copy of a roster entry.
func (a *Aggregator) GetNode(nodeID string) (*types.Node, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	node, ok := a.nodes[nodeID]
	if !ok {
		return nil, false
	}
	n := *node
	return &n, true
}

// ListNodes returns a copy of the entire roster.
func (a *Aggregator) ListNodes() []*types.Node {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*types.Node, 0, len(a.nodes))
	for _, node := range a.nodes {
		n := *node
		out = append(out, &n)
	}
	return out
}

// ListClusters returns a copy of the cluster roster with live
// available-node counts.
func (a *Aggregator) ListClusters() []*types.Cluster {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*types.Cluster, 0, len(a.clusters))
	for _, cluster := range a.clusters {
		c := *cluster
		if ctr, ok := a.clusterAvail[c.ID]; ok {
			c.AvailableNodes = int32(ctr.Load())
		}
		out = append(out, &c)
	}
	return out
}

// SetNodeState is the monitor's atomic publish of a classification change
// affecting scheduling eligibility.
func (a *Aggregator) SetNodeState(nodeID string, state types.NodeState, health types.HealthState) {
	a.mu.Lock()
	node, ok := a.nodes[nodeID]
	if !ok {
		a.mu.Unlock()
		return
	}
	wasEligible := node.State == types.NodeStateActive
	node.State = state
	node.Health = health
	nowEligible := state == types.NodeStateActive
	clusterID := node.ClusterID
	a.dirty[nodeID] = true
	a.mu.Unlock()

	if wasEligible != nowEligible {
		delta := int64(-1)
		if nowEligible {
			delta = 1
		}
		a.clusterAvailCounter(clusterID).Add(delta)
	}
}

// ReserveCapacity deducts a job's demand from the selected nodes. Fails
// without partial effect if any node lacks the capacity.
func (a *Aggregator) ReserveCapacity(decision *types.SchedulingDecision, res types.JobResources) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	nodes := make([]*types.Node, 0, len(decision.SelectedNodeIDs))
	for _, id := range decision.SelectedNodeIDs {
		node, ok := a.nodes[id]
		if !ok || node.State != types.NodeStateActive {
			return errdefs.Conflict("node_unavailable", "selected node no longer active")
		}
		if node.Capacity.CPUCoresAvailable < res.CPUPerNode ||
			node.Capacity.MemoryGBAvailable < res.MemGBPerNode ||
			node.Capacity.GPUsAvailable < res.GPUsPerNode {
			return errdefs.Conflict("insufficient_capacity", "selected node lacks free capacity")
		}
		nodes = append(nodes, node)
	}
	for _, node := range nodes {
		node.Capacity.CPUCoresAvailable -= res.CPUPerNode
		node.Capacity.MemoryGBAvailable -= res.MemGBPerNode
		node.Capacity.GPUsAvailable -= res.GPUsPerNode
		a.dirty[node.ID] = true
	}
	return nil
}

// ReleaseCapacity returns a job's demand to its nodes.
func (a *Aggregator) ReleaseCapacity(decision *types.SchedulingDecision, res types.JobResources) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range decision.SelectedNodeIDs {
		node, ok := a.nodes[id]
		if !ok {
			continue
		}
		node.Capacity.CPUCoresAvailable = min32(node.Capacity.CPUCoresAvailable+res.CPUPerNode, node.Capacity.CPUCoresTotal)
		node.Capacity.MemoryGBAvailable = min32(node.Capacity.MemoryGBAvailable+res.MemGBPerNode, node.Capacity.MemoryGBTotal)
		node.Capacity.GPUsAvailable = min32(node.Capacity.GPUsAvailable+res.GPUsPerNode, node.Capacity.GPUsTotal)
		a.dirty[id] = true
	}
}

// RecordJobOutcome feeds completion statistics back into the roster for
// the scheduler's reliability score.
func (a *Aggregator) RecordJobOutcome(nodeIDs []string, succeeded bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range nodeIDs {
		node, ok := a.nodes[id]
		if !ok {
			continue
		}
		if succeeded {
			node.CompletedJobs++
		} else {
			node.FailedJobs++
		}
	}
}

// DirtyNodes returns up to max nodes with pending chain-metadata updates,
// clearing their dirty flags.
func (a *Aggregator) DirtyNodes(max int) []*types.Node {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*types.Node, 0, min(max, len(a.dirty)))
	for id := range a.dirty {
		if len(out) >= max {
			break
		}
		if node, ok := a.nodes[id]; ok {
			n := *node
			out = append(out, &n)
		}
		delete(a.dirty, id)
	}
	return out
}

// MarkDirty requeues nodes for the next metadata batch, typically after a
// failed submission.
func (a *Aggregator) MarkDirty(nodeIDs []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range nodeIDs {
		if _, ok := a.nodes[id]; ok {
			a.dirty[id] = true
		}
	}
}

// UpdateRosterMetrics refreshes the roster gauges.
func (a *Aggregator) UpdateRosterMetrics() {
	a.mu.RLock()
	counts := make(map[types.NodeState]int)
	for _, node := range a.nodes {
		counts[node.State]++
	}
	a.mu.RUnlock()

	for _, state := range []types.NodeState{
		types.NodeStatePending, types.NodeStateActive, types.NodeStateStale,
		types.NodeStateDraining, types.NodeStateOffline, types.NodeStateDeregistered,
	} {
		metrics.NodesTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (a *Aggregator) reject(hb *types.Heartbeat, code, message string) *HeartbeatAck {
	return &HeartbeatAck{
		Accepted:             false,
		SequenceAck:          hb.SequenceNumber,
		Timestamp:            time.Now(),
		NextHeartbeatSeconds: 30,
		Errors:               []SubmissionError{{Code: code, Message: message}},
	}
}

func (a *Aggregator) drainCommands(nodeID string) []NodeCommand {
	a.mu.Lock()
	defer a.mu.Unlock()
	cmds := a.commands[nodeID]
	delete(a.commands, nodeID)
	return cmds
}

func (a *Aggregator) clusterAvailCounter(clusterID string) *atomic.Int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ctr, ok := a.clusterAvail[clusterID]
	if !ok {
		ctr = &atomic.Int64{}
		a.clusterAvail[clusterID] = ctr
	}
	return ctr
}

// nextInterval asks degraded nodes to beat twice as often.
func nextInterval(hb *types.Heartbeat) int32 {
	if hb.Metrics.CPUUtilizationPercent >= 95 || hb.Metrics.MemoryUtilizationPercent >= 95 {
		return 15
	}
	return 30
}

func averageLatency(probes []types.LatencyProbe) int64 {
	if len(probes) == 0 {
		return 0
	}
	var sum int64
	for _, p := range probes {
		sum += p.LatencyUs
	}
	return sum / int64(len(probes))
}

func shardIndex(nodeID string) int {
	h := fnv.New32a()
	h.Write([]byte(nodeID))
	return int(h.Sum32() % shardCount)
}

func min32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}
