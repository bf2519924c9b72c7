package types

import (
	"time"
)

// Node represents a single compute host registered by a provider's node agent.
type Node struct {
	ID              string
	ClusterID       string
	ProviderAddress string
	PublicKey       []byte // ed25519, fixed at registration
	Hostname        string
	Capacity        NodeCapacity
	Locality        NodeLocality
	State           NodeState
	Health          HealthState

	LastSequenceNumber uint64
	LastHeartbeatAt    time.Time
	RegisteredAt       time.Time

	// Rolling observations fed to the scheduler.
	AvgLatencyMicros int64
	RunningJobs      int32
	PendingJobs      int32
	CompletedJobs    uint64
	FailedJobs       uint64
}

// NodeState is the roster lifecycle state of a node.
type NodeState string

const (
	NodeStatePending      NodeState = "pending"
	NodeStateActive       NodeState = "active"
	NodeStateStale        NodeState = "stale"
	NodeStateDraining     NodeState = "draining"
	NodeStateOffline      NodeState = "offline"
	NodeStateDeregistered NodeState = "deregistered" // terminal
)

// HealthState is the heartbeat-age classification layered on top of NodeState.
type HealthState string

const (
	HealthHealthy HealthState = "healthy"
	HealthStale   HealthState = "stale"
	HealthOffline HealthState = "offline"
)

// NodeCapacity tracks total and available resources for a node.
type NodeCapacity struct {
	CPUCoresTotal      int32  `json:"cpu_cores_total"`
	CPUCoresAvailable  int32  `json:"cpu_cores_available"`
	MemoryGBTotal      int32  `json:"memory_gb_total"`
	MemoryGBAvailable  int32  `json:"memory_gb_available"`
	GPUsTotal          int32  `json:"gpus_total"`
	GPUsAvailable      int32  `json:"gpus_available"`
	GPUType            string `json:"gpu_type,omitempty"`
	StorageGBTotal     int32  `json:"storage_gb_total"`
	StorageGBAvailable int32  `json:"storage_gb_available"`
}

// NodeLocality describes where a node sits physically.
type NodeLocality struct {
	Region     string `json:"region"`
	Datacenter string `json:"datacenter"`
	Zone       string `json:"zone"`
	Rack       string `json:"rack"`
}

// Cluster is a provider-controlled set of nodes.
type Cluster struct {
	ID              string
	ProviderAddress string
	Region          string
	State           ClusterState
	TotalNodes      int32
	AvailableNodes  int32
}

// ClusterState represents the lifecycle state of a cluster.
type ClusterState string

const (
	ClusterStatePending    ClusterState = "pending"
	ClusterStateActive     ClusterState = "active"
	ClusterStateDraining   ClusterState = "draining"
	ClusterStateTerminated ClusterState = "terminated"
)

// Heartbeat is a signed telemetry submission from a node agent.
// The signature covers the canonical JSON of every field except itself.
type Heartbeat struct {
	NodeID         string           `json:"node_id"`
	ClusterID      string           `json:"cluster_id"`
	SequenceNumber uint64           `json:"sequence_number"`
	Timestamp      time.Time        `json:"timestamp"`
	Metrics        HeartbeatMetrics `json:"metrics"`
	Capacity       NodeCapacity     `json:"capacity"`
	Latency        []LatencyProbe   `json:"latency,omitempty"`
	Jobs           NodeJobCounts    `json:"jobs"`
}

// HeartbeatMetrics carries point-in-time utilization readings.
type HeartbeatMetrics struct {
	CPUUtilizationPercent    int32  `json:"cpu_utilization_percent"`
	MemoryUtilizationPercent int32  `json:"memory_utilization_percent"`
	LoadAverage1m            string `json:"load_average_1m"`
	GPUUtilizationPercent    int32  `json:"gpu_utilization_percent"`
	SLURMState               string `json:"slurm_state,omitempty"`
}

// LatencyProbe is one latency measurement against a peer node.
type LatencyProbe struct {
	TargetNodeID string    `json:"target_node_id"`
	LatencyUs    int64     `json:"latency_us"`
	MeasuredAt   time.Time `json:"measured_at"`
}

// NodeJobCounts reports how many jobs the node is carrying.
type NodeJobCounts struct {
	RunningCount int32 `json:"running_count"`
	PendingCount int32 `json:"pending_count"`
}

// Job is a customer's request to run a batch workload against an offering.
type Job struct {
	ID              string
	OfferingID      string
	CustomerAddress string
	EscrowID        string
	Workload        WorkloadSpec
	Resources       JobResources
	Constraints     PlacementConstraints
	MaxRuntime      time.Duration
	State           JobState
	Decision        *SchedulingDecision
	SubmittedAt     time.Time
	TerminalAt      time.Time
	ExitCode        *int32
}

// JobState represents the lifecycle state of a job.
type JobState string

const (
	JobStateSubmitted JobState = "submitted"
	JobStateScheduled JobState = "scheduled"
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed" // terminal
	JobStateFailed    JobState = "failed"    // terminal
	JobStateCancelled JobState = "cancelled" // terminal
)

// Terminal reports whether a job state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateCancelled
}

// WorkloadSpec describes what to run.
type WorkloadSpec struct {
	Image   string   `json:"image"`
	Command []string `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// JobResources is the per-node resource demand of a job.
type JobResources struct {
	Nodes        int32 `json:"nodes"`
	CPUPerNode   int32 `json:"cpu_per_node"`
	MemGBPerNode int32 `json:"mem_gb_per_node"`
	GPUsPerNode  int32 `json:"gpus_per_node"`
}

// Locality constraint levels for placement.
const (
	LocalityNone     = ""
	LocalitySameZone = "same-zone"
	LocalitySameRack = "same-rack"
)

// PlacementConstraints narrow where a job may land.
type PlacementConstraints struct {
	Regions  []string `json:"regions,omitempty"` // allow-list; empty = any
	GPUType  string   `json:"gpu_type,omitempty"`
	Locality string   `json:"locality,omitempty"` // "", "same-zone", "same-rack"
}

// SchedulingDecision records the placement chosen for a job. Written once on
// entry to the scheduled state and never rewritten.
type SchedulingDecision struct {
	JobID             string    `json:"job_id"`
	SelectedClusterID string    `json:"selected_cluster_id"`
	SelectedNodeIDs   []string  `json:"selected_node_ids"`
	Score             float64   `json:"score"`
	DecidedAt         time.Time `json:"decided_at"`
	TieBreakerSeed    string    `json:"tie_breaker_seed"`
}

// JobTransition is one append-only audit record of a state change.
type JobTransition struct {
	JobID     string    `json:"job_id"`
	FromState JobState  `json:"from_state"`
	ToState   JobState  `json:"to_state"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// UsageRecord is a signed, billable slice of resource consumption.
type UsageRecord struct {
	UsageID           string       `json:"usage_id"` // deterministic UUID of (resource, start, end)
	ResourceID        string       `json:"resource_id"`
	PeriodStart       time.Time    `json:"period_start"`
	PeriodEnd         time.Time    `json:"period_end"`
	Metrics           UsageMetrics `json:"metrics"`
	IsFinal           bool         `json:"is_final"`
	ProviderSignature string       `json:"provider_signature"` // base64 ed25519
}

// UsageMetrics are the delta counters covered by one usage record.
type UsageMetrics struct {
	CPUHours       float64 `json:"cpu_hours"`
	MemGBHours     float64 `json:"mem_gb_hours"`
	GPUHours       float64 `json:"gpu_hours"`
	StorageGBHours float64 `json:"storage_gb_hours"`
	NetworkGB      float64 `json:"network_gb"`
}

// CumulativeCounters are the raw monotonic counters an agent reports.
// A decrease signals an agent restart and starts a new epoch.
type CumulativeCounters struct {
	CPUCoreSeconds   float64 `json:"cpu_core_seconds"`
	MemGBSeconds     float64 `json:"mem_gb_seconds"`
	GPUSeconds       float64 `json:"gpu_seconds"`
	StorageGBSeconds float64 `json:"storage_gb_seconds"`
	NetworkBytes     float64 `json:"network_bytes"`
}

// OutboxEntry is one pending outbound delivery.
type OutboxEntry struct {
	ID             string      `json:"id"`
	Kind           OutboxKind  `json:"kind"`
	ResourceID     string      `json:"resource_id,omitempty"` // flush-ordering key
	Payload        []byte      `json:"payload"`
	IdempotencyKey string      `json:"idempotency_key"`
	AttemptCount   int         `json:"attempt_count"`
	NextAttemptAt  time.Time   `json:"next_attempt_at"`
	State          OutboxState `json:"state"`
	LeaseToken     string      `json:"lease_token,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	AckedAt        time.Time   `json:"acked_at,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
}

// OutboxKind classifies what an outbox entry delivers.
type OutboxKind string

const (
	OutboxKindUsage             OutboxKind = "usage"
	OutboxKindSettlement        OutboxKind = "settlement"
	OutboxKindLifecycleCallback OutboxKind = "lifecycle-callback"
)

// OutboxState is the delivery state of an entry.
type OutboxState string

const (
	OutboxStatePending  OutboxState = "pending"
	OutboxStateInflight OutboxState = "inflight"
	OutboxStateAcked    OutboxState = "acked" // terminal
	OutboxStateDead     OutboxState = "dead"  // terminal
)

// ChainEvent is one parsed event from the consensus-layer stream.
// EventID is stable across reconnects so consumers can dedupe.
type ChainEvent struct {
	EventID     string            `json:"event_id"`
	Type        string            `json:"type"` // canonical, e.g. "order.created"
	BlockHeight int64             `json:"block_height"`
	TxIndex     int64             `json:"tx_index"`
	Timestamp   time.Time         `json:"timestamp"`
	TxHash      string            `json:"tx_hash"`
	Attributes  map[string]string `json:"attributes"`
}

// Alert is an operator-facing notification emitted on health or delivery
// transitions.
type Alert struct {
	Kind      string            `json:"kind"`
	NodeID    string            `json:"node_id,omitempty"`
	JobID     string            `json:"job_id,omitempty"`
	EntryID   string            `json:"entry_id,omitempty"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
