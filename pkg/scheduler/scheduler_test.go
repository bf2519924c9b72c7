package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/virtengine/marketd/pkg/config"
	"github.com/virtengine/marketd/pkg/types"
)

func testWeights() config.SchedulerWeights {
	return config.SchedulerWeights{Capacity: 0.5, Latency: 0.25, Reliability: 0.25}
}

func activeCluster(id, region string, available int32) *types.Cluster {
	return &types.Cluster{
		ID: id, Region: region, State: types.ClusterStateActive,
		TotalNodes: available, AvailableNodes: available,
	}
}

type nodeOpt func(*types.Node)

func withZoneRack(zone, rack string) nodeOpt {
	return func(n *types.Node) { n.Locality.Zone, n.Locality.Rack = zone, rack }
}

func withFreeCPU(free int32) nodeOpt {
	return func(n *types.Node) { n.Capacity.CPUCoresAvailable = free }
}

func withLatency(micros int64) nodeOpt {
	return func(n *types.Node) { n.AvgLatencyMicros = micros }
}

func withHistory(completed, failed uint64) nodeOpt {
	return func(n *types.Node) { n.CompletedJobs, n.FailedJobs = completed, failed }
}

func withGPUs(count int32, gpuType string) nodeOpt {
	return func(n *types.Node) {
		n.Capacity.GPUsTotal, n.Capacity.GPUsAvailable, n.Capacity.GPUType = count, count, gpuType
	}
}

func activeNode(id, clusterID string, opts ...nodeOpt) *types.Node {
	n := &types.Node{
		ID: id, ClusterID: clusterID, State: types.NodeStateActive,
		Capacity: types.NodeCapacity{
			CPUCoresTotal: 16, CPUCoresAvailable: 16,
			MemoryGBTotal: 64, MemoryGBAvailable: 64,
		},
		Locality: types.NodeLocality{Region: "eu-west", Zone: "z1", Rack: "r1"},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func simpleJob(nodes int32) *types.Job {
	return &types.Job{
		ID:        "j1",
		Resources: types.JobResources{Nodes: nodes, CPUPerNode: 4, MemGBPerNode: 8},
	}
}

func TestScheduleNoPlacement(t *testing.T) {
	s := New(testWeights())

	tests := []struct {
		name   string
		job    *types.Job
		roster *Roster
	}{
		{
			name: "no clusters",
			job:  simpleJob(1),
			roster: &Roster{
				Nodes: []*types.Node{activeNode("n1", "c1")},
			},
		},
		{
			name: "cluster not active",
			job:  simpleJob(1),
			roster: &Roster{
				Clusters: []*types.Cluster{{
					ID: "c1", Region: "eu-west", State: types.ClusterStateDraining,
					AvailableNodes: 5,
				}},
				Nodes: []*types.Node{activeNode("n1", "c1")},
			},
		},
		{
			name: "region outside allow-list",
			job: &types.Job{
				ID:          "j1",
				Resources:   types.JobResources{Nodes: 1, CPUPerNode: 1},
				Constraints: types.PlacementConstraints{Regions: []string{"us-east"}},
			},
			roster: &Roster{
				Clusters: []*types.Cluster{activeCluster("c1", "eu-west", 5)},
				Nodes:    []*types.Node{activeNode("n1", "c1")},
			},
		},
		{
			name: "gpu type missing",
			job: &types.Job{
				ID:          "j1",
				Resources:   types.JobResources{Nodes: 1, GPUsPerNode: 1},
				Constraints: types.PlacementConstraints{GPUType: "h100"},
			},
			roster: &Roster{
				Clusters: []*types.Cluster{activeCluster("c1", "eu-west", 5)},
				Nodes:    []*types.Node{activeNode("n1", "c1", withGPUs(4, "a100"))},
			},
		},
		{
			name: "not enough free cpu",
			job:  simpleJob(1),
			roster: &Roster{
				Clusters: []*types.Cluster{activeCluster("c1", "eu-west", 5)},
				Nodes:    []*types.Node{activeNode("n1", "c1", withFreeCPU(2))},
			},
		},
		{
			name: "cluster too small for node count",
			job:  simpleJob(3),
			roster: &Roster{
				Clusters: []*types.Cluster{activeCluster("c1", "eu-west", 2)},
				Nodes: []*types.Node{
					activeNode("n1", "c1"), activeNode("n2", "c1"),
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Schedule(tt.job, tt.roster)
			require.Error(t, err)
			assert.True(t, IsNoPlacement(err), "want NoPlacementError, got %v", err)
		})
	}
}

func TestScheduleSelectsExactNodeCount(t *testing.T) {
	s := New(testWeights())
	roster := &Roster{
		Clusters: []*types.Cluster{activeCluster("c1", "eu-west", 3)},
		Nodes: []*types.Node{
			activeNode("n1", "c1"),
			activeNode("n2", "c1"),
			activeNode("n3", "c1"),
		},
	}

	decision, err := s.Schedule(simpleJob(3), roster)
	require.NoError(t, err)
	assert.Equal(t, "c1", decision.SelectedClusterID)
	assert.ElementsMatch(t, []string{"n1", "n2", "n3"}, decision.SelectedNodeIDs)
	assert.NotEmpty(t, decision.TieBreakerSeed)
}

func TestSchedulePrefersHeadroom(t *testing.T) {
	s := New(testWeights())
	roster := &Roster{
		Clusters: []*types.Cluster{activeCluster("c1", "eu-west", 2)},
		Nodes: []*types.Node{
			activeNode("busy", "c1", withFreeCPU(4)),
			activeNode("idle", "c1"),
		},
	}

	decision, err := s.Schedule(simpleJob(1), roster)
	require.NoError(t, err)
	assert.Equal(t, []string{"idle"}, decision.SelectedNodeIDs)
}

func TestSchedulePrefersLowLatencyAndReliability(t *testing.T) {
	s := New(testWeights())
	roster := &Roster{
		Clusters: []*types.Cluster{activeCluster("c1", "eu-west", 2)},
		Nodes: []*types.Node{
			activeNode("flaky", "c1", withLatency(900), withHistory(5, 5)),
			activeNode("solid", "c1", withLatency(100), withHistory(10, 0)),
		},
	}

	decision, err := s.Schedule(simpleJob(1), roster)
	require.NoError(t, err)
	assert.Equal(t, []string{"solid"}, decision.SelectedNodeIDs)
}

func TestScheduleSameRackConstraint(t *testing.T) {
	s := New(testWeights())
	job := simpleJob(2)
	job.Constraints.Locality = types.LocalitySameRack

	roster := &Roster{
		Clusters: []*types.Cluster{activeCluster("c1", "eu-west", 4)},
		Nodes: []*types.Node{
			activeNode("a1", "c1", withZoneRack("z1", "r1")),
			activeNode("b1", "c1", withZoneRack("z1", "r2")),
			activeNode("b2", "c1", withZoneRack("z1", "r2")),
			activeNode("c1n", "c1", withZoneRack("z2", "r9")),
		},
	}

	decision, err := s.Schedule(job, roster)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b1", "b2"}, decision.SelectedNodeIDs)

	// Three nodes in the same rack do not exist: no placement.
	job.Resources.Nodes = 3
	_, err = s.Schedule(job, roster)
	require.Error(t, err)
	assert.True(t, IsNoPlacement(err))
}

func TestScheduleSameZoneWidensBucket(t *testing.T) {
	s := New(testWeights())
	job := simpleJob(3)
	job.Constraints.Locality = types.LocalitySameZone

	roster := &Roster{
		Clusters: []*types.Cluster{activeCluster("c1", "eu-west", 4)},
		Nodes: []*types.Node{
			activeNode("a1", "c1", withZoneRack("z1", "r1")),
			activeNode("a2", "c1", withZoneRack("z1", "r2")),
			activeNode("a3", "c1", withZoneRack("z1", "r3")),
			activeNode("b1", "c1", withZoneRack("z2", "r1")),
		},
	}

	decision, err := s.Schedule(job, roster)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a1", "a2", "a3"}, decision.SelectedNodeIDs)
}

func TestScheduleIsDeterministic(t *testing.T) {
	s := New(testWeights())
	roster := &Roster{
		Clusters: []*types.Cluster{activeCluster("c1", "eu-west", 4)},
		Nodes: []*types.Node{
			activeNode("n1", "c1"), activeNode("n2", "c1"),
			activeNode("n3", "c1"), activeNode("n4", "c1"),
		},
	}

	first, err := s.Schedule(simpleJob(2), roster)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := s.Schedule(simpleJob(2), roster)
		require.NoError(t, err)
		assert.Equal(t, first.SelectedNodeIDs, again.SelectedNodeIDs)
		assert.Equal(t, first.SelectedClusterID, again.SelectedClusterID)
		assert.Equal(t, first.TieBreakerSeed, again.TieBreakerSeed)
	}
}

func TestScheduleIgnoresInactiveNodes(t *testing.T) {
	s := New(testWeights())
	stale := activeNode("stale", "c1")
	stale.State = types.NodeStateStale

	roster := &Roster{
		Clusters: []*types.Cluster{activeCluster("c1", "eu-west", 2)},
		Nodes:    []*types.Node{stale, activeNode("ok", "c1")},
	}

	decision, err := s.Schedule(simpleJob(1), roster)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, decision.SelectedNodeIDs)
}
