// Package scheduler places jobs onto clusters and node sets.
//
// Schedule is a pure function of the job and a roster snapshot: it holds no
// mutable state, so the same inputs always yield the same decision. The
// caller records the decision on the job and reserves capacity in the
// aggregator; the scheduler itself never mutates the roster.
package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/virtengine/marketd/pkg/config"
	"github.com/virtengine/marketd/pkg/types"
)

// Roster is the scheduler's read snapshot of the fleet.
type Roster struct {
	Clusters []*types.Cluster
	Nodes    []*types.Node
}

// NoPlacementError reports that no candidate satisfied the job's demand.
// The caller may requeue the job and retry on a fresher roster.
type NoPlacementError struct {
	Reason string
}

func (e *NoPlacementError) Error() string {
	return "no placement: " + e.Reason
}

// IsNoPlacement reports whether err is a placement failure rather than a
// hard scheduling error.
func IsNoPlacement(err error) bool {
	_, ok := err.(*NoPlacementError)
	return ok
}

// Scheduler scores placements under configured weights.
type Scheduler struct {
	weights config.SchedulerWeights
}

// New creates a scheduler. Weights are assumed validated (sum to 1.0).
func New(weights config.SchedulerWeights) *Scheduler {
	return &Scheduler{weights: weights}
}

// candidate is one feasible node set within one cluster.
type candidate struct {
	clusterID string
	nodeIDs   []string
	score     float64
	seed      string
}

// Schedule picks a cluster and node set for the job, or returns
// NoPlacementError with the dominant reason no candidate survived.
func (s *Scheduler) Schedule(job *types.Job, roster *Roster) (*types.SchedulingDecision, error) {
	if job.Resources.Nodes <= 0 {
		return nil, fmt.Errorf("job %s requests %d nodes", job.ID, job.Resources.Nodes)
	}

	clusters := lo.Filter(roster.Clusters, func(c *types.Cluster, _ int) bool {
		return s.clusterEligible(c, job)
	})
	if len(clusters) == 0 {
		return nil, &NoPlacementError{Reason: "no eligible cluster"}
	}

	nodesByCluster := lo.GroupBy(roster.Nodes, func(n *types.Node) string {
		return n.ClusterID
	})

	var candidates []candidate
	reason := "insufficient node capacity"
	for _, cluster := range clusters {
		fit := lo.Filter(nodesByCluster[cluster.ID], func(n *types.Node, _ int) bool {
			return nodeFits(n, job)
		})
		if int32(len(fit)) < job.Resources.Nodes {
			continue
		}
		found := false
		for _, group := range localityGroups(fit, job.Constraints.Locality) {
			if int32(len(group)) < job.Resources.Nodes {
				continue
			}
			candidates = append(candidates, s.buildCandidate(job, cluster.ID, group))
			found = true
		}
		if !found && job.Constraints.Locality != types.LocalityNone {
			reason = "locality constraint unsatisfiable"
		}
	}
	if len(candidates) == 0 {
		return nil, &NoPlacementError{Reason: reason}
	}

	// Deterministic order: score descending, then tie-break hash. Wall-clock
	// arrival order never influences the outcome.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].seed < candidates[j].seed
	})
	best := candidates[0]

	return &types.SchedulingDecision{
		JobID:             job.ID,
		SelectedClusterID: best.clusterID,
		SelectedNodeIDs:   best.nodeIDs,
		Score:             best.score,
		DecidedAt:         time.Now().UTC(),
		TieBreakerSeed:    best.seed,
	}, nil
}

func (s *Scheduler) clusterEligible(c *types.Cluster, job *types.Job) bool {
	if c.State != types.ClusterStateActive {
		return false
	}
	if c.AvailableNodes < job.Resources.Nodes {
		return false
	}
	if len(job.Constraints.Regions) > 0 && !lo.Contains(job.Constraints.Regions, c.Region) {
		return false
	}
	return true
}

func nodeFits(n *types.Node, job *types.Job) bool {
	if n.State != types.NodeStateActive {
		return false
	}
	if job.Constraints.GPUType != "" && n.Capacity.GPUType != job.Constraints.GPUType {
		return false
	}
	r := job.Resources
	c := n.Capacity
	return c.CPUCoresAvailable >= r.CPUPerNode &&
		c.MemoryGBAvailable >= r.MemGBPerNode &&
		c.GPUsAvailable >= r.GPUsPerNode
}

// localityGroups buckets candidate nodes by constraint granularity.
// Same-rack is an exact (zone, rack) match; same-zone widens the bucket.
func localityGroups(nodes []*types.Node, locality string) [][]*types.Node {
	switch locality {
	case types.LocalitySameRack:
		return lo.Values(lo.GroupBy(nodes, func(n *types.Node) string {
			return n.Locality.Zone + "/" + n.Locality.Rack
		}))
	case types.LocalitySameZone:
		return lo.Values(lo.GroupBy(nodes, func(n *types.Node) string {
			return n.Locality.Zone
		}))
	default:
		return [][]*types.Node{nodes}
	}
}

// buildCandidate ranks the group's nodes individually and takes the top N
// as the group's candidate set.
func (s *Scheduler) buildCandidate(job *types.Job, clusterID string, group []*types.Node) candidate {
	capScores := softmaxHeadroom(group)
	maxLatency := lo.MaxBy(group, func(a, b *types.Node) bool {
		return a.AvgLatencyMicros > b.AvgLatencyMicros
	}).AvgLatencyMicros

	type scored struct {
		id    string
		score float64
	}
	scoredNodes := make([]scored, len(group))
	for i, n := range group {
		latency := 1.0
		if maxLatency > 0 {
			latency = 1.0 - float64(n.AvgLatencyMicros)/float64(maxLatency)
		}
		score := s.weights.Capacity*capScores[i] +
			s.weights.Latency*latency +
			s.weights.Reliability*reliability(n)
		scoredNodes[i] = scored{id: n.ID, score: score}
	}
	sort.Slice(scoredNodes, func(i, j int) bool {
		if scoredNodes[i].score != scoredNodes[j].score {
			return scoredNodes[i].score > scoredNodes[j].score
		}
		return scoredNodes[i].id < scoredNodes[j].id
	})

	n := int(job.Resources.Nodes)
	selected := make([]string, n)
	total := 0.0
	for i := 0; i < n; i++ {
		selected[i] = scoredNodes[i].id
		total += scoredNodes[i].score
	}
	sort.Strings(selected)

	return candidate{
		clusterID: clusterID,
		nodeIDs:   selected,
		score:     total / float64(n),
		seed:      tieBreakerSeed(job.ID, selected),
	}
}

// softmaxHeadroom smooths each node's free-capacity fraction with a softmax
// over the group, then rescales so a uniform group scores 1.0 per node.
func softmaxHeadroom(group []*types.Node) []float64 {
	raw := make([]float64, len(group))
	sum := 0.0
	for i, n := range group {
		raw[i] = math.Exp(headroom(n.Capacity))
		sum += raw[i]
	}
	for i := range raw {
		raw[i] = raw[i] / sum * float64(len(group))
		if raw[i] > 1.0 {
			raw[i] = 1.0
		}
	}
	return raw
}

// headroom is the mean free fraction over the resources the node reports.
func headroom(c types.NodeCapacity) float64 {
	var total, n float64
	add := func(avail, capTotal int32) {
		if capTotal > 0 {
			total += float64(avail) / float64(capTotal)
			n++
		}
	}
	add(c.CPUCoresAvailable, c.CPUCoresTotal)
	add(c.MemoryGBAvailable, c.MemoryGBTotal)
	add(c.GPUsAvailable, c.GPUsTotal)
	add(c.StorageGBAvailable, c.StorageGBTotal)
	if n == 0 {
		return 0
	}
	return total / n
}

// reliability is the node's historical completion fraction, optimistic for
// nodes with no history yet.
func reliability(n *types.Node) float64 {
	finished := n.CompletedJobs + n.FailedJobs
	if finished == 0 {
		return 1.0
	}
	return float64(n.CompletedJobs) / float64(finished)
}

func tieBreakerSeed(jobID string, nodeIDs []string) string {
	h := sha256.Sum256([]byte(jobID + "/" + strings.Join(nodeIDs, ",")))
	return hex.EncodeToString(h[:])
}
