// Package monitor classifies roster nodes by heartbeat age.
//
// A single-threaded sweep visits every node on a fixed interval and walks
// the health ladder: healthy → stale → offline → deregistered. The ladder is
// layered on top of the roster lifecycle state; heartbeat acceptance resets
// a non-terminal node back to healthy inside the aggregator, so a beat
// racing a sweep is benign either way.
package monitor

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/virtengine/marketd/pkg/aggregator"
	"github.com/virtengine/marketd/pkg/events"
	"github.com/virtengine/marketd/pkg/log"
	"github.com/virtengine/marketd/pkg/types"
)

// Thresholds are the heartbeat-age boundaries for each classification.
type Thresholds struct {
	Stale          time.Duration
	Offline        time.Duration
	Deregistration time.Duration
}

// DefaultThresholds returns the default classifier boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Stale:          30 * time.Second,
		Offline:        2 * time.Minute,
		Deregistration: time.Hour,
	}
}

// Monitor runs the heartbeat classification sweep.
type Monitor struct {
	agg        *aggregator.Aggregator
	broker     *events.Broker
	thresholds Thresholds
	interval   time.Duration

	// now is swapped in tests to drive the clock.
	now func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// New creates a monitor sweeping at the given interval. The interval should
// be at most a third of the stale threshold so a transition is observed
// promptly.
func New(agg *aggregator.Aggregator, broker *events.Broker, thresholds Thresholds, interval time.Duration) *Monitor {
	return &Monitor{
		agg:        agg,
		broker:     broker,
		thresholds: thresholds,
		interval:   interval,
		now:        time.Now,
		stopCh:     make(chan struct{}),
		logger:     log.WithComponent("monitor"),
	}
}

// Start begins the sweep loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop signals shutdown and waits for the in-flight sweep to complete, so
// no torn classification is left behind.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stopCh:
			return
		}
	}
}

// Sweep classifies every node once against a read snapshot of the roster.
func (m *Monitor) Sweep() {
	now := m.now()
	for _, node := range m.agg.ListNodes() {
		m.classify(node, now)
	}
	m.agg.UpdateRosterMetrics()
}

func (m *Monitor) classify(node *types.Node, now time.Time) {
	switch node.State {
	case types.NodeStateDeregistered, types.NodeStateDraining, types.NodeStatePending:
		return
	}

	age := now.Sub(node.LastHeartbeatAt)

	var health types.HealthState
	var state types.NodeState
	switch {
	case age > m.thresholds.Deregistration:
		health, state = types.HealthOffline, types.NodeStateDeregistered
	case age > m.thresholds.Offline:
		health, state = types.HealthOffline, types.NodeStateOffline
	case age > m.thresholds.Stale:
		health, state = types.HealthStale, types.NodeStateStale
	default:
		health, state = types.HealthHealthy, types.NodeStateActive
	}

	if health == node.Health && state == node.State {
		return
	}

	// Publish the new state to the aggregator atomically; eligibility
	// accounting happens inside SetNodeState.
	m.agg.SetNodeState(node.ID, state, health)

	m.logger.Info().
		Str("node_id", node.ID).
		Str("from", string(node.Health)).
		Str("to", string(health)).
		Dur("heartbeat_age", age).
		Msg("node health transition")

	m.broker.Publish(&events.Event{
		Type:    events.EventNodeHealthChanged,
		NodeID:  node.ID,
		Message: string(node.Health) + " -> " + string(health),
		Metadata: map[string]string{
			"from_state": string(node.State),
			"to_state":   string(state),
		},
	})

	if state == types.NodeStateOffline || state == types.NodeStateDeregistered {
		m.broker.Publish(&events.Event{
			Type:    events.EventAlert,
			NodeID:  node.ID,
			Message: "node " + string(state) + " after missing heartbeats",
		})
	}
}
