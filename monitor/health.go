package monitor

import "sync"

// HealthAggregator tracks named health counters/gauges reported by
// other components of the monitor, grounded on Monitor.cc's cluster
// logger (register_cluster_logger/update_logger), kept as a small
// side table rather than a full perf-counter framework since nothing
// else in this module reports metrics at that granularity.
type HealthAggregator struct {
	mu       sync.Mutex
	counters map[string]int64
}

func newHealthAggregator() *HealthAggregator {
	return &HealthAggregator{counters: make(map[string]int64)}
}

// RegisterClusterLogger is a no-op placeholder call site matching
// Monitor::register_cluster_logger's registration point, invoked from
// winElection; there is no external metrics sink wired up in this
// module, so it only ensures the counters table exists.
func (h *HealthAggregator) RegisterClusterLogger() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.counters == nil {
		h.counters = make(map[string]int64)
	}
}

// UnregisterClusterLogger clears accumulated counters, grounded on
// Monitor::unregister_cluster_logger, called on losing leadership or
// shutdown.
func (h *HealthAggregator) UnregisterClusterLogger() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counters = make(map[string]int64)
}

// UpdateLogger increments a named counter, grounded on
// Monitor::update_logger.
func (h *HealthAggregator) UpdateLogger(name string, delta int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counters[name] += delta
}

func (h *HealthAggregator) snapshot() map[string]int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int64, len(h.counters))
	for k, v := range h.counters {
		out[k] = v
	}
	return out
}

// Health is the admin-facing summary of this monitor's view of cluster
// wellness, grounded on Monitor.cc's get_health.
type Health struct {
	State      string           `json:"state"`
	QuorumSize int              `json:"quorum_size"`
	Counters   map[string]int64 `json:"counters"`
}

// GetHealth returns a point-in-time health snapshot.
func (m *Monitor) GetHealth() Health {
	m.mu.Lock()
	state := m.state
	quorumSize := len(m.quorum)
	m.mu.Unlock()
	return Health{
		State:      state.String(),
		QuorumSize: quorumSize,
		Counters:   m.health().snapshot(),
	}
}

// health lazily constructs the aggregator on first use so zero-value
// Monitors built outside NewMonitor (none currently exist, but nothing
// here should panic if one did) don't dereference a nil field.
func (m *Monitor) health() *HealthAggregator {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.healthAggregator == nil {
		m.healthAggregator = newHealthAggregator()
	}
	return m.healthAggregator
}
