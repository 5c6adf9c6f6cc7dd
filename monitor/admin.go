package monitor

import (
	mapset "github.com/deckarep/golang-set"
	jsoniter "github.com/json-iterator/go"

	"distmon/consts"
)

var adminJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// MonStatus is the admin-socket response to "mon_status", grounded on
// Monitor::_mon_status.
type MonStatus struct {
	Name     string   `json:"name"`
	Rank     int      `json:"rank"`
	State    string   `json:"state"`
	Quorum   []int    `json:"quorum"`
	Outside  bool     `json:"outside_quorum"`
	MapEpoch uint64   `json:"monmap_epoch"`
	Peers    []string `json:"known_peers"`
}

// MonStatus returns this monitor's self-description as JSON,
// grounded on Monitor::_mon_status.
func (m *Monitor) MonStatus() ([]byte, error) {
	m.mu.Lock()
	rank := m.rankOfLocked(m.Addr)
	status := MonStatus{
		Name:   m.Name,
		Rank:   rank,
		State:  m.state.String(),
		Quorum: append([]int(nil), m.quorum...),
	}
	if m.membership != nil {
		status.MapEpoch = m.membership.Epoch
		for _, mem := range m.membership.Members {
			status.Peers = append(status.Peers, mem.Name)
		}
	}
	quorumSet := mapset.NewSet()
	for _, r := range status.Quorum {
		quorumSet.Add(r)
	}
	status.Outside = quorumSet.Cardinality() > 0 && !quorumSet.Contains(rank)
	m.mu.Unlock()
	return adminJSON.Marshal(status)
}

// QuorumStatus is the admin-socket response to "quorum_status",
// grounded on Monitor::_quorum_status.
type QuorumStatus struct {
	Quorum []int  `json:"quorum"`
	Leader int    `json:"leader"`
	Epoch  uint64 `json:"election_epoch"`
}

func (m *Monitor) QuorumStatus() ([]byte, error) {
	m.mu.Lock()
	quorum := append([]int(nil), m.quorum...)
	m.mu.Unlock()
	leader := -1
	if len(quorum) > 0 {
		leader = quorum[0]
	}
	return adminJSON.Marshal(QuorumStatus{
		Quorum: quorum,
		Leader: leader,
		Epoch:  m.elect.Epoch(),
	})
}

// SyncStatus is the admin-socket response to "sync_status", grounded
// on Monitor::_sync_status.
type SyncStatus struct {
	Role              string `json:"role"`
	RequesterProvider string `json:"requester_provider,omitempty"`
	ProviderSessions  int    `json:"provider_sessions"`
}

func (m *Monitor) SyncStatus() ([]byte, error) {
	m.syncTrimMu.Lock()
	status := SyncStatus{
		RequesterProvider: m.sync.requesterProviderAddr,
		ProviderSessions:  len(m.sync.providers),
	}
	role := m.sync.role
	m.syncTrimMu.Unlock()

	switch {
	case role.Has(consts.SyncRoleRequester):
		status.Role = "requester"
	case role.Has(consts.SyncRoleLeader) || role.Has(consts.SyncRoleProvider):
		status.Role = "provider"
	default:
		status.Role = "none"
	}
	return adminJSON.Marshal(status)
}

// SyncForce tears down this monitor's own store and re-triggers a sync
// from scratch against addr, grounded on Monitor::_sync_force — an
// operator escape hatch for a monitor whose store is suspected corrupt.
func (m *Monitor) SyncForce(providerAddr string) {
	m.store.Clear(syncTargetPrefixes)
	m.startSyncAsRequester(providerAddr)
}

// AddBootstrapPeerHint records an extra address to probe on the next
// bootstrap, grounded on Monitor::_add_bootstrap_peer_hint — used when
// an operator knows of a peer that isn't yet in the seed membership
// map (e.g. standing up a second monitor against a standalone one).
func (m *Monitor) AddBootstrapPeerHint(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.bootstrapHints {
		if h == addr {
			return
		}
	}
	m.bootstrapHints = append(m.bootstrapHints, addr)
}
