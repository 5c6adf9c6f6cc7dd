package monitor

import (
	"time"

	mapset "github.com/deckarep/golang-set"

	"distmon/consts"
	"distmon/membership"
	"distmon/wire"
)

const probeTimeout = 2 * time.Second

// sendProbe issues a PROBE to addr and feeds any reply through the
// same handler a passively-received MonProbe reply would use,
// grounded on Monitor::bootstrap's probe fan-out plus
// handle_probe_reply.
func (m *Monitor) sendProbe(addr string, msg wire.ProbeMessage) {
	reply, err := m.peers.Probe(addr, msg)
	if err != nil {
		return
	}
	m.HandleProbeReply(addr, reply)
}

// HandleProbe answers an incoming PROBE request: who we are, whether
// we've ever joined a quorum, and our membership map so the requester
// can decide whether to adopt it, grounded on
// Monitor::handle_probe_probe.
func (m *Monitor) HandleProbe(req wire.ProbeMessage) wire.ProbeMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	reply := wire.ProbeMessage{
		Name:          m.Name,
		Fsid:          m.Fsid,
		HasEverJoined: m.hasEverJoined,
		Quorum:        append([]int(nil), m.quorum...),
		PaxosFirst:    m.log.FirstCommitted(),
		PaxosLast:     m.log.Version(),
	}
	if m.membership != nil {
		if b, err := m.membership.Encode(); err == nil {
			reply.MembershipMapBytes = b
		}
	}
	return reply
}

// HandleProbeReply implements the decision table Monitor::handle_probe_reply
// runs over a peer's PROBE reply: adopt a newer map when the peer has
// ever joined and its epoch is higher, learn blank addresses and
// rename placeholder ("noname-") entries once a peer's real name is
// known, and decide whether to join an existing quorum or fall through
// to calling our own election depending on quorum size versus
// paxos_max_join_drift.
func (m *Monitor) HandleProbeReply(fromAddr string, reply wire.ProbeMessage) {
	m.mu.Lock()

	if reply.MembershipMapBytes != nil {
		peerMap, err := membership.Decode(reply.MembershipMapBytes)
		if err == nil && m.adoptPeerMapLocked(fromAddr, reply, peerMap) {
			m.mu.Unlock()
			m.Bootstrap()
			return
		}
	}

	if reply.Name != "" && m.membership != nil {
		if id, ok := m.membership.GetByName(reply.Name); ok && membership.IsBlankAddr(id.Addr) {
			m.membership.SetAddr(reply.Name, fromAddr)
		} else if placeholder, ok := m.membership.RankOf(fromAddr); ok {
			if cur, ok := m.membership.GetInst(placeholder); ok && membership.IsPlaceholderName(cur.Name) {
				m.membership.Rename(cur.Name, reply.Name)
			}
		}
	}
	if reply.Name != "" {
		m.registry.Add(reply.Name, fromAddr)
	}

	// Only a reply received while still Probing can trigger a sync or an
	// election: once this monitor has settled into Synchronizing,
	// Electing, Leader, or Peon, a late or duplicate reply must not
	// re-derail it, grounded on Monitor::handle_probe_reply only running
	// its quorum-join logic while state == STATE_PROBING.
	stillProbing := m.state == consts.Probing

	quorumSet := mapset.NewSet()
	for _, r := range reply.Quorum {
		quorumSet.Add(r)
	}
	outsideQuorum := quorumSet.Cardinality() > 0 && !quorumSet.Contains(m.rankOfLocked(m.Addr))
	quorumSize := quorumSet.Cardinality()
	mapSize := 0
	if m.membership != nil {
		mapSize = m.membership.Size()
	}
	m.mu.Unlock()

	if !stillProbing {
		return
	}

	const paxosMaxJoinDrift = 10
	if outsideQuorum && quorumSize > 0 {
		if reply.PaxosLast > m.log.Version()+paxosMaxJoinDrift {
			// Too far behind the quorum's committed history to join
			// directly: fall through to a fresh sync rather than election.
			m.startSyncAsRequester(fromAddr)
			return
		}
	}
	if quorumSize*2 > mapSize {
		// The peer's reply already describes a majority quorum; there is
		// nothing for us to elect, just continue probing/joining.
		return
	}
	m.CallElection(m.knownPeerRanks())
}

// adoptPeerMapLocked replaces our membership map with peerMap when it
// is newer, reporting whether it did.
func (m *Monitor) adoptPeerMapLocked(fromAddr string, reply wire.ProbeMessage, peerMap *membership.Map) bool {
	if m.membership == nil {
		m.membership = peerMap
		return true
	}
	mine, _ := m.membership.Encode()
	theirs, _ := peerMap.Encode()
	if membership.Equal(mine, theirs) {
		return false
	}
	if reply.HasEverJoined && peerMap.Epoch > m.membership.Epoch {
		m.membership = peerMap
		return true
	}
	return false
}

func (m *Monitor) rankOfLocked(addr string) int {
	if m.membership == nil {
		return -1
	}
	r, ok := m.membership.RankOf(addr)
	if !ok {
		return -1
	}
	return r
}

// resetProbeTimeout restarts the probe-retry deadline, grounded on
// Monitor::reset_probe_timeout.
func (m *Monitor) resetProbeTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probeDeadline = time.Now().Add(probeTimeout)
}

// cancelProbeTimeout disables the probe-retry check, grounded on
// Monitor::cancel_probe_timeout; called once the monitor leaves
// Probing for Synchronizing or Electing.
func (m *Monitor) cancelProbeTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probeDeadline = time.Time{}
}

// checkProbeTimeout re-bootstraps if no usable probe reply arrived in
// time, grounded on Monitor::probe_timeout.
func (m *Monitor) checkProbeTimeout() {
	m.mu.Lock()
	state := m.state
	deadline := m.probeDeadline
	m.mu.Unlock()
	if state != consts.Probing || deadline.IsZero() || time.Now().Before(deadline) {
		return
	}
	m.Bootstrap()
}
