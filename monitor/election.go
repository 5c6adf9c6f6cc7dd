package monitor

import (
	"log"

	"distmon/consts"
	"distmon/elector"
	"distmon/membership"
	"distmon/paxoslog"
)

// HandleRequestVote answers an inbound vote request, delegating to the
// Elector collaborator, grounded on the teacher's RequestVote RPC
// handler.
func (m *Monitor) HandleRequestVote(args elector.VoteArgs) elector.VoteReply {
	return m.elect.HandleRequestVote(args)
}

// HandleAppendEntries answers an inbound log-replication call,
// delegating to the replicated log, grounded on the teacher's
// AppendEntries RPC handler.
func (m *Monitor) HandleAppendEntries(args paxoslog.AppendEntriesArgs) paxoslog.AppendEntriesReply {
	m.elect.ResetTimer()
	return m.log.Dispatch(args)
}

// electionAdapter lets *Monitor satisfy elector.Supervisor without
// exposing WinElection/LoseElection directly on the public Monitor
// type, keeping the distinction spec.md draws between the Elector
// collaborator and the Election Supervisor that consumes its verdicts.
type electionAdapter struct{ m *Monitor }

func (a electionAdapter) WinElection(epoch uint64, activeRanks []int) {
	a.m.winElection(epoch, activeRanks)
}

func (a electionAdapter) LoseElection(epoch uint64, activeRanks []int, leaderRank int) {
	a.m.loseElection(epoch, activeRanks, leaderRank)
}

// winElection makes this monitor the leader: (re)initializes the
// replicated log in leader mode, resends any routed requests still
// pending, and renames itself off a placeholder name if it ever
// probed in before learning its slot's final name. Grounded on
// Monitor::win_election / Monitor::win_standalone_election and
// Monitor::finish_election's rename-and-resend tail.
func (m *Monitor) winElection(epoch uint64, activeRanks []int) {
	m.mu.Lock()
	m.state = consts.Leader
	m.quorum = activeRanks
	m.mu.Unlock()

	m.cancelProbeTimeout()
	m.log.LeaderInit(epoch, activeRanks)
	m.health().RegisterClusterLogger()
	m.finishElection()
	log.Printf("mon(%s) won election epoch=%d quorum=%v", m.Name, epoch, activeRanks)
}

// loseElection makes this monitor a peon following leaderRank,
// grounded on Monitor::lose_election, which also aborts any
// trim_timeouts sync sessions this monitor was running as a provider
// or sync-leader, since neither role survives losing leadership.
func (m *Monitor) loseElection(epoch uint64, activeRanks []int, leaderRank int) {
	m.mu.Lock()
	m.state = consts.Peon
	m.quorum = activeRanks
	m.mu.Unlock()

	m.cancelProbeTimeout()
	m.log.PeonInit(epoch)
	m.health().UnregisterClusterLogger()
	m.abortSyncSessionsAsAuthority()
	m.finishElection()
	log.Printf("mon(%s) lost election epoch=%d, following leader rank=%d", m.Name, epoch, leaderRank)
}

// finishElection is the common tail of winning or losing: resend
// anything still waiting for a leader to answer, and if this monitor
// is still known under a seed placeholder name, rename it and record
// that it has now properly joined. Grounded on Monitor::finish_election.
func (m *Monitor) finishElection() {
	m.resendRoutedRequests()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.membership == nil {
		return
	}
	if id, ok := m.membership.GetByName(m.Name); ok && !membership.IsPlaceholderName(id.Name) {
		m.hasEverJoined = true
		return
	}
	for _, mem := range m.membership.Members {
		if mem.Addr == m.Addr && membership.IsPlaceholderName(mem.Name) {
			m.membership.Rename(mem.Name, m.Name)
			break
		}
	}
	m.hasEverJoined = true
}

// CallElection triggers an out-of-band election, used by the Peer
// Prober when a probe reply shows no usable quorum to join, grounded
// on Monitor::start_election.
func (m *Monitor) CallElection(activeRanks []int) {
	m.mu.Lock()
	m.state = consts.Electing
	m.mu.Unlock()
	m.cancelProbeTimeout()
	m.elect.Start(activeRanks)
	m.elect.CallElection()
}
