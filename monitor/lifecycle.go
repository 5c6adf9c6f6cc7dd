// Package monitor is the coordination core: one node's view of
// bootstrap, election, store sync, and request routing, wired together
// the way Monitor.cc wires its own sub-protocols together inside a
// single class.
package monitor

import (
	"errors"
	"log"
	"sync"
	"time"

	"distmon/consts"
	"distmon/elector"
	"distmon/membership"
	"distmon/paxoslog"
	"distmon/registry"
	"distmon/store"
	"distmon/wire"
)

// PeerClient is the outbound RPC surface the monitor core needs from
// the transport layer: one method per wire message type plus the
// elector/paxoslog RPCs, all addressed by listen address rather than
// rank since that's what the transport's client pool keys on.
type PeerClient interface {
	Probe(addr string, msg wire.ProbeMessage) (wire.ProbeMessage, error)
	Sync(addr string, msg wire.SyncMessage) (wire.SyncMessage, error)
	Forward(addr string, msg wire.ForwardMessage) (wire.ForwardReply, error)
	Route(addr string, msg wire.RouteMessage) error
	RequestVote(addr string, args elector.VoteArgs) (elector.VoteReply, error)
	AppendEntries(addr string, args paxoslog.AppendEntriesArgs) (paxoslog.AppendEntriesReply, error)
}

// RoutedRequest is a client request a peon forwarded to the leader,
// kept so the eventual reply can be routed back, grounded on
// Monitor::routed_requests / struct RoutedRequest.
type RoutedRequest struct {
	Tid        uint64
	Session    string
	InnerBytes []byte
}

// Monitor is one node's coordination core. Every field is guarded by
// mu, the same single coarse-grained mutex model Monitor.cc uses (its
// own Mutex lock); syncTrimMu is the one secondary lock, mirroring the
// original's separate trim_lock guarding only sync-session/trim state.
type Monitor struct {
	mu sync.Mutex

	Name string
	Fsid string
	Addr string

	hasEverJoined bool
	state         consts.LifecycleState

	membership *membership.Map
	store      store.Store
	log        *paxoslog.Log
	elect      *elector.Elector
	registry   *registry.Registry
	peers      PeerClient

	bootstrapHints []string

	sessions       map[string]*Session
	routedRequests map[uint64]*RoutedRequest
	nextTid        uint64

	quorum []int // ranks believed active, set on win/lose election

	probeDeadline time.Time

	healthAggregator *HealthAggregator

	syncTrimMu sync.Mutex
	sync       syncState

	quitCh chan struct{}
	wg     sync.WaitGroup
}

// Config bundles the construction-time parameters the teacher's
// NewMonitor accepts positionally (id, admin); this module has enough
// of them that a struct reads better.
type Config struct {
	Name           string
	Fsid           string
	Addr           string
	Seed           *membership.Map // nil for a fresh mkfs
	BootstrapHints []string
	Store          store.Store
	Peers          PeerClient
}

// NewMonitor constructs a monitor in the Probing state, grounded on
// the teacher's NewMonitor plus Monitor::init's call into bootstrap().
// It does not start any goroutines; call Start to do that, mirroring
// Monitor::init vs Monitor::bootstrap being distinct steps.
func NewMonitor(cfg Config) *Monitor {
	st := cfg.Store
	if st == nil {
		st = store.NewMemory()
	}
	m := &Monitor{
		Name:           cfg.Name,
		Fsid:           cfg.Fsid,
		Addr:           cfg.Addr,
		membership:     cfg.Seed,
		store:          st,
		registry:       registry.NewRegistry(),
		peers:          cfg.Peers,
		bootstrapHints: cfg.BootstrapHints,
		sessions:       make(map[string]*Session),
		routedRequests: make(map[uint64]*RoutedRequest),
		state:          consts.Probing,
		quitCh:         make(chan struct{}),
	}
	rank := 0
	if m.membership != nil {
		if r, ok := m.membership.RankOf(m.Addr); ok {
			rank = r
		}
	}
	m.log = paxoslog.NewLog(rank, st, transportAdapter{m}, m.onCommit)
	m.elect = elector.NewElector(rank, transportAdapter{m}, electionAdapter{m}, m.log.Version)
	m.log.Init()
	return m
}

// transportAdapter lets *Monitor satisfy both elector.Transport and
// paxoslog.Transport, which address peers by rank, by resolving rank
// to address through the membership map before delegating to the
// configured PeerClient.
type transportAdapter struct{ m *Monitor }

func (a transportAdapter) RequestVote(rank int, args elector.VoteArgs) (elector.VoteReply, error) {
	addr, ok := a.m.addrForRank(rank)
	if !ok {
		return elector.VoteReply{}, errors.New("monitor: unknown rank")
	}
	return a.m.peers.RequestVote(addr, args)
}

func (a transportAdapter) AppendEntries(rank int, args paxoslog.AppendEntriesArgs) (paxoslog.AppendEntriesReply, error) {
	addr, ok := a.m.addrForRank(rank)
	if !ok {
		return paxoslog.AppendEntriesReply{}, errors.New("monitor: unknown rank")
	}
	return a.m.peers.AppendEntries(addr, args)
}

func (m *Monitor) addrForRank(rank int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.membership == nil {
		return "", false
	}
	id, ok := m.membership.GetInst(rank)
	if !ok || membership.IsBlankAddr(id.Addr) {
		return "", false
	}
	return id.Addr, true
}

// Mkfs seeds a brand-new store with a one-member membership map naming
// only this monitor, grounded on Monitor::mkfs writing the initial
// monmap before the daemon ever runs.
func Mkfs(name, fsid, addr string, st store.Store) *membership.Map {
	m := &membership.Map{
		Epoch: 0,
		Fsid:  fsid,
		Members: []membership.Identity{
			{Name: name, Rank: 0, Addr: addr},
		},
	}
	b, err := m.Encode()
	if err == nil {
		st.Put("monmap", "latest", b)
	}
	return m
}

// Start launches the bootstrap probe and the periodic tick loop,
// grounded on Monitor::init calling bootstrap() and Monitor::tick's
// timer registration.
func (m *Monitor) Start() {
	m.Bootstrap()
	m.wg.Add(1)
	go m.tickLoop()
}

// Bootstrap (re)enters the Probing state and sends MonProbe to every
// known peer plus any bootstrap hints, grounded on Monitor::bootstrap.
// A monitor that is the only member of its map, at rank 0, sends no
// probes and wins a standalone election instead.
func (m *Monitor) Bootstrap() {
	m.mu.Lock()
	m.state = consts.Probing
	if m.membership != nil && m.membership.Size() == 1 && m.rankOfLocked(m.Addr) == 0 {
		m.mu.Unlock()
		m.elect.CallElection()
		return
	}
	targets := m.probeTargetsLocked()
	self := wire.ProbeMessage{
		From:          m.Addr,
		Name:          m.Name,
		Fsid:          m.Fsid,
		HasEverJoined: m.hasEverJoined,
	}
	if m.membership != nil {
		if b, err := m.membership.Encode(); err == nil {
			self.MembershipMapBytes = b
		}
	}
	m.mu.Unlock()

	for _, addr := range targets {
		go m.sendProbe(addr, self)
	}
	m.resetProbeTimeout()
}

func (m *Monitor) probeTargetsLocked() []string {
	seen := make(map[string]bool)
	var out []string
	if m.membership != nil {
		for _, mem := range m.membership.Members {
			if mem.Name == m.Name || membership.IsBlankAddr(mem.Addr) || seen[mem.Addr] {
				continue
			}
			seen[mem.Addr] = true
			out = append(out, mem.Addr)
		}
	}
	for _, addr := range m.bootstrapHints {
		if !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	for _, name := range m.registry.Names() {
		if addr, ok := m.registry.GetListenAddr(name); ok && !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	return out
}

// Reset tears the monitor back down to Probing from any state,
// grounded on Monitor::reset (abandon election/sync, re-bootstrap).
func (m *Monitor) Reset() {
	m.elect.Stop()
	m.log.Restart()
	m.resetSyncLocked()
	m.Bootstrap()
}

// Shutdown stops the tick loop and any in-flight election timer,
// grounded on Monitor::shutdown.
func (m *Monitor) Shutdown() {
	m.mu.Lock()
	m.state = consts.Shutdown
	m.mu.Unlock()
	close(m.quitCh)
	m.elect.Stop()
	m.health().UnregisterClusterLogger()
	m.wg.Wait()
}

// tick mirrors Monitor::tick/new_tick's periodic housekeeping:
// re-checking probe/sync timeouts and sweeping expired subscriptions.
// Interval matches the teacher's own 50ms heartbeat-adjacent cadence
// loosely; this module has no hard real-time requirement on it.
func (m *Monitor) tickLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.quitCh:
			return
		case <-ticker.C:
			m.checkProbeTimeout()
			m.checkSyncTimeouts()
			m.checkSubs()
		}
	}
}

func (m *Monitor) onCommit(entry paxoslog.LogEntry) {
	log.Printf("mon(%s) committed version=%d bytes=%d", m.Name, entry.Version, len(entry.Value))
}

// knownPeerRanks returns every rank other than this monitor's own,
// the active set CallElection needs before it can fan out votes.
func (m *Monitor) knownPeerRanks() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.membership == nil {
		return nil
	}
	selfRank, _ := m.membership.RankOf(m.Addr)
	ranks := make([]int, 0, len(m.membership.Members))
	for _, mem := range m.membership.Members {
		if mem.Rank == selfRank || membership.IsBlankAddr(mem.Addr) {
			continue
		}
		ranks = append(ranks, mem.Rank)
	}
	return ranks
}

// State returns the monitor's current lifecycle state.
func (m *Monitor) State() consts.LifecycleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
