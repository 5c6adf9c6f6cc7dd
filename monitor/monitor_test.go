package monitor

import (
	"sync"
	"testing"
	"time"

	"distmon/consts"
	"distmon/elector"
	"distmon/membership"
	"distmon/paxoslog"
	"distmon/store"
	"distmon/wire"
)

// fakeNetwork is an in-process stand-in for monitor/transport: it routes
// PeerClient calls straight into the addressed Monitor's own Handle*
// methods, the same methods monitor/transport's PeersModule/OthersModule
// wrap over net/rpc. Using it instead of real sockets keeps these tests
// fast and deterministic while still exercising the actual decision code
// in lifecycle.go/prober.go/syncengine.go/election.go/router.go.
type fakeNetwork struct {
	mu    sync.Mutex
	nodes map[string]*Monitor
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{nodes: make(map[string]*Monitor)}
}

func (n *fakeNetwork) register(addr string, m *Monitor) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[addr] = m
}

func (n *fakeNetwork) get(addr string) *Monitor {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[addr]
}

func (n *fakeNetwork) Probe(addr string, msg wire.ProbeMessage) (wire.ProbeMessage, error) {
	m := n.get(addr)
	if m == nil {
		return wire.ProbeMessage{}, errNoSuchPeer
	}
	return m.HandleProbe(msg), nil
}

func (n *fakeNetwork) Sync(addr string, msg wire.SyncMessage) (wire.SyncMessage, error) {
	m := n.get(addr)
	if m == nil {
		return wire.SyncMessage{}, errNoSuchPeer
	}
	return m.HandleSync(msg.From, msg), nil
}

func (n *fakeNetwork) Forward(addr string, msg wire.ForwardMessage) (wire.ForwardReply, error) {
	m := n.get(addr)
	if m == nil {
		return wire.ForwardReply{}, errNoSuchPeer
	}
	return m.HandleForward(msg.From, msg, func(inner []byte) []byte { return inner }), nil
}

func (n *fakeNetwork) Route(addr string, msg wire.RouteMessage) error {
	m := n.get(addr)
	if m == nil {
		return errNoSuchPeer
	}
	m.HandleRoute(msg)
	return nil
}

func (n *fakeNetwork) RequestVote(addr string, args elector.VoteArgs) (elector.VoteReply, error) {
	m := n.get(addr)
	if m == nil {
		return elector.VoteReply{}, errNoSuchPeer
	}
	return m.HandleRequestVote(args), nil
}

func (n *fakeNetwork) AppendEntries(addr string, args paxoslog.AppendEntriesArgs) (paxoslog.AppendEntriesReply, error) {
	m := n.get(addr)
	if m == nil {
		return paxoslog.AppendEntriesReply{}, errNoSuchPeer
	}
	return m.HandleAppendEntries(args), nil
}

var errNoSuchPeer = &noSuchPeerError{}

type noSuchPeerError struct{}

func (*noSuchPeerError) Error() string { return "monitor: no such peer registered" }

var _ PeerClient = (*fakeNetwork)(nil)

// bootSystem wires up a three-node cluster over a shared fakeNetwork and
// starts every node, mirroring the teacher's own bootSystem helper.
func bootSystem(t *testing.T) (*fakeNetwork, []*Monitor) {
	t.Helper()
	net := newFakeNetwork()
	names := []string{"alpha", "beta", "gamma"}
	addrs := []string{"node-alpha", "node-beta", "node-gamma"}

	seed := &membership.Map{Epoch: 1, Fsid: "test-fsid"}
	for i, name := range names {
		seed.Members = append(seed.Members, membership.Identity{Name: name, Rank: i, Addr: addrs[i]})
	}

	monitors := make([]*Monitor, len(names))
	for i, name := range names {
		m := NewMonitor(Config{
			Name:  name,
			Fsid:  "test-fsid",
			Addr:  addrs[i],
			Seed:  seed.Clone(),
			Store: store.NewMemory(),
			Peers: net,
		})
		monitors[i] = m
		net.register(addrs[i], m)
	}
	for _, m := range monitors {
		m.Start()
	}
	return net, monitors
}

func shutdownSystem(monitors []*Monitor) {
	var wg sync.WaitGroup
	for _, m := range monitors {
		wg.Add(1)
		go func(m *Monitor) {
			defer wg.Done()
			m.Shutdown()
		}(m)
	}
	wg.Wait()
}

func countByState(t *testing.T, monitors []*Monitor, state consts.LifecycleState) int {
	t.Helper()
	n := 0
	for _, m := range monitors {
		if m.State() == state {
			n++
		}
	}
	return n
}

func TestThreeNodeColdStartElectsOneLeader(t *testing.T) {
	_, monitors := bootSystem(t)
	defer shutdownSystem(monitors)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if countByState(t, monitors, consts.Leader) == 1 && countByState(t, monitors, consts.Peon) == 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	for _, m := range monitors {
		t.Logf("monitor %s state=%s", m.Name, m.State())
	}
	t.Fatalf("cluster did not converge to one leader and two peons in time")
}

func TestMkfsStandaloneBecomesLeaderAlone(t *testing.T) {
	st := store.NewMemory()
	seed := Mkfs("solo", "solo-fsid", "node-solo", st)
	net := newFakeNetwork()
	m := NewMonitor(Config{
		Name:  "solo",
		Fsid:  "solo-fsid",
		Addr:  "node-solo",
		Seed:  seed,
		Store: st,
		Peers: net,
	})
	net.register("node-solo", m)
	m.Start()
	defer m.Shutdown()

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == consts.Leader {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("standalone mkfs monitor never became leader, state=%s", m.State())
}

func TestRequestRoutingForwardsToLeaderAndReplies(t *testing.T) {
	net, monitors := bootSystem(t)
	defer shutdownSystem(monitors)

	var leader, peon *Monitor
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range monitors {
			if m.State() == consts.Leader {
				leader = m
			} else if m.State() == consts.Peon && peon == nil {
				peon = m
			}
		}
		if leader != nil && peon != nil {
			break
		}
		leader, peon = nil, nil
		time.Sleep(20 * time.Millisecond)
	}
	if leader == nil || peon == nil {
		t.Fatalf("cluster did not converge in time")
	}
	_ = net

	peon.Register("client-1", "client-addr", consts.NodeTypeOSD)
	tid, err := peon.ForwardRequest("client-1", []byte("ping"))
	if err != nil {
		t.Fatalf("ForwardRequest: %v", err)
	}
	if tid == 0 {
		t.Fatalf("expected a non-zero tid")
	}

	peon.mu.Lock()
	_, stillPending := peon.routedRequests[tid]
	peon.mu.Unlock()
	if stillPending {
		t.Fatalf("expected the routed request to be resolved inline once the leader answered")
	}
}

func TestForcedSyncCopiesLeaderStoreToRequester(t *testing.T) {
	net, monitors := bootSystem(t)
	defer shutdownSystem(monitors)

	var leader *Monitor
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, m := range monitors {
			if m.State() == consts.Leader {
				leader = m
			}
		}
		if leader != nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if leader == nil {
		t.Fatalf("cluster did not elect a leader in time")
	}
	if _, err := leader.log.Submit([]byte("committed-value")); err != nil {
		t.Fatalf("Submit on leader: %v", err)
	}

	var lagging *Monitor
	for _, m := range monitors {
		if m != leader {
			lagging = m
			break
		}
	}

	lagging.store.Clear([]string{"paxos", "monmap"})
	lagging.SyncForce(leader.Addr)

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		lagging.syncTrimMu.Lock()
		role := lagging.sync.role
		lagging.syncTrimMu.Unlock()
		if !role.Has(consts.SyncRoleRequester) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	_ = net
	leaderSnap := leader.store.Snapshot([]string{"paxos"})
	laggingSnap := lagging.store.Snapshot([]string{"paxos"})
	if len(leaderSnap["paxos"]) == 0 {
		t.Fatalf("expected the leader's paxos prefix to be non-empty after Submit")
	}
	if len(laggingSnap["paxos"]) != len(leaderSnap["paxos"]) {
		t.Fatalf("forced sync did not converge the paxos prefix: leader=%d lagging=%d", len(leaderSnap["paxos"]), len(laggingSnap["paxos"]))
	}
}
