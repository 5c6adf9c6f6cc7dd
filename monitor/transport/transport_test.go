package transport

import (
	"testing"

	"distmon/elector"
	"distmon/membership"
	"distmon/monitor"
	"distmon/paxoslog"
	"distmon/store"
	"distmon/wire"
)

// bootServer brings up one real TCP listener fronting a standalone
// Monitor and returns a Client already capable of dialing it, mirroring
// how cmd/monitord wires Server/Client together but on an OS-assigned
// port so tests never collide.
func bootServer(t *testing.T) (addr string, mon *monitor.Monitor, srv *Server) {
	t.Helper()
	seed := &membership.Map{Epoch: 1, Fsid: "transport-fsid", Members: []membership.Identity{
		{Name: "solo", Rank: 0, Addr: "placeholder"},
	}}
	mon = monitor.NewMonitor(monitor.Config{
		Name:  "solo",
		Fsid:  "transport-fsid",
		Addr:  "placeholder",
		Seed:  seed,
		Store: store.NewMemory(),
	})

	srv = NewServer()
	peers := &PeersModule{Mon: mon}
	others := &OthersModule{Mon: mon, Handler: func(inner []byte) []byte { return inner }}
	if err := srv.Serve("127.0.0.1:0", peers, others); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	return srv.GetListenAddr(), mon, srv
}

func TestClientProbeRoundTrip(t *testing.T) {
	addr, _, srv := bootServer(t)
	defer srv.Shutdown()

	c := NewClient()
	reply, err := c.Probe(addr, wire.ProbeMessage{From: "caller", Name: "caller-mon"})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if reply.Name != "solo" || reply.Fsid != "transport-fsid" {
		t.Fatalf("unexpected probe reply: %+v", reply)
	}
}

func TestClientRequestVoteAndAppendEntriesRoundTrip(t *testing.T) {
	addr, _, srv := bootServer(t)
	defer srv.Shutdown()

	c := NewClient()
	voteReply, err := c.RequestVote(addr, elector.VoteArgs{Epoch: 1, CandidateRank: 1, LastVersion: 0})
	if err != nil {
		t.Fatalf("RequestVote: %v", err)
	}
	if !voteReply.VoteGranted {
		t.Fatalf("expected the first vote in a fresh epoch to be granted, got %+v", voteReply)
	}

	aeReply, err := c.AppendEntries(addr, paxoslog.AppendEntriesArgs{Epoch: 1, LeaderRank: 1})
	if err != nil {
		t.Fatalf("AppendEntries: %v", err)
	}
	_ = aeReply
}

func TestClientForwardAndRouteRoundTrip(t *testing.T) {
	addr, _, srv := bootServer(t)
	defer srv.Shutdown()

	c := NewClient()
	reply, err := c.Forward(addr, wire.ForwardMessage{From: "peon-addr", Tid: 7, Session: "client-1", InnerBytes: []byte("ping")})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if string(reply.InnerReplyBytes) != "ping" {
		t.Fatalf("Forward reply = %q", reply.InnerReplyBytes)
	}

	// HandleRoute's own bookkeeping is not checked here; the concern is
	// only that the RPC plumbing delivers the call without error.
	if err := c.Route(addr, wire.RouteMessage{Tid: 7, InnerReplyBytes: []byte("pong")}); err != nil {
		t.Fatalf("Route: %v", err)
	}
}

func TestClientDisconnectDropsCachedConnection(t *testing.T) {
	addr, _, srv := bootServer(t)
	defer srv.Shutdown()

	c := NewClient()
	if _, err := c.Probe(addr, wire.ProbeMessage{From: "caller"}); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	c.mu.Lock()
	_, cached := c.clients[addr]
	c.mu.Unlock()
	if !cached {
		t.Fatalf("expected the client pool to cache a connection after a successful call")
	}

	c.Disconnect(addr)
	c.mu.Lock()
	_, stillCached := c.clients[addr]
	c.mu.Unlock()
	if stillCached {
		t.Fatalf("Disconnect should have dropped the cached connection")
	}
}
