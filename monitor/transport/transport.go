// Package transport is the net/rpc plumbing the monitor core runs
// over: a server exposing two RPC receivers (PeersModule for
// monitor-to-monitor traffic, OthersModule for client-facing
// forward/route traffic) plus a per-peer client pool, grounded nearly
// 1:1 on the teacher's mon/server.go and mon/server/server.go.
package transport

import (
	"net"
	"net/rpc"
	"sync"

	"distmon/elector"
	"distmon/monitor"
	"distmon/paxoslog"
	"distmon/wire"
)

// PeersModule exposes the monitor-to-monitor RPCs: probing, sync, vote
// requests, and log replication. Grounded on the teacher's
// rpc_proxy/peers.go PeersRPCProxy.
type PeersModule struct {
	Mon *monitor.Monitor
}

func (p *PeersModule) Probe(args wire.ProbeMessage, reply *wire.ProbeMessage) error {
	*reply = p.Mon.HandleProbe(args)
	return nil
}

func (p *PeersModule) Sync(args wire.SyncMessage, reply *wire.SyncMessage) error {
	*reply = p.Mon.HandleSync(args.From, args)
	return nil
}

func (p *PeersModule) RequestVote(args elector.VoteArgs, reply *elector.VoteReply) error {
	*reply = p.Mon.HandleRequestVote(args)
	return nil
}

func (p *PeersModule) AppendEntries(args paxoslog.AppendEntriesArgs, reply *paxoslog.AppendEntriesReply) error {
	*reply = p.Mon.HandleAppendEntries(args)
	return nil
}

// OthersModule exposes the client-facing RPCs: a peon forwarding a
// request to the leader, and the leader routing the eventual reply
// back. Grounded on the teacher's rpc_proxy/others.go OthersRPCProxy.
type OthersModule struct {
	Mon     *monitor.Monitor
	Handler func(inner []byte) []byte
}

func (o *OthersModule) Forward(args wire.ForwardMessage, reply *wire.ForwardReply) error {
	*reply = o.Mon.HandleForward(args.From, args, o.Handler)
	return nil
}

func (o *OthersModule) Route(args wire.RouteMessage, reply *struct{}) error {
	o.Mon.HandleRoute(args)
	return nil
}

// Server runs the accept loop, a near literal port of the teacher's
// mon/server/server.go Server type: RegisterName both modules on the
// Server's own rpc.Server, Listen, then ServeConn per accepted
// connection on its own goroutine. Its clients map is not filled by
// anything in this package; outbound calls go through Client.
type Server struct {
	mu       sync.Mutex
	rpc      *rpc.Server
	listener net.Listener
	clients  map[string]*rpc.Client
	quitCh   chan struct{}
	wg       sync.WaitGroup
}

func NewServer() *Server {
	return &Server{
		rpc:     rpc.NewServer(),
		clients: make(map[string]*rpc.Client),
		quitCh:  make(chan struct{}),
	}
}

// Serve registers both RPC modules and starts accepting connections on
// addr, grounded on the teacher's Server.Server()/serve.
func (s *Server) Serve(addr string, peers *PeersModule, others *OthersModule) error {
	if err := s.rpc.RegisterName("Peers", peers); err != nil {
		return err
	}
	if err := s.rpc.RegisterName("Others", others); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.quitCh:
				return
			default:
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			done := make(chan struct{})
			go func() {
				select {
				case <-s.quitCh:
					conn.Close()
				case <-done:
				}
			}()
			s.rpc.ServeConn(conn)
			close(done)
		}()
	}
}

// Shutdown closes the listener and every accepted connection, and
// waits for their serving goroutines to return, grounded on the
// teacher's Server.Shutdown.
func (s *Server) Shutdown() {
	close(s.quitCh)
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for addr, c := range s.clients {
		c.Close()
		delete(s.clients, addr)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// GetListenAddr returns the address the server actually bound, useful
// when addr was passed as ":0", grounded on the teacher's
// Server.GetListenAddr / Server.getListenAddr.
func (s *Server) GetListenAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Client dials (lazily, once, cached) the monitors this process talks
// to, grounded on the teacher's Server.call / connectToNode.
type Client struct {
	mu      sync.Mutex
	clients map[string]*rpc.Client
}

func NewClient() *Client {
	return &Client{clients: make(map[string]*rpc.Client)}
}

func (c *Client) dial(addr string) (*rpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[addr]; ok {
		return cl, nil
	}
	cl, err := rpc.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	c.clients[addr] = cl
	return cl, nil
}

// Disconnect drops and closes a cached client, used when a peer stops
// answering so the next call re-dials instead of reusing a dead
// connection, grounded on the teacher's disconnectAll/DisconnectNode.
func (c *Client) Disconnect(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[addr]; ok {
		cl.Close()
		delete(c.clients, addr)
	}
}

func (c *Client) call(addr, method string, args, reply interface{}) error {
	cl, err := c.dial(addr)
	if err != nil {
		return err
	}
	if err := cl.Call(method, args, reply); err != nil {
		c.Disconnect(addr)
		return err
	}
	return nil
}

func (c *Client) Probe(addr string, msg wire.ProbeMessage) (wire.ProbeMessage, error) {
	var reply wire.ProbeMessage
	err := c.call(addr, "Peers.Probe", msg, &reply)
	return reply, err
}

func (c *Client) Sync(addr string, msg wire.SyncMessage) (wire.SyncMessage, error) {
	var reply wire.SyncMessage
	err := c.call(addr, "Peers.Sync", msg, &reply)
	return reply, err
}

func (c *Client) RequestVote(addr string, args elector.VoteArgs) (elector.VoteReply, error) {
	var reply elector.VoteReply
	err := c.call(addr, "Peers.RequestVote", args, &reply)
	return reply, err
}

func (c *Client) AppendEntries(addr string, args paxoslog.AppendEntriesArgs) (paxoslog.AppendEntriesReply, error) {
	var reply paxoslog.AppendEntriesReply
	err := c.call(addr, "Peers.AppendEntries", args, &reply)
	return reply, err
}

func (c *Client) Forward(addr string, msg wire.ForwardMessage) (wire.ForwardReply, error) {
	var reply wire.ForwardReply
	err := c.call(addr, "Others.Forward", msg, &reply)
	return reply, err
}

func (c *Client) Route(addr string, msg wire.RouteMessage) error {
	var reply struct{}
	return c.call(addr, "Others.Route", msg, &reply)
}

var _ monitor.PeerClient = (*Client)(nil)
