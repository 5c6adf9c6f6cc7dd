package monitor

import (
	"errors"

	"distmon/consts"
	"distmon/wire"
)

// ForwardRequest sends a client request this peon can't answer itself
// on to the current leader, allocating a tid to match the eventual
// reply against, grounded on Monitor::forward_request_leader.
func (m *Monitor) ForwardRequest(sessionID string, inner []byte) (uint64, error) {
	m.mu.Lock()
	if m.state == consts.Leader {
		m.mu.Unlock()
		return 0, errors.New("monitor: already leader, forward not needed")
	}
	m.nextTid++
	tid := m.nextTid
	m.routedRequests[tid] = &RoutedRequest{Tid: tid, Session: sessionID, InnerBytes: inner}
	m.mu.Unlock()

	leaderAddr := m.currentLeaderAddr()
	if leaderAddr == "" {
		return 0, errors.New("monitor: no known leader to forward to")
	}
	reply, err := m.peers.Forward(leaderAddr, wire.ForwardMessage{Tid: tid, Session: sessionID, InnerBytes: inner})
	if err != nil {
		return tid, err
	}
	m.handleForwardReplyInline(tid, reply.InnerReplyBytes)
	return tid, nil
}

func (m *Monitor) handleForwardReplyInline(tid uint64, replyBytes []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rr, ok := m.routedRequests[tid]; ok {
		rr.InnerBytes = replyBytes
		delete(m.routedRequests, tid)
	}
}

// HandleForward is the leader's RPC handler for a peon's forwarded
// request: it creates a synthetic session standing in for the
// original client so SendReply can route the eventual answer back
// through the same peon, grounded on Monitor::handle_forward's
// proxy_con/proxy_tid session.
func (m *Monitor) HandleForward(fromAddr string, msg wire.ForwardMessage, handle func(inner []byte) []byte) wire.ForwardReply {
	proxyID := "proxy:" + fromAddr + ":" + msg.Session
	s := m.Register(proxyID, fromAddr, consts.NodeTypeMON)
	m.mu.Lock()
	s.ProxyAddr = fromAddr
	s.ProxyTid = msg.Tid
	m.mu.Unlock()

	reply := handle(msg.InnerBytes)
	return wire.ForwardReply{InnerReplyBytes: reply}
}

// SendReply answers a session, wrapping the reply in an MRoute-style
// envelope when the session is a synthetic proxy for a forwarded
// request so the call can be routed back through the originating
// peon, grounded on Monitor::send_reply.
func (m *Monitor) SendReply(sessionID string, replyBytes []byte) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return errors.New("monitor: unknown session")
	}
	if s.ProxyAddr == "" {
		return nil // local client reply path is out of this module's scope
	}
	return m.peers.Route(s.ProxyAddr, wire.RouteMessage{Tid: s.ProxyTid, InnerReplyBytes: replyBytes})
}

// HandleRoute delivers a routed reply back to the peon-side caller
// that is still waiting on tid, grounded on Monitor::handle_route's
// routed_requests lookup.
func (m *Monitor) HandleRoute(msg wire.RouteMessage) {
	m.handleForwardReplyInline(msg.Tid, msg.InnerReplyBytes)
}

// resendRoutedRequests re-forwards every still-pending routed request
// after an election, since the leader they were addressed to may have
// changed, grounded on Monitor::resend_routed_requests.
func (m *Monitor) resendRoutedRequests() {
	m.mu.Lock()
	pending := make([]*RoutedRequest, 0, len(m.routedRequests))
	for _, rr := range m.routedRequests {
		pending = append(pending, rr)
	}
	m.mu.Unlock()

	for _, rr := range pending {
		go m.ForwardRequest(rr.Session, rr.InnerBytes)
	}
}
