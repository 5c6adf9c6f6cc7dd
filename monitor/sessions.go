package monitor

import (
	"time"

	"distmon/consts"
)

// Subscription is one client's standing interest in a data type,
// grounded on Monitor.cc's Subscription struct (type, start version,
// onetime flag) registered via handle_subscribe.
type Subscription struct {
	Type    string
	Start   uint64
	Onetime bool
	Expires time.Time
}

// Session is a connected client or peer's state, grounded on
// Monitor.cc's MonSession (subscriptions, proxy_con for forwarded
// requests, last-active time for expiry).
type Session struct {
	ID            string
	Addr          string
	Type          consts.NodeType
	Subscriptions map[string]*Subscription
	LastActive    time.Time

	// ProxyAddr/ProxyTid are set when this session is a synthetic
	// leader-side stand-in for a peon-forwarded request, grounded on
	// Monitor::handle_forward's proxy_con/proxy_tid assignment.
	ProxyAddr string
	ProxyTid  uint64
}

const sessionIdleTimeout = 5 * time.Minute

// Register creates or refreshes a session of the given entity type,
// grounded on the session lookup at the top of Monitor.cc's dispatch
// path, which keys MonSession by entity_type as well as entity_name.
func (m *Monitor) Register(id, addr string, typ consts.NodeType) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		s = &Session{ID: id, Addr: addr, Type: typ, Subscriptions: make(map[string]*Subscription)}
		m.sessions[id] = s
	}
	s.LastActive = time.Now()
	return s
}

// Subscribe records or refreshes a subscription, grounded on
// Monitor::handle_subscribe.
func (m *Monitor) Subscribe(sessionID, typ string, start uint64, onetime bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	s.Subscriptions[typ] = &Subscription{
		Type:    typ,
		Start:   start,
		Onetime: onetime,
		Expires: time.Now().Add(sessionIdleTimeout),
	}
}

// checkSubs sweeps expired subscriptions and idle sessions, grounded
// on Monitor::check_sub(s) being called from tick across every open
// session.
func (m *Monitor) checkSubs() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for id, s := range m.sessions {
		for typ, sub := range s.Subscriptions {
			if now.After(sub.Expires) {
				delete(s.Subscriptions, typ)
			}
		}
		if now.Sub(s.LastActive) > sessionIdleTimeout {
			delete(m.sessions, id)
		}
	}
}

// RemoveSession drops a session and any routed requests it was
// waiting on, grounded on Monitor::remove_session's
// routed_request_tids sweep.
func (m *Monitor) RemoveSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	for tid, rr := range m.routedRequests {
		if rr.Session == id {
			delete(m.routedRequests, tid)
		}
	}
}

// HandleReset tears down every session and routed request associated
// with a lost connection from addr, grounded on
// Monitor::ms_handle_reset.
func (m *Monitor) HandleReset(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := make(map[string]bool)
	for id, s := range m.sessions {
		if s.Addr == addr || s.ProxyAddr == addr {
			delete(m.sessions, id)
			removed[id] = true
		}
	}
	for tid, rr := range m.routedRequests {
		if removed[rr.Session] {
			delete(m.routedRequests, tid)
		}
	}
}
