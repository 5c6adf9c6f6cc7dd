// Package registry is the monitor-id -> listen-address directory the
// monitor core fills from probe replies and consults when choosing
// whom to probe (the transport dials addresses directly), merging the teacher's
// cephadm (monitor-scoped registry) and detector (generic node
// registry with a Shutdowner/ListenAddr interface pair) into one type
// since this module has no separate "cephadm" concept of its own.
package registry

import "sync"

// Registry maps a monitor's name to its advertised listen address.
type Registry struct {
	mu   sync.Mutex
	addr map[string]string
}

func NewRegistry() *Registry {
	return &Registry{addr: make(map[string]string)}
}

// Add records or overwrites a monitor's address, grounded on the
// teacher's cephadm.AddMonitor.
func (r *Registry) Add(name, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addr[name] = addr
}

// Remove drops a monitor from the registry, grounded on
// cephadm.RemoveMonitor.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.addr, name)
}

// GetListenAddr returns the address registered for name, if any,
// grounded on both cephadm.GetListenAddr and detector's ListenAddr
// interface method of the same name.
func (r *Registry) GetListenAddr(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr, ok := r.addr[name]
	return addr, ok
}

// Names returns every registered monitor name, grounded on
// cephadm.GetMonitorIds.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.addr))
	for n := range r.addr {
		names = append(names, n)
	}
	return names
}
