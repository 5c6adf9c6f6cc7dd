// Package store is the minimal concrete stand-in for the prefixed
// key-value store spec.md §1 treats as an external collaborator ("assumed
// to expose prefixed get/put/clear and atomic multi-key transactions").
// It is deliberately unexciting: a mutex-guarded map, in the same idiom
// the teacher uses for its own in-memory registries.
package store

import "sync"

// Op is one write inside a Transaction: Put when Value is non-nil,
// Erase when it is nil.
type Op struct {
	Prefix string
	Key    string
	Value  []byte
}

// Transaction batches writes that must be applied atomically, mirroring
// MonitorDBStore::Transaction's put/erase pairs used throughout
// Monitor.cc (e.g. "mon_sync/in_sync" being written transactionally
// before the sync-target prefixes are cleared, spec.md §4.3 step 1).
type Transaction struct {
	ops []Op
}

func NewTransaction() *Transaction {
	return &Transaction{}
}

func (t *Transaction) Put(prefix, key string, value []byte) *Transaction {
	t.ops = append(t.ops, Op{Prefix: prefix, Key: key, Value: value})
	return t
}

func (t *Transaction) Erase(prefix, key string) *Transaction {
	t.ops = append(t.ops, Op{Prefix: prefix, Key: key, Value: nil})
	return t
}

// Ops exposes the underlying write list, used by the sync engine to
// serialize a Transaction onto the wire as an OP_CHUNK payload.
func (t *Transaction) Ops() []Op {
	return t.ops
}

// NewTransactionFromOps rebuilds a Transaction from a previously
// serialized Ops() list, the receiving side of an OP_CHUNK payload.
func NewTransactionFromOps(ops []Op) *Transaction {
	return &Transaction{ops: ops}
}

// Store is the narrow interface the monitor core depends on. Apply is
// required to be synchronous and non-suspending (spec.md §5): the
// in-memory implementation trivially satisfies that.
type Store interface {
	Get(prefix, key string) ([]byte, bool)
	Put(prefix, key string, value []byte)
	Erase(prefix, key string)
	Clear(prefixes []string)
	Apply(tx *Transaction)
	// Snapshot returns a point-in-time copy of every key under the given
	// prefixes, used by the Store Sync Engine's provider role to build
	// chunks (spec.md §4.3) and by tests to assert requester/provider
	// convergence (spec.md §8 round-trip law).
	Snapshot(prefixes []string) map[string]map[string][]byte
}

// Memory is an in-memory Store.
type Memory struct {
	mu   sync.Mutex
	data map[string]map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string][]byte)}
}

func (m *Memory) Get(prefix, k string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.data[prefix]
	if !ok {
		return nil, false
	}
	v, ok := bucket[k]
	return v, ok
}

func (m *Memory) Put(prefix, k string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(prefix, k, value)
}

func (m *Memory) putLocked(prefix, k string, value []byte) {
	bucket, ok := m.data[prefix]
	if !ok {
		bucket = make(map[string][]byte)
		m.data[prefix] = bucket
	}
	bucket[k] = value
}

func (m *Memory) Erase(prefix, k string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eraseLocked(prefix, k)
}

func (m *Memory) eraseLocked(prefix, k string) {
	if bucket, ok := m.data[prefix]; ok {
		delete(bucket, k)
	}
}

// Clear drops every key under each listed prefix. Used both by the
// Requester role (clearing sync-target prefixes before the first chunk
// applies, spec.md §3 invariant 4) and by sync_requester_abort-style
// paths.
func (m *Memory) Clear(prefixes []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range prefixes {
		delete(m.data, p)
	}
}

func (m *Memory) Apply(tx *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range tx.ops {
		if op.Value == nil {
			m.eraseLocked(op.Prefix, op.Key)
		} else {
			m.putLocked(op.Prefix, op.Key, op.Value)
		}
	}
}

func (m *Memory) Snapshot(prefixes []string) map[string]map[string][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]map[string][]byte, len(prefixes))
	for _, p := range prefixes {
		bucket, ok := m.data[p]
		if !ok {
			continue
		}
		copyBucket := make(map[string][]byte, len(bucket))
		for k, v := range bucket {
			copyBucket[k] = v
		}
		out[p] = copyBucket
	}
	return out
}
