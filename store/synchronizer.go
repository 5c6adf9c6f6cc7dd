package store

import "sort"

// ChunkSize bounds how many keys a single OP_CHUNK carries (spec.md §4.3).
const ChunkSize = 64

type flatEntry struct {
	prefix string
	key    string
	value  []byte
}

// Synchronizer walks a point-in-time snapshot of the sync-target
// prefixes in (prefix, key) order, handing out bounded chunks. It is the
// Go analogue of MonitorDBStore::Synchronizer, created fresh from
// (0,0) or resumed from a requester's last_received_key (spec.md §4.3,
// "Provider" role).
type Synchronizer struct {
	entries []flatEntry
	pos     int
}

// NewSynchronizer builds a cursor over prefixes as of the given
// snapshot. If afterPrefix/afterKey are non-empty, entries up to and
// including that key are skipped — the resume case when a requester
// reconnects with a last_received_key.
func NewSynchronizer(snapshot map[string]map[string][]byte, afterPrefix, afterKey string) *Synchronizer {
	entries := make([]flatEntry, 0)
	for prefix, bucket := range snapshot {
		for k, v := range bucket {
			entries = append(entries, flatEntry{prefix: prefix, key: k, value: v})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].prefix != entries[j].prefix {
			return entries[i].prefix < entries[j].prefix
		}
		return entries[i].key < entries[j].key
	})

	s := &Synchronizer{entries: entries}
	if afterPrefix == "" && afterKey == "" {
		return s
	}
	for i, e := range entries {
		if e.prefix == afterPrefix && e.key == afterKey {
			s.pos = i + 1
			return s
		}
	}
	return s
}

// HasNextChunk reports whether any entries remain.
func (s *Synchronizer) HasNextChunk() bool {
	return s.pos < len(s.entries)
}

// NextChunk returns up to ChunkSize entries as a Transaction, the
// high-water-mark (prefix, key) reached, and whether this was the final
// chunk (spec.md §6 FLAG_LAST).
func (s *Synchronizer) NextChunk() (tx *Transaction, lastPrefix, lastKey string, last bool) {
	tx = NewTransaction()
	end := s.pos + ChunkSize
	if end > len(s.entries) {
		end = len(s.entries)
	}
	for _, e := range s.entries[s.pos:end] {
		tx.Put(e.prefix, e.key, e.value)
		lastPrefix, lastKey = e.prefix, e.key
	}
	s.pos = end
	return tx, lastPrefix, lastKey, !s.HasNextChunk()
}
