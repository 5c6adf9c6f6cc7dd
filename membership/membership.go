// Package membership holds the cluster's monitor roster: identities,
// ranks, and the epoch-versioned map the Peer Prober exchanges on the
// wire.
package membership

import (
	"strconv"
	"strings"

	mapset "github.com/deckarep/golang-set"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Identity names a single monitor: its id, its position in the map, and
// its advertised address. Rank is -1 when the monitor is not (or no
// longer) a member.
type Identity struct {
	Name string `json:"name"`
	Rank int    `json:"rank"`
	Addr string `json:"addr"` // host:port, blank for a seed placeholder
}

// Map is an immutable-per-epoch snapshot of the monitor roster
// (spec.md §3). Epoch 0 denotes a seed map with possibly-blank
// addresses, exactly as the original's monmap before any monitor has
// ever joined.
type Map struct {
	Epoch   uint64     `json:"epoch"`
	Fsid    string     `json:"fsid"`
	Members []Identity `json:"members"`
}

// Clone returns a deep-enough copy for atomic epoch replacement: callers
// always swap the whole Map rather than mutate a shared one in place.
func (m *Map) Clone() *Map {
	out := &Map{Epoch: m.Epoch, Fsid: m.Fsid, Members: make([]Identity, len(m.Members))}
	copy(out.Members, m.Members)
	return out
}

func (m *Map) Size() int {
	return len(m.Members)
}

// RankOf returns the rank of the member advertising addr, if any.
func (m *Map) RankOf(addr string) (int, bool) {
	for i, mem := range m.Members {
		if mem.Addr == addr {
			return i, true
		}
	}
	return -1, false
}

// Contains reports whether name is present in the map, regardless of
// whether its address has been learned yet.
func (m *Map) Contains(name string) bool {
	for _, mem := range m.Members {
		if mem.Name == name {
			return true
		}
	}
	return false
}

// GetInst returns the member at rank, if in range.
func (m *Map) GetInst(rank int) (Identity, bool) {
	if rank < 0 || rank >= len(m.Members) {
		return Identity{}, false
	}
	return m.Members[rank], true
}

// GetByName returns the member named name, if present.
func (m *Map) GetByName(name string) (Identity, bool) {
	for _, mem := range m.Members {
		if mem.Name == name {
			return mem, true
		}
	}
	return Identity{}, false
}

// PickRandomName returns a member name other than excludeNames, or ""
// if no candidate remains. Mirrors MonMap::pick_random_mon's exclusion
// loop in the original, but without the bounded-retry dance: the caller
// does its own exclusion bookkeeping (spec.md §4.3 provider retry
// policy).
func (m *Map) PickRandomName(exclude mapset.Set, rng func(n int) int) (string, bool) {
	candidates := make([]string, 0, len(m.Members))
	for _, mem := range m.Members {
		if exclude.Contains(mem.Name) {
			continue
		}
		candidates = append(candidates, mem.Name)
	}
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[rng(len(candidates))], true
}

// Rename replaces a placeholder "noname-..." entry's name, used when a
// probe reply identifies the peer behind a seed-map slot (spec.md §4.2
// rule 2).
func (m *Map) Rename(oldName, newName string) {
	for i := range m.Members {
		if m.Members[i].Name == oldName {
			m.Members[i].Name = newName
			return
		}
	}
}

// SetAddr fills in a previously blank address for a named member,
// learned from a probe reply (spec.md §4.2 rule 2).
func (m *Map) SetAddr(name, addr string) {
	for i := range m.Members {
		if m.Members[i].Name == name {
			m.Members[i].Addr = addr
			return
		}
	}
}

// IsPlaceholderName reports whether name looks like a seed-map
// auto-generated name ("noname-<rank>"), the original's convention for
// epoch-0 maps whose peers haven't announced themselves yet.
func IsPlaceholderName(name string) bool {
	return strings.HasPrefix(name, "noname-")
}

// PlaceholderName synthesizes the name a seed map gives an unidentified
// slot at the given rank.
func PlaceholderName(rank int) string {
	return "noname-" + strconv.Itoa(rank)
}

// Encode serializes the map for the wire (MonProbe.REPLY's
// membership_map_bytes field, spec.md §6).
func (m *Map) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses bytes produced by Encode.
func Decode(b []byte) (*Map, error) {
	m := &Map{}
	if err := json.Unmarshal(b, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Equal compares two encoded maps byte-for-byte, the "equality
// short-circuit" spec.md §8 requires before adopting a peer's map.
func Equal(a, b []byte) bool {
	return string(a) == string(b)
}

// BlankAddr is the placeholder address of an unannounced seed-map member.
const BlankAddr = ""

// IsBlankAddr reports whether addr is the blank placeholder.
func IsBlankAddr(addr string) bool {
	return addr == BlankAddr
}
