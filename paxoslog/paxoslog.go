// Package paxoslog is the black-box replicated log the monitor core
// treats as an external collaborator (spec.md §1): a versioned,
// append-only value store that a quorum agrees on before any version is
// considered committed. Its shape is the teacher's mon/consensus.go
// Consensus engine with the RequestVote/candidate machinery removed —
// that half moved to elector/, since spec.md routes leadership through
// a separate Election Supervisor rather than through the log itself.
package paxoslog

import (
	"errors"
	"sync"
)

// LogEntry is one committed (or pending) value at a given version,
// the analogue of the teacher's LogEntry{Command, Term} pair, renamed
// to the Paxos vocabulary (version rather than Raft's log index/term).
type LogEntry struct {
	Version uint64
	Value   []byte
}

// AppendEntriesArgs is what a leader sends a peon to extend the log,
// grounded on the teacher's AppendEntriesArgs RPC in mon/consensus.go.
type AppendEntriesArgs struct {
	Epoch         uint64
	LeaderRank    int
	PrevVersion   uint64
	Entries       []LogEntry
	CommitVersion uint64
}

// AppendEntriesReply is the peon's response.
type AppendEntriesReply struct {
	Epoch        uint64
	Success      bool
	MatchVersion uint64
}

// Transport is the narrow RPC surface Dispatch needs to reach peers;
// satisfied by monitor/transport's peer client pool.
type Transport interface {
	AppendEntries(rank int, args AppendEntriesArgs) (AppendEntriesReply, error)
}

// Persistence is the narrow store surface the log needs to survive a
// restart, grounded on Paxos::init reading "paxos"/"first_committed"
// and "paxos"/"last_committed" out of MonitorDBStore.
type Persistence interface {
	Get(prefix, key string) ([]byte, bool)
	Put(prefix, key string, value []byte)
}

const storePrefix = "paxos"

// Log is one monitor's view of the replicated log. A Log is either
// inactive (bootstrapping/synchronizing), a leader (accepts Submit,
// replicates via Dispatch calls it makes outward), or a peon (accepts
// Dispatch calls made inward by the leader).
type Log struct {
	mu sync.Mutex

	rank      int
	persist   Persistence
	transport Transport
	onCommit  func(LogEntry)

	entries        []LogEntry // in-memory entries, oldest first; Trim keeps those from firstCommitted on
	version        uint64     // last committed version
	firstCommitted uint64

	epoch      uint64
	leader     bool
	peers      []int
	nextIndex  map[int]uint64
	matchIndex map[int]uint64

	trimDisableCount int
}

func NewLog(rank int, persist Persistence, transport Transport, onCommit func(LogEntry)) *Log {
	return &Log{
		rank:      rank,
		persist:   persist,
		transport: transport,
		onCommit:  onCommit,
	}
}

// Init loads persisted version/first_committed, matching Paxos::init's
// read of the committed-through markers. Called once at monitor
// startup, before the lifecycle controller knows whether it's joining
// an existing quorum or bootstrapping a fresh one.
func (l *Log) Init() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.persist.Get(storePrefix, "last_committed"); ok {
		l.version = decodeVersion(b)
	}
	if b, ok := l.persist.Get(storePrefix, "first_committed"); ok {
		l.firstCommitted = decodeVersion(b)
	}
}

// Restart clears volatile leader/peon bookkeeping without touching the
// persisted log, grounded on Paxos::restart being called whenever an
// election starts or finishes: the committed history is never in
// doubt, only who gets to propose next.
func (l *Log) Restart() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.leader = false
	l.nextIndex = nil
	l.matchIndex = nil
}

// LeaderInit makes this log accept Submit calls and begins replicating
// to activeRanks, grounded on Paxos::leader_init.
func (l *Log) LeaderInit(epoch uint64, activeRanks []int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.epoch = epoch
	l.leader = true
	l.peers = activeRanks
	l.nextIndex = make(map[int]uint64, len(activeRanks))
	l.matchIndex = make(map[int]uint64, len(activeRanks))
	for _, r := range activeRanks {
		if r == l.rank {
			continue
		}
		l.nextIndex[r] = l.version + 1
		l.matchIndex[r] = 0
	}
}

// PeonInit makes this log accept inbound Dispatch calls from whichever
// rank wins the next election, grounded on Paxos::peon_init.
func (l *Log) PeonInit(epoch uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.epoch = epoch
	l.leader = false
	l.nextIndex = nil
	l.matchIndex = nil
}

var errNotLeader = errors.New("paxoslog: not leader")

// Submit proposes value, replicates it to every peer, and blocks until
// a majority (this rank included) has durably applied it, returning
// its assigned version. Grounded on the teacher's Consensus.submit
// feeding leaderSendHeartbeats, simplified from periodic-heartbeat
// piggybacking to an immediate one-shot replication round. The monitor
// core itself does not call Submit; it is driven by callers of the log.
func (l *Log) Submit(value []byte) (uint64, error) {
	l.mu.Lock()
	if !l.leader {
		l.mu.Unlock()
		return 0, errNotLeader
	}
	version := l.version + 1
	entry := LogEntry{Version: version, Value: value}
	l.entries = append(l.entries, entry)
	epoch := l.epoch
	peers := append([]int(nil), l.peers...)
	prevVersion := l.version
	l.mu.Unlock()

	acked := 1
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, r := range peers {
		if r == l.rank {
			continue
		}
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := l.transport.AppendEntries(r, AppendEntriesArgs{
				Epoch:         epoch,
				LeaderRank:    l.rank,
				PrevVersion:   prevVersion,
				Entries:       []LogEntry{entry},
				CommitVersion: prevVersion,
			})
			if err != nil || !reply.Success {
				return
			}
			mu.Lock()
			acked++
			l.mu.Lock()
			if l.nextIndex != nil {
				l.nextIndex[r] = reply.MatchVersion + 1
				l.matchIndex[r] = reply.MatchVersion
			}
			l.mu.Unlock()
			mu.Unlock()
		}()
	}
	wg.Wait()

	majority := len(peers)/2 + 1
	if acked < majority {
		return 0, errors.New("paxoslog: failed to reach quorum")
	}

	l.mu.Lock()
	l.commitLocked(version)
	l.mu.Unlock()
	if l.onCommit != nil {
		l.onCommit(entry)
	}
	return version, nil
}

// Dispatch applies a leader's AppendEntries call, the peon-side
// counterpart of Submit's replication fan-out, grounded on the
// teacher's AppendEntries RPC handler.
func (l *Log) Dispatch(args AppendEntriesArgs) AppendEntriesReply {
	l.mu.Lock()
	defer l.mu.Unlock()

	if args.Epoch < l.epoch {
		return AppendEntriesReply{Epoch: l.epoch, Success: false}
	}
	l.epoch = args.Epoch

	if args.PrevVersion != l.version {
		return AppendEntriesReply{Epoch: l.epoch, Success: false, MatchVersion: l.version}
	}

	for _, e := range args.Entries {
		l.entries = append(l.entries, e)
		l.commitLocked(e.Version)
		if l.onCommit != nil {
			entry := e
			go l.onCommit(entry)
		}
	}
	return AppendEntriesReply{Epoch: l.epoch, Success: true, MatchVersion: l.version}
}

func (l *Log) commitLocked(version uint64) {
	if version <= l.version {
		return
	}
	l.version = version
	l.persist.Put(storePrefix, "last_committed", encodeVersion(version))
	if l.firstCommitted == 0 {
		l.firstCommitted = 1
		l.persist.Put(storePrefix, "first_committed", encodeVersion(l.firstCommitted))
	}
}

func (l *Log) Version() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version
}

func (l *Log) FirstCommitted() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.firstCommitted
}

func (l *Log) IsLeader() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leader
}

// TrimDisable/TrimEnable/IsTrimDisabled/ShouldTrim implement the
// trim_disable/trim_enable reference-counted gate Monitor.cc's sync
// provider uses to keep the log from shrinking out from under a
// requester reading an old version (handle_sync_start ->
// trim_disable, sync_finish's 30s grace -> trim_enable).
func (l *Log) TrimDisable() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trimDisableCount++
}

func (l *Log) TrimEnable() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.trimDisableCount > 0 {
		l.trimDisableCount--
	}
}

func (l *Log) IsTrimDisabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.trimDisableCount > 0
}

// ShouldTrim reports whether the log has accumulated more than keep
// versions beyond firstCommitted and trimming isn't currently
// disabled, grounded on Paxos::should_trim's min-versions-to-keep
// check gated by trim_disable.
func (l *Log) ShouldTrim(keep uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.trimDisableCount > 0 {
		return false
	}
	return l.version > l.firstCommitted+keep
}

// Trim advances firstCommitted to version-keep, dropping entries older
// than the new first_committed from the in-memory tail.
func (l *Log) Trim(keep uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.version <= l.firstCommitted+keep {
		return
	}
	newFirst := l.version - keep
	drop := int(newFirst - l.firstCommitted)
	if drop > 0 && drop <= len(l.entries) {
		l.entries = l.entries[drop:]
	}
	l.firstCommitted = newFirst
	l.persist.Put(storePrefix, "first_committed", encodeVersion(l.firstCommitted))
}

func encodeVersion(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func decodeVersion(b []byte) uint64 {
	var v uint64
	for i := 0; i < len(b) && i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
