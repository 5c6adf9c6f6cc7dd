package monitor

import (
	"hash/crc32"
	"log"
	"time"

	"distmon/consts"
	"distmon/store"
	"distmon/wire"

	"github.com/glycerine/blake3"
	jsoniter "github.com/json-iterator/go"
)

var chunkJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// syncTargetPrefixes lists the store prefixes a sync session moves
// wholesale, grounded on Monitor.cc's get_sync_targets_names
// ("mon_sync", "paxos", plus any service-registered prefixes — this
// module only knows about its own two).
var syncTargetPrefixes = []string{"paxos", "monmap"}

const (
	syncHeartbeatInterval = 2 * time.Second
	syncRequesterTimeout  = 10 * time.Second
	syncMaxRetries        = 5
)

// providerSession is this monitor's state for one requester it is
// streaming chunks to, grounded on Monitor.cc's SyncProvider struct.
type providerSession struct {
	requesterAddr string
	cursor        *store.Synchronizer
	lastActivity  time.Time
}

// syncState is the requester half plus the set of provider sessions
// this monitor may be running concurrently (spec.md §3 invariant 3: a
// monitor may be Leader-for-sync and Provider at once, never Requester
// alongside either), guarded by Monitor.syncTrimMu.
type syncState struct {
	role consts.SyncRole

	requesterProviderAddr string
	requesterAttempts     int
	requesterDeadline     time.Time

	providers map[string]*providerSession
}

func (m *Monitor) resetSyncLocked() {
	m.syncTrimMu.Lock()
	defer m.syncTrimMu.Unlock()
	m.sync = syncState{providers: make(map[string]*providerSession)}
}

// startSyncAsRequester begins pulling a full copy of the sync target
// prefixes from providerAddr, grounded on Monitor::sync_start: write
// mon_sync/in_sync transactionally, clear the target prefixes, then
// send OP_START.
func (m *Monitor) startSyncAsRequester(providerAddr string) {
	m.syncTrimMu.Lock()
	if m.sync.role.Has(consts.SyncRoleRequester) {
		m.syncTrimMu.Unlock()
		return
	}
	m.sync.role |= consts.SyncRoleRequester
	m.sync.requesterProviderAddr = providerAddr
	m.sync.requesterAttempts = 0
	m.sync.requesterDeadline = time.Now().Add(syncRequesterTimeout)
	m.syncTrimMu.Unlock()

	m.mu.Lock()
	m.state = consts.Synchronizing
	m.mu.Unlock()
	m.cancelProbeTimeout()

	tx := store.NewTransaction().Put("mon_sync", "in_sync", []byte{1})
	m.store.Apply(tx)
	m.store.Clear(syncTargetPrefixes)

	go m.runRequesterSync(providerAddr)
}

// runRequesterSync drives the full requester state machine against one
// provider: OP_START, then a OP_START_CHUNKS/OP_CHUNK loop applying
// each chunk as it arrives, then OP_FINISH. Grounded on the
// handle_sync_start_reply / handle_sync_chunk / sync_finish chain,
// collapsed into one synchronous goroutine since this module's
// transport is request/response RPC rather than Monitor.cc's
// message-passing.
func (m *Monitor) runRequesterSync(providerAddr string) {
	startReply, err := m.peers.Sync(providerAddr, wire.SyncMessage{From: m.Addr, Op: wire.OpStart, Version: m.log.Version()})
	if err != nil {
		m.requesterFailed(providerAddr)
		return
	}
	if startReply.Flags&wire.FlagReplyTo != 0 && startReply.ReplyTo != "" {
		m.syncTrimMu.Lock()
		m.sync.requesterProviderAddr = startReply.ReplyTo
		m.syncTrimMu.Unlock()
		go m.runRequesterSync(startReply.ReplyTo)
		return
	}
	if startReply.Flags&wire.FlagRetry != 0 {
		m.syncTrimMu.Lock()
		m.sync.requesterAttempts++
		attempts := m.sync.requesterAttempts
		m.syncTrimMu.Unlock()
		if attempts > syncMaxRetries {
			m.requesterFailed(providerAddr)
			return
		}
		time.Sleep(time.Duration(attempts) * 200 * time.Millisecond)
		go m.runRequesterSync(providerAddr)
		return
	}

	lastPrefix, lastKey := "", ""
	for {
		chunkReply, err := m.peers.Sync(providerAddr, wire.SyncMessage{
			From:     m.Addr,
			Op:       wire.OpStartChunks,
			FirstKey: [2]string{lastPrefix, lastKey},
		})
		if err != nil {
			m.requesterFailed(providerAddr)
			return
		}
		if chunkReply.Op == wire.OpAbort {
			m.requesterFailed(providerAddr)
			return
		}
		tx := decodeChunk(chunkReply.ChunkBytes)
		if tx != nil {
			if chunkReply.CRC != 0 && crc32Of(chunkReply.ChunkBytes) != chunkReply.CRC {
				log.Printf("mon(%s) sync chunk CRC mismatch from %s", m.Name, providerAddr)
				m.requesterFailed(providerAddr)
				return
			}
			m.store.Apply(tx)
		}
		lastPrefix, lastKey = chunkReply.LastKey[0], chunkReply.LastKey[1]
		m.syncTrimMu.Lock()
		m.sync.requesterDeadline = time.Now().Add(syncRequesterTimeout)
		m.syncTrimMu.Unlock()
		if chunkReply.Flags&wire.FlagLast != 0 {
			break
		}
	}

	if _, err := m.peers.Sync(providerAddr, wire.SyncMessage{From: m.Addr, Op: wire.OpFinish}); err != nil {
		m.requesterFailed(providerAddr)
		return
	}
	m.requesterFinished()
}

// requesterFinished commits the synced store as authoritative and
// re-bootstraps, grounded on handle_sync_finish_reply: erase
// mon_sync/in_sync, re-init the log from the freshly-synced store, and
// bootstrap again so probing can confirm we're now caught up.
func (m *Monitor) requesterFinished() {
	m.store.Erase("mon_sync", "in_sync")
	m.log.Init()
	m.syncTrimMu.Lock()
	m.sync.role &^= consts.SyncRoleRequester
	m.syncTrimMu.Unlock()
	log.Printf("mon(%s) sync finished, now at version=%d", m.Name, m.log.Version())
	m.Bootstrap()
}

// requesterFailed aborts a sync attempt, grounded on
// Monitor::sync_requester_abort: drop the partially-applied targets
// and re-bootstrap rather than leave the store half-synced.
func (m *Monitor) requesterFailed(providerAddr string) {
	m.peers.Sync(providerAddr, wire.SyncMessage{From: m.Addr, Op: wire.OpAbort})
	m.store.Erase("mon_sync", "in_sync")
	m.store.Clear(syncTargetPrefixes)
	m.syncTrimMu.Lock()
	m.sync.role &^= consts.SyncRoleRequester
	m.syncTrimMu.Unlock()
	log.Printf("mon(%s) sync with %s failed, re-bootstrapping", m.Name, providerAddr)
	m.Bootstrap()
}

// HandleSync answers an inbound sync RPC, playing whichever of
// Leader-of-sync/Provider role applies. Grounded on Monitor::handle_sync's
// dispatch switch over MMonSync::op.
func (m *Monitor) HandleSync(fromAddr string, msg wire.SyncMessage) wire.SyncMessage {
	switch msg.Op {
	case wire.OpStart:
		return m.handleSyncStart(fromAddr, msg)
	case wire.OpStartChunks:
		return m.handleSyncStartChunks(fromAddr, msg)
	case wire.OpFinish:
		return m.handleSyncFinish(fromAddr, msg)
	case wire.OpAbort:
		m.handleSyncAbort(fromAddr)
		return wire.SyncMessage{Op: wire.OpAbort}
	default:
		return wire.SyncMessage{Op: wire.OpAbort}
	}
}

// handleSyncStart accepts (or redirects) a new sync session, grounded
// on Monitor::handle_sync_start: a non-leader does not handle it
// itself but replies with FLAG_REPLY_TO and the leader's address in
// ReplyTo, and the requester re-sends OP_START there.
func (m *Monitor) handleSyncStart(fromAddr string, msg wire.SyncMessage) wire.SyncMessage {
	m.mu.Lock()
	isLeader := m.state == consts.Leader
	m.mu.Unlock()
	if !isLeader {
		leaderAddr := m.currentLeaderAddr()
		if leaderAddr == "" {
			return wire.SyncMessage{Op: wire.OpStartReply, Flags: wire.FlagRetry}
		}
		return wire.SyncMessage{Op: wire.OpStartReply, Flags: wire.FlagReplyTo, ReplyTo: leaderAddr}
	}

	m.log.TrimDisable()
	m.syncTrimMu.Lock()
	m.sync.role |= consts.SyncRoleLeader | consts.SyncRoleProvider
	if m.sync.providers == nil {
		m.sync.providers = make(map[string]*providerSession)
	}
	m.sync.providers[fromAddr] = &providerSession{
		requesterAddr: fromAddr,
		cursor:        store.NewSynchronizer(m.store.Snapshot(syncTargetPrefixes), "", ""),
		lastActivity:  time.Now(),
	}
	m.syncTrimMu.Unlock()
	return wire.SyncMessage{Op: wire.OpStartReply}
}

// handleSyncStartChunks serves the next bounded chunk to a known
// requester, grounded on Monitor::sync_send_chunks: a phase-boundary
// chunk (the last one) carries a CRC the requester checks before
// committing.
func (m *Monitor) handleSyncStartChunks(fromAddr string, msg wire.SyncMessage) wire.SyncMessage {
	m.syncTrimMu.Lock()
	session, ok := m.sync.providers[fromAddr]
	m.syncTrimMu.Unlock()
	if !ok {
		return wire.SyncMessage{Op: wire.OpAbort}
	}
	if !session.cursor.HasNextChunk() {
		return wire.SyncMessage{Op: wire.OpChunk, Flags: wire.FlagLast}
	}
	tx, lastPrefix, lastKey, last := session.cursor.NextChunk()
	chunkBytes := encodeChunk(tx)

	m.syncTrimMu.Lock()
	session.lastActivity = time.Now()
	m.syncTrimMu.Unlock()

	reply := wire.SyncMessage{
		Op:         wire.OpChunk,
		ChunkBytes: chunkBytes,
		LastKey:    [2]string{lastPrefix, lastKey},
	}
	if last {
		reply.Flags |= wire.FlagLast
		reply.CRC = crc32Of(chunkBytes)
	}
	return reply
}

// handleSyncFinish tears down the provider session for fromAddr,
// grounded on Monitor::handle_sync_finish / sync_finish's 30s
// trim_enable grace, simplified to an immediate trim_enable since this
// module has no deferred-timer primitive analogous to Monitor.cc's
// safe_timer.
func (m *Monitor) handleSyncFinish(fromAddr string, msg wire.SyncMessage) wire.SyncMessage {
	m.syncTrimMu.Lock()
	delete(m.sync.providers, fromAddr)
	if len(m.sync.providers) == 0 {
		m.sync.role &^= consts.SyncRoleProvider
	}
	m.syncTrimMu.Unlock()
	m.log.TrimEnable()
	return wire.SyncMessage{Op: wire.OpFinishReply}
}

// handleSyncAbort drops a provider session on request, grounded on
// Monitor::handle_sync_abort.
func (m *Monitor) handleSyncAbort(fromAddr string) {
	m.syncTrimMu.Lock()
	if _, ok := m.sync.providers[fromAddr]; ok {
		delete(m.sync.providers, fromAddr)
		if len(m.sync.providers) == 0 {
			m.sync.role &^= consts.SyncRoleProvider
		}
	}
	m.syncTrimMu.Unlock()
	m.log.TrimEnable()
}

// currentLeaderAddr resolves the leader rank from the last known
// quorum to an address, used by handle_sync_start's forward-to-leader
// path.
func (m *Monitor) currentLeaderAddr() string {
	m.mu.Lock()
	quorum := append([]int(nil), m.quorum...)
	m.mu.Unlock()
	if len(quorum) == 0 {
		return ""
	}
	addr, _ := m.addrForRank(quorum[0])
	return addr
}

// checkSyncTimeouts sweeps both halves of the sync engine: a
// requester that hasn't heard from its provider recently re-bootstraps
// (Monitor::sync_timeout's provider-retry policy, here folded into a
// single deadline check), and stale provider sessions are dropped
// (Monitor::sync_provider_cleanup).
func (m *Monitor) checkSyncTimeouts() {
	m.syncTrimMu.Lock()
	requesterExpired := m.sync.role.Has(consts.SyncRoleRequester) && !m.sync.requesterDeadline.IsZero() && time.Now().After(m.sync.requesterDeadline)
	providerAddr := m.sync.requesterProviderAddr
	var stale []string
	for addr, sess := range m.sync.providers {
		if time.Since(sess.lastActivity) > syncRequesterTimeout {
			stale = append(stale, addr)
		}
	}
	m.syncTrimMu.Unlock()

	if requesterExpired {
		m.requesterFailed(providerAddr)
	}
	for _, addr := range stale {
		m.handleSyncAbort(addr)
	}
}

// abortSyncSessionsAsAuthority drops every provider session this
// monitor is running, called when it loses leadership since neither
// Leader-of-sync nor Provider survives that transition, grounded on
// Monitor::lose_election's sync-session sweep.
func (m *Monitor) abortSyncSessionsAsAuthority() {
	m.syncTrimMu.Lock()
	addrs := make([]string, 0, len(m.sync.providers))
	for addr := range m.sync.providers {
		addrs = append(addrs, addr)
	}
	m.syncTrimMu.Unlock()
	for _, addr := range addrs {
		m.handleSyncAbort(addr)
	}
	m.syncTrimMu.Lock()
	m.sync.role &^= consts.SyncRoleLeader
	m.syncTrimMu.Unlock()
}

func encodeChunk(tx *store.Transaction) []byte {
	b, err := chunkJSON.Marshal(tx.Ops())
	if err != nil {
		return nil
	}
	return b
}

func decodeChunk(b []byte) *store.Transaction {
	if len(b) == 0 {
		return nil
	}
	var ops []store.Op
	if err := chunkJSON.Unmarshal(b, &ops); err != nil {
		return nil
	}
	return store.NewTransactionFromOps(ops)
}

func crc32Of(b []byte) uint32 {
	h := blake3.New(64, nil)
	h.Write(b)
	sum := h.Sum(nil)
	return crc32.ChecksumIEEE(sum)
}
