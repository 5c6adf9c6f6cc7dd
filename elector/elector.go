// Package elector runs the randomized-timeout leader election spec.md
// §4.4 delegates to a standalone "Elector" collaborator, kept separate
// from paxoslog so the replicated log never has to know who's in
// charge of proposing to it — it just gets told via LeaderInit/PeonInit.
// Grounded on the teacher's mon/consensus.go: startElection,
// RequestVote, and runElectionTimer, with the AppendEntries/log half of
// that file left behind in paxoslog.
package elector

import (
	"math/rand"
	"sync"
	"time"
)

// VoteArgs is RequestVote's argument, grounded on the teacher's
// RequestVoteArgs.
type VoteArgs struct {
	Epoch         uint64
	CandidateRank int
	LastVersion   uint64
}

// VoteReply is RequestVote's reply.
type VoteReply struct {
	Epoch       uint64
	VoteGranted bool
}

// Transport is the narrow RPC surface CallElection needs.
type Transport interface {
	RequestVote(rank int, args VoteArgs) (VoteReply, error)
}

// Supervisor receives the outcome of an election, grounded on
// Monitor::win_election/lose_election being called out of
// Elector::victory/defeat in the original.
type Supervisor interface {
	WinElection(epoch uint64, activeRanks []int)
	LoseElection(epoch uint64, activeRanks []int, leaderRank int)
}

// Elector owns one monitor's participation in leader election: casting
// and granting votes, running the randomized timeout that triggers a
// new election, and reporting the outcome to a Supervisor.
type Elector struct {
	mu sync.Mutex

	rank        int
	peers       []int // other ranks in the current active set
	transport   Transport
	supervisor  Supervisor
	lastVersion func() uint64

	epoch             uint64
	votedFor          int // -1 if none this epoch
	electionResetTime time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewElector(rank int, transport Transport, supervisor Supervisor, lastVersion func() uint64) *Elector {
	return &Elector{
		rank:        rank,
		transport:   transport,
		supervisor:  supervisor,
		lastVersion: lastVersion,
		votedFor:    -1,
	}
}

// Start begins the election timer loop against the given active peer
// ranks (excluding this rank), grounded on the teacher's
// runElectionTimer goroutine launched from NewConsensus. Calling Start
// again while a timer loop is already running stops the old one first,
// so repeated Start calls never leak goroutines.
func (e *Elector) Start(activeRanks []int) {
	e.Stop()

	e.mu.Lock()
	e.peers = activeRanks
	e.electionResetTime = time.Now()
	stopCh := make(chan struct{})
	e.stopCh = stopCh
	e.mu.Unlock()

	e.wg.Add(1)
	go e.runElectionTimer(stopCh)
}

// Stop halts the timer loop, if one is running, and waits for its
// goroutine to exit before returning.
func (e *Elector) Stop() {
	e.mu.Lock()
	stopCh := e.stopCh
	e.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	e.wg.Wait()
	e.mu.Lock()
	if e.stopCh == stopCh {
		e.stopCh = nil
	}
	e.mu.Unlock()
}

// electionTimeout mirrors the teacher's electionTimeout(): a random
// duration in [150,300)ms, re-rolled every time the timer wakes, so
// peers don't all retry in lockstep.
func electionTimeout() time.Duration {
	return time.Duration(150+rand.Intn(150)) * time.Millisecond
}

func (e *Elector) runElectionTimer(stopCh chan struct{}) {
	defer e.wg.Done()
	timeout := electionTimeout()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			e.mu.Lock()
			elapsed := time.Since(e.electionResetTime)
			e.mu.Unlock()
			if elapsed >= timeout {
				e.CallElection()
				timeout = electionTimeout()
				e.mu.Lock()
				e.electionResetTime = time.Now()
				e.mu.Unlock()
			}
		}
	}
}

// ResetTimer is called whenever a valid heartbeat/AppendEntries arrives
// from a recognized leader, preventing a spurious election.
func (e *Elector) ResetTimer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.electionResetTime = time.Now()
}

// CallElection runs one election round: bump the epoch, vote for
// self, fan out RequestVote to every peer, and report the outcome to
// the Supervisor. Grounded on the teacher's startElection.
func (e *Elector) CallElection() {
	e.mu.Lock()
	e.epoch++
	epoch := e.epoch
	e.votedFor = e.rank
	// This rank, if listed among the peers, already voted for itself above.
	peers := make([]int, 0, len(e.peers))
	for _, r := range e.peers {
		if r != e.rank {
			peers = append(peers, r)
		}
	}
	lastVersion := e.lastVersion()
	e.mu.Unlock()

	if len(peers) == 0 {
		e.supervisor.WinElection(epoch, []int{e.rank})
		return
	}

	votes := 1
	var mu sync.Mutex
	var wg sync.WaitGroup
	highestSeenEpoch := epoch

	for _, r := range peers {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := e.transport.RequestVote(r, VoteArgs{
				Epoch:         epoch,
				CandidateRank: e.rank,
				LastVersion:   lastVersion,
			})
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if reply.Epoch > highestSeenEpoch {
				highestSeenEpoch = reply.Epoch
			}
			if reply.VoteGranted {
				votes++
			}
		}()
	}
	wg.Wait()

	e.mu.Lock()
	if highestSeenEpoch > e.epoch {
		e.epoch = highestSeenEpoch
	}
	e.mu.Unlock()

	majority := (len(peers)+1)/2 + 1
	activeRanks := append([]int{e.rank}, peers...)
	if votes >= majority {
		e.supervisor.WinElection(epoch, activeRanks)
	} else {
		e.supervisor.LoseElection(epoch, activeRanks, -1)
	}
}

// HandleRequestVote is the RPC handler invoked on this rank when a
// peer calls CallElection, grounded on the teacher's RequestVote RPC
// method: grant at most one vote per epoch, first-come-first-served.
func (e *Elector) HandleRequestVote(args VoteArgs) VoteReply {
	e.mu.Lock()
	defer e.mu.Unlock()

	if args.Epoch < e.epoch {
		return VoteReply{Epoch: e.epoch, VoteGranted: false}
	}
	if args.Epoch > e.epoch {
		e.epoch = args.Epoch
		e.votedFor = -1
	}
	if (e.votedFor == -1 || e.votedFor == args.CandidateRank) && args.LastVersion >= e.lastVersion() {
		e.votedFor = args.CandidateRank
		e.electionResetTime = time.Now()
		return VoteReply{Epoch: e.epoch, VoteGranted: true}
	}
	return VoteReply{Epoch: e.epoch, VoteGranted: false}
}

func (e *Elector) Epoch() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch
}
