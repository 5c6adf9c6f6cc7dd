package elector

import (
	"sync"
	"testing"
	"time"
)

// cluster fans RequestVote calls straight to each elector's own
// HandleRequestVote, standing in for monitor/transport in these tests.
type cluster struct {
	electors map[int]*Elector
	down     map[int]bool
}

func (c *cluster) RequestVote(rank int, args VoteArgs) (VoteReply, error) {
	if c.down[rank] {
		return VoteReply{}, errUnreachable
	}
	return c.electors[rank].HandleRequestVote(args), nil
}

type unreachableError struct{}

func (*unreachableError) Error() string { return "elector: simulated unreachable peer" }

var errUnreachable = &unreachableError{}

// recordingSupervisor captures the outcome of the most recent election so
// tests can assert on it without a real monitor core wired in.
type recordingSupervisor struct {
	mu     sync.Mutex
	won    bool
	epoch  uint64
	ranks  []int
	leader int
}

func (s *recordingSupervisor) WinElection(epoch uint64, activeRanks []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.won = true
	s.epoch = epoch
	s.ranks = activeRanks
}

func (s *recordingSupervisor) LoseElection(epoch uint64, activeRanks []int, leaderRank int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.won = false
	s.epoch = epoch
	s.ranks = activeRanks
	s.leader = leaderRank
}

func newCluster(ranks []int, lastVersion func() uint64) (*cluster, map[int]*recordingSupervisor) {
	c := &cluster{electors: make(map[int]*Elector), down: make(map[int]bool)}
	sups := make(map[int]*recordingSupervisor)
	for _, r := range ranks {
		sup := &recordingSupervisor{}
		sups[r] = sup
		c.electors[r] = NewElector(r, c, sup, lastVersion)
	}
	return c, sups
}

func TestCallElectionWinsWithMajority(t *testing.T) {
	ranks := []int{0, 1, 2}
	c, sups := newCluster(ranks, func() uint64 { return 0 })
	for _, r := range ranks {
		c.electors[r].peers = ranks
	}

	c.electors[0].CallElection()

	sup := sups[0]
	sup.mu.Lock()
	defer sup.mu.Unlock()
	if !sup.won {
		t.Fatalf("expected rank 0 to win with a full, reachable peer set")
	}
	if len(sup.ranks) != 3 {
		t.Fatalf("active ranks = %v, want all 3", sup.ranks)
	}
}

func TestCallElectionLosesWithoutMajority(t *testing.T) {
	ranks := []int{0, 1, 2}
	c, sups := newCluster(ranks, func() uint64 { return 0 })
	for _, r := range ranks {
		c.electors[r].peers = ranks
	}
	c.down[1] = true
	c.down[2] = true

	c.electors[0].CallElection()

	sup := sups[0]
	sup.mu.Lock()
	defer sup.mu.Unlock()
	if sup.won {
		t.Fatalf("expected rank 0 to lose when both peers are unreachable")
	}
}

func TestHandleRequestVoteGrantsOncePerEpoch(t *testing.T) {
	e := NewElector(1, &cluster{electors: map[int]*Elector{}, down: map[int]bool{}}, &recordingSupervisor{}, func() uint64 { return 0 })

	first := e.HandleRequestVote(VoteArgs{Epoch: 1, CandidateRank: 0, LastVersion: 0})
	if !first.VoteGranted {
		t.Fatalf("first vote in a new epoch should be granted")
	}
	second := e.HandleRequestVote(VoteArgs{Epoch: 1, CandidateRank: 2, LastVersion: 0})
	if second.VoteGranted {
		t.Fatalf("a second candidate in the same epoch should not get a vote")
	}
	// Re-voting for the same candidate in the same epoch is fine.
	third := e.HandleRequestVote(VoteArgs{Epoch: 1, CandidateRank: 0, LastVersion: 0})
	if !third.VoteGranted {
		t.Fatalf("re-requesting the already-granted candidate should still be granted")
	}
}

func TestHandleRequestVoteRejectsStaleEpoch(t *testing.T) {
	e := NewElector(1, &cluster{electors: map[int]*Elector{}, down: map[int]bool{}}, &recordingSupervisor{}, func() uint64 { return 0 })
	e.HandleRequestVote(VoteArgs{Epoch: 5, CandidateRank: 0, LastVersion: 0})

	reply := e.HandleRequestVote(VoteArgs{Epoch: 3, CandidateRank: 2, LastVersion: 0})
	if reply.VoteGranted {
		t.Fatalf("a stale-epoch vote request should never be granted")
	}
}

func TestHandleRequestVoteRejectsStaleLastVersion(t *testing.T) {
	e := NewElector(1, &cluster{electors: map[int]*Elector{}, down: map[int]bool{}}, &recordingSupervisor{}, func() uint64 { return 10 })

	reply := e.HandleRequestVote(VoteArgs{Epoch: 1, CandidateRank: 0, LastVersion: 3})
	if reply.VoteGranted {
		t.Fatalf("a candidate behind our own last version should not get a vote")
	}
}

func TestResetTimerPreventsSpuriousElection(t *testing.T) {
	ranks := []int{0, 1}
	c, sups := newCluster(ranks, func() uint64 { return 0 })
	for _, r := range ranks {
		c.electors[r].peers = ranks
	}
	c.electors[0].Start(ranks)
	defer c.electors[0].Stop()

	// Keep resetting the timer faster than it could ever fire.
	stop := time.After(120 * time.Millisecond)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-ticker.C:
			c.electors[0].ResetTimer()
		}
	}

	sups[0].mu.Lock()
	defer sups[0].mu.Unlock()
	if sups[0].won || sups[0].epoch != 0 {
		t.Fatalf("ResetTimer should have suppressed any election, got epoch=%d won=%v", sups[0].epoch, sups[0].won)
	}
}
