// Package decision implements the Epoch Decision Engine: deterministic
// round-robin selection of which node proposes the next epoch.
package decision

import (
	"sort"

	"github.com/piarun/maroon-sub000/pkg/clock"
	"github.com/piarun/maroon-sub000/pkg/epoch"
)

// Engine decides whether the local node should propose the next epoch,
// based on the known peer set, the last observed epoch, and a tick
// schedule shared by the whole cluster.
type Engine struct {
	self      epoch.PeerID
	nodes     []epoch.PeerID // kept sorted lexicographically
	tickDelta clock.TimeMs

	haveLatest       bool
	latestCommitter  epoch.PeerID
	latestCommitTime clock.TimeMs
}

// New constructs an Engine for self among nodes, proposing at most once
// per tickDelta window per ring position.
func New(self epoch.PeerID, nodes []epoch.PeerID, tickDelta clock.TimeMs) *Engine {
	e := &Engine{self: self, tickDelta: tickDelta}
	e.UpdateNodeIDs(nodes)
	return e
}

// UpdateNodeIDs replaces the known peer set, keeping it sorted.
func (e *Engine) UpdateNodeIDs(nodes []epoch.PeerID) {
	cp := make([]epoch.PeerID, len(nodes))
	copy(cp, nodes)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	e.nodes = cp
}

// UpdateLatestEpoch records the most recently observed committed epoch's
// creator and creation time, used to anchor the ring position calculation.
func (e *Engine) UpdateLatestEpoch(committer epoch.PeerID, commitTime clock.TimeMs) {
	e.haveLatest = true
	e.latestCommitter = committer
	e.latestCommitTime = commitTime
}

// indexOf returns the sorted position of id among nodes, or -1 if absent.
func indexOf(nodes []epoch.PeerID, id epoch.PeerID) int {
	for i, n := range nodes {
		if n == id {
			return i
		}
	}
	return -1
}

// CalculatePosition returns self's ring offset from the last committer:
// (selfPos - lastCommitterPos) mod len(nodes). If the last committer is
// unknown or no longer a member of nodes, the fallback position is self's
// own index. When self *is* the last committer, the position is self's
// own index unreduced, not the mod-reduced 0: a node that just committed
// waits a full ring's worth of ticks before it is eligible again, it does
// not become immediately eligible.
func CalculatePosition(nodes []epoch.PeerID, self epoch.PeerID, lastCommitter *epoch.PeerID) int {
	total := len(nodes)
	if total == 0 {
		return 0
	}
	selfPos := indexOf(nodes, self)
	if selfPos < 0 {
		return 0
	}
	if lastCommitter == nil {
		return selfPos
	}
	committerPos := indexOf(nodes, *lastCommitter)
	if committerPos < 0 {
		return selfPos
	}
	if selfPos == committerPos {
		return selfPos
	}
	return ((selfPos-committerPos)%total + total) % total
}

// ShouldPropose reports whether, at logical time now, this node is next
// in line to propose the next epoch.
func (e *Engine) ShouldPropose(now clock.TimeMs) bool {
	var lastCommitter *epoch.PeerID
	var startTime clock.TimeMs
	if e.haveLatest {
		c := e.latestCommitter
		lastCommitter = &c
		startTime = e.latestCommitTime
	}
	position := CalculatePosition(e.nodes, e.self, lastCommitter)
	nextEarliest := startTime + clock.TimeMs(position+1)*e.tickDelta
	return now > nextEarliest
}
