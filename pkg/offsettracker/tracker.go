// Package offsettracker maintains, per range, the local contiguous prefix
// of known blob IDs, peer-advertised prefixes, the computed consensus
// offset, and the portion already covered by committed epochs.
package offsettracker

import (
	"sort"

	"github.com/piarun/maroon-sub000/pkg/blob"
	"github.com/piarun/maroon-sub000/pkg/epoch"
)

// Tracker is a pure monotone-prefix CRDT: every input either advances a
// tracked offset or is ignored. Out-of-order and duplicate inputs are
// benign.
type Tracker struct {
	consensusN int // N in "Nth largest peer offset", i.e. consensus_nodes

	known          map[blob.Range]map[blob.Offset]bool
	selfOffsets    map[blob.Range]blob.Offset
	havePeerOffset map[blob.Range]map[epoch.PeerID]struct{} // membership only, value in peerOffsets
	peerOffsets    map[blob.Range]map[epoch.PeerID]blob.Offset
	consensus      map[blob.Range]blob.Offset
	committed      map[blob.Range]blob.Offset
}

// New constructs a Tracker requiring N peers (including self) to agree
// before a range has a consensus offset.
func New(consensusN int) *Tracker {
	return &Tracker{
		consensusN:     consensusN,
		known:          make(map[blob.Range]map[blob.Offset]bool),
		selfOffsets:    make(map[blob.Range]blob.Offset),
		havePeerOffset: make(map[blob.Range]map[epoch.PeerID]struct{}),
		peerOffsets:    make(map[blob.Range]map[epoch.PeerID]blob.Offset),
		consensus:      make(map[blob.Range]blob.Offset),
		committed:      make(map[blob.Range]blob.Offset),
	}
}

func (t *Tracker) hasSelfOffset(r blob.Range) (blob.Offset, bool) {
	o, ok := t.selfOffsets[r]
	return o, ok
}

// Ingest records that id is now locally known, advancing self_offsets[r]
// to the end of the contiguous run of known IDs, if id extends it.
// Idempotent: re-ingesting a known ID is a no-op beyond bookkeeping.
func (t *Tracker) Ingest(id blob.ID) {
	r := id.Range()
	o := id.Offset()

	if t.known[r] == nil {
		t.known[r] = make(map[blob.Offset]bool)
	}
	t.known[r][o] = true

	cur, have := t.hasSelfOffset(r)
	switch {
	case !have:
		if o == 0 {
			t.selfOffsets[r] = 0
			t.extendPrefix(r)
		}
	case o == cur+1:
		t.selfOffsets[r] = o
		t.extendPrefix(r)
	default:
		// Neither opens nor extends the prefix right now; it becomes
		// reachable once the gap below it fills in.
	}
}

// extendPrefix advances self_offsets[r] as far as contiguously-known IDs
// allow, past the current value.
func (t *Tracker) extendPrefix(r blob.Range) {
	cur := t.selfOffsets[r]
	for t.known[r][cur+1] {
		cur++
	}
	t.selfOffsets[r] = cur
}

// SelfOffsets returns a snapshot of self_offsets, suitable for advertising
// to peers.
func (t *Tracker) SelfOffsets() map[blob.Range]blob.Offset {
	out := make(map[blob.Range]blob.Offset, len(t.selfOffsets))
	for r, o := range t.selfOffsets {
		out[r] = o
	}
	return out
}

// ObservePeerState replaces or inserts each entry of a peer's advertised
// prefix offsets.
func (t *Tracker) ObservePeerState(peer epoch.PeerID, offsets map[blob.Range]blob.Offset) {
	for r, o := range offsets {
		if t.peerOffsets[r] == nil {
			t.peerOffsets[r] = make(map[epoch.PeerID]blob.Offset)
		}
		if t.havePeerOffset[r] == nil {
			t.havePeerOffset[r] = make(map[epoch.PeerID]struct{})
		}
		t.peerOffsets[r][peer] = o
		t.havePeerOffset[r][peer] = struct{}{}
	}
}

// RecomputeConsensus computes, for every range with at least N known peer
// offsets (including self), the Nth largest offset among them.
func (t *Tracker) RecomputeConsensus(selfID epoch.PeerID) {
	ranges := make(map[blob.Range]struct{})
	for r := range t.peerOffsets {
		ranges[r] = struct{}{}
	}
	for r := range t.selfOffsets {
		ranges[r] = struct{}{}
	}
	for r := range ranges {
		values := make([]blob.Offset, 0, len(t.peerOffsets[r])+1)
		if self, ok := t.selfOffsets[r]; ok {
			values = append(values, self)
		}
		for peer, o := range t.peerOffsets[r] {
			if peer == selfID {
				continue // self already included from selfOffsets
			}
			values = append(values, o)
		}
		if len(values) < t.consensusN {
			delete(t.consensus, r)
			continue
		}
		sort.Slice(values, func(i, j int) bool { return values[i] > values[j] })
		t.consensus[r] = values[t.consensusN-1]
	}
}

// ConsensusOffset returns the consensus offset for r, if one has been
// computed.
func (t *Tracker) ConsensusOffset(r blob.Range) (blob.Offset, bool) {
	o, ok := t.consensus[r]
	return o, ok
}

// ConsensusOffsets returns a snapshot of all computed consensus offsets.
func (t *Tracker) ConsensusOffsets() map[blob.Range]blob.Offset {
	out := make(map[blob.Range]blob.Offset, len(t.consensus))
	for r, o := range t.consensus {
		out[r] = o
	}
	return out
}

// MarkCommitted advances committed_offsets[range] to interval.End's offset.
// Never regresses: an interval that would decrease the committed offset is
// ignored.
func (t *Tracker) MarkCommitted(interval blob.ClosedInterval) {
	r := interval.Start.Range()
	end := interval.End.Offset()
	if cur, ok := t.committed[r]; ok && cur >= end {
		return
	}
	t.committed[r] = end
}

// CommittedOffset returns the committed offset for r, if any.
func (t *Tracker) CommittedOffset(r blob.Range) (blob.Offset, bool) {
	o, ok := t.committed[r]
	return o, ok
}

// Gap is a sub-interval of a range that is known to be missing locally.
type Gap struct {
	Range blob.Range
	Lo    blob.Offset
	Hi    blob.Offset
}

// LocalGaps returns, for each range where some peer's advertised offset
// exceeds our own, the sub-intervals of [self+1 .. peerMax] not already
// known locally, with contiguous missing runs collapsed. The max is taken
// over all peers of the range and a Gap does not name the peer holding it;
// callers must tolerate duplicate concurrent gap requests across peers.
func (t *Tracker) LocalGaps() []Gap {
	var gaps []Gap
	for r, peers := range t.peerOffsets {
		self, haveSelf := t.selfOffsets[r]
		var maxPeer blob.Offset
		haveMax := false
		for _, o := range peers {
			if !haveMax || o > maxPeer {
				maxPeer = o
				haveMax = true
			}
		}
		if !haveMax {
			continue
		}
		var from blob.Offset
		if haveSelf {
			from = self + 1
		}
		if maxPeer < from {
			continue
		}
		known := t.known[r]
		var runStart blob.Offset
		inRun := false
		for o := from; o <= maxPeer; o++ {
			missing := known == nil || !known[o]
			if missing && !inRun {
				runStart = o
				inRun = true
			}
			if !missing && inRun {
				gaps = append(gaps, Gap{Range: r, Lo: runStart, Hi: o - 1})
				inRun = false
			}
			if o == maxPeer && inRun {
				gaps = append(gaps, Gap{Range: r, Lo: runStart, Hi: o})
			}
		}
	}
	return gaps
}
