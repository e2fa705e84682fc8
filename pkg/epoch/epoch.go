// Package epoch implements the immutable, hash-chained epoch record that
// is the unit of total order committed through the external coordinator
// store.
package epoch

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/piarun/maroon-sub000/pkg/blob"
	"github.com/piarun/maroon-sub000/pkg/clock"
)

// PeerID identifies a node in the cluster. Nodes are ordered lexicographically
// by PeerID for round-robin proposer selection (see pkg/decision).
type PeerID string

// Hash is the 32-byte content digest chaining one epoch to its predecessor.
type Hash [sha256.Size]byte

// Epoch is an immutable, content-addressed, chained batch of committed
// blob-ID intervals.
type Epoch struct {
	SequenceNumber uint64
	Creator        PeerID
	CreationTime   clock.TimeMs
	Increments     []blob.ClosedInterval
	HashValue      Hash
}

// computeHash implements the bit-exact formula from the external
// interfaces section: SHA-256(prev.hash || for each interval:
// start_LE(8) || end_LE(8) || creator_bytes).
func computeHash(prevHash *Hash, increments []blob.ClosedInterval, creator PeerID) Hash {
	h := sha256.New()
	if prevHash != nil {
		h.Write(prevHash[:])
	}
	var buf [8]byte
	for _, iv := range increments {
		binary.LittleEndian.PutUint64(buf[:], uint64(iv.Start))
		h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], uint64(iv.End))
		h.Write(buf[:])
	}
	h.Write([]byte(creator))
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Next constructs the epoch following prev (nil for the genesis epoch),
// covering increments, proposed by creator at the given logical time.
// Increments are not re-sorted here; callers (the Linearizer, the Node
// Coordinator) are responsible for presenting them in the order they wish
// hashed and stored.
func Next(prev *Epoch, creator PeerID, increments []blob.ClosedInterval, now clock.TimeMs) Epoch {
	var seq uint64
	var prevHash *Hash
	if prev != nil {
		seq = prev.SequenceNumber + 1
		ph := prev.HashValue
		prevHash = &ph
	}
	return Epoch{
		SequenceNumber: seq,
		Creator:        creator,
		CreationTime:   now,
		Increments:     increments,
		HashValue:      computeHash(prevHash, increments, creator),
	}
}

// Verify recomputes the hash of e given its claimed predecessor and reports
// whether it matches HashValue and whether SequenceNumber is prev+1 (or 0
// for a genesis epoch).
func Verify(prev *Epoch, e Epoch) bool {
	var prevHash *Hash
	var wantSeq uint64
	if prev != nil {
		ph := prev.HashValue
		prevHash = &ph
		wantSeq = prev.SequenceNumber + 1
	}
	if e.SequenceNumber != wantSeq {
		return false
	}
	return computeHash(prevHash, e.Increments, e.Creator) == e.HashValue
}
