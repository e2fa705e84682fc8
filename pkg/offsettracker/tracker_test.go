package offsettracker

import (
	"testing"

	"github.com/piarun/maroon-sub000/pkg/blob"
)

func id(r blob.Range, o blob.Offset) blob.ID {
	i, err := blob.NewID(r, o)
	if err != nil {
		panic(err)
	}
	return i
}

func TestIngestAdvancesContiguousPrefix(t *testing.T) {
	tr := New(2)
	tr.Ingest(id(0, 0))
	tr.Ingest(id(0, 1))
	tr.Ingest(id(0, 2))
	// out of order arrival
	tr.Ingest(id(0, 4))

	off, ok := tr.hasSelfOffset(0)
	if !ok || off != 2 {
		t.Fatalf("self offset = %v (ok=%v), want 2", off, ok)
	}

	tr.Ingest(id(0, 3))
	off, ok = tr.hasSelfOffset(0)
	if !ok || off != 4 {
		t.Fatalf("self offset after filling gap = %v (ok=%v), want 4", off, ok)
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	tr := New(2)
	tr.Ingest(id(0, 0))
	tr.Ingest(id(0, 0))
	off, _ := tr.hasSelfOffset(0)
	if off != 0 {
		t.Fatalf("self offset = %v, want 0", off)
	}
}

func TestConsensusCorrectness(t *testing.T) {
	tr := New(2)
	tr.Ingest(id(0, 0))
	tr.Ingest(id(0, 1)) // self offset = 1

	tr.ObservePeerState("peer-b", map[blob.Range]blob.Offset{0: 5})
	tr.RecomputeConsensus("self")
	tr.RecomputeConsensus("self")
	if o, ok := tr.ConsensusOffset(0); !ok || o != 1 {
		t.Fatalf("consensus(N=2) with [1,5] = %v (ok=%v), want 1", o, ok)
	}

	tr2 := New(3)
	tr2.Ingest(id(0, 0))
	tr2.ObservePeerState("peer-b", map[blob.Range]blob.Offset{0: 5})
	tr2.RecomputeConsensus("self")
	if _, ok := tr2.ConsensusOffset(0); ok {
		t.Fatalf("consensus should be absent when fewer than N peers known")
	}
}

func TestMarkCommittedNeverRegresses(t *testing.T) {
	tr := New(2)
	iv, _ := blob.NewClosedInterval(id(0, 0), id(0, 9))
	tr.MarkCommitted(iv)
	if o, _ := tr.CommittedOffset(0); o != 9 {
		t.Fatalf("committed offset = %d, want 9", o)
	}
	smaller, _ := blob.NewClosedInterval(id(0, 0), id(0, 3))
	tr.MarkCommitted(smaller)
	if o, _ := tr.CommittedOffset(0); o != 9 {
		t.Fatalf("committed offset regressed to %d", o)
	}
}

func TestLocalGaps(t *testing.T) {
	tr := New(2)
	tr.Ingest(id(0, 0))
	tr.Ingest(id(0, 1))
	// known beyond the prefix, but not contiguous with it
	tr.Ingest(id(0, 5))
	tr.ObservePeerState("peer-b", map[blob.Range]blob.Offset{0: 6})

	// Missing locally: 2..4 (below the known 5) and 6 (the peer's max).
	gaps := tr.LocalGaps()
	if len(gaps) != 2 {
		t.Fatalf("gaps = %+v, want exactly two runs", gaps)
	}
	g := gaps[0]
	if g.Range != 0 || g.Lo != 2 || g.Hi != 4 {
		t.Fatalf("gap = %+v, want Range=0 Lo=2 Hi=4", g)
	}
	g = gaps[1]
	if g.Range != 0 || g.Lo != 6 || g.Hi != 6 {
		t.Fatalf("gap = %+v, want Range=0 Lo=6 Hi=6", g)
	}
}

func TestLocalGapsNoneWhenCaughtUp(t *testing.T) {
	tr := New(2)
	tr.Ingest(id(0, 0))
	tr.ObservePeerState("peer-b", map[blob.Range]blob.Offset{0: 0})
	if gaps := tr.LocalGaps(); len(gaps) != 0 {
		t.Fatalf("expected no gaps, got %+v", gaps)
	}
}
