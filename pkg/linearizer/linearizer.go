// Package linearizer expands committed epochs into the single flat,
// deterministic sequence of blob IDs the runtime consumes.
package linearizer

import (
	"github.com/piarun/maroon-sub000/pkg/blob"
	"github.com/piarun/maroon-sub000/pkg/epoch"
)

// Linearizer accumulates the global commit order: the concatenation, epoch
// by epoch, of each epoch's increments sorted by start ID.
type Linearizer interface {
	NewEpoch(e epoch.Epoch)
	Sequence() []blob.ID
}

// LogLinearizer is the reference Linearizer: it keeps the whole expanded
// sequence in memory.
type LogLinearizer struct {
	sequence []blob.ID
}

// NewLogLinearizer returns an empty LogLinearizer.
func NewLogLinearizer() *LogLinearizer {
	return &LogLinearizer{}
}

// NewEpoch sorts e's increments by start ID (stable) and appends their
// expansion to the sequence. Two LogLinearizer instances fed the same
// epoch stream produce identical sequences.
func (l *LogLinearizer) NewEpoch(e epoch.Epoch) {
	increments := make([]blob.ClosedInterval, len(e.Increments))
	copy(increments, e.Increments)
	blob.SortClosedIntervals(increments)
	for _, iv := range increments {
		l.sequence = append(l.sequence, iv.Iter()...)
	}
}

// Sequence returns the accumulated global order so far.
func (l *LogLinearizer) Sequence() []blob.ID {
	return l.sequence
}
