package scheduler

import (
	"container/heap"

	"github.com/piarun/maroon-sub000/pkg/clock"
)

// scheduledBlob is a one-shot timer: it resolves FutureID with Void once
// the logical clock passes When.
type scheduledBlob struct {
	when     clock.TimeMs
	futureID string
}

// timerHeap is a min-heap by when, earliest-first.
type timerHeap []scheduledBlob

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].when < h[j].when }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(scheduledBlob)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (h *timerHeap) peek() (scheduledBlob, bool) {
	if h.Len() == 0 {
		return scheduledBlob{}, false
	}
	return (*h)[0], true
}

var _ = heap.Interface(&timerHeap{})
