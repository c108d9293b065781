package link

import (
	"container/heap"
	"time"
)

// timeoutEntry schedules a retransmit check for seq at deadline. Entries
// are tombstoned by deletion from Transmitter.unacked rather than
// removed from the heap directly; a popped entry whose seq is no longer
// unacked is silently discarded.
type timeoutEntry struct {
	deadline time.Time
	seq      uint32
}

// timeoutHeap is a min-heap on deadline, satisfying container/heap.Interface.
// No pack example ships a generic priority-queue library (see DESIGN.md),
// so this uses the stdlib interface directly, as the teacher's own code
// does for its other ordered structures.
type timeoutHeap []timeoutEntry

func (h timeoutHeap) Len() int            { return len(h) }
func (h timeoutHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timeoutHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timeoutHeap) Push(x interface{}) { *h = append(*h, x.(timeoutEntry)) }
func (h *timeoutHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (h *timeoutHeap) push(e timeoutEntry) { heap.Push(h, e) }
func (h *timeoutHeap) pop() timeoutEntry   { return heap.Pop(h).(timeoutEntry) }
func (h timeoutHeap) peek() (timeoutEntry, bool) {
	if len(h) == 0 {
		return timeoutEntry{}, false
	}
	return h[0], true
}
