package rpc

import "container/heap"

// QuestionId identifies an outbound call on this connection: a
// question this vat asked of its peer.
type questionID uint32

// AnswerId identifies an inbound call on this connection: a question
// the peer asked of this vat.  The peer calls it a QuestionId; once
// it arrives here, it's the id of our Answer table entry.
type answerID uint32

// ExportId identifies a capability this vat has made available to its
// peer.
type exportID uint32

// ImportId identifies a capability the peer has made available to
// this vat.  It is chosen by the peer, so (unlike exportID) it is not
// necessarily dense.
type importID uint32

// embargoID identifies a pending Disembargo round trip.
type embargoID uint32

// idgen allocates ids from a dense id space, always handing out the
// smallest id not currently in use, via a free-list min-heap, so that
// the table it backs can stay a plain slice instead of a sparse map.
type idgen struct {
	next uint32
	free minHeap
}

// next32 returns the smallest id not currently allocated.
func (g *idgen) next32() uint32 {
	if len(g.free) > 0 {
		return heap.Pop(&g.free).(uint32)
	}
	id := g.next
	g.next++
	return id
}

// release returns id to the free list so that a future call to next32
// can reuse it.
func (g *idgen) release(id uint32) {
	heap.Push(&g.free, id)
}

// minHeap is a container/heap of uint32, smallest first.
type minHeap []uint32

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(uint32)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
