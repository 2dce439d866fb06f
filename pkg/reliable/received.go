package reliable

import (
	"container/heap"
	"sort"
	"sync"

	"github.com/weftworks/gossamer/pkg/wire"
)

// Received is the bounded set of recently received reliable sequences that
// still need to go out in piggybacked ack lists. When the set outgrows its
// capacity the lowest sequence is evicted; the sender retransmits anything
// whose ack fell off.
type Received struct {
	mu       sync.Mutex
	capacity int
	heap     seqHeap
	present  map[uint64]struct{}
}

func NewReceived(capacity int) *Received {
	return &Received{capacity: capacity, present: make(map[uint64]struct{})}
}

// Add records the sequence of an inbound packet. Unreliable packets and
// sequences already present are ignored.
func (r *Received) Add(pkt wire.Packet) {
	if !pkt.Channel.IsReliable() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.present[pkt.Sequence]; dup {
		return
	}
	heap.Push(&r.heap, pkt.Sequence)
	r.present[pkt.Sequence] = struct{}{}
	for len(r.heap) > r.capacity {
		low := heap.Pop(&r.heap).(uint64)
		delete(r.present, low)
	}
}

// NextAcks returns the stored sequences, most recent first.
func (r *Received) NextAcks() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.heap) == 0 {
		return nil
	}
	acks := make([]uint64, len(r.heap))
	copy(acks, r.heap)
	sort.Slice(acks, func(i, j int) bool { return acks[i] > acks[j] })
	return acks
}

// Len returns the number of stored sequences.
func (r *Received) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.heap)
}

type seqHeap []uint64

func (h seqHeap) Len() int            { return len(h) }
func (h seqHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h seqHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *seqHeap) Push(x interface{}) { *h = append(*h, x.(uint64)) }
func (h *seqHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
