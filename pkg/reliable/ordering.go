package reliable

import (
	"sync"

	"github.com/weftworks/gossamer/pkg/wire"
)

// OrderingFilter decides whether an inbound packet is admitted, per channel
// semantics. One last-accepted counter is kept per ordering policy:
//
//   - reliable+ordered is a strict FIFO: only the next consecutive sequence
//     is admitted, anything else is dropped without buffering.
//   - ordered-only trades completeness for freshness: newer sequences are
//     admitted, anything stale is permanently abandoned.
//   - unordered channels always admit.
//
// Ack ingestion happens before this filter runs, so a dropped packet has
// already retired its piggybacked acks.
type OrderingFilter struct {
	mu                  sync.Mutex
	lastReliableOrdered uint64
	lastOrdered         uint64
}

func NewOrderingFilter() *OrderingFilter {
	return &OrderingFilter{}
}

// Admit reports whether the packet passes, updating the relevant counter on
// admission.
func (f *OrderingFilter) Admit(pkt wire.Packet) bool {
	if !pkt.Channel.IsOrdered() {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if pkt.Channel.IsReliable() {
		if pkt.Sequence != f.lastReliableOrdered+1 {
			return false
		}
		f.lastReliableOrdered = pkt.Sequence
		return true
	}
	if pkt.Sequence <= f.lastOrdered {
		return false
	}
	f.lastOrdered = pkt.Sequence
	return true
}
