// Package reliable holds the per-peer reliability state: the table of sent
// packets awaiting acknowledgement, the bounded set of recently received
// sequences to acknowledge, and the per-channel ordering filter.
package reliable

import (
	"sync"
	"time"

	"github.com/weftworks/gossamer/pkg/wire"
)

// Acked reports one sequence retired from the ack-wait table, with the time
// observed between its last send and the ack.
type Acked struct {
	Sequence uint64
	RTT      time.Duration
}

type sentEntry struct {
	seq    uint64
	sentAt time.Time
	pkt    wire.Packet
}

// AckWait is the sent-awaiting-ack table. Entries are kept in send-time
// order so the resend scan stops at the first entry inside the budget. Only
// reliable packets enter; an entry leaves exactly when some inbound packet's
// ack list names its sequence.
type AckWait struct {
	mu      sync.Mutex
	entries []*sentEntry // ascending by sentAt
	bySeq   map[uint64]*sentEntry
}

func NewAckWait() *AckWait {
	return &AckWait{bySeq: make(map[uint64]*sentEntry)}
}

// Add stores a clone of pkt stamped with now. Unreliable packets and
// duplicate sequences are rejected.
func (q *AckWait) Add(pkt wire.Packet, now time.Time) bool {
	if !pkt.Channel.IsReliable() {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.bySeq[pkt.Sequence]; dup {
		return false
	}
	e := &sentEntry{seq: pkt.Sequence, sentAt: now, pkt: pkt.Clone()}
	q.entries = append(q.entries, e)
	q.bySeq[pkt.Sequence] = e
	return true
}

// IngestAcks removes every entry whose sequence appears in acks and reports
// each removal.
func (q *AckWait) IngestAcks(acks []uint64, now time.Time) []Acked {
	if len(acks) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Acked
	for _, seq := range acks {
		e, ok := q.bySeq[seq]
		if !ok {
			continue
		}
		delete(q.bySeq, seq)
		out = append(out, Acked{Sequence: seq, RTT: now.Sub(e.sentAt)})
	}
	if out != nil {
		kept := q.entries[:0]
		for _, e := range q.entries {
			if _, present := q.bySeq[e.seq]; present {
				kept = append(kept, e)
			}
		}
		for i := len(kept); i < len(q.entries); i++ {
			q.entries[i] = nil
		}
		q.entries = kept
	}
	return out
}

// DueForResend returns clones of the packets whose last send is older than
// the budget.
func (q *AckWait) DueForResend(now time.Time, budget time.Duration) []wire.Packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []wire.Packet
	for _, e := range q.entries {
		if now.Sub(e.sentAt) < budget {
			break
		}
		due = append(due, e.pkt.Clone())
	}
	return due
}

// MarkResent refreshes the send time of seq and moves it to the back of the
// send-time order.
func (q *AckWait) MarkResent(seq uint64, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.bySeq[seq]
	if !ok {
		return
	}
	e.sentAt = now
	for i, x := range q.entries {
		if x == e {
			q.entries = append(append(q.entries[:i], q.entries[i+1:]...), e)
			break
		}
	}
}

// Len returns the number of outstanding entries.
func (q *AckWait) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
