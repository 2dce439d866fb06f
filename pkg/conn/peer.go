package conn

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/rs/xid"

	"github.com/weftworks/gossamer/pkg/guarded"
	"github.com/weftworks/gossamer/pkg/reliable"
	"github.com/weftworks/gossamer/pkg/wire"
)

// SendFunc is the send path injected by the owning endpoint. Posting must
// never block; the outbound queue is unbounded.
type SendFunc func(endpoint *net.UDPAddr, data []byte)

// Peer is the state kept for one remote endpoint: a server holds one per
// client, a client holds exactly one for its server.
type Peer struct {
	mu sync.Mutex

	endpoint *net.UDPAddr
	tag      string
	codec    *wire.Codec
	send     SendFunc

	state       State
	clientID    uint64
	clientIDSet bool

	// nextSeq is the next outgoing sequence number. Sequences start at 1
	// and are never reused within a session; retransmissions keep their
	// original number.
	nextSeq uint64

	ackWait  *reliable.AckWait
	received *reliable.Received
	filter   *reliable.OrderingFilter

	// Stamped by the receive path and read by the idle scan; kept outside
	// the peer lock so liveness bookkeeping never contends with sends.
	lastReceived *guarded.Cell[time.Time]
	lastSent     *guarded.Cell[time.Time]

	// challenge is what we sent in CH, kept to validate the response.
	challenge []byte
}

func NewPeer(endpoint *net.UDPAddr, codec *wire.Codec, ackCapacity int, send SendFunc) *Peer {
	return &Peer{
		endpoint:     endpoint,
		tag:          xid.New().String(),
		codec:        codec,
		send:         send,
		nextSeq:      1,
		ackWait:      reliable.NewAckWait(),
		received:     reliable.NewReceived(ackCapacity),
		filter:       reliable.NewOrderingFilter(),
		lastReceived: guarded.NewCell(time.Now()),
		lastSent:     guarded.NewCell(time.Time{}),
	}
}

func (p *Peer) Endpoint() *net.UDPAddr {
	return p.endpoint
}

func (p *Peer) String() string {
	return fmt.Sprintf("%s %s", p.tag, p.endpoint)
}

func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Transition moves the peer to the given state. Illegal transitions are
// rejected and reported false; the caller treats the triggering packet as
// silently ignored.
func (p *Peer) Transition(ctx context.Context, to State) bool {
	p.mu.Lock()
	from := p.state
	ok := validTransition(from, to)
	if ok {
		p.state = to
	}
	p.mu.Unlock()
	if !ok {
		dlog.Debugf(ctx, "   PER %s, illegal state transition %s -> %s", p, from, to)
		return false
	}
	if from != to {
		dlog.Debugf(ctx, "   PER %s, state %s -> %s", p, from, to)
	}
	return true
}

// ClientID returns the assigned client identifier, zero until assigned.
func (p *Peer) ClientID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientID
}

// AssignClientID sets the identifier chosen after successful
// authentication. It is assigned exactly once; later calls are rejected.
func (p *Peer) AssignClientID(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clientIDSet {
		return false
	}
	p.clientID = id
	p.clientIDSet = true
	return true
}

func (p *Peer) SetChallenge(challenge []byte) {
	p.mu.Lock()
	p.challenge = challenge
	p.mu.Unlock()
}

func (p *Peer) Challenge() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.challenge
}

func (p *Peer) LastReceived() time.Time {
	return p.lastReceived.Get()
}

func (p *Peer) LastSent() time.Time {
	return p.lastSent.Get()
}

// Send assigns the next sequence number, copies the pending acks into the
// header, stores reliable packets for retransmission, serializes, and hands
// the datagram to the send path. The whole sequence runs under the peer
// lock so concurrent senders cannot reorder sequence assignment against
// queue order.
func (p *Peer) Send(ctx context.Context, pkt wire.Packet) error {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	pkt.Sequence = p.nextSeq
	p.nextSeq++
	pkt.Acks = p.received.NextAcks()
	if pkt.Channel.IsReliable() {
		p.ackWait.Add(pkt, now)
	}
	data, err := p.codec.Encode(pkt)
	if err != nil {
		return err
	}
	p.lastSent.Set(now)
	p.send(p.endpoint, data)
	dlog.Tracef(ctx, "-> PER %s, %s", p, pkt)
	return nil
}

// Retransmit re-sends every reliable packet whose last send is older than
// the budget, with its original sequence and payload, and refreshes its
// timestamp. It returns the number of packets re-sent.
func (p *Peer) Retransmit(ctx context.Context, now time.Time, budget time.Duration) int {
	due := p.ackWait.DueForResend(now, budget)
	for _, pkt := range due {
		p.ackWait.MarkResent(pkt.Sequence, now)
		data, err := p.codec.Encode(pkt)
		if err != nil {
			dlog.Errorf(ctx, "   PER %s, encode for resend: %v", p, err)
			continue
		}
		p.lastSent.Set(now)
		p.mu.Lock()
		p.send(p.endpoint, data)
		p.mu.Unlock()
		dlog.Debugf(ctx, "-> PER %s, resent %s", p, pkt)
	}
	return len(due)
}

// Ingest runs the inbound reliability steps for one packet: stamp the
// receive time, retire acked sequences, record the received sequence for
// future acks, then ask the ordering filter for admission. Ack bookkeeping
// happens before the filter so a stale packet still retires its piggybacked
// acks.
func (p *Peer) Ingest(pkt wire.Packet) (admitted bool, acked []reliable.Acked) {
	now := time.Now()
	p.lastReceived.Set(now)
	acked = p.ackWait.IngestAcks(pkt.Acks, now)
	p.received.Add(pkt)
	return p.filter.Admit(pkt), acked
}

// Outstanding returns the number of reliable packets still awaiting an ack.
func (p *Peer) Outstanding() int {
	return p.ackWait.Len()
}
