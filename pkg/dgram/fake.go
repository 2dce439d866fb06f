package dgram

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/weftworks/gossamer/pkg/rolling"
)

// Network is an in-memory datagram fabric for tests, with configurable loss
// probability and one-way latency. It plays the role the in-memory tunnel
// plays in the upstream stream tests.
type Network struct {
	mu        sync.Mutex
	endpoints map[string]*Fake
	loss      float64
	latency   time.Duration
	rnd       *rand.Rand
	nextPort  int
}

func NewNetwork(seed int64) *Network {
	return &Network{
		endpoints: make(map[string]*Fake),
		rnd:       rand.New(rand.NewSource(seed)),
		nextPort:  40000,
	}
}

// SetLoss sets the drop probability applied to every datagram.
func (n *Network) SetLoss(p float64) {
	n.mu.Lock()
	n.loss = p
	n.mu.Unlock()
}

// SetLatency sets the one-way delivery delay.
func (n *Network) SetLatency(d time.Duration) {
	n.mu.Lock()
	n.latency = d
	n.mu.Unlock()
}

// Endpoint returns a new unattached socket on this network.
func (n *Network) Endpoint() *Fake {
	return &Fake{
		network: n,
		inbox:   make(chan fakeDatagram, 4096),
		closed:  make(chan struct{}),
		in:      rolling.NewWindow(rateWindow),
		out:     rolling.NewWindow(rateWindow),
	}
}

func (n *Network) register(f *Fake) {
	n.mu.Lock()
	n.endpoints[f.addr.String()] = f
	n.mu.Unlock()
}

func (n *Network) deregister(f *Fake) {
	n.mu.Lock()
	delete(n.endpoints, f.addr.String())
	n.mu.Unlock()
}

func (n *Network) ephemeral() *net.UDPAddr {
	n.mu.Lock()
	defer n.mu.Unlock()
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: n.nextPort}
	n.nextPort++
	return addr
}

func (n *Network) deliver(from, to *net.UDPAddr, data []byte) {
	n.mu.Lock()
	drop := n.rnd.Float64() < n.loss
	latency := n.latency
	n.mu.Unlock()
	if drop {
		return
	}
	d := make([]byte, len(data))
	copy(d, data)
	dg := fakeDatagram{from: from, data: d}
	if latency == 0 {
		n.push(to, dg)
		return
	}
	time.AfterFunc(latency, func() { n.push(to, dg) })
}

// push resolves the target at delivery time; a datagram to an endpoint that
// closed in flight simply vanishes, as on a real network.
func (n *Network) push(to *net.UDPAddr, dg fakeDatagram) {
	n.mu.Lock()
	target := n.endpoints[to.String()]
	n.mu.Unlock()
	if target == nil {
		return
	}
	select {
	case target.inbox <- dg:
	default:
	}
}

type fakeDatagram struct {
	from *net.UDPAddr
	data []byte
}

// Fake is one socket on a Network.
type Fake struct {
	network   *Network
	addr      *net.UDPAddr
	peer      *net.UDPAddr
	inbox     chan fakeDatagram
	closed    chan struct{}
	closeOnce sync.Once
	in, out   *rolling.Window
}

func (f *Fake) Bind(_ context.Context, addr *net.UDPAddr) error {
	f.addr = addr
	f.network.register(f)
	return nil
}

func (f *Fake) Connect(_ context.Context, addr *net.UDPAddr) error {
	f.addr = f.network.ephemeral()
	f.peer = addr
	f.network.register(f)
	return nil
}

// LocalAddr returns the endpoint this socket is registered under.
func (f *Fake) LocalAddr() *net.UDPAddr {
	return f.addr
}

func (f *Fake) SendTo(_ context.Context, to *net.UDPAddr, data []byte) error {
	f.out.Add(time.Now(), float64(len(data)))
	f.network.deliver(f.addr, to, data)
	return nil
}

func (f *Fake) SendAsClient(ctx context.Context, data []byte) error {
	return f.SendTo(ctx, f.peer, data)
}

func (f *Fake) Receive(ctx context.Context) ([]byte, *net.UDPAddr, error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-f.closed:
		return nil, nil, net.ErrClosed
	case dg := <-f.inbox:
		f.in.Add(time.Now(), float64(len(dg.data)))
		return dg.data, dg.from, nil
	}
}

func (f *Fake) ReceiveAsClient(ctx context.Context) ([]byte, error) {
	data, _, err := f.Receive(ctx)
	return data, err
}

func (f *Fake) Close() error {
	f.closeOnce.Do(func() {
		if f.addr != nil {
			f.network.deregister(f)
		}
		close(f.closed)
	})
	return nil
}

func (f *Fake) BytesPerSecondIn() float64 {
	return f.in.PerSecond(time.Now())
}

func (f *Fake) BytesPerSecondOut() float64 {
	return f.out.PerSecond(time.Now())
}
