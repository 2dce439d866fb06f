// Package client implements the connecting endpoint: the connect handshake,
// the four delivery channels, keep-alive, the ping loop with its RTT
// estimate, and the stateless server-info query.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/hashicorp/go-multierror"

	"github.com/weftworks/gossamer/pkg/auth"
	"github.com/weftworks/gossamer/pkg/config"
	"github.com/weftworks/gossamer/pkg/conn"
	"github.com/weftworks/gossamer/pkg/dgram"
	"github.com/weftworks/gossamer/pkg/metrics"
	"github.com/weftworks/gossamer/pkg/rolling"
	"github.com/weftworks/gossamer/pkg/wire"
)

// Handlers are the application callbacks. All fields are optional.
type Handlers struct {
	// OnData fires for every application payload admitted while
	// connected.
	OnData func(ctx context.Context, data []byte)

	// OnDisconnected fires when the server terminates the connection.
	OnDisconnected func(ctx context.Context, reason string)
}

// Params configures a Client.
type Params struct {
	// ProtocolID is announced in the connection request and must match
	// the server's primary or one of its secondaries.
	ProtocolID uint32

	// Config defaults to config.Default() when zero.
	Config config.Config

	Handlers Handlers

	// Socket defaults to a UDP socket. Tests inject a fake network here.
	Socket dgram.Context
}

type Client struct {
	cfg      config.Config
	codec    *wire.Codec
	sock     dgram.Context
	handlers Handlers
	metrics  *metrics.Metrics

	protocolID uint32

	// peer mirrors the server's record for this connection. The client
	// has exactly one for its lifetime.
	peer *conn.Peer

	outbound *dgram.Queue

	// ping holds round-trip samples observed from the acks of every
	// reliable packet, the ping probes included, windowed to the
	// configured span.
	ping *rolling.Window

	chCh  chan *wire.Challenge
	crsCh chan *wire.ConnectionResponse
	ctaCh chan struct{}

	cancel context.CancelFunc
	done   chan error
}

func New(p Params) *Client {
	if p.Config == (config.Config{}) {
		p.Config = config.Default()
	}
	if p.Socket == nil {
		p.Socket = dgram.NewUDP()
	}
	return &Client{
		cfg:        p.Config,
		codec:      wire.NewCodec(p.Config.MaxPayload),
		sock:       p.Socket,
		handlers:   p.Handlers,
		metrics:    metrics.New("client"),
		protocolID: p.ProtocolID,
		outbound:   dgram.NewQueue(),
		ping:       rolling.NewWindow(p.Config.PingWindow),
		chCh:       make(chan *wire.Challenge, 1),
		crsCh:      make(chan *wire.ConnectionResponse, 1),
		ctaCh:      make(chan struct{}, 1),
	}
}

// Connect resolves the server endpoint, performs the handshake, and leaves
// the background loops running on success. The respond callback answers the
// server's challenge; nil echoes it, which is the no-auth case. A handshake
// that produces no server reaction within the timeout returns NoResponse.
func (c *Client) Connect(ctx context.Context, host string, port int, respond auth.Responder, timeout time.Duration) (wire.Result, uint64, error) {
	if respond == nil {
		respond = auth.EchoResponder
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return wire.NoResponse, 0, err
	}
	if err = c.sock.Connect(ctx, addr); err != nil {
		return wire.NoResponse, 0, err
	}
	c.peer = conn.NewPeer(addr, c.codec, c.cfg.ReceivedAckCapacity, c.post)

	sessionCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	receiveReady := make(chan struct{})
	sendReady := make(chan struct{})

	g := dgroup.NewGroup(sessionCtx, dgroup.GroupConfig{})
	g.Go("receive", func(ctx context.Context) error { return c.receiveLoop(ctx, receiveReady) })
	g.Go("send", func(ctx context.Context) error { return c.sendLoop(ctx, sendReady) })
	g.Go("retransmit", c.retransmitLoop)
	g.Go("keepalive", c.keepAliveLoop)
	g.Go("ping", c.pingLoop)

	c.done = make(chan error, 1)
	go func() { c.done <- g.Wait() }()

	for _, ready := range []chan struct{}{receiveReady, sendReady} {
		select {
		case <-ready:
		case <-sessionCtx.Done():
			return wire.NoResponse, 0, sessionCtx.Err()
		}
	}

	c.peer.Transition(ctx, conn.Requested)
	if err = c.peer.Send(ctx, wire.Packet{Channel: wire.Reliable, Body: &wire.ConnectionRequest{ProtocolID: c.protocolID}}); err != nil {
		c.teardown(ctx)
		return wire.NoResponse, 0, err
	}

	// The connect timeout is its own short-lived cancellation.
	hctx, hcancel := context.WithTimeout(ctx, timeout)
	defer hcancel()
	for {
		select {
		case <-hctx.Done():
			c.teardown(ctx)
			return wire.NoResponse, 0, nil
		case challenge := <-c.chCh:
			response := respond(challenge.Challenge)
			c.peer.Transition(ctx, conn.WaitingForChallengeResponse)
			if err = c.peer.Send(ctx, wire.Packet{Channel: wire.Reliable, Body: &wire.ChallengeResponse{Response: response}}); err != nil {
				c.teardown(ctx)
				return wire.NoResponse, 0, err
			}
		case crs := <-c.crsCh:
			if crs.Code != wire.Success {
				dlog.Infof(ctx, "   CLI connect refused: %s", crs.Code)
				c.teardown(ctx)
				return crs.Code, 0, nil
			}
			c.peer.Transition(ctx, conn.AuthenticatedConnected)
			c.peer.AssignClientID(crs.ClientID)
			dlog.Infof(ctx, "   CLI connected to %s as client %d", addr, crs.ClientID)
			return wire.Success, crs.ClientID, nil
		}
	}
}

// SendToServer wraps data into an application-data packet on the given
// channel and submits it to the reliability/send path.
func (c *Client) SendToServer(ctx context.Context, data []byte, channel wire.Channel) error {
	if c.peer == nil || c.peer.State() != conn.AuthenticatedConnected {
		return fmt.Errorf("not connected")
	}
	return c.peer.Send(ctx, wire.Packet{Channel: channel, Body: &wire.Data{Payload: data}})
}

// Disconnect terminates gracefully: a reliable termination goes out and the
// client waits briefly for the acknowledgement before tearing down.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.peer != nil && c.peer.State() == conn.AuthenticatedConnected {
		if err := c.peer.Send(ctx, wire.Packet{Channel: wire.Reliable, Body: &wire.Termination{Reason: "client disconnect"}}); err != nil {
			dlog.Errorf(ctx, "   CLI send termination: %v", err)
		}
		c.peer.Transition(ctx, conn.Disconnected)
		select {
		case <-c.ctaCh:
		case <-time.After(time.Second):
			dlog.Debugf(ctx, "   CLI no termination ack within a second")
		case <-ctx.Done():
		}
	}
	return c.teardown(ctx)
}

// GetPing returns the moving average of the round trips observed inside the
// ping window, or zero when no sample is fresh.
func (c *Client) GetPing() time.Duration {
	return time.Duration(c.ping.Average(time.Now()))
}

// ClientID returns the identifier assigned by the server, zero until
// connected.
func (c *Client) ClientID() uint64 {
	if c.peer == nil {
		return 0
	}
	return c.peer.ClientID()
}

// State returns the connection state.
func (c *Client) State() conn.State {
	if c.peer == nil {
		return conn.Disconnected
	}
	return c.peer.State()
}

// Metrics returns the client's counter set for registration.
func (c *Client) Metrics() *metrics.Metrics {
	return c.metrics
}

// BytesPerSecondIn reports the socket's inbound byte rate.
func (c *Client) BytesPerSecondIn() float64 {
	return c.sock.BytesPerSecondIn()
}

// BytesPerSecondOut reports the socket's outbound byte rate.
func (c *Client) BytesPerSecondOut() float64 {
	return c.sock.BytesPerSecondOut()
}

func (c *Client) post(_ *net.UDPAddr, data []byte) {
	c.outbound.Post(dgram.Outbound{Data: data})
}

// halt stops the loops and releases the socket without waiting. Safe to
// call from the receive loop itself.
func (c *Client) halt() {
	if c.cancel != nil {
		c.cancel()
	}
	c.outbound.Close()
	// Unblocks a pending receive. A double close reports net.ErrClosed,
	// which is fine here.
	_ = c.sock.Close()
}

func (c *Client) teardown(ctx context.Context) error {
	if c.done == nil {
		return nil
	}
	c.halt()
	var result *multierror.Error
	select {
	case err := <-c.done:
		if err != nil && !errors.Is(err, context.Canceled) {
			result = multierror.Append(result, err)
		}
	case <-ctx.Done():
		result = multierror.Append(result, ctx.Err())
	}
	c.done = nil
	return result.ErrorOrNil()
}
