// Package server implements the listening endpoint: the per-client peer
// registry, the handshake, the four delivery channels, idle eviction, and
// the stateless server-info responder.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/hashicorp/go-multierror"

	"github.com/weftworks/gossamer/pkg/auth"
	"github.com/weftworks/gossamer/pkg/config"
	"github.com/weftworks/gossamer/pkg/conn"
	"github.com/weftworks/gossamer/pkg/dgram"
	"github.com/weftworks/gossamer/pkg/info"
	"github.com/weftworks/gossamer/pkg/metrics"
	"github.com/weftworks/gossamer/pkg/wire"
)

// Handlers are the application callbacks. All fields are optional.
type Handlers struct {
	// OnConnected fires when a peer reaches the authenticated-connected
	// state.
	OnConnected func(ctx context.Context, peer *conn.Peer)

	// OnAuthFailed fires when a handshake is rejected, after the rejection
	// has been sent and the peer removed.
	OnAuthFailed func(ctx context.Context, endpoint *net.UDPAddr, code wire.Result)

	// OnTerminated fires when a connection ends: graceful termination,
	// server-side disconnect, or idle eviction.
	OnTerminated func(ctx context.Context, peer *conn.Peer, reason string)

	// OnData fires for every application payload admitted on an
	// authenticated peer.
	OnData func(ctx context.Context, peer *conn.Peer, data []byte)
}

// Params configures a Server.
type Params struct {
	// ProtocolID is the primary protocol identity announced by clients.
	ProtocolID uint32

	// Secondaries are additionally accepted protocol identities.
	Secondaries []uint32

	// Config defaults to config.Default() when zero.
	Config config.Config

	// Authenticator defaults to auth.NoAuth().
	Authenticator auth.Authenticator

	// Info serves the out-of-band server-info query. Optional; without it
	// the query is answered with an empty blob.
	Info info.Provider

	Handlers Handlers

	// Socket defaults to a UDP socket. Tests inject a fake network here.
	Socket dgram.Context
}

type Server struct {
	cfg           config.Config
	codec         *wire.Codec
	sock          dgram.Context
	pool          *conn.Pool
	authenticator auth.Authenticator
	infoProvider  info.Provider
	handlers      Handlers
	metrics       *metrics.Metrics

	protocolID  uint32
	secondaries []uint32

	// clientIDSeq is the next identifier to hand out, monotonically from
	// zero for the server's lifetime.
	clientIDSeq uint64

	outbound *dgram.Queue
	cancel   context.CancelFunc
	done     chan error
}

func New(p Params) *Server {
	if p.Config == (config.Config{}) {
		p.Config = config.Default()
	}
	if p.Authenticator == nil {
		p.Authenticator = auth.NoAuth()
	}
	if p.Socket == nil {
		p.Socket = dgram.NewUDP()
	}
	return &Server{
		cfg:           p.Config,
		codec:         wire.NewCodec(p.Config.MaxPayload),
		sock:          p.Socket,
		pool:          conn.NewPool(),
		authenticator: p.Authenticator,
		infoProvider:  p.Info,
		handlers:      p.Handlers,
		metrics:       metrics.New("server"),
		protocolID:    p.ProtocolID,
		secondaries:   p.Secondaries,
		outbound:      dgram.NewQueue(),
	}
}

// Start binds the socket and launches the loops. It returns once the
// receive and send loops are running.
func (s *Server) Start(ctx context.Context, bindAddr *net.UDPAddr) error {
	if err := s.sock.Bind(ctx, bindAddr); err != nil {
		return err
	}
	ctx, s.cancel = context.WithCancel(ctx)
	receiveReady := make(chan struct{})
	sendReady := make(chan struct{})

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	g.Go("receive", func(ctx context.Context) error { return s.receiveLoop(ctx, receiveReady) })
	g.Go("send", func(ctx context.Context) error { return s.sendLoop(ctx, sendReady) })
	g.Go("retransmit", s.retransmitLoop)
	g.Go("idle-scan", s.idleScanLoop)
	g.Go("keepalive", s.keepAliveLoop)

	s.done = make(chan error, 1)
	go func() { s.done <- g.Wait() }()

	for _, ready := range []chan struct{}{receiveReady, sendReady} {
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	dlog.Infof(ctx, "server listening on %s", bindAddr)
	return nil
}

// Stop cancels the loops, waits for them to quiesce, and closes the socket.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	s.cancel = nil
	s.outbound.Close()
	var result *multierror.Error
	if err := s.sock.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	select {
	case err := <-s.done:
		if err != nil && !errors.Is(err, context.Canceled) {
			result = multierror.Append(result, err)
		}
	case <-ctx.Done():
		result = multierror.Append(result, ctx.Err())
	}
	return result.ErrorOrNil()
}

// DisconnectClient terminates the connection from the server side: a
// reliable termination goes out, the peer leaves the registry, and the
// terminated event fires.
func (s *Server) DisconnectClient(ctx context.Context, peer *conn.Peer) {
	if peer.State() != conn.AuthenticatedConnected {
		return
	}
	if err := peer.Send(ctx, wire.Packet{Channel: wire.Reliable, Body: &wire.Termination{Reason: "disconnected by server"}}); err != nil {
		dlog.Errorf(ctx, "   PER %s, send termination: %v", peer, err)
	}
	peer.Transition(ctx, conn.Disconnected)
	s.pool.Remove(ctx, peer.Endpoint())
	s.metrics.ConnectedPeers.Dec()
	if s.handlers.OnTerminated != nil {
		s.handlers.OnTerminated(ctx, peer, "disconnected by server")
	}
}

// SendToClient wraps data into an application-data packet on the given
// channel and submits it to the reliability/send path.
func (s *Server) SendToClient(ctx context.Context, peer *conn.Peer, data []byte, channel wire.Channel) error {
	if peer.State() != conn.AuthenticatedConnected {
		return fmt.Errorf("peer %s is not connected", peer)
	}
	return peer.Send(ctx, wire.Packet{Channel: channel, Body: &wire.Data{Payload: data}})
}

// GetClientConnection returns the authenticated peer with the given client
// id, or nil.
func (s *Server) GetClientConnection(clientID uint64) *conn.Peer {
	return s.pool.ByClientID(clientID)
}

// Connections returns a snapshot of all registered peers.
func (s *Server) Connections() []*conn.Peer {
	return s.pool.All()
}

func (s *Server) ProtocolID() uint32 {
	return s.protocolID
}

func (s *Server) SupportedSecondaries() []uint32 {
	return s.secondaries
}

// Metrics returns the server's counter set for registration.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// BytesPerSecondIn reports the socket's inbound byte rate.
func (s *Server) BytesPerSecondIn() float64 {
	return s.sock.BytesPerSecondIn()
}

// BytesPerSecondOut reports the socket's outbound byte rate.
func (s *Server) BytesPerSecondOut() float64 {
	return s.sock.BytesPerSecondOut()
}

// post is the send path injected into every peer.
func (s *Server) post(endpoint *net.UDPAddr, data []byte) {
	s.outbound.Post(dgram.Outbound{To: endpoint, Data: data})
}

func (s *Server) nextClientID() uint64 {
	return atomic.AddUint64(&s.clientIDSeq, 1) - 1
}

func (s *Server) supportsProtocol(id uint32) bool {
	if id == s.protocolID {
		return true
	}
	for _, secondary := range s.secondaries {
		if id == secondary {
			return true
		}
	}
	return false
}

func (s *Server) retransmitLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RetransmitScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			for _, peer := range s.pool.All() {
				if n := peer.Retransmit(ctx, now, s.cfg.ResendBudget); n > 0 {
					s.metrics.Retransmissions.Add(float64(n))
				}
			}
		}
	}
}

func (s *Server) idleScanLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.IdleScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			for _, peer := range s.pool.All() {
				if now.Sub(peer.LastReceived()) > s.cfg.IdleTimeout {
					s.evict(ctx, peer)
				}
			}
		}
	}
}

// evict removes a peer that went silent past the idle timeout, as if it had
// sent a termination.
func (s *Server) evict(ctx context.Context, peer *conn.Peer) {
	dlog.Infof(ctx, "   PER %s, idle for more than %s, evicting", peer, s.cfg.IdleTimeout)
	wasConnected := peer.State() == conn.AuthenticatedConnected
	peer.Transition(ctx, conn.Disconnected)
	s.pool.Remove(ctx, peer.Endpoint())
	s.metrics.IdleEvictions.Inc()
	if wasConnected {
		s.metrics.ConnectedPeers.Dec()
	}
	if s.handlers.OnTerminated != nil {
		s.handlers.OnTerminated(ctx, peer, "idle timeout")
	}
}

// keepAliveLoop keeps the ack channel fed: a peer that has not been sent
// anything for the keep-alive interval gets an unreliable keep-alive
// carrying the pending piggybacked acks.
func (s *Server) keepAliveLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			for _, peer := range s.pool.All() {
				if peer.State() != conn.AuthenticatedConnected {
					continue
				}
				if now.Sub(peer.LastSent()) < s.cfg.KeepAliveInterval {
					continue
				}
				if err := peer.Send(ctx, wire.Packet{Channel: wire.Unreliable, Body: &wire.KeepAlive{}}); err != nil {
					dlog.Errorf(ctx, "   PER %s, keep-alive: %v", peer, err)
				}
			}
		}
	}
}
