package server

import (
	"bytes"
	"context"
	"net"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"

	"github.com/weftworks/gossamer/pkg/conn"
	"github.com/weftworks/gossamer/pkg/wire"
)

func (s *Server) receiveLoop(ctx context.Context, ready chan struct{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = derror.PanicToError(r)
			dlog.Errorf(ctx, "%+v", err)
		}
	}()
	close(ready)
	for {
		data, sender, rerr := s.sock.Receive(ctx)
		if rerr != nil {
			if ctx.Err() != nil {
				return nil
			}
			// A dead socket means every peer is lost; stop and signal
			// shutdown.
			dlog.Errorf(ctx, "receive: %v", rerr)
			return rerr
		}
		pkt, derr := s.codec.Decode(data)
		if derr != nil {
			s.metrics.DecodeFailures.Inc()
			dlog.Debugf(ctx, "<- SRV dropping undecodable datagram from %s: %v", sender, derr)
			continue
		}
		s.metrics.PacketsReceived.Inc()
		s.dispatch(ctx, sender, pkt)
	}
}

func (s *Server) sendLoop(ctx context.Context, ready chan struct{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = derror.PanicToError(r)
			dlog.Errorf(ctx, "%+v", err)
		}
	}()
	close(ready)
	for {
		o, ok := s.outbound.Recv(ctx)
		if !ok {
			return nil
		}
		if serr := s.sock.SendTo(ctx, o.To, o.Data); serr != nil {
			// Transient; the reliability layer retransmits what matters.
			dlog.Errorf(ctx, "-> SRV send to %s: %v", o.To, serr)
			continue
		}
		s.metrics.PacketsSent.Inc()
	}
}

func (s *Server) dispatch(ctx context.Context, sender *net.UDPAddr, pkt wire.Packet) {
	// The server-info query is stateless and never touches peer state.
	if _, ok := pkt.Body.(*wire.InfoRequest); ok {
		s.respondInfo(ctx, sender)
		return
	}

	peer := s.pool.Get(sender)
	if peer == nil {
		if uint32(s.pool.Len()) >= s.cfg.MaxConnections {
			dlog.Warnf(ctx, "<- SRV dropping datagram from %s: connection limit %d reached", sender, s.cfg.MaxConnections)
			return
		}
		peer = s.pool.GetOrCreate(ctx, sender, func() *conn.Peer {
			return conn.NewPeer(sender, s.codec, s.cfg.ReceivedAckCapacity, s.post)
		})
	}

	admitted, _ := peer.Ingest(pkt)
	if !admitted {
		dlog.Tracef(ctx, "<- PER %s, %s dropped by ordering filter", peer, pkt)
		return
	}

	switch body := pkt.Body.(type) {
	case *wire.ConnectionRequest:
		s.handleConnectionRequest(ctx, peer, body)
	case *wire.ChallengeResponse:
		s.handleChallengeResponse(ctx, peer, body)
	case *wire.KeepAlive:
		// Liveness only; the receive time is already stamped and the
		// sequence acked if reliable.
	case *wire.Data:
		if peer.State() == conn.AuthenticatedConnected && s.handlers.OnData != nil {
			s.handlers.OnData(ctx, peer, body.Payload)
		}
	case *wire.Termination:
		s.handleTermination(ctx, peer, body)
	case *wire.TerminationAck:
		// The peer confirmed a termination we initiated. Its connected
		// record was removed then; the record this datagram looked up or
		// created stays disconnected until the idle scan evicts it.
	default:
		dlog.Debugf(ctx, "<- PER %s, %s is not legal here, ignoring", peer, pkt.Type())
	}
}

func (s *Server) handleConnectionRequest(ctx context.Context, peer *conn.Peer, body *wire.ConnectionRequest) {
	if peer.State() != conn.Disconnected {
		// A retransmitted request; the ack is already on its way.
		return
	}
	if !peer.Transition(ctx, conn.Requested) {
		return
	}
	if !s.supportsProtocol(body.ProtocolID) {
		dlog.Infof(ctx, "   PER %s, unsupported protocol %d", peer, body.ProtocolID)
		s.rejectPeer(ctx, peer, wire.UnsupportedProtocolVersion)
		return
	}
	challenge, err := s.authenticator.ChallengeFor(ctx, peer.ClientID())
	if err != nil {
		dlog.Errorf(ctx, "   PER %s, challenge: %v", peer, err)
		s.rejectPeer(ctx, peer, wire.InvalidAuthentication)
		return
	}
	peer.SetChallenge(challenge)
	if err := peer.Send(ctx, wire.Packet{Channel: wire.Reliable, Body: &wire.Challenge{Challenge: challenge}}); err != nil {
		dlog.Errorf(ctx, "   PER %s, send challenge: %v", peer, err)
		return
	}
	peer.Transition(ctx, conn.WaitingForChallengeResponse)
}

func (s *Server) handleChallengeResponse(ctx context.Context, peer *conn.Peer, body *wire.ChallengeResponse) {
	if peer.State() != conn.WaitingForChallengeResponse {
		return
	}
	ok, err := s.authenticator.Authenticate(ctx, peer.ClientID(), peer.Challenge(), body.Response)
	if err != nil {
		dlog.Errorf(ctx, "   PER %s, authenticate: %v", peer, err)
		ok = false
	}
	if !ok {
		dlog.Infof(ctx, "   PER %s, authentication failed", peer)
		s.rejectPeer(ctx, peer, wire.InvalidAuthentication)
		return
	}
	if !peer.Transition(ctx, conn.AuthenticatedConnected) {
		return
	}
	id := s.nextClientID()
	peer.AssignClientID(id)
	if err := peer.Send(ctx, wire.Packet{Channel: wire.Reliable, Body: &wire.ConnectionResponse{Code: wire.Success, ClientID: id}}); err != nil {
		dlog.Errorf(ctx, "   PER %s, send connection response: %v", peer, err)
		return
	}
	s.metrics.ConnectedPeers.Inc()
	dlog.Infof(ctx, "   PER %s, connected as client %d", peer, id)
	if s.handlers.OnConnected != nil {
		s.handlers.OnConnected(ctx, peer)
	}
}

// rejectPeer answers a failed handshake and removes the peer immediately.
// The response goes out unreliable; the peer record that would retransmit
// it is gone.
func (s *Server) rejectPeer(ctx context.Context, peer *conn.Peer, code wire.Result) {
	if err := peer.Send(ctx, wire.Packet{Channel: wire.Unreliable, Body: &wire.ConnectionResponse{Code: code}}); err != nil {
		dlog.Errorf(ctx, "   PER %s, send rejection: %v", peer, err)
	}
	peer.Transition(ctx, conn.Disconnected)
	s.pool.Remove(ctx, peer.Endpoint())
	if s.handlers.OnAuthFailed != nil {
		s.handlers.OnAuthFailed(ctx, peer.Endpoint(), code)
	}
}

func (s *Server) handleTermination(ctx context.Context, peer *conn.Peer, body *wire.Termination) {
	if peer.State() != conn.AuthenticatedConnected {
		return
	}
	peer.Transition(ctx, conn.Disconnected)
	if err := peer.Send(ctx, wire.Packet{Channel: wire.Unreliable, Body: &wire.TerminationAck{}}); err != nil {
		dlog.Errorf(ctx, "   PER %s, send termination ack: %v", peer, err)
	}
	s.pool.Remove(ctx, peer.Endpoint())
	s.metrics.ConnectedPeers.Dec()
	dlog.Infof(ctx, "   PER %s, terminated: %s", peer, body.Reason)
	if s.handlers.OnTerminated != nil {
		s.handlers.OnTerminated(ctx, peer, body.Reason)
	}
}

// respondInfo answers a server-info request with the provider's blob on the
// unreliable channel.
func (s *Server) respondInfo(ctx context.Context, sender *net.UDPAddr) {
	blob := &bytes.Buffer{}
	if s.infoProvider != nil {
		si, err := s.infoProvider.ServerInfo(ctx)
		if err != nil {
			dlog.Errorf(ctx, "   SRV server info for %s: %v", sender, err)
			return
		}
		if err = si.SerializeTo(blob); err != nil {
			dlog.Errorf(ctx, "   SRV serialize server info: %v", err)
			return
		}
	}
	data, err := s.codec.Encode(wire.Packet{Channel: wire.Unreliable, Body: &wire.InfoResponse{Blob: blob.Bytes()}})
	if err != nil {
		dlog.Errorf(ctx, "   SRV encode server info: %v", err)
		return
	}
	s.post(sender, data)
}
