package client

import (
	"context"
	"time"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"

	"github.com/weftworks/gossamer/pkg/conn"
	"github.com/weftworks/gossamer/pkg/wire"
)

func (c *Client) receiveLoop(ctx context.Context, ready chan struct{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = derror.PanicToError(r)
			dlog.Errorf(ctx, "%+v", err)
		}
	}()
	close(ready)
	for {
		data, rerr := c.sock.ReceiveAsClient(ctx)
		if rerr != nil {
			if ctx.Err() != nil {
				return nil
			}
			dlog.Errorf(ctx, "   CLI receive: %v", rerr)
			return rerr
		}
		pkt, derr := c.codec.Decode(data)
		if derr != nil {
			c.metrics.DecodeFailures.Inc()
			dlog.Debugf(ctx, "<- CLI dropping undecodable datagram: %v", derr)
			continue
		}
		c.metrics.PacketsReceived.Inc()
		c.dispatch(ctx, pkt)
	}
}

func (c *Client) sendLoop(ctx context.Context, ready chan struct{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = derror.PanicToError(r)
			dlog.Errorf(ctx, "%+v", err)
		}
	}()
	close(ready)
	for {
		o, ok := c.outbound.Recv(ctx)
		if !ok {
			return nil
		}
		if serr := c.sock.SendAsClient(ctx, o.Data); serr != nil {
			// Transient; the reliability layer retransmits what matters.
			dlog.Errorf(ctx, "-> CLI send: %v", serr)
			continue
		}
		c.metrics.PacketsSent.Inc()
	}
}

func (c *Client) retransmitLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.RetransmitScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if n := c.peer.Retransmit(ctx, now, c.cfg.ResendBudget); n > 0 {
				c.metrics.Retransmissions.Add(float64(n))
			}
		}
	}
}

// keepAliveLoop defeats the server's idle scan: when nothing has been sent
// for the keep-alive interval, an unreliable keep-alive goes out.
func (c *Client) keepAliveLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if c.peer.State() != conn.AuthenticatedConnected {
				continue
			}
			if now.Sub(c.peer.LastSent()) < c.cfg.KeepAliveInterval {
				continue
			}
			if err := c.peer.Send(ctx, wire.Packet{Channel: wire.Unreliable, Body: &wire.KeepAlive{}}); err != nil {
				dlog.Errorf(ctx, "   CLI keep-alive: %v", err)
			}
		}
	}
}

// pingLoop probes the round trip: a reliable keep-alive goes out on every
// tick and the peer's piggybacked ack of its sequence is the pong. The time
// between send and ack ingestion lands in the ping window.
func (c *Client) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if c.peer.State() != conn.AuthenticatedConnected {
				continue
			}
			if err := c.peer.Send(ctx, wire.Packet{Channel: wire.Reliable, Body: &wire.KeepAlive{}}); err != nil {
				dlog.Errorf(ctx, "   CLI ping: %v", err)
			}
		}
	}
}

func (c *Client) dispatch(ctx context.Context, pkt wire.Packet) {
	admitted, acked := c.peer.Ingest(pkt)
	if len(acked) > 0 {
		now := time.Now()
		for _, a := range acked {
			c.ping.Add(now, float64(a.RTT))
		}
	}
	if !admitted {
		dlog.Tracef(ctx, "<- CLI %s dropped by ordering filter", pkt)
		return
	}
	switch body := pkt.Body.(type) {
	case *wire.Challenge:
		if c.peer.State() == conn.Requested {
			select {
			case c.chCh <- body:
			default:
			}
		}
	case *wire.ConnectionResponse:
		switch c.peer.State() {
		case conn.Requested, conn.WaitingForChallengeResponse:
			select {
			case c.crsCh <- body:
			default:
			}
		}
	case *wire.Data:
		if c.peer.State() == conn.AuthenticatedConnected && c.handlers.OnData != nil {
			c.handlers.OnData(ctx, body.Payload)
		}
	case *wire.KeepAlive:
		// Liveness and acks only.
	case *wire.Termination:
		c.handleServerTermination(ctx, body.Reason)
	case *wire.TerminationAck:
		select {
		case c.ctaCh <- struct{}{}:
		default:
		}
	default:
		dlog.Debugf(ctx, "<- CLI %s is not legal here, ignoring", pkt.Type())
	}
}

// handleServerTermination reacts to a server-initiated disconnect. The
// loops are halted without waiting; this runs on the receive loop itself.
func (c *Client) handleServerTermination(ctx context.Context, reason string) {
	if c.peer.State() != conn.AuthenticatedConnected {
		return
	}
	c.peer.Transition(ctx, conn.Disconnected)
	if err := c.peer.Send(ctx, wire.Packet{Channel: wire.Unreliable, Body: &wire.TerminationAck{}}); err != nil {
		dlog.Errorf(ctx, "   CLI send termination ack: %v", err)
	}
	dlog.Infof(ctx, "   CLI disconnected by server: %s", reason)
	if c.handlers.OnDisconnected != nil {
		c.handlers.OnDisconnected(ctx, reason)
	}
	c.halt()
}
