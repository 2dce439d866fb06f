package client

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"

	"github.com/weftworks/gossamer/pkg/dgram"
	"github.com/weftworks/gossamer/pkg/info"
	"github.com/weftworks/gossamer/pkg/wire"
)

// ErrNoResponse is returned when a server-info query produces no answer
// within its timeout.
var ErrNoResponse = errors.New("no response from server")

// RequestServerInfo performs the stateless out-of-band query: one request
// on an ephemeral socket, one decoded response, no connection. The caller
// supplies the deserializer for the opaque blob.
func RequestServerInfo(ctx context.Context, sock dgram.Context, host string, port int, into info.Serializable, timeout time.Duration) error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	if err = sock.Connect(ctx, addr); err != nil {
		return err
	}
	defer sock.Close()

	codec := wire.NewCodec(0)
	data, err := codec.Encode(wire.Packet{Channel: wire.Unreliable, Body: &wire.InfoRequest{}})
	if err != nil {
		return err
	}
	if err = sock.SendAsClient(ctx, data); err != nil {
		return err
	}

	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		raw, rerr := sock.ReceiveAsClient(qctx)
		if rerr != nil {
			if qctx.Err() != nil {
				return ErrNoResponse
			}
			return rerr
		}
		pkt, derr := codec.Decode(raw)
		if derr != nil {
			dlog.Debugf(ctx, "<- CLI dropping undecodable info datagram: %v", derr)
			continue
		}
		rsp, ok := pkt.Body.(*wire.InfoResponse)
		if !ok {
			continue
		}
		return into.DeserializeFrom(bytes.NewReader(rsp.Blob))
	}
}
