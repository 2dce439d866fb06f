package dgram

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/weftworks/gossamer/pkg/rolling"
)

// receiveBufSize fits the largest legal datagram: a maximal length-prefixed
// body plus the header and a full ack list.
const receiveBufSize = 96 * 1024

const rateWindow = time.Second

// UDP is the production Context over a net.UDPConn.
type UDP struct {
	conn    *net.UDPConn
	in, out *rolling.Window
}

func NewUDP() *UDP {
	return &UDP{in: rolling.NewWindow(rateWindow), out: rolling.NewWindow(rateWindow)}
}

func (u *UDP) Bind(_ context.Context, addr *net.UDPAddr) error {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return errors.Wrapf(err, "bind %s", addr)
	}
	u.conn = conn
	return nil
}

func (u *UDP) Connect(_ context.Context, addr *net.UDPAddr) error {
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return errors.Wrapf(err, "connect %s", addr)
	}
	u.conn = conn
	return nil
}

// LocalAddr returns the bound or ephemeral local endpoint.
func (u *UDP) LocalAddr() *net.UDPAddr {
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr().(*net.UDPAddr)
}

func (u *UDP) SendTo(_ context.Context, to *net.UDPAddr, data []byte) error {
	n, err := u.conn.WriteToUDP(data, to)
	if err != nil {
		return errors.Wrapf(err, "send to %s", to)
	}
	u.out.Add(time.Now(), float64(n))
	return nil
}

func (u *UDP) SendAsClient(_ context.Context, data []byte) error {
	n, err := u.conn.Write(data)
	if err != nil {
		return errors.Wrap(err, "send")
	}
	u.out.Add(time.Now(), float64(n))
	return nil
}

func (u *UDP) Receive(ctx context.Context) ([]byte, *net.UDPAddr, error) {
	if err := u.applyDeadline(ctx); err != nil {
		return nil, nil, err
	}
	buf := make([]byte, receiveBufSize)
	n, sender, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, err
	}
	u.in.Add(time.Now(), float64(n))
	return buf[:n], sender, nil
}

func (u *UDP) ReceiveAsClient(ctx context.Context) ([]byte, error) {
	data, _, err := u.Receive(ctx)
	return data, err
}

// applyDeadline maps a context deadline onto the socket so a blocked read
// observes connect and query timeouts.
func (u *UDP) applyDeadline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		return u.conn.SetReadDeadline(deadline)
	}
	return u.conn.SetReadDeadline(time.Time{})
}

func (u *UDP) Close() error {
	if u.conn == nil {
		return nil
	}
	return u.conn.Close()
}

func (u *UDP) BytesPerSecondIn() float64 {
	return u.in.PerSecond(time.Now())
}

func (u *UDP) BytesPerSecondOut() float64 {
	return u.out.PerSecond(time.Now())
}
