package wire

import (
	"encoding/binary"
	"fmt"
)

// DefaultMaxPayload bounds every length-prefixed field on both encode and
// decode, rejecting hostile input before any allocation.
const DefaultMaxPayload = 64 * 1024

// maxAckCount bounds the piggybacked ack list. The recent-received set never
// grows past 32 entries, so anything wildly larger is hostile.
const maxAckCount = 1024

const fixedHeaderLen = 1 + 8 + 4 // type/channel byte, sequence, ack count

// Codec encodes and decodes packets. All integers are little-endian; all
// variable-length byte fields are prefixed with a 4-byte length, and UTF-8
// strings follow the same length-prefixed-bytes layout.
type Codec struct {
	maxPayload int
}

func NewCodec(maxPayload int) *Codec {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Codec{maxPayload: maxPayload}
}

// MaxPayload returns the bound applied to length-prefixed fields.
func (c *Codec) MaxPayload() int {
	return c.maxPayload
}

// Encode serializes p. It fails when a length-prefixed field exceeds the
// payload bound or the ack list is oversized.
func (c *Codec) Encode(p Packet) ([]byte, error) {
	if len(p.Acks) > maxAckCount {
		return nil, fmt.Errorf("%s: ack list of %d exceeds %d", p.Type(), len(p.Acks), maxAckCount)
	}
	buf := make([]byte, 0, fixedHeaderLen+8*len(p.Acks)+c.bodySizeHint(p.Body))
	buf = append(buf, byte(p.Type())|byte(p.Channel))
	buf = appendUint64(buf, p.Sequence)
	buf = appendUint32(buf, uint32(len(p.Acks)))
	for _, ack := range p.Acks {
		buf = appendUint64(buf, ack)
	}
	return c.appendBody(buf, p.Body)
}

func (c *Codec) bodySizeHint(b Body) int {
	switch b := b.(type) {
	case *ConnectionRequest:
		return 8
	case *Challenge:
		return 4 + len(b.Challenge)
	case *ChallengeResponse:
		return 4 + len(b.Response)
	case *ConnectionResponse:
		return 12
	case *Data:
		return 4 + len(b.Payload)
	case *Termination:
		return 4 + len(b.Reason)
	case *InfoResponse:
		return 4 + len(b.Blob)
	default:
		return 0
	}
}

func (c *Codec) appendBody(buf []byte, b Body) ([]byte, error) {
	switch b := b.(type) {
	case *ConnectionRequest:
		buf = appendUint32(buf, b.ProtocolID)
		buf = appendUint32(buf, b.Version)
	case *Challenge:
		return c.appendBytes(buf, b.Challenge)
	case *ChallengeResponse:
		return c.appendBytes(buf, b.Response)
	case *ConnectionResponse:
		buf = appendUint32(buf, uint32(b.Code))
		buf = appendUint64(buf, b.ClientID)
	case *Data:
		return c.appendBytes(buf, b.Payload)
	case *Termination:
		return c.appendBytes(buf, []byte(b.Reason))
	case *InfoResponse:
		return c.appendBytes(buf, b.Blob)
	case *KeepAlive, *TerminationAck, *InfoRequest:
		// empty bodies
	default:
		return nil, fmt.Errorf("cannot encode body %T", b)
	}
	return buf, nil
}

func (c *Codec) appendBytes(buf, b []byte) ([]byte, error) {
	if len(b) > c.maxPayload {
		return nil, fmt.Errorf("field of %d bytes exceeds the %d byte bound", len(b), c.maxPayload)
	}
	buf = appendUint32(buf, uint32(len(b)))
	return append(buf, b...), nil
}

// Decode parses one datagram. Unknown packet types and malformed or
// oversized fields yield an error; the caller drops the datagram.
func (c *Codec) Decode(data []byte) (Packet, error) {
	var p Packet
	r := reader{buf: data}
	lead, err := r.byte()
	if err != nil {
		return p, err
	}
	pt := PacketType(lead & 0x0f)
	p.Channel = Channel(lead & 0xf0)
	if p.Sequence, err = r.uint64(); err != nil {
		return p, err
	}
	nAcks, err := r.uint32()
	if err != nil {
		return p, err
	}
	if nAcks > maxAckCount {
		return p, fmt.Errorf("%s: ack list of %d exceeds %d", pt, nAcks, maxAckCount)
	}
	if nAcks > 0 {
		p.Acks = make([]uint64, nAcks)
		for i := range p.Acks {
			if p.Acks[i], err = r.uint64(); err != nil {
				return p, err
			}
		}
	}
	if p.Body, err = c.readBody(&r, pt); err != nil {
		return p, err
	}
	if r.remaining() > 0 {
		return p, fmt.Errorf("%s: %d trailing bytes", pt, r.remaining())
	}
	return p, nil
}

func (c *Codec) readBody(r *reader, pt PacketType) (Body, error) {
	switch pt {
	case TypeConnectionRequest:
		b := &ConnectionRequest{}
		var err error
		if b.ProtocolID, err = r.uint32(); err != nil {
			return nil, err
		}
		if b.Version, err = r.uint32(); err != nil {
			return nil, err
		}
		return b, nil
	case TypeChallenge:
		ch, err := c.readBytes(r)
		if err != nil {
			return nil, err
		}
		return &Challenge{Challenge: ch}, nil
	case TypeChallengeResponse:
		rs, err := c.readBytes(r)
		if err != nil {
			return nil, err
		}
		return &ChallengeResponse{Response: rs}, nil
	case TypeConnectionResponse:
		b := &ConnectionResponse{}
		code, err := r.uint32()
		if err != nil {
			return nil, err
		}
		b.Code = Result(code)
		if b.ClientID, err = r.uint64(); err != nil {
			return nil, err
		}
		return b, nil
	case TypeKeepAlive:
		return &KeepAlive{}, nil
	case TypeData:
		d, err := c.readBytes(r)
		if err != nil {
			return nil, err
		}
		return &Data{Payload: d}, nil
	case TypeTermination:
		rs, err := c.readBytes(r)
		if err != nil {
			return nil, err
		}
		return &Termination{Reason: string(rs)}, nil
	case TypeTerminationAck:
		return &TerminationAck{}, nil
	case TypeInfoRequest:
		return &InfoRequest{}, nil
	case TypeInfoResponse:
		blob, err := c.readBytes(r)
		if err != nil {
			return nil, err
		}
		return &InfoResponse{Blob: blob}, nil
	default:
		return nil, fmt.Errorf("unknown packet type %d", byte(pt))
	}
}

func (c *Codec) readBytes(r *reader) ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if int(n) > c.maxPayload {
		return nil, fmt.Errorf("field of %d bytes exceeds the %d byte bound", n, c.maxPayload)
	}
	return r.bytes(int(n))
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) byte() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, errShort
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if r.off+n > len(r.buf) {
		return nil, errShort
	}
	b := make([]byte, n)
	copy(b, r.buf[r.off:r.off+n])
	r.off += n
	return b, nil
}

func (r *reader) uint32() (uint32, error) {
	if r.off+4 > len(r.buf) {
		return 0, errShort
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) uint64() (uint64, error) {
	if r.off+8 > len(r.buf) {
		return 0, errShort
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

var errShort = fmt.Errorf("short buffer")

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}
