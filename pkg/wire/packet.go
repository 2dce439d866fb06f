package wire

import "fmt"

// PacketType is the low nibble of the leading header byte.
type PacketType byte

const (
	TypeConnectionRequest  = PacketType(iota) // CR
	TypeChallenge                             // CH
	TypeChallengeResponse                     // CHR
	TypeConnectionResponse                    // CRS
	TypeKeepAlive                             // KA
	TypeData                                  // AD
	TypeTermination                           // CT
	TypeTerminationAck                        // CTA
	TypeInfoRequest                           // SIRQ
	TypeInfoResponse                          // SIRS
)

func (t PacketType) String() (txt string) {
	switch t {
	case TypeConnectionRequest:
		txt = "CR"
	case TypeChallenge:
		txt = "CH"
	case TypeChallengeResponse:
		txt = "CHR"
	case TypeConnectionResponse:
		txt = "CRS"
	case TypeKeepAlive:
		txt = "KA"
	case TypeData:
		txt = "AD"
	case TypeTermination:
		txt = "CT"
	case TypeTerminationAck:
		txt = "CTA"
	case TypeInfoRequest:
		txt = "SIRQ"
	case TypeInfoResponse:
		txt = "SIRS"
	default:
		txt = fmt.Sprintf("type(%d)", byte(t))
	}
	return txt
}

// Channel selects the delivery discipline for an outgoing packet. The two
// flags combine into four channels and are carried in the high nibble of the
// leading header byte.
type Channel byte

const (
	FlagReliable Channel = 0x10
	FlagOrdered  Channel = 0x20

	Unreliable        = Channel(0)
	UnreliableOrdered = FlagOrdered
	Reliable          = FlagReliable
	ReliableOrdered   = FlagReliable | FlagOrdered
)

func (c Channel) IsReliable() bool {
	return c&FlagReliable != 0
}

func (c Channel) IsOrdered() bool {
	return c&FlagOrdered != 0
}

func (c Channel) String() (txt string) {
	switch c {
	case Unreliable:
		txt = "unreliable"
	case UnreliableOrdered:
		txt = "unreliable-ordered"
	case Reliable:
		txt = "reliable"
	case ReliableOrdered:
		txt = "reliable-ordered"
	default:
		txt = fmt.Sprintf("channel(%#02x)", byte(c))
	}
	return txt
}

// Result is the outcome code carried in a connection response.
type Result uint32

const (
	Success = Result(iota)
	UnsupportedProtocolVersion
	InvalidAuthentication
	NoResponse
)

func (r Result) String() (txt string) {
	switch r {
	case Success:
		txt = "SUCCESS"
	case UnsupportedProtocolVersion:
		txt = "FAILURE_UNSUPPORTED_PROTOCOL_VERSION"
	case InvalidAuthentication:
		txt = "FAILURE_INVALID_AUTHENTICATION"
	case NoResponse:
		txt = "NO_RESPONSE"
	default:
		txt = fmt.Sprintf("result(%d)", uint32(r))
	}
	return txt
}

// Body is the typed payload of a packet. It is a closed set; the codec
// decodes exactly one concrete type per PacketType and dispatch over a
// received packet is an exhaustive type switch.
type Body interface {
	packetType() PacketType
}

// ConnectionRequest opens a handshake. Version is transmitted as zero and
// never consulted; only ProtocolID gates compatibility.
type ConnectionRequest struct {
	ProtocolID uint32
	Version    uint32
}

// Challenge carries the authenticator's challenge to the connecting peer.
// An empty challenge is the no-auth degenerate case.
type Challenge struct {
	Challenge []byte
}

// ChallengeResponse carries the peer's answer to a Challenge.
type ChallengeResponse struct {
	Response []byte
}

// ConnectionResponse concludes the handshake. ClientID is only meaningful
// when Code is Success.
type ConnectionResponse struct {
	Code     Result
	ClientID uint64
}

// KeepAlive has no body. Sent unreliable to defeat idle eviction, and
// reliable by the ping loop to sample round-trip times off its ack.
type KeepAlive struct{}

// Data is an application payload.
type Data struct {
	Payload []byte
}

// Termination announces a graceful disconnect with a human-readable reason.
type Termination struct {
	Reason string
}

// TerminationAck confirms a Termination.
type TerminationAck struct{}

// InfoRequest asks for the out-of-band server info blob. It never touches
// connection state.
type InfoRequest struct{}

// InfoResponse returns the server-info provider's opaque blob.
type InfoResponse struct {
	Blob []byte
}

func (*ConnectionRequest) packetType() PacketType  { return TypeConnectionRequest }
func (*Challenge) packetType() PacketType          { return TypeChallenge }
func (*ChallengeResponse) packetType() PacketType  { return TypeChallengeResponse }
func (*ConnectionResponse) packetType() PacketType { return TypeConnectionResponse }
func (*KeepAlive) packetType() PacketType          { return TypeKeepAlive }
func (*Data) packetType() PacketType               { return TypeData }
func (*Termination) packetType() PacketType        { return TypeTermination }
func (*TerminationAck) packetType() PacketType     { return TypeTerminationAck }
func (*InfoRequest) packetType() PacketType        { return TypeInfoRequest }
func (*InfoResponse) packetType() PacketType       { return TypeInfoResponse }

// Packet is one datagram: the fixed header fields plus the typed body.
type Packet struct {
	Channel  Channel
	Sequence uint64
	Acks     []uint64
	Body     Body
}

// Type returns the packet type of the body.
func (p Packet) Type() PacketType {
	return p.Body.packetType()
}

func (p Packet) String() string {
	return fmt.Sprintf("%s %s sq %d acks %d", p.Type(), p.Channel, p.Sequence, len(p.Acks))
}

// Clone returns a deep copy. The reliability engine stores clones so that a
// retransmission is byte-identical to the original send.
func (p Packet) Clone() Packet {
	c := p
	if len(p.Acks) > 0 {
		c.Acks = make([]uint64, len(p.Acks))
		copy(c.Acks, p.Acks)
	}
	switch b := p.Body.(type) {
	case *Challenge:
		c.Body = &Challenge{Challenge: cloneBytes(b.Challenge)}
	case *ChallengeResponse:
		c.Body = &ChallengeResponse{Response: cloneBytes(b.Response)}
	case *Data:
		c.Body = &Data{Payload: cloneBytes(b.Payload)}
	case *InfoResponse:
		c.Body = &InfoResponse{Blob: cloneBytes(b.Blob)}
	case *ConnectionRequest:
		cb := *b
		c.Body = &cb
	case *ConnectionResponse:
		cb := *b
		c.Body = &cb
	case *Termination:
		cb := *b
		c.Body = &cb
	case *KeepAlive:
		c.Body = &KeepAlive{}
	case *TerminationAck:
		c.Body = &TerminationAck{}
	case *InfoRequest:
		c.Body = &InfoRequest{}
	}
	return c
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
