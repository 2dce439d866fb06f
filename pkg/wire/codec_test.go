package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allChannels() []Channel {
	return []Channel{Unreliable, UnreliableOrdered, Reliable, ReliableOrdered}
}

func TestCodec_RoundTrip(t *testing.T) {
	bodies := []Body{
		&ConnectionRequest{ProtocolID: 5},
		&Challenge{Challenge: []byte("prove it")},
		&ChallengeResponse{Response: []byte("proof")},
		&ConnectionResponse{Code: Success, ClientID: 42},
		&ConnectionResponse{Code: InvalidAuthentication},
		&KeepAlive{},
		&Data{Payload: []byte{0xde, 0xad, 0xbe, 0xef}},
		&Termination{Reason: "going away"},
		&TerminationAck{},
		&InfoRequest{},
		&InfoResponse{Blob: []byte("opaque")},
	}
	c := NewCodec(0)
	for _, body := range bodies {
		for _, ch := range allChannels() {
			p := Packet{
				Channel:  ch,
				Sequence: 77,
				Acks:     []uint64{9, 5, 3},
				Body:     body,
			}
			data, err := c.Encode(p)
			require.NoError(t, err, "%s on %s", p.Type(), ch)
			d, err := c.Decode(data)
			require.NoError(t, err, "%s on %s", p.Type(), ch)
			assert.Equal(t, p, d, "%s on %s", p.Type(), ch)
		}
	}
}

func TestCodec_EmptyAckList(t *testing.T) {
	c := NewCodec(0)
	data, err := c.Encode(Packet{Channel: Unreliable, Sequence: 1, Body: &KeepAlive{}})
	require.NoError(t, err)
	assert.Len(t, data, 13)
	d, err := c.Decode(data)
	require.NoError(t, err)
	assert.Nil(t, d.Acks)
}

func TestCodec_UnknownTypeFailsSoft(t *testing.T) {
	c := NewCodec(0)
	data, err := c.Encode(Packet{Channel: Reliable, Sequence: 1, Body: &KeepAlive{}})
	require.NoError(t, err)
	data[0] = data[0]&0xf0 | 0x0e // type 14 does not exist
	_, err = c.Decode(data)
	assert.Error(t, err)
}

func TestCodec_ShortBuffer(t *testing.T) {
	c := NewCodec(0)
	data, err := c.Encode(Packet{Channel: Reliable, Sequence: 3, Body: &Data{Payload: []byte("abcd")}})
	require.NoError(t, err)
	for i := 0; i < len(data); i++ {
		_, err := c.Decode(data[:i])
		assert.Error(t, err, "truncated at %d", i)
	}
}

func TestCodec_TrailingBytes(t *testing.T) {
	c := NewCodec(0)
	data, err := c.Encode(Packet{Channel: Unreliable, Sequence: 1, Body: &KeepAlive{}})
	require.NoError(t, err)
	_, err = c.Decode(append(data, 0x00))
	assert.Error(t, err)
}

func TestCodec_PayloadBound(t *testing.T) {
	c := NewCodec(16)
	_, err := c.Encode(Packet{Channel: Reliable, Sequence: 1, Body: &Data{Payload: make([]byte, 17)}})
	assert.Error(t, err)

	// A declared length past the bound must be rejected before allocation.
	big := NewCodec(0)
	data, err := big.Encode(Packet{Channel: Reliable, Sequence: 1, Body: &Data{Payload: make([]byte, 32)}})
	require.NoError(t, err)
	_, err = c.Decode(data)
	assert.Error(t, err)
}

func TestCodec_ChannelFlags(t *testing.T) {
	assert.True(t, ReliableOrdered.IsReliable())
	assert.True(t, ReliableOrdered.IsOrdered())
	assert.True(t, Reliable.IsReliable())
	assert.False(t, Reliable.IsOrdered())
	assert.False(t, UnreliableOrdered.IsReliable())
	assert.True(t, UnreliableOrdered.IsOrdered())
	assert.False(t, Unreliable.IsReliable())
	assert.False(t, Unreliable.IsOrdered())
	assert.Equal(t, byte(0x10), byte(FlagReliable))
	assert.Equal(t, byte(0x20), byte(FlagOrdered))
}

func TestPacket_Clone(t *testing.T) {
	p := Packet{
		Channel:  ReliableOrdered,
		Sequence: 8,
		Acks:     []uint64{1, 2},
		Body:     &Data{Payload: []byte("payload")},
	}
	c := p.Clone()
	assert.Equal(t, p, c)
	c.Acks[0] = 99
	c.Body.(*Data).Payload[0] = 'X'
	assert.Equal(t, uint64(1), p.Acks[0])
	assert.Equal(t, byte('p'), p.Body.(*Data).Payload[0])
}
