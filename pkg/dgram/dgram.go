// Package dgram is the datagram I/O plane. The server and client cores
// consume the Context interface; UDP backs it in production and Fake backs
// it in tests.
package dgram

import (
	"context"
	"net"
)

// Context is one datagram socket. A server Binds and uses SendTo/Receive; a
// client Connects and uses SendAsClient/ReceiveAsClient.
type Context interface {
	// Bind attaches the socket to a local endpoint for serving.
	Bind(ctx context.Context, addr *net.UDPAddr) error

	// Connect attaches the socket to a remote endpoint as a client.
	Connect(ctx context.Context, addr *net.UDPAddr) error

	// SendTo writes one datagram to the given endpoint.
	SendTo(ctx context.Context, to *net.UDPAddr, data []byte) error

	// SendAsClient writes one datagram to the connected endpoint.
	SendAsClient(ctx context.Context, data []byte) error

	// Receive blocks for the next inbound datagram and its sender. It
	// honors a deadline carried by ctx and fails when the socket closes.
	Receive(ctx context.Context) ([]byte, *net.UDPAddr, error)

	// ReceiveAsClient blocks for the next datagram from the connected
	// endpoint.
	ReceiveAsClient(ctx context.Context) ([]byte, error)

	// Close releases the socket and unblocks pending receives.
	Close() error

	// BytesPerSecondIn and BytesPerSecondOut report windowed byte rates.
	BytesPerSecondIn() float64
	BytesPerSecondOut() float64
}
