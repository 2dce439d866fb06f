// Package info defines the out-of-band server-info surface: a provider the
// server consumes and the serializable blob that crosses the wire.
package info

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
)

// Serializable is anything that can cross the wire as the server-info blob.
type Serializable interface {
	SerializeTo(w io.Writer) error
	DeserializeFrom(r io.Reader) error
}

// Provider produces the application's server info. Consumed by the server's
// stateless info responder.
type Provider interface {
	ServerInfo(ctx context.Context) (Serializable, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (Serializable, error)

func (f ProviderFunc) ServerInfo(ctx context.Context) (Serializable, error) {
	return f(ctx)
}

// Blob is a plain length-prefixed byte serializable, for applications whose
// server info is already encoded.
type Blob struct {
	Data []byte
}

func (b *Blob) SerializeTo(w io.Writer) error {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(b.Data)))
	if _, err := w.Write(n[:]); err != nil {
		return err
	}
	_, err := w.Write(b.Data)
	return err
}

func (b *Blob) DeserializeFrom(r io.Reader) error {
	var n [4]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return err
	}
	size := binary.LittleEndian.Uint32(n[:])
	if size > 64*1024 {
		return fmt.Errorf("info blob of %d bytes exceeds bound", size)
	}
	b.Data = make([]byte, size)
	_, err := io.ReadFull(r, b.Data)
	return err
}
