// Package auth defines the challenge-response authenticator consumed by the
// server and the responder callback consumed by the client.
package auth

import (
	"bytes"
	"context"
	"crypto/subtle"

	"github.com/google/uuid"
)

// Authenticator produces a challenge for a connecting client and validates
// the response. Both calls may do I/O and honor the context.
type Authenticator interface {
	// ChallengeFor returns the challenge bytes for the client. May be
	// empty; an empty challenge is the no-auth degenerate case.
	ChallengeFor(ctx context.Context, clientID uint64) ([]byte, error)

	// Authenticate reports whether the response answers the challenge.
	Authenticate(ctx context.Context, clientID uint64, challenge, response []byte) (bool, error)
}

// Responder is the client-side callback answering a server challenge.
type Responder func(challenge []byte) []byte

type noAuth struct{}

// NoAuth issues an empty challenge; echoing it back authenticates. The
// handshake still traverses all four connection states.
func NoAuth() Authenticator {
	return noAuth{}
}

func (noAuth) ChallengeFor(_ context.Context, _ uint64) ([]byte, error) {
	return nil, nil
}

func (noAuth) Authenticate(_ context.Context, _ uint64, challenge, response []byte) (bool, error) {
	return bytes.Equal(challenge, response), nil
}

// EchoResponder answers any challenge by returning it unchanged. It is the
// client-side half of NoAuth.
func EchoResponder(challenge []byte) []byte {
	return challenge
}

type password struct {
	secret []byte
}

// Password authenticates clients that present the shared secret. Each
// challenge is a fresh nonce so two handshakes never look alike on the
// wire; the response is the secret itself, compared in constant time.
func Password(secret string) Authenticator {
	return password{secret: []byte(secret)}
}

func (p password) ChallengeFor(_ context.Context, _ uint64) ([]byte, error) {
	nonce := uuid.New()
	return nonce[:], nil
}

func (p password) Authenticate(_ context.Context, _ uint64, _, response []byte) (bool, error) {
	return subtle.ConstantTimeCompare(p.secret, response) == 1, nil
}

// PasswordResponder answers every challenge with the given secret.
func PasswordResponder(secret string) Responder {
	return func(_ []byte) []byte {
		return []byte(secret)
	}
}
