// Package config enumerates the protocol tunables with their recommended
// defaults, overridable through GOSSAMER_* environment variables.
package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	// MaxConnections caps the peer registry; datagrams from new endpoints
	// beyond it are dropped.
	MaxConnections uint32 `env:"GOSSAMER_MAX_CONNECTIONS,default=64"`

	// IdleTimeout evicts a peer that has not produced a datagram for this
	// long.
	IdleTimeout time.Duration `env:"GOSSAMER_IDLE_TIMEOUT,default=10s"`

	// IdleScanInterval is the cadence of the eviction scan.
	IdleScanInterval time.Duration `env:"GOSSAMER_IDLE_SCAN_INTERVAL,default=1s"`

	// ResendBudget is how long an un-acked reliable packet waits before
	// retransmission.
	ResendBudget time.Duration `env:"GOSSAMER_RESEND_BUDGET,default=1s"`

	// RetransmitScanInterval is the cadence of the resend scan.
	RetransmitScanInterval time.Duration `env:"GOSSAMER_RETRANSMIT_SCAN_INTERVAL,default=50ms"`

	// KeepAliveInterval bounds send silence; after it a keep-alive goes
	// out so the remote idle scan and the piggybacked ack channel both
	// stay fed.
	KeepAliveInterval time.Duration `env:"GOSSAMER_KEEPALIVE_INTERVAL,default=500ms"`

	// PingInterval is the cadence of the client's RTT probes.
	PingInterval time.Duration `env:"GOSSAMER_PING_INTERVAL,default=300ms"`

	// PingWindow is the span of the RTT moving average.
	PingWindow time.Duration `env:"GOSSAMER_PING_WINDOW,default=1s"`

	// ReceivedAckCapacity bounds the recent-received-to-ack set.
	ReceivedAckCapacity int `env:"GOSSAMER_RECEIVED_ACK_CAPACITY,default=32"`

	// MaxPayload bounds every length-prefixed wire field.
	MaxPayload int `env:"GOSSAMER_MAX_PAYLOAD,default=65536"`
}

// Default returns the recommended settings.
func Default() Config {
	return Config{
		MaxConnections:         64,
		IdleTimeout:            10 * time.Second,
		IdleScanInterval:       time.Second,
		ResendBudget:           time.Second,
		RetransmitScanInterval: 50 * time.Millisecond,
		KeepAliveInterval:      500 * time.Millisecond,
		PingInterval:           300 * time.Millisecond,
		PingWindow:             time.Second,
		ReceivedAckCapacity:    32,
		MaxPayload:             64 * 1024,
	}
}

// FromEnv returns the defaults overlaid with GOSSAMER_* variables.
func FromEnv(ctx context.Context) (Config, error) {
	var cfg Config
	err := envconfig.Process(ctx, &cfg)
	return cfg, err
}
