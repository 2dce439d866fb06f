package client_test

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/gossamer/pkg/auth"
	"github.com/weftworks/gossamer/pkg/client"
	"github.com/weftworks/gossamer/pkg/config"
	"github.com/weftworks/gossamer/pkg/conn"
	"github.com/weftworks/gossamer/pkg/dgram"
	"github.com/weftworks/gossamer/pkg/info"
	"github.com/weftworks/gossamer/pkg/server"
	"github.com/weftworks/gossamer/pkg/wire"
)

var nextServerPort = 5000

func testContext(t *testing.T, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(dlog.NewTestContext(t, false), timeout)
}

func startServer(ctx context.Context, t *testing.T, network *dgram.Network, p server.Params) (*server.Server, int) {
	t.Helper()
	if p.Socket == nil {
		p.Socket = network.Endpoint()
	}
	srv := server.New(p)
	nextServerPort++
	port := nextServerPort
	require.NoError(t, srv.Start(ctx, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}))
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })
	return srv, port
}

func TestConnect_NoAuth(t *testing.T) {
	ctx, cancel := testContext(t, 30*time.Second)
	defer cancel()
	network := dgram.NewNetwork(1)
	srv, port := startServer(ctx, t, network, server.Params{ProtocolID: 5})

	cl := client.New(client.Params{ProtocolID: 5, Socket: network.Endpoint()})
	code, clientID, err := cl.Connect(ctx, "127.0.0.1", port, nil, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, wire.Success, code)
	assert.Equal(t, uint64(0), clientID)
	assert.NotNil(t, srv.GetClientConnection(0))
	require.NoError(t, cl.Disconnect(ctx))
}

func TestConnect_PasswordFailure(t *testing.T) {
	ctx, cancel := testContext(t, 30*time.Second)
	defer cancel()
	network := dgram.NewNetwork(1)
	_, port := startServer(ctx, t, network, server.Params{
		ProtocolID:    5,
		Authenticator: auth.Password("goodpassword"),
	})

	cl := client.New(client.Params{ProtocolID: 5, Socket: network.Endpoint()})
	code, _, err := cl.Connect(ctx, "127.0.0.1", port, auth.PasswordResponder("thewrongpassword"), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, wire.InvalidAuthentication, code)
}

func TestConnect_PasswordSuccess(t *testing.T) {
	ctx, cancel := testContext(t, 30*time.Second)
	defer cancel()
	network := dgram.NewNetwork(1)
	srv, port := startServer(ctx, t, network, server.Params{
		ProtocolID:    5,
		Authenticator: auth.Password("goodpassword"),
	})

	cl := client.New(client.Params{ProtocolID: 5, Socket: network.Endpoint()})
	code, clientID, err := cl.Connect(ctx, "127.0.0.1", port, auth.PasswordResponder("goodpassword"), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, wire.Success, code)
	assert.NotNil(t, srv.GetClientConnection(clientID))
	require.NoError(t, cl.Disconnect(ctx))
}

func TestConnect_ProtocolMismatch(t *testing.T) {
	ctx, cancel := testContext(t, 30*time.Second)
	defer cancel()
	network := dgram.NewNetwork(1)
	srv, port := startServer(ctx, t, network, server.Params{ProtocolID: 5})

	cl := client.New(client.Params{ProtocolID: 0, Socket: network.Endpoint()})
	start := time.Now()
	code, _, err := cl.Connect(ctx, "127.0.0.1", port, nil, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, wire.UnsupportedProtocolVersion, code)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Empty(t, srv.Connections())
}

func TestConnect_SupportedSecondary(t *testing.T) {
	ctx, cancel := testContext(t, 30*time.Second)
	defer cancel()
	network := dgram.NewNetwork(1)
	_, port := startServer(ctx, t, network, server.Params{ProtocolID: 5, Secondaries: []uint32{3, 4}})

	cl := client.New(client.Params{ProtocolID: 3, Socket: network.Endpoint()})
	code, _, err := cl.Connect(ctx, "127.0.0.1", port, nil, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, wire.Success, code)
	require.NoError(t, cl.Disconnect(ctx))
}

func TestConnect_NoServer(t *testing.T) {
	ctx, cancel := testContext(t, 30*time.Second)
	defer cancel()
	network := dgram.NewNetwork(1)

	cl := client.New(client.Params{ProtocolID: 5, Socket: network.Endpoint()})
	code, _, err := cl.Connect(ctx, "127.0.0.1", 9999, nil, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, wire.NoResponse, code)
}

func TestServerTriggeredDisconnect(t *testing.T) {
	ctx, cancel := testContext(t, 30*time.Second)
	defer cancel()
	network := dgram.NewNetwork(1)

	disconnected := make(chan string, 1)
	srv, port := startServer(ctx, t, network, server.Params{ProtocolID: 5})
	cl := client.New(client.Params{
		ProtocolID: 5,
		Socket:     network.Endpoint(),
		Handlers: client.Handlers{
			OnDisconnected: func(_ context.Context, reason string) {
				select {
				case disconnected <- reason:
				default:
				}
			},
		},
	})
	code, clientID, err := cl.Connect(ctx, "127.0.0.1", port, nil, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, wire.Success, code)

	peer := srv.GetClientConnection(clientID)
	require.NotNil(t, peer)
	srv.DisconnectClient(ctx, peer)
	assert.Equal(t, conn.Disconnected, peer.State())
	assert.Nil(t, srv.GetClientConnection(clientID))

	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("client did not observe the disconnect within a second")
	}
}

func TestReliableDeliveryUnderLoss(t *testing.T) {
	ctx, cancel := testContext(t, 120*time.Second)
	defer cancel()
	network := dgram.NewNetwork(42)
	network.SetLoss(0.4)
	network.SetLatency(20 * time.Millisecond)

	mu := sync.Mutex{}
	got := make(map[string]struct{})
	_, port := startServer(ctx, t, network, server.Params{
		ProtocolID: 5,
		Handlers: server.Handlers{
			OnData: func(_ context.Context, _ *conn.Peer, data []byte) {
				mu.Lock()
				got[string(data)] = struct{}{}
				mu.Unlock()
			},
		},
	})

	cl := client.New(client.Params{ProtocolID: 5, Socket: network.Endpoint()})
	code, _, err := cl.Connect(ctx, "127.0.0.1", port, nil, 20*time.Second)
	require.NoError(t, err)
	require.Equal(t, wire.Success, code)

	want := make(map[string]struct{}, 50)
	for i := 0; i < 50; i++ {
		payload := []byte(fmt.Sprintf("%04d", i))
		want[string(payload)] = struct{}{}
		require.NoError(t, cl.SendToServer(ctx, payload, wire.Reliable))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 50
	}, 60*time.Second, 100*time.Millisecond, "not all 50 payloads arrived")

	mu.Lock()
	assert.Equal(t, want, got)
	mu.Unlock()
}

func TestApplicationDataRoundTrip(t *testing.T) {
	ctx, cancel := testContext(t, 30*time.Second)
	defer cancel()
	network := dgram.NewNetwork(1)

	fromClient := make(chan []byte, 1)
	srv, port := startServer(ctx, t, network, server.Params{
		ProtocolID: 5,
		Handlers: server.Handlers{
			OnData: func(_ context.Context, _ *conn.Peer, data []byte) {
				select {
				case fromClient <- data:
				default:
				}
			},
		},
	})

	fromServer := make(chan []byte, 1)
	cl := client.New(client.Params{
		ProtocolID: 5,
		Socket:     network.Endpoint(),
		Handlers: client.Handlers{
			OnData: func(_ context.Context, data []byte) {
				select {
				case fromServer <- data:
				default:
				}
			},
		},
	})
	code, clientID, err := cl.Connect(ctx, "127.0.0.1", port, nil, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, wire.Success, code)

	sent := []byte{0x01, 0x02, 0x03, 0xff}
	require.NoError(t, cl.SendToServer(ctx, sent, wire.Reliable))
	select {
	case data := <-fromClient:
		assert.Equal(t, sent, data)
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the payload")
	}

	reply := []byte("pong pong")
	require.NoError(t, srv.SendToClient(ctx, srv.GetClientConnection(clientID), reply, wire.Reliable))
	select {
	case data := <-fromServer:
		assert.Equal(t, reply, data)
	case <-time.After(5 * time.Second):
		t.Fatal("client never received the payload")
	}
	require.NoError(t, cl.Disconnect(ctx))
}

func TestGetPing(t *testing.T) {
	ctx, cancel := testContext(t, 30*time.Second)
	defer cancel()
	network := dgram.NewNetwork(1)
	network.SetLatency(5 * time.Millisecond)
	_, port := startServer(ctx, t, network, server.Params{ProtocolID: 5})

	cl := client.New(client.Params{ProtocolID: 5, Socket: network.Endpoint()})
	code, _, err := cl.Connect(ctx, "127.0.0.1", port, nil, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, wire.Success, code)

	assert.Eventually(t, func() bool {
		ping := cl.GetPing()
		return ping > 0 && ping < 2*time.Second
	}, 5*time.Second, 100*time.Millisecond)
	require.NoError(t, cl.Disconnect(ctx))
}

func TestKeepAliveDefeatsIdleScan(t *testing.T) {
	ctx, cancel := testContext(t, 30*time.Second)
	defer cancel()
	network := dgram.NewNetwork(1)

	cfg := config.Default()
	cfg.IdleTimeout = time.Second
	cfg.IdleScanInterval = 200 * time.Millisecond
	srv, port := startServer(ctx, t, network, server.Params{ProtocolID: 5, Config: cfg})

	cl := client.New(client.Params{ProtocolID: 5, Socket: network.Endpoint()})
	code, clientID, err := cl.Connect(ctx, "127.0.0.1", port, nil, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, wire.Success, code)

	// An idle application, yet the peer must survive several idle windows.
	time.Sleep(3 * time.Second)
	assert.NotNil(t, srv.GetClientConnection(clientID))
	require.NoError(t, cl.Disconnect(ctx))
}

func TestIdleTimeoutEvictsDeadPeer(t *testing.T) {
	ctx, cancel := testContext(t, 30*time.Second)
	defer cancel()
	network := dgram.NewNetwork(1)

	terminated := make(chan string, 1)
	cfg := config.Default()
	cfg.IdleTimeout = time.Second
	cfg.IdleScanInterval = 200 * time.Millisecond
	srv, port := startServer(ctx, t, network, server.Params{
		ProtocolID: 5,
		Config:     cfg,
		Handlers: server.Handlers{
			OnTerminated: func(_ context.Context, _ *conn.Peer, reason string) {
				select {
				case terminated <- reason:
				default:
				}
			},
		},
	})

	clientSock := network.Endpoint()
	cl := client.New(client.Params{ProtocolID: 5, Socket: clientSock})
	code, clientID, err := cl.Connect(ctx, "127.0.0.1", port, nil, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, wire.Success, code)

	// Kill the client abruptly; no termination goes out.
	require.NoError(t, clientSock.Close())

	select {
	case reason := <-terminated:
		assert.Equal(t, "idle timeout", reason)
	case <-time.After(5 * time.Second):
		t.Fatal("peer was never evicted")
	}
	assert.Nil(t, srv.GetClientConnection(clientID))
}

func TestMaxConnections(t *testing.T) {
	ctx, cancel := testContext(t, 30*time.Second)
	defer cancel()
	network := dgram.NewNetwork(1)

	cfg := config.Default()
	cfg.MaxConnections = 1
	_, port := startServer(ctx, t, network, server.Params{ProtocolID: 5, Config: cfg})

	first := client.New(client.Params{ProtocolID: 5, Socket: network.Endpoint()})
	code, _, err := first.Connect(ctx, "127.0.0.1", port, nil, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, wire.Success, code)

	second := client.New(client.Params{ProtocolID: 5, Socket: network.Endpoint()})
	code, _, err = second.Connect(ctx, "127.0.0.1", port, nil, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, wire.NoResponse, code)
	require.NoError(t, first.Disconnect(ctx))
}

func TestRequestServerInfo(t *testing.T) {
	ctx, cancel := testContext(t, 30*time.Second)
	defer cancel()
	network := dgram.NewNetwork(1)

	motd := []byte("MOTD: 3 players online")
	srv, port := startServer(ctx, t, network, server.Params{
		ProtocolID: 5,
		Info: info.ProviderFunc(func(context.Context) (info.Serializable, error) {
			return &info.Blob{Data: motd}, nil
		}),
	})

	blob := &info.Blob{}
	require.NoError(t, client.RequestServerInfo(ctx, network.Endpoint(), "127.0.0.1", port, blob, 2*time.Second))
	assert.Equal(t, motd, blob.Data)

	// The query never establishes a connection.
	assert.Empty(t, srv.Connections())
}

func TestRequestServerInfo_NoServer(t *testing.T) {
	ctx, cancel := testContext(t, 30*time.Second)
	defer cancel()
	network := dgram.NewNetwork(1)

	err := client.RequestServerInfo(ctx, network.Endpoint(), "127.0.0.1", 9998, &info.Blob{}, time.Second)
	assert.ErrorIs(t, err, client.ErrNoResponse)
}
