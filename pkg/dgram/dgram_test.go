package dgram

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_PostNeverBlocks(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 10000; i++ {
		q.Post(Outbound{Data: []byte{byte(i)}})
	}
	ctx := context.Background()
	for i := 0; i < 10000; i++ {
		o, ok := q.Recv(ctx)
		require.True(t, ok)
		assert.Equal(t, byte(i), o.Data[0])
	}
}

func TestQueue_RecvUnblocksOnContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, ok := q.Recv(ctx)
	assert.False(t, ok)
}

func TestQueue_CloseDrains(t *testing.T) {
	q := NewQueue()
	q.Post(Outbound{Data: []byte("a")})
	q.Close()
	q.Post(Outbound{Data: []byte("ignored")})
	o, ok := q.Recv(context.Background())
	require.True(t, ok)
	assert.Equal(t, []byte("a"), o.Data)
	_, ok = q.Recv(context.Background())
	assert.False(t, ok)
}

func TestQueue_ConcurrentProducers(t *testing.T) {
	q := NewQueue()
	wg := sync.WaitGroup{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				q.Post(Outbound{Data: []byte{0}})
			}
		}()
	}
	wg.Wait()
	q.Close()
	n := 0
	for {
		if _, ok := q.Recv(context.Background()); !ok {
			break
		}
		n++
	}
	assert.Equal(t, 4000, n)
}

func TestFake_Delivery(t *testing.T) {
	ctx := context.Background()
	network := NewNetwork(1)
	server := network.Endpoint()
	serverAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7777}
	require.NoError(t, server.Bind(ctx, serverAddr))
	client := network.Endpoint()
	require.NoError(t, client.Connect(ctx, serverAddr))

	require.NoError(t, client.SendAsClient(ctx, []byte("hello")))
	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	data, sender, err := server.Receive(rctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.Equal(t, client.LocalAddr().String(), sender.String())

	require.NoError(t, server.SendTo(ctx, sender, []byte("hi back")))
	data, err = client.ReceiveAsClient(rctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi back"), data)
}

func TestFake_TotalLossDropsEverything(t *testing.T) {
	ctx := context.Background()
	network := NewNetwork(1)
	network.SetLoss(1)
	server := network.Endpoint()
	serverAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7778}
	require.NoError(t, server.Bind(ctx, serverAddr))
	client := network.Endpoint()
	require.NoError(t, client.Connect(ctx, serverAddr))

	require.NoError(t, client.SendAsClient(ctx, []byte("void")))
	rctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, _, err := server.Receive(rctx)
	assert.Error(t, err)
}

func TestFake_LatencyDelaysDelivery(t *testing.T) {
	ctx := context.Background()
	network := NewNetwork(1)
	network.SetLatency(50 * time.Millisecond)
	server := network.Endpoint()
	serverAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7779}
	require.NoError(t, server.Bind(ctx, serverAddr))
	client := network.Endpoint()
	require.NoError(t, client.Connect(ctx, serverAddr))

	start := time.Now()
	require.NoError(t, client.SendAsClient(ctx, []byte("later")))
	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, _, err := server.Receive(rctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestFake_CloseUnblocksReceive(t *testing.T) {
	network := NewNetwork(1)
	f := network.Endpoint()
	require.NoError(t, f.Bind(context.Background(), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7780}))
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = f.Close()
	}()
	_, _, err := f.Receive(context.Background())
	assert.ErrorIs(t, err, net.ErrClosed)
}
