package transport

import (
	"context"
	"testing"
	"time"

	"github.com/GEO-Project/network-client/msg"
	"github.com/GEO-Project/network-client/state"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanHandler chan msg.Message

func (h chanHandler) Deliver(ctx context.Context, m msg.Message) error {
	select {
	case h <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func receive(t *testing.T, h chanHandler) msg.Message {
	t.Helper()
	select {
	case m := <-h:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return msg.Message{}
	}
}

func amountMessage(sender state.NodeID, amount int64) msg.Message {
	return msg.Message{
		Header: msg.Header{
			Type:          msg.TypeReceiverInitRequest,
			Sender:        sender,
			TransactionID: uuid.New(),
			Equivalent:    1,
		},
		ReceiverInitRequest: &msg.ReceiverInitRequest{Amount: amount},
	}
}

func TestNetwork_deliversInOrder(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork()
	a := n.Join("GA", chanHandler(make(chan msg.Message, 10)))
	hb := chanHandler(make(chan msg.Message, 10))
	n.Join("GB", hb)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, a.Send(ctx, "GB", amountMessage("GA", i)))
	}
	for i := int64(1); i <= 5; i++ {
		m := receive(t, hb)
		assert.Equal(t, state.NodeID("GA"), m.Sender)
		assert.Equal(t, i, m.ReceiverInitRequest.Amount)
	}
}

func TestNetwork_unknownPeer(t *testing.T) {
	n := NewNetwork()
	a := n.Join("GA", chanHandler(make(chan msg.Message, 1)))
	err := a.Send(context.Background(), "GZ", amountMessage("GA", 1))
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestNetwork_filter(t *testing.T) {
	ctx := context.Background()
	n := NewNetwork()
	a := n.Join("GA", chanHandler(make(chan msg.Message, 10)))
	hb := chanHandler(make(chan msg.Message, 10))
	n.Join("GB", hb)
	n.SetFilter(func(from, to state.NodeID, m *msg.Message) bool {
		return m.ReceiverInitRequest.Amount%2 == 0
	})

	for i := int64(1); i <= 4; i++ {
		require.NoError(t, a.Send(ctx, "GB", amountMessage("GA", i)))
	}
	assert.Equal(t, int64(2), receive(t, hb).ReceiverInitRequest.Amount)
	assert.Equal(t, int64(4), receive(t, hb).ReceiverInitRequest.Amount)
}

func TestNetwork_leave(t *testing.T) {
	n := NewNetwork()
	a := n.Join("GA", chanHandler(make(chan msg.Message, 1)))
	n.Join("GB", chanHandler(make(chan msg.Message, 1)))
	n.Leave("GB")
	err := a.Send(context.Background(), "GB", amountMessage("GA", 1))
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func startTCP(t *testing.T, c TCPConfig) *TCP {
	t.Helper()
	c.ListenAddr = "127.0.0.1:0"
	tr := NewTCP(c)
	require.NoError(t, tr.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = tr.Close()
		<-done
	})
	return tr
}

func TestTCP_send(t *testing.T) {
	hb := chanHandler(make(chan msg.Message, 10))
	b := startTCP(t, TCPConfig{Handler: hb})
	a := startTCP(t, TCPConfig{
		Handler: chanHandler(make(chan msg.Message, 10)),
		Peers:   map[state.NodeID]string{"GB": b.Addr().String()},
	})

	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, a.Send(ctx, "GB", amountMessage("GA", i)))
	}
	for i := int64(1); i <= 3; i++ {
		m := receive(t, hb)
		assert.Equal(t, msg.TypeReceiverInitRequest, m.Type)
		assert.Equal(t, i, m.ReceiverInitRequest.Amount)
	}

	err := a.Send(ctx, "GC", amountMessage("GA", 1))
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestTCP_rateLimit(t *testing.T) {
	hb := chanHandler(make(chan msg.Message, 10))
	b := startTCP(t, TCPConfig{Handler: hb, InboundRate: 0.001, InboundBurst: 2})
	a := startTCP(t, TCPConfig{
		Handler: chanHandler(make(chan msg.Message, 10)),
		Peers:   map[state.NodeID]string{"GB": b.Addr().String()},
	})

	ctx := context.Background()
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, a.Send(ctx, "GB", amountMessage("GA", i)))
	}
	assert.Equal(t, int64(1), receive(t, hb).ReceiverInitRequest.Amount)
	assert.Equal(t, int64(2), receive(t, hb).ReceiverInitRequest.Amount)
	select {
	case m := <-hb:
		t.Fatalf("unexpected message over the limit: %d", m.ReceiverInitRequest.Amount)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestTCP_sendAfterClose(t *testing.T) {
	a := NewTCP(TCPConfig{Handler: chanHandler(make(chan msg.Message, 1))})
	require.NoError(t, a.Close())
	err := a.Send(context.Background(), "GB", amountMessage("GA", 1))
	assert.ErrorIs(t, err, ErrClosed)
}
