// Package transport moves protocol messages between nodes.
//
// Delivery is at least once at best: a message may be lost, and the protocol
// retransmits on its own timeouts. Messages to one recipient arrive in the
// order they were sent.
package transport

import (
	"context"
	"errors"

	"github.com/GEO-Project/network-client/msg"
	"github.com/GEO-Project/network-client/state"
)

var (
	ErrUnknownPeer = errors.New("unknown peer")
	ErrClosed      = errors.New("transport closed")
)

// Handler receives inbound messages. The scheduler is a Handler.
type Handler interface {
	Deliver(ctx context.Context, m msg.Message) error
}

// Transport sends messages to peers.
type Transport interface {
	Send(ctx context.Context, to state.NodeID, m msg.Message) error
	Close() error
}
