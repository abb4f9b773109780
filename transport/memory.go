package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/GEO-Project/network-client/msg"
	"github.com/GEO-Project/network-client/state"
)

const mailboxSize = 4096

// Filter decides whether a message reaches its recipient. It sees the
// decoded copy the recipient gets and may change it.
type Filter func(from, to state.NodeID, m *msg.Message) bool

// Network connects in-process nodes. Every message is encoded and decoded on
// the way, as it would be on a connection.
type Network struct {
	mu     sync.RWMutex
	nodes  map[state.NodeID]*mailbox
	filter Filter
}

func NewNetwork() *Network {
	return &Network{nodes: map[state.NodeID]*mailbox{}}
}

type mailbox struct {
	handler Handler
	queue   chan msg.Message
	done    chan struct{}
	once    sync.Once
}

func (b *mailbox) pump() {
	for {
		select {
		case m := <-b.queue:
			_ = b.handler.Deliver(context.Background(), m)
		case <-b.done:
			return
		}
	}
}

func (b *mailbox) close() {
	b.once.Do(func() { close(b.done) })
}

// SetFilter installs f. A nil filter delivers everything.
func (n *Network) SetFilter(f Filter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = f
}

// Join attaches a node to the network. Messages sent to id are handed to h.
func (n *Network) Join(id state.NodeID, h Handler) *Memory {
	b := &mailbox{handler: h, queue: make(chan msg.Message, mailboxSize), done: make(chan struct{})}
	n.mu.Lock()
	if old, ok := n.nodes[id]; ok {
		old.close()
	}
	n.nodes[id] = b
	n.mu.Unlock()
	go b.pump()
	return &Memory{network: n, self: id, box: b}
}

// Leave detaches a node. Messages sent to it are lost.
func (n *Network) Leave(id state.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if b, ok := n.nodes[id]; ok {
		b.close()
		delete(n.nodes, id)
	}
}

func (n *Network) route(ctx context.Context, from, to state.NodeID, m msg.Message) error {
	n.mu.RLock()
	b, ok := n.nodes[to]
	filter := n.filter
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}
	rec, err := msg.Marshal(m)
	if err != nil {
		return err
	}
	decoded, err := msg.Unmarshal(rec)
	if err != nil {
		return err
	}
	if filter != nil && !filter(from, to, &decoded) {
		return nil
	}
	select {
	case b.queue <- decoded:
		return nil
	case <-b.done:
		return fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Memory is one node's attachment to a Network.
type Memory struct {
	network *Network
	self    state.NodeID
	box     *mailbox
}

var _ Transport = (*Memory)(nil)

func (t *Memory) Send(ctx context.Context, to state.NodeID, m msg.Message) error {
	return t.network.route(ctx, t.self, to, m)
}

func (t *Memory) Close() error {
	t.network.mu.Lock()
	defer t.network.mu.Unlock()
	if b, ok := t.network.nodes[t.self]; ok && b == t.box {
		b.close()
		delete(t.network.nodes, t.self)
	}
	return nil
}
