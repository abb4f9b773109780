package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/GEO-Project/network-client/msg"
	"github.com/GEO-Project/network-client/state"
	"golang.org/x/time/rate"
)

type TCPConfig struct {
	ListenAddr string
	// Peers maps the nodes messages are sent to onto their addresses.
	Peers   map[state.NodeID]string
	Handler Handler

	// InboundRate limits the messages accepted from one sender per second.
	// Zero means no limit.
	InboundRate  rate.Limit
	InboundBurst int

	DialTimeout time.Duration
	Logger      *slog.Logger
}

// TCP sends every message over a connection dialed to the recipient and
// reads messages from the connections peers dial to it.
type TCP struct {
	listenAddr   string
	handler      Handler
	inboundRate  rate.Limit
	inboundBurst int
	dialTimeout  time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	peers    map[state.NodeID]string
	outbound map[state.NodeID]*outboundConn
	inbound  map[net.Conn]struct{}
	limiters map[state.NodeID]*rate.Limiter
	ln       net.Listener
	closed   bool
}

var _ Transport = (*TCP)(nil)

type outboundConn struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *msg.Encoder
}

func NewTCP(c TCPConfig) *TCP {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	inboundRate := c.InboundRate
	if inboundRate <= 0 {
		inboundRate = rate.Inf
	}
	burst := c.InboundBurst
	if burst <= 0 {
		burst = 1
	}
	dialTimeout := c.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	peers := make(map[state.NodeID]string, len(c.Peers))
	for id, addr := range c.Peers {
		peers[id] = addr
	}
	return &TCP{
		listenAddr:   c.ListenAddr,
		handler:      c.Handler,
		inboundRate:  inboundRate,
		inboundBurst: burst,
		dialTimeout:  dialTimeout,
		logger:       logger.With(slog.String("component", "transport")),
		peers:        peers,
		outbound:     map[state.NodeID]*outboundConn{},
		inbound:      map[net.Conn]struct{}{},
		limiters:     map[state.NodeID]*rate.Limiter{},
	}
}

// SetPeer sets or replaces the address of a peer.
func (t *TCP) SetPeer(id state.NodeID, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[id] = addr
}

// Listen opens the listener. Serve accepts connections on it.
func (t *TCP) Listen() error {
	ln, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", t.listenAddr, err)
	}
	t.mu.Lock()
	t.ln = ln
	t.mu.Unlock()
	t.logger.Info("listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr is the address the transport listens on, nil before Listen.
func (t *TCP) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

// Serve accepts connections until ctx is done or the transport is closed.
func (t *TCP) Serve(ctx context.Context) error {
	t.mu.Lock()
	ln := t.ln
	t.mu.Unlock()
	if ln == nil {
		return errors.New("serve called before listen")
	}
	go func() {
		<-ctx.Done()
		_ = t.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("accepting incoming connection: %w", err)
		}
		t.logger.Debug("accepted connection", slog.String("remote", conn.RemoteAddr().String()))
		t.mu.Lock()
		t.inbound[conn] = struct{}{}
		t.mu.Unlock()
		go t.read(ctx, conn)
	}
}

func (t *TCP) limiter(id state.NodeID) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[id]
	if !ok {
		l = rate.NewLimiter(t.inboundRate, t.inboundBurst)
		t.limiters[id] = l
	}
	return l
}

func (t *TCP) read(ctx context.Context, conn net.Conn) {
	defer func() {
		t.mu.Lock()
		delete(t.inbound, conn)
		t.mu.Unlock()
		_ = conn.Close()
	}()
	log := t.logger.With(slog.String("remote", conn.RemoteAddr().String()))
	dec := msg.NewDecoder(conn)
	for {
		var m msg.Message
		err := dec.Decode(&m)
		if errors.Is(err, io.EOF) {
			log.Debug("connection closed by peer")
			return
		}
		if err != nil {
			log.Warn("reading message", slog.Any("error", err))
			return
		}
		if !t.limiter(m.Sender).Allow() {
			log.Warn("dropping message over rate limit",
				slog.String("sender", m.Sender.String()),
				slog.String("type", m.Type.String()),
			)
			continue
		}
		if err := t.handler.Deliver(ctx, m); err != nil {
			log.Warn("delivering message", slog.Any("error", err))
			return
		}
	}
}

func (t *TCP) dial(ctx context.Context, to state.NodeID) (*outboundConn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if c, ok := t.outbound[to]; ok {
		t.mu.Unlock()
		return c, nil
	}
	addr, ok := t.peers[to]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}

	d := net.Dialer{Timeout: t.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	t.logger.Debug("connected", slog.String("peer", to.String()), slog.String("remote", conn.RemoteAddr().String()))

	c := &outboundConn{conn: conn, enc: msg.NewEncoder(conn)}
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.outbound[to]; ok {
		_ = conn.Close()
		return existing, nil
	}
	t.outbound[to] = c
	return c, nil
}

func (t *TCP) drop(to state.NodeID, c *outboundConn) {
	t.mu.Lock()
	if t.outbound[to] == c {
		delete(t.outbound, to)
	}
	t.mu.Unlock()
	_ = c.conn.Close()
}

// Send writes m to the connection to the recipient, dialing it first if
// needed. A failed connection is dropped and redialed by the next Send.
func (t *TCP) Send(ctx context.Context, to state.NodeID, m msg.Message) error {
	c, err := t.dial(ctx, to)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	if err := c.enc.Encode(m); err != nil {
		t.drop(to, c)
		return fmt.Errorf("sending to %s: %w", to, err)
	}
	return nil
}

func (t *TCP) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ln := t.ln
	outbound := t.outbound
	t.outbound = map[state.NodeID]*outboundConn{}
	inbound := t.inbound
	t.inbound = map[net.Conn]struct{}{}
	t.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range outbound {
		_ = c.conn.Close()
	}
	for conn := range inbound {
		_ = conn.Close()
	}
	return err
}
