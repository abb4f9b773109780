package agent

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GEO-Project/network-client/command"
	"github.com/GEO-Project/network-client/msg"
	"github.com/GEO-Project/network-client/paths"
	"github.com/GEO-Project/network-client/payment"
	"github.com/GEO-Project/network-client/state"
	"github.com/GEO-Project/network-client/store"
	"github.com/GEO-Project/network-client/transport"
	"github.com/GEO-Project/network-client/trustline"
	"github.com/google/uuid"
	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eq = state.Equivalent(1)

type testNode struct {
	agent    *Agent
	identity *keypair.Full
	store    *store.Store
	routes   *paths.Static
	events   chan Event
	stop     func()
}

func (n *testNode) id() state.NodeID {
	return n.agent.NodeID()
}

func (n *testNode) line(t *testing.T, contractor *testNode) state.Snapshot {
	t.Helper()
	s, ok := n.agent.TrustLine(state.LineKey{Contractor: contractor.id(), Equivalent: eq})
	require.True(t, ok)
	return s
}

type testNetwork struct {
	t     *testing.T
	net   *transport.Network
	nodes map[string]*testNode
}

func newTestNetwork(t *testing.T, names ...string) *testNetwork {
	n := &testNetwork{t: t, net: transport.NewNetwork(), nodes: map[string]*testNode{}}
	for _, name := range names {
		s, err := store.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), name+".db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		n.start(name, keypair.MustRandom(), s, paths.NewStatic())
	}
	return n
}

func (n *testNetwork) start(name string, identity *keypair.Full, s *store.Store, routes *paths.Static) *testNode {
	t := n.t
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan Event, 256)
	a, err := New(ctx, Config{
		Identity: identity,
		Store:    s,
		Paths:    routes,
		Payment: payment.Timings{
			MessageTimeout:      200 * time.Millisecond,
			MaxAttempts:         2,
			ProlongationTimeout: time.Second,
			MaxDecisionAttempts: 3,
		},
		TrustLine: trustline.Timings{
			MessageTimeout:  200 * time.Millisecond,
			MaxAttempts:     3,
			LockRetryDelay:  50 * time.Millisecond,
			MaxLockAttempts: 40,
		},
		AuditRetryDelay:    100 * time.Millisecond,
		AuditSweepInterval: -1,
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		Events:             events,
	})
	require.NoError(t, err)
	a.SetTransport(n.net.Join(a.NodeID(), a))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	var once sync.Once
	node := &testNode{
		agent:    a,
		identity: identity,
		store:    s,
		routes:   routes,
		events:   events,
		stop: func() {
			once.Do(func() {
				cancel()
				<-done
			})
		},
	}
	t.Cleanup(node.stop)
	n.nodes[name] = node
	return node
}

// restart stops the node and starts it again from its store.
func (n *testNetwork) restart(name string) *testNode {
	old := n.nodes[name]
	old.stop()
	return n.start(name, old.identity, old.store, old.routes)
}

func (n *testNetwork) node(name string) *testNode {
	return n.nodes[name]
}

// trust makes the creditor extend amount of credit to the debtor so that the
// debtor can pay the creditor.
func (n *testNetwork) trust(creditor, debtor string, amount int64) {
	t := n.t
	r, err := n.node(creditor).agent.SetTrustLine(context.Background(), command.SetTrustLine{
		Contractor: n.node(debtor).id(),
		Equivalent: eq,
		Amount:     amount,
	})
	require.NoError(t, err)
	require.True(t, r.OK(), r.String())
}

func (n *testNetwork) route(names ...string) {
	p := make(paths.Path, len(names))
	for i, name := range names {
		p[i] = n.node(name).id()
	}
	n.node(names[0]).routes.Add(p)
}

func (n *testNetwork) pay(from, to string, amount int64) command.Result {
	t := n.t
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r, err := n.node(from).agent.Pay(ctx, command.Pay{Receiver: n.node(to).id(), Equivalent: eq, Amount: amount})
	require.NoError(t, err)
	return r
}

// active waits until both sides of every line between consecutive nodes are
// active again.
func (n *testNetwork) active(names ...string) {
	t := n.t
	t.Helper()
	require.Eventually(t, func() bool {
		for i := 0; i+1 < len(names); i++ {
			a, b := n.node(names[i]), n.node(names[i+1])
			if a.line(t, b).Status != state.StatusActive || b.line(t, a).Status != state.StatusActive {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond)
}

func chain(t *testing.T) *testNetwork {
	n := newTestNetwork(t, "a", "b", "c", "d")
	n.trust("b", "a", 100)
	n.trust("c", "b", 100)
	n.trust("d", "c", 100)
	n.route("a", "b", "c", "d")
	return n
}

func TestAgent_chainPayment(t *testing.T) {
	n := chain(t)

	r := n.pay("a", "d", 30)
	require.True(t, r.OK(), r.String())
	n.active("a", "b", "c", "d")

	a, b, c, d := n.node("a"), n.node("b"), n.node("c"), n.node("d")
	assert.Equal(t, int64(30), a.line(t, b).Balance)
	assert.Equal(t, int64(-30), b.line(t, a).Balance)
	assert.Equal(t, int64(30), b.line(t, c).Balance)
	assert.Equal(t, int64(-30), c.line(t, b).Balance)
	assert.Equal(t, int64(30), c.line(t, d).Balance)
	assert.Equal(t, int64(-30), d.line(t, c).Balance)

	// Audited lines take payments again.
	r = n.pay("a", "d", 50)
	require.True(t, r.OK(), r.String())
	n.active("a", "b", "c", "d")
	assert.Equal(t, int64(80), a.line(t, b).Balance)
	assert.Equal(t, int64(-80), d.line(t, c).Balance)

	history, err := d.agent.Payments(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, store.RoleReceiver, history[0].Role)
	assert.Equal(t, a.id(), history[0].Counterparty)
}

func TestAgent_events(t *testing.T) {
	n := chain(t)
	require.True(t, n.pay("a", "d", 10).OK())

	received := func(node *testNode, match func(Event) bool) {
		t.Helper()
		deadline := time.After(5 * time.Second)
		for {
			select {
			case e := <-node.events:
				if match(e) {
					return
				}
			case <-deadline:
				t.Fatal("event not emitted")
			}
		}
	}
	received(n.node("a"), func(e Event) bool {
		sent, ok := e.(PaymentSentEvent)
		return ok && sent.Result.OK()
	})
	received(n.node("c"), func(e Event) bool {
		_, ok := e.(PaymentRelayedEvent)
		return ok
	})
	received(n.node("d"), func(e Event) bool {
		r, ok := e.(PaymentReceivedEvent)
		return ok && len(r.Lines) == 1
	})
}

func TestAgent_notEnoughFunds(t *testing.T) {
	n := chain(t)

	r := n.pay("a", "d", 150)
	assert.Equal(t, command.CodeNotEnoughFunds, r.Code)
	for _, pair := range [][2]string{{"a", "b"}, {"b", "c"}, {"c", "d"}} {
		from, to := n.node(pair[0]), n.node(pair[1])
		assert.Empty(t, from.line(t, to).Reservations)
		assert.Zero(t, from.line(t, to).Balance)
	}
}

func TestAgent_invalidCommands(t *testing.T) {
	n := newTestNetwork(t, "a")
	a := n.node("a").agent
	ctx := context.Background()

	r, err := a.Pay(ctx, command.Pay{Receiver: a.NodeID(), Equivalent: eq, Amount: 0})
	require.NoError(t, err)
	assert.Equal(t, command.CodeInvalidRequest, r.Code)

	r, err = a.SetTrustLine(ctx, command.SetTrustLine{Equivalent: eq, Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, command.CodeInvalidRequest, r.Code)
}

func TestAgent_concurrentPaymentsDoNotOverdraw(t *testing.T) {
	n := newTestNetwork(t, "a", "b")
	n.trust("b", "a", 100)
	n.route("a", "b")

	results := make([]command.Result, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = n.pay("a", "b", 60)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, r := range results {
		if r.OK() {
			ok++
		}
	}
	assert.Equal(t, 1, ok, "results: %v", results)
	assert.Equal(t, int64(60), n.node("a").line(t, n.node("b")).Balance)
	assert.Equal(t, int64(-60), n.node("b").line(t, n.node("a")).Balance)
}

func TestAgent_participantRecoversAfterRestart(t *testing.T) {
	n := newTestNetwork(t, "a", "b")
	n.trust("b", "a", 100)
	n.route("a", "b")
	b := n.node("b")
	n.net.SetFilter(func(from, to state.NodeID, m *msg.Message) bool {
		return !(to == b.id() && m.Type == msg.TypeParticipantsDecision)
	})

	r := n.pay("a", "b", 10)
	require.True(t, r.OK(), r.String())
	assert.NotEmpty(t, b.line(t, n.node("a")).Reservations)

	n.net.SetFilter(nil)
	b = n.restart("b")
	a := n.node("a")

	require.Eventually(t, func() bool {
		return b.line(t, a).Balance == -10
	}, 10*time.Second, 20*time.Millisecond)
	assert.Empty(t, b.line(t, a).Reservations)

	history, err := b.agent.Payments(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Committed)
}

func TestAgent_releasesOrphanedReservations(t *testing.T) {
	ctx := context.Background()
	n := newTestNetwork(t, "a", "b")
	n.trust("b", "a", 100)
	n.route("a", "b")
	n.active("a", "b")
	a, b := n.node("a"), n.node("b")

	// b stopped after reserving but before the transaction's checkpoint
	// was written.
	key := state.LineKey{Contractor: a.id(), Equivalent: eq}
	require.NoError(t, b.agent.ledger.Reserve(ctx, key, state.Reservation{
		TransactionID: uuid.New(),
		PathID:        1,
		Amount:        40,
		Direction:     state.DirectionIncoming,
	}))
	b = n.restart("b")

	require.Eventually(t, func() bool {
		return len(b.line(t, a).Reservations) == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int64(100), b.agent.ledger.Available(key, state.DirectionIncoming))

	r := n.pay("a", "b", 100)
	require.True(t, r.OK(), r.String())
	assert.Equal(t, int64(-100), b.line(t, a).Balance)
}

func TestAgent_auditRetriedAfterFailure(t *testing.T) {
	n := newTestNetwork(t, "a", "b")
	n.trust("b", "a", 100)
	n.route("a", "b")
	n.active("a", "b")
	auditor := n.node("a")
	if n.node("b").id() < auditor.id() {
		auditor = n.node("b")
	}

	var blocked atomic.Bool
	blocked.Store(true)
	n.net.SetFilter(func(from, to state.NodeID, m *msg.Message) bool {
		return !(blocked.Load() && m.Type == msg.TypeAuditRequest)
	})

	r := n.pay("a", "b", 10)
	require.True(t, r.OK(), r.String())

	deadline := time.After(5 * time.Second)
	for failed := false; !failed; {
		select {
		case e := <-auditor.events:
			audited, ok := e.(TrustLineAuditedEvent)
			failed = ok && audited.Result.Code == command.CodeNoResponse
		case <-deadline:
			t.Fatal("audit did not fail")
		}
	}
	assert.Equal(t, state.StatusAuditPending, n.node("a").line(t, n.node("b")).Status)

	blocked.Store(false)
	n.active("a", "b")
	assert.Equal(t, int64(10), n.node("a").line(t, n.node("b")).Balance)
}
