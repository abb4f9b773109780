package trustline

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/GEO-Project/network-client/audit"
	"github.com/GEO-Project/network-client/command"
	"github.com/GEO-Project/network-client/ledger"
	"github.com/GEO-Project/network-client/msg"
	"github.com/GEO-Project/network-client/scheduler"
	"github.com/GEO-Project/network-client/state"
	"github.com/GEO-Project/network-client/store"
	"github.com/GEO-Project/network-client/transaction"
	"github.com/GEO-Project/network-client/transport"
	fuzz "github.com/google/gofuzz"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eq = state.Equivalent(1)

var testTimings = Timings{
	MessageTimeout:  200 * time.Millisecond,
	MaxAttempts:     3,
	LockRetryDelay:  50 * time.Millisecond,
	MaxLockAttempts: 20,
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type lateSender struct {
	t transport.Transport
}

func (s *lateSender) Send(ctx context.Context, to state.NodeID, m msg.Message) error {
	return s.t.Send(ctx, to, m)
}

type testNode struct {
	id       state.NodeID
	store    *store.Store
	ledger   *ledger.Ledger
	locker   *transaction.Locker
	protocol *Protocol
	sched    *scheduler.Scheduler
	outcomes chan scheduler.Outcome
}

func newTestNode(t *testing.T, net *transport.Network, name string, timings Timings) *testNode {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, "sqlite", filepath.Join(t.TempDir(), name+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	l, err := ledger.New(ctx, s)
	require.NoError(t, err)
	signer, err := audit.NewSigner(keypair.MustRandom(), s)
	require.NoError(t, err)

	node := &testNode{
		id:       signer.NodeID(),
		store:    s,
		ledger:   l,
		locker:   transaction.NewLocker(),
		outcomes: make(chan scheduler.Outcome, 64),
	}
	node.protocol = New(Config{
		Ledger:  l,
		Signer:  signer,
		Locker:  node.locker,
		Timings: timings,
		Logger:  discardLogger(),
	})
	sender := &lateSender{}
	node.sched, err = scheduler.New(scheduler.Config{
		Store:      s,
		Sender:     sender,
		Locker:     node.locker,
		OnFinished: func(o scheduler.Outcome) { node.outcomes <- o },
		Logger:     discardLogger(),
	})
	require.NoError(t, err)
	node.protocol.Register(node.sched)
	sender.t = net.Join(node.id, node.sched)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = node.sched.Run(runCtx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return node
}

func (n *testNode) key(contractor *testNode) state.LineKey {
	return state.LineKey{Contractor: contractor.id, Equivalent: eq}
}

func (n *testNode) line(t *testing.T, contractor *testNode) state.Snapshot {
	t.Helper()
	s, ok := n.ledger.Get(n.key(contractor))
	require.True(t, ok, "no line to %s", contractor.id)
	return s
}

func wait(t *testing.T, done <-chan scheduler.Outcome) scheduler.Outcome {
	t.Helper()
	select {
	case o := <-done:
		return o
	case <-time.After(10 * time.Second):
		t.Fatal("transaction did not finish")
		return scheduler.Outcome{}
	}
}

// finishedKind waits for a transaction of the kind to finish on the node.
func (n *testNode) finishedKind(t *testing.T, kind transaction.Kind) scheduler.Outcome {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case o := <-n.outcomes:
			if o.Kind == kind {
				return o
			}
		case <-deadline:
			t.Fatalf("no %s finished on %s", kind, n.id)
			return scheduler.Outcome{}
		}
	}
}

func (n *testNode) set(t *testing.T, contractor *testNode, amount int64) scheduler.Outcome {
	t.Helper()
	tx := n.protocol.NewSetSource(uuid.New(), command.SetTrustLine{
		Contractor: contractor.id,
		Equivalent: eq,
		Amount:     amount,
	})
	done, err := n.sched.Submit(context.Background(), tx)
	require.NoError(t, err)
	return wait(t, done)
}

func (n *testNode) audit(t *testing.T, contractor *testNode) scheduler.Outcome {
	t.Helper()
	done, err := n.sched.Submit(context.Background(), n.protocol.NewAuditSource(uuid.New(), n.key(contractor)))
	require.NoError(t, err)
	return wait(t, done)
}

// move commits a transfer of amount from payer to payee directly on both
// ledgers, as a finished payment leaves them.
func move(t *testing.T, payer, payee *testNode, paid, received int64) {
	t.Helper()
	ctx := context.Background()
	txID := uuid.New()
	require.NoError(t, payer.ledger.Reserve(ctx, payer.key(payee), state.Reservation{
		TransactionID: txID, PathID: 1, Amount: paid, Direction: state.DirectionOutgoing,
	}))
	require.NoError(t, payee.ledger.Reserve(ctx, payee.key(payer), state.Reservation{
		TransactionID: txID, PathID: 1, Amount: received, Direction: state.DirectionIncoming,
	}))
	_, err := payer.ledger.Commit(ctx, txID, nil)
	require.NoError(t, err)
	_, err = payee.ledger.Commit(ctx, txID, nil)
	require.NoError(t, err)
}

func pair(t *testing.T) (*transport.Network, *testNode, *testNode) {
	net := transport.NewNetwork()
	return net, newTestNode(t, net, "a", testTimings), newTestNode(t, net, "b", testTimings)
}

func TestSetSource_opensLine(t *testing.T) {
	_, a, b := pair(t)

	o := a.set(t, b, 100)
	require.True(t, o.Result.OK(), o.Result.String())
	assert.Equal(t, command.CodeOK, b.finishedKind(t, KindSetTarget).Result.Code)

	la, lb := a.line(t, b), b.line(t, a)
	assert.Equal(t, int64(100), la.IncomingAmount)
	assert.Equal(t, int64(100), lb.OutgoingAmount)
	assert.Equal(t, state.StatusActive, la.Status)
	assert.Equal(t, state.StatusActive, lb.Status)
	assert.Equal(t, uint64(1), la.AuditNumber)
	assert.Equal(t, la.AuditNumber, lb.AuditNumber)

	rec, ok, err := a.store.LatestAudit(context.Background(), a.key(b))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), rec.Snapshot.AuditNumber)
	theirs, err := audit.DecodeSignature(rec.ContractorSignature)
	require.NoError(t, err)
	data, err := audit.SnapshotData(b.id, a.id, rec.Snapshot.Mirror())
	require.NoError(t, err)
	assert.NoError(t, audit.Verify(b.id, data, theirs))
}

func TestSetSource_changeAndClose(t *testing.T) {
	_, a, b := pair(t)
	require.True(t, a.set(t, b, 100).Result.OK())
	require.True(t, a.set(t, b, 40).Result.OK())
	assert.Equal(t, int64(40), b.line(t, a).OutgoingAmount)
	assert.Equal(t, uint64(2), b.line(t, a).AuditNumber)

	require.True(t, a.set(t, b, 0).Result.OK())
	assert.Equal(t, state.StatusArchived, a.line(t, b).Status)
	assert.Equal(t, state.StatusArchived, b.line(t, a).Status)
}

func TestSetSource_limitBelowUsage(t *testing.T) {
	_, a, b := pair(t)
	require.True(t, a.set(t, b, 100).Result.OK())
	move(t, b, a, 30, 30)
	require.True(t, a.audit(t, b).Result.OK())

	o := a.set(t, b, 20)
	assert.Equal(t, command.CodeInvalidRequest, o.Result.Code)
	assert.Equal(t, int64(100), a.line(t, b).IncomingAmount)
}

func TestSetSource_invalid(t *testing.T) {
	_, a, b := pair(t)

	testCases := []struct {
		name string
		c    command.SetTrustLine
	}{
		{"self", command.SetTrustLine{Contractor: a.id, Equivalent: eq, Amount: 10}},
		{"negative", command.SetTrustLine{Contractor: b.id, Equivalent: eq, Amount: -1}},
		{"close missing line", command.SetTrustLine{Contractor: b.id, Equivalent: eq, Amount: 0}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			done, err := a.sched.Submit(context.Background(), a.protocol.NewSetSource(uuid.New(), tc.c))
			require.NoError(t, err)
			assert.Equal(t, command.CodeInvalidRequest, wait(t, done).Result.Code)
		})
	}
}

func TestSetSource_noResponse(t *testing.T) {
	net, a, b := pair(t)
	net.SetFilter(func(from, to state.NodeID, m *msg.Message) bool {
		return m.Type != msg.TypeSetTrustLineRequest
	})

	o := a.set(t, b, 100)
	assert.Equal(t, command.CodeNoResponse, o.Result.Code)
	_, ok := a.ledger.Get(a.key(b))
	assert.False(t, ok)
}

func TestSetSource_contractorBusy(t *testing.T) {
	_, a, b := pair(t)
	require.True(t, b.locker.TryLock(uuid.New(), b.key(a)))

	o := a.set(t, b, 100)
	assert.Equal(t, command.CodeBusy, o.Result.Code)
	_, ok := b.ledger.Get(b.key(a))
	assert.False(t, ok)
}

func TestAuditSource_afterPayment(t *testing.T) {
	_, a, b := pair(t)
	require.True(t, a.set(t, b, 100).Result.OK())
	move(t, b, a, 25, 25)
	assert.Equal(t, state.StatusAuditPending, a.line(t, b).Status)

	o := a.audit(t, b)
	require.True(t, o.Result.OK(), o.Result.String())
	assert.Equal(t, command.CodeOK, b.finishedKind(t, KindAuditTarget).Result.Code)

	la, lb := a.line(t, b), b.line(t, a)
	assert.Equal(t, state.StatusActive, la.Status)
	assert.Equal(t, state.StatusActive, lb.Status)
	assert.Equal(t, int64(-25), la.Balance)
	assert.Equal(t, int64(25), lb.Balance)
	assert.Equal(t, uint64(2), lb.AuditNumber)

	assert.Equal(t, "already audited", a.audit(t, b).Result.Message)
}

func TestAuditTarget_waitsForContractorCommit(t *testing.T) {
	ctx := context.Background()
	_, a, b := pair(t)
	require.True(t, a.set(t, b, 100).Result.OK())

	txID := uuid.New()
	require.NoError(t, b.ledger.Reserve(ctx, b.key(a), state.Reservation{
		TransactionID: txID, PathID: 1, Amount: 10, Direction: state.DirectionOutgoing,
	}))
	require.NoError(t, a.ledger.Reserve(ctx, a.key(b), state.Reservation{
		TransactionID: txID, PathID: 1, Amount: 10, Direction: state.DirectionIncoming,
	}))
	_, err := a.ledger.Commit(ctx, txID, nil)
	require.NoError(t, err)
	go func() {
		time.Sleep(300 * time.Millisecond)
		_, _ = b.ledger.Commit(ctx, txID, nil)
	}()

	o := a.audit(t, b)
	require.True(t, o.Result.OK(), o.Result.String())
	assert.Equal(t, state.StatusActive, b.line(t, a).Status)
	assert.Equal(t, int64(10), b.line(t, a).Balance)
}

func TestAuditSource_refused(t *testing.T) {
	testCases := []struct {
		name   string
		setup  func(t *testing.T, net *transport.Network, a, b *testNode)
		code   command.Code
		target command.Code
	}{
		{
			name: "balances disagree",
			setup: func(t *testing.T, net *transport.Network, a, b *testNode) {
				move(t, b, a, 10, 5)
			},
			code:   command.CodeProtocolError,
			target: command.CodeRejected,
		},
		{
			name: "forged signature",
			setup: func(t *testing.T, net *transport.Network, a, b *testNode) {
				move(t, b, a, 10, 10)
				net.SetFilter(func(from, to state.NodeID, m *msg.Message) bool {
					if m.AuditRequest != nil {
						m.AuditRequest.Signature.Value[0] ^= 0xff
					}
					return true
				})
			},
			code:   command.CodeProtocolError,
			target: command.CodeRejected,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			net, a, b := pair(t)
			require.True(t, a.set(t, b, 100).Result.OK())
			b.finishedKind(t, KindSetTarget)
			tc.setup(t, net, a, b)

			assert.Equal(t, tc.code, a.audit(t, b).Result.Code)
			assert.Equal(t, tc.target, b.finishedKind(t, KindAuditTarget).Result.Code)
			assert.Equal(t, state.StatusAuditPending, a.line(t, b).Status)
			assert.Equal(t, state.StatusAuditPending, b.line(t, a).Status)
		})
	}
}

func TestAuditSource_waitsForLock(t *testing.T) {
	_, a, b := pair(t)
	require.True(t, a.set(t, b, 100).Result.OK())
	move(t, b, a, 5, 5)

	holder := uuid.New()
	require.True(t, a.locker.TryLock(holder, a.key(b)))
	go func() {
		time.Sleep(200 * time.Millisecond)
		a.locker.Unlock(holder)
	}()
	o := a.audit(t, b)
	assert.True(t, o.Result.OK(), o.Result.String())
}

func TestTransactions_marshalRoundTrip(t *testing.T) {
	net := transport.NewNetwork()
	p := newTestNode(t, net, "a", testTimings).protocol
	f := fuzz.New().NilChance(0).NumElements(0, 3)
	opts := cmp.Options{cmpopts.EquateEmpty()}

	for i := 0; i < 20; i++ {
		id := uuid.New()

		ss := &SetSource{}
		f.Fuzz(&ss.d)
		got, err := roundTrip(p.decodeSetSource, id, ss)
		require.NoError(t, err)
		assert.Empty(t, cmp.Diff(ss.d, got.(*SetSource).d, opts))

		st := &SetTarget{}
		f.Fuzz(&st.d)
		got, err = roundTrip(p.decodeSetTarget, id, st)
		require.NoError(t, err)
		assert.Empty(t, cmp.Diff(st.d, got.(*SetTarget).d, opts))

		as := &AuditSource{}
		f.Fuzz(&as.d)
		got, err = roundTrip(p.decodeAuditSource, id, as)
		require.NoError(t, err)
		assert.Empty(t, cmp.Diff(as.d, got.(*AuditSource).d, opts))

		at := &AuditTarget{}
		f.Fuzz(&at.d)
		got, err = roundTrip(p.decodeAuditTarget, id, at)
		require.NoError(t, err)
		assert.Empty(t, cmp.Diff(at.d, got.(*AuditTarget).d, opts))
		assert.Equal(t, id, got.ID())
	}
}

func roundTrip(decode transaction.Decoder, id uuid.UUID, tx transaction.Transaction) (transaction.Transaction, error) {
	b, err := tx.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return decode(id, b)
}
