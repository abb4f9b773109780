package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/GEO-Project/network-client/command"
	"github.com/GEO-Project/network-client/msg"
	"github.com/GEO-Project/network-client/state"
	"github.com/GEO-Project/network-client/store"
	"github.com/GEO-Project/network-client/transaction"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// events records the order of sends and writes across fakes.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, s)
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type memStore struct {
	mu      sync.Mutex
	events  *events
	records map[uuid.UUID]store.TransactionRecord
	failPut error
}

func newMemStore(ev *events) *memStore {
	return &memStore{events: ev, records: map[uuid.UUID]store.TransactionRecord{}}
}

func (s *memStore) PutTransaction(_ context.Context, r store.TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut != nil {
		return s.failPut
	}
	s.events.add("put")
	s.records[r.ID] = r
	return nil
}

func (s *memStore) DeleteTransaction(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events.add("delete")
	delete(s.records, id)
	return nil
}

func (s *memStore) Transactions(context.Context) ([]store.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.TransactionRecord
	for _, r := range s.records {
		out = append(out, r)
	}
	return out, nil
}

func (s *memStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type memSender struct {
	events *events
	mu     sync.Mutex
	sent   []msg.Message
}

func (s *memSender) Send(_ context.Context, to state.NodeID, m msg.Message) error {
	s.events.add("send " + to.String())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, m)
	return nil
}

// scriptTx runs step on every advance.
type scriptTx struct {
	id      uuid.UUID
	step    func(n int, inbox []msg.Message) transaction.Result
	calls   int
	inboxes [][]msg.Message
	aborted error
}

func (t *scriptTx) ID() uuid.UUID { return t.id }

func (t *scriptTx) Kind() transaction.Kind { return "test.script" }

func (t *scriptTx) MarshalBinary() ([]byte, error) { return []byte{byte(t.calls)}, nil }

func (t *scriptTx) Advance(_ context.Context, inbox []msg.Message) transaction.Result {
	t.calls++
	t.inboxes = append(t.inboxes, inbox)
	return t.step(t.calls, inbox)
}

func (t *scriptTx) Abort(_ context.Context, cause error) transaction.Result {
	t.aborted = cause
	return transaction.Error(cause, command.Result{Code: command.CodeInternalError})
}

func vote(id uuid.UUID) msg.Message {
	return msg.Message{
		Header:          msg.Header{Type: msg.TypeParticipantVote, Sender: "GB", TransactionID: id},
		ParticipantVote: &msg.ParticipantVote{Accepted: true},
	}
}

func decision(id uuid.UUID) msg.Message {
	return msg.Message{
		Header:               msg.Header{Type: msg.TypeParticipantsDecision, Sender: "GA", TransactionID: id},
		ParticipantsDecision: &msg.ParticipantsDecision{Commit: true},
	}
}

type harness struct {
	s      *Scheduler
	store  *memStore
	sender *memSender
	events *events
	reader *sdkmetric.ManualReader

	mu       sync.Mutex
	finished []Outcome
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ev := &events{}
	h := &harness{
		store:  newMemStore(ev),
		sender: &memSender{events: ev},
		events: ev,
		reader: sdkmetric.NewManualReader(),
	}
	s, err := New(Config{
		Store:         h.store,
		Sender:        h.sender,
		MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(h.reader)),
		OnFinished: func(o Outcome) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.finished = append(h.finished, o)
		},
	})
	require.NoError(t, err)
	h.s = s
	return h
}

func (h *harness) run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) sum(t *testing.T, name string) int64 {
	t.Helper()
	rm := metricdata.ResourceMetrics{}
	require.NoError(t, h.reader.Collect(context.Background(), &rm))
	total := int64(0)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if s, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range s.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func wait(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outcome")
	}
	return Outcome{}
}

func TestScheduler_doneImmediately(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	tx := &scriptTx{id: uuid.New(), step: func(int, []msg.Message) transaction.Result {
		return transaction.Done(command.OK("paid"))
	}}
	ch, err := h.s.Submit(context.Background(), tx)
	require.NoError(t, err)
	o := wait(t, ch)
	assert.Equal(t, command.OK("paid"), o.Result)
	assert.Equal(t, tx.id, o.TransactionID)
	assert.Equal(t, int64(1), h.sum(t, "trustnode.transactions.finished"))
	assert.Equal(t, int64(0), h.sum(t, "trustnode.transactions.live"))
}

func TestScheduler_awaitAndDeliver(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	id := uuid.New()
	tx := &scriptTx{id: id, step: func(n int, inbox []msg.Message) transaction.Result {
		if n == 1 {
			return transaction.AwaitMessages(time.Minute, msg.TypeParticipantVote)
		}
		if len(inbox) == 1 && inbox[0].Type == msg.TypeParticipantVote {
			return transaction.Done(command.OK(""))
		}
		return transaction.Done(command.Result{Code: command.CodeProtocolError})
	}}
	ch, err := h.s.Submit(context.Background(), tx)
	require.NoError(t, err)

	// Not awaited, dropped.
	require.NoError(t, h.s.Deliver(context.Background(), decision(id)))
	require.NoError(t, h.s.Deliver(context.Background(), vote(id)))
	o := wait(t, ch)
	assert.Equal(t, command.CodeOK, o.Result.Code)
	assert.Equal(t, 2, tx.calls)
	assert.Equal(t, int64(1), h.sum(t, "trustnode.messages.dropped"))
	assert.Equal(t, int64(1), h.sum(t, "trustnode.messages.routed"))
}

func TestScheduler_timeout(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	tx := &scriptTx{id: uuid.New(), step: func(n int, inbox []msg.Message) transaction.Result {
		switch {
		case n == 1:
			return transaction.AwaitMessages(10*time.Millisecond, msg.TypeParticipantVote)
		case n == 2 && len(inbox) == 0:
			return transaction.AwaitTimer(10 * time.Millisecond)
		case n == 3 && len(inbox) == 0:
			return transaction.Done(command.Result{Code: command.CodeNoResponse})
		}
		return transaction.Done(command.Result{Code: command.CodeProtocolError})
	}}
	ch, err := h.s.Submit(context.Background(), tx)
	require.NoError(t, err)
	o := wait(t, ch)
	assert.Equal(t, command.CodeNoResponse, o.Result.Code)
	assert.Equal(t, 3, tx.calls)
}

func TestScheduler_continuePreviousStateKeepsDeadline(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	id := uuid.New()
	tx := &scriptTx{id: id, step: func(n int, inbox []msg.Message) transaction.Result {
		if n == 1 {
			return transaction.AwaitMessages(300*time.Millisecond, msg.TypeParticipantVote)
		}
		if len(inbox) > 0 {
			return transaction.ContinuePreviousState()
		}
		return transaction.Done(command.Result{Code: command.CodeNoResponse})
	}}
	begin := time.Now()
	ch, err := h.s.Submit(context.Background(), tx)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.s.Deliver(context.Background(), vote(id)))
	}
	o := wait(t, ch)
	assert.Equal(t, command.CodeNoResponse, o.Result.Code)
	assert.Equal(t, 5, tx.calls)
	assert.Less(t, time.Since(begin), 3*time.Second)
}

func TestScheduler_persistBeforeSend(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	id := uuid.New()
	tx := &scriptTx{id: id, step: func(n int, _ []msg.Message) transaction.Result {
		if n == 1 {
			return transaction.AwaitMessages(time.Minute, msg.TypeParticipantsDecision).
				Send("GA", vote(id)).
				Persisted()
		}
		return transaction.Done(command.OK(""))
	}}
	ch, err := h.s.Submit(context.Background(), tx)
	require.NoError(t, err)
	require.NoError(t, h.s.Deliver(context.Background(), decision(id)))
	wait(t, ch)
	assert.Equal(t, []string{"put", "send GA", "delete"}, h.events.all())
	assert.Equal(t, 0, h.store.len())
}

func TestScheduler_persistFailureAborts(t *testing.T) {
	h := newHarness(t)
	h.store.failPut = errors.New("disk full")
	h.run(t)
	id := uuid.New()
	tx := &scriptTx{id: id, step: func(int, []msg.Message) transaction.Result {
		return transaction.AwaitMessages(time.Minute, msg.TypeParticipantsDecision).Send("GA", vote(id)).Persisted()
	}}
	ch, err := h.s.Submit(context.Background(), tx)
	require.NoError(t, err)
	o := wait(t, ch)
	assert.Equal(t, command.CodeInternalError, o.Result.Code)
	assert.ErrorIs(t, tx.aborted, h.store.failPut)
	assert.Empty(t, h.events.all(), "nothing sent after a failed persist")
}

func TestScheduler_locksReleasedOnFinish(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	key := state.LineKey{Contractor: "GB", Equivalent: 1}
	id := uuid.New()
	tx := &scriptTx{id: id, step: func(int, []msg.Message) transaction.Result {
		if !h.s.Locker().TryLock(id, key) {
			return transaction.Done(command.Result{Code: command.CodeBusy})
		}
		return transaction.Done(command.OK(""))
	}}
	ch, err := h.s.Submit(context.Background(), tx)
	require.NoError(t, err)
	assert.True(t, wait(t, ch).Result.OK())
	_, held := h.s.Locker().Owner(key)
	assert.False(t, held)
}

func TestScheduler_initiatorsAndResponders(t *testing.T) {
	h := newHarness(t)
	started := make(chan uuid.UUID, 4)
	h.s.RegisterInitiator(msg.TypeParticipantsDecision, func(m msg.Message) (transaction.Transaction, error) {
		started <- m.TransactionID
		return &scriptTx{id: m.TransactionID, step: func(int, []msg.Message) transaction.Result {
			return transaction.Done(command.OK(""))
		}}, nil
	})
	responded := make(chan uuid.UUID, 4)
	h.s.RegisterResponder(msg.TypeProlongationRequest, func(m msg.Message) (transaction.Transaction, error) {
		responded <- m.TransactionID
		return &scriptTx{id: m.TransactionID, step: func(int, []msg.Message) transaction.Result {
			return transaction.Done(command.OK(""))
		}}, nil
	})
	h.run(t)

	id := uuid.New()
	require.NoError(t, h.s.Deliver(context.Background(), decision(id)))
	assert.Equal(t, id, <-started)

	// A retransmission of the initiating message is dropped.
	require.NoError(t, h.s.Deliver(context.Background(), decision(id)))
	// Responders still answer for the finished transaction.
	prolong := msg.Message{
		Header:              msg.Header{Type: msg.TypeProlongationRequest, Sender: "GB", TransactionID: id},
		ProlongationRequest: &msg.ProlongationRequest{},
	}
	require.NoError(t, h.s.Deliver(context.Background(), prolong))
	assert.Equal(t, id, <-responded)
	assert.Empty(t, started)

	// Unknown and unregistered.
	require.NoError(t, h.s.Deliver(context.Background(), vote(uuid.New())))
	require.Eventually(t, func() bool {
		return h.sum(t, "trustnode.messages.dropped") == 2
	}, 5*time.Second, 5*time.Millisecond)
}

func TestScheduler_submitDuplicate(t *testing.T) {
	h := newHarness(t)
	h.run(t)
	id := uuid.New()
	step := func(int, []msg.Message) transaction.Result {
		return transaction.AwaitMessages(time.Minute, msg.TypeParticipantVote)
	}
	_, err := h.s.Submit(context.Background(), &scriptTx{id: id, step: step})
	require.NoError(t, err)
	_, err = h.s.Submit(context.Background(), &scriptTx{id: id, step: step})
	assert.ErrorIs(t, err, ErrAlreadyLive)
}

func TestScheduler_recover(t *testing.T) {
	ev := &events{}
	st := newMemStore(ev)
	key := state.LineKey{Contractor: "GB", Equivalent: 1}
	id := uuid.New()

	// A first scheduler suspends the transaction with a lock held.
	{
		s, err := New(Config{Store: st, Sender: &memSender{events: ev}})
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = s.Run(ctx)
		}()
		tx := &scriptTx{id: id, step: func(int, []msg.Message) transaction.Result {
			require.True(t, s.Locker().TryLock(id, key))
			return transaction.AwaitMessages(time.Minute, msg.TypeParticipantsDecision).Persisted()
		}}
		_, err = s.Submit(context.Background(), tx)
		require.NoError(t, err)
		cancel()
		<-done
	}
	require.Equal(t, 1, st.len())

	// A second scheduler recovers it.
	var recovered *scriptTx
	locker := transaction.NewLocker()
	finished := make(chan Outcome, 1)
	s, err := New(Config{Store: st, Sender: &memSender{events: ev}, Locker: locker, OnFinished: func(o Outcome) { finished <- o }})
	require.NoError(t, err)
	s.RegisterKind("test.script", func(rid uuid.UUID, data []byte) (transaction.Transaction, error) {
		assert.Equal(t, []byte{1}, data)
		recovered = &scriptTx{id: rid, calls: int(data[0]), step: func(n int, inbox []msg.Message) transaction.Result {
			if n == 2 && len(inbox) == 1 {
				return transaction.Done(command.OK("resumed"))
			}
			return transaction.Done(command.Result{Code: command.CodeProtocolError})
		}}
		return recovered, nil
	})
	ids, err := s.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{id}, ids)
	owner, ok := locker.Owner(key)
	assert.True(t, ok)
	assert.Equal(t, id, owner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()
	require.NoError(t, s.Deliver(context.Background(), decision(id)))
	o := wait(t, finished)
	assert.Equal(t, command.OK("resumed"), o.Result)
	_, ok = locker.Owner(key)
	assert.False(t, ok)
	assert.Equal(t, 0, st.len())
}

func TestRecentSet(t *testing.T) {
	r := newRecentSet(2)
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	r.Add(a)
	r.Add(b)
	r.Add(a)
	assert.True(t, r.Contains(a))
	r.Add(c)
	assert.False(t, r.Contains(a))
	assert.True(t, r.Contains(b))
	assert.True(t, r.Contains(c))
}
