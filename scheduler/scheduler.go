// Package scheduler runs a node's transactions.
//
// A single loop owns every live transaction. It starts submitted
// transactions, routes inbound messages to the transaction awaiting them or to
// a registered initiator that starts a new one, and resumes transactions whose
// wait expired. Only the loop calls Advance, so at most one transaction runs
// at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GEO-Project/network-client/command"
	"github.com/GEO-Project/network-client/msg"
	"github.com/GEO-Project/network-client/state"
	"github.com/GEO-Project/network-client/store"
	"github.com/GEO-Project/network-client/transaction"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrAlreadyLive = errors.New("transaction already live")
	ErrStopped     = errors.New("scheduler stopped")
)

// Sender sends a message to a node.
type Sender interface {
	Send(ctx context.Context, to state.NodeID, m msg.Message) error
}

// CheckpointStore holds the checkpoints of suspended transactions.
type CheckpointStore interface {
	PutTransaction(ctx context.Context, r store.TransactionRecord) error
	DeleteTransaction(ctx context.Context, id uuid.UUID) error
	Transactions(ctx context.Context) ([]store.TransactionRecord, error)
}

// Initiator starts a transaction for an inbound message that no live
// transaction awaits. It returns nil to ignore the message.
type Initiator func(m msg.Message) (transaction.Transaction, error)

// Outcome is the terminal answer of a transaction.
type Outcome struct {
	TransactionID uuid.UUID
	Kind          transaction.Kind
	Result        command.Result
	Touched       []state.LineKey
	Err           error
}

type Config struct {
	Store  CheckpointStore
	Sender Sender
	Locker *transaction.Locker

	// RecentlyFinished is the number of finished transaction IDs remembered
	// so that retransmitted initiating messages do not start them again.
	RecentlyFinished int

	// OnFinished, if set, is called from the loop for every finished
	// transaction.
	OnFinished func(o Outcome)

	Logger        *slog.Logger
	MeterProvider metric.MeterProvider
}

type entry struct {
	tx       transaction.Transaction
	wait     transaction.ResultKind
	awaiting map[msg.Type]bool
	deadline time.Time
	timer    *time.Timer
	gen      uint64
	fired    bool

	persisted bool
	done      chan Outcome
}

type submission struct {
	tx   transaction.Transaction
	done chan Outcome
	err  chan error
}

type timerEvent struct {
	id  uuid.UUID
	gen uint64
}

type Scheduler struct {
	store      CheckpointStore
	sender     Sender
	locker     *transaction.Locker
	onFinished func(o Outcome)
	logger     *slog.Logger
	metrics    *metrics

	decoders   map[transaction.Kind]transaction.Decoder
	initiators map[msg.Type]Initiator
	responders map[msg.Type]Initiator

	submissions chan submission
	inbound     chan msg.Message
	timers      chan timerEvent
	stopped     chan struct{}

	// Fields below are owned by the loop.
	live     map[uuid.UUID]*entry
	finished *recentSet
}

func New(c Config) (*Scheduler, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mp := c.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m, err := newMetrics(mp)
	if err != nil {
		return nil, err
	}
	locker := c.Locker
	if locker == nil {
		locker = transaction.NewLocker()
	}
	recent := c.RecentlyFinished
	if recent <= 0 {
		recent = 1024
	}
	return &Scheduler{
		store:       c.Store,
		sender:      c.Sender,
		locker:      locker,
		onFinished:  c.OnFinished,
		logger:      logger.With(slog.String("component", "scheduler")),
		metrics:     m,
		decoders:    map[transaction.Kind]transaction.Decoder{},
		initiators:  map[msg.Type]Initiator{},
		responders:  map[msg.Type]Initiator{},
		submissions: make(chan submission),
		inbound:     make(chan msg.Message, 256),
		timers:      make(chan timerEvent, 64),
		stopped:     make(chan struct{}),
		live:        map[uuid.UUID]*entry{},
		finished:    newRecentSet(recent),
	}, nil
}

// Locker returns the trust line locks shared by the scheduled transactions.
func (s *Scheduler) Locker() *transaction.Locker {
	return s.locker
}

// RegisterKind registers the decoder for recovering transactions of the
// kind. Must be called before Recover.
func (s *Scheduler) RegisterKind(kind transaction.Kind, d transaction.Decoder) {
	s.decoders[kind] = d
}

// RegisterInitiator registers the function that starts a transaction for a
// message of the type. Messages for recently finished transactions are
// dropped without calling it.
func (s *Scheduler) RegisterInitiator(t msg.Type, fn Initiator) {
	s.initiators[t] = fn
}

// RegisterResponder registers a function like RegisterInitiator, except that
// it is also called for messages of recently finished transactions.
func (s *Scheduler) RegisterResponder(t msg.Type, fn Initiator) {
	s.responders[t] = fn
}

// Submit starts the transaction. The returned channel receives the
// transaction's outcome once it finishes.
func (s *Scheduler) Submit(ctx context.Context, tx transaction.Transaction) (<-chan Outcome, error) {
	sub := submission{tx: tx, done: make(chan Outcome, 1), err: make(chan error, 1)}
	select {
	case s.submissions <- sub:
	case <-s.stopped:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case err := <-sub.err:
		if err != nil {
			return nil, err
		}
		return sub.done, nil
	case <-s.stopped:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Deliver hands an inbound message to the loop.
func (s *Scheduler) Deliver(ctx context.Context, m msg.Message) error {
	select {
	case s.inbound <- m:
		return nil
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run runs the loop until the context is done.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.stopped)
	defer s.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sub := <-s.submissions:
			sub.err <- s.start(ctx, sub.tx, sub.done, nil)
		case m := <-s.inbound:
			s.route(ctx, m)
		case ev := <-s.timers:
			s.expire(ctx, ev)
		}
	}
}

func (s *Scheduler) stopTimers() {
	for _, e := range s.live {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
}

func (s *Scheduler) txLogger(tx transaction.Transaction) *slog.Logger {
	return s.logger.With(slog.String("tx", tx.ID().String()), slog.String("kind", string(tx.Kind())))
}

// start registers a new transaction and advances it once.
func (s *Scheduler) start(ctx context.Context, tx transaction.Transaction, done chan Outcome, inbox []msg.Message) error {
	if _, ok := s.live[tx.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyLive, tx.ID())
	}
	e := &entry{tx: tx, done: done}
	s.live[tx.ID()] = e
	s.metrics.started(ctx, tx.Kind())
	s.txLogger(tx).Debug("transaction started")
	s.advance(ctx, e, inbox)
	return nil
}

// route delivers an inbound message.
func (s *Scheduler) route(ctx context.Context, m msg.Message) {
	log := s.logger.With(
		slog.String("tx", m.TransactionID.String()),
		slog.String("type", m.Type.String()),
		slog.String("sender", m.Sender.String()),
	)
	if e, ok := s.live[m.TransactionID]; ok {
		if e.wait == transaction.ResultAwaitMessages && e.awaiting[m.Type] {
			s.metrics.routed(ctx, m.Type)
			s.advance(ctx, e, []msg.Message{m})
			return
		}
		log.Warn("dropping message not awaited by live transaction")
		s.metrics.dropped(ctx, m.Type, "not_awaited")
		return
	}

	fn, ok := s.responders[m.Type]
	if !ok {
		fn, ok = s.initiators[m.Type]
		if ok && s.finished.Contains(m.TransactionID) {
			log.Debug("dropping message for finished transaction")
			s.metrics.dropped(ctx, m.Type, "finished")
			return
		}
	}
	if !ok {
		log.Warn("dropping message for unknown transaction")
		s.metrics.dropped(ctx, m.Type, "unknown_transaction")
		return
	}
	tx, err := fn(m)
	if err != nil {
		log.Warn("initiating transaction", slog.Any("error", err))
		s.metrics.dropped(ctx, m.Type, "initiator_error")
		return
	}
	if tx == nil {
		s.metrics.dropped(ctx, m.Type, "ignored")
		return
	}
	s.metrics.routed(ctx, m.Type)
	if err := s.start(ctx, tx, nil, []msg.Message{m}); err != nil {
		log.Warn("starting transaction", slog.Any("error", err))
	}
}

// expire resumes a transaction whose wait elapsed.
func (s *Scheduler) expire(ctx context.Context, ev timerEvent) {
	e, ok := s.live[ev.id]
	if !ok || e.gen != ev.gen {
		return
	}
	e.fired = true
	s.advance(ctx, e, nil)
}

func (s *Scheduler) advance(ctx context.Context, e *entry, inbox []msg.Message) {
	begin := time.Now()
	r := e.tx.Advance(ctx, inbox)
	s.metrics.advanced(ctx, e.tx.Kind(), time.Since(begin))
	s.apply(ctx, e, r, true)
}

// apply carries out a result: persist, then send, then wait or finish.
func (s *Scheduler) apply(ctx context.Context, e *entry, r transaction.Result, allowPersist bool) {
	log := s.txLogger(e.tx)

	if r.Kind == transaction.ResultContinuePreviousState {
		if e.timer == nil || e.fired {
			// There is no pending wait to continue.
			err := errors.New("continuing without a pending wait")
			log.Error("invalid result", slog.Any("error", err))
			if allowPersist {
				s.apply(ctx, e, e.tx.Abort(ctx, err), false)
			} else {
				s.finish(ctx, e, transaction.Error(err, command.Result{Code: command.CodeInternalError}))
			}
			return
		}
		s.send(ctx, log, r.Outgoing)
		return
	}

	if !r.Terminal() && r.Persist && allowPersist {
		if err := s.persist(ctx, e, r); err != nil {
			log.Error("persisting transaction", slog.Any("error", err))
			s.apply(ctx, e, e.tx.Abort(ctx, err), false)
			return
		}
	}

	s.send(ctx, log, r.Outgoing)

	switch r.Kind {
	case transaction.ResultAwaitMessages:
		e.wait = r.Kind
		e.awaiting = make(map[msg.Type]bool, len(r.AwaitTypes))
		for _, t := range r.AwaitTypes {
			e.awaiting[t] = true
		}
		s.arm(e, time.Now().Add(r.Timeout))
	case transaction.ResultAwaitTimer:
		e.wait = r.Kind
		e.awaiting = nil
		s.arm(e, time.Now().Add(r.Timeout))
	case transaction.ResultDone, transaction.ResultError:
		s.finish(ctx, e, r)
	default:
		log.Error("unknown result kind, aborting", slog.Int("result", int(r.Kind)))
		if allowPersist {
			s.apply(ctx, e, e.tx.Abort(ctx, fmt.Errorf("unknown result kind %d", r.Kind)), false)
		} else {
			s.finish(ctx, e, transaction.Error(fmt.Errorf("unknown result kind %d", r.Kind), command.Result{Code: command.CodeInternalError}))
		}
	}
}

func (s *Scheduler) send(ctx context.Context, log *slog.Logger, outgoing []transaction.Outgoing) {
	for _, o := range outgoing {
		if err := s.sender.Send(ctx, o.To, o.Message); err != nil {
			// Delivery is retried by the protocol's own timeouts.
			log.Warn("sending message", slog.String("to", o.To.String()), slog.String("type", o.Message.Type.String()), slog.Any("error", err))
		}
	}
}

func (s *Scheduler) arm(e *entry, deadline time.Time) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	e.fired = false
	e.deadline = deadline
	ev := timerEvent{id: e.tx.ID(), gen: e.gen}
	e.timer = time.AfterFunc(time.Until(deadline), func() {
		select {
		case s.timers <- ev:
		case <-s.stopped:
		}
	})
}

func (s *Scheduler) persist(ctx context.Context, e *entry, r transaction.Result) error {
	data, err := e.tx.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encoding transaction: %w", err)
	}
	cp := transaction.Checkpoint{
		Kind:       e.tx.Kind(),
		Data:       data,
		Wait:       r.Kind,
		AwaitTypes: r.AwaitTypes,
		Deadline:   time.Now().Add(r.Timeout),
		Locks:      s.locker.Held(e.tx.ID()),
	}
	rec, err := cp.MarshalBinary()
	if err != nil {
		return err
	}
	err = s.store.PutTransaction(ctx, store.TransactionRecord{ID: e.tx.ID(), Kind: string(e.tx.Kind()), Record: rec})
	if err != nil {
		return err
	}
	e.persisted = true
	return nil
}

func (s *Scheduler) finish(ctx context.Context, e *entry, r transaction.Result) {
	id := e.tx.ID()
	log := s.txLogger(e.tx)
	if e.timer != nil {
		e.timer.Stop()
	}
	if e.persisted {
		if err := s.store.DeleteTransaction(ctx, id); err != nil {
			log.Error("deleting finished transaction", slog.Any("error", err))
		}
	}
	s.locker.Unlock(id)
	delete(s.live, id)
	s.finished.Add(id)

	o := Outcome{TransactionID: id, Kind: e.tx.Kind(), Result: r.Outcome, Touched: r.Touched, Err: r.Err}
	if r.Kind == transaction.ResultError {
		log.Warn("transaction failed", slog.String("result", r.Outcome.String()), slog.Any("error", r.Err))
	} else {
		log.Debug("transaction done", slog.String("result", r.Outcome.String()))
	}
	s.metrics.finished(ctx, e.tx.Kind(), r.Outcome.Code)
	if e.done != nil {
		e.done <- o
	}
	if s.onFinished != nil {
		s.onFinished(o)
	}
}

// Recover restarts every transaction suspended in the store, re-acquiring
// its locks and re-arming its wait, and returns the IDs of the recovered
// transactions. Must be called before Run.
func (s *Scheduler) Recover(ctx context.Context) ([]uuid.UUID, error) {
	records, err := s.store.Transactions(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading transactions: %w", err)
	}
	var recovered []uuid.UUID
	for _, rec := range records {
		log := s.logger.With(slog.String("tx", rec.ID.String()), slog.String("kind", rec.Kind))
		cp := transaction.Checkpoint{}
		if err := cp.UnmarshalBinary(rec.Record); err != nil {
			log.Error("decoding checkpoint, skipping", slog.Any("error", err))
			continue
		}
		decode, ok := s.decoders[cp.Kind]
		if !ok {
			log.Error("no decoder for transaction kind, skipping")
			continue
		}
		tx, err := decode(rec.ID, cp.Data)
		if err != nil {
			log.Error("decoding transaction, skipping", slog.Any("error", err))
			continue
		}
		if !s.locker.TryLock(rec.ID, cp.Locks...) {
			log.Error("recovered transaction locks held by another, skipping")
			continue
		}
		e := &entry{tx: tx, wait: cp.Wait, persisted: true}
		if cp.Wait == transaction.ResultAwaitMessages {
			e.awaiting = make(map[msg.Type]bool, len(cp.AwaitTypes))
			for _, t := range cp.AwaitTypes {
				e.awaiting[t] = true
			}
		}
		s.live[rec.ID] = e
		s.arm(e, cp.Deadline)
		s.metrics.started(ctx, tx.Kind())
		log.Info("transaction recovered", slog.String("wait", cp.Wait.String()))
		recovered = append(recovered, rec.ID)
	}
	return recovered, nil
}

// recentSet is a bounded set of transaction IDs that forgets the oldest.
type recentSet struct {
	max   int
	order []uuid.UUID
	ids   map[uuid.UUID]struct{}
}

func newRecentSet(max int) *recentSet {
	return &recentSet{max: max, ids: map[uuid.UUID]struct{}{}}
}

func (r *recentSet) Add(id uuid.UUID) {
	if _, ok := r.ids[id]; ok {
		return
	}
	r.ids[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > r.max {
		delete(r.ids, r.order[0])
		r.order = r.order[1:]
	}
}

func (r *recentSet) Contains(id uuid.UUID) bool {
	_, ok := r.ids[id]
	return ok
}
