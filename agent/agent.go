// Package agent runs one node of the trust line network. It wires the
// ledger, the scheduler and the payment and trust line protocols together and
// exposes the commands a user makes of the node.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GEO-Project/network-client/audit"
	"github.com/GEO-Project/network-client/command"
	"github.com/GEO-Project/network-client/ledger"
	"github.com/GEO-Project/network-client/msg"
	"github.com/GEO-Project/network-client/paths"
	"github.com/GEO-Project/network-client/payment"
	"github.com/GEO-Project/network-client/scheduler"
	"github.com/GEO-Project/network-client/state"
	"github.com/GEO-Project/network-client/store"
	"github.com/GEO-Project/network-client/transaction"
	"github.com/GEO-Project/network-client/transport"
	"github.com/GEO-Project/network-client/trustline"
	"github.com/google/uuid"
	"github.com/stellar/go/keypair"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

var ErrNoTransport = errors.New("no transport")

const (
	finishedQueue = 1024

	defaultAuditRetryDelay    = 5 * time.Second
	defaultAuditSweepInterval = time.Minute
	maxAuditBackoff           = 5
)

type Config struct {
	Identity *keypair.Full
	Store    *store.Store
	Paths    paths.Finder

	// Transport may be left nil and set with SetTransport when it needs the
	// agent as its handler.
	Transport transport.Transport

	Payment   payment.Timings
	TrustLine trustline.Timings

	// RecentlyFinished is the number of finished transaction IDs the
	// scheduler remembers.
	RecentlyFinished int

	// AuditRetryDelay is the delay before a failed audit is started again.
	// It doubles with every further failure of the same line.
	AuditRetryDelay time.Duration
	// AuditSweepInterval is how often lines left pending audit are audited
	// again. Negative disables the sweep.
	AuditSweepInterval time.Duration

	Logger        *slog.Logger
	MeterProvider metric.MeterProvider

	Events chan<- Event
}

// Agent is a running node.
type Agent struct {
	self      state.NodeID
	store     *store.Store
	ledger    *ledger.Ledger
	scheduler *scheduler.Scheduler
	payment   *payment.Protocol
	trustline *trustline.Protocol
	logger    *slog.Logger

	events   chan<- Event
	finished chan scheduler.Outcome

	auditRetry time.Duration
	auditSweep time.Duration
	retries    chan state.LineKey

	// mu guards transport.
	mu        sync.RWMutex
	transport transport.Transport
}

// New builds the node from the state in the store. Transactions that were
// running when the node stopped are resumed by Run.
func New(ctx context.Context, c Config) (*Agent, error) {
	if c.Identity == nil {
		return nil, fmt.Errorf("identity is required")
	}
	if c.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	finder := c.Paths
	if finder == nil {
		finder = paths.NewStatic()
	}
	auditRetry := c.AuditRetryDelay
	if auditRetry <= 0 {
		auditRetry = defaultAuditRetryDelay
	}
	auditSweep := c.AuditSweepInterval
	if auditSweep == 0 {
		auditSweep = defaultAuditSweepInterval
	}

	l, err := ledger.New(ctx, c.Store)
	if err != nil {
		return nil, fmt.Errorf("loading trust lines: %w", err)
	}
	signer, err := audit.NewSigner(c.Identity, c.Store)
	if err != nil {
		return nil, err
	}
	a := &Agent{
		self:      signer.NodeID(),
		store:     c.Store,
		ledger:    l,
		logger:    logger.With(slog.String("component", "agent")),
		events:    c.Events,
		finished:  make(chan scheduler.Outcome, finishedQueue),
		transport: c.Transport,

		auditRetry: auditRetry,
		auditSweep: auditSweep,
		retries:    make(chan state.LineKey),
	}
	locker := transaction.NewLocker()
	a.scheduler, err = scheduler.New(scheduler.Config{
		Store:            c.Store,
		Sender:           a,
		Locker:           locker,
		RecentlyFinished: c.RecentlyFinished,
		OnFinished:       a.onFinished,
		Logger:           logger,
		MeterProvider:    c.MeterProvider,
	})
	if err != nil {
		return nil, err
	}
	a.payment = payment.New(payment.Config{
		Ledger:  l,
		History: c.Store,
		Signer:  signer,
		Locker:  locker,
		Paths:   finder,
		Timings: c.Payment,
		Logger:  logger,
	})
	a.payment.Register(a.scheduler)
	a.trustline = trustline.New(trustline.Config{
		Ledger:  l,
		Signer:  signer,
		Locker:  locker,
		Timings: c.TrustLine,
		Logger:  logger,
	})
	a.trustline.Register(a.scheduler)
	return a, nil
}

func (a *Agent) NodeID() state.NodeID {
	return a.self
}

func (a *Agent) SetTransport(t transport.Transport) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transport = t
}

// Send implements the scheduler's sender over the transport.
func (a *Agent) Send(ctx context.Context, to state.NodeID, m msg.Message) error {
	a.mu.RLock()
	t := a.transport
	a.mu.RUnlock()
	if t == nil {
		return ErrNoTransport
	}
	return t.Send(ctx, to, m)
}

// Deliver hands a message from a contractor to the node.
func (a *Agent) Deliver(ctx context.Context, m msg.Message) error {
	return a.scheduler.Deliver(ctx, m)
}

// Run resumes the transactions that were running when the node stopped,
// releases reservations no resumed transaction owns and runs the node until
// the context is done.
func (a *Agent) Run(ctx context.Context) error {
	recovered, err := a.scheduler.Recover(ctx)
	if err != nil {
		return err
	}
	live := make(map[uuid.UUID]bool, len(recovered))
	for _, id := range recovered {
		live[id] = true
	}
	orphans, err := a.ledger.ReleaseOrphans(ctx, func(id uuid.UUID) bool { return live[id] })
	if err != nil {
		return err
	}
	for _, id := range orphans {
		a.logger.Warn("released reservations of unrecovered transaction", slog.String("tx", id.String()))
	}
	a.logger.Info("node started",
		slog.String("node", a.self.String()),
		slog.Int("recovered", len(recovered)),
		slog.Int("orphans", len(orphans)),
	)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.scheduler.Run(ctx)
	})
	g.Go(func() error {
		return a.followUp(ctx)
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// onFinished is called from the scheduler loop and must not block it.
func (a *Agent) onFinished(o scheduler.Outcome) {
	select {
	case a.finished <- o:
	default:
		a.logger.Warn("dropping finished transaction, queue full", slog.String("tx", o.TransactionID.String()))
	}
}

// audits tracks the audits the node started. It is owned by followUp.
type audits struct {
	running  map[uuid.UUID]state.LineKey
	failures map[state.LineKey]int
}

func (r *audits) inFlight(key state.LineKey) bool {
	for _, k := range r.running {
		if k == key {
			return true
		}
	}
	return false
}

// followUp emits an event for every finished transaction and audits the
// lines payments changed. Lines left pending audit, by a failed audit or a
// restart, are audited again.
func (a *Agent) followUp(ctx context.Context) error {
	r := &audits{running: map[uuid.UUID]state.LineKey{}, failures: map[state.LineKey]int{}}
	a.auditPending(ctx, r)

	var sweep <-chan time.Time
	if a.auditSweep > 0 {
		t := time.NewTicker(a.auditSweep)
		defer t.Stop()
		sweep = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-a.finished:
			if key, ok := r.running[o.TransactionID]; ok {
				delete(r.running, o.TransactionID)
				a.audited(ctx, r, key, o.Result)
			}
			if o.Result.OK() {
				a.auditLines(ctx, r, o.Touched)
			}
			a.emit(ctx, o)
		case key := <-a.retries:
			a.auditLines(ctx, r, []state.LineKey{key})
		case <-sweep:
			a.auditPending(ctx, r)
		}
	}
}

// startsAudit reports whether the node starts the audits of the line. Of
// the two sides of a line the one with the lower node ID does.
func (a *Agent) startsAudit(key state.LineKey) bool {
	return a.self < key.Contractor
}

func (a *Agent) auditPending(ctx context.Context, r *audits) {
	var keys []state.LineKey
	for _, s := range a.ledger.List() {
		if s.Status == state.StatusAuditPending {
			keys = append(keys, state.LineKey{Contractor: s.Contractor, Equivalent: s.Equivalent})
		}
	}
	a.auditLines(ctx, r, keys)
}

// auditLines starts an audit of every line the node audits that has none
// running.
func (a *Agent) auditLines(ctx context.Context, r *audits, keys []state.LineKey) {
	for _, k := range keys {
		if !a.startsAudit(k) || r.inFlight(k) {
			continue
		}
		id := uuid.New()
		if _, err := a.scheduler.Submit(ctx, a.trustline.NewAuditSource(id, k)); err != nil {
			a.logger.Warn("starting audit", slog.String("line", k.String()), slog.Any("error", err))
			continue
		}
		r.running[id] = k
	}
}

// audited schedules a failed audit to run again while the line is still
// pending audit.
func (a *Agent) audited(ctx context.Context, r *audits, key state.LineKey, res command.Result) {
	if res.OK() {
		delete(r.failures, key)
		return
	}
	switch res.Code {
	case command.CodeNoResponse, command.CodeBusy, command.CodeInternalError:
	default:
		a.logger.Error("audit refused", slog.String("line", key.String()), slog.String("result", res.String()))
		return
	}
	n := r.failures[key]
	r.failures[key] = n + 1
	if n > maxAuditBackoff {
		n = maxAuditBackoff
	}
	delay := a.auditRetry << n
	a.logger.Warn("audit failed, retrying",
		slog.String("line", key.String()),
		slog.String("result", res.String()),
		slog.Duration("delay", delay),
	)
	time.AfterFunc(delay, func() {
		if s, ok := a.ledger.Get(key); !ok || s.Status != state.StatusAuditPending {
			return
		}
		select {
		case a.retries <- key:
		case <-ctx.Done():
		}
	})
}

func (a *Agent) emit(ctx context.Context, o scheduler.Outcome) {
	if a.events == nil {
		return
	}
	var e Event
	switch o.Kind {
	case payment.KindCoordinator:
		e = PaymentSentEvent{TransactionID: o.TransactionID, Result: o.Result}
	case payment.KindReceiver:
		if !o.Result.OK() {
			return
		}
		e = PaymentReceivedEvent{TransactionID: o.TransactionID, Lines: o.Touched}
	case payment.KindIntermediate:
		if !o.Result.OK() {
			return
		}
		e = PaymentRelayedEvent{TransactionID: o.TransactionID, Lines: o.Touched}
	case trustline.KindSetSource, trustline.KindSetTarget:
		e = TrustLineSetEvent{TransactionID: o.TransactionID, Result: o.Result}
	case trustline.KindAuditSource, trustline.KindAuditTarget:
		e = TrustLineAuditedEvent{TransactionID: o.TransactionID, Result: o.Result}
	default:
		return
	}
	if o.Err != nil {
		e = ErrorEvent{TransactionID: o.TransactionID, Err: o.Err}
	}
	select {
	case a.events <- e:
	case <-ctx.Done():
	}
}

// SetTrustLine sets the credit the node extends to a contractor and waits
// for the change to be audited.
func (a *Agent) SetTrustLine(ctx context.Context, c command.SetTrustLine) (command.Result, error) {
	if err := c.Validate(); err != nil {
		return command.Failf(command.CodeInvalidRequest, "%v", err), nil
	}
	return a.submit(ctx, a.trustline.NewSetSource(uuid.New(), c))
}

// Pay pays the receiver through the network and waits for the outcome.
func (a *Agent) Pay(ctx context.Context, c command.Pay) (command.Result, error) {
	if err := c.Validate(); err != nil {
		return command.Failf(command.CodeInvalidRequest, "%v", err), nil
	}
	return a.submit(ctx, a.payment.NewCoordinator(uuid.New(), c))
}

func (a *Agent) submit(ctx context.Context, tx transaction.Transaction) (command.Result, error) {
	done, err := a.scheduler.Submit(ctx, tx)
	if err != nil {
		return command.Result{}, fmt.Errorf("submitting %s: %w", tx.Kind(), err)
	}
	select {
	case o := <-done:
		return o.Result, nil
	case <-ctx.Done():
		return command.Result{}, ctx.Err()
	}
}

// TrustLines returns every trust line of the node.
func (a *Agent) TrustLines() []state.Snapshot {
	return a.ledger.List()
}

func (a *Agent) TrustLine(key state.LineKey) (state.Snapshot, bool) {
	return a.ledger.Get(key)
}

// Payments returns the most recent payments the node made or received.
func (a *Agent) Payments(ctx context.Context, limit int) ([]store.PaymentRecord, error) {
	return a.store.Payments(ctx, limit)
}
