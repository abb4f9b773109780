// Package payment implements the multi-hop payment protocol.
//
// A payment is made by three roles, each a transaction. The coordinator pays
// and drives the protocol. Intermediate nodes relay along a path. The
// receiver is the last node of every path. The coordinator reserves capacity
// hop by hop along one or more paths, fixes the final amount of every path,
// collects a signed vote from every participant and then tells every
// participant to commit or to roll back.
//
// A participant that does not hear the decision asks the coordinator. If the
// coordinator's transaction has finished, the coordinator answers from its
// payment history.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GEO-Project/network-client/audit"
	"github.com/GEO-Project/network-client/command"
	"github.com/GEO-Project/network-client/ledger"
	"github.com/GEO-Project/network-client/msg"
	"github.com/GEO-Project/network-client/paths"
	"github.com/GEO-Project/network-client/scheduler"
	"github.com/GEO-Project/network-client/state"
	"github.com/GEO-Project/network-client/store"
	"github.com/GEO-Project/network-client/transaction"
	"github.com/google/uuid"
)

const (
	KindCoordinator  = transaction.Kind("payment.coordinator")
	KindIntermediate = transaction.Kind("payment.intermediate")
	KindReceiver     = transaction.Kind("payment.receiver")
	KindDecision     = transaction.Kind("payment.decision")
)

var (
	ErrNotEnoughFunds = errors.New("not enough funds")
	ErrUnexpected     = errors.New("unexpected message")
)

// Timings bound every wait of the protocol.
type Timings struct {
	// MessageTimeout is the wait for an answer to a single request.
	MessageTimeout time.Duration
	// MaxAttempts is the number of times a request is sent before its
	// recipient is considered silent.
	MaxAttempts int
	// ProlongationTimeout is how long a participant holds a reservation
	// before asking the coordinator whether the payment is still alive.
	ProlongationTimeout time.Duration
	// MaxDecisionAttempts is the number of times a participant that voted
	// asks a silent coordinator for the decision before giving up.
	MaxDecisionAttempts int
}

func DefaultTimings() Timings {
	return Timings{
		MessageTimeout:      10 * time.Second,
		MaxAttempts:         3,
		ProlongationTimeout: 60 * time.Second,
		MaxDecisionAttempts: 5,
	}
}

// HistoryStore looks up payment history.
type HistoryStore interface {
	Payment(ctx context.Context, id uuid.UUID) (store.PaymentRecord, bool, error)
}

type Config struct {
	Ledger  *ledger.Ledger
	History HistoryStore
	Signer  *audit.Signer
	Locker  *transaction.Locker
	Paths   paths.Finder
	Timings Timings
	Logger  *slog.Logger
	Now     func() time.Time
}

// Protocol holds what the payment transactions of one node share.
type Protocol struct {
	self    state.NodeID
	ledger  *ledger.Ledger
	history HistoryStore
	signer  *audit.Signer
	locker  *transaction.Locker
	paths   paths.Finder
	timings Timings
	logger  *slog.Logger
	now     func() time.Time
}

func New(c Config) *Protocol {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := c.Now
	if now == nil {
		now = time.Now
	}
	t := c.Timings
	d := DefaultTimings()
	if t.MessageTimeout <= 0 {
		t.MessageTimeout = d.MessageTimeout
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = d.MaxAttempts
	}
	if t.ProlongationTimeout <= 0 {
		t.ProlongationTimeout = d.ProlongationTimeout
	}
	if t.MaxDecisionAttempts <= 0 {
		t.MaxDecisionAttempts = d.MaxDecisionAttempts
	}
	return &Protocol{
		self:    c.Signer.NodeID(),
		ledger:  c.Ledger,
		history: c.History,
		signer:  c.Signer,
		locker:  c.Locker,
		paths:   c.Paths,
		timings: t,
		logger:  logger.With(slog.String("component", "payment")),
		now:     now,
	}
}

func (p *Protocol) Self() state.NodeID {
	return p.self
}

// Register registers the payment transaction kinds and initiators with the
// scheduler.
func (p *Protocol) Register(s *scheduler.Scheduler) {
	s.RegisterKind(KindCoordinator, p.decodeCoordinator)
	s.RegisterKind(KindIntermediate, p.decodeParticipant)
	s.RegisterKind(KindReceiver, p.decodeParticipant)
	s.RegisterInitiator(msg.TypeReceiverInitRequest, p.initReceiver)
	s.RegisterInitiator(msg.TypeIntermediateReservationRequest, p.initIntermediate)
	s.RegisterResponder(msg.TypeProlongationRequest, p.initDecision)
}

func (p *Protocol) txLogger(id uuid.UUID, kind transaction.Kind) *slog.Logger {
	return p.logger.With(slog.String("tx", id.String()), slog.String("kind", string(kind)))
}

func (p *Protocol) header(t msg.Type, txID uuid.UUID, eq state.Equivalent) msg.Header {
	return msg.Header{Type: t, Sender: p.self, TransactionID: txID, Equivalent: eq}
}

func lineKey(contractor state.NodeID, eq state.Equivalent) state.LineKey {
	return state.LineKey{Contractor: contractor, Equivalent: eq}
}

// reasonFor maps a reservation failure to the reason reported to the peer.
func reasonFor(err error) msg.Reason {
	switch {
	case errors.Is(err, state.ErrInsufficientCapacity):
		return msg.ReasonInsufficientCapacity
	case errors.Is(err, state.ErrLineNotActive), errors.Is(err, ledger.ErrLineNotFound):
		return msg.ReasonLineNotActive
	case errors.Is(err, state.ErrReservationExists):
		return msg.ReasonProtocol
	}
	return msg.ReasonProtocol
}

// fatal reports whether err means the transaction cannot go on.
func fatal(err error) bool {
	return errors.Is(err, store.ErrStorage)
}

func internalError(err error) transaction.Result {
	return transaction.Error(err, command.Failf(command.CodeInternalError, "%v", err))
}

func unexpected(m msg.Message) error {
	return fmt.Errorf("%w: %v from %s", ErrUnexpected, m.Type, m.Sender)
}
