// Package trustline implements the transactions that change a trust line
// outside of payments: setting the credit limit and auditing the line.
//
// A limit is set by the creditor. The debtor mirrors it and both sides then
// sign the resulting snapshot. An audit without a limit change is run after
// payments, by the side whose node ID sorts first, so that a line touched by
// a payment becomes usable again.
package trustline

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
	"github.com/GEO-Project/network-client/scheduler"
	"github.com/GEO-Project/network-client/state"
	"github.com/GEO-Project/network-client/store"
	"github.com/GEO-Project/network-client/transaction"
	"github.com/google/uuid"
)

const (
	KindSetSource   = transaction.Kind("trustline.set_source")
	KindSetTarget   = transaction.Kind("trustline.set_target")
	KindAuditSource = transaction.Kind("trustline.audit_source")
	KindAuditTarget = transaction.Kind("trustline.audit_target")
)

var (
	ErrUnexpected       = errors.New("unexpected message")
	ErrSnapshotMismatch = errors.New("snapshot does not match")
)

type Timings struct {
	// MessageTimeout is the wait for an answer to a single request.
	MessageTimeout time.Duration
	// MaxAttempts is the number of times a request is sent before the
	// contractor is considered silent.
	MaxAttempts int
	// LockRetryDelay is the wait before trying again to take a line that is
	// locked or carries reservations.
	LockRetryDelay time.Duration
	// MaxLockAttempts bounds how often a busy line is tried.
	MaxLockAttempts int
}

func DefaultTimings() Timings {
	return Timings{
		MessageTimeout:  10 * time.Second,
		MaxAttempts:     3,
		LockRetryDelay:  time.Second,
		MaxLockAttempts: 30,
	}
}

type Config struct {
	Ledger  *ledger.Ledger
	Signer  *audit.Signer
	Locker  *transaction.Locker
	Timings Timings
	Logger  *slog.Logger
}

// Protocol holds what the trust line transactions of one node share.
type Protocol struct {
	self    state.NodeID
	ledger  *ledger.Ledger
	signer  *audit.Signer
	locker  *transaction.Locker
	timings Timings
	logger  *slog.Logger
}

func New(c Config) *Protocol {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := c.Timings
	d := DefaultTimings()
	if t.MessageTimeout <= 0 {
		t.MessageTimeout = d.MessageTimeout
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = d.MaxAttempts
	}
	if t.LockRetryDelay <= 0 {
		t.LockRetryDelay = d.LockRetryDelay
	}
	if t.MaxLockAttempts <= 0 {
		t.MaxLockAttempts = d.MaxLockAttempts
	}
	return &Protocol{
		self:    c.Signer.NodeID(),
		ledger:  c.Ledger,
		signer:  c.Signer,
		locker:  c.Locker,
		timings: t,
		logger:  logger.With(slog.String("component", "trustline")),
	}
}

func (p *Protocol) Self() state.NodeID {
	return p.self
}

// Register registers the trust line transaction kinds and initiators with the
// scheduler.
func (p *Protocol) Register(s *scheduler.Scheduler) {
	s.RegisterKind(KindSetSource, p.decodeSetSource)
	s.RegisterKind(KindSetTarget, p.decodeSetTarget)
	s.RegisterKind(KindAuditSource, p.decodeAuditSource)
	s.RegisterKind(KindAuditTarget, p.decodeAuditTarget)
	s.RegisterInitiator(msg.TypeSetTrustLineRequest, p.initSetTarget)
	s.RegisterInitiator(msg.TypeAuditRequest, p.initAuditTarget)
}

func (p *Protocol) txLogger(id uuid.UUID, kind transaction.Kind) *slog.Logger {
	return p.logger.With(slog.String("tx", id.String()), slog.String("kind", string(kind)))
}

func (p *Protocol) header(t msg.Type, txID uuid.UUID, eq state.Equivalent) msg.Header {
	return msg.Header{Type: t, Sender: p.self, TransactionID: txID, Equivalent: eq}
}

// snapshot returns the audit snapshot of the line as it is in the ledger.
func (p *Protocol) snapshot(key state.LineKey) (state.AuditSnapshot, state.Snapshot, error) {
	s, ok := p.ledger.Get(key)
	if !ok {
		return state.AuditSnapshot{}, state.Snapshot{}, fmt.Errorf("%s: %w", key, ledger.ErrLineNotFound)
	}
	return state.AuditSnapshot{
		Equivalent:     key.Equivalent,
		AuditNumber:    s.AuditNumber,
		IncomingAmount: s.IncomingAmount,
		OutgoingAmount: s.OutgoingAmount,
		Balance:        s.Balance,
	}, s, nil
}

// sign signs the snapshot as the local node sees it.
func (p *Protocol) sign(ctx context.Context, contractor state.NodeID, s state.AuditSnapshot) (audit.Signature, error) {
	data, err := audit.SnapshotData(p.self, contractor, s)
	if err != nil {
		return audit.Signature{}, err
	}
	return p.signer.Sign(ctx, data)
}

// verify checks the contractor's signature over its view of own, the
// snapshot as the local node sees it.
func verify(contractor, self state.NodeID, own state.AuditSnapshot, sig audit.Signature) error {
	data, err := audit.SnapshotData(contractor, self, own.Mirror())
	if err != nil {
		return err
	}
	return audit.Verify(contractor, data, sig)
}

// applyAudit records the mutually signed snapshot.
func (p *Protocol) applyAudit(ctx context.Context, key state.LineKey, s state.AuditSnapshot, own, theirs audit.Signature) error {
	ownBytes, err := own.Encode()
	if err != nil {
		return err
	}
	theirBytes, err := theirs.Encode()
	if err != nil {
		return err
	}
	return p.ledger.ApplyAudit(ctx, store.AuditRecord{
		Key:                 key,
		Snapshot:            s,
		OwnSignature:        ownBytes,
		ContractorSignature: theirBytes,
	})
}

func lineKey(contractor state.NodeID, eq state.Equivalent) state.LineKey {
	return state.LineKey{Contractor: contractor, Equivalent: eq}
}

// reasonFor maps a failure to the reason reported to the contractor.
func reasonFor(err error) msg.Reason {
	switch {
	case errors.Is(err, audit.ErrInvalidSignature):
		return msg.ReasonInvalidSignature
	case errors.Is(err, state.ErrLineNotActive), errors.Is(err, ledger.ErrLineNotFound):
		return msg.ReasonLineNotActive
	case errors.Is(err, state.ErrPendingReservations):
		return msg.ReasonBusy
	}
	return msg.ReasonProtocol
}

// refused maps a refusal of the contractor to the result of the command.
func refused(r msg.Reason) command.Result {
	switch r {
	case msg.ReasonBusy:
		return command.Failf(command.CodeBusy, "contractor is busy")
	case msg.ReasonInvalidSignature, msg.ReasonProtocol:
		return command.Failf(command.CodeProtocolError, "contractor refused: %v", r)
	}
	return command.Failf(command.CodeRejected, "contractor refused: %v", r)
}

func fatal(err error) bool {
	return errors.Is(err, store.ErrStorage)
}

func internalError(err error) transaction.Result {
	return transaction.Error(err, command.Failf(command.CodeInternalError, "%v", err))
}

func unexpected(m msg.Message) error {
	return fmt.Errorf("%w: %v from %s", ErrUnexpected, m.Type, m.Sender)
}
