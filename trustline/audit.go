package trustline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/GEO-Project/network-client/audit"
	"github.com/GEO-Project/network-client/command"
	"github.com/GEO-Project/network-client/msg"
	"github.com/GEO-Project/network-client/state"
	"github.com/GEO-Project/network-client/transaction"
	"github.com/davecgh/go-xdr/xdr"
	"github.com/google/uuid"
)

// sourceAudit is the side of an audit exchange that signs first.
type sourceAudit struct {
	Snapshot  state.AuditSnapshot
	Signature audit.Signature
	Attempts  uint32
}

// auditRequest signs the line as it is now and returns the request to send.
func (p *Protocol) auditRequest(ctx context.Context, txID uuid.UUID, key state.LineKey, a *sourceAudit) (msg.Message, error) {
	own, _, err := p.snapshot(key)
	if err != nil {
		return msg.Message{}, err
	}
	sig, err := p.sign(ctx, key.Contractor, own)
	if err != nil {
		return msg.Message{}, err
	}
	a.Snapshot, a.Signature, a.Attempts = own, sig, 1
	return p.auditMessage(txID, key, a), nil
}

func (p *Protocol) auditMessage(txID uuid.UUID, key state.LineKey, a *sourceAudit) msg.Message {
	m := msg.Message{Header: p.header(msg.TypeAuditRequest, txID, key.Equivalent)}
	m.AuditRequest = &msg.AuditRequest{Snapshot: a.Snapshot, Signature: a.Signature}
	return m
}

func (p *Protocol) awaitAuditResponse() transaction.Result {
	return transaction.AwaitMessages(p.timings.MessageTimeout, msg.TypeAuditResponse)
}

// auditResponse completes the signing side of an exchange.
func (p *Protocol) auditResponse(ctx context.Context, log *slog.Logger, key state.LineKey, a *sourceAudit, r *msg.AuditResponse) transaction.Result {
	if !r.Accepted {
		log.Warn("audit refused", slog.String("reason", r.Reason.String()))
		return transaction.Done(refused(r.Reason))
	}
	if err := verify(key.Contractor, p.self, a.Snapshot, r.Signature); err != nil {
		log.Warn("audit signature rejected", slog.Any("error", err))
		return transaction.Done(command.Failf(command.CodeProtocolError, "%v", err))
	}
	if err := p.applyAudit(ctx, key, a.Snapshot, a.Signature, r.Signature); err != nil {
		if fatal(err) {
			return internalError(err)
		}
		log.Error("applying audit", slog.Any("error", err))
		return transaction.Done(command.Failf(command.CodeProtocolError, "%v", err))
	}
	log.Debug("trust line audited", slog.Uint64("audit", a.Snapshot.AuditNumber))
	return transaction.Done(command.OK(fmt.Sprintf("audit %d", a.Snapshot.AuditNumber)))
}

// auditTimeout sends the request again or gives up.
func (p *Protocol) auditTimeout(txID uuid.UUID, key state.LineKey, a *sourceAudit) transaction.Result {
	if int(a.Attempts) >= p.timings.MaxAttempts {
		return transaction.Done(command.Failf(command.CodeNoResponse, "%s did not answer the audit", key.Contractor))
	}
	a.Attempts++
	return p.awaitAuditResponse().Send(key.Contractor, p.auditMessage(txID, key, a))
}

// targetAudit is the side of an audit exchange that verifies first.
type targetAudit struct {
	Request  msg.AuditRequest
	Answered bool
	Response msg.AuditResponse
}

// answer serves the request for a line the transaction holds. The line is
// audited only if both views of it agree.
func (p *Protocol) answer(ctx context.Context, log *slog.Logger, key state.LineKey, a *targetAudit) error {
	a.Answered = true
	own, snap, err := p.snapshot(key)
	if err == nil && len(snap.Reservations) > 0 {
		err = fmt.Errorf("%s: %w", key, state.ErrPendingReservations)
	}
	if err == nil && own.Mirror() != a.Request.Snapshot {
		err = fmt.Errorf("audit %d of %s, local audit %d: %w",
			a.Request.Snapshot.AuditNumber, key, own.AuditNumber, ErrSnapshotMismatch)
	}
	if err == nil {
		err = verify(key.Contractor, p.self, own, a.Request.Signature)
	}
	var sig audit.Signature
	if err == nil {
		sig, err = p.sign(ctx, key.Contractor, own)
	}
	if err == nil {
		err = p.applyAudit(ctx, key, own, sig, a.Request.Signature)
	}
	if err != nil {
		if fatal(err) {
			return err
		}
		log.Warn("refusing audit", slog.Any("error", err))
		a.Response = msg.AuditResponse{Reason: reasonFor(err)}
		return nil
	}
	log.Debug("trust line audited", slog.Uint64("audit", own.AuditNumber))
	a.Response = msg.AuditResponse{Accepted: true, Signature: sig}
	return nil
}

func (p *Protocol) answerMessage(txID uuid.UUID, key state.LineKey, a *targetAudit) msg.Message {
	m := msg.Message{Header: p.header(msg.TypeAuditResponse, txID, key.Equivalent)}
	r := a.Response
	m.AuditResponse = &r
	return m
}

func (a *targetAudit) outcome() command.Result {
	if a.Response.Accepted {
		return command.OK(fmt.Sprintf("audit %d", a.Request.Snapshot.AuditNumber))
	}
	return command.Failf(command.CodeRejected, "audit refused: %v", a.Response.Reason)
}

const (
	auditSourceStart uint32 = iota
	auditSourceWaitLine
	auditSourceAwaitResponse
)

type auditSourceData struct {
	Stage        uint32
	Contractor   state.NodeID
	Equivalent   state.Equivalent
	LockAttempts uint32
	Audit        sourceAudit
}

// AuditSource audits a line whose limits or balance changed. It waits while
// the line is locked or carries reservations.
type AuditSource struct {
	p   *Protocol
	id  uuid.UUID
	log *slog.Logger
	d   auditSourceData
}

func (p *Protocol) NewAuditSource(id uuid.UUID, key state.LineKey) *AuditSource {
	return &AuditSource{
		p:   p,
		id:  id,
		log: p.txLogger(id, KindAuditSource).With(slog.String("line", key.String())),
		d:   auditSourceData{Contractor: key.Contractor, Equivalent: key.Equivalent},
	}
}

func (p *Protocol) decodeAuditSource(id uuid.UUID, data []byte) (transaction.Transaction, error) {
	t := &AuditSource{p: p, id: id}
	if _, err := xdr.Unmarshal(data, &t.d); err != nil {
		return nil, fmt.Errorf("decoding audit source: %w", err)
	}
	t.log = p.txLogger(id, KindAuditSource).With(slog.String("line", t.key().String()))
	return t, nil
}

func (t *AuditSource) ID() uuid.UUID {
	return t.id
}

func (t *AuditSource) Kind() transaction.Kind {
	return KindAuditSource
}

func (t *AuditSource) MarshalBinary() ([]byte, error) {
	return xdr.Marshal(t.d)
}

func (t *AuditSource) key() state.LineKey {
	return lineKey(t.d.Contractor, t.d.Equivalent)
}

func (t *AuditSource) Advance(ctx context.Context, inbox []msg.Message) transaction.Result {
	switch t.d.Stage {
	case auditSourceStart, auditSourceWaitLine:
		return t.try(ctx)
	case auditSourceAwaitResponse:
		if len(inbox) == 0 {
			return t.p.auditTimeout(t.id, t.key(), &t.d.Audit)
		}
		m := inbox[0]
		if m.Sender != t.d.Contractor || m.AuditResponse == nil {
			t.log.Warn("ignoring message", slog.Any("error", unexpected(m)))
			return transaction.ContinuePreviousState()
		}
		return t.p.auditResponse(ctx, t.log, t.key(), &t.d.Audit, m.AuditResponse)
	}
	return internalError(fmt.Errorf("audit source in unknown stage %d", t.d.Stage))
}

func (t *AuditSource) try(ctx context.Context) transaction.Result {
	key := t.key()
	_, snap, err := t.p.snapshot(key)
	if err != nil {
		return transaction.Done(command.Failf(command.CodeInvalidRequest, "%v", err))
	}
	if snap.Status == state.StatusActive || snap.Status == state.StatusArchived {
		return transaction.Done(command.OK("already audited"))
	}
	if len(snap.Reservations) > 0 || !t.p.locker.TryLock(t.id, key) {
		t.p.locker.Unlock(t.id)
		if int(t.d.LockAttempts) >= t.p.timings.MaxLockAttempts {
			return transaction.Done(command.Failf(command.CodeBusy, "%s is in use", key))
		}
		t.d.LockAttempts++
		t.d.Stage = auditSourceWaitLine
		return transaction.AwaitTimer(t.p.timings.LockRetryDelay)
	}
	m, err := t.p.auditRequest(ctx, t.id, key, &t.d.Audit)
	if err != nil {
		return internalError(err)
	}
	t.d.Stage = auditSourceAwaitResponse
	return t.p.awaitAuditResponse().Persisted().Send(key.Contractor, m)
}

func (t *AuditSource) Abort(_ context.Context, cause error) transaction.Result {
	return internalError(cause)
}

const (
	auditTargetStart uint32 = iota
	auditTargetWaitLine
	auditTargetAnswered
)

type auditTargetData struct {
	Stage      uint32
	Contractor state.NodeID
	Equivalent state.Equivalent
	Attempts   uint32
	Audit      targetAudit
}

// AuditTarget answers an audit request. It waits for the line while a
// payment holds it or has not yet committed on this side, and stays for a
// while after answering to repeat the answer to a retransmitted request.
type AuditTarget struct {
	p   *Protocol
	id  uuid.UUID
	log *slog.Logger
	d   auditTargetData
}

func (p *Protocol) initAuditTarget(m msg.Message) (transaction.Transaction, error) {
	if m.Sender == p.self {
		return nil, fmt.Errorf("audit request from self")
	}
	t := &AuditTarget{
		p:  p,
		id: m.TransactionID,
		d: auditTargetData{
			Contractor: m.Sender,
			Equivalent: m.Equivalent,
			Audit:      targetAudit{Request: *m.AuditRequest},
		},
	}
	t.log = p.txLogger(t.id, KindAuditTarget).With(slog.String("line", t.key().String()))
	return t, nil
}

func (p *Protocol) decodeAuditTarget(id uuid.UUID, data []byte) (transaction.Transaction, error) {
	t := &AuditTarget{p: p, id: id}
	if _, err := xdr.Unmarshal(data, &t.d); err != nil {
		return nil, fmt.Errorf("decoding audit target: %w", err)
	}
	t.log = p.txLogger(id, KindAuditTarget).With(slog.String("line", t.key().String()))
	return t, nil
}

func (t *AuditTarget) ID() uuid.UUID {
	return t.id
}

func (t *AuditTarget) Kind() transaction.Kind {
	return KindAuditTarget
}

func (t *AuditTarget) MarshalBinary() ([]byte, error) {
	return xdr.Marshal(t.d)
}

func (t *AuditTarget) key() state.LineKey {
	return lineKey(t.d.Contractor, t.d.Equivalent)
}

func (t *AuditTarget) Advance(ctx context.Context, inbox []msg.Message) transaction.Result {
	switch t.d.Stage {
	case auditTargetStart, auditTargetWaitLine:
		return t.try(ctx)
	case auditTargetAnswered:
		if len(inbox) == 0 {
			return transaction.Done(t.d.Audit.outcome())
		}
		if m := inbox[0]; m.Sender != t.d.Contractor || m.AuditRequest == nil {
			t.log.Warn("ignoring message", slog.Any("error", unexpected(m)))
			return transaction.ContinuePreviousState()
		}
		return transaction.ContinuePreviousState().Send(t.d.Contractor, t.p.answerMessage(t.id, t.key(), &t.d.Audit))
	}
	return internalError(fmt.Errorf("audit target in unknown stage %d", t.d.Stage))
}

func (t *AuditTarget) try(ctx context.Context) transaction.Result {
	key := t.key()
	own, snap, err := t.p.snapshot(key)
	behind := err == nil && (own.AuditNumber < t.d.Audit.Request.Snapshot.AuditNumber || len(snap.Reservations) > 0)
	locked := t.p.locker.TryLock(t.id, key)
	if (behind || !locked) && int(t.d.Attempts) < t.p.timings.MaxLockAttempts {
		t.p.locker.Unlock(t.id)
		t.d.Attempts++
		t.d.Stage = auditTargetWaitLine
		return transaction.AwaitTimer(t.p.timings.LockRetryDelay)
	}
	if !locked {
		t.d.Audit.Answered = true
		t.d.Audit.Response = msg.AuditResponse{Reason: msg.ReasonBusy}
	} else if err := t.p.answer(ctx, t.log, key, &t.d.Audit); err != nil {
		return internalError(err)
	}
	t.p.locker.Unlock(t.id)

	reply := t.p.answerMessage(t.id, key, &t.d.Audit)
	if !t.d.Audit.Response.Accepted {
		return transaction.Done(t.d.Audit.outcome()).Send(t.d.Contractor, reply)
	}
	t.d.Stage = auditTargetAnswered
	return transaction.AwaitMessages(t.p.timings.MessageTimeout, msg.TypeAuditRequest).Send(t.d.Contractor, reply)
}

func (t *AuditTarget) Abort(_ context.Context, cause error) transaction.Result {
	return internalError(cause)
}
