package trustline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GEO-Project/network-client/command"
	"github.com/GEO-Project/network-client/msg"
	"github.com/GEO-Project/network-client/state"
	"github.com/GEO-Project/network-client/transaction"
	"github.com/davecgh/go-xdr/xdr"
	"github.com/google/uuid"
)

const (
	setSourceStart uint32 = iota
	setSourceWaitLine
	setSourceAwaitResponse
	setSourceAwaitAudit
)

type setSourceData struct {
	Stage        uint32
	Contractor   state.NodeID
	Equivalent   state.Equivalent
	Amount       int64
	LockAttempts uint32
	Attempts     uint32
	Audit        sourceAudit
}

// SetSource sets the credit the node extends to a contractor. The
// contractor mirrors the new limit and both sides audit the line.
type SetSource struct {
	p   *Protocol
	id  uuid.UUID
	log *slog.Logger
	d   setSourceData
}

func (p *Protocol) NewSetSource(id uuid.UUID, c command.SetTrustLine) *SetSource {
	t := &SetSource{
		p:  p,
		id: id,
		d: setSourceData{
			Contractor: c.Contractor,
			Equivalent: c.Equivalent,
			Amount:     c.Amount,
		},
	}
	t.log = p.txLogger(id, KindSetSource).With(slog.String("line", t.key().String()))
	return t
}

func (p *Protocol) decodeSetSource(id uuid.UUID, data []byte) (transaction.Transaction, error) {
	t := &SetSource{p: p, id: id}
	if _, err := xdr.Unmarshal(data, &t.d); err != nil {
		return nil, fmt.Errorf("decoding set source: %w", err)
	}
	t.log = p.txLogger(id, KindSetSource).With(slog.String("line", t.key().String()))
	return t, nil
}

func (t *SetSource) ID() uuid.UUID {
	return t.id
}

func (t *SetSource) Kind() transaction.Kind {
	return KindSetSource
}

func (t *SetSource) MarshalBinary() ([]byte, error) {
	return xdr.Marshal(t.d)
}

func (t *SetSource) key() state.LineKey {
	return lineKey(t.d.Contractor, t.d.Equivalent)
}

func (t *SetSource) Advance(ctx context.Context, inbox []msg.Message) transaction.Result {
	switch t.d.Stage {
	case setSourceStart, setSourceWaitLine:
		return t.start()
	case setSourceAwaitResponse:
		if len(inbox) == 0 {
			if int(t.d.Attempts) >= t.p.timings.MaxAttempts {
				return transaction.Done(command.Failf(command.CodeNoResponse, "%s did not answer", t.d.Contractor))
			}
			t.d.Attempts++
			return t.request()
		}
		m := inbox[0]
		if m.Sender != t.d.Contractor || m.SetTrustLineResponse == nil {
			t.log.Warn("ignoring message", slog.Any("error", unexpected(m)))
			return transaction.ContinuePreviousState()
		}
		return t.response(ctx, m.SetTrustLineResponse)
	case setSourceAwaitAudit:
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
	return internalError(fmt.Errorf("set source in unknown stage %d", t.d.Stage))
}

func (t *SetSource) start() transaction.Result {
	c := command.SetTrustLine{Contractor: t.d.Contractor, Equivalent: t.d.Equivalent, Amount: t.d.Amount}
	if err := c.Validate(); err != nil {
		return transaction.Done(command.Failf(command.CodeInvalidRequest, "%v", err))
	}
	if c.Contractor == t.p.self {
		return transaction.Done(command.Failf(command.CodeInvalidRequest, "trust line to self"))
	}
	key := t.key()
	if !t.p.locker.TryLock(t.id, key) {
		if int(t.d.LockAttempts) >= t.p.timings.MaxLockAttempts {
			return transaction.Done(command.Failf(command.CodeBusy, "%s is in use", key))
		}
		t.d.LockAttempts++
		t.d.Stage = setSourceWaitLine
		return transaction.AwaitTimer(t.p.timings.LockRetryDelay)
	}
	if snap, ok := t.p.ledger.Get(key); ok {
		if err := state.NewTrustLineFromSnapshot(snap).SetIncomingAmount(t.d.Amount); err != nil {
			return transaction.Done(command.Failf(command.CodeInvalidRequest, "%v", err))
		}
	} else if t.d.Amount == 0 {
		return transaction.Done(command.Failf(command.CodeInvalidRequest, "no trust line to %s", t.d.Contractor))
	}
	t.d.Stage = setSourceAwaitResponse
	t.d.Attempts = 1
	return t.request().Persisted()
}

func (t *SetSource) request() transaction.Result {
	m := msg.Message{Header: t.p.header(msg.TypeSetTrustLineRequest, t.id, t.d.Equivalent)}
	m.SetTrustLineRequest = &msg.SetTrustLineRequest{Amount: t.d.Amount}
	return transaction.AwaitMessages(t.p.timings.MessageTimeout, msg.TypeSetTrustLineResponse).Send(t.d.Contractor, m)
}

func (t *SetSource) response(ctx context.Context, r *msg.SetTrustLineResponse) transaction.Result {
	if !r.Accepted {
		t.log.Info("trust line refused", slog.String("reason", r.Reason.String()))
		return transaction.Done(refused(r.Reason))
	}
	key := t.key()
	if err := t.p.ledger.SetIncoming(ctx, key, t.d.Amount); err != nil {
		// The contractor already applied the limit; the next audit of the
		// line will fail until the limits agree again.
		t.log.Error("applying accepted limit", slog.Any("error", err))
		return internalError(err)
	}
	t.log.Info("trust line set", slog.Int64("amount", t.d.Amount))
	m, err := t.p.auditRequest(ctx, t.id, key, &t.d.Audit)
	if err != nil {
		return internalError(err)
	}
	t.d.Stage = setSourceAwaitAudit
	return t.p.awaitAuditResponse().Persisted().Send(t.d.Contractor, m)
}

func (t *SetSource) Abort(_ context.Context, cause error) transaction.Result {
	return internalError(cause)
}

const (
	setTargetStart uint32 = iota
	setTargetAwaitAudit
	setTargetAudited
)

type setTargetData struct {
	Stage      uint32
	Contractor state.NodeID
	Equivalent state.Equivalent
	Amount     int64
	Response   msg.SetTrustLineResponse
	Audit      targetAudit
}

// SetTarget mirrors the limit a contractor extends to the node and answers
// the audit that follows.
type SetTarget struct {
	p   *Protocol
	id  uuid.UUID
	log *slog.Logger
	d   setTargetData
}

func (p *Protocol) initSetTarget(m msg.Message) (transaction.Transaction, error) {
	if m.Sender == p.self {
		return nil, fmt.Errorf("trust line request from self")
	}
	t := &SetTarget{
		p:  p,
		id: m.TransactionID,
		d: setTargetData{
			Contractor: m.Sender,
			Equivalent: m.Equivalent,
			Amount:     m.SetTrustLineRequest.Amount,
		},
	}
	t.log = p.txLogger(t.id, KindSetTarget).With(slog.String("line", t.key().String()))
	return t, nil
}

func (p *Protocol) decodeSetTarget(id uuid.UUID, data []byte) (transaction.Transaction, error) {
	t := &SetTarget{p: p, id: id}
	if _, err := xdr.Unmarshal(data, &t.d); err != nil {
		return nil, fmt.Errorf("decoding set target: %w", err)
	}
	t.log = p.txLogger(id, KindSetTarget).With(slog.String("line", t.key().String()))
	return t, nil
}

func (t *SetTarget) ID() uuid.UUID {
	return t.id
}

func (t *SetTarget) Kind() transaction.Kind {
	return KindSetTarget
}

func (t *SetTarget) MarshalBinary() ([]byte, error) {
	return xdr.Marshal(t.d)
}

func (t *SetTarget) key() state.LineKey {
	return lineKey(t.d.Contractor, t.d.Equivalent)
}

func (t *SetTarget) awaitAudit() transaction.Result {
	return transaction.AwaitMessages(
		t.p.timings.MessageTimeout*time.Duration(t.p.timings.MaxAttempts+1),
		msg.TypeAuditRequest, msg.TypeSetTrustLineRequest)
}

func (t *SetTarget) reply() msg.Message {
	m := msg.Message{Header: t.p.header(msg.TypeSetTrustLineResponse, t.id, t.d.Equivalent)}
	r := t.d.Response
	m.SetTrustLineResponse = &r
	return m
}

func (t *SetTarget) Advance(ctx context.Context, inbox []msg.Message) transaction.Result {
	if t.d.Stage == setTargetStart {
		return t.apply(ctx)
	}
	if len(inbox) == 0 {
		if t.d.Stage == setTargetAwaitAudit {
			t.log.Warn("no audit after limit change")
			return transaction.Done(command.Failf(command.CodeNoResponse, "%s did not audit the line", t.d.Contractor))
		}
		return transaction.Done(t.d.Audit.outcome())
	}
	m := inbox[0]
	if m.Sender != t.d.Contractor {
		t.log.Warn("ignoring message", slog.Any("error", unexpected(m)))
		return transaction.ContinuePreviousState()
	}
	switch {
	case m.SetTrustLineRequest != nil:
		return transaction.ContinuePreviousState().Send(t.d.Contractor, t.reply())
	case m.AuditRequest != nil && t.d.Stage == setTargetAudited:
		return transaction.ContinuePreviousState().Send(t.d.Contractor, t.p.answerMessage(t.id, t.key(), &t.d.Audit))
	case m.AuditRequest != nil:
		t.d.Audit = targetAudit{Request: *m.AuditRequest}
		if err := t.p.answer(ctx, t.log, t.key(), &t.d.Audit); err != nil {
			return internalError(err)
		}
		t.p.locker.Unlock(t.id)
		reply := t.p.answerMessage(t.id, t.key(), &t.d.Audit)
		if !t.d.Audit.Response.Accepted {
			return transaction.Done(t.d.Audit.outcome()).Send(t.d.Contractor, reply)
		}
		t.d.Stage = setTargetAudited
		return transaction.AwaitMessages(t.p.timings.MessageTimeout, msg.TypeAuditRequest).Send(t.d.Contractor, reply)
	}
	t.log.Warn("ignoring message", slog.Any("error", unexpected(m)))
	return transaction.ContinuePreviousState()
}

func (t *SetTarget) apply(ctx context.Context) transaction.Result {
	key := t.key()
	var err error
	switch {
	case t.d.Amount < 0:
		err = state.ErrNegativeLimit
	case !t.p.locker.TryLock(t.id, key):
		t.d.Response = msg.SetTrustLineResponse{Reason: msg.ReasonBusy}
		return transaction.Done(command.Failf(command.CodeBusy, "%s is in use", key)).Send(t.d.Contractor, t.reply())
	default:
		err = t.p.ledger.SetOutgoing(ctx, key, t.d.Amount)
	}
	if err != nil {
		if fatal(err) {
			return internalError(err)
		}
		t.log.Warn("refusing limit", slog.Int64("amount", t.d.Amount), slog.Any("error", err))
		t.d.Response = msg.SetTrustLineResponse{Reason: limitReason(err)}
		return transaction.Done(command.Failf(command.CodeRejected, "%v", err)).Send(t.d.Contractor, t.reply())
	}
	t.log.Info("contractor set trust line", slog.Int64("amount", t.d.Amount))
	t.d.Response = msg.SetTrustLineResponse{Accepted: true}
	t.d.Stage = setTargetAwaitAudit
	return t.awaitAudit().Persisted().Send(t.d.Contractor, t.reply())
}

func limitReason(err error) msg.Reason {
	if errors.Is(err, state.ErrLimitBelowUsage) {
		return msg.ReasonInsufficientCapacity
	}
	return msg.ReasonProtocol
}

func (t *SetTarget) Abort(_ context.Context, cause error) transaction.Result {
	return internalError(cause)
}
