package payment

import (
	"context"
	"log/slog"

	"github.com/GEO-Project/network-client/command"
	"github.com/GEO-Project/network-client/msg"
	"github.com/GEO-Project/network-client/state"
	"github.com/GEO-Project/network-client/store"
	"github.com/GEO-Project/network-client/transaction"
	"github.com/davecgh/go-xdr/xdr"
	"github.com/google/uuid"
)

// decisionResponder answers a participant asking about a payment whose
// coordinator transaction is no longer live.
type decisionResponder struct {
	p  *Protocol
	id uuid.UUID
	d  decisionData
}

type decisionData struct {
	Requester  state.NodeID
	Equivalent state.Equivalent
}

func (p *Protocol) initDecision(m msg.Message) (transaction.Transaction, error) {
	return &decisionResponder{
		p:  p,
		id: m.TransactionID,
		d:  decisionData{Requester: m.Sender, Equivalent: m.Equivalent},
	}, nil
}

func (r *decisionResponder) ID() uuid.UUID {
	return r.id
}

func (r *decisionResponder) Kind() transaction.Kind {
	return KindDecision
}

func (r *decisionResponder) MarshalBinary() ([]byte, error) {
	return xdr.Marshal(r.d)
}

func (r *decisionResponder) Advance(ctx context.Context, _ []msg.Message) transaction.Result {
	decision := msg.DecisionRollback
	if r.p.history != nil {
		rec, ok, err := r.p.history.Payment(ctx, r.id)
		if err != nil {
			// Staying silent makes the participant ask again.
			r.p.txLogger(r.id, KindDecision).Error("reading history", slog.Any("error", err))
			return transaction.Done(command.Failf(command.CodeInternalError, "%v", err))
		}
		if ok && rec.Committed && rec.Role == store.RoleCoordinator {
			decision = msg.DecisionCommit
		}
	}
	m := msg.Message{Header: r.p.header(msg.TypeProlongationResponse, r.id, r.d.Equivalent)}
	m.ProlongationResponse = &msg.ProlongationResponse{Decision: decision}
	return transaction.Done(command.OK(decision.String())).Send(r.d.Requester, m)
}

func (r *decisionResponder) Abort(context.Context, error) transaction.Result {
	return transaction.Done(command.Failf(command.CodeInternalError, "aborted"))
}
