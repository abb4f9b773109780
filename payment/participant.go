package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GEO-Project/network-client/audit"
	"github.com/GEO-Project/network-client/command"
	"github.com/GEO-Project/network-client/msg"
	"github.com/GEO-Project/network-client/paths"
	"github.com/GEO-Project/network-client/state"
	"github.com/GEO-Project/network-client/store"
	"github.com/GEO-Project/network-client/transaction"
	"github.com/davecgh/go-xdr/xdr"
	"github.com/google/uuid"
)

const (
	roleIntermediate uint32 = iota + 1
	roleReceiver
)

const (
	forwardNone uint32 = iota
	forwardPending
	forwardAccepted
	forwardRejected
)

var participantTypes = []msg.Type{
	msg.TypeReceiverInitRequest,
	msg.TypeIntermediateReservationRequest,
	msg.TypeCoordinatorReservationRequest,
	msg.TypeIntermediateReservationResponse,
	msg.TypeFinalAmountsConfiguration,
	msg.TypeParticipantsDecision,
	msg.TypeReservationRollback,
	msg.TypeProlongationResponse,
}

type participantPath struct {
	ID     state.PathID
	Nodes  []state.NodeID
	Amount int64
	Prev   state.NodeID
	// Next is empty on the receiver.
	Next          state.NodeID
	Forward       uint32
	ForwardReason msg.Reason
	RolledBack    bool
}

func (p *participantPath) held() bool {
	return !p.RolledBack
}

// refusal is a reservation request the node refused.
type refusal struct {
	PathID state.PathID
	Prev   state.NodeID
	Amount int64
	Reason msg.Reason
}

type participantData struct {
	Role        uint32
	Coordinator state.NodeID
	Equivalent  state.Equivalent
	// Amount is the total the receiver expects.
	Amount     int64
	Paths      []participantPath
	Voted      bool
	Vote       msg.ParticipantVote
	Prolonging bool
	Attempts   uint32

	// Refusals and InitRefusal answer retransmitted requests with the
	// decision made the first time.
	Refusals    []refusal
	InitRefusal msg.Reason
	// Lingering is set while a transaction holding nothing stays only to
	// answer retransmissions.
	Lingering bool
}

// Participant is the transaction of an intermediate node or of the receiver
// of a payment.
type Participant struct {
	p   *Protocol
	id  uuid.UUID
	log *slog.Logger
	d   participantData

	// waiting is set once the scheduler holds a wait for the transaction.
	waiting bool
}

var _ transaction.Transaction = (*Participant)(nil)

func (p *Protocol) newParticipant(id uuid.UUID, role uint32, coordinator state.NodeID, eq state.Equivalent) *Participant {
	t := &Participant{
		p:  p,
		id: id,
		d: participantData{
			Role:        role,
			Coordinator: coordinator,
			Equivalent:  eq,
		},
	}
	t.log = p.txLogger(id, t.Kind())
	return t
}

func (p *Protocol) initReceiver(m msg.Message) (transaction.Transaction, error) {
	t := p.newParticipant(m.TransactionID, roleReceiver, m.Sender, m.Equivalent)
	t.d.Amount = m.ReceiverInitRequest.Amount
	return t, nil
}

func (p *Protocol) initIntermediate(m msg.Message) (transaction.Transaction, error) {
	r := m.IntermediateReservationRequest
	if len(r.Path) > 0 && paths.Path(r.Path).Receiver() == p.self {
		return nil, fmt.Errorf("reservation for %s without a receiver transaction", m.TransactionID)
	}
	return p.newParticipant(m.TransactionID, roleIntermediate, r.Coordinator, m.Equivalent), nil
}

func (p *Protocol) decodeParticipant(id uuid.UUID, data []byte) (transaction.Transaction, error) {
	t := &Participant{p: p, id: id, waiting: true}
	if _, err := xdr.Unmarshal(data, &t.d); err != nil {
		return nil, fmt.Errorf("decoding participant: %w", err)
	}
	t.log = p.txLogger(id, t.Kind())
	return t, nil
}

func (t *Participant) ID() uuid.UUID {
	return t.id
}

func (t *Participant) Kind() transaction.Kind {
	if t.d.Role == roleReceiver {
		return KindReceiver
	}
	return KindIntermediate
}

func (t *Participant) MarshalBinary() ([]byte, error) {
	return xdr.Marshal(t.d)
}

func (t *Participant) message(typ msg.Type) msg.Message {
	return msg.Message{Header: t.p.header(typ, t.id, t.d.Equivalent)}
}

func (t *Participant) path(id state.PathID) *participantPath {
	for i := range t.d.Paths {
		if t.d.Paths[i].ID == id {
			return &t.d.Paths[i]
		}
	}
	return nil
}

func (t *Participant) forwarding() bool {
	for _, path := range t.d.Paths {
		if path.held() && path.Forward == forwardPending {
			return true
		}
	}
	return false
}

func (t *Participant) await() transaction.Result {
	timeout := t.p.timings.ProlongationTimeout
	switch {
	case t.forwarding():
		timeout = t.p.timings.MessageTimeout
	case t.d.Prolonging && t.d.Voted:
		// Back off while a coordinator that already has the vote is silent.
		shift := t.d.Attempts
		if shift > 4 {
			shift = 4
		}
		timeout = t.p.timings.MessageTimeout << shift
	case t.d.Prolonging:
		timeout = t.p.timings.MessageTimeout
	}
	t.waiting = true
	return transaction.AwaitMessages(timeout, participantTypes...)
}

// keep stays in the current wait.
func (t *Participant) keep() transaction.Result {
	if t.waiting {
		return transaction.ContinuePreviousState()
	}
	return t.await()
}

func (t *Participant) Advance(ctx context.Context, inbox []msg.Message) transaction.Result {
	if len(inbox) == 0 {
		return t.timeout(ctx)
	}
	m := inbox[0]
	switch m.Type {
	case msg.TypeReceiverInitRequest:
		return t.receiverInit(m)
	case msg.TypeIntermediateReservationRequest:
		return t.reserveIncoming(ctx, m)
	case msg.TypeCoordinatorReservationRequest:
		return t.reserveOutgoing(ctx, m)
	case msg.TypeIntermediateReservationResponse:
		return t.forwardResponse(ctx, m)
	case msg.TypeFinalAmountsConfiguration:
		return t.finalAmounts(ctx, m)
	case msg.TypeParticipantsDecision:
		return t.decision(ctx, m)
	case msg.TypeReservationRollback:
		return t.rollbackPaths(ctx, m)
	case msg.TypeProlongationResponse:
		return t.prolongation(ctx, m)
	}
	t.log.Debug("ignoring message", slog.Any("error", unexpected(m)))
	return t.keep()
}

func (t *Participant) Abort(ctx context.Context, cause error) transaction.Result {
	t.log.Error("aborting payment", slog.Any("error", cause))
	r := t.release(ctx, command.Failf(command.CodeInternalError, "%v", cause))
	r.Kind = transaction.ResultError
	r.Err = cause
	return r
}

func (t *Participant) fromCoordinator(m msg.Message) bool {
	if m.Sender != t.d.Coordinator {
		t.log.Debug("ignoring message", slog.Any("error", unexpected(m)))
		return false
	}
	return true
}

func (t *Participant) receiverInit(m msg.Message) transaction.Result {
	if t.d.Role != roleReceiver || !t.fromCoordinator(m) {
		return t.keep()
	}
	resp := t.message(msg.TypeReceiverInitResponse)
	if t.d.InitRefusal != msg.ReasonNone {
		resp.ReceiverInitResponse = &msg.ReceiverInitResponse{Reason: t.d.InitRefusal}
		return transaction.ContinuePreviousState().Send(m.Sender, resp)
	}
	if t.waiting {
		resp.ReceiverInitResponse = &msg.ReceiverInitResponse{Accepted: true}
		return transaction.ContinuePreviousState().Send(m.Sender, resp)
	}

	var capacity int64
	for _, s := range t.p.ledger.List() {
		if s.Equivalent == t.d.Equivalent {
			capacity += t.p.ledger.Available(lineKey(s.Contractor, s.Equivalent), state.DirectionIncoming)
		}
	}
	if t.d.Amount <= 0 || capacity < t.d.Amount {
		t.log.Debug("refusing payment", slog.Int64("capacity", capacity), slog.Int64("amount", t.d.Amount))
		t.d.InitRefusal = msg.ReasonInsufficientCapacity
		resp.ReceiverInitResponse = &msg.ReceiverInitResponse{Reason: t.d.InitRefusal}
		return t.linger().Send(m.Sender, resp)
	}
	resp.ReceiverInitResponse = &msg.ReceiverInitResponse{Accepted: true}
	return t.await().Send(m.Sender, resp)
}

// linger keeps a transaction that holds nothing long enough to answer the
// retransmissions of a refused request.
func (t *Participant) linger() transaction.Result {
	t.d.Lingering = true
	t.waiting = true
	timeout := t.p.timings.MessageTimeout * time.Duration(t.p.timings.MaxAttempts+1)
	return transaction.AwaitMessages(timeout,
		msg.TypeReceiverInitRequest, msg.TypeIntermediateReservationRequest)
}

func (t *Participant) refusal(pathID state.PathID) *refusal {
	for i := range t.d.Refusals {
		if t.d.Refusals[i].PathID == pathID {
			return &t.d.Refusals[i]
		}
	}
	return nil
}

// refuse records and answers a refused reservation request. A transaction
// that holds nothing lingers for retransmissions.
func (t *Participant) refuse(m msg.Message, reason msg.Reason) transaction.Result {
	const typ = msg.TypeIntermediateReservationResponse
	r := m.IntermediateReservationRequest
	t.d.Refusals = append(t.d.Refusals, refusal{
		PathID: r.PathID,
		Prev:   m.Sender,
		Amount: r.Amount,
		Reason: reason,
	})
	resp := t.respond(typ, r.PathID, false, reason)
	if t.d.Lingering || (!t.waiting && len(t.d.Paths) == 0) {
		t.p.locker.Unlock(t.id)
		return t.linger().Send(m.Sender, resp)
	}
	return t.keep().Send(m.Sender, resp)
}

func (t *Participant) respond(typ msg.Type, pathID state.PathID, accepted bool, reason msg.Reason) msg.Message {
	resp := t.message(typ)
	r := &msg.ReservationResponse{PathID: pathID, Accepted: accepted, Reason: reason}
	if typ == msg.TypeIntermediateReservationResponse {
		resp.IntermediateReservationResponse = r
	} else {
		resp.CoordinatorReservationResponse = r
	}
	return resp
}

func (t *Participant) reserveIncoming(ctx context.Context, m msg.Message) transaction.Result {
	const typ = msg.TypeIntermediateReservationResponse
	r := m.IntermediateReservationRequest
	if f := t.refusal(r.PathID); f != nil {
		reason := f.Reason
		if f.Prev != m.Sender || f.Amount != r.Amount {
			reason = msg.ReasonProtocol
		}
		return transaction.ContinuePreviousState().Send(m.Sender, t.respond(typ, r.PathID, false, reason))
	}
	if r.Coordinator != t.d.Coordinator {
		return t.refuse(m, msg.ReasonProtocol)
	}
	if t.d.InitRefusal != msg.ReasonNone {
		return t.refuse(m, t.d.InitRefusal)
	}
	if existing := t.path(r.PathID); existing != nil {
		if existing.Prev != m.Sender || existing.Amount != r.Amount {
			return t.keep().Send(m.Sender, t.respond(typ, r.PathID, false, msg.ReasonProtocol))
		}
		// A retransmission gets the decision made the first time.
		return t.keep().Send(m.Sender, t.respond(typ, r.PathID, existing.held(), msg.ReasonNone))
	}

	path := paths.Path(r.Path)
	idx := path.Index(t.p.self)
	last := len(path) - 1
	switch {
	case len(path) < 2, path.Validate(t.d.Coordinator, path.Receiver()) != nil, idx < 1, path[idx-1] != m.Sender:
		return t.refuse(m, msg.ReasonInvalidPath)
	case t.d.Role == roleReceiver && idx != last, t.d.Role == roleIntermediate && idx == last:
		return t.refuse(m, msg.ReasonInvalidPath)
	case t.d.Voted, r.Amount <= 0:
		return t.refuse(m, msg.ReasonProtocol)
	}

	key := lineKey(m.Sender, t.d.Equivalent)
	if !t.p.locker.TryLock(t.id, key) {
		return t.refuse(m, msg.ReasonBusy)
	}
	err := t.p.ledger.Reserve(ctx, key, state.Reservation{
		TransactionID: t.id,
		PathID:        r.PathID,
		Amount:        r.Amount,
		Direction:     state.DirectionIncoming,
	})
	if fatal(err) {
		return t.Abort(ctx, err)
	}
	if err != nil {
		t.log.Debug("refusing reservation", slog.String("line", key.String()), slog.Any("error", err))
		return t.refuse(m, reasonFor(err))
	}

	p := participantPath{
		ID:     r.PathID,
		Nodes:  append([]state.NodeID(nil), path...),
		Amount: r.Amount,
		Prev:   m.Sender,
	}
	if idx < last {
		p.Next = path[idx+1]
	}
	t.d.Paths = append(t.d.Paths, p)
	t.d.Lingering = false
	return t.await().Persisted().Send(m.Sender, t.respond(typ, r.PathID, true, msg.ReasonNone))
}

func (t *Participant) forwardRequest(path *participantPath) msg.Message {
	m := t.message(msg.TypeIntermediateReservationRequest)
	m.IntermediateReservationRequest = &msg.IntermediateReservationRequest{
		Coordinator: t.d.Coordinator,
		PathID:      path.ID,
		Amount:      path.Amount,
		Path:        path.Nodes,
	}
	return m
}

func (t *Participant) reserveOutgoing(ctx context.Context, m msg.Message) transaction.Result {
	const typ = msg.TypeCoordinatorReservationResponse
	if !t.fromCoordinator(m) {
		return t.keep()
	}
	r := m.CoordinatorReservationRequest
	path := t.path(r.PathID)
	switch {
	case t.d.Role != roleIntermediate, path == nil, !path.held():
		return t.keep().Send(m.Sender, t.respond(typ, r.PathID, false, msg.ReasonInvalidPath))
	case r.NextNode != path.Next, r.Amount != path.Amount:
		return t.keep().Send(m.Sender, t.respond(typ, r.PathID, false, msg.ReasonProtocol))
	}
	switch path.Forward {
	case forwardPending:
		return t.keep().Send(path.Next, t.forwardRequest(path))
	case forwardAccepted:
		return t.keep().Send(m.Sender, t.respond(typ, r.PathID, true, msg.ReasonNone))
	case forwardRejected:
		return t.keep().Send(m.Sender, t.respond(typ, r.PathID, false, path.ForwardReason))
	}

	key := lineKey(path.Next, t.d.Equivalent)
	if !t.p.locker.TryLock(t.id, key) {
		return t.keep().Send(m.Sender, t.respond(typ, r.PathID, false, msg.ReasonBusy))
	}
	err := t.p.ledger.Reserve(ctx, key, state.Reservation{
		TransactionID: t.id,
		PathID:        path.ID,
		Amount:        path.Amount,
		Direction:     state.DirectionOutgoing,
	})
	if fatal(err) {
		return t.Abort(ctx, err)
	}
	if err != nil {
		t.log.Debug("refusing reservation", slog.String("line", key.String()), slog.Any("error", err))
		return t.keep().Send(m.Sender, t.respond(typ, r.PathID, false, reasonFor(err)))
	}
	path.Forward = forwardPending
	return t.await().Persisted().Send(path.Next, t.forwardRequest(path))
}

func (t *Participant) forwardResponse(ctx context.Context, m msg.Message) transaction.Result {
	r := m.IntermediateReservationResponse
	path := t.path(r.PathID)
	if path == nil || path.Forward != forwardPending || path.Next != m.Sender {
		return t.keep()
	}
	if r.Accepted {
		path.Forward = forwardAccepted
		return t.await().Persisted().Send(t.d.Coordinator,
			t.respond(msg.TypeCoordinatorReservationResponse, path.ID, true, msg.ReasonNone))
	}
	return t.forwardFailed(ctx, path, r.Reason)
}

// forwardFailed drops the outgoing reservation of a path the next node did
// not take.
func (t *Participant) forwardFailed(ctx context.Context, path *participantPath, reason msg.Reason) transaction.Result {
	err := t.p.ledger.Release(ctx, lineKey(path.Next, t.d.Equivalent), t.id, path.ID)
	if err != nil && !errors.Is(err, state.ErrReservationNotFound) {
		return t.Abort(ctx, err)
	}
	path.Forward = forwardRejected
	path.ForwardReason = reason
	return t.await().Persisted().Send(t.d.Coordinator,
		t.respond(msg.TypeCoordinatorReservationResponse, path.ID, false, reason))
}

func (t *Participant) rollbackPaths(ctx context.Context, m msg.Message) transaction.Result {
	if !t.fromCoordinator(m) {
		return t.keep()
	}
	ids := m.ReservationRollback.PathIDs
	if _, err := t.p.ledger.ReleasePaths(ctx, t.id, ids); err != nil {
		return t.Abort(ctx, err)
	}
	for _, id := range ids {
		if path := t.path(id); path != nil {
			path.RolledBack = true
		}
	}
	t.log.Debug("paths rolled back", slog.Any("paths", ids))
	return t.await().Persisted()
}

// checkFinal reports why the final configuration cannot be voted for, and
// the paths it leaves out.
func (t *Participant) checkFinal(c msg.FinalAmountsConfiguration) (msg.Reason, []state.PathID) {
	listed := map[state.PathID]bool{}
	var total int64
	for _, pc := range c.Paths {
		if paths.Path(pc.Nodes).Index(t.p.self) < 0 {
			continue
		}
		listed[pc.PathID] = true
		path := t.path(pc.PathID)
		if path == nil || !path.held() || path.Amount != pc.Amount || len(path.Nodes) != len(pc.Nodes) {
			return msg.ReasonProtocol, nil
		}
		for i := range pc.Nodes {
			if pc.Nodes[i] != path.Nodes[i] {
				return msg.ReasonInvalidPath, nil
			}
		}
		if t.d.Role == roleIntermediate && path.Forward != forwardAccepted {
			return msg.ReasonProtocol, nil
		}
		total += pc.Amount
	}
	if t.d.Role == roleReceiver && (c.Receiver != t.p.self || total != t.d.Amount) {
		return msg.ReasonProtocol, nil
	}
	if len(listed) == 0 {
		return msg.ReasonUnknownTransaction, nil
	}
	var dropped []state.PathID
	for _, path := range t.d.Paths {
		if path.held() && !listed[path.ID] {
			dropped = append(dropped, path.ID)
		}
	}
	return msg.ReasonNone, dropped
}

func (t *Participant) finalAmounts(ctx context.Context, m msg.Message) transaction.Result {
	if !t.fromCoordinator(m) {
		return t.keep()
	}
	if t.d.Voted {
		resp := t.message(msg.TypeParticipantVote)
		vote := t.d.Vote
		resp.ParticipantVote = &vote
		return t.keep().Send(m.Sender, resp)
	}

	c := *m.FinalAmountsConfiguration
	data, err := VoteData(t.id, t.d.Coordinator, t.d.Equivalent, c)
	if err != nil {
		return t.Abort(ctx, err)
	}
	reason, dropped := t.checkFinal(c)
	if reason == msg.ReasonNone && !c.ReceiptSignature.IsZero() {
		if err := audit.Verify(t.d.Coordinator, data, c.ReceiptSignature); err != nil {
			reason = msg.ReasonInvalidSignature
		}
	}
	if reason != msg.ReasonNone {
		t.log.Info("refusing final amounts", slog.String("reason", reason.String()))
		resp := t.message(msg.TypeParticipantVote)
		resp.ParticipantVote = &msg.ParticipantVote{Reason: reason}
		return t.release(ctx, command.Failf(command.CodeRejected, "final amounts refused: %v", reason)).
			Send(m.Sender, resp)
	}
	if len(dropped) > 0 {
		if _, err := t.p.ledger.ReleasePaths(ctx, t.id, dropped); err != nil {
			return t.Abort(ctx, err)
		}
		for _, id := range dropped {
			t.path(id).RolledBack = true
		}
	}

	sig, err := t.p.signer.Sign(ctx, data)
	if err != nil {
		return t.Abort(ctx, fmt.Errorf("signing vote: %w", err))
	}
	t.d.Vote = msg.ParticipantVote{Accepted: true, Signature: sig}
	t.d.Voted = true
	t.d.Prolonging = false
	t.d.Attempts = 0
	resp := t.message(msg.TypeParticipantVote)
	vote := t.d.Vote
	resp.ParticipantVote = &vote
	return t.await().Persisted().Send(m.Sender, resp)
}

func (t *Participant) decision(ctx context.Context, m msg.Message) transaction.Result {
	if !t.fromCoordinator(m) {
		return t.keep()
	}
	if m.ParticipantsDecision.Commit {
		return t.commit(ctx)
	}
	return t.release(ctx, command.Failf(command.CodeRejected, "coordinator rolled back"))
}

func (t *Participant) commit(ctx context.Context) transaction.Result {
	if !t.d.Voted {
		// The payment went through other paths.
		t.log.Debug("payment committed without this node")
		return t.release(ctx, command.Failf(command.CodeRejected, "not part of the committed payment"))
	}
	var record *store.PaymentRecord
	if t.d.Role == roleReceiver {
		record = &store.PaymentRecord{
			TransactionID: t.id,
			Role:          store.RoleReceiver,
			Counterparty:  t.d.Coordinator,
			Equivalent:    t.d.Equivalent,
			Amount:        t.d.Amount,
			Committed:     true,
			CreatedAt:     t.p.now(),
		}
	}
	touched, err := t.p.ledger.Commit(ctx, t.id, record)
	if err != nil && !errors.Is(err, state.ErrReservationNotFound) {
		// The coordinator answers again when asked.
		t.log.Error("committing", slog.Any("error", err))
		return t.await()
	}
	t.log.Info("payment committed")
	return transaction.Done(command.OK("committed")).WithTouched(touched)
}

func (t *Participant) prolongation(ctx context.Context, m msg.Message) transaction.Result {
	if !t.fromCoordinator(m) {
		return t.keep()
	}
	t.d.Prolonging = false
	t.d.Attempts = 0
	switch m.ProlongationResponse.Decision {
	case msg.DecisionCommit:
		return t.commit(ctx)
	case msg.DecisionRollback:
		return t.release(ctx, command.Failf(command.CodeRejected, "coordinator rolled back"))
	}
	return t.await()
}

func (t *Participant) timeout(ctx context.Context) transaction.Result {
	if t.d.Lingering {
		return transaction.Done(command.Failf(command.CodeRejected, "%v", t.lastRefusal()))
	}
	if !t.waiting {
		return internalError(errors.New("participant started without a message"))
	}
	if t.forwarding() {
		var r transaction.Result
		for i := range t.d.Paths {
			path := &t.d.Paths[i]
			if path.held() && path.Forward == forwardPending {
				next := t.forwardFailed(ctx, path, msg.ReasonNoResponse)
				if next.Terminal() {
					return next
				}
				r.Outgoing = append(r.Outgoing, next.Outgoing...)
			}
		}
		out := t.await().Persisted()
		out.Outgoing = r.Outgoing
		return out
	}

	limit := uint32(t.p.timings.MaxAttempts)
	if t.d.Voted {
		limit = uint32(t.p.timings.MaxDecisionAttempts)
	}
	if t.d.Prolonging && t.d.Attempts >= limit {
		if t.d.Voted {
			t.log.Error("coordinator silent after vote, releasing reservations",
				slog.String("coordinator", t.d.Coordinator.String()))
		}
		return t.release(ctx, command.Failf(command.CodeNoResponse, "coordinator %s silent", t.d.Coordinator))
	}
	t.d.Prolonging = true
	t.d.Attempts++
	req := t.message(msg.TypeProlongationRequest)
	req.ProlongationRequest = &msg.ProlongationRequest{}
	return t.await().Send(t.d.Coordinator, req)
}

func (t *Participant) lastRefusal() msg.Reason {
	if t.d.InitRefusal != msg.ReasonNone {
		return t.d.InitRefusal
	}
	if n := len(t.d.Refusals); n > 0 {
		return t.d.Refusals[n-1].Reason
	}
	return msg.ReasonNone
}

func (t *Participant) release(ctx context.Context, outcome command.Result) transaction.Result {
	if _, err := t.p.ledger.ReleaseAll(ctx, t.id); err != nil {
		t.log.Error("releasing reservations", slog.Any("error", err))
	}
	return transaction.Done(outcome)
}
