package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/GEO-Project/network-client/command"
	"github.com/GEO-Project/network-client/msg"
	"github.com/GEO-Project/network-client/state"
	"github.com/GEO-Project/network-client/store"
	"github.com/GEO-Project/network-client/transaction"
	"github.com/davecgh/go-xdr/xdr"
	"github.com/google/uuid"
)

const (
	coordinatorStart uint32 = iota
	coordinatorAwaitReceiver
	coordinatorAwaitFirstHop
	coordinatorAwaitHop
	coordinatorAwaitVotes
)

const (
	pathPending uint32 = iota
	pathReserving
	pathReserved
	pathFailed
)

type coordinatorPath struct {
	ID     state.PathID
	Nodes  []state.NodeID
	Amount int64
	// Confirmed counts the nodes after the coordinator that hold a
	// reservation for the path.
	Confirmed uint32
	Status    uint32
}

func (p *coordinatorPath) firstHop() state.NodeID {
	return p.Nodes[1]
}

// holders are the nodes other than the coordinator that may hold a
// reservation for the path.
func (p *coordinatorPath) holders() []state.NodeID {
	n := int(p.Confirmed) + 1
	if n > len(p.Nodes)-1 {
		n = len(p.Nodes) - 1
	}
	return p.Nodes[1 : n+1]
}

type coordinatorVote struct {
	Node     state.NodeID
	Received bool
	Vote     msg.ParticipantVote
}

type coordinatorData struct {
	Stage      uint32
	Receiver   state.NodeID
	Equivalent state.Equivalent
	Amount     int64
	Remaining  int64
	Paths      []coordinatorPath
	Current    uint32
	Attempts   uint32
	Silences   uint32
	Refusals   uint32
	Final      msg.FinalAmountsConfiguration
	Votes      []coordinatorVote
}

// Coordinator pays from the local node. Capacity is reserved on one path at
// a time until the whole amount is covered or the paths run out.
type Coordinator struct {
	p   *Protocol
	id  uuid.UUID
	log *slog.Logger
	d   coordinatorData
}

var _ transaction.Transaction = (*Coordinator)(nil)

// NewCoordinator returns the transaction paying c.Amount to c.Receiver.
func (p *Protocol) NewCoordinator(id uuid.UUID, c command.Pay) *Coordinator {
	return &Coordinator{
		p:   p,
		id:  id,
		log: p.txLogger(id, KindCoordinator),
		d: coordinatorData{
			Receiver:   c.Receiver,
			Equivalent: c.Equivalent,
			Amount:     c.Amount,
			Remaining:  c.Amount,
		},
	}
}

func (p *Protocol) decodeCoordinator(id uuid.UUID, data []byte) (transaction.Transaction, error) {
	c := &Coordinator{p: p, id: id, log: p.txLogger(id, KindCoordinator)}
	if _, err := xdr.Unmarshal(data, &c.d); err != nil {
		return nil, fmt.Errorf("decoding coordinator: %w", err)
	}
	return c, nil
}

func (c *Coordinator) ID() uuid.UUID {
	return c.id
}

func (c *Coordinator) Kind() transaction.Kind {
	return KindCoordinator
}

func (c *Coordinator) MarshalBinary() ([]byte, error) {
	return xdr.Marshal(c.d)
}

func (c *Coordinator) message(t msg.Type) msg.Message {
	return msg.Message{Header: c.p.header(t, c.id, c.d.Equivalent)}
}

func (c *Coordinator) Advance(ctx context.Context, inbox []msg.Message) transaction.Result {
	if c.d.Stage == coordinatorStart {
		return c.start(ctx)
	}
	if len(inbox) == 0 {
		return c.timeout(ctx)
	}
	m := inbox[0]
	if m.Type == msg.TypeProlongationRequest {
		// A live coordinator has not decided yet.
		resp := c.message(msg.TypeProlongationResponse)
		resp.ProlongationResponse = &msg.ProlongationResponse{Decision: msg.DecisionContinue}
		return transaction.ContinuePreviousState().Send(m.Sender, resp)
	}
	switch c.d.Stage {
	case coordinatorAwaitReceiver:
		return c.receiverResponse(ctx, m)
	case coordinatorAwaitFirstHop:
		return c.firstHopResponse(ctx, m)
	case coordinatorAwaitHop:
		return c.hopResponse(ctx, m)
	case coordinatorAwaitVotes:
		return c.vote(ctx, m)
	}
	return internalError(fmt.Errorf("unknown coordinator stage %d", c.d.Stage))
}

func (c *Coordinator) Abort(ctx context.Context, cause error) transaction.Result {
	c.log.Error("aborting payment", slog.Any("error", cause))
	r := c.rollback(ctx, command.Failf(command.CodeInternalError, "%v", cause))
	r.Kind = transaction.ResultError
	r.Err = cause
	return r
}

func (c *Coordinator) start(ctx context.Context) transaction.Result {
	if c.d.Receiver == c.p.self {
		return transaction.Done(command.Failf(command.CodeInvalidRequest, "cannot pay to self"))
	}
	found, err := c.p.paths.FindPaths(ctx, c.p.self, c.d.Receiver, c.d.Equivalent, c.d.Amount)
	if err != nil {
		return internalError(fmt.Errorf("finding paths: %w", err))
	}
	var total int64
	firstHops := map[state.NodeID]bool{}
	for _, path := range found {
		if err := path.Validate(c.p.self, c.d.Receiver); err != nil {
			c.log.Warn("skipping path", slog.Any("error", err))
			continue
		}
		c.d.Paths = append(c.d.Paths, coordinatorPath{
			ID:    state.PathID(len(c.d.Paths) + 1),
			Nodes: append([]state.NodeID(nil), path...),
		})
		if hop := path[1]; !firstHops[hop] {
			firstHops[hop] = true
			total += c.p.ledger.Available(lineKey(hop, c.d.Equivalent), state.DirectionOutgoing)
		}
	}
	if total < c.d.Amount {
		return transaction.Done(command.Failf(command.CodeNotEnoughFunds,
			"%d available to %s, %d requested", total, c.d.Receiver, c.d.Amount))
	}

	c.d.Stage = coordinatorAwaitReceiver
	c.d.Attempts = 1
	return c.awaitReceiver()
}

func (c *Coordinator) awaitReceiver() transaction.Result {
	m := c.message(msg.TypeReceiverInitRequest)
	m.ReceiverInitRequest = &msg.ReceiverInitRequest{Amount: c.d.Amount}
	return transaction.AwaitMessages(c.p.timings.MessageTimeout,
		msg.TypeReceiverInitResponse, msg.TypeProlongationRequest,
	).Send(c.d.Receiver, m)
}

func (c *Coordinator) receiverResponse(ctx context.Context, m msg.Message) transaction.Result {
	if m.Type != msg.TypeReceiverInitResponse || m.Sender != c.d.Receiver {
		c.log.Debug("ignoring message", slog.Any("error", unexpected(m)))
		return transaction.ContinuePreviousState()
	}
	if r := m.ReceiverInitResponse; !r.Accepted {
		return transaction.Done(command.Failf(command.CodeRejected, "receiver refused: %v", r.Reason))
	}
	c.d.Current = 0
	return c.nextPath(ctx)
}

// nextPath starts reserving on the next untried path, or finishes
// reservation when the amount is covered or no paths are left.
func (c *Coordinator) nextPath(ctx context.Context) transaction.Result {
	for c.d.Remaining > 0 && int(c.d.Current) < len(c.d.Paths) {
		path := &c.d.Paths[c.d.Current]
		if path.Status != pathPending {
			c.d.Current++
			continue
		}
		key := lineKey(path.firstHop(), c.d.Equivalent)
		amount := c.p.ledger.Available(key, state.DirectionOutgoing)
		if amount > c.d.Remaining {
			amount = c.d.Remaining
		}
		if amount <= 0 {
			path.Status = pathFailed
			c.d.Refusals++
			continue
		}
		if !c.p.locker.TryLock(c.id, key) {
			c.log.Debug("first hop busy", slog.String("line", key.String()))
			path.Status = pathFailed
			c.d.Refusals++
			continue
		}
		err := c.p.ledger.Reserve(ctx, key, state.Reservation{
			TransactionID: c.id,
			PathID:        path.ID,
			Amount:        amount,
			Direction:     state.DirectionOutgoing,
		})
		if fatal(err) {
			return c.rollback(ctx, command.Failf(command.CodeInternalError, "reserving: %v", err))
		}
		if err != nil {
			c.log.Debug("reserving first hop", slog.String("line", key.String()), slog.Any("error", err))
			path.Status = pathFailed
			c.d.Refusals++
			continue
		}
		path.Amount = amount
		path.Confirmed = 0
		path.Status = pathReserving
		c.d.Stage = coordinatorAwaitFirstHop
		c.d.Attempts = 1
		return c.sendFirstHop(path).Persisted()
	}
	if c.d.Remaining > 0 {
		code := command.CodeNotEnoughFunds
		if c.d.Refusals == 0 && c.d.Silences > 0 {
			code = command.CodeNoResponse
		}
		return c.rollback(ctx, command.Failf(code, "reserved %d of %d", c.d.Amount-c.d.Remaining, c.d.Amount))
	}
	return c.configure(ctx)
}

func (c *Coordinator) sendFirstHop(path *coordinatorPath) transaction.Result {
	m := c.message(msg.TypeIntermediateReservationRequest)
	m.IntermediateReservationRequest = &msg.IntermediateReservationRequest{
		Coordinator: c.p.self,
		PathID:      path.ID,
		Amount:      path.Amount,
		Path:        path.Nodes,
	}
	return transaction.AwaitMessages(c.p.timings.MessageTimeout,
		msg.TypeIntermediateReservationResponse, msg.TypeProlongationRequest,
	).Send(path.firstHop(), m)
}

func (c *Coordinator) sendHop(path *coordinatorPath) transaction.Result {
	m := c.message(msg.TypeCoordinatorReservationRequest)
	m.CoordinatorReservationRequest = &msg.CoordinatorReservationRequest{
		PathID:   path.ID,
		Amount:   path.Amount,
		NextNode: path.Nodes[path.Confirmed+1],
	}
	// The hop asks its neighbor before answering.
	return transaction.AwaitMessages(2*c.p.timings.MessageTimeout,
		msg.TypeCoordinatorReservationResponse, msg.TypeProlongationRequest,
	).Send(path.Nodes[path.Confirmed], m)
}

func (c *Coordinator) current() *coordinatorPath {
	return &c.d.Paths[c.d.Current]
}

func (c *Coordinator) firstHopResponse(ctx context.Context, m msg.Message) transaction.Result {
	path := c.current()
	r := m.IntermediateReservationResponse
	if m.Type != msg.TypeIntermediateReservationResponse || m.Sender != path.firstHop() || r.PathID != path.ID {
		c.log.Debug("ignoring message", slog.Any("error", unexpected(m)))
		return transaction.ContinuePreviousState()
	}
	if !r.Accepted {
		return c.pathFailed(ctx, r.Reason)
	}
	path.Confirmed = 1
	return c.advancePath(ctx)
}

func (c *Coordinator) hopResponse(ctx context.Context, m msg.Message) transaction.Result {
	path := c.current()
	r := m.CoordinatorReservationResponse
	if m.Type != msg.TypeCoordinatorReservationResponse || m.Sender != path.Nodes[path.Confirmed] || r.PathID != path.ID {
		c.log.Debug("ignoring message", slog.Any("error", unexpected(m)))
		return transaction.ContinuePreviousState()
	}
	if !r.Accepted {
		return c.pathFailed(ctx, r.Reason)
	}
	path.Confirmed++
	return c.advancePath(ctx)
}

// advancePath extends the current path's reservation by one hop or, once
// the receiver holds it, moves on to the next path.
func (c *Coordinator) advancePath(ctx context.Context) transaction.Result {
	path := c.current()
	if int(path.Confirmed) == len(path.Nodes)-1 {
		path.Status = pathReserved
		c.d.Remaining -= path.Amount
		c.d.Current++
		c.log.Debug("path reserved",
			slog.Uint64("path", uint64(path.ID)),
			slog.Int64("amount", path.Amount),
			slog.Int64("remaining", c.d.Remaining),
		)
		return c.nextPath(ctx)
	}
	c.d.Stage = coordinatorAwaitHop
	c.d.Attempts = 1
	return c.sendHop(path).Persisted()
}

// pathFailed releases the current path everywhere and tries the next one.
func (c *Coordinator) pathFailed(ctx context.Context, reason msg.Reason) transaction.Result {
	path := c.current()
	c.log.Debug("path failed", slog.Uint64("path", uint64(path.ID)), slog.String("reason", reason.String()))
	if reason == msg.ReasonNoResponse {
		c.d.Silences++
	} else {
		c.d.Refusals++
	}
	path.Status = pathFailed
	key := lineKey(path.firstHop(), c.d.Equivalent)
	if err := c.p.ledger.Release(ctx, key, c.id, path.ID); err != nil && !errors.Is(err, state.ErrReservationNotFound) {
		return c.rollback(ctx, command.Failf(command.CodeInternalError, "releasing: %v", err))
	}
	holders := path.holders()
	c.d.Current++
	r := c.nextPath(ctx)
	for _, n := range holders {
		m := c.message(msg.TypeReservationRollback)
		m.ReservationRollback = &msg.ReservationRollback{PathIDs: []state.PathID{path.ID}}
		r = r.Send(n, m)
	}
	return r
}

func (c *Coordinator) timeout(ctx context.Context) transaction.Result {
	retry := int(c.d.Attempts) < c.p.timings.MaxAttempts
	if retry {
		c.d.Attempts++
	}
	switch c.d.Stage {
	case coordinatorAwaitReceiver:
		if retry {
			return c.awaitReceiver()
		}
		return transaction.Done(command.Failf(command.CodeNoResponse, "receiver %s did not answer", c.d.Receiver))
	case coordinatorAwaitFirstHop:
		if retry {
			return c.sendFirstHop(c.current())
		}
		return c.pathFailed(ctx, msg.ReasonNoResponse)
	case coordinatorAwaitHop:
		if retry {
			return c.sendHop(c.current())
		}
		return c.pathFailed(ctx, msg.ReasonNoResponse)
	case coordinatorAwaitVotes:
		if retry {
			return c.requestVotes(true)
		}
		return c.decide(ctx, command.Failf(command.CodeNoResponse, "participants did not vote"))
	}
	return internalError(fmt.Errorf("timeout in coordinator stage %d", c.d.Stage))
}

// configure fixes the final amounts of the reserved paths and asks every
// participant to vote on them.
func (c *Coordinator) configure(ctx context.Context) transaction.Result {
	final := msg.FinalAmountsConfiguration{Receiver: c.d.Receiver}
	seen := map[state.NodeID]bool{c.p.self: true}
	gateway := false
	for _, path := range c.d.Paths {
		if path.Status != pathReserved {
			continue
		}
		final.Paths = append(final.Paths, msg.PathConfiguration{
			PathID: path.ID,
			Amount: path.Amount,
			Nodes:  path.Nodes,
		})
		for _, n := range path.Nodes {
			if !seen[n] {
				seen[n] = true
				final.Participants = append(final.Participants, n)
			}
		}
		if s, ok := c.p.ledger.Get(lineKey(path.firstHop(), c.d.Equivalent)); ok && s.IsContractorGateway {
			gateway = true
		}
	}
	if gateway {
		data, err := VoteData(c.id, c.p.self, c.d.Equivalent, final)
		if err != nil {
			return c.rollback(ctx, command.Failf(command.CodeInternalError, "%v", err))
		}
		sig, err := c.p.signer.Sign(ctx, data)
		if err != nil {
			return c.rollback(ctx, command.Failf(command.CodeInternalError, "signing receipt: %v", err))
		}
		final.ReceiptSignature = sig
	}
	c.d.Final = final
	c.d.Votes = make([]coordinatorVote, len(final.Participants))
	for i, n := range final.Participants {
		c.d.Votes[i] = coordinatorVote{Node: n}
	}
	c.d.Stage = coordinatorAwaitVotes
	c.d.Attempts = 1
	return c.requestVotes(false).Persisted()
}

// requestVotes sends the final configuration to every participant that has
// not voted yet.
func (c *Coordinator) requestVotes(missingOnly bool) transaction.Result {
	r := transaction.AwaitMessages(c.p.timings.MessageTimeout,
		msg.TypeParticipantVote, msg.TypeProlongationRequest,
	)
	for _, v := range c.d.Votes {
		if missingOnly && v.Received {
			continue
		}
		m := c.message(msg.TypeFinalAmountsConfiguration)
		final := c.d.Final
		m.FinalAmountsConfiguration = &final
		r = r.Send(v.Node, m)
	}
	return r
}

func (c *Coordinator) vote(ctx context.Context, m msg.Message) transaction.Result {
	if m.Type != msg.TypeParticipantVote {
		return transaction.ContinuePreviousState()
	}
	i := -1
	for j, v := range c.d.Votes {
		if v.Node == m.Sender {
			i = j
		}
	}
	if i < 0 || c.d.Votes[i].Received {
		return transaction.ContinuePreviousState()
	}
	v := *m.ParticipantVote
	if !v.Accepted {
		return c.decide(ctx, command.Failf(command.CodeRejected, "%s refused: %v", m.Sender, v.Reason))
	}
	c.d.Votes[i].Received = true
	c.d.Votes[i].Vote = v
	for _, v := range c.d.Votes {
		if !v.Received {
			return transaction.ContinuePreviousState()
		}
	}

	data, err := VoteData(c.id, c.p.self, c.d.Equivalent, c.d.Final)
	if err != nil {
		return c.decide(ctx, command.Failf(command.CodeInternalError, "%v", err))
	}
	inputs := make([]voteVerificationInput, len(c.d.Votes))
	for i, v := range c.d.Votes {
		inputs[i] = voteVerificationInput{Signer: v.Node, Signature: v.Vote.Signature}
	}
	if err := verifyVotes(data, inputs); err != nil {
		return c.decide(ctx, command.Failf(command.CodeInvalidVote, "%v", err))
	}
	return c.commit(ctx)
}

func (c *Coordinator) commit(ctx context.Context) transaction.Result {
	record := &store.PaymentRecord{
		TransactionID: c.id,
		Role:          store.RoleCoordinator,
		Counterparty:  c.d.Receiver,
		Equivalent:    c.d.Equivalent,
		Amount:        c.d.Amount,
		Committed:     true,
		CreatedAt:     c.p.now(),
	}
	touched, err := c.p.ledger.Commit(ctx, c.id, record)
	if err != nil && !errors.Is(err, state.ErrReservationNotFound) {
		return c.decide(ctx, command.Failf(command.CodeInternalError, "committing: %v", err))
	}
	c.log.Info("payment committed", slog.String("receiver", c.d.Receiver.String()), slog.Int64("amount", c.d.Amount))
	return c.broadcast(transaction.Done(command.OK(fmt.Sprintf("paid %d to %s", c.d.Amount, c.d.Receiver))), true).
		WithTouched(touched)
}

// decide rolls the payment back unless it was already committed, which the
// history tells after a restart.
func (c *Coordinator) decide(ctx context.Context, failure command.Result) transaction.Result {
	if c.p.history != nil {
		rec, ok, err := c.p.history.Payment(ctx, c.id)
		if err != nil {
			return internalError(fmt.Errorf("reading history: %w", err))
		}
		if ok && rec.Committed {
			return c.commit(ctx)
		}
	}
	return c.rollback(ctx, failure)
}

// rollback releases every reservation of the payment and tells every node
// that may hold one.
func (c *Coordinator) rollback(ctx context.Context, outcome command.Result) transaction.Result {
	if _, err := c.p.ledger.ReleaseAll(ctx, c.id); err != nil {
		c.log.Error("releasing reservations", slog.Any("error", err))
	}
	c.log.Info("payment rolled back", slog.String("outcome", outcome.String()))
	r := transaction.Done(outcome)
	if c.d.Stage == coordinatorAwaitVotes {
		return c.broadcast(r, false)
	}
	var ids []state.PathID
	holders := map[state.NodeID]bool{}
	var order []state.NodeID
	for i := range c.d.Paths {
		path := &c.d.Paths[i]
		if path.Status != pathReserving && path.Status != pathReserved {
			continue
		}
		ids = append(ids, path.ID)
		for _, n := range path.holders() {
			if !holders[n] {
				holders[n] = true
				order = append(order, n)
			}
		}
	}
	for _, n := range order {
		m := c.message(msg.TypeReservationRollback)
		m.ReservationRollback = &msg.ReservationRollback{PathIDs: ids}
		r = r.Send(n, m)
	}
	return r
}

func (c *Coordinator) broadcast(r transaction.Result, commit bool) transaction.Result {
	for _, n := range c.d.Final.Participants {
		m := c.message(msg.TypeParticipantsDecision)
		m.ParticipantsDecision = &msg.ParticipantsDecision{Commit: commit}
		r = r.Send(n, m)
	}
	return r
}
