// Package transaction defines the resumable unit of work run by the
// scheduler.
//
// A transaction is a state machine. The scheduler calls Advance with the
// messages that arrived for it, or with no messages when its wait expired,
// and the transaction answers with a Result saying what to wait for next.
// Advance never blocks on the network.
package transaction

import (
	"context"
	"encoding"
	"time"

	"github.com/GEO-Project/network-client/command"
	"github.com/GEO-Project/network-client/msg"
	"github.com/GEO-Project/network-client/state"
	"github.com/google/uuid"
)

// Kind names a transaction variant. It selects the decoder used when the
// transaction is recovered.
type Kind string

type Transaction interface {
	ID() uuid.UUID
	Kind() Kind

	// Advance moves the transaction forward. inbox holds the messages that
	// arrived since the last call, in arrival order. It is empty when the
	// transaction starts from a local request or its wait expired.
	Advance(ctx context.Context, inbox []msg.Message) Result

	// Abort is called when the scheduler cannot keep the transaction alive,
	// such as when persisting its state failed. It must release what the
	// transaction holds and return a terminal result.
	Abort(ctx context.Context, cause error) Result

	// MarshalBinary encodes the transaction's stage and fields for recovery.
	encoding.BinaryMarshaler
}

// Decoder restores a transaction from the data its MarshalBinary produced.
type Decoder func(id uuid.UUID, data []byte) (Transaction, error)

type ResultKind int

const (
	ResultDone ResultKind = iota
	ResultAwaitMessages
	ResultAwaitTimer
	ResultContinuePreviousState
	ResultError
)

func (k ResultKind) String() string {
	switch k {
	case ResultDone:
		return "done"
	case ResultAwaitMessages:
		return "await_messages"
	case ResultAwaitTimer:
		return "await_timer"
	case ResultContinuePreviousState:
		return "continue_previous_state"
	case ResultError:
		return "error"
	}
	return "unknown"
}

// Outgoing is a message to send once the result is applied.
type Outgoing struct {
	To      state.NodeID
	Message msg.Message
}

// Result tells the scheduler what to do with a transaction after Advance.
type Result struct {
	Kind ResultKind

	// AwaitTypes are the message types that resume an AwaitMessages wait.
	AwaitTypes []msg.Type
	// Timeout is the wait of AwaitMessages and the delay of AwaitTimer.
	Timeout time.Duration

	// Outgoing messages are sent after the result is persisted.
	Outgoing []Outgoing

	// Persist asks the scheduler to checkpoint the transaction before the
	// outgoing messages are sent.
	Persist bool

	// Outcome is delivered to whoever waits on a terminal transaction.
	Outcome command.Result

	// Touched lists the trust lines whose balance the transaction changed.
	Touched []state.LineKey

	// Err is the cause of an Error result.
	Err error
}

func (r Result) Terminal() bool {
	return r.Kind == ResultDone || r.Kind == ResultError
}

// Done ends the transaction.
func Done(outcome command.Result) Result {
	return Result{Kind: ResultDone, Outcome: outcome}
}

// Error ends the transaction with an unrecoverable failure.
func Error(err error, outcome command.Result) Result {
	return Result{Kind: ResultError, Err: err, Outcome: outcome}
}

// AwaitMessages suspends the transaction until a message of one of the types
// arrives or the timeout elapses.
func AwaitMessages(timeout time.Duration, types ...msg.Type) Result {
	return Result{Kind: ResultAwaitMessages, Timeout: timeout, AwaitTypes: types}
}

// AwaitTimer suspends the transaction for the delay.
func AwaitTimer(delay time.Duration) Result {
	return Result{Kind: ResultAwaitTimer, Timeout: delay}
}

// ContinuePreviousState keeps the wait the transaction was in, including its
// deadline.
func ContinuePreviousState() Result {
	return Result{Kind: ResultContinuePreviousState}
}

// Send appends a message to the result's outgoing messages.
func (r Result) Send(to state.NodeID, m msg.Message) Result {
	r.Outgoing = append(r.Outgoing, Outgoing{To: to, Message: m})
	return r
}

// Persisted marks the result for checkpointing.
func (r Result) Persisted() Result {
	r.Persist = true
	return r
}

func (r Result) WithTouched(keys []state.LineKey) Result {
	r.Touched = keys
	return r
}
