package agent

import (
	"github.com/GEO-Project/network-client/command"
	"github.com/GEO-Project/network-client/state"
	"github.com/google/uuid"
)

// Event is one of the event types below.
type Event interface{}

// ErrorEvent occurs when a transaction failed with an error, and contains
// the error occurred.
type ErrorEvent struct {
	TransactionID uuid.UUID
	Err           error
}

// PaymentSentEvent occurs when a payment the node made has finished,
// successfully or not.
type PaymentSentEvent struct {
	TransactionID uuid.UUID
	Result        command.Result
}

// PaymentReceivedEvent occurs when a payment to the node has committed.
type PaymentReceivedEvent struct {
	TransactionID uuid.UUID
	Lines         []state.LineKey
}

// PaymentRelayedEvent occurs when a payment the node was an intermediate of
// has committed.
type PaymentRelayedEvent struct {
	TransactionID uuid.UUID
	Lines         []state.LineKey
}

// TrustLineSetEvent occurs when a change of a credit limit, by the node or
// by a contractor, has finished.
type TrustLineSetEvent struct {
	TransactionID uuid.UUID
	Result        command.Result
}

// TrustLineAuditedEvent occurs when an audit of a trust line has finished.
type TrustLineAuditedEvent struct {
	TransactionID uuid.UUID
	Result        command.Result
}
