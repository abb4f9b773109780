// Package msg contains the protocol messages exchanged between nodes and
// their binary encoding.
package msg

import (
	"fmt"

	"github.com/GEO-Project/network-client/audit"
	"github.com/GEO-Project/network-client/state"
	"github.com/google/uuid"
)

type Type uint16

const (
	TypeSetTrustLineRequest  Type = 100
	TypeSetTrustLineResponse Type = 101
	TypeAuditRequest         Type = 110
	TypeAuditResponse        Type = 111

	TypeReceiverInitRequest             Type = 200
	TypeReceiverInitResponse            Type = 201
	TypeIntermediateReservationRequest  Type = 210
	TypeIntermediateReservationResponse Type = 211
	TypeCoordinatorReservationRequest   Type = 220
	TypeCoordinatorReservationResponse  Type = 221
	TypeFinalAmountsConfiguration       Type = 230
	TypeParticipantVote                 Type = 231
	TypeParticipantsDecision            Type = 240
	TypeReservationRollback             Type = 241
	TypeProlongationRequest             Type = 250
	TypeProlongationResponse            Type = 251
)

var typeNames = map[Type]string{
	TypeSetTrustLineRequest:             "SetTrustLineRequest",
	TypeSetTrustLineResponse:            "SetTrustLineResponse",
	TypeAuditRequest:                    "AuditRequest",
	TypeAuditResponse:                   "AuditResponse",
	TypeReceiverInitRequest:             "ReceiverInitRequest",
	TypeReceiverInitResponse:            "ReceiverInitResponse",
	TypeIntermediateReservationRequest:  "IntermediateReservationRequest",
	TypeIntermediateReservationResponse: "IntermediateReservationResponse",
	TypeCoordinatorReservationRequest:   "CoordinatorReservationRequest",
	TypeCoordinatorReservationResponse:  "CoordinatorReservationResponse",
	TypeFinalAmountsConfiguration:       "FinalAmountsConfiguration",
	TypeParticipantVote:                 "ParticipantVote",
	TypeParticipantsDecision:            "ParticipantsDecision",
	TypeReservationRollback:             "ReservationRollback",
	TypeProlongationRequest:             "ProlongationRequest",
	TypeProlongationResponse:            "ProlongationResponse",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("Type(%d)", uint16(t))
}

// Types returns every known message type.
func Types() []Type {
	types := make([]Type, 0, len(typeNames))
	for t := range typeNames {
		types = append(types, t)
	}
	return types
}

// Reason explains why a request was refused.
type Reason uint32

const (
	ReasonNone Reason = iota
	ReasonInsufficientCapacity
	ReasonLineNotActive
	ReasonBusy
	ReasonProtocol
	ReasonInvalidPath
	ReasonUnknownTransaction
	ReasonInvalidSignature
	ReasonNoResponse
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonInsufficientCapacity:
		return "insufficient capacity"
	case ReasonLineNotActive:
		return "trust line not active"
	case ReasonBusy:
		return "busy"
	case ReasonProtocol:
		return "protocol error"
	case ReasonInvalidPath:
		return "invalid path"
	case ReasonUnknownTransaction:
		return "unknown transaction"
	case ReasonInvalidSignature:
		return "invalid signature"
	case ReasonNoResponse:
		return "no response"
	}
	return fmt.Sprintf("Reason(%d)", uint32(r))
}

// Header is carried by every message.
type Header struct {
	Type          Type
	Sender        state.NodeID
	TransactionID uuid.UUID
	Equivalent    state.Equivalent
}

// Message is a header and exactly one body, the one matching the header's
// type.
type Message struct {
	Header

	SetTrustLineRequest  *SetTrustLineRequest
	SetTrustLineResponse *SetTrustLineResponse
	AuditRequest         *AuditRequest
	AuditResponse        *AuditResponse

	ReceiverInitRequest             *ReceiverInitRequest
	ReceiverInitResponse            *ReceiverInitResponse
	IntermediateReservationRequest  *IntermediateReservationRequest
	IntermediateReservationResponse *ReservationResponse
	CoordinatorReservationRequest   *CoordinatorReservationRequest
	CoordinatorReservationResponse  *ReservationResponse
	FinalAmountsConfiguration       *FinalAmountsConfiguration
	ParticipantVote                 *ParticipantVote
	ParticipantsDecision            *ParticipantsDecision
	ReservationRollback             *ReservationRollback
	ProlongationRequest             *ProlongationRequest
	ProlongationResponse            *ProlongationResponse
}

// SetTrustLineRequest asks the contractor to mirror the credit limit the
// sender extends to it.
type SetTrustLineRequest struct {
	Amount int64
}

type SetTrustLineResponse struct {
	Accepted bool
	Reason   Reason
}

// AuditRequest carries the sender's view of the trust line and its signature
// over it.
type AuditRequest struct {
	Snapshot  state.AuditSnapshot
	Signature audit.Signature
}

type AuditResponse struct {
	Accepted  bool
	Reason    Reason
	Signature audit.Signature
}

// ReceiverInitRequest announces a payment of Amount to the receiver.
type ReceiverInitRequest struct {
	Amount int64
}

type ReceiverInitResponse struct {
	Accepted bool
	Reason   Reason
}

// IntermediateReservationRequest asks the next node on a path to hold
// capacity on its line with the sender.
type IntermediateReservationRequest struct {
	Coordinator state.NodeID
	PathID      state.PathID
	Amount      int64
	Path        []state.NodeID
}

// CoordinatorReservationRequest asks a node that already reserved toward the
// previous node to extend the reservation to NextNode.
type CoordinatorReservationRequest struct {
	PathID   state.PathID
	Amount   int64
	NextNode state.NodeID
}

// ReservationResponse answers a reservation request for one path.
type ReservationResponse struct {
	PathID   state.PathID
	Accepted bool
	Reason   Reason
}

// PathConfiguration is one path's final amount and its nodes, coordinator
// first and receiver last.
type PathConfiguration struct {
	PathID state.PathID
	Amount int64
	Nodes  []state.NodeID
}

// FinalAmountsConfiguration fixes the amounts of every reserved path and
// names every participant that must vote.
type FinalAmountsConfiguration struct {
	Receiver     state.NodeID
	Paths        []PathConfiguration
	Participants []state.NodeID

	// ReceiptSignature is set when the coordinator pays through a gateway
	// line. It is zero otherwise.
	ReceiptSignature audit.Signature
}

// ParticipantVote is a participant's signed acceptance of the final amounts,
// or its refusal.
type ParticipantVote struct {
	Accepted  bool
	Reason    Reason
	Signature audit.Signature
}

type ParticipantsDecision struct {
	Commit bool
}

// ReservationRollback releases the reservations made for failed paths.
type ReservationRollback struct {
	PathIDs []state.PathID
}

// ProlongationRequest asks the coordinator whether a payment is still alive.
type ProlongationRequest struct{}

type Decision uint32

const (
	DecisionContinue Decision = iota
	DecisionCommit
	DecisionRollback
)

func (d Decision) String() string {
	switch d {
	case DecisionContinue:
		return "continue"
	case DecisionCommit:
		return "commit"
	case DecisionRollback:
		return "rollback"
	}
	return fmt.Sprintf("Decision(%d)", uint32(d))
}

type ProlongationResponse struct {
	Decision Decision
}
