package payment

import (
	"fmt"

	"github.com/GEO-Project/network-client/audit"
	"github.com/GEO-Project/network-client/msg"
	"github.com/GEO-Project/network-client/state"
	"github.com/davecgh/go-xdr/xdr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type votePayload struct {
	TransactionID uuid.UUID
	Coordinator   state.NodeID
	Equivalent    state.Equivalent
	Receiver      state.NodeID
	Paths         []msg.PathConfiguration
	Participants  []state.NodeID
}

// VoteData returns the bytes every participant signs to vote for the final
// amounts of a payment.
func VoteData(txID uuid.UUID, coordinator state.NodeID, eq state.Equivalent, c msg.FinalAmountsConfiguration) ([]byte, error) {
	b, err := xdr.Marshal(votePayload{
		TransactionID: txID,
		Coordinator:   coordinator,
		Equivalent:    eq,
		Receiver:      c.Receiver,
		Paths:         c.Paths,
		Participants:  c.Participants,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding vote: %w", err)
	}
	return b, nil
}

type voteVerificationInput struct {
	Signer    state.NodeID
	Signature audit.Signature
}

// verifyVotes verifies every vote signature in parallel.
func verifyVotes(data []byte, inputs []voteVerificationInput) error {
	g := errgroup.Group{}
	for _, i := range inputs {
		i := i
		g.Go(func() error {
			return audit.Verify(i.Signer, data, i.Signature)
		})
	}
	return g.Wait()
}
