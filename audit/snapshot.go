package audit

import (
	"fmt"

	"github.com/GEO-Project/network-client/state"
	"github.com/davecgh/go-xdr/xdr"
)

type snapshotPayload struct {
	Signer     state.NodeID
	Contractor state.NodeID
	Snapshot   state.AuditSnapshot
}

// SnapshotData returns the bytes signer signs for a trust line audit, where s
// is the snapshot as signer sees it. The contractor verifies the signature
// against the mirror of its own snapshot.
func SnapshotData(signer, contractor state.NodeID, s state.AuditSnapshot) ([]byte, error) {
	b, err := xdr.Marshal(snapshotPayload{Signer: signer, Contractor: contractor, Snapshot: s})
	if err != nil {
		return nil, fmt.Errorf("encoding audit snapshot: %w", err)
	}
	return b, nil
}
