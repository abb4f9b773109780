package state

import (
	"fmt"
	"sort"
)

// NodeID identifies a node by the address of its identity key.
type NodeID string

func (n NodeID) String() string {
	return string(n)
}

// Equivalent identifies the unit a trust line is denominated in.
type Equivalent uint32

// PathID distinguishes the routes tried within a single payment.
type PathID uint32

// LineKey identifies a trust line from the local node's point of view.
type LineKey struct {
	Contractor NodeID
	Equivalent Equivalent
}

func (k LineKey) String() string {
	return fmt.Sprintf("%s/%d", k.Contractor, k.Equivalent)
}

// Less orders line keys by contractor, then by equivalent. Locks on several
// trust lines are always taken in this order.
func (k LineKey) Less(o LineKey) bool {
	if k.Contractor != o.Contractor {
		return k.Contractor < o.Contractor
	}
	return k.Equivalent < o.Equivalent
}

// SortLineKeys sorts keys in lock order.
func SortLineKeys(keys []LineKey) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Less(keys[j])
	})
}

type Status string

const (
	StatusInit         = Status("init")
	StatusAuditPending = Status("audit_pending")
	StatusActive       = Status("active")
	StatusArchived     = Status("archived")
)

// Direction is the direction of value movement across a trust line relative
// to the local node.
type Direction uint32

const (
	DirectionOutgoing Direction = 1
	DirectionIncoming Direction = 2
)

func (d Direction) String() string {
	switch d {
	case DirectionOutgoing:
		return "outgoing"
	case DirectionIncoming:
		return "incoming"
	}
	return fmt.Sprintf("direction(%d)", uint32(d))
}
