package transaction

import (
	"fmt"
	"time"

	"github.com/GEO-Project/network-client/msg"
	"github.com/GEO-Project/network-client/state"
	"github.com/davecgh/go-xdr/xdr"
)

// Checkpoint is the durable record of a suspended transaction: its encoded
// fields, the wait it is in and the trust lines it holds.
type Checkpoint struct {
	Kind       Kind
	Data       []byte
	Wait       ResultKind
	AwaitTypes []msg.Type
	Deadline   time.Time
	Locks      []state.LineKey
}

type checkpointLock struct {
	Contractor state.NodeID
	Equivalent state.Equivalent
}

type checkpointRecord struct {
	Version    uint32
	Kind       string
	Data       []byte
	Wait       uint32
	AwaitTypes []uint32
	Deadline   int64
	Locks      []checkpointLock
}

const checkpointVersion = 1

func (c Checkpoint) MarshalBinary() ([]byte, error) {
	r := checkpointRecord{
		Version:  checkpointVersion,
		Kind:     string(c.Kind),
		Data:     c.Data,
		Wait:     uint32(c.Wait),
		Deadline: c.Deadline.UnixNano(),
	}
	for _, t := range c.AwaitTypes {
		r.AwaitTypes = append(r.AwaitTypes, uint32(t))
	}
	for _, k := range c.Locks {
		r.Locks = append(r.Locks, checkpointLock{Contractor: k.Contractor, Equivalent: k.Equivalent})
	}
	b, err := xdr.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding checkpoint: %w", err)
	}
	return b, nil
}

func (c *Checkpoint) UnmarshalBinary(b []byte) error {
	r := checkpointRecord{}
	if _, err := xdr.Unmarshal(b, &r); err != nil {
		return fmt.Errorf("decoding checkpoint: %w", err)
	}
	if r.Version != checkpointVersion {
		return fmt.Errorf("decoding checkpoint: unknown version %d", r.Version)
	}
	wait := ResultKind(r.Wait)
	if wait != ResultAwaitMessages && wait != ResultAwaitTimer {
		return fmt.Errorf("decoding checkpoint: invalid wait %v", wait)
	}
	*c = Checkpoint{
		Kind:     Kind(r.Kind),
		Data:     r.Data,
		Wait:     wait,
		Deadline: time.Unix(0, r.Deadline),
	}
	for _, t := range r.AwaitTypes {
		c.AwaitTypes = append(c.AwaitTypes, msg.Type(t))
	}
	for _, l := range r.Locks {
		c.Locks = append(c.Locks, state.LineKey{Contractor: l.Contractor, Equivalent: l.Equivalent})
	}
	return nil
}
