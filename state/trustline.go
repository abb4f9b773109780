package state

import (
	"fmt"

	"github.com/google/uuid"
)

// Reservation is a hold on trust line capacity owned by one in-flight
// transaction for one of its paths.
type Reservation struct {
	TransactionID uuid.UUID
	PathID        PathID
	Amount        int64
	Direction     Direction
}

// TrustLine is the local node's copy of a trust line with one contractor in
// one equivalent.
type TrustLine struct {
	key LineKey

	incomingAmount int64
	outgoingAmount int64
	balance        int64

	status              Status
	isContractorGateway bool
	auditNumber         uint64

	reservations []Reservation
}

// Snapshot is a snapshot of a trust line. A Snapshot can be restored into a
// TrustLine using NewTrustLineFromSnapshot.
type Snapshot struct {
	Contractor NodeID
	Equivalent Equivalent

	IncomingAmount int64
	OutgoingAmount int64
	Balance        int64

	Status              Status
	IsContractorGateway bool
	AuditNumber         uint64

	Reservations []Reservation
}

// NewTrustLine creates a trust line in the Init status with zero limits.
func NewTrustLine(key LineKey) *TrustLine {
	return &TrustLine{
		key:    key,
		status: StatusInit,
	}
}

// NewTrustLineFromSnapshot creates a trust line with the same state as the
// trust line the snapshot was taken from.
func NewTrustLineFromSnapshot(s Snapshot) *TrustLine {
	l := &TrustLine{
		key:                 LineKey{Contractor: s.Contractor, Equivalent: s.Equivalent},
		incomingAmount:      s.IncomingAmount,
		outgoingAmount:      s.OutgoingAmount,
		balance:             s.Balance,
		status:              s.Status,
		isContractorGateway: s.IsContractorGateway,
		auditNumber:         s.AuditNumber,
	}
	if len(s.Reservations) > 0 {
		l.reservations = append([]Reservation(nil), s.Reservations...)
	}
	return l
}

// Snapshot returns a snapshot of the trust line. The snapshot shares no
// memory with the trust line.
func (l *TrustLine) Snapshot() Snapshot {
	s := Snapshot{
		Contractor:          l.key.Contractor,
		Equivalent:          l.key.Equivalent,
		IncomingAmount:      l.incomingAmount,
		OutgoingAmount:      l.outgoingAmount,
		Balance:             l.balance,
		Status:              l.status,
		IsContractorGateway: l.isContractorGateway,
		AuditNumber:         l.auditNumber,
	}
	if len(l.reservations) > 0 {
		s.Reservations = append([]Reservation(nil), l.reservations...)
	}
	return s
}

// Clone returns a deep copy of the trust line.
func (l *TrustLine) Clone() *TrustLine {
	return NewTrustLineFromSnapshot(l.Snapshot())
}

func (l *TrustLine) Key() LineKey {
	return l.key
}

func (l *TrustLine) IncomingAmount() int64 {
	return l.incomingAmount
}

func (l *TrustLine) OutgoingAmount() int64 {
	return l.outgoingAmount
}

func (l *TrustLine) Balance() int64 {
	return l.balance
}

func (l *TrustLine) Status() Status {
	return l.status
}

func (l *TrustLine) IsContractorGateway() bool {
	return l.isContractorGateway
}

func (l *TrustLine) AuditNumber() uint64 {
	return l.auditNumber
}

// Reservations returns a copy of the open reservations on the line.
func (l *TrustLine) Reservations() []Reservation {
	return append([]Reservation(nil), l.reservations...)
}

func (l *TrustLine) HasReservations() bool {
	return len(l.reservations) > 0
}

// Reserved returns the sum of open reservations in the direction.
func (l *TrustLine) Reserved(d Direction) int64 {
	sum := int64(0)
	for _, r := range l.reservations {
		if r.Direction == d {
			sum += r.Amount
		}
	}
	return sum
}

func (l *TrustLine) limit(d Direction) int64 {
	if d == DirectionOutgoing {
		return l.outgoingAmount
	}
	return l.incomingAmount
}

// balanceUse is the part of the limit in the direction already consumed by
// the committed balance. It is negative when the contractor owes in that
// direction, which frees capacity.
func (l *TrustLine) balanceUse(d Direction) int64 {
	if d == DirectionOutgoing {
		return l.balance
	}
	return -l.balance
}

// Used returns the committed and reserved use of the limit in the direction.
func (l *TrustLine) Used(d Direction) int64 {
	return l.balanceUse(d) + l.Reserved(d)
}

// Available returns the free capacity in the direction that is neither used
// by the balance nor held by a reservation.
func (l *TrustLine) Available(d Direction) int64 {
	a := l.limit(d) - l.Used(d)
	if a < 0 {
		return 0
	}
	return a
}

func (l *TrustLine) findReservation(txID uuid.UUID, pathID PathID) int {
	for i, r := range l.reservations {
		if r.TransactionID == txID && r.PathID == pathID {
			return i
		}
	}
	return -1
}

// Reservation returns the reservation held by the transaction for the path.
func (l *TrustLine) Reservation(txID uuid.UUID, pathID PathID) (Reservation, bool) {
	i := l.findReservation(txID, pathID)
	if i < 0 {
		return Reservation{}, false
	}
	return l.reservations[i], true
}

// Reserve holds capacity for the reservation. The line must be active and the
// amount must fit within the available capacity in the reservation's
// direction.
func (l *TrustLine) Reserve(r Reservation) error {
	if r.Amount <= 0 {
		return ErrInvalidAmount
	}
	if r.Direction != DirectionOutgoing && r.Direction != DirectionIncoming {
		return fmt.Errorf("reserving on %s: unknown %v", l.key, r.Direction)
	}
	if l.status != StatusActive {
		return fmt.Errorf("reserving on %s in status %s: %w", l.key, l.status, ErrLineNotActive)
	}
	if l.findReservation(r.TransactionID, r.PathID) >= 0 {
		return fmt.Errorf("reserving on %s for path %d: %w", l.key, r.PathID, ErrReservationExists)
	}
	available := l.Available(r.Direction)
	if r.Amount > available {
		return fmt.Errorf("reserving %d %s on %s with %d available: %w", r.Amount, r.Direction, l.key, available, ErrInsufficientCapacity)
	}
	l.reservations = append(l.reservations, r)
	return nil
}

// Release discards the reservation and returns its capacity.
func (l *TrustLine) Release(txID uuid.UUID, pathID PathID) (Reservation, error) {
	i := l.findReservation(txID, pathID)
	if i < 0 {
		return Reservation{}, ErrReservationNotFound
	}
	r := l.reservations[i]
	l.reservations = append(l.reservations[:i], l.reservations[i+1:]...)
	return r, nil
}

// ReleaseTransaction discards every reservation the transaction holds on the
// line, returning the discarded reservations.
func (l *TrustLine) ReleaseTransaction(txID uuid.UUID) []Reservation {
	var released []Reservation
	kept := l.reservations[:0]
	for _, r := range l.reservations {
		if r.TransactionID == txID {
			released = append(released, r)
			continue
		}
		kept = append(kept, r)
	}
	l.reservations = kept
	return released
}

func (l *TrustLine) fold(r Reservation) {
	if r.Direction == DirectionOutgoing {
		l.balance += r.Amount
	} else {
		l.balance -= r.Amount
	}
}

func (l *TrustLine) advanceAudit() {
	l.auditNumber++
	l.status = StatusAuditPending
}

// Commit folds the reservation into the balance and clears it. The audit
// number advances and a new audit becomes necessary.
func (l *TrustLine) Commit(txID uuid.UUID, pathID PathID) (Reservation, error) {
	r, err := l.Release(txID, pathID)
	if err != nil {
		return Reservation{}, err
	}
	l.fold(r)
	l.advanceAudit()
	return r, nil
}

// CommitTransaction folds every reservation the transaction holds on the
// line into the balance, advancing the audit number once.
func (l *TrustLine) CommitTransaction(txID uuid.UUID) ([]Reservation, error) {
	committed := l.ReleaseTransaction(txID)
	if len(committed) == 0 {
		return nil, ErrReservationNotFound
	}
	for _, r := range committed {
		l.fold(r)
	}
	l.advanceAudit()
	return committed, nil
}

// SetIncomingAmount sets the credit the local node extends to the
// contractor.
func (l *TrustLine) SetIncomingAmount(amount int64) error {
	if amount < 0 {
		return ErrNegativeLimit
	}
	if used := l.Used(DirectionIncoming); amount < used {
		return fmt.Errorf("setting incoming amount %d with %d in use: %w", amount, used, ErrLimitBelowUsage)
	}
	l.incomingAmount = amount
	l.advanceAudit()
	return nil
}

// SetOutgoingAmount sets the credit the contractor extends to the local
// node.
func (l *TrustLine) SetOutgoingAmount(amount int64) error {
	if amount < 0 {
		return ErrNegativeLimit
	}
	if used := l.Used(DirectionOutgoing); amount < used {
		return fmt.Errorf("setting outgoing amount %d with %d in use: %w", amount, used, ErrLimitBelowUsage)
	}
	l.outgoingAmount = amount
	l.advanceAudit()
	return nil
}

func (l *TrustLine) SetContractorGateway(gateway bool) {
	l.isContractorGateway = gateway
}

// Closable reports whether the line carries nothing: no limits, no balance
// and no reservations.
func (l *TrustLine) Closable() bool {
	return l.incomingAmount == 0 && l.outgoingAmount == 0 && l.balance == 0 && len(l.reservations) == 0
}

// ApplyAudit records that both sides signed the snapshot with the audit
// number. The line becomes active, or archived if it is closable.
func (l *TrustLine) ApplyAudit(auditNumber uint64) error {
	if len(l.reservations) > 0 {
		return fmt.Errorf("auditing %s: %w", l.key, ErrPendingReservations)
	}
	if auditNumber != l.auditNumber {
		return fmt.Errorf("auditing %s at %d, line is at %d: %w", l.key, auditNumber, l.auditNumber, ErrAuditNumberMismatch)
	}
	if l.Closable() {
		l.status = StatusArchived
	} else {
		l.status = StatusActive
	}
	return nil
}

// CheckCapacity verifies that neither direction is over committed.
func (l *TrustLine) CheckCapacity() error {
	for _, d := range []Direction{DirectionOutgoing, DirectionIncoming} {
		if used := l.Used(d); used > l.limit(d) {
			return fmt.Errorf("%s %s over committed: %d used of %d", l.key, d, used, l.limit(d))
		}
	}
	return nil
}

// AuditSnapshot is the part of a trust line both sides sign during an
// audit, from the signer's point of view.
type AuditSnapshot struct {
	Equivalent     Equivalent
	AuditNumber    uint64
	IncomingAmount int64
	OutgoingAmount int64
	Balance        int64
}

// AuditSnapshot returns the audit snapshot of the line as it is now.
func (l *TrustLine) AuditSnapshot() AuditSnapshot {
	return AuditSnapshot{
		Equivalent:     l.key.Equivalent,
		AuditNumber:    l.auditNumber,
		IncomingAmount: l.incomingAmount,
		OutgoingAmount: l.outgoingAmount,
		Balance:        l.balance,
	}
}

// Mirror returns the snapshot as the contractor sees it.
func (s AuditSnapshot) Mirror() AuditSnapshot {
	return AuditSnapshot{
		Equivalent:     s.Equivalent,
		AuditNumber:    s.AuditNumber,
		IncomingAmount: s.OutgoingAmount,
		OutgoingAmount: s.IncomingAmount,
		Balance:        -s.Balance,
	}
}
