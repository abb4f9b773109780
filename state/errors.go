package state

import "errors"

var (
	// ErrInsufficientCapacity indicates that a reservation is larger than the
	// free capacity of the trust line in the reservation's direction.
	ErrInsufficientCapacity = errors.New("insufficient capacity")

	// ErrReservationNotFound indicates that no reservation exists for the
	// transaction and path. Callers treat it as settled elsewhere, either
	// already committed or already released.
	ErrReservationNotFound = errors.New("reservation not found")

	ErrReservationExists   = errors.New("reservation already exists")
	ErrLineNotActive       = errors.New("trust line is not active")
	ErrInvalidAmount       = errors.New("amount must be greater than 0")
	ErrNegativeLimit       = errors.New("limit must not be negative")
	ErrLimitBelowUsage     = errors.New("limit is below the amount in use")
	ErrPendingReservations = errors.New("trust line has pending reservations")
	ErrAuditNumberMismatch = errors.New("audit number mismatch")
)
