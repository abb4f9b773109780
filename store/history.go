package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/GEO-Project/network-client/state"
	"github.com/google/uuid"
)

// Role of the local node in a recorded payment.
type Role string

const (
	RoleCoordinator = Role("coordinator")
	RoleReceiver    = Role("receiver")
)

// PaymentRecord is an entry of the payment history.
type PaymentRecord struct {
	TransactionID uuid.UUID
	Role          Role
	// Counterparty is the receiver for a coordinator's record and the
	// coordinator for a receiver's record.
	Counterparty state.NodeID
	Equivalent   state.Equivalent
	Amount       int64
	Committed    bool
	CreatedAt    time.Time
}

const paymentColumns = `transaction_id, role, counterparty, equivalent, amount, committed, created_at`

func scanPayment(row scanner) (PaymentRecord, error) {
	var (
		p            PaymentRecord
		id           string
		role         string
		counterparty string
		equivalent   int64
		createdAt    int64
	)
	if err := row.Scan(&id, &role, &counterparty, &equivalent, &p.Amount, &p.Committed, &createdAt); err != nil {
		return PaymentRecord{}, err
	}
	txID, err := uuid.Parse(id)
	if err != nil {
		return PaymentRecord{}, fmt.Errorf("parsing payment id %q: %w", id, err)
	}
	p.TransactionID = txID
	p.Role = Role(role)
	p.Counterparty = state.NodeID(counterparty)
	p.Equivalent = state.Equivalent(equivalent)
	p.CreatedAt = time.Unix(0, createdAt).UTC()
	return p, nil
}

func (t *Tx) PutPayment(ctx context.Context, p PaymentRecord) error {
	err := t.exec(ctx, `INSERT INTO payment_history (`+paymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (transaction_id) DO UPDATE SET committed = excluded.committed`,
		p.TransactionID.String(), string(p.Role), string(p.Counterparty), int64(p.Equivalent), p.Amount, p.Committed, p.CreatedAt.UnixNano())
	if err != nil {
		return storageErr(fmt.Sprintf("writing payment %s", p.TransactionID), err)
	}
	return nil
}

func (t *Tx) Payment(ctx context.Context, id uuid.UUID) (PaymentRecord, bool, error) {
	row := t.queryRow(ctx, `SELECT `+paymentColumns+` FROM payment_history WHERE transaction_id = ?`, id.String())
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PaymentRecord{}, false, nil
	}
	if err != nil {
		return PaymentRecord{}, false, storageErr(fmt.Sprintf("reading payment %s", id), err)
	}
	return p, true, nil
}

func (t *Tx) Payments(ctx context.Context, limit int) ([]PaymentRecord, error) {
	rows, err := t.query(ctx, `SELECT `+paymentColumns+` FROM payment_history ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("reading payments", err)
	}
	defer func() { _ = rows.Close() }()
	var payments []PaymentRecord
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, storageErr("reading payments", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("reading payments", err)
	}
	return payments, nil
}

// Payment returns the history entry of the payment. The bool is false if the
// payment was never recorded.
func (s *Store) Payment(ctx context.Context, id uuid.UUID) (PaymentRecord, bool, error) {
	var (
		p  PaymentRecord
		ok bool
	)
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		p, ok, err = tx.Payment(ctx, id)
		return err
	})
	return p, ok, err
}

// Payments returns the most recent history entries, newest first.
func (s *Store) Payments(ctx context.Context, limit int) ([]PaymentRecord, error) {
	var payments []PaymentRecord
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		payments, err = tx.Payments(ctx, limit)
		return err
	})
	return payments, err
}
