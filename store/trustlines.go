package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/GEO-Project/network-client/state"
	"github.com/google/uuid"
)

const trustLineColumns = `contractor, equivalent, incoming_amount, outgoing_amount, balance, status, is_contractor_gateway, audit_number`

type scanner interface {
	Scan(dest ...any) error
}

func scanTrustLine(row scanner) (state.Snapshot, error) {
	var (
		s           state.Snapshot
		contractor  string
		equivalent  int64
		status      string
		auditNumber int64
	)
	err := row.Scan(&contractor, &equivalent, &s.IncomingAmount, &s.OutgoingAmount, &s.Balance, &status, &s.IsContractorGateway, &auditNumber)
	if err != nil {
		return state.Snapshot{}, err
	}
	s.Contractor = state.NodeID(contractor)
	s.Equivalent = state.Equivalent(equivalent)
	s.Status = state.Status(status)
	s.AuditNumber = uint64(auditNumber)
	return s, nil
}

// TrustLine returns the trust line with its reservations. The bool is false
// if no such line is stored.
func (t *Tx) TrustLine(ctx context.Context, key state.LineKey) (state.Snapshot, bool, error) {
	row := t.queryRow(ctx, `SELECT `+trustLineColumns+` FROM trust_lines WHERE contractor = ? AND equivalent = ?`,
		string(key.Contractor), int64(key.Equivalent))
	s, err := scanTrustLine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Snapshot{}, false, nil
	}
	if err != nil {
		return state.Snapshot{}, false, storageErr(fmt.Sprintf("reading trust line %s", key), err)
	}
	rs, err := t.reservations(ctx, `WHERE contractor = ? AND equivalent = ?`, string(key.Contractor), int64(key.Equivalent))
	if err != nil {
		return state.Snapshot{}, false, err
	}
	s.Reservations = rs[key]
	return s, true, nil
}

// TrustLines returns every stored trust line with its reservations.
func (t *Tx) TrustLines(ctx context.Context) ([]state.Snapshot, error) {
	rows, err := t.query(ctx, `SELECT `+trustLineColumns+` FROM trust_lines ORDER BY contractor, equivalent`)
	if err != nil {
		return nil, storageErr("reading trust lines", err)
	}
	defer func() { _ = rows.Close() }()
	var lines []state.Snapshot
	for rows.Next() {
		s, err := scanTrustLine(rows)
		if err != nil {
			return nil, storageErr("reading trust lines", err)
		}
		lines = append(lines, s)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("reading trust lines", err)
	}
	_ = rows.Close()

	rs, err := t.reservations(ctx, ``)
	if err != nil {
		return nil, err
	}
	for i := range lines {
		lines[i].Reservations = rs[state.LineKey{Contractor: lines[i].Contractor, Equivalent: lines[i].Equivalent}]
	}
	return lines, nil
}

func (t *Tx) reservations(ctx context.Context, where string, args ...any) (map[state.LineKey][]state.Reservation, error) {
	rows, err := t.query(ctx, `SELECT contractor, equivalent, transaction_id, path_id, amount, direction FROM reservations `+where+` ORDER BY transaction_id, path_id`, args...)
	if err != nil {
		return nil, storageErr("reading reservations", err)
	}
	defer func() { _ = rows.Close() }()
	m := map[state.LineKey][]state.Reservation{}
	for rows.Next() {
		var (
			contractor string
			equivalent int64
			txID       string
			pathID     int64
			amount     int64
			direction  int64
		)
		if err := rows.Scan(&contractor, &equivalent, &txID, &pathID, &amount, &direction); err != nil {
			return nil, storageErr("reading reservations", err)
		}
		id, err := uuid.Parse(txID)
		if err != nil {
			return nil, fmt.Errorf("parsing reservation transaction id %q: %w", txID, err)
		}
		key := state.LineKey{Contractor: state.NodeID(contractor), Equivalent: state.Equivalent(equivalent)}
		m[key] = append(m[key], state.Reservation{
			TransactionID: id,
			PathID:        state.PathID(pathID),
			Amount:        amount,
			Direction:     state.Direction(direction),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("reading reservations", err)
	}
	return m, nil
}

// PutTrustLine writes the trust line and replaces its stored reservations.
func (t *Tx) PutTrustLine(ctx context.Context, s state.Snapshot) error {
	key := state.LineKey{Contractor: s.Contractor, Equivalent: s.Equivalent}
	err := t.exec(ctx, `INSERT INTO trust_lines (`+trustLineColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (contractor, equivalent) DO UPDATE SET
			incoming_amount = excluded.incoming_amount,
			outgoing_amount = excluded.outgoing_amount,
			balance = excluded.balance,
			status = excluded.status,
			is_contractor_gateway = excluded.is_contractor_gateway,
			audit_number = excluded.audit_number`,
		string(s.Contractor), int64(s.Equivalent), s.IncomingAmount, s.OutgoingAmount, s.Balance,
		string(s.Status), s.IsContractorGateway, int64(s.AuditNumber))
	if err != nil {
		return storageErr(fmt.Sprintf("writing trust line %s", key), err)
	}
	err = t.exec(ctx, `DELETE FROM reservations WHERE contractor = ? AND equivalent = ?`, string(s.Contractor), int64(s.Equivalent))
	if err != nil {
		return storageErr(fmt.Sprintf("clearing reservations of %s", key), err)
	}
	for _, r := range s.Reservations {
		err := t.exec(ctx, `INSERT INTO reservations (contractor, equivalent, transaction_id, path_id, amount, direction) VALUES (?, ?, ?, ?, ?, ?)`,
			string(s.Contractor), int64(s.Equivalent), r.TransactionID.String(), int64(r.PathID), r.Amount, int64(r.Direction))
		if err != nil {
			return storageErr(fmt.Sprintf("writing reservation on %s", key), err)
		}
	}
	return nil
}

// TrustLines returns every stored trust line.
func (s *Store) TrustLines(ctx context.Context) ([]state.Snapshot, error) {
	var lines []state.Snapshot
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		lines, err = tx.TrustLines(ctx)
		return err
	})
	return lines, err
}
