package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// TransactionRecord is a suspended transaction as written by the scheduler.
type TransactionRecord struct {
	ID     uuid.UUID
	Kind   string
	Record []byte
}

func (t *Tx) PutTransaction(ctx context.Context, r TransactionRecord) error {
	err := t.exec(ctx, `INSERT INTO transactions (id, kind, record) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET kind = excluded.kind, record = excluded.record`,
		r.ID.String(), r.Kind, r.Record)
	if err != nil {
		return storageErr(fmt.Sprintf("writing transaction %s", r.ID), err)
	}
	return nil
}

func (t *Tx) DeleteTransaction(ctx context.Context, id uuid.UUID) error {
	if err := t.exec(ctx, `DELETE FROM transactions WHERE id = ?`, id.String()); err != nil {
		return storageErr(fmt.Sprintf("deleting transaction %s", id), err)
	}
	return nil
}

func (t *Tx) Transactions(ctx context.Context) ([]TransactionRecord, error) {
	rows, err := t.query(ctx, `SELECT id, kind, record FROM transactions ORDER BY id`)
	if err != nil {
		return nil, storageErr("reading transactions", err)
	}
	defer func() { _ = rows.Close() }()
	var records []TransactionRecord
	for rows.Next() {
		var (
			id  string
			rec TransactionRecord
		)
		if err := rows.Scan(&id, &rec.Kind, &rec.Record); err != nil {
			return nil, storageErr("reading transactions", err)
		}
		rec.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parsing transaction id %q: %w", id, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("reading transactions", err)
	}
	return records, nil
}

func (s *Store) PutTransaction(ctx context.Context, r TransactionRecord) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.PutTransaction(ctx, r)
	})
}

func (s *Store) DeleteTransaction(ctx context.Context, id uuid.UUID) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.DeleteTransaction(ctx, id)
	})
}

// Transactions returns every suspended transaction.
func (s *Store) Transactions(ctx context.Context) ([]TransactionRecord, error) {
	var records []TransactionRecord
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		records, err = tx.Transactions(ctx)
		return err
	})
	return records, err
}
