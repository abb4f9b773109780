package store

import (
	"context"
	"fmt"
	"math"
)

const ownKeysRow = 1

// NextKeyNumber allocates the next one-time key number. Numbers start at 1
// and are never handed out twice.
func (t *Tx) NextKeyNumber(ctx context.Context) (uint32, error) {
	err := t.exec(ctx, `INSERT INTO own_keys (id, key_number) VALUES (?, 1)
		ON CONFLICT (id) DO UPDATE SET key_number = own_keys.key_number + 1`, ownKeysRow)
	if err != nil {
		return 0, storageErr("allocating key number", err)
	}
	var n int64
	if err := t.queryRow(ctx, `SELECT key_number FROM own_keys WHERE id = ?`, ownKeysRow).Scan(&n); err != nil {
		return 0, storageErr("allocating key number", err)
	}
	if n <= 0 || n > math.MaxUint32 {
		return 0, fmt.Errorf("one-time keys exhausted at %d", n)
	}
	return uint32(n), nil
}

// NextKeyNumber allocates a key number in its own transaction.
func (s *Store) NextKeyNumber(ctx context.Context) (uint32, error) {
	var n uint32
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		n, err = tx.NextKeyNumber(ctx)
		return err
	})
	return n, err
}
