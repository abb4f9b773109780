// Package ledger keeps the node's trust lines in memory and makes every change
// to them durable.
//
// A change is applied to copies of the affected lines inside a storage
// transaction. The copies replace the in-memory lines only after the storage
// transaction commits, so memory and storage never diverge.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/GEO-Project/network-client/state"
	"github.com/GEO-Project/network-client/store"
	"github.com/google/uuid"
)

var ErrLineNotFound = errors.New("trust line not found")

type Ledger struct {
	store *store.Store

	mu    sync.RWMutex
	lines map[state.LineKey]*state.TrustLine
}

// New loads every trust line from the store.
func New(ctx context.Context, s *store.Store) (*Ledger, error) {
	snapshots, err := s.TrustLines(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading trust lines: %w", err)
	}
	l := &Ledger{
		store: s,
		lines: make(map[state.LineKey]*state.TrustLine, len(snapshots)),
	}
	for _, snap := range snapshots {
		line := state.NewTrustLineFromSnapshot(snap)
		l.lines[line.Key()] = line
	}
	return l, nil
}

// Get returns a snapshot of the line.
func (l *Ledger) Get(key state.LineKey) (state.Snapshot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	line, ok := l.lines[key]
	if !ok {
		return state.Snapshot{}, false
	}
	return line.Snapshot(), true
}

// List returns snapshots of every line in lock order.
func (l *Ledger) List() []state.Snapshot {
	l.mu.RLock()
	keys := make([]state.LineKey, 0, len(l.lines))
	for k := range l.lines {
		keys = append(keys, k)
	}
	state.SortLineKeys(keys)
	snapshots := make([]state.Snapshot, 0, len(keys))
	for _, k := range keys {
		snapshots = append(snapshots, l.lines[k].Snapshot())
	}
	l.mu.RUnlock()
	return snapshots
}

// Available returns the free capacity of the line in the direction, or zero
// if there is no such line.
func (l *Ledger) Available(key state.LineKey, d state.Direction) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	line, ok := l.lines[key]
	if !ok {
		return 0
	}
	return line.Available(d)
}

// Update is a change in progress. Lines are copied on first access and
// written back when the change completes.
type Update struct {
	ledger  *Ledger
	tx      *store.Tx
	touched map[state.LineKey]*state.TrustLine
}

// Tx returns the storage transaction the change runs in, for writes that
// must be atomic with the trust lines.
func (u *Update) Tx() *store.Tx {
	return u.tx
}

// Line returns a mutable copy of the line.
func (u *Update) Line(key state.LineKey) (*state.TrustLine, error) {
	if line, ok := u.touched[key]; ok {
		return line, nil
	}
	u.ledger.mu.RLock()
	line, ok := u.ledger.lines[key]
	u.ledger.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrLineNotFound)
	}
	c := line.Clone()
	u.touched[key] = c
	return c, nil
}

// LineOrInit returns a mutable copy of the line, creating it in the Init
// status if it does not exist.
func (u *Update) LineOrInit(key state.LineKey) *state.TrustLine {
	line, err := u.Line(key)
	if err == nil {
		return line
	}
	line = state.NewTrustLine(key)
	u.touched[key] = line
	return line
}

// Keys returns the keys of every line in the ledger.
func (u *Update) Keys() []state.LineKey {
	u.ledger.mu.RLock()
	defer u.ledger.mu.RUnlock()
	keys := make([]state.LineKey, 0, len(u.ledger.lines))
	for k := range u.ledger.lines {
		keys = append(keys, k)
	}
	state.SortLineKeys(keys)
	return keys
}

// Update runs fn and persists every line it accessed in one storage
// transaction. If fn or the storage transaction fails, no line changes.
func (l *Ledger) Update(ctx context.Context, fn func(u *Update) error) error {
	var touched map[state.LineKey]*state.TrustLine
	err := l.store.WithTx(ctx, func(tx *store.Tx) error {
		u := &Update{ledger: l, tx: tx, touched: map[state.LineKey]*state.TrustLine{}}
		if err := fn(u); err != nil {
			return err
		}
		keys := make([]state.LineKey, 0, len(u.touched))
		for k := range u.touched {
			keys = append(keys, k)
		}
		state.SortLineKeys(keys)
		for _, k := range keys {
			if err := tx.PutTrustLine(ctx, u.touched[k].Snapshot()); err != nil {
				return err
			}
		}
		touched = u.touched
		return nil
	})
	if err != nil {
		return err
	}
	l.mu.Lock()
	for k, line := range touched {
		l.lines[k] = line
	}
	l.mu.Unlock()
	return nil
}

// Open creates the line in the Init status if it does not exist.
func (l *Ledger) Open(ctx context.Context, key state.LineKey) error {
	return l.Update(ctx, func(u *Update) error {
		u.LineOrInit(key)
		return nil
	})
}

// SetIncoming sets the credit the local node extends to the contractor,
// opening the line if needed.
func (l *Ledger) SetIncoming(ctx context.Context, key state.LineKey, amount int64) error {
	return l.Update(ctx, func(u *Update) error {
		return u.LineOrInit(key).SetIncomingAmount(amount)
	})
}

// SetOutgoing sets the credit the contractor extends to the local node,
// opening the line if needed.
func (l *Ledger) SetOutgoing(ctx context.Context, key state.LineKey, amount int64) error {
	return l.Update(ctx, func(u *Update) error {
		return u.LineOrInit(key).SetOutgoingAmount(amount)
	})
}

func (l *Ledger) Reserve(ctx context.Context, key state.LineKey, r state.Reservation) error {
	return l.Update(ctx, func(u *Update) error {
		line, err := u.Line(key)
		if err != nil {
			return err
		}
		return line.Reserve(r)
	})
}

// Release discards one reservation. A missing reservation is reported with
// state.ErrReservationNotFound.
func (l *Ledger) Release(ctx context.Context, key state.LineKey, txID uuid.UUID, pathID state.PathID) error {
	return l.Update(ctx, func(u *Update) error {
		line, err := u.Line(key)
		if err != nil {
			return err
		}
		_, err = line.Release(txID, pathID)
		return err
	})
}

// linesOf returns the keys of lines holding reservations of the
// transaction.
func (l *Ledger) linesOf(txID uuid.UUID) []state.LineKey {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var keys []state.LineKey
	for k, line := range l.lines {
		for _, r := range line.Reservations() {
			if r.TransactionID == txID {
				keys = append(keys, k)
				break
			}
		}
	}
	state.SortLineKeys(keys)
	return keys
}

// Reservations returns every reservation of the transaction by line.
func (l *Ledger) Reservations(txID uuid.UUID) map[state.LineKey][]state.Reservation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m := map[state.LineKey][]state.Reservation{}
	for k, line := range l.lines {
		for _, r := range line.Reservations() {
			if r.TransactionID == txID {
				m[k] = append(m[k], r)
			}
		}
	}
	return m
}

// ReleaseAll discards every reservation of the transaction and returns the
// lines released on.
func (l *Ledger) ReleaseAll(ctx context.Context, txID uuid.UUID) ([]state.LineKey, error) {
	keys := l.linesOf(txID)
	if len(keys) == 0 {
		return nil, nil
	}
	err := l.Update(ctx, func(u *Update) error {
		for _, k := range keys {
			line, err := u.Line(k)
			if err != nil {
				return err
			}
			line.ReleaseTransaction(txID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// ReleaseOrphans discards the reservations of every transaction for which
// live reports false and returns those transactions. After a restart it
// drops the holds of transactions that stopped before their checkpoint was
// written.
func (l *Ledger) ReleaseOrphans(ctx context.Context, live func(uuid.UUID) bool) ([]uuid.UUID, error) {
	l.mu.RLock()
	seen := map[uuid.UUID]bool{}
	var orphans []uuid.UUID
	for _, line := range l.lines {
		for _, r := range line.Reservations() {
			if !seen[r.TransactionID] && !live(r.TransactionID) {
				orphans = append(orphans, r.TransactionID)
			}
			seen[r.TransactionID] = true
		}
	}
	l.mu.RUnlock()

	for _, id := range orphans {
		if _, err := l.ReleaseAll(ctx, id); err != nil {
			return nil, fmt.Errorf("releasing reservations of %s: %w", id, err)
		}
	}
	return orphans, nil
}

// ReleasePaths discards the reservations of the transaction for the paths.
func (l *Ledger) ReleasePaths(ctx context.Context, txID uuid.UUID, pathIDs []state.PathID) ([]state.LineKey, error) {
	keys := l.linesOf(txID)
	var released []state.LineKey
	err := l.Update(ctx, func(u *Update) error {
		for _, k := range keys {
			line, err := u.Line(k)
			if err != nil {
				return err
			}
			for _, p := range pathIDs {
				if _, err := line.Release(txID, p); err == nil {
					released = append(released, k)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dedupe(released), nil
}

// Commit folds every reservation of the transaction into its line's balance.
// The payment record, if not nil, is written in the same storage
// transaction. If the transaction holds no reservations Commit returns
// state.ErrReservationNotFound, which callers treat as already settled.
func (l *Ledger) Commit(ctx context.Context, txID uuid.UUID, record *store.PaymentRecord) ([]state.LineKey, error) {
	keys := l.linesOf(txID)
	if len(keys) == 0 {
		return nil, state.ErrReservationNotFound
	}
	err := l.Update(ctx, func(u *Update) error {
		for _, k := range keys {
			line, err := u.Line(k)
			if err != nil {
				return err
			}
			if _, err := line.CommitTransaction(txID); err != nil {
				return fmt.Errorf("committing on %s: %w", k, err)
			}
			if err := line.CheckCapacity(); err != nil {
				return err
			}
		}
		if record != nil {
			return u.Tx().PutPayment(ctx, *record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// ApplyAudit applies a mutually signed audit to the line and records it.
func (l *Ledger) ApplyAudit(ctx context.Context, rec store.AuditRecord) error {
	return l.Update(ctx, func(u *Update) error {
		line, err := u.Line(rec.Key)
		if err != nil {
			return err
		}
		if err := line.ApplyAudit(rec.Snapshot.AuditNumber); err != nil {
			return err
		}
		return u.Tx().PutAudit(ctx, rec)
	})
}

func dedupe(keys []state.LineKey) []state.LineKey {
	if len(keys) == 0 {
		return nil
	}
	state.SortLineKeys(keys)
	out := keys[:1]
	for _, k := range keys[1:] {
		if k != out[len(out)-1] {
			out = append(out, k)
		}
	}
	return out
}
