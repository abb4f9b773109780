package transaction

import (
	"sync"

	"github.com/GEO-Project/network-client/state"
	"github.com/google/uuid"
)

// Locker grants transactions exclusive use of trust lines.
type Locker struct {
	mu     sync.Mutex
	owners map[state.LineKey]uuid.UUID
}

func NewLocker() *Locker {
	return &Locker{owners: map[state.LineKey]uuid.UUID{}}
}

// TryLock locks every key for the transaction, or none of them if any is
// held by another transaction. Keys the transaction already holds are kept.
// Keys are taken in lock order.
func (l *Locker) TryLock(txID uuid.UUID, keys ...state.LineKey) bool {
	sorted := append([]state.LineKey(nil), keys...)
	state.SortLineKeys(sorted)

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range sorted {
		if owner, ok := l.owners[k]; ok && owner != txID {
			return false
		}
	}
	for _, k := range sorted {
		l.owners[k] = txID
	}
	return true
}

// Unlock releases every key the transaction holds.
func (l *Locker) Unlock(txID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, owner := range l.owners {
		if owner == txID {
			delete(l.owners, k)
		}
	}
}

// Held returns the keys the transaction holds in lock order.
func (l *Locker) Held(txID uuid.UUID) []state.LineKey {
	l.mu.Lock()
	defer l.mu.Unlock()
	var keys []state.LineKey
	for k, owner := range l.owners {
		if owner == txID {
			keys = append(keys, k)
		}
	}
	state.SortLineKeys(keys)
	return keys
}

// Owner returns the transaction holding the key.
func (l *Locker) Owner(key state.LineKey) (uuid.UUID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.owners[key]
	return id, ok
}
