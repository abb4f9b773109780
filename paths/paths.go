// Package paths supplies candidate payment routes.
package paths

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/GEO-Project/network-client/state"
)

var ErrInvalidPath = errors.New("invalid path")

// Path is a route of nodes from the payer to the receiver, both included.
type Path []state.NodeID

func (p Path) Sender() state.NodeID {
	return p[0]
}

func (p Path) Receiver() state.NodeID {
	return p[len(p)-1]
}

// Index returns the position of the node on the path, or -1.
func (p Path) Index(n state.NodeID) int {
	for i, m := range p {
		if m == n {
			return i
		}
	}
	return -1
}

// Validate checks that the path runs from sender to receiver through at
// least one trust line and never visits a node twice.
func (p Path) Validate(sender, receiver state.NodeID) error {
	if len(p) < 2 {
		return fmt.Errorf("%w: %d nodes", ErrInvalidPath, len(p))
	}
	if p.Sender() != sender {
		return fmt.Errorf("%w: starts at %s not %s", ErrInvalidPath, p.Sender(), sender)
	}
	if p.Receiver() != receiver {
		return fmt.Errorf("%w: ends at %s not %s", ErrInvalidPath, p.Receiver(), receiver)
	}
	seen := make(map[state.NodeID]bool, len(p))
	for _, n := range p {
		if n == "" {
			return fmt.Errorf("%w: empty node", ErrInvalidPath)
		}
		if seen[n] {
			return fmt.Errorf("%w: %s visited twice", ErrInvalidPath, n)
		}
		seen[n] = true
	}
	return nil
}

// Finder finds candidate paths for a payment. Paths are tried in the order
// returned.
type Finder interface {
	FindPaths(ctx context.Context, sender, receiver state.NodeID, equivalent state.Equivalent, amount int64) ([]Path, error)
}

// Static is a Finder backed by a fixed route table. A receiver without
// configured routes is tried directly.
type Static struct {
	mu     sync.RWMutex
	routes map[state.NodeID][]Path
}

func NewStatic() *Static {
	return &Static{routes: map[state.NodeID][]Path{}}
}

// Add appends a route to the table.
func (s *Static) Add(p Path) {
	if len(p) < 2 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := p.Receiver()
	s.routes[r] = append(s.routes[r], append(Path(nil), p...))
}

func (s *Static) FindPaths(_ context.Context, sender, receiver state.NodeID, _ state.Equivalent, _ int64) ([]Path, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found []Path
	for _, p := range s.routes[receiver] {
		if p.Sender() == sender {
			found = append(found, append(Path(nil), p...))
		}
	}
	if len(found) == 0 {
		found = []Path{{sender, receiver}}
	}
	return found, nil
}
