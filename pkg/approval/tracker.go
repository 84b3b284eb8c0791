// Package approval tracks which owners currently endorse which transactions.
//
// The tracker is the authorization source of truth: a transaction's approval
// count is the number of set bits for its index. Callers that need the bit and
// a derived count to change together must serialize per index themselves; the
// tracker only guarantees its own map is consistent.
package approval

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/quorum/pkg/owner"
)

var (
	// ErrAlreadyApproved is returned when setting a bit that is already set.
	ErrAlreadyApproved = errors.New("already approved")
	// ErrNotApproved is returned when clearing a bit that is not set.
	ErrNotApproved = errors.New("not approved")
)

// Tracker is a sparse (index, owner) -> bool map. Only true bits are stored.
type Tracker struct {
	mu   sync.RWMutex
	bits map[uint64]map[owner.Owner]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{bits: make(map[uint64]map[owner.Owner]struct{})}
}

// IsApproved reports the bit for (index, o).
func (t *Tracker) IsApproved(index uint64, o owner.Owner) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.bits[index][o]
	return ok
}

// Approve sets the bit for (index, o).
func (t *Tracker) Approve(index uint64, o owner.Owner) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.bits[index]
	if !ok {
		set = make(map[owner.Owner]struct{})
		t.bits[index] = set
	}
	if _, dup := set[o]; dup {
		return fmt.Errorf("%w: %s on transaction %d", ErrAlreadyApproved, o, index)
	}
	set[o] = struct{}{}
	return nil
}

// Revoke clears the bit for (index, o).
func (t *Tracker) Revoke(index uint64, o owner.Owner) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := t.bits[index]
	if _, ok := set[o]; !ok {
		return fmt.Errorf("%w: %s on transaction %d", ErrNotApproved, o, index)
	}
	delete(set, o)
	if len(set) == 0 {
		delete(t.bits, index)
	}
	return nil
}

// Count returns the number of set bits for index.
func (t *Tracker) Count(index uint64) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.bits[index])
}

// Approvers returns the owners with a set bit for index, sorted.
func (t *Tracker) Approvers(index uint64) []owner.Owner {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]owner.Owner, 0, len(t.bits[index]))
	for o := range t.bits[index] {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Load sets bits restored from persistent storage.
func (t *Tracker) Load(index uint64, owners []owner.Owner) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(owners) == 0 {
		return
	}
	set, ok := t.bits[index]
	if !ok {
		set = make(map[owner.Owner]struct{}, len(owners))
		t.bits[index] = set
	}
	for _, o := range owners {
		set[o] = struct{}{}
	}
}
