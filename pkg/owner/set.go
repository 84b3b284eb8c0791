package owner

import "fmt"

// Set is the validated, immutable owner list of one wallet together with its
// approval threshold. It is safe for concurrent use without locking.
type Set struct {
	owners    []Owner
	index     map[Owner]int
	threshold int
}

// NewSet validates raw identities and a threshold.
// Owners keep their insertion order. The list must be non-empty and free of
// duplicates after normalization, and 1 <= threshold <= len(owners).
func NewSet(raw []string, threshold int) (*Set, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no owners", ErrInvalidOwnerSet)
	}

	s := &Set{
		owners:    make([]Owner, 0, len(raw)),
		index:     make(map[Owner]int, len(raw)),
		threshold: threshold,
	}
	for i, r := range raw {
		o, err := Parse(r)
		if err != nil {
			return nil, fmt.Errorf("%w: owner %d: %v", ErrInvalidOwnerSet, i, err)
		}
		if _, dup := s.index[o]; dup {
			return nil, fmt.Errorf("%w: duplicate owner %s", ErrInvalidOwnerSet, o)
		}
		s.index[o] = len(s.owners)
		s.owners = append(s.owners, o)
	}

	if threshold < 1 || threshold > len(s.owners) {
		return nil, fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidThreshold, threshold, len(s.owners))
	}
	return s, nil
}

// Threshold returns the number of approvals required to execute.
func (s *Set) Threshold() int { return s.threshold }

// Len returns the owner count.
func (s *Set) Len() int { return len(s.owners) }

// At returns the i-th owner in insertion order.
func (s *Set) At(i int) (Owner, bool) {
	if i < 0 || i >= len(s.owners) {
		return "", false
	}
	return s.owners[i], true
}

// Contains reports whether o is one of the owners.
func (s *Set) Contains(o Owner) bool {
	_, ok := s.index[o]
	return ok
}

// Position returns the insertion position of o, or -1.
func (s *Set) Position(o Owner) int {
	if i, ok := s.index[o]; ok {
		return i
	}
	return -1
}

// Owners returns a copy of the owner list.
func (s *Set) Owners() []Owner {
	out := make([]Owner, len(s.owners))
	copy(out, s.owners)
	return out
}

// Strings returns the owners as plain strings, in order.
func (s *Set) Strings() []string {
	out := make([]string, len(s.owners))
	for i, o := range s.owners {
		out[i] = string(o)
	}
	return out
}
