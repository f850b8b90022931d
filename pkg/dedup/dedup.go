// Package dedup provides a fixed-capacity membership set used to recognize
// replayed message and audio-chunk identifiers.
package dedup

// Set is an insertion-ordered membership set with a hard capacity. When an
// insert would exceed the capacity the oldest entries are evicted first, so
// recently seen identifiers always survive. The zero value is not usable;
// construct with NewSet.
//
// Set is not safe for concurrent use; callers serialize access.
type Set struct {
	capacity int
	order    []string
	members  map[string]struct{}
}

// NewSet returns a Set holding at most capacity entries. Capacities below 1
// are raised to 1.
func NewSet(capacity int) *Set {
	if capacity < 1 {
		capacity = 1
	}
	return &Set{
		capacity: capacity,
		members:  make(map[string]struct{}, capacity),
	}
}

// Seen reports whether id is currently in the set.
func (s *Set) Seen(id string) bool {
	_, ok := s.members[id]
	return ok
}

// Add inserts id and reports whether it was new. Adding an existing id does
// not refresh its eviction order: the set answers "seen recently", not
// "used recently".
func (s *Set) Add(id string) bool {
	if _, ok := s.members[id]; ok {
		return false
	}
	s.members[id] = struct{}{}
	s.order = append(s.order, id)
	s.evictOver(s.capacity)
	return true
}

// Trim evicts oldest entries until at most keep remain. Used at turn
// boundaries to shed identifiers from long-finished turns while keeping the
// just-finished turn unreplayable.
func (s *Set) Trim(keep int) {
	if keep < 0 {
		keep = 0
	}
	s.evictOver(keep)
}

func (s *Set) evictOver(limit int) {
	for len(s.order) > limit {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.members, oldest)
	}
}

// Len returns the current number of entries.
func (s *Set) Len() int { return len(s.order) }

// Cap returns the configured capacity.
func (s *Set) Cap() int { return s.capacity }

// Reset empties the set.
func (s *Set) Reset() {
	s.order = s.order[:0]
	clear(s.members)
}
