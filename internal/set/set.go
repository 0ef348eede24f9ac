// Package set implements a minimal unordered string set, used wherever the
// toolkit only needs fast membership checks and doesn't care about
// insertion order (e.g. the set of locally-accepted domains).
package set

// String is an unordered set of strings. The zero value is an empty set,
// ready for Add; NewString builds one already seeded with values.
type String struct {
	members map[string]struct{}
}

// NewString returns a String set seeded with the given values.
func NewString(values ...string) *String {
	s := &String{}
	s.Add(values...)
	return s
}

// Add inserts values into the set, allocating its backing map on first use.
func (s *String) Add(values ...string) {
	if s.members == nil {
		s.members = make(map[string]struct{}, len(values))
	}
	for _, v := range values {
		s.members[v] = struct{}{}
	}
}

// Has reports whether value is a member of the set. A nil *String (or one
// with no members yet) simply reports false, so callers can pass around an
// as-yet-unpopulated set without a nil check at every call site.
func (s *String) Has(value string) bool {
	if s == nil || s.members == nil {
		return false
	}
	_, ok := s.members[value]
	return ok
}

// Len reports how many distinct values are in the set.
func (s *String) Len() int {
	if s == nil {
		return 0
	}
	return len(s.members)
}
