// Package set provides a minimal generic set.
package set

// Set is an unordered collection of unique values. The zero value is ready
// to use.
type Set[T comparable] struct {
	set map[T]struct{}
}

func (s *Set[T]) Insert(k T) {
	if s.set == nil {
		s.set = make(map[T]struct{})
	}
	s.set[k] = struct{}{}
}

// InsertNew inserts k and reports whether it was absent.
func (s *Set[T]) InsertNew(k T) bool {
	if s.Contains(k) {
		return false
	}
	s.Insert(k)
	return true
}

func (s *Set[T]) Contains(k T) bool {
	_, ok := s.set[k]
	return ok
}
