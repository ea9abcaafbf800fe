package set

type unit = struct{}

// Set is an unordered set of values of type T.
type Set[T comparable] map[T]unit

// New returns an empty set.
func New[T comparable]() Set[T] {
	return make(Set[T])
}

// Insert adds the passed-in value to the Set and reports whether it was absent before.
func (s Set[T]) Insert(val T) bool {
	if _, ok := s[val]; ok {
		return false
	}
	s[val] = unit{}
	return true
}
