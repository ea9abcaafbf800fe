package ptrs

// Ptr returns a pointer to a copy of val.
func Ptr[T any](val T) *T {
	return &val
}
