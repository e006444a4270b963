package ptr

// New returns a pointer to the given value.
func New[T any](value T) *T {
	return &value
}

// Deref returns the pointed-to value, or fallback when p is nil.
func Deref[T any](p *T, fallback T) T {
	if p == nil {
		return fallback
	}
	return *p
}
