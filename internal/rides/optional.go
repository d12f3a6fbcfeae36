package rides

// Optional is a partial-update field: Unchanged leaves the stored value alone and Set
// replaces it. For nullable columns T is a pointer and Set(nil) clears the value.
type Optional[T any] struct {
	set   bool
	value T
}

// Set returns an Optional that replaces the stored value.
func Set[T any](value T) Optional[T] {
	return Optional[T]{set: true, value: value}
}

// Unchanged returns an Optional that leaves the stored value alone.
func Unchanged[T any]() Optional[T] {
	return Optional[T]{}
}

// Get returns the value and whether it was set.
func (o Optional[T]) Get() (T, bool) {
	return o.value, o.set
}

func (o Optional[T]) applyTo(target *T) {
	if o.set {
		*target = o.value
	}
}
