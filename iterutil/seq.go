package iterutil

func Map[T any, Slice ~[]E, E any](s Slice, f func(i int, v E) T) []T {
	out := make([]T, len(s))
	for i, v := range s {
		out[i] = f(i, v)
	}

	return out
}

// IndexWhere returns the index of the first element satisfying f, or -1.
func IndexWhere[Slice ~[]E, E any](s Slice, f func(v E) bool) int {
	for i, v := range s {
		if f(v) {
			return i
		}
	}

	return -1
}
