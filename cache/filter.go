package cache

// FilterBySinceLimit keeps items stamped at or after since, then the last limit of them.
// since <= 0 and limit <= 0 disable the respective filter. items must be oldest first.
func FilterBySinceLimit[T any](items []T, since int64, limit int, timestamp func(T) int64) []T {
	out := items
	if since > 0 {
		out = make([]T, 0, len(items))
		for _, item := range items {
			if timestamp(item) >= since {
				out = append(out, item)
			}
		}
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
