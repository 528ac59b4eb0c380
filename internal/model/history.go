package model

// AppendHistory returns a new slice with pt appended, evicting the oldest
// entries beyond HistoryCapacity.
func AppendHistory(hist []LocationPoint, pt LocationPoint) []LocationPoint {
	out := make([]LocationPoint, 0, min(len(hist)+1, HistoryCapacity))
	start := 0
	if len(hist)+1 > HistoryCapacity {
		start = len(hist) + 1 - HistoryCapacity
	}
	out = append(out, hist[start:]...)
	return append(out, pt)
}

// TrimHistory keeps the newest HistoryCapacity entries.
func TrimHistory(hist []LocationPoint) []LocationPoint {
	if len(hist) <= HistoryCapacity {
		return hist
	}
	return hist[len(hist)-HistoryCapacity:]
}
