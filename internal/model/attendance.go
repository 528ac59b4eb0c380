package model

import (
	"fmt"
	"slices"
)

const (
	MaxDay     = 3
	MaxSession = 4
)

// SessionKey formats the attendance key for a day and session, e.g. "D1S2".
func SessionKey(day, session int) (string, error) {
	if day < 1 || day > MaxDay {
		return "", fmt.Errorf("day %d out of range 1..%d", day, MaxDay)
	}
	if session < 1 || session > MaxSession {
		return "", fmt.Errorf("session %d out of range 1..%d", session, MaxSession)
	}
	return fmt.Sprintf("D%dS%d", day, session), nil
}

// ValidSessionKey reports whether key has the D{day}S{session} shape with
// in-range values.
func ValidSessionKey(key string) bool {
	var day, session int
	if n, err := fmt.Sscanf(key, "D%dS%d", &day, &session); err != nil || n != 2 {
		return false
	}
	want, err := SessionKey(day, session)
	return err == nil && want == key
}

// MergeAttendance returns the sorted union of have and add. The input slice
// is never modified.
func MergeAttendance(have []string, add ...string) []string {
	out := make([]string, 0, len(have)+len(add))
	out = append(out, have...)
	for _, k := range add {
		if !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// HasAttendance reports whether key is already marked.
func HasAttendance(have []string, key string) bool {
	return slices.Contains(have, key)
}
