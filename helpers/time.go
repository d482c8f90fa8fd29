package helpers

import "time"

func IntSecondDefault(x int, def time.Duration) time.Duration {
	if x <= 0 {
		return def
	}
	return time.Duration(x) * time.Second
}

func DurationDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// UnixMillis is the wall clock format used in status snapshots.
func UnixMillis(t time.Time) int64 { return t.UnixNano() / int64(time.Millisecond) }
