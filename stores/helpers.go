package stores

import (
	"time"

	"github.com/oarkflow/date"
)

// Drivers disagree on how TIMESTAMP columns scan back; sqlite hands out
// strings. date.Parse copes with the common layouts.
func scanTime(raw any) time.Time {
	switch v := raw.(type) {
	case time.Time:
		return v
	case string:
		if t, err := date.Parse(v); err == nil {
			return t
		}
	case []byte:
		if t, err := date.Parse(string(v)); err == nil {
			return t
		}
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
