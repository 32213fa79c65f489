package utils

import (
	"github.com/google/uuid"
)

// NewID returns a random identifier for sessions and queue items.
func NewID() string {
	return uuid.NewString()
}

// ItemID joins key parts into a queue item identifier used in logs.
func ItemID(parts ...string) string {
	n := 0
	for _, p := range parts {
		n += len(p) + 1
	}
	buf := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 {
			buf = append(buf, '|')
		}
		buf = append(buf, p...)
	}
	return string(buf)
}
