//go:build dev

package config

import (
	"os"
	"strconv"
	"time"
)

// TailPollInterval is how often the log processor polls for new data at EOF.
// Dev default: 250ms, so a developer sees log changes reflected immediately.
// Override with LOG_TAIL_POLL_MS.
func TailPollInterval() time.Duration {
	if v := os.Getenv("LOG_TAIL_POLL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return 250 * time.Millisecond
}
