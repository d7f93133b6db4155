//go:build !dev

package config

import (
	"os"
	"strconv"
	"time"
)

// TailPollInterval is how often the log processor polls for new data at EOF.
// Prod default: 2s, per §4.1 "sleep (poll every ~2s)". Override with
// LOG_TAIL_POLL_MS.
func TailPollInterval() time.Duration {
	if v := os.Getenv("LOG_TAIL_POLL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return 2 * time.Second
}
