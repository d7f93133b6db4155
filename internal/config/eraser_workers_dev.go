//go:build dev

package config

import (
	"os"
	"strconv"
)

// EraserWorkers returns the bounded worker-pool size for the cache eraser.
// Dev default: 2, so a developer's laptop isn't pegged while iterating.
// Override with CACHE_ERASER_WORKERS. Values outside [1,16] are rejected by
// Settings.Validate, not clamped.
func EraserWorkers() int {
	if v := os.Getenv("CACHE_ERASER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 2
}
