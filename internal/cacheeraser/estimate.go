package cacheeraser

import (
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

// estimatePlaceholderPerShard is the flat per-shard fallback named in
// spec.md §9 ("a flat 10 GiB * shard_count placeholder is returned") when
// neither the deadline-bound walk nor the disk-usage fallback can produce
// a number in time.
const estimatePlaceholderPerShard = 10 << 30 // 10 GiB

// EstimateSize returns a best-effort byte count for the cache tree rooted
// at root, bounded by budget. It never blocks past budget: if the
// recursive walk doesn't finish in time, it falls back to gopsutil's
// disk-usage sample for the volume root is on, and if even that fails, a
// flat per-shard placeholder. Tests assert only non-negativity and
// deadline compliance (spec.md §9 "do not assert exact bytes").
func EstimateSize(root string, budget time.Duration) (int64, error) {
	deadline := time.Now().Add(budget)
	result := make(chan int64, 1)

	go func() {
		var total int64
		_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil // tolerate unreadable entries; best-effort only
			}
			if time.Now().After(deadline) {
				return filepath.SkipAll
			}
			if d.IsDir() {
				return nil
			}
			info, infoErr := d.Info()
			if infoErr != nil {
				return nil
			}
			total += info.Size()
			return nil
		})
		result <- total
	}()

	select {
	case total := <-result:
		return total, nil
	case <-time.After(budget):
		if usage, err := disk.Usage(root); err == nil {
			return int64(usage.Used), nil
		}
		return estimatePlaceholderPerShard * totalShards, nil
	}
}
</content>
