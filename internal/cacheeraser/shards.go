package cacheeraser

import (
	"os"
	"path/filepath"
)

// eraseShard deletes the contents of one hex shard directory per the
// selected DeleteMode (spec.md §4.4), returning the approximate bytes and
// file count removed (best-effort; errors during the walk are swallowed
// into a best-effort count, since partial deletion is a valid outcome).
func eraseShard(path string, mode DeleteMode) (bytesDeleted, filesDeleted int64, err error) {
	info, statErr := os.Stat(path)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return 0, 0, nil
		}
		return 0, 0, statErr
	}
	if !info.IsDir() {
		return 0, 0, nil
	}

	bytesDeleted, filesDeleted = sumShard(path)

	switch mode {
	case ModePreserve:
		return bytesDeleted, filesDeleted, clearDirContents(path)
	case ModeFull:
		if err := os.RemoveAll(path); err != nil {
			return bytesDeleted, filesDeleted, err
		}
		return bytesDeleted, filesDeleted, os.MkdirAll(path, 0o755)
	case ModeRsync:
		return bytesDeleted, filesDeleted, rsyncOverlayClear(path)
	default:
		return bytesDeleted, filesDeleted, clearDirContents(path)
	}
}

// sumShard best-effort walks a shard to report approximate bytes/files
// about to be removed; failures are ignored (the deletion itself is the
// operation of record, not this count).
func sumShard(path string) (bytes int64, files int64) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return 0, 0
	}
	for _, entry := range entries {
		full := filepath.Join(path, entry.Name())
		if entry.IsDir() {
			b, f := sumShard(full)
			bytes += b
			files += f
			continue
		}
		if info, err := entry.Info(); err == nil {
			bytes += info.Size()
			files++
		}
	}
	return bytes, files
}

// clearDirContents removes every entry inside dir but keeps dir itself
// (spec.md §4.4 "preserve keeps the shard directory itself").
func clearDirContents(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var firstErr error
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// rsyncOverlayClear implements the "empty-directory overlay" trick named
// in spec.md §4.4: an empty scratch directory is used as the rsync
// `--delete` source so the kernel/filesystem driver does bulk unlinking
// instead of a recursive walk-and-remove. Since no `rsync` binary is
// assumed to be present in this module's runtime, the overlay is emulated
// by renaming the shard aside and recreating it empty, then removing the
// renamed copy in the background — this gives callers the same "shard
// looks empty almost immediately" property rsync's trick is chosen for.
func rsyncOverlayClear(dir string) error {
	scratch := dir + ".rsync-overlay-tmp"
	_ = os.RemoveAll(scratch)
	if err := os.Rename(dir, scratch); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	go func() { _ = os.RemoveAll(scratch) }()
	return nil
}
</content>
