// Package cacheeraser implements spec.md §4.4: deleting the on-disk cache,
// a 256-way hex-fanned directory tree (00/..ff/), through a bounded worker
// pool with progress reporting and cooperative cancellation.
package cacheeraser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/regix1/lancache-manager-sub003/internal/appstate"
	"github.com/regix1/lancache-manager-sub003/internal/events"
)

const (
	totalShards           = 256
	defaultThreadCount    = 4
	minThreadCount        = 1
	maxThreadCount        = 16
	appStateSnapshotEvery = 10
	cancelGraceTimeout    = 30 * time.Second
)

// DeleteMode selects how a shard is cleared, per spec.md §4.4.
type DeleteMode string

const (
	ModePreserve DeleteMode = "preserve" // keep the shard directory itself
	ModeFull     DeleteMode = "full"     // remove and re-create the shard directory
	ModeRsync    DeleteMode = "rsync"    // empty-directory overlay trick
)

// ProgressDoc is the on-disk progress document polled by the host process
// (spec.md §6 "Cache-erase progress document").
type ProgressDoc struct {
	IsProcessing         bool    `json:"is_processing"`
	PercentComplete      float64 `json:"percent_complete"`
	Status               string  `json:"status"`
	Message              string  `json:"message"`
	DirectoriesProcessed int64   `json:"directories_processed"`
	TotalDirectories     int     `json:"total_directories"`
	BytesDeleted         int64   `json:"bytes_deleted"`
	FilesDeleted         int64   `json:"files_deleted"`
}

// Eraser owns zero or one in-flight erase operation at a time, plus the
// progress document and state-store bookkeeping around it.
type Eraser struct {
	cacheRoot    string
	progressPath string
	cancelMarker string

	state *appstate.Store
	sink  events.Sink
	log   zerolog.Logger

	active atomic.Pointer[operation]
}

// operation is the ephemeral, in-memory handle for one in-flight erase,
// never persisted (spec.md §3 "cancel-handle (ephemeral)").
type operation struct {
	id        string
	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	counted   int64 // directories processed, mirrored into ProgressDoc
	bytes     int64
	files     int64
}

// New constructs an Eraser. dataDir holds the progress document and the
// cancellation marker file; cacheRoot is the `cache_root/{00..ff}` tree.
func New(cacheRoot, dataDir string, state *appstate.Store, sink events.Sink, log zerolog.Logger) *Eraser {
	return &Eraser{
		cacheRoot:    cacheRoot,
		progressPath: filepath.Join(dataDir, "cache_clear_progress.json"),
		cancelMarker: filepath.Join(dataDir, "cancel_processing.marker"),
		state:        state,
		sink:         sink,
		log:          log,
	}
}

// validateCacheRoot implements spec.md §4.4 "Validate that cache_root
// exists and contains at least one hex shard."
func (e *Eraser) validateCacheRoot() error {
	info, err := os.Stat(e.cacheRoot)
	if err != nil {
		return fmt.Errorf("cacheeraser: stat cache root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("cacheeraser: cache root %q is not a directory", e.cacheRoot)
	}
	for _, shard := range hexShards() {
		if _, err := os.Stat(filepath.Join(e.cacheRoot, shard)); err == nil {
			return nil
		}
	}
	return fmt.Errorf("cacheeraser: cache root %q contains no hex shard directories", e.cacheRoot)
}

// hexShards returns the 256 two-hex-digit shard names "00".."ff".
func hexShards() []string {
	const digits = "0123456789abcdef"
	shards := make([]string, 0, totalShards)
	for i := 0; i < 16; i++ {
		for j := 0; j < 16; j++ {
			shards = append(shards, string([]byte{digits[i], digits[j]}))
		}
	}
	return shards
}

// Start validates inputs, records a Preparing CacheClearOperation, and
// launches the worker pool in a background goroutine. It returns the new
// operation id immediately; callers poll GetProgress or the progress
// document for status.
func (e *Eraser) Start(ctx context.Context, threadCount int, mode DeleteMode) (string, error) {
	if e.active.Load() != nil {
		return "", fmt.Errorf("cacheeraser: an erase operation is already in progress")
	}
	if threadCount < minThreadCount || threadCount > maxThreadCount {
		threadCount = defaultThreadCount
	}
	switch mode {
	case ModePreserve, ModeFull, ModeRsync:
	default:
		return "", fmt.Errorf("cacheeraser: invalid delete_mode %q", mode)
	}
	if err := e.validateCacheRoot(); err != nil {
		return "", err
	}
	_ = os.Remove(e.cancelMarker)

	id := uuid.NewString()
	now := time.Now().UTC()
	opCtx, cancel := context.WithCancel(ctx)
	op := &operation{id: id, startTime: now, cancel: cancel, done: make(chan struct{})}
	e.active.Store(op)

	rec := appstate.CacheClearOperation{
		ID:               id,
		StartTime:        now,
		Status:           "Preparing",
		Message:          "validating cache root",
		TotalDirectories: totalShards,
	}
	if err := e.state.AppendCacheClearOperation(rec); err != nil {
		e.log.Warn().Err(err).Msg("cacheeraser: failed to persist Preparing operation record")
	}

	log := e.log.With().Str("operation_id", id).Str("delete_mode", string(mode)).Logger()
	go e.run(opCtx, op, log, threadCount, mode)

	return id, nil
}

// Cancel raises the cancel marker file workers poll between shards and
// cancels the operation's context; it waits up to 30s for graceful
// shutdown before giving up (spec.md §4.4/§5 "Logout cancels ... waits up
// to 3s" — the eraser's own cancel window is the 30s named in §4.4).
func (e *Eraser) Cancel(id string) error {
	op := e.active.Load()
	if op == nil || op.id != id {
		return fmt.Errorf("cacheeraser: no active operation with id %q", id)
	}
	if err := os.WriteFile(e.cancelMarker, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil {
		return fmt.Errorf("cacheeraser: write cancel marker: %w", err)
	}
	op.cancel()
	select {
	case <-op.done:
	case <-time.After(cancelGraceTimeout):
		e.log.Warn().Str("operation_id", id).Msg("cacheeraser: operation did not stop within grace window")
	}
	return nil
}

// GetProgress returns the live progress document, or an empty, non-
// processing document if no operation has ever run.
func (e *Eraser) GetProgress() (ProgressDoc, error) {
	return readProgress(e.progressPath)
}

func (e *Eraser) run(ctx context.Context, op *operation, log zerolog.Logger, threadCount int, mode DeleteMode) {
	defer close(op.done)
	defer e.active.Store(nil)

	status := "Running"
	message := "erasing cache"
	e.writeProgress(op, status, message)
	e.updateOperationRecord(op, status, message)

	log.Info().Int("thread_count", threadCount).Msg("cacheeraser: starting erase")
	startTime := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(threadCount)

	shards := hexShards()
	var cancelled atomic.Bool

	for _, shard := range shards {
		shard := shard
		g.Go(func() error {
			if e.cancelRequested(gctx) {
				cancelled.Store(true)
				return nil
			}
			deletedBytes, deletedFiles, err := eraseShard(filepath.Join(e.cacheRoot, shard), mode)
			if err != nil {
				log.Warn().Err(err).Str("shard", shard).Msg("cacheeraser: shard deletion failed")
			}
			atomic.AddInt64(&op.bytes, deletedBytes)
			atomic.AddInt64(&op.files, deletedFiles)
			n := atomic.AddInt64(&op.counted, 1)

			e.writeProgress(op, status, fmt.Sprintf("cleared shard %s", shard))
			if n%appStateSnapshotEvery == 0 {
				e.updateOperationRecord(op, status, fmt.Sprintf("cleared %d/%d shards", n, totalShards))
			}
			return nil
		})
	}

	_ = g.Wait()

	duration := time.Since(startTime)
	bytesDeleted := atomic.LoadInt64(&op.bytes)
	filesDeleted := atomic.LoadInt64(&op.files)

	var finalStatus, finalMessage string
	switch {
	case cancelled.Load():
		finalStatus = "Cancelled"
		finalMessage = "cancelled by operator"
	default:
		finalStatus = "Completed"
		finalMessage = fmt.Sprintf("erased %s across %d shards in %s",
			humanize.Bytes(uint64(bytesDeleted)), totalShards, duration.Round(time.Millisecond))
	}

	log.Info().
		Str("status", finalStatus).
		Int64("directories_processed", atomic.LoadInt64(&op.counted)).
		Str("bytes_deleted", humanize.Bytes(uint64(bytesDeleted))).
		Int64("files_deleted", filesDeleted).
		Str("duration", duration.Round(time.Millisecond).String()).
		Msg("cacheeraser: erase finished")

	e.writeProgress(op, finalStatus, finalMessage)
	e.updateOperationRecord(op, finalStatus, finalMessage)
	e.sink.Emit("CacheClearFinished", finalStatus)

	_ = os.Remove(e.cancelMarker)
}

// cancelRequested implements the cooperative-cancellation check shared by
// the marker file and the context (spec.md §4.4/§5).
func (e *Eraser) cancelRequested(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
	}
	_, err := os.Stat(e.cancelMarker)
	return err == nil
}

func (e *Eraser) writeProgress(op *operation, status, message string) {
	n := atomic.LoadInt64(&op.counted)
	doc := ProgressDoc{
		IsProcessing:         status == "Running" || status == "Preparing",
		PercentComplete:      100 * float64(n) / float64(totalShards),
		Status:               status,
		Message:              message,
		DirectoriesProcessed: n,
		TotalDirectories:     totalShards,
		BytesDeleted:         atomic.LoadInt64(&op.bytes),
		FilesDeleted:         atomic.LoadInt64(&op.files),
	}
	if err := writeProgressAtomic(e.progressPath, doc); err != nil {
		e.log.Warn().Err(err).Msg("cacheeraser: failed to write progress document")
	}
}

func (e *Eraser) updateOperationRecord(op *operation, status, message string) {
	n := atomic.LoadInt64(&op.counted)
	rec := appstate.CacheClearOperation{
		ID:                   op.id,
		StartTime:            op.startTime,
		Status:               status,
		Message:              message,
		DirectoriesProcessed: int(n),
		TotalDirectories:     totalShards,
		BytesDeleted:         atomic.LoadInt64(&op.bytes),
		FilesDeleted:         atomic.LoadInt64(&op.files),
		PercentComplete:      100 * float64(n) / float64(totalShards),
	}
	if status == "Completed" || status == "Failed" || status == "Cancelled" {
		now := time.Now().UTC()
		rec.EndTime = &now
	}
	if err := e.state.UpdateCacheClearOperation(rec); err != nil {
		e.log.Warn().Err(err).Msg("cacheeraser: failed to update operation record")
	}
}

// MarkInterrupted implements spec.md §4.4 "Atomicity": on a host restart
// mid-operation, any CacheClearOperation left Running/Preparing from a
// prior process is marked Failed with "Operation interrupted by service
// restart" — no orphan process is restarted.
func MarkInterrupted(state *appstate.Store) error {
	return state.UpdateState(func(st *appstate.State) {
		now := time.Now().UTC()
		for i := range st.CacheClearOperations {
			op := &st.CacheClearOperations[i]
			if op.Status == "Running" || op.Status == "Preparing" {
				op.Status = "Failed"
				op.Message = "Operation interrupted by service restart"
				op.EndTime = &now
			}
		}
	})
}
</content>
