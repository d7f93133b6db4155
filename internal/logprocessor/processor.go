// Package logprocessor implements the log processing engine of spec.md
// §4.1: it tails a continuously-growing access log, turns each line into a
// normalized record, sessions lines into Downloads, and keeps ClientStats/
// ServiceStats rollups current.
package logprocessor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/regix1/lancache-manager-sub003/internal/appstate"
	"github.com/regix1/lancache-manager-sub003/internal/db"
	"github.com/regix1/lancache-manager-sub003/internal/events"
	"github.com/regix1/lancache-manager-sub003/internal/logparser"
)

const (
	maxChunkLines       = 5000
	sessionGapThreshold = 5 * time.Minute
	staleAfter          = 1 * time.Minute
	sweepBatchLimit     = 10
	bulkProgressEvery   = 10
)

// sweepInterval is a var (not const) so tests can shrink it; production
// always runs with the 30s default below.
var sweepInterval = 30 * time.Second

// ImageResolver looks up cover-art URLs for a Steam app id via the external
// Steam Web API, the one explicit external collaborator named in spec.md
// §1/§4.1. A production binary wires a real implementation; nil disables
// image resolution without affecting game-name/app-id resolution.
type ImageResolver interface {
	ResolveImage(ctx context.Context, appID uint32) (url string, ok bool)
}

// DepotLookup resolves a depot id to its owning app, consulting whatever
// in-memory PICS mapping table the crawler maintains. Optional: if nil,
// only the DB-backed SteamDepotMapping table is consulted.
type DepotLookup interface {
	Owner(depotID uint32) (appID uint32, ok bool)
	AppName(appID uint32) (name string, ok bool)
}

// Processor owns the tail-and-session loop plus the active-download
// sweeper. Both run as long as Start's context is live.
type Processor struct {
	repo    db.Repo
	state   *appstate.Store
	sink    events.Sink
	depots  DepotLookup
	images  ImageResolver
	log     zerolog.Logger
	logPath string
	marker  string
	poll    time.Duration
	sampler *logparser.FailureSampler

	wasBulk bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Processor. depots and images may both be nil.
func New(repo db.Repo, state *appstate.Store, sink events.Sink, depots DepotLookup, images ImageResolver, logPath, markerPath string, poll time.Duration, logger zerolog.Logger) *Processor {
	return &Processor{
		repo:    repo,
		state:   state,
		sink:    sink,
		depots:  depots,
		images:  images,
		log:     logger,
		logPath: logPath,
		marker:  markerPath,
		poll:    poll,
		sampler: &logparser.FailureSampler{},
	}
}

// Start launches the tail loop and the active-download sweeper as
// background goroutines. It returns once both have been scheduled.
func (p *Processor) Start(ctx context.Context) error {
	p.stopCh = make(chan struct{})
	p.wg.Add(2)
	go p.tailLoop(ctx)
	go p.sweepLoop(ctx)
	return nil
}

// Stop signals both loops to exit and waits for them.
func (p *Processor) Stop(ctx context.Context) error {
	if p.stopCh != nil {
		close(p.stopCh)
	}
	done := make(chan struct{})
	go func() { p.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) tailLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		advanced, err := p.processChunk(ctx)
		if err != nil {
			p.log.Error().Err(err).Msg("logprocessor: chunk processing failed")
		}
		if !advanced {
			select {
			case <-time.After(p.poll):
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			}
		}
	}
}

func (p *Processor) isBulkMode() bool {
	if p.marker == "" {
		return false
	}
	_, err := os.Stat(p.marker)
	return err == nil
}

// processChunk reads up to maxChunkLines complete lines starting at the
// persisted cursor, sessions them, and advances the cursor only if every
// resulting batch committed successfully. Returns advanced=true if any
// bytes were consumed (so the caller skips its poll-sleep).
func (p *Processor) processChunk(ctx context.Context) (bool, error) {
	bulk := p.isBulkMode()
	if bulk && !p.wasBulk {
		p.log.Info().Msg("logprocessor: bulk-processing marker detected, resetting cursor for catch-up pass")
		if err := p.state.SetLogPosition(0); err != nil {
			return false, fmt.Errorf("reset cursor for bulk mode: %w", err)
		}
	}
	p.wasBulk = bulk

	cursor, err := p.state.LogPosition()
	if err != nil {
		return false, fmt.Errorf("load cursor: %w", err)
	}

	f, err := os.Open(p.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat log: %w", err)
	}
	if uint64(info.Size()) < cursor {
		p.log.Info().Uint64("cursor", cursor).Int64("size", info.Size()).Msg("logprocessor: log file shrank, assuming rotation")
		cursor = 0
		if err := p.state.SetLogPosition(0); err != nil {
			return false, fmt.Errorf("reset cursor after rotation: %w", err)
		}
	}

	if _, err := f.Seek(int64(cursor), io.SeekStart); err != nil {
		return false, fmt.Errorf("seek to cursor: %w", err)
	}

	reader := bufio.NewReaderSize(f, 64*1024)
	entries := make([]taggedEntry, 0, 256)
	var consumed int64
	for len(entries) < maxChunkLines {
		line, rerr := reader.ReadString('\n')
		if rerr != nil {
			if rerr == io.EOF {
				break // partial/unterminated tail line; leave it for next pass
			}
			return false, fmt.Errorf("read log: %w", rerr)
		}
		consumed += int64(len(line))

		trimmed := line[:len(line)-1]
		if len(trimmed) > 0 && trimmed[len(trimmed)-1] == '\r' {
			trimmed = trimmed[:len(trimmed)-1]
		}

		entry, skip, perr := logparser.Parse(trimmed)
		if perr != nil {
			n := p.sampler.Count() + 1
			if p.sampler.ShouldLog() {
				p.log.Warn().Err(perr).Int64("failure_count", n).Str("line", trimmed).Msg("logprocessor: rejected log line")
			}
			continue
		}
		if skip {
			continue
		}
		if entry.TimestampFallback {
			p.log.Warn().Str("line", trimmed).Msg("logprocessor: timestamp parse failed, using wall-clock now")
		}
		entries = append(entries, taggedEntry{entry: entry})
	}

	if len(entries) == 0 {
		return false, nil
	}

	groups := groupByKey(entries)
	for key, group := range groups {
		if err := p.commitGroup(ctx, key, group, bulk); err != nil {
			p.log.Warn().Err(err).Str("client_ip", key.clientIP).Str("service", key.service).Msg("logprocessor: batch commit failed, will retry on next pass")
			return false, err
		}
	}

	newCursor := cursor + uint64(consumed)
	if err := p.state.SetLogPosition(newCursor); err != nil {
		return false, fmt.Errorf("advance cursor: %w", err)
	}
	return true, nil
}
