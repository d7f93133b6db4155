// Package supervisor owns the lifecycle of the core's four engines (log
// processor, PICS crawler, cache eraser, and the AppState store underneath
// them), wiring them to a shared db.Repo/events.Sink/appstate.Store and
// running the crawl scheduler named in spec.md §4.2 "Scheduling".
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/regix1/lancache-manager-sub003/internal/appstate"
	"github.com/regix1/lancache-manager-sub003/internal/cacheeraser"
	"github.com/regix1/lancache-manager-sub003/internal/config"
	"github.com/regix1/lancache-manager-sub003/internal/db"
	"github.com/regix1/lancache-manager-sub003/internal/events"
	"github.com/regix1/lancache-manager-sub003/internal/logprocessor"
	"github.com/regix1/lancache-manager-sub003/internal/pics"
)

// Supervisor starts, schedules, and stops the engines as one unit. It holds
// no business logic of its own beyond wiring and the cron tick.
type Supervisor struct {
	cfg   config.Settings
	repo  db.Repo
	state *appstate.Store
	sink  events.Sink
	log   zerolog.Logger

	mapping *pics.MappingTable
	crawler *pics.Crawler
	images  logprocessor.ImageResolver
	proc    *logprocessor.Processor
	eraser  *cacheeraser.Eraser
	cronJob *cron.Cron
	cronEnt cron.EntryID
}

// New wires the four engines from Settings. session is the Steam client
// adapter the crawler drives (spec.md §4.2's external collaborator,
// internal/pics.SteamSession); it may be nil to run every engine except
// the crawler (useful for tests and for a log-only deployment). images is
// the Steam Web API cover-art resolver (spec.md §4.1's other external
// collaborator); it too may be nil.
func New(cfg config.Settings, repo db.Repo, state *appstate.Store, sink events.Sink, session pics.SteamSession, images logprocessor.ImageResolver, log zerolog.Logger) *Supervisor {
	mapping := pics.NewMappingTable(cfg.DataDir)

	var crawler *pics.Crawler
	if session != nil {
		crawler = pics.NewCrawler(session, mapping, repo, state, log.With().Str("engine", "pics").Logger())
	}

	proc := logprocessor.New(repo, state, sink, mapping, images, cfg.LogPath,
		cfg.LogPath+".marker", config.TailPollInterval(), log.With().Str("engine", "logprocessor").Logger())

	eraser := cacheeraser.New(cfg.CacheDir, cfg.DataDir, state, sink, log.With().Str("engine", "cacheeraser").Logger())

	return &Supervisor{
		cfg:     cfg,
		repo:    repo,
		state:   state,
		sink:    sink,
		log:     log,
		mapping: mapping,
		crawler: crawler,
		images:  images,
		proc:    proc,
		eraser:  eraser,
	}
}

// Crawler exposes the wired crawler (nil if no SteamSession was supplied)
// for callers that need to trigger an on-demand crawl or read its progress.
func (s *Supervisor) Crawler() *pics.Crawler { return s.crawler }

// Eraser exposes the wired cache eraser for a host-facing status endpoint
// or an on-demand erase. The `erase-cache` subcommand builds its own eraser.
func (s *Supervisor) Eraser() *cacheeraser.Eraser { return s.eraser }

// Start loads the PICS mapping table from disk, marks any cache-clear
// operation orphaned by a prior crash as Failed (spec.md §4.4
// "Atomicity"), starts the log processor, and arms the crawl scheduler.
func (s *Supervisor) Start(ctx context.Context) error {
	if _, err := s.mapping.Load(); err != nil {
		s.log.Warn().Err(err).Msg("supervisor: failed to load PICS mapping table, starting empty")
	}
	if err := cacheeraser.MarkInterrupted(s.state); err != nil {
		s.log.Warn().Err(err).Msg("supervisor: failed to mark interrupted cache-clear operations")
	}
	if err := s.proc.Start(ctx); err != nil {
		return fmt.Errorf("supervisor: start log processor: %w", err)
	}
	if s.crawler != nil {
		if err := s.armScheduler(); err != nil {
			return fmt.Errorf("supervisor: arm crawl scheduler: %w", err)
		}
	}
	s.log.Info().Msg("supervisor: all engines started")
	return nil
}

// armScheduler builds a cron spec from crawl_interval_hours and starts the
// recurring job that kicks off an incremental crawl (spec.md §4.2
// "Scheduling": "a cron-style recurring job built from the configured
// interval"). An interval of 0 disables scheduling entirely.
func (s *Supervisor) armScheduler() error {
	interval, err := s.state.CrawlIntervalHours()
	if err != nil {
		return err
	}
	if interval <= 0 {
		s.log.Info().Msg("supervisor: crawl scheduling disabled (crawl_interval_hours=0)")
		return nil
	}

	s.cronJob = cron.New()
	spec := fmt.Sprintf("@every %s", time.Duration(interval*float64(time.Hour)).String())
	id, err := s.cronJob.AddFunc(spec, s.runScheduledCrawl)
	if err != nil {
		return fmt.Errorf("parse cron spec %q: %w", spec, err)
	}
	s.cronEnt = id
	s.cronJob.Start()
	s.log.Info().Str("interval", spec).Msg("supervisor: crawl scheduler armed")
	return nil
}

func (s *Supervisor) runScheduledCrawl() {
	incremental, err := s.state.CrawlIncrementalMode()
	if err != nil {
		s.log.Warn().Err(err).Msg("supervisor: failed to read crawl_incremental_mode, defaulting to incremental")
		incremental = true
	}
	if !s.crawler.TryStartRebuild(context.Background(), incremental) {
		s.log.Debug().Msg("supervisor: scheduled crawl skipped, one already in flight")
	}
}

// Stop stops the cron scheduler and then the log processor, whose cursor is
// already persisted after every committed chunk. It
// does not wait for an in-flight crawl or cache-erase to finish; both are
// designed to tolerate an abrupt process exit (spec.md §4.2/§4.4
// "Atomicity").
func (s *Supervisor) Stop(ctx context.Context) error {
	if s.cronJob != nil {
		stopCtx := s.cronJob.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}
	if err := s.proc.Stop(ctx); err != nil {
		return fmt.Errorf("supervisor: stop log processor: %w", err)
	}
	s.log.Info().Msg("supervisor: all engines stopped")
	return nil
}
