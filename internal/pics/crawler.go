package pics

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/regix1/lancache-manager-sub003/internal/appstate"
	"github.com/regix1/lancache-manager-sub003/internal/db"
)

const (
	connectTimeout      = 30 * time.Second
	enumerateRetries    = 3
	enumerateBackoff    = 10 * time.Second
	batchSize           = 200
	dlcSubBatchSize     = 50
	batchDeadline       = 10 * time.Minute
	persistEveryBatches = 5
	idleDisconnectAfter = 60 * time.Second
	maxIncrementalApps  = 500_000
	batchConcurrency    = 4
)

// Crawler implements the depot crawl engine of spec.md §4.2.
type Crawler struct {
	session SteamSession
	mapping *MappingTable
	repo    db.Repo
	state   *appstate.Store
	log     zerolog.Logger

	rebuildActive atomic.Bool
	connected     atomic.Bool
	idleTimer     *time.Timer
}

// NewCrawler constructs a Crawler. session may be a production adapter or a
// test double; mapping owns the in-memory depot table and its JSON
// persistence; repo imports resolved mappings into sqlite.
func NewCrawler(session SteamSession, mapping *MappingTable, repo db.Repo, state *appstate.Store, logger zerolog.Logger) *Crawler {
	return &Crawler{
		session: session,
		mapping: mapping,
		repo:    repo,
		state:   state,
		log:     logger,
	}
}

// TryStartRebuild attempts to begin a crawl. Returns false if one is
// already in flight — "at-most-one semantics via a compare-and-set flag"
// per spec.md §4.2.
func (c *Crawler) TryStartRebuild(ctx context.Context, incremental bool) bool {
	if !c.rebuildActive.CompareAndSwap(false, true) {
		return false
	}
	go c.runRebuild(ctx, incremental)
	return true
}

func (c *Crawler) runRebuild(ctx context.Context, incremental bool) {
	defer c.rebuildActive.Store(false)

	runID := uuid.New()
	log := c.log.With().Str("crawl_id", runID.String()).Logger()

	start := time.Now().UTC()
	_ = c.state.SetDepotProcessing(appstate.DepotProcessing{Active: true, Status: "running"})

	if err := c.connect(ctx); err != nil {
		log.Error().Err(err).Msg("pics: connect/logon failed, aborting rebuild")
		_ = c.state.SetDepotProcessing(appstate.DepotProcessing{Active: false, Status: "failed"})
		return
	}

	appIDs, appNames, lastChange, forcedFull, err := c.resolveAppList(ctx, incremental)
	if err != nil {
		if ctx.Err() != nil {
			log.Info().Msg("pics: rebuild cancelled during app-list resolution")
		} else {
			log.Error().Err(err).Msg("pics: app-list resolution failed")
		}
		_ = c.state.SetDepotProcessing(appstate.DepotProcessing{Active: false, Status: "failed"})
		c.disconnect(ctx, true)
		return
	}
	for id, name := range appNames {
		c.mapping.SetAppName(id, name)
	}

	total := len(appIDs)
	log.Info().Str("total_apps", humanize.Comma(int64(total))).Bool("incremental", incremental).Bool("forced_full", forcedFull).Msg("pics: starting product-info sweep")

	processed, procErr := c.processBatches(ctx, log, appIDs, lastChange)
	if procErr != nil {
		log.Warn().Err(procErr).Msg("pics: rebuild interrupted during batch processing; partial progress persisted")
	}

	if err := c.mapping.Persist(lastChange, incremental && !forcedFull, start.Format(time.RFC3339)); err != nil {
		log.Error().Err(err).Msg("pics: final mapping persist failed")
	}
	if err := c.importMappingsToDB(ctx); err != nil {
		log.Error().Err(err).Msg("pics: final DB import failed")
	}

	c.applyMappingsLocked(ctx)

	_ = c.state.SetDepotProcessing(appstate.DepotProcessing{
		Active:           false,
		Status:           "completed",
		TotalApps:        total,
		ProcessedApps:    processed,
		LastChangeNumber: lastChange,
	})
	_ = c.state.SetLastPICSCrawl(time.Now().UTC())

	c.disconnect(ctx, true)
	log.Info().Str("processed", humanize.Comma(int64(processed))).Str("total", humanize.Comma(int64(total))).Dur("elapsed", time.Since(start)).Msg("pics: rebuild complete")
}

// connect implements step 1: connect, then anonymous or token logon,
// each bounded by connectTimeout.
func (c *Crawler) connect(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := c.session.Connect(cctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	c.connected.Store(true)
	c.resetIdleTimer()

	auth, err := c.state.SteamAuth()
	if err != nil {
		return fmt.Errorf("load steam auth: %w", err)
	}

	lctx, lcancel := context.WithTimeout(ctx, connectTimeout)
	defer lcancel()
	if auth.Mode == "authenticated" && auth.RefreshToken != "" {
		if err := c.session.LogOnWithToken(lctx, auth.RefreshToken, auth.GuardData); err != nil {
			return fmt.Errorf("logon with token: %w", err)
		}
		return nil
	}
	if err := c.session.LogOnAnonymous(lctx); err != nil {
		return fmt.Errorf("logon anonymous: %w", err)
	}
	return nil
}

// resolveAppList implements step 2.
func (c *Crawler) resolveAppList(ctx context.Context, incremental bool) (appIDs []uint32, names map[uint32]string, lastChange uint32, forcedFull bool, err error) {
	if !incremental || c.mapping.Empty() {
		apps, nameMap, current, ferr := c.enumerateWithRetry(ctx)
		if ferr != nil {
			return nil, nil, 0, false, ferr
		}
		c.mapping.Reset()
		return apps, nameMap, current, false, nil
	}

	since, _ := c.mapping.Load() // refresh baseline from disk in case of restart
	if since == 0 {
		// "if we have mappings but no number, set since = current - 50,000"
		_, _, current, ferr := c.enumerateWithRetry(ctx)
		if ferr == nil && current > 50_000 {
			since = current - 50_000
		}
	}

	collected := make(map[uint32]struct{})
	current := since
	for {
		res, cerr := c.session.PICSGetChangesSince(ctx, since)
		if cerr != nil {
			return nil, nil, 0, false, fmt.Errorf("PICSGetChangesSince: %w", cerr)
		}
		if res.RequiresFullUpdate || res.RequiresFullAppUpdate {
			apps, nameMap, cur2, ferr := c.enumerateWithRetry(ctx)
			if ferr != nil {
				return nil, nil, 0, false, ferr
			}
			c.mapping.Reset()
			return apps, nameMap, max32(cur2, res.CurrentChangeNumber), true, nil
		}
		for _, id := range res.AppChanges {
			collected[id] = struct{}{}
		}
		since = res.LastChangeNumber
		current = res.CurrentChangeNumber
		if since >= current || len(collected) >= maxIncrementalApps {
			break
		}
	}

	out := make([]uint32, 0, len(collected))
	for id := range collected {
		out = append(out, id)
	}
	// since, not current: if the maxIncrementalApps cap cut the loop short
	// before since caught up to current, the next run must resume from
	// since rather than claim changes it never actually paged through.
	return out, nil, since, false, nil
}

func (c *Crawler) enumerateWithRetry(ctx context.Context) (apps []uint32, names map[uint32]string, current uint32, err error) {
	for attempt := 0; attempt < enumerateRetries; attempt++ {
		apps, names, current, err = c.session.GetAppListFallback(ctx)
		if err == nil {
			return apps, names, current, nil
		}
		c.log.Warn().Err(err).Int("attempt", attempt+1).Msg("pics: enumerate failed, retrying")
		select {
		case <-time.After(enumerateBackoff):
		case <-ctx.Done():
			return nil, nil, 0, ctx.Err()
		}
		if !c.connected.Load() {
			if cerr := c.connect(ctx); cerr != nil {
				err = cerr
			}
		}
	}
	return nil, nil, 0, fmt.Errorf("pics: enumerate failed after %d attempts: %w", enumerateRetries, err)
}

// processBatches implements step 3: batches of 200 fanned out across a
// bounded worker pool (golang.org/x/sync/errgroup), DLC one-hop sub-batches
// of 50 processed the same way, periodic persistence every 5 batches.
func (c *Crawler) processBatches(ctx context.Context, log zerolog.Logger, appIDs []uint32, lastChange uint32) (int, error) {
	var mu sync.Mutex
	seen := make(map[uint32]struct{}, len(appIDs))
	var dlcQueue []uint32
	processed := 0
	batchCount := 0

	persistCheckpoint := func() {
		if err := c.mapping.Persist(lastChange, true, time.Now().UTC().Format(time.RFC3339)); err != nil {
			log.Error().Err(err).Msg("pics: periodic mapping persist failed")
		}
		if err := c.importMappingsToDB(ctx); err != nil {
			log.Error().Err(err).Msg("pics: periodic DB import failed")
		}
	}

	runLevel := func(ids []uint32, size int) error {
		var fresh []uint32
		mu.Lock()
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			fresh = append(fresh, id)
		}
		mu.Unlock()

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(batchConcurrency)
		for i := 0; i < len(fresh); i += size {
			end := i + size
			if end > len(fresh) {
				end = len(fresh)
			}
			batch := fresh[i:end]
			g.Go(func() error {
				dlcs, err := c.processBatch(gctx, batch)
				if err != nil {
					log.Warn().Err(err).Int("batch_size", len(batch)).Msg("pics: batch failed, skipping")
				}
				mu.Lock()
				processed += len(batch)
				batchCount++
				dlcQueue = append(dlcQueue, dlcs...)
				checkpoint := batchCount%persistEveryBatches == 0
				mu.Unlock()
				if checkpoint {
					persistCheckpoint()
				}
				return nil
			})
		}
		return g.Wait()
	}

	if err := runLevel(appIDs, batchSize); err != nil {
		return processed, err
	}
	if ctx.Err() != nil {
		return processed, ctx.Err()
	}

	mu.Lock()
	pendingDLC := dlcQueue
	dlcQueue = nil
	mu.Unlock()
	if len(pendingDLC) > 0 {
		if err := runLevel(pendingDLC, dlcSubBatchSize); err != nil {
			return processed, err
		}
	}

	return processed, ctx.Err()
}

// processBatch issues a single PICSGetProductInfo call and folds every
// returned app into the mapping table, returning referenced DLC app ids
// for one-hop enqueueing.
func (c *Crawler) processBatch(ctx context.Context, appIDs []uint32) ([]uint32, error) {
	bctx, cancel := context.WithTimeout(ctx, batchDeadline)
	defer cancel()

	tokens, err := c.session.PICSGetAccessTokens(bctx, appIDs)
	if err != nil {
		return nil, fmt.Errorf("PICSGetAccessTokens: %w", err)
	}
	tokenMap := make(map[uint32]uint64, len(tokens))
	for _, t := range tokens {
		if t.Token != 0 {
			tokenMap[t.AppID] = t.Token
		}
	}

	stream, err := c.session.PICSGetProductInfo(bctx, appIDs, tokenMap)
	if err != nil {
		return nil, fmt.Errorf("PICSGetProductInfo: %w", err)
	}

	var dlcs []uint32
	for info := range stream {
		c.mapping.SetAppName(info.AppID, info.Name)
		for _, d := range info.Depots {
			c.mapping.Record(d.DepotID, info.AppID, d.OwnerAppID, d.HasOwner)
		}
		dlcs = append(dlcs, info.ListOfDLC...)
		if bctx.Err() != nil {
			return dlcs, bctx.Err()
		}
	}
	return dlcs, nil
}

// importMappingsToDB upserts every row currently in the mapping table.
func (c *Crawler) importMappingsToDB(ctx context.Context) error {
	rows := c.mapping.Rows()
	dbRows := make([]db.SteamDepotMapping, 0, len(rows))
	for _, r := range rows {
		var name *string
		if r.AppName != "" {
			name = &r.AppName
		}
		dbRows = append(dbRows, db.SteamDepotMapping{
			DepotID: r.DepotID,
			AppID:   r.AppID,
			AppName: name,
			Source:  "pics",
			IsOwner: r.IsOwner,
		})
	}
	if len(dbRows) == 0 {
		return nil
	}
	return c.repo.UpsertDepotMappings(ctx, dbRows)
}

// ManuallyApplyDepotMappings runs the post-process sweep on demand
// (spec.md §4.2 "manually_apply_depot_mappings").
func (c *Crawler) ManuallyApplyDepotMappings(ctx context.Context) error {
	return c.applyMappingsLocked(ctx)
}

// applyMappingsLocked implements step 5: resolve Downloads lacking
// game_app_id via depot_owners -> DB owner lookup -> "depot_id matches a
// known app" fallback.
func (c *Crawler) applyMappingsLocked(ctx context.Context) error {
	const sweepBatch = 500
	unresolved, err := c.repo.ListUnresolvedDownloads(ctx, sweepBatch)
	if err != nil {
		return fmt.Errorf("list unresolved downloads: %w", err)
	}
	resolved := 0
	for _, dl := range unresolved {
		if dl.DepotID == nil {
			continue
		}
		depotID := *dl.DepotID

		if appID, ok := c.mapping.Owner(depotID); ok {
			name, _ := c.mapping.AppName(appID)
			if err := c.repo.SetDownloadGame(ctx, dl.ID, appID, name, ""); err == nil {
				resolved++
			}
			continue
		}
		if appID, appName, ok, derr := c.repo.ResolveDepot(ctx, depotID); derr == nil && ok {
			if err := c.repo.SetDownloadGame(ctx, dl.ID, appID, appName, ""); err == nil {
				resolved++
			}
			continue
		}
		// fallback rule: if depot_id matches a known app id directly, use it
		if name, ok := c.mapping.AppName(depotID); ok {
			if err := c.repo.SetDownloadGame(ctx, dl.ID, depotID, name, ""); err == nil {
				resolved++
			}
		}
	}
	c.log.Info().Int("resolved", resolved).Int("candidates", len(unresolved)).Msg("pics: applied depot mappings")
	return nil
}

// CheckIncrementalViability implements spec.md §4.2's
// check_incremental_viability. It briefly connects (reusing the idle
// window) if not already connected.
func (c *Crawler) CheckIncrementalViability(ctx context.Context) (ViabilityResult, error) {
	if !c.connected.Load() {
		if err := c.connect(ctx); err != nil {
			return ViabilityResult{}, err
		}
	}
	c.resetIdleTimer()

	since, _ := c.mapping.Load()
	res, err := c.session.PICSGetChangesSince(ctx, since)
	if err != nil {
		return ViabilityResult{}, err
	}
	willFull := res.RequiresFullUpdate || res.RequiresFullAppUpdate
	gap := uint32(0)
	if res.CurrentChangeNumber > since {
		gap = res.CurrentChangeNumber - since
	}
	return ViabilityResult{
		IsViable:            !willFull,
		LastChangeNumber:    since,
		CurrentChangeNumber: res.CurrentChangeNumber,
		ChangeGap:           gap,
		WillTriggerFullScan: willFull,
	}, nil
}

// Authenticate always returns an error: no credential logon is available
// through SteamSession, so nothing is logged in and no token is persisted.
func (c *Crawler) Authenticate(ctx context.Context, username, password, twoFactorCode, emailCode string, allowMobileConfirmation bool) error {
	// The SteamSession interface intentionally does not expose a raw
	// password-based logon (no such Steam client exists in this module);
	// production adapters implement LogOnWithToken after an out-of-band
	// credential exchange and report the resulting token here.
	return fmt.Errorf("pics: interactive credential logon requires a production SteamSession adapter")
}

// Logout cancels any in-flight rebuild, clears tokens, and disconnects.
func (c *Crawler) Logout(ctx context.Context) error {
	c.rebuildActive.Store(false)
	if err := c.state.SetSteamAuth(appstate.SteamAuth{Mode: "anonymous"}); err != nil {
		return err
	}
	c.disconnect(ctx, true)
	return nil
}

// GetProgress snapshots counters for the UI.
func (c *Crawler) GetProgress(ctx context.Context) (Progress, error) {
	dp, err := c.state.DepotProcessing()
	if err != nil {
		return Progress{}, err
	}
	return Progress{
		Active:           c.rebuildActive.Load(),
		Status:           dp.Status,
		TotalApps:        dp.TotalApps,
		ProcessedApps:    dp.ProcessedApps,
		LastChangeNumber: dp.LastChangeNumber,
	}, nil
}

func (c *Crawler) disconnect(ctx context.Context, intentional bool) {
	if !c.connected.CompareAndSwap(true, false) {
		return
	}
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	if err := c.session.Disconnect(ctx, intentional); err != nil {
		c.log.Warn().Err(err).Msg("pics: disconnect returned error")
		return
	}
	if intentional {
		c.log.Info().Msg("pics: disconnected")
	} else {
		c.log.Warn().Msg("pics: disconnected unexpectedly")
	}
}

func (c *Crawler) resetIdleTimer() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(idleDisconnectAfter, func() {
		if !c.rebuildActive.Load() {
			c.disconnect(context.Background(), true)
		}
	})
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
