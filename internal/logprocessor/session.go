package logprocessor

import (
	"context"
	"fmt"
	"time"

	"github.com/regix1/lancache-manager-sub003/internal/db"
	"github.com/regix1/lancache-manager-sub003/internal/logparser"
)

type taggedEntry struct {
	entry logparser.LogEntry
}

type groupKey struct {
	clientIP string
	service  string
}

// groupByKey implements spec.md §4.1 "grouping key = (client_ip, service)".
func groupByKey(entries []taggedEntry) map[groupKey][]taggedEntry {
	groups := make(map[groupKey][]taggedEntry)
	for _, te := range entries {
		k := groupKey{clientIP: te.entry.ClientIP, service: te.entry.Service}
		groups[k] = append(groups[k], te)
	}
	return groups
}

// commitGroup implements spec.md §4.1 steps 1-6 for one (client_ip,
// service) group: compute rollups, locate-or-open the Download, extend it,
// upsert stats, insert per-line records, and (outside bulk mode) emit a
// DownloadUpdate event.
func (p *Processor) commitGroup(ctx context.Context, key groupKey, group []taggedEntry, bulk bool) error {
	var hitBytes, missBytes int64
	minTS := group[0].entry.Timestamp
	maxTS := group[0].entry.Timestamp
	var depotID *uint32
	var lastURL string

	for _, te := range group {
		e := te.entry
		if e.CacheStatus == logparser.StatusHit {
			hitBytes += e.BytesServed
		} else {
			missBytes += e.BytesServed
		}
		if e.Timestamp.Before(minTS) {
			minTS = e.Timestamp
		}
		if e.Timestamp.After(maxTS) {
			maxTS = e.Timestamp
		}
		if e.DepotID != nil {
			depotID = e.DepotID
		}
		lastURL = e.URL
	}

	dl, isNew, err := p.locateOrOpenDownload(ctx, key, depotID, minTS)
	if err != nil {
		return fmt.Errorf("locate/open download: %w", err)
	}

	dl.EndTime = maxTS
	if dl.StartTime.IsZero() || minTS.Before(dl.StartTime) {
		dl.StartTime = minTS
	}
	dl.CacheHitBytes += hitBytes
	dl.CacheMissBytes += missBytes
	dl.LastURL = &lastURL
	if depotID != nil {
		dl.DepotID = depotID
	}
	dl.IsActive = true

	if !bulk {
		p.resolveDepotRealtime(ctx, dl)
	}

	rows := make([]db.LogEntryRecord, 0, len(group))
	for _, te := range group {
		e := te.entry
		rows = append(rows, db.LogEntryRecord{
			DownloadID:  dl.ID,
			Timestamp:   e.Timestamp,
			ClientIP:    e.ClientIP,
			Service:     e.Service,
			URL:         e.URL,
			StatusCode:  e.StatusCode,
			BytesServed: e.BytesServed,
			CacheStatus: string(e.CacheStatus),
			DepotID:     e.DepotID,
		})
	}

	downloadID, err := p.repo.CommitBatch(ctx, db.BatchCommit{
		Download:     *dl,
		IsNewSession: isNew,
		Entries:      rows,
	})
	if err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	dl.ID = downloadID

	if err := p.repo.UpsertClientStats(ctx, key.clientIP, hitBytes, missBytes, maxTS, isNew); err != nil {
		return fmt.Errorf("upsert client stats: %w", err)
	}
	if err := p.repo.UpsertServiceStats(ctx, key.service, hitBytes, missBytes, maxTS, isNew); err != nil {
		return fmt.Errorf("upsert service stats: %w", err)
	}

	if !bulk {
		p.sink.Emit("DownloadUpdate", dl)
	}
	return nil
}

// locateOrOpenDownload implements spec.md §4.1 step 2's session-matching
// rules, distinguishing the depot-aware Steam case from the generic case.
func (p *Processor) locateOrOpenDownload(ctx context.Context, key groupKey, depotID *uint32, batchStart time.Time) (*db.Download, bool, error) {
	if key.service == "steam" && depotID != nil {
		active, err := p.repo.FindActiveDownload(ctx, key.clientIP, key.service, depotID)
		if err != nil && err != db.ErrNoRows {
			return nil, false, err
		}
		if active != nil {
			return active, false, nil
		}

		recent, err := p.repo.FindMostRecentDownload(ctx, key.clientIP, key.service, depotID)
		if err != nil && err != db.ErrNoRows {
			return nil, false, err
		}
		if recent != nil && batchStart.Sub(recent.EndTime) <= sessionGapThreshold {
			recent.IsActive = true
			return recent, false, nil
		}
		return newDownload(key, depotID, batchStart), true, nil
	}

	active, err := p.repo.FindActiveDownload(ctx, key.clientIP, key.service, nil)
	if err != nil && err != db.ErrNoRows {
		return nil, false, err
	}
	if active != nil {
		if batchStart.Sub(active.EndTime) > sessionGapThreshold {
			active.IsActive = false
			if err := p.repo.ExtendDownload(ctx, *active); err != nil {
				return nil, false, err
			}
			return newDownload(key, depotID, batchStart), true, nil
		}
		return active, false, nil
	}
	return newDownload(key, depotID, batchStart), true, nil
}

func newDownload(key groupKey, depotID *uint32, start time.Time) *db.Download {
	return &db.Download{
		Service:   key.service,
		ClientIP:  key.clientIP,
		DepotID:   depotID,
		StartTime: start,
		EndTime:   start,
		IsActive:  true,
	}
}

// sweepLoop is the active-download sweeper (spec.md §4.1 "Active-download
// sweeper"): every 30s, close Downloads idle for over a minute in batches of
// at most sweepBatchLimit rows, pausing 50ms between batches, to avoid lock
// contention with the tail loop.
func (p *Processor) sweepLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-staleAfter)
			var closed int64
			for {
				n, err := p.repo.CloseStaleDownloads(ctx, cutoff, sweepBatchLimit)
				if err != nil {
					p.log.Warn().Err(err).Msg("logprocessor: stale-download sweep failed")
					break
				}
				closed += n
				if n < sweepBatchLimit {
					break
				}
				select {
				case <-time.After(50 * time.Millisecond):
				case <-ctx.Done():
					return
				case <-p.stopCh:
					return
				}
			}
			if closed > 0 {
				p.log.Debug().Int64("closed", closed).Msg("logprocessor: closed stale downloads")
			}
		}
	}
}
