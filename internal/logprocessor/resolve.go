package logprocessor

import (
	"context"

	"github.com/regix1/lancache-manager-sub003/internal/db"
)

// resolveDepotRealtime implements spec.md §4.1's realtime depot->app
// resolution precedence: SteamDepotMapping table, then the PICS JSON
// snapshot, then (once either resolves the app) the external Steam Web API
// for cover art.
func (p *Processor) resolveDepotRealtime(ctx context.Context, dl *db.Download) {
	if dl.DepotID == nil || dl.GameAppID != nil {
		return
	}
	depotID := *dl.DepotID

	if appID, appName, ok, err := p.repo.ResolveDepot(ctx, depotID); err == nil && ok {
		dl.GameAppID = &appID
		name := appName
		dl.GameName = &name
		p.attachImage(ctx, dl, appID)
		return
	}

	if p.depots == nil {
		return
	}
	if appID, ok := p.depots.Owner(depotID); ok {
		dl.GameAppID = &appID
		if name, ok := p.depots.AppName(appID); ok {
			dl.GameName = &name
		}
		p.attachImage(ctx, dl, appID)
	}
}

func (p *Processor) attachImage(ctx context.Context, dl *db.Download, appID uint32) {
	if p.images == nil {
		return
	}
	if url, ok := p.images.ResolveImage(ctx, appID); ok {
		dl.GameImageURL = &url
	}
}

// RunPostProcessSweep implements spec.md §4.1's post-bulk-replay sweep: walk
// every Download with depot_id set and game_app_id still null, resolve it
// via the same precedence as the realtime path, and emit a progress event
// every 10 rows.
func (p *Processor) RunPostProcessSweep(ctx context.Context) (int, error) {
	const sweepLimit = 50_000 // one sweep pass; a future run picks up anything still unresolved
	resolved := 0
	processed := 0

	batch, err := p.repo.ListUnresolvedDownloads(ctx, sweepLimit)
	if err != nil {
		return resolved, err
	}
	for _, dl := range batch {
		d := dl
		p.resolveDepotRealtime(ctx, &d)
		if d.GameAppID != nil {
			name := ""
			if d.GameName != nil {
				name = *d.GameName
			}
			imageURL := ""
			if d.GameImageURL != nil {
				imageURL = *d.GameImageURL
			}
			if err := p.repo.SetDownloadGame(ctx, d.ID, *d.GameAppID, name, imageURL); err == nil {
				resolved++
			}
		}
		processed++
		if processed%bulkProgressEvery == 0 {
			p.sink.Emit("PICSMappingProgress", map[string]int{"processed": processed, "resolved": resolved})
		}
	}
	p.sink.Emit("PICSMappingProgress", map[string]int{"processed": processed, "resolved": resolved})
	return resolved, nil
}
