package logprocessor

import (
	"context"
	"sync"
	"time"

	"github.com/regix1/lancache-manager-sub003/internal/db"
)

// fakeRepo is an in-memory db.Repo double, mirroring internal/pics's
// fakeRepo pattern for the log processor's tests.
type fakeRepo struct {
	mu sync.Mutex

	downloads map[int64]*db.Download
	nextID    int64

	entries []db.LogEntryRecord

	clientStats  map[string]*db.ClientStats
	serviceStats map[string]*db.ServiceStats

	mappings map[uint32]db.SteamDepotMapping // depotID -> owning mapping

	closeStaleCalls int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		downloads:    make(map[int64]*db.Download),
		clientStats:  make(map[string]*db.ClientStats),
		serviceStats: make(map[string]*db.ServiceStats),
		mappings:     make(map[uint32]db.SteamDepotMapping),
	}
}

func (r *fakeRepo) FindActiveDownload(ctx context.Context, clientIP, service string, depotID *uint32) (*db.Download, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.downloads {
		if !d.IsActive || d.ClientIP != clientIP || d.Service != service {
			continue
		}
		if !samePtr(d.DepotID, depotID) {
			continue
		}
		cp := *d
		return &cp, nil
	}
	return nil, db.ErrNoRows
}

func (r *fakeRepo) FindMostRecentDownload(ctx context.Context, clientIP, service string, depotID *uint32) (*db.Download, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *db.Download
	for _, d := range r.downloads {
		if d.ClientIP != clientIP || d.Service != service {
			continue
		}
		if !samePtr(d.DepotID, depotID) {
			continue
		}
		if best == nil || d.EndTime.After(best.EndTime) {
			cp := *d
			best = &cp
		}
	}
	if best == nil {
		return nil, db.ErrNoRows
	}
	return best, nil
}

func (r *fakeRepo) InsertDownload(ctx context.Context, d db.Download) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	d.ID = r.nextID
	r.downloads[d.ID] = &d
	return d.ID, nil
}

func (r *fakeRepo) ExtendDownload(ctx context.Context, d db.Download) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := d
	r.downloads[d.ID] = &cp
	return nil
}

func (r *fakeRepo) CloseStaleDownloads(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeStaleCalls++
	var closed int64
	for _, d := range r.downloads {
		if closed >= int64(limit) {
			break
		}
		if d.IsActive && d.EndTime.Before(olderThan) {
			d.IsActive = false
			closed++
		}
	}
	return closed, nil
}

func (r *fakeRepo) InsertLogEntries(ctx context.Context, rows []db.LogEntryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, rows...)
	return nil
}

func (r *fakeRepo) CommitBatch(ctx context.Context, commit db.BatchCommit) (int64, error) {
	var id int64
	if commit.Download.ID == 0 {
		var err error
		id, err = r.InsertDownload(ctx, commit.Download)
		if err != nil {
			return 0, err
		}
	} else {
		id = commit.Download.ID
		if err := r.ExtendDownload(ctx, commit.Download); err != nil {
			return 0, err
		}
	}
	for i := range commit.Entries {
		commit.Entries[i].DownloadID = id
	}
	if err := r.InsertLogEntries(ctx, commit.Entries); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *fakeRepo) UpsertClientStats(ctx context.Context, clientIP string, hitDelta, missDelta int64, seenAt time.Time, newDownload bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.clientStats[clientIP]
	if !ok {
		s = &db.ClientStats{ClientIP: clientIP}
		r.clientStats[clientIP] = s
	}
	s.TotalHitBytes += hitDelta
	s.TotalMissBytes += missDelta
	s.LastSeen = seenAt
	if newDownload {
		s.TotalDownloads++
	}
	return nil
}

func (r *fakeRepo) UpsertServiceStats(ctx context.Context, service string, hitDelta, missDelta int64, seenAt time.Time, newDownload bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.serviceStats[service]
	if !ok {
		s = &db.ServiceStats{Service: service}
		r.serviceStats[service] = s
	}
	s.TotalHitBytes += hitDelta
	s.TotalMissBytes += missDelta
	s.LastSeen = seenAt
	if newDownload {
		s.TotalDownloads++
	}
	return nil
}

func (r *fakeRepo) ResolveDepot(ctx context.Context, depotID uint32) (uint32, string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mappings[depotID]
	if !ok {
		return 0, "", false, nil
	}
	name := ""
	if m.AppName != nil {
		name = *m.AppName
	}
	return m.AppID, name, true, nil
}

func (r *fakeRepo) ListUnresolvedDownloads(ctx context.Context, limit int) ([]db.Download, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []db.Download
	for _, d := range r.downloads {
		if d.DepotID != nil && d.GameAppID == nil {
			out = append(out, *d)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (r *fakeRepo) SetDownloadGame(ctx context.Context, downloadID int64, appID uint32, appName, imageURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.downloads[downloadID]
	if !ok {
		return db.ErrNoRows
	}
	d.GameAppID = &appID
	name := appName
	d.GameName = &name
	if imageURL != "" {
		img := imageURL
		d.GameImageURL = &img
	}
	return nil
}

func (r *fakeRepo) UpsertDepotMappings(ctx context.Context, rows []db.SteamDepotMapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		if row.IsOwner {
			r.mappings[row.DepotID] = row
		}
	}
	return nil
}

func (r *fakeRepo) CountDepotMappings(ctx context.Context) (int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	apps := make(map[uint32]struct{})
	for _, m := range r.mappings {
		apps[m.AppID] = struct{}{}
	}
	return len(r.mappings), len(apps), nil
}

func samePtr(a, b *uint32) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// fakeDepotLookup is a minimal DepotLookup double for tests exercising the
// in-memory PICS fallback path.
type fakeDepotLookup struct {
	owners map[uint32]uint32
	names  map[uint32]string
}

func (f *fakeDepotLookup) Owner(depotID uint32) (uint32, bool) {
	appID, ok := f.owners[depotID]
	return appID, ok
}

func (f *fakeDepotLookup) AppName(appID uint32) (string, bool) {
	name, ok := f.names[appID]
	return name, ok
}
</content>
