package pics

import (
	"context"
	"sync"
	"time"

	"github.com/regix1/lancache-manager-sub003/internal/db"
)

// fakeRepo is a minimal in-memory db.Repo double for crawler tests —
// the crawler only exercises the depot-mapping and download-resolution
// methods, so that's all this implements meaningfully.
type fakeRepo struct {
	mu          sync.Mutex
	mappings    []db.SteamDepotMapping
	downloads   map[int64]db.Download
	nextID      int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{downloads: make(map[int64]db.Download)}
}

func (r *fakeRepo) addUnresolvedDownload(depotID uint32) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	d := depotID
	r.downloads[id] = db.Download{ID: id, DepotID: &d}
	return id
}

func (r *fakeRepo) FindActiveDownload(ctx context.Context, clientIP, service string, depotID *uint32) (*db.Download, error) {
	return nil, db.ErrNoRows
}
func (r *fakeRepo) FindMostRecentDownload(ctx context.Context, clientIP, service string, depotID *uint32) (*db.Download, error) {
	return nil, db.ErrNoRows
}
func (r *fakeRepo) InsertDownload(ctx context.Context, d db.Download) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	d.ID = r.nextID
	r.downloads[d.ID] = d
	return d.ID, nil
}
func (r *fakeRepo) ExtendDownload(ctx context.Context, d db.Download) error { return nil }
func (r *fakeRepo) CloseStaleDownloads(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	return 0, nil
}
func (r *fakeRepo) InsertLogEntries(ctx context.Context, rows []db.LogEntryRecord) error { return nil }
func (r *fakeRepo) CommitBatch(ctx context.Context, commit db.BatchCommit) (int64, error) {
	if commit.Download.ID != 0 {
		return commit.Download.ID, nil
	}
	return r.InsertDownload(ctx, commit.Download)
}
func (r *fakeRepo) UpsertClientStats(ctx context.Context, clientIP string, hitDelta, missDelta int64, seenAt time.Time, newDownload bool) error {
	return nil
}
func (r *fakeRepo) UpsertServiceStats(ctx context.Context, service string, hitDelta, missDelta int64, seenAt time.Time, newDownload bool) error {
	return nil
}
func (r *fakeRepo) ResolveDepot(ctx context.Context, depotID uint32) (uint32, string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.mappings {
		if m.DepotID == depotID && m.IsOwner {
			name := ""
			if m.AppName != nil {
				name = *m.AppName
			}
			return m.AppID, name, true, nil
		}
	}
	return 0, "", false, nil
}
func (r *fakeRepo) ListUnresolvedDownloads(ctx context.Context, limit int) ([]db.Download, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]db.Download, 0, len(r.downloads))
	for _, d := range r.downloads {
		if d.GameAppID == nil {
			out = append(out, d)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
func (r *fakeRepo) SetDownloadGame(ctx context.Context, downloadID int64, appID uint32, appName, imageURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.downloads[downloadID]
	d.GameAppID = &appID
	name := appName
	d.GameName = &name
	r.downloads[downloadID] = d
	return nil
}
func (r *fakeRepo) UpsertDepotMappings(ctx context.Context, rows []db.SteamDepotMapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappings = append(r.mappings, rows...)
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
