package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/regix1/lancache-manager-sub003/internal/apikey"
	"github.com/regix1/lancache-manager-sub003/internal/appstate"
	"github.com/regix1/lancache-manager-sub003/internal/config"
	"github.com/regix1/lancache-manager-sub003/internal/db"
	"github.com/regix1/lancache-manager-sub003/internal/events"
)

// stubRepo is a no-op db.Repo double; the supervisor tests exercise
// lifecycle wiring, not the sessioning/persistence logic covered in
// internal/logprocessor and internal/pics's own test suites.
type stubRepo struct{}

func (stubRepo) FindActiveDownload(context.Context, string, string, *uint32) (*db.Download, error) {
	return nil, nil
}
func (stubRepo) FindMostRecentDownload(context.Context, string, string, *uint32) (*db.Download, error) {
	return nil, nil
}
func (stubRepo) InsertDownload(context.Context, db.Download) (int64, error) { return 1, nil }
func (stubRepo) ExtendDownload(context.Context, db.Download) error          { return nil }
func (stubRepo) CloseStaleDownloads(context.Context, time.Time, int) (int64, error) {
	return 0, nil
}
func (stubRepo) InsertLogEntries(context.Context, []db.LogEntryRecord) error { return nil }
func (stubRepo) CommitBatch(context.Context, db.BatchCommit) (int64, error) { return 1, nil }
func (stubRepo) UpsertClientStats(context.Context, string, int64, int64, time.Time, bool) error {
	return nil
}
func (stubRepo) UpsertServiceStats(context.Context, string, int64, int64, time.Time, bool) error {
	return nil
}
func (stubRepo) ResolveDepot(context.Context, uint32) (uint32, string, bool, error) {
	return 0, "", false, nil
}
func (stubRepo) ListUnresolvedDownloads(context.Context, int) ([]db.Download, error) {
	return nil, nil
}
func (stubRepo) SetDownloadGame(context.Context, int64, uint32, string, string) error { return nil }
func (stubRepo) UpsertDepotMappings(context.Context, []db.SteamDepotMapping) error    { return nil }
func (stubRepo) CountDepotMappings(context.Context) (int, int, error)                 { return 0, 0, nil }

func newTestSupervisor(t *testing.T) (*Supervisor, *appstate.Store) {
	t.Helper()
	dataDir := t.TempDir()
	cacheDir := t.TempDir()
	for _, shard := range []string{"00", "ff"} {
		require.NoError(t, os.MkdirAll(filepath.Join(cacheDir, shard), 0o755))
	}

	state := appstate.NewStore(dataDir, apikey.Static("test-key-0123456789"), zerolog.Nop())
	cfg := config.Settings{
		DataDir:  dataDir,
		CacheDir: cacheDir,
		LogPath:  filepath.Join(t.TempDir(), "access.log"),
	}
	require.NoError(t, state.SetCrawlIntervalHours(0))

	sup := New(cfg, stubRepo{}, state, events.NoopSink{}, nil, nil, zerolog.Nop())
	return sup, state
}

func TestSupervisor_StartStopWithoutCrawler(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	require.Nil(t, sup.Crawler())
	require.NotNil(t, sup.Eraser())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, sup.Start(ctx))
	require.NoError(t, sup.Stop(ctx))
}

func TestSupervisor_StartMarksInterruptedCacheClearOperations(t *testing.T) {
	sup, state := newTestSupervisor(t)

	require.NoError(t, state.AppendCacheClearOperation(appstate.CacheClearOperation{
		ID:     "orphaned",
		Status: "Running",
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop(ctx)

	st, err := state.GetState()
	require.NoError(t, err)
	require.Len(t, st.CacheClearOperations, 1)
	require.Equal(t, "Failed", st.CacheClearOperations[0].Status)
}

func TestSupervisor_SchedulerDisabledWhenIntervalZero(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, sup.Start(ctx))
	require.NoError(t, sup.armScheduler())
	require.Nil(t, sup.cronJob)
	require.NoError(t, sup.Stop(ctx))
}
