package appstate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regix1/lancache-manager-sub003/internal/apikey"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return NewStore(dir, apikey.Static([]byte("test-key-0123456789")), zerolog.Nop())
}

func TestGetState_DefaultsWhenNoFileExists(t *testing.T) {
	s := newTestStore(t)
	st, err := s.GetState()
	require.NoError(t, err)
	assert.Equal(t, 1.0, st.CrawlIntervalHours)
	assert.True(t, st.CrawlIncrementalMode)
	assert.Equal(t, "anonymous", st.SteamAuth.Mode)
}

func TestUpdateState_RoundTripsThroughDisk(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateState(func(st *State) {
		st.LogProcessing.Position = 12345
		st.SetupCompleted = true
	})
	require.NoError(t, err)

	fresh := NewStore(s.dir, apikey.Static([]byte("test-key-0123456789")), zerolog.Nop())
	st, err := fresh.GetState()
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), st.LogProcessing.Position)
	assert.True(t, st.SetupCompleted)
}

func TestWriteAtomic_EncryptsSteamAuthOnDisk(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateState(func(st *State) {
		st.SteamAuth.RefreshToken = "plaintext-refresh-token"
		st.SteamAuth.GuardData = "plaintext-guard-data"
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(s.path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "plaintext-refresh-token")
	assert.NotContains(t, string(raw), "plaintext-guard-data")

	var onDisk State
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Contains(t, onDisk.SteamAuth.RefreshToken, "ENC2:")

	st, err := s.GetState()
	require.NoError(t, err)
	assert.Equal(t, "plaintext-refresh-token", st.SteamAuth.RefreshToken)
	assert.Equal(t, "plaintext-guard-data", st.SteamAuth.GuardData)
}

func TestWriteAtomic_NeverLeavesPartialFile(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpdateState(func(st *State) { st.SetupCompleted = true }))

	entries, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}

	raw, err := os.ReadFile(s.path)
	require.NoError(t, err)
	var st State
	assert.NoError(t, json.Unmarshal(raw, &st))
}

func TestMigrateLegacyFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "position.txt"), []byte("998877"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "setup_completed.txt"), []byte("true"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "last_pics_crawl.txt"), []byte(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Format(time.RFC3339)), 0o644))
	states := []OperationState{{Key: "log_processing", Type: "log_processing", Status: "idle", UpdatedAt: time.Now()}}
	b, _ := json.Marshal(states)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "operation_states.json"), b, 0o644))

	s := NewStore(dir, apikey.Static([]byte("test-key-0123456789")), zerolog.Nop())
	st, err := s.GetState()
	require.NoError(t, err)

	assert.Equal(t, uint64(998877), st.LogProcessing.Position)
	assert.True(t, st.SetupCompleted)
	require.NotNil(t, st.LastPICSCrawl)
	assert.Equal(t, 2026, st.LastPICSCrawl.Year())
	require.Len(t, st.OperationStates, 1)

	for _, name := range []string{"position.txt", "setup_completed.txt", "last_pics_crawl.txt", "operation_states.json"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.True(t, os.IsNotExist(err), "legacy file %s should be removed", name)
	}

	_, err = os.Stat(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
}

func TestMigrateLegacy_SkippedWhenStateJSONAlreadyExists(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, apikey.Static([]byte("test-key-0123456789")), zerolog.Nop())
	require.NoError(t, s.UpdateState(func(st *State) { st.LogProcessing.Position = 42 }))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "position.txt"), []byte("1"), 0o644))

	fresh := NewStore(dir, apikey.Static([]byte("test-key-0123456789")), zerolog.Nop())
	st, err := fresh.GetState()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), st.LogProcessing.Position)

	_, err = os.Stat(filepath.Join(dir, "position.txt"))
	require.NoError(t, err, "untouched legacy file should remain since state.json already existed")
}

func TestCleanupStaleOperations_RemovesOldProcessingEntries(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpdateState(func(st *State) {
		st.OperationStates = []OperationState{
			{Key: "a", Type: "log_processing", Status: "processing", UpdatedAt: time.Now().Add(-25 * time.Hour)},
			{Key: "b", Type: "log_processing", Status: "processing", UpdatedAt: time.Now()},
			{Key: "c", Type: "cache_clear", Status: "processing", UpdatedAt: time.Now().Add(-48 * time.Hour)},
		}
	}))

	st, err := s.GetState()
	require.NoError(t, err)
	keys := make([]string, 0, len(st.OperationStates))
	for _, op := range st.OperationStates {
		keys = append(keys, op.Key)
	}
	assert.ElementsMatch(t, []string{"b", "c"}, keys)
}

func TestSaveCircuitBreaker_DisablesAfterRepeatedFailures(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpdateState(func(st *State) { st.SetupCompleted = true }))

	require.NoError(t, os.RemoveAll(s.dir))
	blocker := filepath.Join(filepath.Dir(s.dir), filepath.Base(s.dir))
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	defer os.Remove(blocker)

	var errs []error
	for i := 0; i < maxSaveFailures+2; i++ {
		errs = append(errs, s.UpdateState(func(st *State) { st.SetupCompleted = false }))
	}
	assert.Error(t, errs[maxSaveFailures-1])
	assert.NoError(t, errs[maxSaveFailures], "saves are a no-op once disabled")
	assert.True(t, s.saveDisabled)

	s.mu.Lock()
	failuresAtDisable := s.saveFailures
	s.mu.Unlock()
	assert.GreaterOrEqual(t, failuresAtDisable, maxSaveFailures)
}

func TestAccessors_RoundTrip(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SetLogPosition(777))
	pos, err := s.LogPosition()
	require.NoError(t, err)
	assert.Equal(t, uint64(777), pos)

	require.NoError(t, s.MarkSetupCompleted())
	done, err := s.SetupCompleted()
	require.NoError(t, err)
	assert.True(t, done)

	require.NoError(t, s.SetCrawlIncrementalMode(false))
	inc, err := s.CrawlIncrementalMode()
	require.NoError(t, err)
	assert.False(t, inc)

	op := OperationState{Key: "pics_crawl", Type: "pics_crawl", Status: "running"}
	require.NoError(t, s.UpsertOperationState(op))
	ops, err := s.OperationStates()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "running", ops[0].Status)

	op.Status = "completed"
	require.NoError(t, s.UpsertOperationState(op))
	ops, err = s.OperationStates()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "completed", ops[0].Status)
}
