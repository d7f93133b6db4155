package appstate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// migrateLegacyIfNeeded performs the one-time migration from legacy
// per-feature files into state.json, per spec.md §4.3:
//
//	position.txt, cache_clear_status.json, operation_states.json,
//	setup_completed.txt, last_pics_crawl.txt
//
// Returns migrated=true if state.json did not yet exist and at least one
// legacy file was found and folded in.
func (s *Store) migrateLegacyIfNeeded() (bool, error) {
	if _, err := os.Stat(s.path); err == nil {
		return false, nil // state.json already exists; migration already happened
	}

	st := defaultState()
	foundAny := false

	if b, err := os.ReadFile(filepath.Join(s.dir, "position.txt")); err == nil {
		if pos, perr := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64); perr == nil {
			st.LogProcessing.Position = pos
			foundAny = true
		}
	}

	if b, err := os.ReadFile(filepath.Join(s.dir, "cache_clear_status.json")); err == nil {
		var ops []CacheClearOperation
		if json.Unmarshal(b, &ops) == nil {
			st.CacheClearOperations = ops
			foundAny = true
		}
	}

	if b, err := os.ReadFile(filepath.Join(s.dir, "operation_states.json")); err == nil {
		var states []OperationState
		if json.Unmarshal(b, &states) == nil {
			st.OperationStates = states
			foundAny = true
		}
	}

	if b, err := os.ReadFile(filepath.Join(s.dir, "setup_completed.txt")); err == nil {
		v := strings.TrimSpace(string(b))
		st.SetupCompleted = v == "true" || v == "1"
		foundAny = true
	}

	if b, err := os.ReadFile(filepath.Join(s.dir, "last_pics_crawl.txt")); err == nil {
		if t, terr := time.Parse(time.RFC3339, strings.TrimSpace(string(b))); terr == nil {
			st.LastPICSCrawl = &t
			foundAny = true
		}
	}

	if !foundAny {
		return false, nil
	}

	st.LastUpdated = time.Now().UTC()
	if err := s.writeAtomic(st); err != nil {
		return false, err
	}
	s.removeLegacyFiles()
	return true, nil
}

func (s *Store) removeLegacyFiles() {
	for _, name := range []string{
		"position.txt", "cache_clear_status.json", "operation_states.json",
		"setup_completed.txt", "last_pics_crawl.txt",
	} {
		_ = os.Remove(filepath.Join(s.dir, name))
	}
}
