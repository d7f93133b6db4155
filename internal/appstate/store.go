package appstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/regix1/lancache-manager-sub003/internal/apikey"
	"github.com/regix1/lancache-manager-sub003/internal/secretbox"
)

// maxSaveFailures is the circuit-breaker threshold from spec.md §4.3:
// "after 5 failures, save becomes a no-op until the process restarts."
const maxSaveFailures = 5

// Store owns state.json: load-with-migration, atomic save, and a mutex-
// guarded read-modify-write mutator.
type Store struct {
	dir    string
	path   string
	tmp    string
	apikey apikey.Provider
	log    zerolog.Logger

	mu            sync.Mutex
	cached        *State
	saveFailures  int
	saveDisabled  bool
}

// NewStore constructs a Store rooted at dataDir/state.json.
func NewStore(dataDir string, keys apikey.Provider, logger zerolog.Logger) *Store {
	return &Store{
		dir:    dataDir,
		path:   filepath.Join(dataDir, "state.json"),
		tmp:    filepath.Join(dataDir, "state.json.tmp"),
		apikey: keys,
		log:    logger,
	}
}

func (s *Store) box() (*secretbox.Box, error) {
	key, err := s.apikey.GetOrCreateAPIKey()
	if err != nil {
		return nil, fmt.Errorf("appstate: get API key: %w", err)
	}
	return secretbox.New(key, s.log), nil
}

// GetState returns the current state, loading from disk (with one-time
// legacy migration) on first call, and running stale-operation cleanup on
// every call per spec.md §4.3.
func (s *Store) GetState() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached == nil {
		st, err := s.load()
		if err != nil {
			return State{}, err
		}
		s.cached = &st
	}
	s.cleanupStaleOperationsLocked()
	return *s.cached, nil
}

// UpdateState atomically reads, mutates, and saves the state under a single
// mutex — spec.md §4.3 "update_state(mutator)".
func (s *Store) UpdateState(mutate func(*State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached == nil {
		st, err := s.load()
		if err != nil {
			return err
		}
		s.cached = &st
	}
	mutate(s.cached)
	s.cached.LastUpdated = time.Now().UTC()
	return s.saveLocked(*s.cached)
}

// SaveState persists the given state, encrypting sensitive fields and
// atomically replacing state.json (temp-file + fsync + rename), per
// spec.md §4.3. After maxSaveFailures consecutive failures, save becomes a
// permanent no-op for the life of the process.
func (s *Store) SaveState(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = &st
	return s.saveLocked(st)
}

func (s *Store) saveLocked(st State) error {
	if s.saveDisabled {
		return nil
	}
	if err := s.writeAtomic(st); err != nil {
		s.saveFailures++
		if s.saveFailures >= 3 {
			s.log.Warn().Err(err).Int("failures", s.saveFailures).Msg("appstate: save failing repeatedly")
		} else {
			s.log.Warn().Err(err).Msg("appstate: save failed")
		}
		if s.saveFailures >= maxSaveFailures {
			s.log.Error().Msg("appstate: disabling further saves for remainder of process lifetime")
			s.saveDisabled = true
		}
		return err
	}
	s.saveFailures = 0
	return nil
}

func (s *Store) writeAtomic(st State) error {
	box, err := s.box()
	if err != nil {
		return err
	}
	onDisk := st
	if onDisk.SteamAuth.RefreshToken != "" {
		enc, err := box.Encrypt(onDisk.SteamAuth.RefreshToken)
		if err != nil {
			return fmt.Errorf("appstate: encrypt refresh_token: %w", err)
		}
		onDisk.SteamAuth.RefreshToken = enc
	}
	if onDisk.SteamAuth.GuardData != "" {
		enc, err := box.Encrypt(onDisk.SteamAuth.GuardData)
		if err != nil {
			return fmt.Errorf("appstate: encrypt guard_data: %w", err)
		}
		onDisk.SteamAuth.GuardData = enc
	}
	if len(onDisk.CacheClearOperations) > maxCacheClearHistory {
		onDisk.CacheClearOperations = onDisk.CacheClearOperations[len(onDisk.CacheClearOperations)-maxCacheClearHistory:]
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("appstate: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(onDisk, "", "  ")
	if err != nil {
		return fmt.Errorf("appstate: marshal: %w", err)
	}

	f, err := os.OpenFile(s.tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("appstate: open tmp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("appstate: write tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("appstate: fsync tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("appstate: close tmp: %w", err)
	}
	if err := os.Rename(s.tmp, s.path); err != nil {
		return fmt.Errorf("appstate: rename: %w", err)
	}
	return nil
}

func (s *Store) load() (State, error) {
	if migrated, err := s.migrateLegacyIfNeeded(); err != nil {
		s.log.Error().Err(err).Msg("appstate: legacy migration failed, continuing with defaults")
	} else if migrated {
		s.log.Info().Msg("appstate: migrated legacy per-feature files into state.json")
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			st := defaultState()
			return st, nil
		}
		return State{}, fmt.Errorf("appstate: read state.json: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("appstate: unmarshal state.json: %w", err)
	}

	box, err := s.box()
	if err != nil {
		return State{}, err
	}
	if st.SteamAuth.RefreshToken != "" {
		if pt, ok := box.Decrypt(st.SteamAuth.RefreshToken); ok {
			st.SteamAuth.RefreshToken = pt
		} else {
			st.SteamAuth.RefreshToken = ""
		}
	}
	if st.SteamAuth.GuardData != "" {
		if pt, ok := box.Decrypt(st.SteamAuth.GuardData); ok {
			st.SteamAuth.GuardData = pt
		} else {
			st.SteamAuth.GuardData = ""
		}
	}
	return st, nil
}

// cleanupStaleOperationsLocked removes operation_states entries matching
// type="log_processing" status="processing" older than 24h, per spec.md
// §4.3. Caller must hold s.mu.
func (s *Store) cleanupStaleOperationsLocked() {
	if s.cached == nil {
		return
	}
	cutoff := time.Now().Add(-operationStateTTL)
	kept := s.cached.OperationStates[:0:0]
	for _, op := range s.cached.OperationStates {
		if op.Type == "log_processing" && op.Status == "processing" && op.UpdatedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, op)
	}
	s.cached.OperationStates = kept
}
