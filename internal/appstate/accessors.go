package appstate

import "time"

// LogPosition returns the current log cursor byte offset.
func (s *Store) LogPosition() (uint64, error) {
	st, err := s.GetState()
	if err != nil {
		return 0, err
	}
	return st.LogProcessing.Position, nil
}

// SetLogPosition advances the log cursor. Per spec.md §4.1, this must only
// be called after a batch has been successfully committed.
func (s *Store) SetLogPosition(pos uint64) error {
	return s.UpdateState(func(st *State) {
		st.LogProcessing.Position = pos
	})
}

// SetupCompleted reports whether first-run setup has finished.
func (s *Store) SetupCompleted() (bool, error) {
	st, err := s.GetState()
	if err != nil {
		return false, err
	}
	return st.SetupCompleted, nil
}

// MarkSetupCompleted flips setup_completed to true.
func (s *Store) MarkSetupCompleted() error {
	return s.UpdateState(func(st *State) { st.SetupCompleted = true })
}

// LastPICSCrawl returns the last successful crawl time, if any.
func (s *Store) LastPICSCrawl() (*time.Time, error) {
	st, err := s.GetState()
	if err != nil {
		return nil, err
	}
	return st.LastPICSCrawl, nil
}

// SetLastPICSCrawl records a completed crawl's timestamp.
func (s *Store) SetLastPICSCrawl(t time.Time) error {
	return s.UpdateState(func(st *State) { st.LastPICSCrawl = &t })
}

// CrawlIntervalHours returns the configured crawl cadence (0 = disabled).
func (s *Store) CrawlIntervalHours() (float64, error) {
	st, err := s.GetState()
	if err != nil {
		return 0, err
	}
	return st.CrawlIntervalHours, nil
}

// SetCrawlIntervalHours updates the cadence and, per spec.md §4.2
// "Scheduling", resets last_pics_crawl to now so the UI countdown stays
// consistent with the new interval.
func (s *Store) SetCrawlIntervalHours(hours float64) error {
	return s.UpdateState(func(st *State) {
		st.CrawlIntervalHours = hours
		now := time.Now().UTC()
		st.LastPICSCrawl = &now
	})
}

// CrawlIncrementalMode reports whether scheduled crawls default to
// incremental mode.
func (s *Store) CrawlIncrementalMode() (bool, error) {
	st, err := s.GetState()
	if err != nil {
		return false, err
	}
	return st.CrawlIncrementalMode, nil
}

// SetCrawlIncrementalMode updates the default crawl mode.
func (s *Store) SetCrawlIncrementalMode(incremental bool) error {
	return s.UpdateState(func(st *State) { st.CrawlIncrementalMode = incremental })
}

// SteamAuth returns a copy of the current Steam logon material (decrypted).
func (s *Store) SteamAuth() (SteamAuth, error) {
	st, err := s.GetState()
	if err != nil {
		return SteamAuth{}, err
	}
	return st.SteamAuth, nil
}

// SetSteamAuth replaces the Steam logon material.
func (s *Store) SetSteamAuth(auth SteamAuth) error {
	return s.UpdateState(func(st *State) { st.SteamAuth = auth })
}

// UpsertOperationState inserts or replaces an operation_states entry keyed
// by Key.
func (s *Store) UpsertOperationState(op OperationState) error {
	return s.UpdateState(func(st *State) {
		op.UpdatedAt = time.Now().UTC()
		for i, existing := range st.OperationStates {
			if existing.Key == op.Key {
				st.OperationStates[i] = op
				return
			}
		}
		st.OperationStates = append(st.OperationStates, op)
	})
}

// OperationStates returns a snapshot of all operation_states entries.
func (s *Store) OperationStates() ([]OperationState, error) {
	st, err := s.GetState()
	if err != nil {
		return nil, err
	}
	return st.OperationStates, nil
}

// AppendCacheClearOperation records a new cache-clear operation.
func (s *Store) AppendCacheClearOperation(op CacheClearOperation) error {
	return s.UpdateState(func(st *State) {
		st.CacheClearOperations = append(st.CacheClearOperations, op)
	})
}

// UpdateCacheClearOperation updates an existing cache-clear operation by ID.
func (s *Store) UpdateCacheClearOperation(op CacheClearOperation) error {
	return s.UpdateState(func(st *State) {
		for i, existing := range st.CacheClearOperations {
			if existing.ID == op.ID {
				st.CacheClearOperations[i] = op
				return
			}
		}
		st.CacheClearOperations = append(st.CacheClearOperations, op)
	})
}

// DepotProcessing returns the current PICS crawl snapshot.
func (s *Store) DepotProcessing() (DepotProcessing, error) {
	st, err := s.GetState()
	if err != nil {
		return DepotProcessing{}, err
	}
	return st.DepotProcessing, nil
}

// SetDepotProcessing replaces the PICS crawl snapshot.
func (s *Store) SetDepotProcessing(dp DepotProcessing) error {
	return s.UpdateState(func(st *State) { st.DepotProcessing = dp })
}
