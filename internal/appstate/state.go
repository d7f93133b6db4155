// Package appstate owns the single consolidated, atomically-written state
// document described in spec.md §3/§4.3: log cursor, PICS cursor, crawl
// parameters, encrypted Steam tokens, cache-clear history, and generic
// keyed operation states.
package appstate

import "time"

// DepotProcessing is a snapshot of the current (or most recent) PICS crawl,
// sufficient to resume a full scan across a restart.
type DepotProcessing struct {
	Active            bool      `json:"active"`
	Status            string    `json:"status"`
	TotalApps         int       `json:"total_apps"`
	ProcessedApps     int       `json:"processed_apps"`
	RemainingAppIDs   []uint32  `json:"remaining_app_ids,omitempty"`
	LastChangeNumber  uint32    `json:"last_change_number"`
}

// CacheClearOperation is a finished or in-flight erase operation record.
// The cancel handle is ephemeral and lives only in internal/cacheeraser's
// in-memory registry, never here.
type CacheClearOperation struct {
	ID                   string     `json:"id"`
	StartTime            time.Time  `json:"start_time"`
	EndTime              *time.Time `json:"end_time,omitempty"`
	Status               string     `json:"status"` // Preparing|Running|Completed|Failed|Cancelled
	Message              string     `json:"message,omitempty"`
	DirectoriesProcessed int        `json:"directories_processed"`
	TotalDirectories     int        `json:"total_directories"`
	BytesDeleted         int64      `json:"bytes_deleted"`
	FilesDeleted         int64      `json:"files_deleted"`
	PercentComplete      float64    `json:"percent_complete"`
	Error                string     `json:"error,omitempty"`
}

// OperationState is a generic keyed mini-state blob (spec.md §3/§9).
// Data is a free-form map that round-trips verbatim for unknown Type
// values, and is interpreted per known Type by the owning engine.
type OperationState struct {
	Key       string         `json:"key"`
	Type      string         `json:"type"`
	Status    string         `json:"status"`
	Data      map[string]any `json:"data,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SteamAuth holds the crawler's logon material. RefreshToken and GuardData
// are encrypted at rest (internal/secretbox) and only ever held in
// plaintext in memory.
type SteamAuth struct {
	Mode              string     `json:"mode"` // "anonymous" | "authenticated"
	Username          string     `json:"username,omitempty"`
	RefreshToken      string     `json:"refresh_token,omitempty"` // on disk: ENC2:/ENC:-prefixed
	GuardData         string     `json:"guard_data,omitempty"`    // on disk: ENC2:/ENC:-prefixed
	LastAuthenticated *time.Time `json:"last_authenticated,omitempty"`
}

// LogProcessing tracks the byte offset consumed so far in the access log.
type LogProcessing struct {
	Position uint64 `json:"position"`
}

// State is the full persisted document (spec.md §3 "AppState").
type State struct {
	LogProcessing   LogProcessing         `json:"log_processing"`
	DepotProcessing DepotProcessing       `json:"depot_processing"`

	CacheClearOperations []CacheClearOperation `json:"cache_clear_operations"`
	OperationStates      []OperationState      `json:"operation_states"`

	SetupCompleted       bool       `json:"setup_completed"`
	LastPICSCrawl        *time.Time `json:"last_pics_crawl,omitempty"`
	CrawlIntervalHours   float64    `json:"crawl_interval_hours"`
	CrawlIncrementalMode bool       `json:"crawl_incremental_mode"`
	HasDataLoaded        bool       `json:"has_data_loaded"`
	LastDataMappingCount int        `json:"last_data_mapping_count"`

	SteamAuth SteamAuth `json:"steam_auth"`

	LastUpdated time.Time `json:"last_updated"`
}

// defaultState mirrors spec.md §3's stated defaults.
func defaultState() State {
	return State{
		CrawlIntervalHours:   1.0,
		CrawlIncrementalMode: true,
		SteamAuth:            SteamAuth{Mode: "anonymous"},
	}
}

// bounded history for cache_clear_operations, so the document doesn't grow
// unboundedly across the lifetime of a long-running deployment.
const maxCacheClearHistory = 50

// operationStateTTL is the 24h TTL named in spec.md §3/§4.3.
const operationStateTTL = 24 * time.Hour
