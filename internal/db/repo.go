package db

import (
	"context"
	"database/sql"
	"time"
)

// ErrNoRows re-exports sql.ErrNoRows so callers don't need to import
// database/sql just to compare errors.
var ErrNoRows = sql.ErrNoRows

// ---------- Row models (mirror spec.md §3) ----------

// Download is a contiguous transfer by one client for one service (+depot
// for Steam). See spec.md §3 for invariants.
type Download struct {
	ID             int64
	Service        string
	ClientIP       string
	DepotID        *uint32
	GameAppID      *uint32
	GameName       *string
	GameImageURL   *string
	LastURL        *string
	StartTime      time.Time
	EndTime        time.Time
	CacheHitBytes  int64
	CacheMissBytes int64
	IsActive       bool
}

// LogEntryRecord is one row per parsed log line, FK'd to its Download.
// Intentionally not deduplicated (spec.md §9 "Open questions").
type LogEntryRecord struct {
	ID          int64
	DownloadID  int64
	Timestamp   time.Time
	ClientIP    string
	Service     string
	URL         string
	StatusCode  int
	BytesServed int64
	CacheStatus string
	DepotID     *uint32
}

// ClientStats is the per-client_ip rollup.
type ClientStats struct {
	ClientIP        string
	TotalHitBytes   int64
	TotalMissBytes  int64
	LastSeen        time.Time
	TotalDownloads  int64
}

// ServiceStats is the per-service rollup.
type ServiceStats struct {
	Service         string
	TotalHitBytes   int64
	TotalMissBytes  int64
	LastSeen        time.Time
	TotalDownloads  int64
}

// SteamDepotMapping is a (depot_id, app_id) pair. A depot may map to
// multiple apps; exactly one row per depot has IsOwner=true.
type SteamDepotMapping struct {
	DepotID      uint32
	AppID        uint32
	AppName      *string
	Source       string // "pics" | "json" | "realtime" | "post_process"
	IsOwner      bool
	DiscoveredAt time.Time
}

// ---------- Inputs ----------

// BatchCommit is the unit of work committed by the log processor after
// sessioning one batch of log lines (spec.md §4.1 "Sessioning"): the
// Download write and its log entry rows land together, in one transaction,
// via CommitBatch.
type BatchCommit struct {
	Download     Download // zero ID means "insert new"; non-zero means "extend existing"
	IsNewSession bool     // drives the total_downloads asymmetry (spec.md §9)
	Entries      []LogEntryRecord
}

// Repo is the persistence seam for the log processor and PICS crawler.
type Repo interface {
	// Downloads
	FindActiveDownload(ctx context.Context, clientIP, service string, depotID *uint32) (*Download, error)
	FindMostRecentDownload(ctx context.Context, clientIP, service string, depotID *uint32) (*Download, error)
	InsertDownload(ctx context.Context, d Download) (int64, error)
	ExtendDownload(ctx context.Context, d Download) error
	CloseStaleDownloads(ctx context.Context, olderThan time.Time, limit int) (int64, error)

	// CommitBatch persists commit.Download (inserted or extended) and
	// commit.Entries as a single transaction, returning the Download's id.
	CommitBatch(ctx context.Context, commit BatchCommit) (int64, error)

	// Log entries
	InsertLogEntries(ctx context.Context, rows []LogEntryRecord) error

	// Stats
	UpsertClientStats(ctx context.Context, clientIP string, hitDelta, missDelta int64, seenAt time.Time, newDownload bool) error
	UpsertServiceStats(ctx context.Context, service string, hitDelta, missDelta int64, seenAt time.Time, newDownload bool) error

	// Depot mapping resolution (log processor's read side)
	ResolveDepot(ctx context.Context, depotID uint32) (appID uint32, appName string, ok bool, err error)
	ListUnresolvedDownloads(ctx context.Context, limit int) ([]Download, error)
	SetDownloadGame(ctx context.Context, downloadID int64, appID uint32, appName, imageURL string) error

	// Depot mapping writes (PICS crawler's write side)
	UpsertDepotMappings(ctx context.Context, rows []SteamDepotMapping) error
	CountDepotMappings(ctx context.Context) (depots, apps int, err error)
}
