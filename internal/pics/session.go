// Package pics implements the depot crawler described in spec.md §4.2: it
// keeps SteamDepotMapping fresh by periodically walking Steam's PICS
// (Product Info and Change Service), falling back to a Web-API app-list
// enumeration for full scans.
//
// The PICS network itself is not reachable from this module, so the crawler
// is built against SteamSession, a narrow interface modeling exactly the
// operations the crawl algorithm needs. A production binary wires a real
// Steam client behind it; tests use fakeSession.
package pics

import (
	"context"
	"time"
)

// JobID correlates an asynchronous Steam request with the callbacks it
// eventually produces.
type JobID uint64

// ChangesSinceResult is PICSGetChangesSince's reply. LastChangeNumber is the
// cursor this response actually advanced to; CurrentChangeNumber is Steam's
// live head as of the call. A chunked response can leave LastChangeNumber
// behind CurrentChangeNumber, which is what makes paging necessary (spec.md
// §4.2 step 2: "Continue paging until last_change_number ≥ current").
type ChangesSinceResult struct {
	LastChangeNumber      uint32
	CurrentChangeNumber   uint32
	RequiresFullUpdate    bool
	RequiresFullAppUpdate bool
	AppChanges            []uint32
}

// AccessToken is one element of a PICSGetAccessTokens reply.
type AccessToken struct {
	AppID uint32
	Token uint64 // 0 if none granted
}

// DepotInfo is one depot child parsed out of a ProductInfo's "depots" KV.
type DepotInfo struct {
	DepotID     uint32
	OwnerAppID  uint32 // 0 if not present (depotfromapp); falls back to AppID
	HasOwner    bool
}

// ProductInfo is one app's worth of PICS product info, already flattened
// into the fields the crawler needs from the "common"/"depots" KV subtrees.
type ProductInfo struct {
	AppID          uint32
	Name           string
	ListOfDLC      []uint32
	Depots         []DepotInfo
	ResponsePending bool // true until the terminal callback for this job
}

// SteamSession models the long-lived client the crawl algorithm in spec.md
// §4.2 describes: asynchronous jobs correlated by job id, callbacks
// delivered onto a single pump, anonymous or credentialed logon.
type SteamSession interface {
	// Connect establishes the network connection. Bounded by the caller
	// with a 30s deadline per §4.2 step 1.
	Connect(ctx context.Context) error

	// LogOnAnonymous logs on without credentials.
	LogOnAnonymous(ctx context.Context) error

	// LogOnWithToken logs on using a previously persisted refresh token
	// and optional guard data.
	LogOnWithToken(ctx context.Context, refreshToken, guardData string) error

	// PICSGetChangesSince asks for all app changes after `since`.
	PICSGetChangesSince(ctx context.Context, since uint32) (ChangesSinceResult, error)

	// PICSGetAccessTokens requests app access tokens for a batch of apps.
	PICSGetAccessTokens(ctx context.Context, appIDs []uint32) ([]AccessToken, error)

	// PICSGetProductInfo issues a streamed multi-callback request; the
	// returned channel is closed by the session once the terminal
	// (ResponsePending=false) callback for every app in the batch has been
	// delivered, or ctx is cancelled.
	PICSGetProductInfo(ctx context.Context, appIDs []uint32, tokens map[uint32]uint64) (<-chan ProductInfo, error)

	// GetAppListFallback enumerates the complete public app list via the
	// Steam Web API, used for full scans. Returns the list plus the
	// change number current as of the call.
	GetAppListFallback(ctx context.Context) (apps []uint32, names map[uint32]string, currentChangeNumber uint32, err error)

	// Disconnect closes the connection. intentional controls the log
	// level the crawler uses when reporting it (§4.2 "Connection
	// lifecycle").
	Disconnect(ctx context.Context, intentional bool) error
}

// Progress is the snapshot returned by Crawler.GetProgress, mirroring
// appstate.DepotProcessing.
type Progress struct {
	Active           bool
	Status           string
	TotalApps        int
	ProcessedApps    int
	LastChangeNumber uint32
	StartedAt        time.Time
}

// ViabilityResult is check_incremental_viability's reply per spec.md §4.2.
type ViabilityResult struct {
	IsViable            bool
	LastChangeNumber    uint32
	CurrentChangeNumber uint32
	ChangeGap           uint32
	WillTriggerFullScan bool
}
