package pics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"
)

// WebAPIClient wraps the public (keyless) ISteamApps/GetAppList/v2 endpoint
// used as the full-scan fallback named in spec.md §4.2 step 2. Shaped after
// the teacher's steamapi.Client: a small typed wrapper around an
// *http.Client with the same dial/handshake/idle timeouts, reused here
// because a full-scan app-list lookup has the same one-shot-JSON-GET shape
// as the teacher's achievement calls.
type WebAPIClient struct {
	key    string // optional; GetAppList/v2 does not require one but GetAppList sends STEAM_API_KEY if set, for parity with the authenticated endpoints a production SteamSession would also need
	client *http.Client
}

// NewWebAPIClient builds a client reading STEAM_API_KEY from the
// environment if present (optional for GetAppList, required by a real
// session's other calls).
func NewWebAPIClient() *WebAPIClient {
	return &WebAPIClient{
		key: os.Getenv("STEAM_API_KEY"),
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
				IdleConnTimeout:       30 * time.Second,
				MaxIdleConns:          100,
				MaxConnsPerHost:       10,
			},
		},
	}
}

type appListResp struct {
	Applist struct {
		Apps []struct {
			AppID uint32 `json:"appid"`
			Name  string `json:"name"`
		} `json:"apps"`
	} `json:"applist"`
}

// GetAppList fetches the complete public app catalog. It does not return a
// change number — callers pair this with whatever "current" change number
// a PICS session reports separately, per spec.md §4.2 step 2.
func (c *WebAPIClient) GetAppList(ctx context.Context) (apps []uint32, names map[uint32]string, err error) {
	u := "https://api.steampowered.com/ISteamApps/GetAppList/v2/"
	q := url.Values{}
	if c.key != "" {
		q.Set("key", c.key)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u+"?"+q.Encode(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("pics: build GetAppList request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("pics: GetAppList request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, fmt.Errorf("pics: GetAppList http %d", resp.StatusCode)
	}

	var raw appListResp
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, nil, fmt.Errorf("pics: decode GetAppList response: %w", err)
	}

	apps = make([]uint32, 0, len(raw.Applist.Apps))
	names = make(map[uint32]string, len(raw.Applist.Apps))
	for _, a := range raw.Applist.Apps {
		apps = append(apps, a.AppID)
		if a.Name != "" {
			names[a.AppID] = a.Name
		}
	}
	return apps, names, nil
}
