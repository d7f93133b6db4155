// Package config loads the core's structured settings (data directory, cache
// root, crawl cadence) from a YAML file with environment overrides, and
// exposes the handful of environment-only, build-tag-selected defaults that
// differ between a developer loop and a deployed instance.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the on-disk, operator-facing configuration. It is distinct
// from AppState (internal/appstate): Settings is operator intent, loaded
// once at startup; AppState is runtime-derived and mutated continuously.
type Settings struct {
	DataDir  string `yaml:"data_dir"`
	CacheDir string `yaml:"cache_dir"`
	LogPath  string `yaml:"log_path"`

	CrawlIntervalHours  float64 `yaml:"crawl_interval_hours"`
	CrawlIncrementalMode bool   `yaml:"crawl_incremental_mode"`

	EraserThreadCount int    `yaml:"eraser_thread_count"`
	EraserDeleteMode  string `yaml:"eraser_delete_mode"`

	SteamAPIKeyEnv string `yaml:"steam_api_key_env"`
}

// Default returns the built-in defaults, consistent with spec §3's AppState
// defaults (crawl_interval_hours=1.0, crawl_incremental_mode=true) and §4.4
// (thread_count default 4, delete_mode default "preserve").
func Default() Settings {
	return Settings{
		DataDir:              "data",
		CacheDir:              "/cache",
		LogPath:               "/logs/access.log",
		CrawlIntervalHours:    1.0,
		CrawlIncrementalMode:  true,
		EraserThreadCount:     EraserWorkers(),
		EraserDeleteMode:      "preserve",
		SteamAPIKeyEnv:        "STEAM_API_KEY",
	}
}

// Load reads Settings from a YAML file decoded over Default(), so fields the
// file does not set keep their defaults while explicit values (including 0)
// are kept, then applies environment overrides using the teacher's
// os.Getenv + strconv idiom.
func Load(path string) (Settings, error) {
	s := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Settings{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(b, &s); err != nil {
			return Settings{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnvOverrides(&s)
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func applyEnvOverrides(s *Settings) {
	if v := os.Getenv("LANCACHE_DATA_DIR"); v != "" {
		s.DataDir = v
	}
	if v := os.Getenv("LANCACHE_CACHE_DIR"); v != "" {
		s.CacheDir = v
	}
	if v := os.Getenv("LANCACHE_LOG_PATH"); v != "" {
		s.LogPath = v
	}
	if v := os.Getenv("LANCACHE_CRAWL_INTERVAL_HOURS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			s.CrawlIntervalHours = f
		}
	}
	if v := os.Getenv("LANCACHE_ERASER_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.EraserThreadCount = n
		}
	}
	if v := os.Getenv("LANCACHE_ERASER_DELETE_MODE"); v != "" {
		s.EraserDeleteMode = v
	}
}

// Validate enforces the bounds called out in spec §4.4 (thread_count in
// [1,16]) and §4.4 (delete_mode is one of three literals).
func (s Settings) Validate() error {
	if s.EraserThreadCount < 1 || s.EraserThreadCount > 16 {
		return fmt.Errorf("eraser_thread_count must be in [1,16], got %d", s.EraserThreadCount)
	}
	switch s.EraserDeleteMode {
	case "preserve", "full", "rsync":
	default:
		return fmt.Errorf("eraser_delete_mode must be preserve|full|rsync, got %q", s.EraserDeleteMode)
	}
	if s.CrawlIntervalHours < 0 {
		return fmt.Errorf("crawl_interval_hours must be >= 0, got %f", s.CrawlIntervalHours)
	}
	return nil
}

// CrawlInterval converts CrawlIntervalHours to a time.Duration. 0 disables
// the scheduler, per §4.2 "Scheduling".
func (s Settings) CrawlInterval() time.Duration {
	return time.Duration(s.CrawlIntervalHours * float64(time.Hour))
}
