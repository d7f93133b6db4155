package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/regix1/lancache-manager-sub003/internal/apikey"
	"github.com/regix1/lancache-manager-sub003/internal/appstate"
	"github.com/regix1/lancache-manager-sub003/internal/cacheeraser"
	"github.com/regix1/lancache-manager-sub003/internal/config"
	dbpkg "github.com/regix1/lancache-manager-sub003/internal/db"
	"github.com/regix1/lancache-manager-sub003/internal/events"
	"github.com/regix1/lancache-manager-sub003/internal/pics"
	"github.com/regix1/lancache-manager-sub003/internal/supervisor"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lancache-core",
	Short: "LancacheManager core data-plane: log processing, PICS crawling, cache erasure",
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to config YAML (optional; env vars and defaults otherwise apply)")
	rootCmd.PersistentFlags().Bool("log-json", true, "Emit structured JSON logs instead of console-formatted ones")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(crawlNowCmd)
	rootCmd.AddCommand(eraseCacheCmd)
	rootCmd.AddCommand(migrateStateCmd)
}

func newLogger(cmd *cobra.Command) zerolog.Logger {
	jsonOut, _ := cmd.Flags().GetBool("log-json")
	if jsonOut {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
}

func loadConfig(cmd *cobra.Command) (config.Settings, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// openRepo opens the sqlite database, applies the embedded migrations, and
// returns a ready-to-use db.Repo, mirroring the teacher's own "open DB +
// apply migrations" wiring order in main.go.
func openRepo(cfg config.Settings) (*sql.DB, dbpkg.Repo, error) {
	dbPath := cfg.DataDir + "/lancache.db"
	sqlDB, err := dbpkg.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := dbpkg.ApplyMigrations(ctx, sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("apply migrations: %w", err)
	}
	return sqlDB, dbpkg.NewRepo(sqlDB), nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the core service: log processor, PICS crawler, and cache eraser, until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(cmd)
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		sqlDB, repo, err := openRepo(cfg)
		if err != nil {
			return err
		}
		defer sqlDB.Close()

		keyEnv := cfg.SteamAPIKeyEnv
		state := appstate.NewStore(cfg.DataDir, apikey.Static(os.Getenv(keyEnv)), log)
		sink := events.NewChannelSink(256)

		// No SteamSession/ImageResolver adapters ship in this module (both
		// are external collaborators per spec.md §1); a deployment wires
		// them in by constructing its own supervisor.New call against a
		// vendored client. Here the crawler and image lookups stay inert.
		sup := supervisor.New(cfg, repo, state, sink, nil, nil, log)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := sup.Start(ctx); err != nil {
			return fmt.Errorf("start supervisor: %w", err)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("lancache-core: received shutdown signal")

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		return sup.Stop(stopCtx)
	},
}

var crawlNowCmd = &cobra.Command{
	Use:   "crawl-now",
	Short: "Load the PICS mapping table and report that no SteamSession adapter is wired (no crawl runs)",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(cmd)
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		incremental, _ := cmd.Flags().GetBool("incremental")

		sqlDB, _, err := openRepo(cfg)
		if err != nil {
			return err
		}
		defer sqlDB.Close()

		mapping := pics.NewMappingTable(cfg.DataDir)
		if _, err := mapping.Load(); err != nil {
			log.Warn().Err(err).Msg("crawl-now: failed to load existing mapping table, starting empty")
		}

		return fmt.Errorf("crawl-now requires a SteamSession adapter; none is wired into this binary (see internal/pics.SteamSession) — incremental=%v, mapping rows=%d", incremental, len(mapping.Rows()))
	},
}

var eraseCacheCmd = &cobra.Command{
	Use:   "erase-cache",
	Short: "Erase the on-disk cache and wait for completion",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(cmd)
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		threadCount, _ := cmd.Flags().GetInt("threads")
		mode, _ := cmd.Flags().GetString("mode")
		if threadCount <= 0 {
			threadCount = cfg.EraserThreadCount
		}
		if mode == "" {
			mode = cfg.EraserDeleteMode
		}

		state := appstate.NewStore(cfg.DataDir, apikey.Static(os.Getenv(cfg.SteamAPIKeyEnv)), log)
		sink := events.NewChannelSink(16)
		eraser := cacheeraser.New(cfg.CacheDir, cfg.DataDir, state, sink, log)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		id, err := eraser.Start(ctx, threadCount, cacheeraser.DeleteMode(mode))
		if err != nil {
			return fmt.Errorf("start erase: %w", err)
		}
		log.Info().Str("operation_id", id).Msg("erase-cache: started")

		for {
			doc, err := eraser.GetProgress()
			if err != nil {
				return fmt.Errorf("read progress: %w", err)
			}
			fmt.Printf("\r%s: %.1f%% (%d/%d shards)", doc.Status, doc.PercentComplete, doc.DirectoriesProcessed, doc.TotalDirectories)
			if !doc.IsProcessing {
				fmt.Println()
				break
			}
			time.Sleep(500 * time.Millisecond)
		}
		return nil
	},
}

var migrateStateCmd = &cobra.Command{
	Use:   "migrate-state",
	Short: "Force the legacy-per-feature-file-to-state.json migration and report its outcome",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(cmd)
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		state := appstate.NewStore(cfg.DataDir, apikey.Static(os.Getenv(cfg.SteamAPIKeyEnv)), log)
		if _, err := state.GetState(); err != nil {
			return fmt.Errorf("migrate state: %w", err)
		}
		fmt.Println("state.json is current; any legacy per-feature files have been migrated")
		return nil
	},
}

func init() {
	crawlNowCmd.Flags().Bool("incremental", true, "Use incremental PICS changes-since crawl instead of a full rescan")

	eraseCacheCmd.Flags().Int("threads", 0, "Worker thread count (default: config eraser_thread_count)")
	eraseCacheCmd.Flags().String("mode", "", "Delete mode: preserve|full|rsync (default: config eraser_delete_mode)")
}
