package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/justyntemme/animetrack/internal/config"
	"github.com/justyntemme/animetrack/internal/covers"
	"github.com/justyntemme/animetrack/internal/metadata"
	"github.com/justyntemme/animetrack/internal/storage"
	"github.com/justyntemme/animetrack/internal/throttle"
)

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "animetrack",
		Short: "Personal anime list with locally cached cover art",
		Long: `Animetrack keeps a personal anime list and serves cover images from a
local cache, fetching each one from Jikan at most once and never faster
than the configured rate.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config.toml (default ~/.config/animetrack/config.toml)")

	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newBackfillCmd(&configPath))

	return cmd
}

// app holds the long-lived components shared by every command
type app struct {
	cfg      config.Config
	throttle *throttle.Throttle
	provider *metadata.JikanProvider
	cache    *storage.CoverCache
	store    storage.RecordStore
	covers   *covers.Service
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	store, err := storage.OpenStore(cfg.StoreDriver, cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}

	// one queue for every Jikan call in the process
	th := throttle.New("jikan", cfg.JikanInterval)
	provider := metadata.NewJikanProvider(cfg.JikanURL, cfg.JikanUserAgent, cfg.JikanTimeout, th)
	cache := storage.NewCoverCache(cfg.CoversDir, cfg.CoversURLPrefix, cfg.DownloadTimeout, cfg.JikanUserAgent)

	slog.Info("Configuration loaded",
		"data_dir", cfg.DataDir,
		"store", cfg.StoreDriver,
		"store_path", cfg.StorePath,
		"covers_dir", cfg.CoversDir,
		"jikan_interval", cfg.JikanInterval,
	)

	return &app{
		cfg:      cfg,
		throttle: th,
		provider: provider,
		cache:    cache,
		store:    store,
		covers:   covers.NewService(provider, cache, store),
	}, nil
}

func (a *app) Close() {
	a.throttle.Close()
	if err := a.store.Close(); err != nil {
		slog.Error("Failed to close store", "error", err)
	}
}
