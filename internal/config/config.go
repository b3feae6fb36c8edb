package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the resolved animetrack configuration
type Config struct {
	Bind    string
	DataDir string

	JikanURL        string
	JikanInterval   time.Duration
	JikanTimeout    time.Duration
	JikanUserAgent  string
	CoversDir       string
	CoversURLPrefix string
	DownloadTimeout time.Duration
	StoreDriver     string
	StorePath       string
	AuthPassword    string
	JWTSecret       string
	RateLimitRPS    float64
	RateLimitBurst  int
	LogLevel        string
}

const (
	defaultConfigPath      = "~/.config/animetrack/config.toml"
	defaultBind            = ":8080"
	defaultDataDir         = "./data"
	defaultJikanURL        = "https://api.jikan.moe/v4"
	defaultJikanInterval   = time.Second
	defaultJikanTimeout    = 10 * time.Second
	defaultUserAgent       = "animetrack/1.0"
	defaultURLPrefix       = "/anime-covers/"
	defaultDownloadTimeout = 30 * time.Second
	defaultDriver          = "json"
	defaultRPS             = 10
	defaultBurst           = 20
	defaultLogLevel        = "info"
)

// raw mirrors the TOML file; empty values fall back to defaults
type raw struct {
	Server struct {
		Bind    string `toml:"bind"`
		DataDir string `toml:"data_dir"`
	} `toml:"server"`
	Jikan struct {
		BaseURL     string `toml:"base_url"`
		MinInterval string `toml:"min_interval"`
		Timeout     string `toml:"timeout"`
		UserAgent   string `toml:"user_agent"`
	} `toml:"jikan"`
	Covers struct {
		Dir             string `toml:"dir"`
		URLPrefix       string `toml:"url_prefix"`
		DownloadTimeout string `toml:"download_timeout"`
	} `toml:"covers"`
	Store struct {
		Driver string `toml:"driver"`
		Path   string `toml:"path"`
	} `toml:"store"`
	Auth struct {
		Password  string `toml:"password"`
		JWTSecret string `toml:"jwt_secret"`
	} `toml:"auth"`
	RateLimit struct {
		RPS   float64 `toml:"rps"`
		Burst int     `toml:"burst"`
	} `toml:"ratelimit"`
	Log struct {
		Level string `toml:"level"`
	} `toml:"log"`
}

// Load reads the config file at path, falling back to defaults when it is
// missing, then applies ANIMETRACK_* environment overrides.
func Load(path string) (Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}

	var r raw
	file, err := os.Open(resolved)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Debug("Config file not found, using defaults", "path", resolved)
	case err != nil:
		return Config{}, fmt.Errorf("open config: %w", err)
	default:
		defer file.Close()
		bytes, err := io.ReadAll(file)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(bytes, &r); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&r)
	return build(r)
}

func applyEnv(r *raw) {
	r.Server.Bind = getEnv("ANIMETRACK_BIND", r.Server.Bind)
	r.Server.DataDir = getEnv("ANIMETRACK_DATA_DIR", r.Server.DataDir)
	r.Jikan.BaseURL = getEnv("ANIMETRACK_JIKAN_URL", r.Jikan.BaseURL)
	r.Jikan.MinInterval = getEnv("ANIMETRACK_JIKAN_INTERVAL", r.Jikan.MinInterval)
	r.Jikan.Timeout = getEnv("ANIMETRACK_JIKAN_TIMEOUT", r.Jikan.Timeout)
	r.Covers.Dir = getEnv("ANIMETRACK_COVERS_DIR", r.Covers.Dir)
	r.Store.Driver = getEnv("ANIMETRACK_STORE_DRIVER", r.Store.Driver)
	r.Store.Path = getEnv("ANIMETRACK_STORE_PATH", r.Store.Path)
	r.Auth.Password = getEnv("ANIMETRACK_PASSWORD", r.Auth.Password)
	r.Auth.JWTSecret = getEnv("ANIMETRACK_JWT_SECRET", r.Auth.JWTSecret)
	r.Log.Level = getEnv("ANIMETRACK_LOG_LEVEL", r.Log.Level)
	if v, err := strconv.ParseFloat(getEnv("ANIMETRACK_RATELIMIT_RPS", ""), 64); err == nil {
		r.RateLimit.RPS = v
	}
	if v, err := strconv.Atoi(getEnv("ANIMETRACK_RATELIMIT_BURST", "")); err == nil {
		r.RateLimit.Burst = v
	}
}

func build(r raw) (Config, error) {
	cfg := Config{
		Bind:            orDefault(r.Server.Bind, defaultBind),
		DataDir:         mustExpand(orDefault(r.Server.DataDir, defaultDataDir)),
		JikanURL:        strings.TrimRight(orDefault(r.Jikan.BaseURL, defaultJikanURL), "/"),
		JikanUserAgent:  orDefault(r.Jikan.UserAgent, defaultUserAgent),
		CoversURLPrefix: orDefault(r.Covers.URLPrefix, defaultURLPrefix),
		StoreDriver:     strings.ToLower(orDefault(r.Store.Driver, defaultDriver)),
		AuthPassword:    r.Auth.Password,
		JWTSecret:       strings.TrimSpace(r.Auth.JWTSecret),
		RateLimitRPS:    r.RateLimit.RPS,
		RateLimitBurst:  r.RateLimit.Burst,
		LogLevel:        strings.ToLower(orDefault(r.Log.Level, defaultLogLevel)),
	}

	var err error
	if cfg.JikanInterval, err = parseDuration("jikan.min_interval", r.Jikan.MinInterval, defaultJikanInterval); err != nil {
		return Config{}, err
	}
	if cfg.JikanTimeout, err = parseDuration("jikan.timeout", r.Jikan.Timeout, defaultJikanTimeout); err != nil {
		return Config{}, err
	}
	if cfg.DownloadTimeout, err = parseDuration("covers.download_timeout", r.Covers.DownloadTimeout, defaultDownloadTimeout); err != nil {
		return Config{}, err
	}

	cfg.CoversDir = strings.TrimSpace(r.Covers.Dir)
	if cfg.CoversDir == "" {
		cfg.CoversDir = filepath.Join(cfg.DataDir, "anime-covers")
	}
	cfg.CoversDir = mustExpand(cfg.CoversDir)
	if !strings.HasPrefix(cfg.CoversURLPrefix, "/") {
		cfg.CoversURLPrefix = "/" + cfg.CoversURLPrefix
	}
	if !strings.HasSuffix(cfg.CoversURLPrefix, "/") {
		cfg.CoversURLPrefix += "/"
	}

	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = defaultRPS
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = defaultBurst
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	cfg.StorePath = strings.TrimSpace(r.Store.Path)
	if cfg.StorePath == "" {
		cfg.StorePath = filepath.Join(cfg.DataDir, defaultStoreFile(cfg.StoreDriver))
	}
	cfg.StorePath = mustExpand(cfg.StorePath)

	return cfg, nil
}

func (c Config) validate() error {
	switch c.StoreDriver {
	case "json", "sqlite":
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.StoreDriver)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("ratelimit: rps and burst must not be negative")
	}
	return nil
}

// AuthEnabled reports whether mutating routes require a token
func (c Config) AuthEnabled() bool {
	return c.AuthPassword != ""
}

// SlogLevel returns the configured log level
func (c Config) SlogLevel() slog.Level {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level: unknown level %q", s)
}

func parseDuration(key, value string, fallback time.Duration) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %s", key, value)
	}
	return d, nil
}

func defaultStoreFile(driver string) string {
	if driver == "sqlite" {
		return "animetrack.db"
	}
	return "db.json"
}

func orDefault(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return expandPath(defaultConfigPath)
	}
	return expandPath(path)
}

func mustExpand(path string) string {
	expanded, err := expandPath(path)
	if err != nil {
		return path
	}
	return expanded
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
