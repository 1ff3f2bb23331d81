// Package config provides centralized configuration management.
// This is the SINGLE SOURCE OF TRUTH for asset lifecycle and server settings.
//
// IMPORTANT: When changing defaults, only modify this file.
// All other parts of the codebase should reference these values.
package config

import (
	"os"
	"strconv"
	"time"
)

// =============================================================================
// POOL & CACHE CONFIGURATION
// =============================================================================

// ResourceConfig holds registry, pool and character cache limits.
type ResourceConfig struct {
	MaxPoolSize        int // Upper bound of pooled instances per key
	DefaultPoolSize    int // Instances pre-warmed when a pool is created
	CharacterCacheSize int // Soft capacity of the character cache
}

// DefaultResources returns the default resource limits.
func DefaultResources() ResourceConfig {
	return ResourceConfig{
		MaxPoolSize:        20,
		DefaultPoolSize:    5,
		CharacterCacheSize: 15,
	}
}

// ResourcesFromEnv returns resource limits with environment variable overrides.
func ResourcesFromEnv() ResourceConfig {
	cfg := DefaultResources()

	if v := getEnvInt("MAX_POOL_SIZE", 0); v > 0 {
		cfg.MaxPoolSize = v
	}
	if v := getEnvInt("DEFAULT_POOL_SIZE", -1); v >= 0 {
		cfg.DefaultPoolSize = v
	}
	if v := getEnvInt("CHARACTER_CACHE_SIZE", 0); v > 0 {
		cfg.CharacterCacheSize = v
	}
	if cfg.DefaultPoolSize > cfg.MaxPoolSize {
		cfg.DefaultPoolSize = cfg.MaxPoolSize
	}

	return cfg
}

// =============================================================================
// DOWNLOAD CONFIGURATION
// =============================================================================

// DownloadConfig holds download scheduler and backend settings.
type DownloadConfig struct {
	MaxConcurrent int           // Admission limit for queued downloads
	AssetRoot     string        // Directory of locally packaged assets
	RemoteBaseURL string        // Remote content server, empty disables remote backend
	StorePath     string        // Badger directory for downloaded bundles
	FetchTimeout  time.Duration // Per-request HTTP timeout
}

// DefaultDownload returns the default download configuration.
func DefaultDownload() DownloadConfig {
	return DownloadConfig{
		MaxConcurrent: 3,
		AssetRoot:     "assets",
		StorePath:     "data/bundles",
		FetchTimeout:  30 * time.Second,
	}
}

// DownloadFromEnv returns download configuration with environment variable overrides.
func DownloadFromEnv() DownloadConfig {
	cfg := DefaultDownload()

	if v := getEnvInt("MAX_CONCURRENT_DOWNLOADS", 0); v > 0 {
		cfg.MaxConcurrent = v
	}
	if v := os.Getenv("ASSET_ROOT"); v != "" {
		cfg.AssetRoot = v
	}
	if v := os.Getenv("REMOTE_BASE_URL"); v != "" {
		cfg.RemoteBaseURL = v
	}
	if v := os.Getenv("STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := getEnvDuration("FETCH_TIMEOUT", 0); v > 0 {
		cfg.FetchTimeout = v
	}

	return cfg
}

// =============================================================================
// MEMORY CONFIGURATION
// =============================================================================

// MemoryConfig holds pressure thresholds.
type MemoryConfig struct {
	WarningMB     uint64        // Used memory that raises a warning event
	CriticalMB    uint64        // Used memory that forces a cleanup
	CheckInterval time.Duration // How often the monitor samples
}

// DefaultMemory returns the default memory thresholds.
func DefaultMemory() MemoryConfig {
	return MemoryConfig{
		WarningMB:     1024,
		CriticalMB:    1536,
		CheckInterval: 5 * time.Second,
	}
}

// MemoryFromEnv returns memory thresholds with environment variable overrides.
func MemoryFromEnv() MemoryConfig {
	cfg := DefaultMemory()

	if v := getEnvInt("MEMORY_WARNING_MB", 0); v > 0 {
		cfg.WarningMB = uint64(v)
	}
	if v := getEnvInt("MEMORY_CRITICAL_MB", 0); v > 0 {
		cfg.CriticalMB = uint64(v)
	}
	if v := getEnvDuration("MEMORY_CHECK_INTERVAL", 0); v > 0 {
		cfg.CheckInterval = v
	}
	if cfg.CriticalMB < cfg.WarningMB {
		cfg.CriticalMB = cfg.WarningMB
	}

	return cfg
}

// =============================================================================
// SERVER CONFIGURATION
// =============================================================================

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int
	AdminToken   string // Required for mutating admin routes when set
	ManifestPath string // Optional HCL content manifest
	DebugServer  bool
}

// DefaultServer returns the default server configuration.
func DefaultServer() ServerConfig {
	return ServerConfig{
		Port:        3000,
		DebugServer: true,
	}
}

// ServerFromEnv returns server configuration with environment variable overrides.
func ServerFromEnv() ServerConfig {
	cfg := DefaultServer()

	if p := getEnvInt("PORT", 0); p > 0 {
		cfg.Port = p
	}
	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")
	cfg.ManifestPath = os.Getenv("MANIFEST_PATH")
	if os.Getenv("DISABLE_DEBUG_SERVER") == "true" {
		cfg.DebugServer = false
	}

	return cfg
}

// =============================================================================
// LOGGING CONFIGURATION
// =============================================================================

// LogConfig selects zap level and encoding.
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json or console
}

// LogFromEnv returns logging configuration with environment variable overrides.
func LogFromEnv() LogConfig {
	cfg := LogConfig{Level: "info", Format: "console"}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Format = v
	}
	return cfg
}

// =============================================================================
// COMPLETE APP CONFIGURATION
// =============================================================================

// AppConfig holds the complete application configuration.
type AppConfig struct {
	Resources ResourceConfig
	Download  DownloadConfig
	Memory    MemoryConfig
	Server    ServerConfig
	Log       LogConfig
}

// Load returns the complete configuration with environment overrides.
func Load() AppConfig {
	return AppConfig{
		Resources: ResourcesFromEnv(),
		Download:  DownloadFromEnv(),
		Memory:    MemoryFromEnv(),
		Server:    ServerFromEnv(),
		Log:       LogFromEnv(),
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
