package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/casetrack/field-sync/internal/auth"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for field-sync.
type Config struct {
	// Service flags. At least one must be true.
	EnableSync bool `env:"ENABLE_SYNC" envDefault:"true"`
	EnableMCP  bool `env:"ENABLE_MCP" envDefault:"false"`

	// CaseTrack backend endpoints (required when sync is enabled).
	// ServerHost is the bare host for the realtime websocket; APIURL is the
	// base URL of the case REST API.
	ServerHost string `env:"FIELD_SYNC_SERVER_HOST"`
	APIURL     string `env:"FIELD_SYNC_API_URL"`

	// Agent access token presented during the websocket handshake and on
	// every case API request (required when sync is enabled).
	Token string `env:"FIELD_SYNC_TOKEN"`

	// Directory holding the offline cache, device identity and sync state.
	// Defaults to ~/.field-sync/ when empty.
	DataDir string `env:"FIELD_SYNC_DATA_DIR"`

	// Directory watched for outbound draft files. Defaults to
	// <DataDir>/drafts when empty.
	DraftsDir string `env:"FIELD_SYNC_DRAFTS_DIR"`

	// Optional passphrase for at-rest encryption of the offline cache.
	// When empty, cached case records are stored in plaintext.
	CacheKey string `env:"FIELD_SYNC_CACHE_KEY"`

	// Platform reported to the backend during authentication.
	// Defaults to runtime.GOOS.
	Platform string `env:"FIELD_SYNC_PLATFORM"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Periodic full-delta sync interval while the daemon is running.
	SyncInterval time.Duration `env:"FIELD_SYNC_INTERVAL" envDefault:"15m"`

	// Retention window for processed queue entries and stale drafts.
	Retention time.Duration `env:"FIELD_SYNC_RETENTION" envDefault:"720h"`

	// Reconnect backoff tuning for the realtime connection. Delay for
	// attempt n is ReconnectBase * 2^(n-1); after ReconnectMaxAttempts
	// consecutive failures the connection manager gives up.
	ReconnectBase        time.Duration `env:"FIELD_SYNC_RECONNECT_BASE" envDefault:"1s"`
	ReconnectMaxAttempts int           `env:"FIELD_SYNC_RECONNECT_MAX_ATTEMPTS" envDefault:"5"`

	// MCP server settings (required when MCP is enabled)
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:"127.0.0.1:8090"`
	MCPAPIKeys    string `env:"MCP_API_KEYS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "field-sync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.Platform == "" {
		cfg.Platform = runtime.GOOS
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve data directories to absolute paths at startup. Downstream
	// code passes them to bbolt and fsnotify, which both behave better
	// with stable absolute paths (fsnotify events report the watched
	// path verbatim).
	if cfg.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return nil, err
		}

		cfg.DataDir = dir
	}

	absData, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir to absolute path: %w", err)
	}

	cfg.DataDir = absData

	if cfg.DraftsDir == "" {
		cfg.DraftsDir = filepath.Join(cfg.DataDir, "drafts")
	}

	absDrafts, err := filepath.Abs(cfg.DraftsDir)
	if err != nil {
		return nil, fmt.Errorf("resolving drafts dir to absolute path: %w", err)
	}

	cfg.DraftsDir = absDrafts

	return cfg, nil
}

func (c *Config) validate() error {
	if !c.EnableSync && !c.EnableMCP {
		return fmt.Errorf("at least one of ENABLE_SYNC or ENABLE_MCP must be true")
	}

	if c.EnableSync {
		if c.ServerHost == "" {
			return fmt.Errorf("FIELD_SYNC_SERVER_HOST is required when sync is enabled")
		}

		if c.APIURL == "" {
			return fmt.Errorf("FIELD_SYNC_API_URL is required when sync is enabled")
		}

		if c.Token == "" {
			return fmt.Errorf("FIELD_SYNC_TOKEN is required when sync is enabled")
		}

		if c.ReconnectBase <= 0 {
			return fmt.Errorf("FIELD_SYNC_RECONNECT_BASE must be positive")
		}

		if c.ReconnectMaxAttempts < 1 {
			return fmt.Errorf("FIELD_SYNC_RECONNECT_MAX_ATTEMPTS must be at least 1")
		}
	}

	if c.EnableMCP {
		if c.MCPAPIKeys == "" {
			return fmt.Errorf("MCP_API_KEYS is required when MCP is enabled")
		}
	}

	return nil
}

// CachePath returns the bbolt database file under dataDir.
func CachePath(dataDir string) string {
	return filepath.Join(dataDir, "cache.db")
}

// DefaultDataDir returns the default data directory: ~/.field-sync/
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".field-sync"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// APIKeyEntry holds a pre-configured API key and its associated user
// identity parsed from MCP_API_KEYS.
type APIKeyEntry struct {
	UserID string
	Key    string
}

// ParseMCPAPIKeys parses the MCP_API_KEYS string.
// Format: "user1:fs_key1,user2:fs_key2"
func (c *Config) ParseMCPAPIKeys() ([]APIKeyEntry, error) {
	if c.MCPAPIKeys == "" {
		return nil, nil
	}

	seenUsers := make(map[string]struct{})

	var entries []APIKeyEntry

	for _, pair := range strings.Split(c.MCPAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]

		key := pair[idx+1:]
		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(key, auth.APIKeyPrefix) {
			return nil, fmt.Errorf("API key must start with %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if len(key) < auth.APIKeyMinLen {
			return nil, fmt.Errorf("API key too short in entry %d (minimum %d characters)", len(entries)+1, auth.APIKeyMinLen)
		}

		suffix := key[len(auth.APIKeyPrefix):]
		if _, err := hex.DecodeString(suffix); err != nil {
			return nil, fmt.Errorf("API key contains non-hex characters after %q prefix in entry %d", auth.APIKeyPrefix, len(entries)+1)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in MCP_API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		entries = append(entries, APIKeyEntry{UserID: userID, Key: key})
	}

	return entries, nil
}
