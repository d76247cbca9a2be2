package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/casetrack/field-sync/internal/auth"
	"github.com/casetrack/field-sync/internal/config"
	"github.com/casetrack/field-sync/internal/mcpserver"
	"github.com/casetrack/field-sync/internal/search"
	"github.com/casetrack/field-sync/internal/server"
	"github.com/casetrack/field-sync/internal/store"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var Version = "dev"

func main() {
	// Handle generate-key subcommand before flag parsing.
	if len(os.Args) > 1 && os.Args[1] == "generate-key" {
		fmt.Println(auth.GenerateAPIKey())
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type mcpConfig struct {
	DataDir    string
	DraftsDir  string
	CacheKey   string
	ListenAddr string
	APIKeys    string
	LogLevel   string
}

func loadConfig() *mcpConfig {
	cfg := &mcpConfig{}

	flag.StringVar(&cfg.DataDir, "data-dir", os.Getenv("FIELD_SYNC_DATA_DIR"), "field-sync data directory (default ~/.field-sync)")
	flag.StringVar(&cfg.DraftsDir, "drafts-dir", os.Getenv("FIELD_SYNC_DRAFTS_DIR"), "drafts spool directory (default <data-dir>/drafts)")
	flag.StringVar(&cfg.CacheKey, "cache-key", os.Getenv("FIELD_SYNC_CACHE_KEY"), "passphrase for an encrypted cache")
	flag.StringVar(&cfg.ListenAddr, "listen-addr", envOr("MCP_LISTEN_ADDR", "127.0.0.1:8090"), "HTTP listen address")
	flag.StringVar(&cfg.APIKeys, "api-keys", os.Getenv("MCP_API_KEYS"), "comma-separated user:key pairs")
	flag.StringVar(&cfg.LogLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	flag.Parse()

	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parseKeys loads "user1:fs_key1,user2:fs_key2" into the key store.
// Entries are never echoed back in errors, they hold live credentials.
func parseKeys(s string, keys *auth.Store) error {
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]
		key := pair[idx+1:]
		if userID == "" || key == "" {
			return fmt.Errorf("empty user or key in entry for %q", userID)
		}

		keys.AddKey(userID, key)
	}

	return nil
}

func run() error {
	cfg := loadConfig()

	level := parseLogLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if cfg.APIKeys == "" {
		return fmt.Errorf("MCP_API_KEYS or --api-keys is required")
	}

	if cfg.DataDir == "" {
		dir, err := config.DefaultDataDir()
		if err != nil {
			return err
		}

		cfg.DataDir = dir
	}

	if cfg.DraftsDir == "" {
		cfg.DraftsDir = filepath.Join(cfg.DataDir, "drafts")
	}

	keys := auth.NewStore()
	if err := parseKeys(cfg.APIKeys, keys); err != nil {
		return fmt.Errorf("parsing API keys: %w", err)
	}

	cachePath := config.CachePath(cfg.DataDir)
	logger.Info("opening offline cache", slog.String("path", cachePath), slog.Bool("read_only", true))

	// Read-only: the daemon owns the cache. If it is running it holds
	// the file lock and this open fails after the lock timeout.
	st, err := store.Open(cachePath, store.Options{Passphrase: cfg.CacheKey, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("opening offline cache: %w", err)
	}
	defer st.Close()

	// MCP server setup.
	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "field-sync-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, mcpserver.Deps{
		Store:    st,
		Searcher: search.New(st),
		SpoolDir: cfg.DraftsDir,
	})

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		Keys:       keys,
		MCPHandler: mcpHandler,
		Logger:     logger,
		Status: func() server.StatusReport {
			rep := server.StatusReport{
				Connection:  "disconnected",
				QueueDepth:  st.QueueLen(),
				CachedCases: st.CaseCount(),
			}

			if ss, err := st.SyncState(); err == nil {
				rep.Watermark = ss.Watermark
				rep.LastSyncAt = ss.LastSyncAt
				rep.LastOutcome = ss.LastOutcome
			}

			return rep
		},
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting server",
		slog.String("listen", cfg.ListenAddr),
		slog.Int("keys", keys.Len()),
	)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}
