// Package server provides HTTP server construction for field-sync.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/casetrack/field-sync/internal/auth"
)

// StatusReport is the /status response body: the realtime connection
// state beside the sync engine snapshot.
type StatusReport struct {
	Connection          string `json:"connection"`
	Watermark           int64  `json:"watermark"`
	LastSyncAt          int64  `json:"lastSyncAt"`
	LastOutcome         string `json:"lastOutcome,omitempty"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	Stale               bool   `json:"stale"`
	InFlight            bool   `json:"inFlight"`
	QueueDepth          int    `json:"queueDepth"`
	CachedCases         int    `json:"cachedCases"`
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Keys       *auth.Store
	MCPHandler http.Handler
	Logger     *slog.Logger

	// Status produces the current connection and sync snapshot.
	Status func() StatusReport
}

// NewMux builds the HTTP mux with liveness, status, and MCP endpoints.
// The MCP endpoint sits behind Bearer token middleware; the liveness
// and status endpoints are open, sized for a localhost operator port.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if err := json.NewEncoder(w).Encode(cfg.Status()); err != nil {
			cfg.Logger.Warn("writing status response failed", "error", err)
		}
	})

	authMiddleware := auth.Middleware(cfg.Keys, cfg.Logger)
	mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))

	return mux
}
