package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/casetrack/field-sync/internal/auth"
	"github.com/casetrack/field-sync/internal/background"
	"github.com/casetrack/field-sync/internal/casetrack"
	"github.com/casetrack/field-sync/internal/config"
	"github.com/casetrack/field-sync/internal/drafts"
	fserrors "github.com/casetrack/field-sync/internal/errors"
	"github.com/casetrack/field-sync/internal/identity"
	"github.com/casetrack/field-sync/internal/logging"
	"github.com/casetrack/field-sync/internal/mcpserver"
	"github.com/casetrack/field-sync/internal/search"
	"github.com/casetrack/field-sync/internal/server"
	"github.com/casetrack/field-sync/internal/store"
	"github.com/casetrack/field-sync/internal/syncer"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

const (
	// retentionSweepEvery is how often processed queue entries, journal
	// entries and stale drafts are pruned.
	retentionSweepEvery = 6 * time.Hour

	// reconnectDormant is the pause before re-dialling after the
	// connection manager has exhausted its reconnect attempts.
	reconnectDormant = 5 * time.Minute
)

func main() {
	// Handle generate-key subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "generate-key" {
		fmt.Println(auth.GenerateAPIKey())
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("field-sync starting",
		slog.String("version", Version),
		slog.Bool("sync", cfg.EnableSync),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Both services read the same cache, so the process opens it once.
	st, err := store.Open(config.CachePath(cfg.DataDir), store.Options{Passphrase: cfg.CacheKey})
	if err != nil {
		return fmt.Errorf("opening offline cache: %w", err)
	}
	defer st.Close()

	g, gctx := errgroup.WithContext(ctx)

	var (
		engine *syncer.Engine
		conn   *casetrack.Manager
	)

	if cfg.EnableSync {
		engine, conn = buildSync(gctx, cfg, st, logger)

		g.Go(func() error {
			return runSync(gctx, cfg, logger, st, engine, conn)
		})
	}

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, logger, st, engine, conn)
		})
	}

	return g.Wait()
}

// buildSync assembles the sync pipeline: device identity, case API
// client, sync engine, and the realtime connection with its router
// wiring. ctx bounds the sessions the wiring kicks off.
func buildSync(ctx context.Context, cfg *config.Config, st *store.Store, logger *slog.Logger) (*syncer.Engine, *casetrack.Manager) {
	ident := identity.NewService(st, logging.ForComponent(logger, "identity"), cfg.Platform)
	deviceID := ident.DeviceID()

	logger.Info("device identity",
		slog.String("device_id", deviceID),
		slog.String("platform", cfg.Platform),
		slog.Bool("ephemeral", ident.Degraded()),
	)

	api := casetrack.NewClient(casetrack.ClientConfig{
		BaseURL:  cfg.APIURL,
		Token:    cfg.Token,
		DeviceID: deviceID,
	}, logging.ForComponent(logger, "api"))

	engine := syncer.New(st, api, logging.ForComponent(logger, "syncer"))

	router := casetrack.NewRouter(logging.ForComponent(logger, "router"))

	conn := casetrack.NewManager(casetrack.ManagerConfig{
		ServerHost:    cfg.ServerHost,
		Token:         cfg.Token,
		Platform:      cfg.Platform,
		DeviceID:      deviceID,
		DeviceName:    cfg.DeviceName,
		ReconnectBase: cfg.ReconnectBase,
		MaxAttempts:   cfg.ReconnectMaxAttempts,
	}, router, logging.ForComponent(logger, "conn"))

	// Notification payloads carry the updated case, so they merge
	// straight into the cache. The follow-up delta sync catches anything
	// the notification window missed.
	merge := func(ev casetrack.CaseEvent) {
		if _, err := st.ApplyServerCase(ev.Record()); err != nil {
			logger.Warn("applying case event",
				slog.String("case_id", ev.CaseID),
				slog.String("error", err.Error()),
			)

			return
		}

		engine.Kick(ctx, syncer.ReasonEventDriven)
	}

	router.OnCaseAssigned(func(ev casetrack.CaseEvent) {
		conn.SubscribeCase(ev.CaseID)
		merge(ev)
	})
	router.OnCaseStatusChanged(merge)
	router.OnCasePriorityChanged(merge)

	router.OnSyncTrigger(func(casetrack.SyncSignal) {
		engine.Kick(ctx, syncer.ReasonEventDriven)
	})
	router.OnSyncCompleted(func(casetrack.SyncSignal) {
		engine.Kick(ctx, syncer.ReasonEventDriven)
	})

	conn.OnStateChange(func(s casetrack.Status) {
		if s.State != casetrack.StateConnected {
			return
		}

		engine.Kick(ctx, syncer.ReasonReconnect)
		conn.NotifyConnectivity(true, "unknown", st.QueueLen())
	})

	// A successful session drains the queue; refresh the backlog the
	// server sees.
	engine.OnRefreshed(func(*syncer.Session) {
		conn.NotifyConnectivity(true, "unknown", st.QueueLen())
	})

	return engine, conn
}

// runSync runs the realtime connection, the drafts watcher and the
// periodic jobs until ctx is cancelled.
func runSync(ctx context.Context, cfg *config.Config, logger *slog.Logger, st *store.Store, engine *syncer.Engine, conn *casetrack.Manager) error {
	spool := drafts.NewSpool(cfg.DraftsDir, st, logging.ForComponent(logger, "drafts"))

	jobs := background.NewManager(logging.ForComponent(logger, "background"),
		background.Job{
			Name:    "periodic-sync",
			Every:   cfg.SyncInterval,
			AtStart: true,
			Run: func(ctx context.Context) error {
				_, err := engine.TriggerSync(ctx, syncer.ReasonPeriodic)
				return err
			},
		},
		background.Job{
			Name:    "retention-sweep",
			Every:   retentionSweepEvery,
			AtStart: true,
			Run: func(context.Context) error {
				return sweepRetention(st, spool, cfg.Retention, logger)
			},
		},
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return superviseConn(gctx, conn, logger)
	})

	g.Go(func() error {
		return spool.Watch(gctx)
	})

	g.Go(func() error {
		return jobs.Start(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// superviseConn keeps the realtime connection alive for the daemon's
// lifetime. Exhausted reconnect attempts park the link and re-dial
// later; the cache, queue and periodic sync keep working while the link
// is down. Auth errors are fatal: the token needs fixing, not retrying.
func superviseConn(ctx context.Context, conn *casetrack.Manager, logger *slog.Logger) error {
	for {
		err := conn.Run(ctx)

		switch {
		case ctx.Err() != nil:
			return ctx.Err()

		case fserrors.IsAuthError(err):
			return err

		case errors.Is(err, fserrors.ErrReconnectExhausted):
			logger.Warn("realtime connection dormant",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", reconnectDormant),
			)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(reconnectDormant):
			}

		default:
			return err
		}
	}
}

func sweepRetention(st *store.Store, spool *drafts.Spool, retention time.Duration, logger *slog.Logger) error {
	cutoff := time.Now().Add(-retention)

	queued, err := st.PruneQueue(cutoff)
	if err != nil {
		return fmt.Errorf("pruning queue: %w", err)
	}

	journal, err := st.PruneJournal(cutoff)
	if err != nil {
		return fmt.Errorf("pruning conflict journal: %w", err)
	}

	files, err := spool.Prune(cutoff)
	if err != nil {
		return fmt.Errorf("pruning drafts: %w", err)
	}

	if queued+journal+files > 0 {
		logger.Info("retention sweep",
			slog.Int("queue", queued),
			slog.Int("journal", journal),
			slog.Int("drafts", files),
		)
	}

	return nil
}

// runMCP serves the MCP tools and the operator status endpoints over
// HTTP. engine and conn are nil when sync is disabled; the status
// handlers fall back to the persisted snapshot.
func runMCP(ctx context.Context, cfg *config.Config, logger *slog.Logger, st *store.Store, engine *syncer.Engine, conn *casetrack.Manager) error {
	entries, err := cfg.ParseMCPAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing MCP API keys: %w", err)
	}

	mcpLogger := logging.ForComponent(logger, "mcp")

	keys := auth.NewStore()
	for _, e := range entries {
		keys.AddKey(e.UserID, e.Key)
	}

	deps := mcpserver.Deps{
		Store:    st,
		Searcher: search.New(st),
		SpoolDir: cfg.DraftsDir,
	}
	if engine != nil {
		deps.Live = engine.Status
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "field-sync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, deps)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		Keys:       keys,
		MCPHandler: mcpHandler,
		Logger:     mcpLogger,
		Status: func() server.StatusReport {
			return statusReport(st, engine, conn)
		},
	})

	srv := &http.Server{
		Addr:         cfg.MCPListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.Int("keys", keys.Len()),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}

// statusReport snapshots connection and sync state for /status. Either
// component may be absent when running MCP-only.
func statusReport(st *store.Store, engine *syncer.Engine, conn *casetrack.Manager) server.StatusReport {
	rep := server.StatusReport{
		Connection:  casetrack.StateDisconnected.String(),
		QueueDepth:  st.QueueLen(),
		CachedCases: st.CaseCount(),
	}

	if conn != nil {
		rep.Connection = conn.Status().State.String()
	}

	if engine != nil {
		es := engine.Status()
		rep.Watermark = es.Watermark
		rep.LastSyncAt = es.LastSyncAt
		rep.LastOutcome = es.LastOutcome
		rep.ConsecutiveFailures = es.ConsecutiveFailures
		rep.Stale = es.Stale
		rep.InFlight = es.InFlight

		return rep
	}

	if ss, err := st.SyncState(); err == nil {
		rep.Watermark = ss.Watermark
		rep.LastSyncAt = ss.LastSyncAt
		rep.LastOutcome = ss.LastOutcome
	}

	return rep
}
