// Package syncer implements the delta-pull engine that keeps the
// offline store current: any trigger pulls server cases newer than the
// local watermark, merges them record by record, and advances the
// watermark only when the whole session succeeds.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/casetrack/field-sync/internal/casetrack"
	fserrors "github.com/casetrack/field-sync/internal/errors"
	"github.com/casetrack/field-sync/internal/store"
)

const (
	// sessionRetries is how many times a failed pull is retried within
	// one session before the session is abandoned and the local data is
	// flagged stale.
	sessionRetries = 1

	// retryInitialInterval is the backoff before the in-session retry.
	retryInitialInterval = 500 * time.Millisecond

	// retryMaxInterval caps the in-session retry backoff.
	retryMaxInterval = 5 * time.Second
)

// Reason tags what triggered a sync session.
type Reason string

// Trigger reasons.
const (
	ReasonEventDriven Reason = "event_driven"
	ReasonReconnect   Reason = "reconnect"
	ReasonPeriodic    Reason = "periodic"
	ReasonManual      Reason = "manual"
)

// Session outcomes, also persisted as the store's last outcome.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// CaseAPI is the read-only slice of the case service the engine pulls
// from. The engine never calls mutation endpoints.
type CaseAPI interface {
	ListUpdatedSince(ctx context.Context, since int64, cursor string) (*casetrack.CaseListResponse, error)
}

// Session describes one completed pull.
type Session struct {
	Reason          Reason
	StartedAt       int64
	Duration        time.Duration
	WatermarkBefore int64
	WatermarkAfter  int64
	Outcome         string
	Pages           int
	Created         int
	Applied         int
	Skipped         int
	Conflicts       int
}

// Status is a point-in-time snapshot of the engine's health.
type Status struct {
	Watermark           int64
	LastSyncAt          int64
	LastOutcome         string
	ConsecutiveFailures int
	Stale               bool
	InFlight            bool
}

// Engine pulls server deltas into the offline store. Sessions are
// single-flight: concurrent triggers join the one in progress and all
// resolve with its result.
type Engine struct {
	store  *store.Store
	api    CaseAPI
	logger *slog.Logger

	mu          sync.Mutex
	state       store.SyncState
	inflight    *flight
	failures    int
	stale       bool
	onRefreshed []func(*Session)
	onStale     []func(error)
}

// flight is one in-progress session shared by everyone who triggered
// or joined it.
type flight struct {
	done chan struct{}
	sess *Session
	err  error
}

// New builds an engine over the offline store and the read-only case
// API. A store that cannot report its sync state degrades to a zero
// watermark instead of failing construction; the first successful
// session re-persists it.
func New(st *store.Store, api CaseAPI, logger *slog.Logger) *Engine {
	e := &Engine{
		store:  st,
		api:    api,
		logger: logger,
	}

	state, err := st.SyncState()
	if err != nil {
		logger.Warn("reading persisted sync state failed, starting from zero watermark", "error", err)

		state = store.SyncState{}
	}

	e.state = state

	return e
}

// OnRefreshed registers fn to run after each successful session.
// Register observers before the first trigger.
func (e *Engine) OnRefreshed(fn func(*Session)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.onRefreshed = append(e.onRefreshed, fn)
}

// OnStale registers fn to run when a session fails and local data can
// no longer be assumed current.
func (e *Engine) OnStale(fn func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.onStale = append(e.onStale, fn)
}

// TriggerSync runs one sync session, or joins the session already in
// progress. Concurrent callers resolve with the same result; a joining
// caller whose context ends first detaches without aborting the
// session.
func (e *Engine) TriggerSync(ctx context.Context, reason Reason) (*Session, error) {
	e.mu.Lock()

	if f := e.inflight; f != nil {
		e.mu.Unlock()

		select {
		case <-f.done:
			return f.sess, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f := &flight{done: make(chan struct{})}
	e.inflight = f
	e.mu.Unlock()

	f.sess, f.err = e.runSession(ctx, reason)

	e.mu.Lock()
	e.inflight = nil

	var refreshed []func(*Session)
	var staled []func(error)

	if f.err != nil {
		e.failures++
		e.stale = true
		e.state.LastOutcome = OutcomeFailed
		staled = append(staled, e.onStale...)
	} else {
		e.failures = 0
		e.stale = false
		refreshed = append(refreshed, e.onRefreshed...)
	}
	e.mu.Unlock()

	close(f.done)

	for _, fn := range refreshed {
		fn(f.sess)
	}

	for _, fn := range staled {
		fn(f.err)
	}

	return f.sess, f.err
}

// Kick triggers a sync in the background, joining any session already
// in flight. Event handlers and the periodic scheduler use it where
// blocking is not an option.
func (e *Engine) Kick(ctx context.Context, reason Reason) {
	go func() {
		if _, err := e.TriggerSync(ctx, reason); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Debug("background sync failed", "reason", reason, "error", err)
		}
	}()
}

// Status reports the engine's current health snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Status{
		Watermark:           e.state.Watermark,
		LastSyncAt:          e.state.LastSyncAt,
		LastOutcome:         e.state.LastOutcome,
		ConsecutiveFailures: e.failures,
		Stale:               e.stale,
		InFlight:            e.inflight != nil,
	}
}

func (e *Engine) runSession(ctx context.Context, reason Reason) (*Session, error) {
	e.mu.Lock()
	since := e.state.Watermark
	e.mu.Unlock()

	started := time.Now()

	sess := &Session{
		Reason:          reason,
		StartedAt:       started.UnixMilli(),
		WatermarkBefore: since,
	}

	e.logger.Info("sync session started", "reason", reason, "watermark", since)

	var pulled *pullResult

	operation := func() error {
		res, err := e.pull(ctx, since)
		if err != nil {
			// Auth failures need a new token, not another attempt.
			if fserrors.IsAuthError(err) {
				return backoff.Permanent(err)
			}

			e.logger.Warn("sync pull failed", "reason", reason, "error", err)

			return err
		}

		pulled = res

		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.MaxInterval = retryMaxInterval

	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, sessionRetries), ctx)); err != nil {
		sess.Outcome = OutcomeFailed
		sess.Duration = time.Since(started)

		e.logger.Warn("sync session failed", "reason", reason, "duration", sess.Duration, "error", err)

		return nil, err
	}

	watermark := since
	if pulled.watermark > watermark {
		watermark = pulled.watermark
	}

	next := store.SyncState{
		Watermark:   watermark,
		LastSyncAt:  time.Now().UnixMilli(),
		LastOutcome: OutcomeSuccess,
	}

	if err := e.store.SetSyncState(next); err != nil {
		return nil, fmt.Errorf("persisting sync state: %w", err)
	}

	e.setState(next)

	sess.Outcome = OutcomeSuccess
	sess.Duration = time.Since(started)
	sess.WatermarkAfter = watermark
	sess.Pages = pulled.pages
	sess.Created = pulled.created
	sess.Applied = pulled.applied
	sess.Skipped = pulled.skipped
	sess.Conflicts = pulled.conflicts

	e.logger.Info("sync session completed",
		"reason", reason,
		"pages", sess.Pages,
		"created", sess.Created,
		"applied", sess.Applied,
		"skipped", sess.Skipped,
		"conflicts", sess.Conflicts,
		"watermark", watermark,
		"duration", sess.Duration)

	return sess, nil
}

// pullResult accumulates merge outcomes across the pages of one pull.
type pullResult struct {
	pages     int
	created   int
	applied   int
	skipped   int
	conflicts int
	watermark int64
}

// pull walks every page of cases updated since the watermark and
// merges them. The returned watermark is the server-provided value
// when present, otherwise the highest serverUpdatedAt seen.
func (e *Engine) pull(ctx context.Context, since int64) (*pullResult, error) {
	res := &pullResult{watermark: since}

	cursor := ""

	for {
		page, err := e.api.ListUpdatedSince(ctx, since, cursor)
		if err != nil {
			return nil, err
		}

		res.pages++

		for i := range page.Cases {
			if err := e.merge(&page.Cases[i], res); err != nil {
				return nil, err
			}
		}

		if page.Watermark > res.watermark {
			res.watermark = page.Watermark
		}

		if page.NextCursor == "" {
			return res, nil
		}

		cursor = page.NextCursor
	}
}

func (e *Engine) merge(incoming *store.CaseRecord, res *pullResult) error {
	mr, err := e.store.ApplyServerCase(*incoming)
	if err != nil {
		return fmt.Errorf("merging case %s: %w", incoming.ID, err)
	}

	if incoming.ServerUpdatedAt > res.watermark {
		res.watermark = incoming.ServerUpdatedAt
	}

	switch mr.Outcome {
	case store.MergeCreated:
		res.created++
		return nil
	case store.MergeSkipped:
		res.skipped++
		return nil
	}

	res.applied++

	prev := mr.Previous
	if prev == nil {
		return nil
	}

	if regressed(prev.Status, incoming.Status) {
		e.logger.Warn("case status regressed on server",
			"case_id", incoming.ID,
			"from", prev.Status,
			"to", incoming.Status)
	}

	if prev.PendingLocalMutation {
		journaled, err := e.journalOverwrite(prev, incoming, mr.PendingKept)
		if err != nil {
			e.logger.Warn("recording merge conflict failed", "case_id", incoming.ID, "error", err)

			return nil
		}

		if journaled {
			res.conflicts++
		}
	}

	return nil
}

func (e *Engine) setState(st store.SyncState) {
	e.mu.Lock()
	e.state = st
	e.mu.Unlock()
}

// statusRank orders case statuses by workflow progress. Unknown
// statuses never count as regressions.
var statusRank = map[string]int{
	"open":           0,
	"in_progress":    1,
	"pending_review": 2,
	"closed":         3,
}

func regressed(from, to string) bool {
	fr, ok := statusRank[from]
	if !ok {
		return false
	}

	tr, ok := statusRank[to]
	if !ok {
		return false
	}

	return tr < fr
}
