package casetrack

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/tidwall/gjson"
)

// ackTrackerSize bounds the acknowledgment dedup window. Old ids fall out
// FIFO once the window is full.
const ackTrackerSize = 1024

// AckTracker guarantees at-most-once acknowledgment per notification id.
// Seen ids are kept in a bounded FIFO ring so memory stays constant over
// long sessions.
type AckTracker struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	ring  []string
	next  int
	limit int
}

// NewAckTracker creates a tracker remembering up to limit ids.
func NewAckTracker(limit int) *AckTracker {
	return &AckTracker{
		seen:  make(map[string]struct{}, limit),
		ring:  make([]string, 0, limit),
		limit: limit,
	}
}

// FirstAck records id and reports whether this is the first time it was
// seen. Duplicates inside the retention window return false.
func (t *AckTracker) FirstAck(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.seen[id]; ok {
		return false
	}

	if len(t.ring) < t.limit {
		t.ring = append(t.ring, id)
	} else {
		delete(t.seen, t.ring[t.next])
		t.ring[t.next] = id
		t.next = (t.next + 1) % t.limit
	}

	t.seen[id] = struct{}{}

	return true
}

// Len returns the number of ids currently remembered.
func (t *AckTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.seen)
}

// Router dispatches inbound notification frames to typed handlers.
//
// Dispatch runs on the event-loop turn that received the frame, so
// handlers must hand long-running work (a full sync, for example) off to
// another goroutine rather than block further inbound processing. Handler
// panics are recovered and logged; they never take down the connection.
type Router struct {
	logger *slog.Logger
	acks   *AckTracker

	mu                    sync.RWMutex
	onCaseAssigned        []func(CaseEvent)
	onCaseStatusChanged   []func(CaseEvent)
	onCasePriorityChanged []func(CaseEvent)
	onSyncTrigger         []func(SyncSignal)
	onSyncCompleted       []func(SyncSignal)
}

// NewRouter creates a router with an empty handler set.
func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		logger: logger,
		acks:   NewAckTracker(ackTrackerSize),
	}
}

// OnCaseAssigned registers a handler for case:assigned frames.
func (r *Router) OnCaseAssigned(fn func(CaseEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCaseAssigned = append(r.onCaseAssigned, fn)
}

// OnCaseStatusChanged registers a handler for case:status_changed frames.
func (r *Router) OnCaseStatusChanged(fn func(CaseEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCaseStatusChanged = append(r.onCaseStatusChanged, fn)
}

// OnCasePriorityChanged registers a handler for case:priority_changed frames.
func (r *Router) OnCasePriorityChanged(fn func(CaseEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCasePriorityChanged = append(r.onCasePriorityChanged, fn)
}

// OnSyncTrigger registers a handler for sync:trigger frames.
func (r *Router) OnSyncTrigger(fn func(SyncSignal)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSyncTrigger = append(r.onSyncTrigger, fn)
}

// OnSyncCompleted registers a handler for sync:completed frames.
func (r *Router) OnSyncCompleted(fn func(SyncSignal)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSyncCompleted = append(r.onSyncCompleted, fn)
}

// Dispatch routes one inbound frame to its handlers and returns the
// notification id the caller should acknowledge, or "" when the frame
// carries none or was already acknowledged.
//
// Acknowledgment does not depend on handler success: handlers are
// idempotent and periodic sync is the redelivery backstop, so a failed
// handler is logged rather than left for the server to redeliver. Frames
// whose type is unknown are still acknowledged to keep a newer server
// from redelivering them forever.
func (r *Router) Dispatch(data []byte) string {
	typ := gjson.GetBytes(data, "type").Str
	notifID := gjson.GetBytes(data, "notificationId").Str

	if typ == "" {
		r.logger.Debug("dropping frame without type", slog.Int("bytes", len(data)))
		return ""
	}

	switch typ {
	case TypeCaseAssigned:
		r.dispatchCase(typ, notifID, data, r.caseHandlers(&r.onCaseAssigned))
	case TypeCaseStatusChanged:
		r.dispatchCase(typ, notifID, data, r.caseHandlers(&r.onCaseStatusChanged))
	case TypeCasePriorityChanged:
		r.dispatchCase(typ, notifID, data, r.caseHandlers(&r.onCasePriorityChanged))
	case TypeSyncTrigger:
		r.dispatchSignal(typ, notifID, data, r.signalHandlers(&r.onSyncTrigger))
	case TypeSyncCompleted:
		r.dispatchSignal(typ, notifID, data, r.signalHandlers(&r.onSyncCompleted))
	default:
		r.logger.Debug("unhandled frame type", slog.String("type", typ))
	}

	if notifID == "" {
		return ""
	}

	if !r.acks.FirstAck(notifID) {
		r.logger.Debug("duplicate notification delivery",
			slog.String("type", typ),
			slog.String("notification_id", notifID),
		)

		return ""
	}

	return notifID
}

func (r *Router) caseHandlers(field *[]func(CaseEvent)) []func(CaseEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return *field
}

func (r *Router) signalHandlers(field *[]func(SyncSignal)) []func(SyncSignal) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return *field
}

func (r *Router) dispatchCase(typ, notifID string, data []byte, handlers []func(CaseEvent)) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.logger.Warn("malformed case frame",
			slog.String("type", typ),
			slog.String("error", err.Error()),
		)

		return
	}

	var ev CaseEvent
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			r.logger.Warn("malformed case payload",
				slog.String("type", typ),
				slog.String("error", err.Error()),
			)

			return
		}
	}

	if ev.CaseID == "" {
		r.logger.Warn("case frame missing caseId", slog.String("type", typ))
		return
	}

	for _, fn := range handlers {
		r.safeCall(typ, notifID, func() { fn(ev) })
	}
}

func (r *Router) dispatchSignal(typ, notifID string, data []byte, handlers []func(SyncSignal)) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.logger.Warn("malformed sync frame",
			slog.String("type", typ),
			slog.String("error", err.Error()),
		)

		return
	}

	var sig SyncSignal
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &sig); err != nil {
			r.logger.Warn("malformed sync payload",
				slog.String("type", typ),
				slog.String("error", err.Error()),
			)

			return
		}
	}

	for _, fn := range handlers {
		r.safeCall(typ, notifID, func() { fn(sig) })
	}
}

// safeCall runs one handler with panic recovery so a broken handler
// cannot kill the event loop.
func (r *Router) safeCall(typ, notifID string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("notification handler panicked",
				slog.String("type", typ),
				slog.String("notification_id", notifID),
				slog.String("panic", fmt.Sprintf("%v", rec)),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	fn()
}
