package casetrack

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	fserrors "github.com/casetrack/field-sync/internal/errors"
	"github.com/casetrack/field-sync/internal/identity"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 120 * time.Second
	heartbeatCheckAt = 20 * time.Second

	// handshakeTimeout bounds the dial-to-auth:ok window. A handshake
	// that exceeds it counts as a failed attempt, not a success.
	handshakeTimeout = 10 * time.Second

	reconnectMax = 5 * time.Minute

	defaultReconnectBase = time.Second
	defaultMaxAttempts   = 5

	// wsReadLimit bounds inbound frames. Notification payloads are small
	// JSON objects; 1MB leaves generous headroom.
	wsReadLimit = 1024 * 1024

	// inboundChanSize is the buffer size for the channel carrying
	// messages from the WebSocket reader goroutine to the event loop.
	inboundChanSize = 64

	// outboundChanSize is the buffer size for the channel carrying
	// frames queued by API methods to the event loop.
	outboundChanSize = 64

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, delay/jitterDivisor).
	jitterDivisor = 2

	// maxBackoffShift caps the bit-shift exponent in the reconnect
	// backoff to prevent integer overflow of time.Duration.
	maxBackoffShift = 10

	userAgent = "field-sync/1.0"
)

// State is the connection state machine position.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Status is a snapshot of the connection state machine.
type Status struct {
	State           State
	Attempt         int
	LastConnectedAt time.Time
	LastError       error
}

// inboundMsg wraps a message read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// outboundFrame is a frame queued by an API method for the event loop to
// write.
type outboundFrame struct {
	kind    string
	payload interface{}
}

// wsConn abstracts the WebSocket connection so Manager can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// ManagerConfig holds the parameters for the realtime connection.
type ManagerConfig struct {
	// ServerHost is the backend host. A bare host dials wss://; an
	// explicit scheme (ws://) is honoured for local testing.
	ServerHost string
	Token      string
	Platform   string
	DeviceID   string

	// DeviceName is the human-readable label shown in the backend's
	// device list. Optional.
	DeviceName string

	// ReconnectBase is the backoff base: delay for attempt n is
	// ReconnectBase * 2^(n-1) plus jitter. Zero means 1s.
	ReconnectBase time.Duration

	// MaxAttempts bounds consecutive failed attempts before Run gives
	// up. Zero means 5.
	MaxAttempts int
}

// Manager owns the realtime notification connection to the CaseTrack
// backend.
//
// Architecture: a reader goroutine feeds inboundCh with raw WebSocket
// messages. A single event loop goroutine (inside Run) processes inbound
// frames, frames queued by API methods (opCh), and heartbeat ticks. All
// writes to the connection happen from the event loop or from the
// single-threaded window right after the handshake, eliminating the need
// for a write mutex.
type Manager struct {
	logger *slog.Logger
	router *Router

	url        string
	token      string
	platform   string
	deviceID   string
	deviceName string

	base        time.Duration
	maxAttempts int

	// dial is swapped out in tests for a mock connection factory.
	dial func(ctx context.Context) (wsConn, error)

	conn wsConn

	// inboundCh receives messages from the reader goroutine.
	inboundCh chan inboundMsg

	// opCh receives outbound frames from API methods. The event loop
	// writes them one at a time.
	opCh chan outboundFrame

	// wakeCh cuts a pending reconnect wait short when the app
	// foregrounds while not connected.
	wakeCh chan struct{}

	running   bool
	runningMu sync.Mutex

	stop   context.CancelFunc
	stopMu sync.Mutex

	statusMu  sync.RWMutex
	status    Status
	observers []func(Status)

	// connected signals whether the WebSocket is live. API methods check
	// this to decide whether to queue or drop frames.
	connected   bool
	connectedMu sync.RWMutex

	// subs is the set of case subscriptions replayed on every
	// successful handshake.
	subs   map[string]struct{}
	subsMu sync.Mutex

	// appState and connReport are the lifecycle facts replayed to the
	// server on reconnect.
	appState   string
	connReport *ConnectivityFrame
	lifeMu     sync.Mutex

	lastMessage time.Time
	lastMsgMu   sync.Mutex
}

// NewManager creates a connection manager dispatching inbound frames to
// router.
func NewManager(cfg ManagerConfig, router *Router, logger *slog.Logger) *Manager {
	base := cfg.ReconnectBase
	if base <= 0 {
		base = defaultReconnectBase
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	url := cfg.ServerHost
	if !strings.Contains(url, "://") {
		url = "wss://" + url
	}

	m := &Manager{
		logger:      logger,
		router:      router,
		url:         url,
		token:       cfg.Token,
		platform:    cfg.Platform,
		deviceID:    cfg.DeviceID,
		deviceName:  cfg.DeviceName,
		base:        base,
		maxAttempts: maxAttempts,
		opCh:        make(chan outboundFrame, outboundChanSize),
		wakeCh:      make(chan struct{}, 1),
		subs:        make(map[string]struct{}),
		appState:    AppStateForeground,
	}
	m.dial = m.defaultDial

	return m
}

func (m *Manager) defaultDial(ctx context.Context) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, m.url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"User-Agent": []string{userAgent},
		},
	})
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// Run dials, authenticates and processes the notification stream,
// reconnecting with exponential backoff on transport failures. It
// returns ErrReconnectExhausted after maxAttempts consecutive failures,
// an auth error immediately (no retry loop), or the context error on
// cancellation. Only one Run may be active per Manager.
func (m *Manager) Run(ctx context.Context) error {
	if !m.markRunning() {
		return fserrors.ErrAlreadyRunning
	}
	defer m.unmarkRunning()

	if m.token == "" {
		return fmt.Errorf("%w: empty token", fserrors.ErrInvalidToken)
	}

	if err := identity.ValidateDeviceID(m.deviceID); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.stopMu.Lock()
	m.stop = cancel
	m.stopMu.Unlock()

	// Drop any wake signal left over from a previous session.
	select {
	case <-m.wakeCh:
	default:
	}

	attempt := 0

	for {
		if attempt == 0 {
			m.transition(StateConnecting, 0, nil)
		}

		connected, err := m.runConnection(runCtx)

		if runCtx.Err() != nil {
			m.transition(StateDisconnected, 0, nil)
			return runCtx.Err()
		}

		if fserrors.IsAuthError(err) {
			m.recordError(err)
			return err
		}

		if connected {
			attempt = 0
		}

		attempt++

		if attempt > m.maxAttempts {
			err = fmt.Errorf("%w after %d attempts: %v", fserrors.ErrReconnectExhausted, m.maxAttempts, err)
			m.recordError(err)

			return err
		}

		delay := m.reconnectDelay(attempt)
		m.transition(StateReconnecting, attempt, err)
		m.logger.Warn("connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-runCtx.Done():
			timer.Stop()
			m.transition(StateDisconnected, 0, nil)

			return runCtx.Err()

		case <-m.wakeCh:
			timer.Stop()
			m.logger.Debug("foreground wake, retrying immediately")

			attempt = 0

		case <-timer.C:
		}
	}
}

// runConnection performs one dial + handshake + event loop cycle. The
// bool reports whether the connection reached the connected state before
// failing, which resets the backoff counter.
func (m *Manager) runConnection(ctx context.Context) (bool, error) {
	conn, err := m.dial(ctx)
	if err != nil {
		return false, fmt.Errorf("dialing websocket: %w", err)
	}

	if err := m.handshake(ctx, conn); err != nil {
		return false, err
	}

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	m.onConnected(ctx)
	m.startReader(connCtx)

	err = m.eventLoop(ctx, connCtx)

	m.setConnected(false)
	m.conn.Close(websocket.StatusNormalClosure, "closing")

	return true, err
}

// handshake sends the auth frame and waits for the server's verdict,
// bounded by handshakeTimeout. Extracted from runConnection so the auth
// logic can be tested with a mock wsConn without a real network
// connection.
func (m *Manager) handshake(ctx context.Context, conn wsConn) error {
	m.conn = conn
	m.conn.SetReadLimit(wsReadLimit)
	m.touchLastMessage()

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	auth := AuthFrame{
		Type:       TypeAuth,
		Token:      m.token,
		Platform:   m.platform,
		DeviceID:   m.deviceID,
		DeviceName: m.deviceName,
	}

	if err := m.writeJSON(hsCtx, auth); err != nil {
		m.conn.Close(websocket.StatusInternalError, "auth send failed")
		return fmt.Errorf("sending auth frame: %w", err)
	}

	for {
		typ, data, err := m.conn.Read(hsCtx)
		if err != nil {
			m.conn.Close(websocket.StatusInternalError, "auth read failed")

			// Distinguish the handshake deadline from caller cancellation.
			if hsCtx.Err() != nil && ctx.Err() == nil {
				return fmt.Errorf("%w after %s", fserrors.ErrHandshakeTimeout, handshakeTimeout)
			}

			return fmt.Errorf("reading auth response: %w", err)
		}

		m.touchLastMessage()

		if typ == websocket.MessageBinary {
			m.logger.Debug("unexpected binary frame during handshake", slog.Int("bytes", len(data)))
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Debug("unparseable frame during handshake", slog.Int("bytes", len(data)))
			continue
		}

		switch env.Type {
		case TypeAuthOK:
			var res AuthResult
			if len(env.Payload) > 0 {
				_ = json.Unmarshal(env.Payload, &res)
			}

			m.logger.Info("stream authenticated",
				slog.String("user_id", res.UserID),
				slog.String("device_id", m.deviceID),
			)

			return nil

		case TypeAuthError:
			msg := "no reason given"

			var res AuthResult
			if len(env.Payload) > 0 && json.Unmarshal(env.Payload, &res) == nil && res.Message != "" {
				msg = res.Message
			}

			m.conn.Close(websocket.StatusNormalClosure, "auth rejected")

			return fmt.Errorf("%w: %s", fserrors.ErrAuthRejected, msg)

		case TypePing, TypePong:
			continue

		default:
			m.logger.Debug("unexpected frame during handshake", slog.String("type", env.Type))
		}
	}
}

// onConnected records the successful transition and replays the session
// facts the server needs after any (re)connect: active case
// subscriptions, app state, and the latest connectivity report. Runs in
// the single-threaded window before the reader starts, so writing
// directly is safe; write failures surface on the first event-loop read.
func (m *Manager) onConnected(ctx context.Context) {
	m.setConnected(true)
	m.transition(StateConnected, 0, nil)

	subs := m.activeSubscriptions()
	for _, id := range subs {
		if err := m.writeJSON(ctx, SubscribeFrame{Type: TypeSubscribeCase, CaseID: id}); err != nil {
			m.logger.Warn("replaying case subscription",
				slog.String("case_id", id),
				slog.String("error", err.Error()),
			)

			break
		}
	}

	m.lifeMu.Lock()
	state := m.appState
	report := m.connReport
	m.lifeMu.Unlock()

	if err := m.writeJSON(ctx, AppStateFrame{Type: TypeAppState, State: state}); err != nil {
		m.logger.Warn("sending app state", slog.String("error", err.Error()))
	}

	if report != nil {
		if err := m.writeJSON(ctx, *report); err != nil {
			m.logger.Warn("sending connectivity report", slog.String("error", err.Error()))
		}
	}

	m.logger.Info("connected", slog.Int("subscriptions", len(subs)))
}

// startReader launches a goroutine that reads from the WebSocket and
// feeds inboundCh. Exits when connCtx is cancelled or a read error
// occurs. The error is delivered as the final message on inboundCh.
// The goroutine captures ch and conn by value so that if startReader is
// called again for a new connection, the old goroutine cannot send stale
// messages into the new channel.
func (m *Manager) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, inboundChanSize)
	m.inboundCh = ch
	conn := m.conn

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// eventLoop is the single event loop for one connection. It selects on
// inbound messages, queued outbound frames, and the heartbeat ticker.
// All writes happen here, so no mutex is needed. Returns on read error
// or context cancellation.
func (m *Manager) eventLoop(ctx context.Context, connCtx context.Context) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-m.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}

			m.touchLastMessage()

			if msg.typ == websocket.MessageBinary {
				m.logger.Debug("unexpected binary frame in event loop", slog.Int("bytes", len(msg.data)))
				continue
			}

			if err := m.handleInbound(ctx, msg.data); err != nil {
				return err
			}

		case fr := <-m.opCh:
			if err := m.writeJSON(ctx, fr.payload); err != nil {
				return fmt.Errorf("writing %s frame: %w", fr.kind, err)
			}

		case <-ticker.C:
			m.lastMsgMu.Lock()
			elapsed := time.Since(m.lastMessage)
			m.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				m.logger.Warn("connection timed out, closing")
				m.conn.Close(websocket.StatusGoingAway, "timeout")

				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := m.writeJSON(ctx, map[string]string{"type": TypePing}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// handleInbound processes a single inbound text frame. Connection-level
// frames (ping, pong, auth) are handled here; everything else goes
// through the notification router, and any id it returns is acknowledged
// on the same turn.
func (m *Manager) handleInbound(ctx context.Context, data []byte) error {
	switch gjson.GetBytes(data, "type").Str {
	case TypePong:
		return nil

	case TypePing:
		if err := m.writeJSON(ctx, map[string]string{"type": TypePong}); err != nil {
			return fmt.Errorf("answering ping: %w", err)
		}

		return nil

	case TypeAuthError:
		// Session revoked mid-stream. Surface as an auth error so the
		// reconnect loop does not retry with the same token.
		msg := "session revoked"

		var env Envelope
		if json.Unmarshal(data, &env) == nil && len(env.Payload) > 0 {
			var res AuthResult
			if json.Unmarshal(env.Payload, &res) == nil && res.Message != "" {
				msg = res.Message
			}
		}

		m.conn.Close(websocket.StatusNormalClosure, "auth revoked")

		return fmt.Errorf("%w: %s", fserrors.ErrAuthRejected, msg)

	default:
		if id := m.router.Dispatch(data); id != "" {
			if err := m.writeJSON(ctx, AckFrame{Type: TypeNotificationAck, NotificationID: id}); err != nil {
				return fmt.Errorf("acknowledging notification %s: %w", id, err)
			}
		}

		return nil
	}
}

// SubscribeCase registers interest in per-case notifications. The
// subscription survives reconnects: it is replayed on every successful
// handshake until UnsubscribeCase.
func (m *Manager) SubscribeCase(caseID string) {
	m.subsMu.Lock()
	m.subs[caseID] = struct{}{}
	m.subsMu.Unlock()

	m.send(TypeSubscribeCase, SubscribeFrame{Type: TypeSubscribeCase, CaseID: caseID})
}

// UnsubscribeCase drops the per-case subscription.
func (m *Manager) UnsubscribeCase(caseID string) {
	m.subsMu.Lock()
	delete(m.subs, caseID)
	m.subsMu.Unlock()

	m.send(TypeUnsubscribeCase, SubscribeFrame{Type: TypeUnsubscribeCase, CaseID: caseID})
}

// NotifyConnectivity reports the device's network conditions and current
// outbound backlog. The latest report is replayed on reconnect.
func (m *Manager) NotifyConnectivity(isOnline bool, connectionType string, pendingSyncCount int) {
	fr := ConnectivityFrame{
		Type:             TypeConnectivity,
		IsOnline:         isOnline,
		ConnectionType:   connectionType,
		PendingSyncCount: pendingSyncCount,
	}

	m.lifeMu.Lock()
	m.connReport = &fr
	m.lifeMu.Unlock()

	m.send(TypeConnectivity, fr)
}

// Ack acknowledges a notification out of band. Router-driven acks happen
// on the receiving turn; this is for callers that defer processing. The
// shared tracker still guarantees at most one ack per id.
func (m *Manager) Ack(notificationID string) {
	if notificationID == "" || !m.router.acks.FirstAck(notificationID) {
		return
	}

	m.send(TypeNotificationAck, AckFrame{Type: TypeNotificationAck, NotificationID: notificationID})
}

// Foreground records that the app is in the foreground. When connected
// it informs the server; when not connected it resets the backoff and
// cuts any pending reconnect wait short.
func (m *Manager) Foreground() {
	m.lifeMu.Lock()
	m.appState = AppStateForeground
	m.lifeMu.Unlock()

	if m.isConnected() {
		m.send(TypeAppState, AppStateFrame{Type: TypeAppState, State: AppStateForeground})
		return
	}

	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

// Background records that the app moved to the background. The
// connection stays up to keep receiving push events.
func (m *Manager) Background() {
	m.lifeMu.Lock()
	m.appState = AppStateBackground
	m.lifeMu.Unlock()

	m.send(TypeAppState, AppStateFrame{Type: TypeAppState, State: AppStateBackground})
}

// Logout tears the connection down. It is the only path to the
// disconnected state: the run context is cancelled, pending reconnect
// timers die with it, and the socket closes.
func (m *Manager) Logout() {
	m.stopMu.Lock()
	stop := m.stop
	m.stop = nil
	m.stopMu.Unlock()

	if stop != nil {
		stop()
	}
}

// Status reports the connection state machine's current snapshot.
func (m *Manager) Status() Status {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()

	return m.status
}

// OnStateChange registers an observer invoked on every state transition.
// Observers run synchronously on the transitioning goroutine and must
// not block.
func (m *Manager) OnStateChange(fn func(Status)) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()

	m.observers = append(m.observers, fn)
}

// send queues an outbound frame for the event loop. Frames are dropped
// with a debug log while disconnected; subscriptions persist in the
// replay set regardless.
func (m *Manager) send(kind string, payload interface{}) {
	if !m.isConnected() {
		m.logger.Debug("dropping outbound frame while disconnected", slog.String("type", kind))
		return
	}

	select {
	case m.opCh <- outboundFrame{kind: kind, payload: payload}:
	default:
		m.logger.Warn("outbound queue full, dropping frame", slog.String("type", kind))
	}
}

// reconnectDelay computes base * 2^(attempt-1) capped at reconnectMax,
// plus uniform jitter in [0, delay/2) so a fleet of agents does not
// reconnect in lockstep.
func (m *Manager) reconnectDelay(attempt int) time.Duration {
	shift := attempt - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}

	delay := m.base * time.Duration(1<<shift)
	if delay > reconnectMax {
		delay = reconnectMax
	}

	if half := int64(delay) / jitterDivisor; half > 0 {
		delay += time.Duration(rand.Int64N(half)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact
	}

	return delay
}

func (m *Manager) activeSubscriptions() []string {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// transition updates the status snapshot and fires observers with a copy.
func (m *Manager) transition(state State, attempt int, err error) {
	m.statusMu.Lock()
	m.status.State = state
	m.status.Attempt = attempt

	switch {
	case state == StateConnected:
		m.status.LastConnectedAt = time.Now()
		m.status.LastError = nil
	case err != nil:
		m.status.LastError = err
	}

	st := m.status
	obs := append([]func(Status)(nil), m.observers...)
	m.statusMu.Unlock()

	for _, fn := range obs {
		fn(st)
	}
}

// recordError updates LastError without changing the state position.
func (m *Manager) recordError(err error) {
	m.statusMu.Lock()
	m.status.LastError = err
	st := m.status
	obs := append([]func(Status)(nil), m.observers...)
	m.statusMu.Unlock()

	for _, fn := range obs {
		fn(st)
	}
}

func (m *Manager) markRunning() bool {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()

	if m.running {
		return false
	}

	m.running = true

	return true
}

func (m *Manager) unmarkRunning() {
	m.runningMu.Lock()
	m.running = false
	m.runningMu.Unlock()
}

func (m *Manager) setConnected(v bool) {
	m.connectedMu.Lock()
	m.connected = v
	m.connectedMu.Unlock()
}

func (m *Manager) isConnected() bool {
	m.connectedMu.RLock()
	defer m.connectedMu.RUnlock()

	return m.connected
}

func (m *Manager) touchLastMessage() {
	m.lastMsgMu.Lock()
	m.lastMessage = time.Now()
	m.lastMsgMu.Unlock()
}

// writeJSON marshals v to JSON and writes it as a text frame. Only
// called from the event loop or the single-threaded windows around it.
func (m *Manager) writeJSON(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}

	return m.conn.Write(ctx, websocket.MessageText, data)
}
