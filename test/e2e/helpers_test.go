package e2e_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/casetrack/field-sync/internal/auth"
	"github.com/casetrack/field-sync/internal/casetrack"
	"github.com/casetrack/field-sync/internal/identity"
	"github.com/casetrack/field-sync/internal/mcpserver"
	"github.com/casetrack/field-sync/internal/search"
	"github.com/casetrack/field-sync/internal/server"
	"github.com/casetrack/field-sync/internal/store"
	"github.com/casetrack/field-sync/internal/syncer"
	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const (
	testToken    = "e2e-agent-token"
	testUserID   = "agent-7"
	testPlatform = "linux"
	testDevice   = "e2e-field-device"
)

// fakeBackend is an in-process CaseTrack server: one httptest server
// carrying the websocket notification stream on / and the paged case
// API under /api/v1, the same split the real backend serves.
type fakeBackend struct {
	t   *testing.T
	srv *httptest.Server

	// conns delivers each connection as soon as it authenticates.
	conns chan *serverConn

	mu         sync.Mutex
	cases      map[string]store.CaseRecord
	watermark  int64
	auths      []casetrack.AuthFrame
	acks       []string
	frames     [][]byte
	listSince  []int64
	lastBearer string
	lastDevice string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	b := &fakeBackend{
		t:     t,
		conns: make(chan *serverConn, 8),
		cases: make(map[string]store.CaseRecord),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/cases/updated-since", b.handleList)
	mux.HandleFunc("/api/v1/cases/", b.handleGet)
	mux.HandleFunc("/", b.handleWS)

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)

	return b
}

// handleWS authenticates one client and then records everything it
// sends: acks and session frames are collected, pings answered.
func (b *fakeBackend) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer ws.CloseNow()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, data, err := ws.Read(ctx)
	if err != nil {
		return
	}

	var af casetrack.AuthFrame
	if err := json.Unmarshal(data, &af); err != nil {
		return
	}

	b.mu.Lock()
	b.auths = append(b.auths, af)
	b.mu.Unlock()

	if af.Type != casetrack.TypeAuth || af.Token != testToken || identity.ValidateDeviceID(af.DeviceID) != nil {
		b.writeJSON(ctx, ws, casetrack.Envelope{
			Type:    casetrack.TypeAuthError,
			Payload: rawJSON(casetrack.AuthResult{Message: "invalid credentials"}),
		})
		ws.Close(websocket.StatusNormalClosure, "auth rejected")

		return
	}

	b.writeJSON(ctx, ws, casetrack.Envelope{
		Type:    casetrack.TypeAuthOK,
		Payload: rawJSON(casetrack.AuthResult{UserID: testUserID}),
	})

	b.conns <- &serverConn{ws: ws, ctx: ctx}

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}

		switch gjson.GetBytes(data, "type").Str {
		case casetrack.TypePing:
			b.writeJSON(ctx, ws, map[string]string{"type": casetrack.TypePong})

		case casetrack.TypeNotificationAck:
			b.mu.Lock()
			b.acks = append(b.acks, gjson.GetBytes(data, "notificationId").Str)
			b.mu.Unlock()

		default:
			b.mu.Lock()
			b.frames = append(b.frames, data)
			b.mu.Unlock()
		}
	}
}

func (b *fakeBackend) handleList(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)

	b.mu.Lock()
	b.listSince = append(b.listSince, since)
	b.lastBearer = r.Header.Get("Authorization")
	b.lastDevice = r.Header.Get("X-Device-ID")

	var page []store.CaseRecord
	for _, rec := range b.cases {
		if rec.ServerUpdatedAt > since {
			page = append(page, rec)
		}
	}
	watermark := b.watermark
	b.mu.Unlock()

	sort.Slice(page, func(i, j int) bool { return page[i].ServerUpdatedAt < page[j].ServerUpdatedAt })

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(casetrack.CaseListResponse{Cases: page, Watermark: watermark})
}

func (b *fakeBackend) handleGet(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/cases/")

	b.mu.Lock()
	rec, ok := b.cases[id]
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(casetrack.APIError{Error: "not_found", Msg: "no such case"})

		return
	}

	_ = json.NewEncoder(w).Encode(rec)
}

// writeJSON marshals and sends one frame. Write failures only race test
// teardown, so they are logged rather than failed on.
func (b *fakeBackend) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) {
	data, _ := json.Marshal(v)
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		b.t.Logf("backend write failed: %v", err)
	}
}

// seedCase makes a record available to the list and get endpoints and
// advances the server watermark.
func (b *fakeBackend) seedCase(rec store.CaseRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cases[rec.ID] = rec
	if rec.ServerUpdatedAt > b.watermark {
		b.watermark = rec.ServerUpdatedAt
	}
}

// awaitConn returns the next authenticated client connection.
func (b *fakeBackend) awaitConn(t *testing.T) *serverConn {
	t.Helper()

	select {
	case c := <-b.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a client connection")
		return nil
	}
}

func (b *fakeBackend) authCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.auths)
}

func (b *fakeBackend) lastAuth() casetrack.AuthFrame {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.auths) == 0 {
		return casetrack.AuthFrame{}
	}

	return b.auths[len(b.auths)-1]
}

func (b *fakeBackend) ackCount(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, a := range b.acks {
		if a == id {
			n++
		}
	}

	return n
}

func (b *fakeBackend) sawFrameType(typ string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, f := range b.frames {
		if gjson.GetBytes(f, "type").Str == typ {
			return true
		}
	}

	return false
}

func (b *fakeBackend) subscribeCount(caseID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, f := range b.frames {
		if gjson.GetBytes(f, "type").Str == casetrack.TypeSubscribeCase &&
			gjson.GetBytes(f, "caseId").Str == caseID {
			n++
		}
	}

	return n
}

func (b *fakeBackend) apiAuth() (bearer, device string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.lastBearer, b.lastDevice
}

// sinceParams returns the since values of every list call, in order.
func (b *fakeBackend) sinceParams() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]int64(nil), b.listSince...)
}

// serverConn is one authenticated client connection, as seen from the
// backend.
type serverConn struct {
	ws  *websocket.Conn
	ctx context.Context
}

// push sends one frame to the connected client.
func (c *serverConn) push(t *testing.T, v interface{}) {
	t.Helper()

	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, c.ws.Write(c.ctx, websocket.MessageText, data))
}

// drop kills the connection from the server side.
func (c *serverConn) drop() {
	_ = c.ws.Close(websocket.StatusGoingAway, "server restart")
}

// harness is the client stack wired the way the daemon wires it,
// pointed at a fake backend: store, identity, API client, sync engine,
// router and a running connection manager.
type harness struct {
	backend  *fakeBackend
	store    *store.Store
	engine   *syncer.Engine
	conn     *casetrack.Manager
	deviceID string

	runErr chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	backend := newFakeBackend(t)

	st, err := store.Open(filepath.Join(t.TempDir(), "cache.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	logger := slog.New(slog.DiscardHandler)

	ident := identity.NewService(st, logger, testPlatform)
	deviceID := ident.DeviceID()

	api := casetrack.NewClient(casetrack.ClientConfig{
		BaseURL:    backend.srv.URL,
		Token:      testToken,
		DeviceID:   deviceID,
		HTTPClient: backend.srv.Client(),
	}, logger)

	engine := syncer.New(st, api, logger)
	router := casetrack.NewRouter(logger)

	conn := casetrack.NewManager(casetrack.ManagerConfig{
		ServerHost:    "ws" + strings.TrimPrefix(backend.srv.URL, "http"),
		Token:         testToken,
		Platform:      testPlatform,
		DeviceID:      deviceID,
		DeviceName:    testDevice,
		ReconnectBase: 20 * time.Millisecond,
		MaxAttempts:   10,
	}, router, logger)

	ctx, cancel := context.WithCancel(context.Background())

	merge := func(ev casetrack.CaseEvent) {
		if _, err := st.ApplyServerCase(ev.Record()); err == nil {
			engine.Kick(ctx, syncer.ReasonEventDriven)
		}
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
		if s.State == casetrack.StateConnected {
			engine.Kick(ctx, syncer.ReasonReconnect)
			conn.NotifyConnectivity(true, "unknown", st.QueueLen())
		}
	})

	h := &harness{
		backend:  backend,
		store:    st,
		engine:   engine,
		conn:     conn,
		deviceID: deviceID,
		runErr:   make(chan error, 1),
	}

	go func() {
		h.runErr <- conn.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()

		select {
		case <-h.runErr:
		case <-time.After(5 * time.Second):
			t.Error("connection manager did not stop")
		}
	})

	return h
}

// awaitState waits for the connection to reach the given state.
func (h *harness) awaitState(t *testing.T, want casetrack.State) {
	t.Helper()

	waitFor(t, 5*time.Second, func() bool {
		return h.conn.Status().State == want
	})
}

// awaitFirstSync waits until the reconnect-triggered session has
// finished, so the backend can be reseeded without racing it.
func (h *harness) awaitFirstSync(t *testing.T) {
	t.Helper()

	waitFor(t, 5*time.Second, func() bool {
		s := h.engine.Status()
		return s.LastSyncAt > 0 && !s.InFlight
	})
}

// serveMCP starts the operator HTTP stack over the harness store and
// engine, exactly as the daemon serves it. Returns the server and a
// valid API key.
func (h *harness) serveMCP(t *testing.T) (*httptest.Server, string) {
	t.Helper()

	key := auth.GenerateAPIKey()
	keys := auth.NewStore()
	keys.AddKey(testUserID, key)

	logger := slog.New(slog.DiscardHandler)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "field-sync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, mcpserver.Deps{
		Store:    h.store,
		Searcher: search.New(h.store),
		SpoolDir: t.TempDir(),
		Live:     h.engine.Status,
	})

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		Keys:       keys,
		MCPHandler: mcpHandler,
		Logger:     logger,
		Status: func() server.StatusReport {
			es := h.engine.Status()

			return server.StatusReport{
				Connection:          h.conn.Status().State.String(),
				Watermark:           es.Watermark,
				LastSyncAt:          es.LastSyncAt,
				LastOutcome:         es.LastOutcome,
				ConsecutiveFailures: es.ConsecutiveFailures,
				Stale:               es.Stale,
				InFlight:            es.InFlight,
				QueueDepth:          h.store.QueueLen(),
				CachedCases:         h.store.CaseCount(),
			}
		},
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return ts, key
}

// mcpSession creates an MCP client session authenticated with the given
// API key, using a RoundTripper that injects the Authorization header.
func (h *harness) mcpSession(t *testing.T, ts *httptest.Server, key string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: ts.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: key,
				base:  ts.Client().Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

// envelope builds a pushable notification frame.
func envelope(t *testing.T, typ, notifID string, payload interface{}) casetrack.Envelope {
	t.Helper()

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	return casetrack.Envelope{Type: typ, NotificationID: notifID, Payload: data}
}

func rawJSON(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

// seedRecord builds a server-side case for the fake API.
func seedRecord(id, number string, updatedAt int64) store.CaseRecord {
	return store.CaseRecord{
		ID:              id,
		CaseNumber:      number,
		Title:           "Burst pipe at " + number,
		Status:          "open",
		Priority:        "medium",
		AssignedTo:      testUserID,
		ClientName:      "Northwind Traders",
		Summary:         "Awaiting inspection.",
		ServerUpdatedAt: updatedAt,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(20 * time.Millisecond)
	}

	t.Fatal("timed out waiting for condition")
}
