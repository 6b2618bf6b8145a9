package presence

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/presence/internal/api"
	"github.com/haasonsaas/presence/internal/config"
	"github.com/haasonsaas/presence/internal/lifecycle"
	"github.com/haasonsaas/presence/internal/observability"
	"github.com/haasonsaas/presence/pkg/models"
)

// backend is a minimal presence server: REST endpoints plus a websocket
// that forwards whatever the test writes to frames.
type backend struct {
	mu       sync.Mutex
	reject   bool
	statuses map[string]models.Presence
	pushes   []models.Status
	typing   []string
	devices  map[string]bool

	frames chan string
	server *httptest.Server
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{
		statuses: map[string]models.Presence{
			"u2": {UserID: "u2", Status: models.StatusAway, LastSeen: time.Now().Add(-time.Minute).UTC()},
		},
		devices: map[string]bool{},
		frames:  make(chan string, 16),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /presence/status", b.handlePush)
	mux.HandleFunc("GET /presence", b.handleFetchAll)
	mux.HandleFunc("GET /presence/{id}", b.handleFetchOne)
	mux.HandleFunc("POST /typing", b.handleTyping)
	mux.HandleFunc("GET /ws", b.handleSocket)

	b.server = httptest.NewServer(b.authorize(mux))
	t.Cleanup(b.server.Close)
	return b
}

func (b *backend) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		reject := b.reject
		b.devices[r.Header.Get(api.DeviceHeader)] = true
		b.mu.Unlock()
		if reject || r.Header.Get("Authorization") != "Bearer test-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *backend) handlePush(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status models.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rec := models.Presence{UserID: "me", Status: req.Status, LastSeen: time.Now().UTC()}
	b.mu.Lock()
	b.pushes = append(b.pushes, req.Status)
	b.statuses["me"] = rec
	b.mu.Unlock()
	writeJSON(w, rec)
}

func (b *backend) handleFetchAll(w http.ResponseWriter, r *http.Request) {
	var filter map[string]bool
	if ids := r.URL.Query().Get("user_ids"); ids != "" {
		filter = map[string]bool{}
		for _, id := range strings.Split(ids, ",") {
			filter[id] = true
		}
	}
	b.mu.Lock()
	out := make([]models.Presence, 0, len(b.statuses))
	for id, rec := range b.statuses {
		if filter == nil || filter[id] {
			out = append(out, rec)
		}
	}
	b.mu.Unlock()
	writeJSON(w, out)
}

func (b *backend) handleFetchOne(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	rec, ok := b.statuses[r.PathValue("id")]
	b.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, rec)
}

func (b *backend) handleTyping(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID string `json:"conversationId"`
		IsTyping       bool   `json:"isTyping"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	if req.IsTyping {
		b.typing = append(b.typing, req.ConversationID+":on")
	} else {
		b.typing = append(b.typing, req.ConversationID+":off")
	}
	b.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (b *backend) handleSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case <-gone:
			return
		case frame := <-b.frames:
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
	}
}

func (b *backend) setReject(reject bool) {
	b.mu.Lock()
	b.reject = reject
	b.mu.Unlock()
}

func (b *backend) pushed() []models.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.Status(nil), b.pushes...)
}

func (b *backend) typingUpdates() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.typing...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func testConfig(b *backend) *config.Config {
	cfg := config.Default()
	cfg.Server.BaseURL = b.server.URL
	cfg.Server.WebSocketURL = "ws" + strings.TrimPrefix(b.server.URL, "http") + "/ws"
	cfg.Auth.Token = "test-token"
	cfg.Auth.UserID = "me"
	cfg.Auth.DeviceID = "device-1"
	cfg.Heartbeat.Interval = time.Hour
	return cfg
}

func newTestService(t *testing.T, b *backend, opts ...Option) (*Service, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithLogger(logger), WithMetrics(metrics)}, opts...)

	svc, err := New(testConfig(b), opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc, metrics
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestService_LoginBackgroundRoundTrip(t *testing.T) {
	b := newBackend(t)
	svc, metrics := newTestService(t, b)
	ctx := context.Background()

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := svc.Handle(ctx, lifecycle.EventLogin); err != nil {
		t.Fatalf("Handle(login) error = %v", err)
	}
	if !svc.Tracking() {
		t.Fatal("login should start tracking")
	}
	if rec, ok := svc.Presence("me"); !ok || rec.Status != models.StatusOnline {
		t.Fatalf("me = %+v, %v; want online", rec, ok)
	}
	if rec, ok := svc.Presence("u2"); !ok || rec.Status != models.StatusAway {
		t.Fatalf("u2 = %+v, %v; want away from the initial fetch", rec, ok)
	}

	waitFor(t, "push channel", svc.Connected)
	// Foreground fetch plus the fetch triggered by the connection, both applied.
	waitFor(t, "reconnect reconciliation", func() bool {
		return testutil.ToFloat64(metrics.Fetches.WithLabelValues("all", "ok")) >= 2
	})

	b.frames <- `{"type":"presence_update","data":{"userId":"u3","status":"online","lastSeen":"2026-01-01T00:00:00Z"}}`
	b.frames <- `not json`
	b.frames <- `{"type":"typing_indicator","data":{"userId":"u3","conversationId":"c1","isTyping":true}}`
	waitFor(t, "typing indicator", func() bool { return svc.Store().IsTyping("u3", "c1") })
	if rec, _ := svc.Presence("u3"); rec.Status != models.StatusOnline || !rec.IsTyping {
		t.Errorf("u3 = %+v, want online and typing", rec)
	}

	if err := svc.Handle(ctx, lifecycle.EventBackground); err != nil {
		t.Fatalf("Handle(background) error = %v", err)
	}
	if rec, _ := svc.Presence("me"); rec.Status != models.StatusAway {
		t.Errorf("me = %q after background, want away", rec.Status)
	}
	if svc.Tracking() || svc.Connected() {
		t.Error("background should stop tracking and disconnect")
	}

	pushed := b.pushed()
	if len(pushed) != 2 || pushed[0] != models.StatusOnline || pushed[1] != models.StatusAway {
		t.Errorf("pushes = %v, want [online away]", pushed)
	}
	if got := testutil.ToFloat64(metrics.InboundMessages.WithLabelValues("presence_update")); got != 1 {
		t.Errorf("inbound presence_update = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.DroppedMessages.WithLabelValues("malformed")); got != 1 {
		t.Errorf("dropped malformed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.HeartbeatPushes.WithLabelValues("final", "sent")); got != 1 {
		t.Errorf("final sent = %v, want 1", got)
	}
	b.mu.Lock()
	sawDevice := b.devices["device-1"]
	b.mu.Unlock()
	if !sawDevice {
		t.Error("requests should carry the device id")
	}
}

func TestService_UnauthorizedStopsTrackingOnce(t *testing.T) {
	b := newBackend(t)
	stopped := make(chan error, 4)
	svc, metrics := newTestService(t, b, OnTrackingStopped(func(err error) { stopped <- err }))
	ctx := context.Background()

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	b.setReject(true)
	if err := svc.Handle(ctx, lifecycle.EventLogin); err != nil {
		t.Fatalf("Handle(login) error = %v", err)
	}

	select {
	case err := <-stopped:
		if !errors.Is(err, api.ErrUnauthorized) {
			t.Errorf("stopped error = %v, want ErrUnauthorized", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for tracking stopped")
	}
	select {
	case err := <-stopped:
		t.Errorf("tracking stopped signalled twice (%v)", err)
	case <-time.After(100 * time.Millisecond):
	}

	if svc.Tracking() {
		t.Error("tracking should be stopped")
	}
	if got := testutil.ToFloat64(metrics.TrackingStopped); got != 1 {
		t.Errorf("tracking stopped metric = %v, want 1", got)
	}
}

func TestService_RefreshAndLookupWithoutTracking(t *testing.T) {
	b := newBackend(t)
	svc, metrics := newTestService(t, b)
	ctx := context.Background()

	n, err := svc.Refresh(ctx, "u2")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Refresh() applied %d records, want 1", n)
	}
	if rec, ok := svc.Presence("u2"); !ok || rec.Status != models.StatusAway {
		t.Errorf("u2 = %+v, %v", rec, ok)
	}

	rec, err := svc.Lookup(ctx, "u2")
	if err != nil || rec.Status != models.StatusAway {
		t.Errorf("Lookup() = %+v, %v", rec, err)
	}
	if _, err := svc.Lookup(ctx, "nobody"); err == nil {
		t.Error("Lookup() of unknown user should fail")
	}

	if got := testutil.ToFloat64(metrics.Fetches.WithLabelValues("all", "ok")); got != 1 {
		t.Errorf("fetch all ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.StoreRecords); got != 1 {
		t.Errorf("store records = %v, want 1", got)
	}
}

func TestService_SetTyping(t *testing.T) {
	b := newBackend(t)
	svc, metrics := newTestService(t, b)
	ctx := context.Background()

	if err := svc.SetTyping(ctx, "c1", true); err != nil {
		t.Fatalf("SetTyping(true) error = %v", err)
	}
	if err := svc.SetTyping(ctx, "c1", false); err != nil {
		t.Fatalf("SetTyping(false) error = %v", err)
	}

	got := b.typingUpdates()
	if len(got) != 2 || got[0] != "c1:on" || got[1] != "c1:off" {
		t.Errorf("typing updates = %v, want [c1:on c1:off]", got)
	}
	if v := testutil.ToFloat64(metrics.TypingUpdates.WithLabelValues("typing", "ok")); v != 1 {
		t.Errorf("typing ok = %v, want 1", v)
	}
}

func TestService_StartAfterClose(t *testing.T) {
	b := newBackend(t)
	svc, _ := newTestService(t, b)

	if err := svc.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := svc.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() after Close = %v, want ErrClosed", err)
	}
	if err := svc.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestNew_RequiresConfig(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("New(nil) should fail")
	}
}
