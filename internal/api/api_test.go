package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goodtune/tvbill/internal/catalog"
	"github.com/goodtune/tvbill/internal/clock"
	"github.com/goodtune/tvbill/internal/config"
	"github.com/goodtune/tvbill/internal/discovery"
	"github.com/goodtune/tvbill/internal/expiry"
	"github.com/goodtune/tvbill/internal/policy"
	"github.com/goodtune/tvbill/internal/presence"
	"github.com/goodtune/tvbill/internal/realtime"
	"github.com/goodtune/tvbill/internal/session"
	"github.com/goodtune/tvbill/internal/storage"
	"github.com/goodtune/tvbill/internal/storage/sqlstore"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var t0 = time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC)

type testAPI struct {
	router *gin.Engine
	store  *sqlstore.Store
	clock  *clock.Test
	hub    *realtime.Hub
	tokens *TokenService
	device *storage.Device
	pkg    *storage.Package
}

func newTestAPI(t *testing.T, limiter *RateLimiter) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	store, err := sqlstore.Open(config.StorageConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "tvbill.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	a := &testAPI{
		store:  store,
		clock:  clock.NewTest(t0),
		hub:    realtime.NewHub(nil, zerolog.Nop()),
		tokens: NewTokenService("test-secret", time.Hour),
		device: &storage.Device{DeviceKey: "tv-01", Name: "TV 1", Location: "Hall", CreatedAt: t0},
		pkg:    &storage.Package{Name: "1 hour", DurationMinutes: 60, Price: decimal.RequireFromString("20000")},
	}
	if err := store.Devices().Register(ctx, a.device); err != nil {
		t.Fatalf("register device: %v", err)
	}
	if err := store.Packages().Create(ctx, a.pkg); err != nil {
		t.Fatalf("create package: %v", err)
	}

	authz, err := policy.New("", zerolog.Nop())
	if err != nil {
		t.Fatalf("policy: %v", err)
	}

	packages := catalog.New(store.Packages(), 16, time.Minute)
	a.router = NewRouter(Deps{
		Sessions:  session.New(store, packages, a.hub, a.clock, zerolog.Nop()),
		Presence:  presence.New(store, a.hub, a.clock, 2*time.Minute, zerolog.Nop()),
		Discovery: discovery.New(store, a.hub, a.clock, discovery.DefaultThresholds(), zerolog.Nop()),
		Expiry:    expiry.New(store, a.hub, a.clock, zerolog.Nop()),
		Devices:   store.Devices(),
		Catalog:   packages,
		Hub:       a.hub,
		Tokens:    a.tokens,
		Policy:    authz,
		Limiter:   limiter,
		Clock:     a.clock,
		Logger:    zerolog.Nop(),
	})
	return a
}

func (a *testAPI) token(t *testing.T, role string) string {
	t.Helper()
	token, err := a.tokens.GenerateToken("u-"+role, role+"-user", role)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t, nil)
	if w := a.do(t, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Fatalf("health = %d", w.Code)
	}
}

func TestPermissionGates(t *testing.T) {
	a := newTestAPI(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		role   string
		want   int
	}{
		{"no token", http.MethodGet, "/api/sessions", "", http.StatusUnauthorized},
		{"cashier views sessions", http.MethodGet, "/api/sessions", "cashier", http.StatusOK},
		{"device cannot view sessions", http.MethodGet, "/api/sessions", "device", http.StatusForbidden},
		{"cashier cannot list devices", http.MethodGet, "/api/devices", "cashier", http.StatusForbidden},
		{"manager lists devices", http.MethodGet, "/api/devices", "manager", http.StatusOK},
		{"admin reads discovery stats", http.MethodGet, "/api/devices/discoveries/stats", "admin", http.StatusOK},
		{"cashier lists packages", http.MethodGet, "/api/packages", "cashier", http.StatusOK},
		{"cashier reads expired", http.MethodGet, "/api/sessions/expired", "cashier", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := ""
			if tt.role != "" {
				token = a.token(t, tt.role)
			}
			w := a.do(t, tt.method, tt.path, token, nil)
			if w.Code != tt.want {
				t.Fatalf("%s %s as %q = %d, want %d: %s", tt.method, tt.path, tt.role, w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestMalformedToken(t *testing.T) {
	a := newTestAPI(t, nil)

	other := NewTokenService("other-secret", time.Hour)
	forged, err := other.GenerateToken("u1", "mallory", "admin")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	w := a.do(t, http.MethodGet, "/api/sessions", forged, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("forged token = %d, want 401", w.Code)
	}
	if got := decode(t, w)["error"]; got != "unauthorized" {
		t.Fatalf("error = %v", got)
	}
}

func TestSessionLifecycle(t *testing.T) {
	a := newTestAPI(t, nil)
	token := a.token(t, "cashier")

	w := a.do(t, http.MethodPost, "/api/sessions", token, map[string]any{
		"device_id":     a.device.ID,
		"package_id":    a.pkg.ID,
		"customer_name": "Rafi",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("start = %d: %s", w.Code, w.Body.String())
	}
	started := decode(t, w)
	id := int64(started["id"].(float64))
	if started["status"] != "active" || started["remaining_minutes"].(float64) != 60 {
		t.Fatalf("unexpected start body %v", started)
	}
	base := "/api/sessions/" + strconv.FormatInt(id, 10)

	a.clock.Advance(10 * time.Minute)
	if w := a.do(t, http.MethodPost, base+"/pause", token, map[string]string{"reason": "prayer_time"}); w.Code != http.StatusOK {
		t.Fatalf("pause = %d: %s", w.Code, w.Body.String())
	}
	w = a.do(t, http.MethodPost, base+"/pause", token, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("second pause = %d, want 409", w.Code)
	}
	if got := decode(t, w)["error"]; got != "invalid_state" {
		t.Fatalf("second pause error = %v", got)
	}

	a.clock.Advance(5 * time.Minute)
	if w := a.do(t, http.MethodPost, base+"/resume", token, nil); w.Code != http.StatusOK {
		t.Fatalf("resume = %d: %s", w.Code, w.Body.String())
	}

	w = a.do(t, http.MethodPost, base+"/add-time", token, map[string]any{
		"additional_minutes": 30,
		"additional_amount":  "10000",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("add time = %d: %s", w.Code, w.Body.String())
	}
	if got := decode(t, w)["duration_minutes"].(float64); got != 90 {
		t.Fatalf("duration = %v, want 90", got)
	}

	w = a.do(t, http.MethodGet, base+"/history", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("history = %d", w.Code)
	}
	if additions := decode(t, w)["additions"].([]any); len(additions) != 2 {
		t.Fatalf("history has %d additions, want 2", len(additions))
	}

	if w := a.do(t, http.MethodPut, base+"/end", token, nil); w.Code != http.StatusOK {
		t.Fatalf("end = %d: %s", w.Code, w.Body.String())
	}
	w = a.do(t, http.MethodPost, base+"/end", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("repeated end = %d, want 200", w.Code)
	}
	if got := decode(t, w)["status"]; got != "completed" {
		t.Fatalf("status = %v, want completed", got)
	}
}

func TestRequestValidation(t *testing.T) {
	a := newTestAPI(t, nil)
	token := a.token(t, "admin")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"start without package", http.MethodPost, "/api/sessions", map[string]any{"device_id": 1}, http.StatusBadRequest},
		{"start bad payment type", http.MethodPost, "/api/sessions", map[string]any{"device_id": 1, "package_id": 1, "payment_type": "barter"}, http.StatusBadRequest},
		{"start unknown device", http.MethodPost, "/api/sessions", map[string]any{"device_id": 999, "package_id": 1}, http.StatusNotFound},
		{"bad session id", http.MethodGet, "/api/sessions/abc", nil, http.StatusBadRequest},
		{"missing session", http.MethodGet, "/api/sessions/42", nil, http.StatusNotFound},
		{"bad status filter", http.MethodGet, "/api/sessions?status=paused", nil, http.StatusBadRequest},
		{"add zero minutes", http.MethodPost, "/api/sessions/1/add-time", map[string]any{"additional_minutes": 0}, http.StatusBadRequest},
		{"bad pause reason", http.MethodPost, "/api/sessions/1/pause", map[string]any{"reason": "lunch"}, http.StatusBadRequest},
		{"empty order", http.MethodPost, "/api/sessions/1/orders", map[string]any{"items": []any{}}, http.StatusBadRequest},
		{"bad cleanup mode", http.MethodPost, "/api/devices/cleanup-discoveries", map[string]any{"mode": "all"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.do(t, tt.method, tt.path, token, tt.body)
			if w.Code != tt.want {
				t.Fatalf("%s %s = %d, want %d: %s", tt.method, tt.path, w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestDiscoverAndHeartbeat(t *testing.T) {
	a := newTestAPI(t, nil)

	announce := map[string]any{"device_id": "tv-02", "device_name": "TV 2", "location": "Lounge"}
	if w := a.do(t, http.MethodPost, "/api/devices/discover", "", announce); w.Code != http.StatusCreated {
		t.Fatalf("first discover = %d: %s", w.Code, w.Body.String())
	}
	w := a.do(t, http.MethodPost, "/api/devices/discover", "", announce)
	if w.Code != http.StatusOK {
		t.Fatalf("repeat discover = %d, want 200", w.Code)
	}
	if decode(t, w)["newly_created"] != false {
		t.Fatalf("repeat discover should not create")
	}

	if w := a.do(t, http.MethodPost, "/api/devices/discover", "", map[string]any{"device_id": "tv-03"}); w.Code != http.StatusBadRequest {
		t.Fatalf("discover without name = %d, want 400", w.Code)
	}

	if w := a.do(t, http.MethodPost, "/api/devices/heartbeat/tv-99", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown heartbeat = %d, want 404", w.Code)
	}
	w = a.do(t, http.MethodPost, "/api/devices/heartbeat/tv-02", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("heartbeat = %d: %s", w.Code, w.Body.String())
	}
	if got := decode(t, w)["status"]; got != "online" {
		t.Fatalf("status = %v, want online", got)
	}
}

func TestActiveSessionForDevice(t *testing.T) {
	a := newTestAPI(t, nil)

	if w := a.do(t, http.MethodGet, "/api/devices/tv-01/active-session", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("no session = %d, want 404", w.Code)
	}

	start := a.do(t, http.MethodPost, "/api/sessions", a.token(t, "cashier"), map[string]any{
		"device_id":  a.device.ID,
		"package_id": a.pkg.ID,
	})
	if start.Code != http.StatusCreated {
		t.Fatalf("start = %d", start.Code)
	}

	a.clock.Advance(15 * time.Minute)
	w := a.do(t, http.MethodGet, "/api/devices/tv-01/active-session", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("active session = %d: %s", w.Code, w.Body.String())
	}
	if got := decode(t, w)["remaining_minutes"].(float64); got != 45 {
		t.Fatalf("remaining = %v, want 45", got)
	}
}

func TestRemoveDeviceWithOpenSession(t *testing.T) {
	a := newTestAPI(t, nil)
	admin := a.token(t, "admin")

	start := a.do(t, http.MethodPost, "/api/sessions", admin, map[string]any{
		"device_id":  a.device.ID,
		"package_id": a.pkg.ID,
	})
	if start.Code != http.StatusCreated {
		t.Fatalf("start = %d", start.Code)
	}

	if w := a.do(t, http.MethodDelete, "/api/devices/tv-01", admin, nil); w.Code != http.StatusConflict {
		t.Fatalf("delete busy device = %d, want 409", w.Code)
	}
}

func TestRateLimit(t *testing.T) {
	a := newTestAPI(t, NewRateLimiter(0.001, 2))

	for i := 0; i < 2; i++ {
		if w := a.do(t, http.MethodPost, "/api/devices/heartbeat/tv-01", "", nil); w.Code != http.StatusOK {
			t.Fatalf("heartbeat %d = %d", i, w.Code)
		}
	}
	w := a.do(t, http.MethodPost, "/api/devices/heartbeat/tv-01", "", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third heartbeat = %d, want 429", w.Code)
	}
	if got := decode(t, w)["error"]; got != "rate_limit_exceeded" {
		t.Fatalf("error = %v", got)
	}

	// Staff routes are not throttled.
	if w := a.do(t, http.MethodGet, "/api/sessions", a.token(t, "admin"), nil); w.Code != http.StatusOK {
		t.Fatalf("staff route = %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORSMiddleware([]string{"https://pos.example"}))
	r.GET("/x", func(ctx *gin.Context) { ctx.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "https://pos.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://pos.example" {
		t.Fatalf("allow origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

func TestDeviceWebsocketReceivesSessionEvents(t *testing.T) {
	a := newTestAPI(t, nil)
	srv := httptest.NewServer(a.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?device=tv-99", nil)
	if err == nil {
		t.Fatal("expected unknown device to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unknown device response = %v", resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?device=tv-01", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for a.hub.RoomSize(realtime.DeviceRoom("tv-01")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("device never joined its room")
		}
		time.Sleep(10 * time.Millisecond)
	}

	start := a.do(t, http.MethodPost, "/api/sessions", a.token(t, "cashier"), map[string]any{
		"device_id":  a.device.ID,
		"package_id": a.pkg.ID,
	})
	if start.Code != http.StatusCreated {
		t.Fatalf("start = %d", start.Code)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event struct {
		Event string `json:"event"`
	}
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.Event != realtime.SessionStarted {
		t.Fatalf("event = %q, want %q", event.Event, realtime.SessionStarted)
	}
}

func TestStaffWebsocketNeedsToken(t *testing.T) {
	a := newTestAPI(t, nil)
	srv := httptest.NewServer(a.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"

	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous staff socket should get 401, got %v", resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+a.token(t, "manager"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()
}
