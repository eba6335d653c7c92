package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenSolarCollector/internal/api/websocket"
	"github.com/KevinKickass/OpenSolarCollector/internal/auth"
	"github.com/KevinKickass/OpenSolarCollector/internal/config"
	"github.com/KevinKickass/OpenSolarCollector/internal/interfaces"
	"github.com/KevinKickass/OpenSolarCollector/internal/modbus"
	"github.com/KevinKickass/OpenSolarCollector/internal/profiles"
	"github.com/KevinKickass/OpenSolarCollector/internal/settings"
	"github.com/KevinKickass/OpenSolarCollector/internal/storage"
	"github.com/KevinKickass/OpenSolarCollector/internal/types"
	"go.uber.org/zap/zaptest"
)

type fakeLifecycle struct {
	cfg      *config.Config
	store    storage.Store
	provider *settings.Provider
	loader   *profiles.Loader

	mu      sync.Mutex
	running bool
	status  *modbus.CycleStatus
}

func (f *fakeLifecycle) Config() *config.Config         { return f.cfg }
func (f *fakeLifecycle) Store() storage.Store           { return f.store }
func (f *fakeLifecycle) Settings() *settings.Provider   { return f.provider }
func (f *fakeLifecycle) Profiles() *profiles.Loader     { return f.loader }
func (f *fakeLifecycle) Shutdown(context.Context) error { return nil }
func (f *fakeLifecycle) StopCollector()                 { f.mu.Lock(); f.running = false; f.mu.Unlock() }
func (f *fakeLifecycle) CollectorRunning() bool         { f.mu.Lock(); defer f.mu.Unlock(); return f.running }
func (f *fakeLifecycle) StartCollector() error {
	f.mu.Lock()
	f.running = true
	f.mu.Unlock()
	return nil
}
func (f *fakeLifecycle) GetCurrentStatus() interfaces.SystemStatus {
	return interfaces.SystemStatus{State: "RUNNING", CollectorRunning: f.CollectorRunning()}
}

func (f *fakeLifecycle) CollectorStatus() (modbus.CycleStatus, bool) {
	if f.status == nil {
		return modbus.CycleStatus{}, false
	}
	return *f.status, true
}

const testPassword = "correct horse"

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*Server, *fakeLifecycle) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	store, err := storage.OpenSQLite(ctx, config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "solar.db"),
		BusyTimeout: 5 * time.Second,
	}, logger)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	defaults := settings.DefaultValues()
	if err := settings.Seed(ctx, store, defaults); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	loader, err := profiles.NewLoader([]string{"../../../profiles"})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}

	hash, err := auth.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	cfg := &config.Config{
		Server: config.ServerConfig{HTTPPort: 0},
		Auth:   config.AuthConfig{AdminUser: "admin", AdminPasswordHash: hash, AccessTokenTTL: time.Hour},
	}
	lm := &fakeLifecycle{
		cfg:      cfg,
		store:    store,
		provider: settings.NewProvider(store, defaults, loader.Validator(), logger),
		loader:   loader,
		running:  true,
	}

	s := NewServer(cfg, lm, logger, websocket.NewHub(logger), auth.NewService(cfg.Auth, logger))
	s.now = func() time.Time { return now }
	return s, lm
}

func do(t *testing.T, s *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func login(t *testing.T, s *Server) string {
	t.Helper()
	w := do(t, s, http.MethodPost, "/api/v1/auth/login", "", LoginRequest{Username: "admin", Password: testPassword})
	if w.Code != http.StatusOK {
		t.Fatalf("login: %d %s", w.Code, w.Body.String())
	}
	var resp LoginResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return resp.AccessToken
}

func TestHealthAndLogin(t *testing.T) {
	s, _ := newTestServer(t)

	if w := do(t, s, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"collector_running":true`) {
		t.Fatalf("health: %d %s", w.Code, w.Body.String())
	}

	w := do(t, s, http.MethodPost, "/api/v1/auth/login", "", LoginRequest{Username: "admin", Password: "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: %d", w.Code)
	}
	if login(t, s) == "" {
		t.Fatalf("empty token")
	}
}

func TestLatestAndHistory(t *testing.T) {
	s, lm := newTestServer(t)
	ctx := context.Background()

	w := do(t, s, http.MethodGet, "/api/v1/measurements/latest", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"devices":[]`) {
		t.Fatalf("empty latest: %d %s", w.Code, w.Body.String())
	}

	for i := 0; i < 5; i++ {
		ts := now.Add(time.Duration(i-5) * time.Minute)
		if err := lm.store.Append(ctx, types.Measurement{DeviceID: 1, Timestamp: ts, Power: float64(100 * i)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := lm.store.Append(ctx, types.Measurement{DeviceID: 2, Timestamp: now, Power: 50}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	w = do(t, s, http.MethodGet, "/api/v1/measurements/latest", "", nil)
	var latest struct {
		Devices    []types.Measurement `json:"devices"`
		TotalPower float64             `json:"total_power"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &latest); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(latest.Devices) != 2 || latest.TotalPower != 450 {
		t.Fatalf("unexpected latest: %+v", latest)
	}

	w = do(t, s, http.MethodGet, "/api/v1/devices/1/history?limit=2", "", nil)
	var hist struct {
		Measurements []types.Measurement `json:"measurements"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &hist); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(hist.Measurements) != 2 || hist.Measurements[0].Power != 300 || hist.Measurements[1].Power != 400 {
		t.Fatalf("unexpected history: %+v", hist.Measurements)
	}

	w = do(t, s, http.MethodGet, "/api/v1/devices/1/history?since=150s", "", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &hist); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(hist.Measurements) != 2 {
		t.Fatalf("since filter returned %d rows", len(hist.Measurements))
	}

	for _, path := range []string{
		"/api/v1/devices/0/history",
		"/api/v1/devices/248/history",
		"/api/v1/devices/x/history",
		"/api/v1/devices/1/history?limit=-1",
		"/api/v1/devices/1/history?since=yesterday",
	} {
		if w := do(t, s, http.MethodGet, path, "", nil); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, w.Code)
		}
	}
}

func TestExports(t *testing.T) {
	s, lm := newTestServer(t)
	if err := lm.store.Append(context.Background(), types.Measurement{DeviceID: 3, Timestamp: now, Power: 900}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	w := do(t, s, http.MethodGet, "/api/v1/devices/3/history/export.xlsx", "", nil)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != contentTypeXLSX || !bytes.HasPrefix(w.Body.Bytes(), []byte("PK")) {
		t.Fatalf("xlsx: %d %q", w.Code, w.Header().Get("Content-Type"))
	}
	if !strings.Contains(w.Header().Get("Content-Disposition"), "inverter-3-20260601-120000.xlsx") {
		t.Fatalf("unexpected disposition %q", w.Header().Get("Content-Disposition"))
	}

	w = do(t, s, http.MethodGet, "/api/v1/reports/latest.pdf", "", nil)
	if w.Code != http.StatusOK || !bytes.HasPrefix(w.Body.Bytes(), []byte("%PDF")) {
		t.Fatalf("pdf: %d", w.Code)
	}
}

func TestSettingsRequireAuthAndValidate(t *testing.T) {
	s, lm := newTestServer(t)
	ctx := context.Background()

	ip := "192.168.1.50"
	if w := do(t, s, http.MethodPut, "/api/v1/settings", "", settings.Update{TargetIP: &ip}); w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated write: %d", w.Code)
	}

	token := login(t, s)
	ids := "1-3,7"
	w := do(t, s, http.MethodPut, "/api/v1/settings", token, settings.Update{TargetIP: &ip, DeviceIDs: &ids})
	if w.Code != http.StatusOK {
		t.Fatalf("update: %d %s", w.Code, w.Body.String())
	}
	loaded := lm.provider.Load(ctx)
	if loaded.TargetIP != ip || len(loaded.DeviceIDs) != 4 {
		t.Fatalf("settings not applied: %+v", loaded)
	}

	badIP := "300.1.1.1"
	port := 502
	w = do(t, s, http.MethodPut, "/api/v1/settings", token, settings.Update{TargetIP: &badIP, TargetPort: &port})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid ip: %d", w.Code)
	}
	if got := lm.provider.Load(ctx).TargetIP; got != ip {
		t.Fatalf("rejected update was written: %s", got)
	}

	w = do(t, s, http.MethodGet, "/api/v1/settings", "", nil)
	var view settings.View
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.DeviceIDs != ids {
		t.Fatalf("unexpected view: %+v", view)
	}
}

func TestProfiles(t *testing.T) {
	s, lm := newTestServer(t)
	token := login(t, s)

	w := do(t, s, http.MethodGet, "/api/v1/profiles", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "deye-sun") {
		t.Fatalf("profiles: %d %s", w.Code, w.Body.String())
	}

	if w := do(t, s, http.MethodPost, "/api/v1/settings/profile/deye-sun", token, nil); w.Code != http.StatusOK {
		t.Fatalf("apply: %d %s", w.Code, w.Body.String())
	}
	rm := lm.provider.Load(context.Background()).RegisterMap
	if rm.PowerAddr != 86 || rm.FaultAddr == nil || *rm.FaultAddr != 103 {
		t.Fatalf("profile not applied: %+v", rm)
	}

	if w := do(t, s, http.MethodPost, "/api/v1/settings/profile/unknown", token, nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown profile: %d", w.Code)
	}
}

func TestCollectorCommands(t *testing.T) {
	s, lm := newTestServer(t)
	token := login(t, s)

	w := do(t, s, http.MethodGet, "/api/v1/collector/status", "", nil)
	if !strings.Contains(w.Body.String(), `"last_cycle":null`) {
		t.Fatalf("status before first cycle: %s", w.Body.String())
	}

	if w := do(t, s, http.MethodPost, "/api/v1/collector/command", token, map[string]string{"command": "stop"}); w.Code != http.StatusAccepted {
		t.Fatalf("stop: %d", w.Code)
	}
	if lm.CollectorRunning() {
		t.Fatalf("collector still running")
	}
	if w := do(t, s, http.MethodPost, "/api/v1/collector/command", token, map[string]string{"command": "reboot"}); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown command: %d", w.Code)
	}

	lm.status = &modbus.CycleStatus{CycleID: "c-1", Devices: 2, Stored: 2, GatewayReachable: true}
	w = do(t, s, http.MethodGet, "/api/v1/collector/status", "", nil)
	if !strings.Contains(w.Body.String(), `"c-1"`) || !strings.Contains(w.Body.String(), `"running":false`) {
		t.Fatalf("status after cycle: %s", w.Body.String())
	}

	if w := do(t, s, http.MethodDelete, "/api/v1/measurements", token, nil); w.Code != http.StatusOK {
		t.Fatalf("clear: %d", w.Code)
	}
}
