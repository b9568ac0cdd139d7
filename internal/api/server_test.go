package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/extrusion.control/internal/db"
	"github.com/banshee-data/extrusion.control/internal/laser"
	"github.com/banshee-data/extrusion.control/internal/machine"
	"github.com/banshee-data/extrusion.control/internal/monitoring"
	"github.com/banshee-data/extrusion.control/internal/namespace"
	"github.com/banshee-data/extrusion.control/internal/timeutil"
	"github.com/banshee-data/extrusion.control/internal/version"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type steadyGauge struct {
	mu  sync.Mutex
	seq uint64
}

func (g *steadyGauge) ReadSnapshot() (laser.Snapshot, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return laser.Snapshot{Diameter: 1.75, Seq: g.seq}, true
}

type testServer struct {
	srv   *Server
	m     *machine.Machine
	hub   *namespace.Hub
	store *db.DB
	mux   *http.ServeMux
}

func newTestServer(t *testing.T, withStore bool) *testServer {
	t.Helper()
	prev := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = prev })

	ts := &testServer{hub: namespace.NewHub()}
	t.Cleanup(ts.hub.Close)

	deps := machine.Deps{
		Laser:     &steadyGauge{},
		Namespace: ts.hub,
		Clock:     timeutil.NewMockClock(t0),
	}
	var changes ChangeLog
	if withStore {
		store, err := db.NewDB(filepath.Join(t.TempDir(), "settings.db"))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		ts.store = store
		deps.Store = store
		changes = store
	}

	m, err := machine.New(nil, deps)
	require.NoError(t, err)
	ts.m = m
	ts.srv = NewServer(m, ts.hub, changes, "mpm")
	ts.mux = ts.srv.ServeMux()
	ts.srv.AttachAdminRoutes(ts.mux)
	return ts
}

func (ts *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) StatusResponse {
	t.Helper()
	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func TestShowStatus(t *testing.T) {
	ts := newTestServer(t, false)
	ts.m.Tick(t0)

	rec := ts.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	resp := decodeStatus(t, rec)
	assert.Equal(t, "mpm", resp.SpeedUnits)
	assert.Equal(t, 1.75, resp.Laser.TargetDiameterMM)
	require.NotNil(t, resp.Live)
	assert.Equal(t, 1.75, resp.Live.DiameterMM)
	assert.Equal(t, 5.0, resp.PullerTarget)
	assert.Equal(t, ts.m.SessionID(), resp.SessionID)
}

func TestShowStatus_Units(t *testing.T) {
	ts := newTestServer(t, false)

	resp := decodeStatus(t, ts.do(t, http.MethodGet, "/api/status?units=mps", ""))
	assert.Equal(t, "mps", resp.SpeedUnits)
	assert.InDelta(t, 5.0/60, resp.PullerTarget, 1e-12)

	rec := ts.do(t, http.MethodGet, "/api/status?units=furlongs", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, false)
	for _, target := range []string{"/api/laser", "/api/regulator", "/api/puller", "/api/extruder"} {
		rec := ts.do(t, http.MethodGet, target, "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, target)
	}
	rec := ts.do(t, http.MethodPost, "/api/status", "{}")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestUpdateLaser(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodPost, "/api/laser", `{"target_diameter_mm": 2.85, "lower_tolerance_mm": 0.1, "min_max_timeframe_minutes": 5}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	status := ts.m.Status()
	assert.Equal(t, 2.85, status.Laser.TargetDiameterMM)
	assert.Equal(t, 0.1, status.Laser.LowerToleranceMM)
	assert.Equal(t, uint64(5), status.Laser.MinMaxTimeframeMinutes)
	assert.Equal(t, 2.85, status.Regulator.TargetDiameter)
}

func TestUpdateLaser_Errors(t *testing.T) {
	ts := newTestServer(t, false)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"negative", `{"target_diameter_mm": -1}`, http.StatusUnprocessableEntity},
		{"timeframe too long", `{"min_max_timeframe_minutes": 99999999}`, http.StatusUnprocessableEntity},
		{"unknown field", `{"diameter": 1.75}`, http.StatusBadRequest},
		{"malformed", `{"target_diameter_mm":`, http.StatusBadRequest},
		{"empty", `{}`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/laser", tc.body)
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}
	assert.Equal(t, 1.75, ts.m.Status().Laser.TargetDiameterMM)
}

func TestUpdate_MixedFieldsAreAllOrNothing(t *testing.T) {
	ts := newTestServer(t, true)

	tests := []struct {
		target string
		body   string
	}{
		{"/api/laser", `{"target_diameter_mm": 2.85, "lower_tolerance_mm": -1}`},
		{"/api/regulator", `{"enabled": true, "strategy": "extruder_only", "tight_tolerance_mm": 0.01, "loose_tolerance_mm": -0.05}`},
		{"/api/puller", `{"enabled": true, "mode": "diameter", "target_speed": -2}`},
	}
	for _, tc := range tests {
		t.Run(tc.target, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, tc.target, tc.body)
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
		})
	}

	status := ts.m.Status()
	assert.Equal(t, 1.75, status.Laser.TargetDiameterMM)
	assert.Equal(t, 1.75, status.Regulator.TargetDiameter)
	assert.False(t, status.Regulator.Enabled)
	assert.Equal(t, "balanced", status.Regulator.StrategyName)
	assert.False(t, status.Puller.Enabled)
	assert.Equal(t, "speed", status.Puller.Mode)

	changes, err := ts.store.RecentChanges(10)
	require.NoError(t, err)
	assert.Empty(t, changes, "nothing is persisted for a rejected update")
}

func TestUpdateRegulator(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodPost, "/api/regulator",
		`{"enabled": true, "strategy": "winder_only", "speed_scale": 1.25, "tight_tolerance_mm": 0.01, "loose_tolerance_mm": 0.04}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	diag := ts.m.Status().Regulator
	assert.True(t, diag.Enabled)
	assert.Equal(t, "winder_only", diag.StrategyName)
	assert.Equal(t, 1.25, diag.SpeedScale)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/regulator", `{"strategy": "sideways"}`).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/regulator", `{"tight_tolerance_mm": 0.01}`).Code)
	assert.Equal(t, http.StatusUnprocessableEntity,
		ts.do(t, http.MethodPost, "/api/regulator", `{"tight_tolerance_mm": -0.01, "loose_tolerance_mm": 0.05}`).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/regulator", `{}`).Code)
}

func TestUpdatePuller(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodPost, "/api/puller?units=mps", `{"enabled": true, "target_speed": 0.1, "mode": "speed", "forward": false}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	p := ts.m.Status().Puller
	assert.True(t, p.Enabled)
	assert.False(t, p.Forward)
	assert.Equal(t, "speed", p.Mode)
	assert.InDelta(t, 6.0, p.TargetSpeedMPM, 1e-9)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/puller", `{"mode": "torque"}`).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, ts.do(t, http.MethodPost, "/api/puller", `{"target_speed": -1}`).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/puller?units=knots", `{"target_speed": 1}`).Code)
}

func TestUpdateExtruder(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodPost, "/api/extruder", `{"rpm": 30}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 30.0, ts.m.Status().ExtruderBaseRPM)

	assert.Equal(t, http.StatusUnprocessableEntity, ts.do(t, http.MethodPost, "/api/extruder", `{"rpm": 500}`).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/extruder", `{}`).Code)
}

func TestListChanges(t *testing.T) {
	ts := newTestServer(t, false)
	assert.Equal(t, http.StatusServiceUnavailable, ts.do(t, http.MethodGet, "/api/settings/history", "").Code)

	ts = newTestServer(t, true)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/extruder", `{"rpm": 12}`).Code)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/laser", `{"target_diameter_mm": 2.85}`).Code)

	rec := ts.do(t, http.MethodGet, "/api/settings/history?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var changes []db.SettingChange
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &changes))
	require.Len(t, changes, 1)
	assert.Equal(t, "target_diameter_mm", changes[0].Field)
	assert.Equal(t, "2.85", changes[0].Value)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/settings/history?limit=0", "").Code)
}

func TestShowConfig(t *testing.T) {
	ts := newTestServer(t, false)
	rec := ts.do(t, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var cfg struct {
		Units        string       `json:"units"`
		TickInterval string       `json:"tick_interval"`
		SessionID    string       `json:"session_id"`
		Version      version.Info `json:"version"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, "mpm", cfg.Units)
	assert.Equal(t, "16ms", cfg.TickInterval)
	assert.NotEmpty(t, cfg.SessionID)
	assert.Equal(t, version.Get(), cfg.Version)
}

func TestNewServer_DefaultsInvalidUnits(t *testing.T) {
	ts := newTestServer(t, false)
	srv := NewServer(ts.m, nil, nil, "parsecs")
	assert.Equal(t, "mpm", srv.units)
}

func TestStreamEvents(t *testing.T) {
	ts := newTestServer(t, false)
	httpSrv := httptest.NewServer(ts.mux)
	defer httpSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpSrv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The cached initial state is replayed before any new emission.
	scanner := bufio.NewScanner(resp.Body)
	var sawState bool
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: State" {
			require.True(t, scanner.Scan())
			data := strings.TrimPrefix(scanner.Text(), "data: ")
			var e struct {
				Kind namespace.Kind  `json:"kind"`
				Data namespace.State `json:"data"`
			}
			require.NoError(t, json.Unmarshal([]byte(data), &e))
			assert.Equal(t, namespace.KindState, e.Kind)
			assert.True(t, e.Data.IsDefaultState)
			sawState = true
			break
		}
	}
	assert.True(t, sawState)
}

func TestStreamEvents_NotConfigured(t *testing.T) {
	ts := newTestServer(t, false)
	srv := NewServer(ts.m, nil, nil, "mpm")
	rec := httptest.NewRecorder()
	srv.streamEvents(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDiameterChart(t *testing.T) {
	ts := newTestServer(t, false)
	for i := 0; i < 50; i++ {
		ts.m.Tick(t0.Add(time.Duration(i) * 16 * time.Millisecond))
	}

	rec := ts.do(t, http.MethodGet, "/debug/diameter-chart?max_points=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "Filament diameter")
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status?units=mps", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Contains(t, buf.String(), "418")
	assert.Contains(t, buf.String(), "/api/status?units=mps")
	assert.Equal(t, "100", statusCodeColor(100))
}
