package grid

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HerbHall/subnetgrid/internal/config"
	"github.com/HerbHall/subnetgrid/internal/mutation"
	"github.com/HerbHall/subnetgrid/internal/registry"
	"github.com/HerbHall/subnetgrid/internal/scan"
	"github.com/HerbHall/subnetgrid/internal/server"
	"github.com/HerbHall/subnetgrid/internal/services"
	"github.com/HerbHall/subnetgrid/internal/testutil"
	"github.com/HerbHall/subnetgrid/pkg/models"
	"github.com/HerbHall/subnetgrid/pkg/plugin"
)

func newTestPlugin(t *testing.T) (*Plugin, *testutil.FakeBackend, *testutil.MockBus) {
	t.Helper()
	fb := testutil.NewFakeBackend(t)
	bus := testutil.NewMockBus()

	v := viper.New()
	v.Set("subnet", "10.0.0")
	v.Set("auto_refresh_interval", "30s")

	p := New(fb.Client(t), nil)
	err := p.Init(context.Background(), plugin.Dependencies{
		Config: config.New(v),
		Logger: zap.NewNop(),
		Bus:    bus,
		Store:  testutil.NewStore(t),
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	return p, fb, bus
}

func scanResponse(recs ...map[string]any) map[string]any {
	if recs == nil {
		recs = []map[string]any{}
	}
	return map[string]any{"subnet": "10.0.0", "scan_time": 1.5, "results": recs}
}

func seedScan(t *testing.T, p *Plugin, fb *testutil.FakeBackend, recs ...map[string]any) {
	t.Helper()
	fb.HandleJSON("POST /api/scan", http.StatusOK, scanResponse(recs...))
	_, err := p.Coordinator().StartScan(context.Background())
	require.NoError(t, err)
}

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) server.Problem {
	t.Helper()
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	var prob server.Problem
	require.NoError(t, json.NewDecoder(w.Body).Decode(&prob))
	return prob
}

func TestInit_SelectsConfiguredSubnet(t *testing.T) {
	p, _, _ := newTestPlugin(t)
	assert.Equal(t, "10.0.0", p.Records().Subnet())
	assert.Equal(t, "healthy", p.Health(context.Background()).Status)
}

func TestHandleSnapshot_Filter(t *testing.T) {
	p, fb, _ := newTestPlugin(t)
	seedScan(t, p, fb,
		map[string]any{"ip": "10.0.0.5", "status": "up"},
		map[string]any{"ip": "10.0.0.6", "status": "down"},
	)

	req := httptest.NewRequest(http.MethodGet, "/?filter=up", http.NoBody)
	w := httptest.NewRecorder()
	p.handleSnapshot(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var snap Snapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&snap))
	assert.Equal(t, "10.0.0", snap.Subnet)
	assert.Equal(t, 256, snap.Counts.Total)
	assert.Equal(t, 1, snap.Counts.Up)
	assert.Equal(t, 1, snap.Counts.Down)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, "10.0.0.5", snap.Records[0].IP)
	assert.Equal(t, 100, snap.Status.Progress)
}

func TestHandleSnapshot_InvalidFilter(t *testing.T) {
	p, _, _ := newTestPlugin(t)

	req := httptest.NewRequest(http.MethodGet, "/?filter=bogus", http.NoBody)
	w := httptest.NewRecorder()
	p.handleSnapshot(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleScan_LogsToScanLog(t *testing.T) {
	p, fb, bus := newTestPlugin(t)
	fb.HandleJSON("POST /api/scan", http.StatusOK, scanResponse(map[string]any{"ip": "10.0.0.5", "status": "up"}))

	w := httptest.NewRecorder()
	p.handleScan(w, httptest.NewRequest(http.MethodPost, "/scan", http.NoBody))
	require.Equal(t, http.StatusOK, w.Code)

	var res models.ScanResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, 1, res.Active)
	assert.True(t, bus.HasTopic(scan.TopicScanCompleted))

	w = httptest.NewRecorder()
	p.handleListScans(w, httptest.NewRequest(http.MethodGet, "/scans?limit=10", http.NoBody))
	require.Equal(t, http.StatusOK, w.Code)
	var list services.ListResult[models.ScanResult]
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "completed", list.Items[0].Status)
}

func TestHandleScan_BackendFailureIsBadGateway(t *testing.T) {
	p, fb, _ := newTestPlugin(t)
	fb.HandleJSON("POST /api/scan", http.StatusInternalServerError, map[string]string{"detail": "nmap not installed"})

	w := httptest.NewRecorder()
	p.handleScan(w, httptest.NewRequest(http.MethodPost, "/scan", http.NoBody))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "nmap not installed", decodeProblem(t, w).Detail)
}

func TestHandleRelease_RequiresConfirm(t *testing.T) {
	p, fb, _ := newTestPlugin(t)
	seedScan(t, p, fb, map[string]any{"ip": "10.0.0.5", "status": "reserved", "is_reserved": true})
	before := len(fb.Requests())

	req := httptest.NewRequest(http.MethodPost, "/nodes/10.0.0.5/release", http.NoBody)
	req.SetPathValue("ip", "10.0.0.5")
	w := httptest.NewRecorder()
	p.handleRelease(w, req)

	assert.Equal(t, http.StatusPreconditionRequired, w.Code)
	assert.Len(t, fb.Requests(), before, "declined release must not reach the backend")
}

func TestHandleRelease_Confirmed(t *testing.T) {
	p, fb, _ := newTestPlugin(t)
	seedScan(t, p, fb, map[string]any{"ip": "10.0.0.5", "status": "reserved", "is_reserved": true})
	fb.HandleJSON("POST /api/release/{ip}", http.StatusOK, map[string]string{"status": "success"})
	fb.HandleJSON("POST /api/scan", http.StatusOK, scanResponse(map[string]any{"ip": "10.0.0.5", "status": "down"}))

	req := httptest.NewRequest(http.MethodPost, "/nodes/10.0.0.5/release?confirm=true", http.NoBody)
	req.SetPathValue("ip", "10.0.0.5")
	w := httptest.NewRecorder()
	p.handleRelease(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var rec models.AddressRecord
	require.NoError(t, json.NewDecoder(w.Body).Decode(&rec))
	assert.Equal(t, models.StatusDown, rec.Status)
	assert.Equal(t, 1, fb.Count(http.MethodPost, "/api/release/10.0.0.5"))
}

func TestHandleReserve_ValidationNeverReachesBackend(t *testing.T) {
	p, fb, _ := newTestPlugin(t)

	req := httptest.NewRequest(http.MethodPost, "/nodes/10.0.0.5/reserve", strings.NewReader(`{"reserved_for":""}`))
	req.SetPathValue("ip", "10.0.0.5")
	w := httptest.NewRecorder()
	p.handleReserve(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, fb.Requests())
}

func TestHandleReserve_BackendDetailVerbatim(t *testing.T) {
	p, fb, _ := newTestPlugin(t)
	fb.HandleJSON("POST /api/reserve", http.StatusBadRequest, map[string]string{"detail": "IP 10.0.0.5 is already reserved"})

	req := httptest.NewRequest(http.MethodPost, "/nodes/10.0.0.5/reserve", strings.NewReader(`{"reserved_for":"db"}`))
	req.SetPathValue("ip", "10.0.0.5")
	w := httptest.NewRecorder()
	p.handleReserve(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "IP 10.0.0.5 is already reserved", decodeProblem(t, w).Detail)
	assert.Zero(t, fb.Count(http.MethodPost, "/api/scan"), "failed reserve must not trigger a rescan")
}

func TestHandleReserve_UnknownField(t *testing.T) {
	p, _, _ := newTestPlugin(t)

	req := httptest.NewRequest(http.MethodPost, "/nodes/10.0.0.5/reserve", strings.NewReader(`{"reserved_for":"db","color":"red"}`))
	req.SetPathValue("ip", "10.0.0.5")
	w := httptest.NewRecorder()
	p.handleReserve(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleNodeDetail_UnknownAddress(t *testing.T) {
	p, fb, _ := newTestPlugin(t)

	req := httptest.NewRequest(http.MethodGet, "/nodes/10.0.0.77", http.NoBody)
	req.SetPathValue("ip", "10.0.0.77")
	w := httptest.NewRecorder()
	p.handleNodeDetail(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, fb.Requests())
}

func TestHandleClearNetwork(t *testing.T) {
	p, fb, bus := newTestPlugin(t)
	seedScan(t, p, fb, map[string]any{"ip": "10.0.0.5", "status": "up"})
	fb.HandleJSON("DELETE /api/network/clear/{subnet}", http.StatusOK, map[string]any{"success": true, "subnet": "10.0.0", "nodes_deleted": 1})

	req := httptest.NewRequest(http.MethodDelete, "/networks/10.0.0", http.NoBody)
	req.SetPathValue("subnet", "10.0.0")
	w := httptest.NewRecorder()
	p.handleClearNetwork(w, req)
	assert.Equal(t, http.StatusPreconditionRequired, w.Code)
	assert.Equal(t, 1, p.Records().Len())

	req = httptest.NewRequest(http.MethodDelete, "/networks/10.0.0?confirm=1", http.NoBody)
	req.SetPathValue("subnet", "10.0.0")
	w = httptest.NewRecorder()
	p.handleClearNetwork(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, p.Records().Len())
	assert.True(t, bus.HasTopic(mutation.TopicNetworkCleared))
}

func TestHandleAutoRefresh(t *testing.T) {
	p, _, _ := newTestPlugin(t)

	req := httptest.NewRequest(http.MethodPut, "/auto-refresh", strings.NewReader(`{"enabled":true,"interval":"1m"}`))
	w := httptest.NewRecorder()
	p.handleAutoRefresh(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var st scan.Status
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	assert.True(t, st.AutoRefresh)
	assert.Equal(t, "1m0s", st.AutoRefreshInterval)

	req = httptest.NewRequest(http.MethodPut, "/auto-refresh", strings.NewReader(`{"enabled":true,"interval":"soon"}`))
	w = httptest.NewRecorder()
	p.handleAutoRefresh(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest(http.MethodPut, "/auto-refresh", strings.NewReader(`{"enabled":false}`))
	w = httptest.NewRecorder()
	p.handleAutoRefresh(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, p.Coordinator().Status().AutoRefresh)
}

func TestHandleExport_CSV(t *testing.T) {
	p, fb, _ := newTestPlugin(t)
	seedScan(t, p, fb, map[string]any{"ip": "10.0.0.5", "status": "up", "hostname": "nas"})

	w := httptest.NewRecorder()
	p.handleExport(w, httptest.NewRequest(http.MethodGet, "/export?filter=up", http.NoBody))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "nas")
}

func TestRoutesMountedUnderPluginPrefix(t *testing.T) {
	p, fb, _ := newTestPlugin(t)
	seedScan(t, p, fb, map[string]any{"ip": "10.0.0.5", "status": "up"})

	reg := registry.New(zap.NewNop())
	require.NoError(t, reg.Register(p))
	require.NoError(t, reg.Validate())
	srv := server.New("127.0.0.1:0", reg, zap.NewNop())

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/grid/?filter=up", http.NoBody))
	require.Equal(t, http.StatusOK, w.Code)
	var snap Snapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&snap))
	assert.Len(t, snap.Records, 1)

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", http.NoBody))
	require.Equal(t, http.StatusOK, w.Code)
	var health struct {
		Status  string                         `json:"status"`
		Plugins map[string]plugin.HealthStatus `json:"plugins"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "healthy", health.Plugins[Name].Status)
}

func TestSelectSubnet_RememberedAcrossRestart(t *testing.T) {
	fb := testutil.NewFakeBackend(t)
	store := testutil.NewStore(t)
	deps := plugin.Dependencies{
		Config: config.New(viper.New()),
		Logger: zap.NewNop(),
		Store:  store,
	}

	first := New(fb.Client(t), nil)
	require.NoError(t, first.Init(context.Background(), deps))
	assert.Empty(t, first.Records().Subnet())

	req := httptest.NewRequest(http.MethodPut, "/subnet", strings.NewReader(`{"subnet":"192.168.7"}`))
	w := httptest.NewRecorder()
	first.handleSelectSubnet(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, first.Stop(context.Background()))

	second := New(fb.Client(t), nil)
	require.NoError(t, second.Init(context.Background(), deps))
	t.Cleanup(func() { _ = second.Stop(context.Background()) })
	assert.Equal(t, "192.168.7", second.Records().Subnet())
}

func TestSelectSubnet_ConfigWinsOverRemembered(t *testing.T) {
	fb := testutil.NewFakeBackend(t)
	store := testutil.NewStore(t)

	repo, err := services.NewSQLiteSettingsRepository(context.Background(), store)
	require.NoError(t, err)
	require.NoError(t, repo.Set(context.Background(), subnetSetting, "192.168.7"))

	v := viper.New()
	v.Set("subnet", "10.0.0")
	p := New(fb.Client(t), nil)
	require.NoError(t, p.Init(context.Background(), plugin.Dependencies{
		Config: config.New(v),
		Logger: zap.NewNop(),
		Store:  store,
	}))
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	assert.Equal(t, "10.0.0", p.Records().Subnet())
}
