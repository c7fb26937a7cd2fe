package provision

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
	"github.com/HerbHall/subnetgrid/internal/grid"
	"github.com/HerbHall/subnetgrid/internal/testutil"
	"github.com/HerbHall/subnetgrid/pkg/models"
	"github.com/HerbHall/subnetgrid/pkg/plugin"
)

func newGridPlugins(t *testing.T) (*Plugin, *testutil.FakeBackend) {
	t.Helper()
	fb := testutil.NewFakeBackend(t)
	fb.HandleJSON("POST /api/scan", http.StatusOK, map[string]any{
		"subnet": "10.0.0",
		"results": []map[string]any{
			{"ip": "10.0.0.5", "status": "up"},
			{"ip": "10.0.0.40", "status": "down"},
		},
	})
	client := fb.Client(t)

	gv := viper.New()
	gv.Set("subnet", "10.0.0")
	g := grid.New(client, nil)
	require.NoError(t, g.Init(context.Background(), plugin.Dependencies{Config: config.New(gv), Logger: zap.NewNop()}))
	t.Cleanup(func() { _ = g.Stop(context.Background()) })
	require.NoError(t, g.Refresh(context.Background()))

	pv := viper.New()
	pv.Set("bridge", "vmbr1")
	pv.Set("cores", 4)
	p := NewPlugin(client, g)
	require.NoError(t, p.Init(context.Background(), plugin.Dependencies{Config: config.New(pv), Logger: zap.NewNop()}))
	return p, fb
}

func TestPluginInfo_DependsOnGrid(t *testing.T) {
	assert.Equal(t, []string{grid.Name}, NewPlugin(nil, &grid.Plugin{}).Info().Dependencies)
	assert.Empty(t, NewPlugin(nil, nil).Info().Dependencies)
}

func TestPluginInit_ConfigOverridesDefaults(t *testing.T) {
	p, _ := newGridPlugins(t)
	req, err := p.Provisioner().Build(CreateRequest{IPAddress: "10.0.0.40"})
	require.NoError(t, err)
	assert.Equal(t, "vmbr1", req.Bridge)
	assert.Equal(t, 4, req.Cores)
	assert.Equal(t, 2048, req.Memory)
}

func TestHandleCreateVM_RefusesAddressInUse(t *testing.T) {
	p, fb := newGridPlugins(t)

	w := httptest.NewRecorder()
	p.handleCreateVM(w, httptest.NewRequest(http.MethodPost, "/vms", strings.NewReader(`{"ip_address":"10.0.0.5"}`)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, fb.Count(http.MethodPost, "/api/proxmox/create-vm"))
}

func TestHandleCreateVM_CreatesAndRescans(t *testing.T) {
	p, fb := newGridPlugins(t)
	fb.HandleJSON("POST /api/proxmox/create-vm", http.StatusOK, map[string]any{
		"success": true, "vmid": 110, "vm_name": "vm-10-0-0-40", "ip_address": "10.0.0.40",
	})

	w := httptest.NewRecorder()
	p.handleCreateVM(w, httptest.NewRequest(http.MethodPost, "/vms", strings.NewReader(`{"ip_address":"10.0.0.40"}`)))

	require.Equal(t, http.StatusCreated, w.Code)
	var created models.VMCreated
	require.NoError(t, json.NewDecoder(w.Body).Decode(&created))
	assert.Equal(t, 110, created.VMID)
	assert.Equal(t, 2, fb.Count(http.MethodPost, "/api/scan"))
}

func TestHandleStatus_BackendUnavailable(t *testing.T) {
	p, fb := newGridPlugins(t)
	fb.HandleJSON("GET /api/proxmox/status", http.StatusServiceUnavailable, map[string]string{"detail": "Proxmox API not available"})

	w := httptest.NewRecorder()
	p.handleStatus(w, httptest.NewRequest(http.MethodGet, "/status", http.NoBody))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "Proxmox API not available")
}

func TestHandleNextID(t *testing.T) {
	p, fb := newGridPlugins(t)
	fb.HandleJSON("GET /api/proxmox/nextid", http.StatusOK, map[string]any{"next_vmid": 111})

	w := httptest.NewRecorder()
	p.handleNextID(w, httptest.NewRequest(http.MethodGet, "/nextid", http.NoBody))

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"next_vmid":111}`, w.Body.String())
}
