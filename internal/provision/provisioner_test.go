package provision

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HerbHall/subnetgrid/internal/backend"
	"github.com/HerbHall/subnetgrid/internal/records"
	"github.com/HerbHall/subnetgrid/internal/testutil"
	"github.com/HerbHall/subnetgrid/pkg/models"
)

type refresher struct{ calls atomic.Int32 }

func (r *refresher) Refresh(context.Context) error {
	r.calls.Add(1)
	return nil
}

func setup(t *testing.T) (*Provisioner, *testutil.FakeBackend, *refresher, *testutil.MockBus) {
	t.Helper()
	fb := testutil.NewFakeBackend(t)
	store := records.NewStore(zap.NewNop())
	require.NoError(t, store.Reset("10.0.0"))
	_, err := store.ReplaceAll([]models.AddressRecord{
		testutil.NewRecord(testutil.WithIP("10.0.0.5"), testutil.WithStatus(models.StatusUp)),
		testutil.NewRecord(testutil.WithIP("10.0.0.40"), testutil.WithStatus(models.StatusDown)),
	})
	require.NoError(t, err)
	r := &refresher{}
	bus := testutil.NewMockBus()
	return New(fb.Client(t), store, r, bus, DefaultDefaults(), zap.NewNop()), fb, r, bus
}

func TestBuild_FillsDefaults(t *testing.T) {
	p, _, _, _ := setup(t)
	off := false
	tmpl := 9000

	req, err := p.Build(CreateRequest{IPAddress: "10.0.0.40", Memory: 4096, TemplateID: &tmpl, StartVM: &off})
	require.NoError(t, err)
	assert.Equal(t, models.VMRequest{
		IPAddress:  "10.0.0.40",
		VMName:     "vm-10-0-0-40",
		Cores:      2,
		Memory:     4096,
		DiskSize:   32,
		TemplateID: &tmpl,
		StartVM:    false,
		Bridge:     "vmbr0",
		Gateway:    "192.168.0.1",
		Nameserver: "8.8.8.8",
	}, req)
}

func TestBuild_Rejections(t *testing.T) {
	p, _, _, _ := setup(t)
	for name, ip := range map[string]string{"missing": "", "malformed": "10.0.0", "in use": "10.0.0.5"} {
		_, err := p.Build(CreateRequest{IPAddress: ip})
		assert.True(t, backend.IsValidation(err), name)
	}
}

func TestCreateVM_RefusedAddressNeverReachesNetwork(t *testing.T) {
	p, fb, r, _ := setup(t)
	_, err := p.CreateVM(context.Background(), CreateRequest{IPAddress: "10.0.0.5"})
	require.Error(t, err)
	assert.Empty(t, fb.Requests())
	assert.Zero(t, r.calls.Load())
}

func TestCreateVM_SendsRequestAndRefreshes(t *testing.T) {
	p, fb, r, bus := setup(t)
	fb.HandleJSON("POST /api/proxmox/create-vm", http.StatusOK, map[string]any{
		"success": true, "vmid": 105, "vm_name": "vm-10-0-0-40", "ip_address": "10.0.0.40",
		"message": "VM vm-10-0-0-40 created successfully with ID 105",
	})

	created, err := p.CreateVM(context.Background(), CreateRequest{IPAddress: "10.0.0.40"})
	require.NoError(t, err)
	assert.Equal(t, 105, created.VMID)

	var body map[string]any
	fb.Requests()[0].Decode(t, &body)
	assert.Equal(t, "vm-10-0-0-40", body["vm_name"])
	assert.Nil(t, body["template_id"])
	assert.Equal(t, true, body["start_vm"])
	assert.EqualValues(t, 1, r.calls.Load())
	assert.True(t, bus.HasTopic(TopicVMCreated))
}

func TestCreateVM_BackendDetailVerbatim(t *testing.T) {
	p, fb, r, _ := setup(t)
	fb.HandleJSON("POST /api/proxmox/create-vm", http.StatusInternalServerError, map[string]string{"detail": "Proxmox API not available"})

	_, err := p.CreateVM(context.Background(), CreateRequest{IPAddress: "10.0.0.40"})
	require.Error(t, err)
	assert.Equal(t, "Proxmox API not available", err.Error())
	assert.Zero(t, r.calls.Load())
}

func TestTemplatesAndStatus(t *testing.T) {
	p, fb, _, _ := setup(t)
	fb.HandleJSON("GET /api/proxmox/templates", http.StatusOK, map[string]any{
		"templates": []map[string]any{{"vmid": 9000, "name": "ubuntu-22.04", "type": "qemu", "status": "stopped"}},
		"count":     1,
	})
	fb.HandleJSON("GET /api/proxmox/status", http.StatusOK, map[string]any{"connected": true, "host": "pve", "node": "pve1", "version": "8.1"})
	fb.HandleJSON("GET /api/proxmox/nextid", http.StatusOK, map[string]any{"next_vmid": 106})

	tmpls, err := p.Templates(context.Background())
	require.NoError(t, err)
	require.Len(t, tmpls, 1)
	assert.Equal(t, 9000, tmpls[0].VMID)

	st, err := p.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Connected)
	assert.Equal(t, "pve1", st.Node)

	id, err := p.NextVMID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 106, id)
}
