package discovery

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HerbHall/subnetgrid/internal/testutil"
	"github.com/HerbHall/subnetgrid/pkg/models"
)

func TestDiscover(t *testing.T) {
	fb := testutil.NewFakeBackend(t)
	fb.HandleJSON("GET /api/networks/discover", http.StatusOK, map[string]any{
		"networks": []map[string]any{
			{"subnet": "10.0.0", "interface": "eth0", "ip_address": "10.0.0.2", "gateway": "10.0.0.1", "is_primary": false, "total_ips": 254},
			{"subnet": "192.168.1.", "interface": "eth1", "ip_address": "192.168.1.20", "is_primary": true, "total_ips": 254},
			{"subnet": "fe80::", "interface": "eth2"},
		},
		"count": 3,
	})

	nets, err := New(fb.Client(t), zap.NewNop()).Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, nets, 2)
	assert.Equal(t, "eth0", nets[0].Interface)
	assert.Equal(t, "10.0.0.1", nets[0].Gateway)
	assert.Equal(t, "192.168.1", nets[1].Subnet)

	subnet, ok := Primary(nets)
	assert.True(t, ok)
	assert.Equal(t, "192.168.1", subnet)
}

func TestDiscover_FailuresYieldEmptyList(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    any
		wantErr string
	}{
		{"in-band error", http.StatusOK, map[string]any{"networks": []any{}, "error": "ip command not found"}, "ip command not found"},
		{"non-2xx", http.StatusInternalServerError, map[string]string{"detail": "Discovery failed"}, "Discovery failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := testutil.NewFakeBackend(t)
			fb.HandleJSON("GET /api/networks/discover", tt.status, tt.body)

			nets, err := New(fb.Client(t), nil).Discover(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
			assert.NotNil(t, nets)
			assert.Empty(t, nets)
		})
	}
}

func TestDiscover_Unreachable(t *testing.T) {
	fb := testutil.NewFakeBackend(t)
	client := fb.Client(t)
	fb.Close()

	nets, err := New(client, nil).Discover(context.Background())
	require.Error(t, err)
	assert.Empty(t, nets)
}

func TestPrimary(t *testing.T) {
	_, ok := Primary(nil)
	assert.False(t, ok)

	subnet, ok := Primary([]models.Network{{Subnet: "10.1.1"}, {Subnet: "10.2.2"}})
	assert.True(t, ok)
	assert.Equal(t, "10.1.1", subnet)
}
