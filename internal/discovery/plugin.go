package discovery

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/HerbHall/subnetgrid/internal/server"
	"github.com/HerbHall/subnetgrid/pkg/models"
	"github.com/HerbHall/subnetgrid/pkg/plugin"
)

// PluginName is the plugin name and its route prefix.
const PluginName = "discovery"

var (
	_ plugin.Plugin       = (*Plugin)(nil)
	_ plugin.HTTPProvider = (*Plugin)(nil)
)

// Plugin serves network discovery on the console API.
type Plugin struct {
	client Source
	d      *Discoverer
	logger *zap.Logger
}

// NewPlugin creates the discovery plugin.
func NewPlugin(client Source) *Plugin {
	return &Plugin{client: client}
}

func (p *Plugin) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        PluginName,
		Version:     "0.1.0",
		Description: "Lists subnets visible to the backend host",
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (p *Plugin) Init(_ context.Context, deps plugin.Dependencies) error {
	p.logger = deps.Logger
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	p.d = New(p.client, p.logger)
	return nil
}

func (p *Plugin) Start(_ context.Context) error { return nil }
func (p *Plugin) Stop(_ context.Context) error  { return nil }

func (p *Plugin) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/networks", Handler: p.handleNetworks},
	}
}

// NetworksResponse is the body of GET /networks. Error carries a discovery
// failure; Networks is then empty.
type NetworksResponse struct {
	Networks []models.Network `json:"networks"`
	Count    int              `json:"count"`
	Primary  string           `json:"primary,omitempty"`
	Error    string           `json:"error,omitempty"`
}

func (p *Plugin) handleNetworks(w http.ResponseWriter, r *http.Request) {
	nets, err := p.d.Discover(r.Context())
	resp := NetworksResponse{Networks: nets, Count: len(nets)}
	if err != nil {
		resp.Error = err.Error()
	}
	if primary, ok := Primary(nets); ok {
		resp.Primary = primary
	}
	server.WriteJSON(w, http.StatusOK, resp)
}
