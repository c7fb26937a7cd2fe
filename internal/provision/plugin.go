package provision

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/HerbHall/subnetgrid/internal/grid"
	"github.com/HerbHall/subnetgrid/internal/records"
	"github.com/HerbHall/subnetgrid/internal/server"
	"github.com/HerbHall/subnetgrid/pkg/plugin"
)

// PluginName is the plugin name and its route prefix.
const PluginName = "provision"

var (
	_ plugin.Plugin       = (*Plugin)(nil)
	_ plugin.HTTPProvider = (*Plugin)(nil)
)

// Plugin exposes VM provisioning. It checks requests against the grid
// plugin's records and re-scans through it after a VM is created.
type Plugin struct {
	client Backend
	grid   *grid.Plugin
	logger *zap.Logger
	prov   *Provisioner
}

// NewPlugin creates the provisioning plugin. g may be nil, in which case
// addresses are not checked against the grid.
func NewPlugin(client Backend, g *grid.Plugin) *Plugin {
	return &Plugin{client: client, grid: g}
}

func (p *Plugin) Info() plugin.PluginInfo {
	info := plugin.PluginInfo{
		Name:        PluginName,
		Version:     "0.1.0",
		Description: "VM provisioning on grid addresses",
		APIVersion:  plugin.APIVersionCurrent,
	}
	if p.grid != nil {
		info.Dependencies = []string{grid.Name}
	}
	return info
}

func (p *Plugin) Init(_ context.Context, deps plugin.Dependencies) error {
	p.logger = deps.Logger
	if p.logger == nil {
		p.logger = zap.NewNop()
	}

	defaults := DefaultDefaults()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&defaults); err != nil {
			return fmt.Errorf("provision defaults: %w", err)
		}
	}

	var (
		store     *records.Store
		refresher Refresher
	)
	if p.grid != nil {
		store = p.grid.Records()
		refresher = p.grid
	}
	p.prov = New(p.client, store, refresher, deps.Bus, defaults, p.logger)

	p.logger.Info("provision module initialized",
		zap.String("bridge", defaults.Bridge),
		zap.Int("cores", defaults.Cores),
		zap.Int("memory", defaults.Memory),
	)
	return nil
}

func (p *Plugin) Start(_ context.Context) error { return nil }
func (p *Plugin) Stop(_ context.Context) error  { return nil }

// Provisioner returns the provisioner. Valid after Init.
func (p *Plugin) Provisioner() *Provisioner { return p.prov }

func (p *Plugin) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/status", Handler: p.handleStatus},
		{Method: "GET", Path: "/templates", Handler: p.handleTemplates},
		{Method: "GET", Path: "/nextid", Handler: p.handleNextID},
		{Method: "POST", Path: "/vms", Handler: p.handleCreateVM},
	}
}

func (p *Plugin) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := p.prov.Status(r.Context())
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, st)
}

func (p *Plugin) handleTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := p.prov.Templates(r.Context())
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, map[string]any{"templates": list, "count": len(list)})
}

func (p *Plugin) handleNextID(w http.ResponseWriter, r *http.Request) {
	id, err := p.prov.NextVMID(r.Context())
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, map[string]int{"next_vmid": id})
}

func (p *Plugin) handleCreateVM(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := server.DecodeJSON(r, &req); err != nil {
		server.WriteError(w, r, err)
		return
	}
	created, err := p.prov.CreateVM(r.Context(), req)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusCreated, created)
}
