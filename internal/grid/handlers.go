package grid

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/subnetgrid/internal/backend"
	"github.com/HerbHall/subnetgrid/internal/mutation"
	"github.com/HerbHall/subnetgrid/internal/records"
	"github.com/HerbHall/subnetgrid/internal/scan"
	"github.com/HerbHall/subnetgrid/internal/server"
	"github.com/HerbHall/subnetgrid/internal/services"
	"github.com/HerbHall/subnetgrid/pkg/models"
	"github.com/HerbHall/subnetgrid/pkg/plugin"
)

func (p *Plugin) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/{$}", Handler: p.handleSnapshot},
		{Method: "GET", Path: "/export", Handler: p.handleExport},
		{Method: "PUT", Path: "/subnet", Handler: p.handleSelectSubnet},
		{Method: "POST", Path: "/scan", Handler: p.handleScan},
		{Method: "PUT", Path: "/auto-refresh", Handler: p.handleAutoRefresh},
		{Method: "GET", Path: "/scans", Handler: p.handleListScans},
		{Method: "GET", Path: "/nodes/{ip}", Handler: p.handleNodeDetail},
		{Method: "POST", Path: "/nodes/{ip}/reserve", Handler: p.handleReserve},
		{Method: "POST", Path: "/nodes/{ip}/release", Handler: p.handleRelease},
		{Method: "PUT", Path: "/nodes/{ip}/notes", Handler: p.handleNotes},
		{Method: "DELETE", Path: "/networks/{subnet}", Handler: p.handleClearNetwork},
		{Method: "POST", Path: "/networks/{subnet}/reset-status", Handler: p.handleResetStatus},
	}
}

// Snapshot is the grid view served to the console.
type Snapshot struct {
	Subnet  string                 `json:"subnet"`
	Filter  records.Filter         `json:"filter"`
	Counts  records.Counts         `json:"counts"`
	Status  scan.Status            `json:"status"`
	Records []models.AddressRecord `json:"records"`
}

func (p *Plugin) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	filter, err := records.ParseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		server.BadRequest(w, err.Error(), r.URL.Path)
		return
	}
	server.WriteJSON(w, http.StatusOK, Snapshot{
		Subnet:  p.store.Subnet(),
		Filter:  filter,
		Counts:  p.store.Counts(),
		Status:  p.coordinator.Status(),
		Records: p.store.List(filter),
	})
}

func (p *Plugin) handleExport(w http.ResponseWriter, r *http.Request) {
	filter, err := records.ParseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		server.BadRequest(w, err.Error(), r.URL.Path)
		return
	}
	subnet := p.store.Subnet()
	if subnet == "" {
		server.WriteError(w, r, records.ErrNoSubnet)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="grid-`+subnet+`.csv"`)
	if err := records.WriteCSV(w, p.store.List(filter)); err != nil {
		p.logger.Warn("csv export failed", zap.Error(err))
	}
}

type selectSubnetRequest struct {
	Subnet string `json:"subnet"`
}

func (p *Plugin) handleSelectSubnet(w http.ResponseWriter, r *http.Request) {
	var req selectSubnetRequest
	if err := server.DecodeJSON(r, &req); err != nil {
		server.WriteError(w, r, err)
		return
	}
	if err := p.SelectSubnet(r.Context(), req.Subnet); err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, p.coordinator.Status())
}

func (p *Plugin) handleScan(w http.ResponseWriter, r *http.Request) {
	result, err := p.coordinator.StartScan(r.Context())
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, result)
}

type autoRefreshRequest struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"`
}

func (p *Plugin) handleAutoRefresh(w http.ResponseWriter, r *http.Request) {
	var req autoRefreshRequest
	if err := server.DecodeJSON(r, &req); err != nil {
		server.WriteError(w, r, err)
		return
	}
	if !req.Enabled {
		p.coordinator.DisableAutoRefresh()
		server.WriteJSON(w, http.StatusOK, p.coordinator.Status())
		return
	}

	interval := p.autoRefreshInterval
	if req.Interval != "" {
		d, err := time.ParseDuration(req.Interval)
		if err != nil {
			server.WriteError(w, r, &backend.ValidationError{Field: "interval", Reason: err.Error()})
			return
		}
		interval = d
	}
	if err := p.coordinator.EnableAutoRefresh(interval); err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, p.coordinator.Status())
}

func (p *Plugin) handleListScans(w http.ResponseWriter, r *http.Request) {
	if p.scanLog == nil {
		server.WriteJSON(w, http.StatusOK, services.ListResult[models.ScanResult]{Items: []models.ScanResult{}})
		return
	}
	opts, err := server.ListOptions(r)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	result, err := p.scanLog.List(r.Context(), opts)
	if err != nil {
		p.logger.Error("list scans", zap.Error(err))
		server.InternalError(w, "failed to list scans", r.URL.Path)
		return
	}
	server.WriteJSON(w, http.StatusOK, result)
}

func (p *Plugin) handleNodeDetail(w http.ResponseWriter, r *http.Request) {
	d, err := p.fetcher.FetchDetail(r.Context(), r.PathValue("ip"))
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, d)
}

type reserveBody struct {
	ReservedFor string `json:"reserved_for"`
	Description string `json:"description"`
	ReservedBy  string `json:"reserved_by"`
}

func (p *Plugin) handleReserve(w http.ResponseWriter, r *http.Request) {
	var body reserveBody
	if err := server.DecodeJSON(r, &body); err != nil {
		server.WriteError(w, r, err)
		return
	}
	ip := r.PathValue("ip")
	err := p.gateway.Reserve(r.Context(), mutation.ReserveRequest{
		IP:          ip,
		ReservedFor: body.ReservedFor,
		Description: body.Description,
		ReservedBy:  body.ReservedBy,
	})
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	p.writeRecord(w, ip)
}

func (p *Plugin) handleRelease(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")
	if err := p.gateway.Release(r.Context(), ip, queryConfirmer(r)); err != nil {
		server.WriteError(w, r, err)
		return
	}
	p.writeRecord(w, ip)
}

type notesBody struct {
	Notes string `json:"notes"`
}

func (p *Plugin) handleNotes(w http.ResponseWriter, r *http.Request) {
	var body notesBody
	if err := server.DecodeJSON(r, &body); err != nil {
		server.WriteError(w, r, err)
		return
	}
	ip := r.PathValue("ip")
	if err := p.gateway.UpdateNotes(r.Context(), ip, body.Notes); err != nil {
		server.WriteError(w, r, err)
		return
	}
	p.writeRecord(w, ip)
}

func (p *Plugin) handleClearNetwork(w http.ResponseWriter, r *http.Request) {
	res, err := p.gateway.ClearNetwork(r.Context(), r.PathValue("subnet"), queryConfirmer(r))
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, res)
}

func (p *Plugin) handleResetStatus(w http.ResponseWriter, r *http.Request) {
	res, err := p.gateway.ResetStatus(r.Context(), r.PathValue("subnet"))
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, res)
}

// writeRecord answers a mutation with the record as it stands after the
// follow-up scan, or 204 when the address is not in the grid.
func (p *Plugin) writeRecord(w http.ResponseWriter, ip string) {
	rec, ok := p.store.Get(ip)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	server.WriteJSON(w, http.StatusOK, rec)
}

// queryConfirmer approves destructive actions only with ?confirm=true.
func queryConfirmer(r *http.Request) mutation.Confirmer {
	ok := server.Confirmed(r)
	return mutation.ConfirmFunc(func(context.Context, string) bool { return ok })
}
