package traffic

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/HerbHall/subnetgrid/internal/server"
	"github.com/HerbHall/subnetgrid/internal/services"
	"github.com/HerbHall/subnetgrid/pkg/models"
	"github.com/HerbHall/subnetgrid/pkg/plugin"
)

func (p *Plugin) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "POST", Path: "/tests", Handler: p.handleStart},
		{Method: "GET", Path: "/tests", Handler: p.handleListTests},
		{Method: "GET", Path: "/tests/{id}", Handler: p.handleGetTest},
		{Method: "DELETE", Path: "/tests/{id}", Handler: p.handleDismiss},
		{Method: "GET", Path: "/active", Handler: p.handleActive},
		{Method: "GET", Path: "/history", Handler: p.handleHistory},
		{Method: "GET", Path: "/history/{id}", Handler: p.handleHistoryEntry},
		{Method: "POST", Path: "/readiness", Handler: p.handleReadiness},
		{Method: "GET", Path: "/targets", Handler: p.handleTargets},
	}
}

func (p *Plugin) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := server.DecodeJSON(r, &req); err != nil {
		server.WriteError(w, r, err)
		return
	}
	test, err := p.orch.Start(r.Context(), req)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusCreated, test)
}

func (p *Plugin) handleListTests(w http.ResponseWriter, _ *http.Request) {
	server.WriteJSON(w, http.StatusOK, p.orch.Tests())
}

func (p *Plugin) handleGetTest(w http.ResponseWriter, r *http.Request) {
	test, ok := p.orch.Test(r.PathValue("id"))
	if !ok {
		server.NotFound(w, "traffic test "+r.PathValue("id")+" not found", r.URL.Path)
		return
	}
	server.WriteJSON(w, http.StatusOK, test)
}

func (p *Plugin) handleDismiss(w http.ResponseWriter, r *http.Request) {
	if err := p.orch.Dismiss(r.PathValue("id")); err != nil {
		server.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleActive serves the last fetched active list. With refresh=true the
// list is fetched first; a failed fetch still answers with the previous
// list and its error.
func (p *Plugin) handleActive(w http.ResponseWriter, r *http.Request) {
	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
		snap, _ := p.orch.RefreshActive(r.Context())
		server.WriteJSON(w, http.StatusOK, snap)
		return
	}
	server.WriteJSON(w, http.StatusOK, p.orch.ActiveTests())
}

func (p *Plugin) handleHistory(w http.ResponseWriter, r *http.Request) {
	if p.history == nil {
		server.WriteJSON(w, http.StatusOK, services.ListResult[models.TrafficTest]{Items: []models.TrafficTest{}})
		return
	}
	opts, err := server.ListOptions(r)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	result, err := p.history.List(r.Context(), opts)
	if err != nil {
		p.logger.Error("list traffic history", zap.Error(err))
		server.InternalError(w, "failed to list traffic history", r.URL.Path)
		return
	}
	server.WriteJSON(w, http.StatusOK, result)
}

func (p *Plugin) handleHistoryEntry(w http.ResponseWriter, r *http.Request) {
	if p.history == nil {
		server.NotFound(w, "traffic history is not enabled", r.URL.Path)
		return
	}
	test, err := p.history.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, test)
}

type readinessRequest struct {
	IP string `json:"ip"`
}

func (p *Plugin) handleReadiness(w http.ResponseWriter, r *http.Request) {
	var req readinessRequest
	if err := server.DecodeJSON(r, &req); err != nil {
		server.WriteError(w, r, err)
		return
	}
	res, err := p.orch.CheckReadiness(r.Context(), req.IP)
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, res)
}

func (p *Plugin) handleTargets(w http.ResponseWriter, r *http.Request) {
	if p.targets == nil {
		server.WriteJSON(w, http.StatusOK, []string{})
		return
	}
	list, err := p.targets.List()
	if err != nil {
		p.logger.Error("read monitoring targets", zap.Error(err))
		server.InternalError(w, "failed to read monitoring targets", r.URL.Path)
		return
	}
	server.WriteJSON(w, http.StatusOK, list)
}
