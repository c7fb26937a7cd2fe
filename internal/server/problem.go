package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/HerbHall/subnetgrid/internal/backend"
	"github.com/HerbHall/subnetgrid/internal/detail"
	"github.com/HerbHall/subnetgrid/internal/records"
	"github.com/HerbHall/subnetgrid/internal/scan"
	"github.com/HerbHall/subnetgrid/internal/services"
)

// Problem types for RFC 7807 Problem Details responses.
const (
	ProblemTypeNotFound       = "https://subnetgrid.dev/problems/not-found"
	ProblemTypeBadRequest     = "https://subnetgrid.dev/problems/bad-request"
	ProblemTypeInternal       = "https://subnetgrid.dev/problems/internal-error"
	ProblemTypeConflict       = "https://subnetgrid.dev/problems/conflict"
	ProblemTypeNotConfirmed   = "https://subnetgrid.dev/problems/confirmation-required"
	ProblemTypeBackend        = "https://subnetgrid.dev/problems/backend"
	ProblemTypeBackendOffline = "https://subnetgrid.dev/problems/backend-unreachable"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// WriteProblem writes an RFC 7807 Problem Details JSON response.
func WriteProblem(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// NotFound writes a 404 problem response.
func NotFound(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeNotFound,
		Title:    "Not Found",
		Status:   http.StatusNotFound,
		Detail:   detail,
		Instance: instance,
	})
}

// BadRequest writes a 400 problem response.
func BadRequest(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeBadRequest,
		Title:    "Bad Request",
		Status:   http.StatusBadRequest,
		Detail:   detail,
		Instance: instance,
	})
}

// InternalError writes a 500 problem response.
func InternalError(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeInternal,
		Title:    "Internal Server Error",
		Status:   http.StatusInternalServerError,
		Detail:   detail,
		Instance: instance,
	})
}

// Conflict writes a 409 problem response.
func Conflict(w http.ResponseWriter, detail, instance string) {
	WriteProblem(w, Problem{
		Type:     ProblemTypeConflict,
		Title:    "Conflict",
		Status:   http.StatusConflict,
		Detail:   detail,
		Instance: instance,
	})
}

// ProblemFor maps err onto a problem document. Backend rejections keep
// their detail text verbatim; client errors from the backend keep their
// status code and everything else becomes 502.
func ProblemFor(err error, instance string) Problem {
	p := Problem{Detail: err.Error(), Instance: instance}

	var (
		apiErr       *backend.APIError
		transportErr *backend.TransportError
	)
	switch {
	case backend.IsValidation(err):
		p.Type, p.Status = ProblemTypeBadRequest, http.StatusBadRequest
	case errors.Is(err, backend.ErrNotConfirmed):
		p.Type, p.Status = ProblemTypeNotConfirmed, http.StatusPreconditionRequired
	case errors.Is(err, scan.ErrScanInProgress),
		errors.Is(err, scan.ErrSubnetChanged),
		errors.Is(err, records.ErrNoSubnet),
		errors.Is(err, records.ErrOutsideSubnet):
		p.Type, p.Status = ProblemTypeConflict, http.StatusConflict
	case errors.Is(err, detail.ErrUnknownAddress),
		errors.Is(err, services.ErrNotFound):
		p.Type, p.Status = ProblemTypeNotFound, http.StatusNotFound
	case errors.As(err, &apiErr):
		p.Type, p.Status = ProblemTypeBackend, http.StatusBadGateway
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			p.Status = apiErr.StatusCode
		}
	case errors.As(err, &transportErr):
		p.Type, p.Status = ProblemTypeBackendOffline, http.StatusBadGateway
	default:
		p.Type, p.Status = ProblemTypeInternal, http.StatusInternalServerError
	}
	p.Title = http.StatusText(p.Status)
	return p
}

// WriteError writes the problem document for err.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	WriteProblem(w, ProblemFor(err, r.URL.Path))
}
