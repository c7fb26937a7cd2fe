package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/HerbHall/subnetgrid/internal/backend"
	"github.com/HerbHall/subnetgrid/internal/services"
)

const maxBodyBytes = 1 << 20

// DecodeJSON decodes the request body into v. Unknown fields are rejected
// and failures come back as validation errors.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return &backend.ValidationError{Field: "body", Reason: "empty request body"}
		}
		return &backend.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

// Confirmed reports whether the request carries confirm=true.
func Confirmed(r *http.Request) bool {
	ok, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))
	return ok
}

// ListOptions reads limit, offset and order from the query string.
func ListOptions(r *http.Request) (services.ListOptions, error) {
	q := r.URL.Query()
	var opts services.ListOptions
	for _, p := range []struct {
		key string
		dst *int
	}{{"limit", &opts.Limit}, {"offset", &opts.Offset}} {
		raw := q.Get(p.key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return opts, &backend.ValidationError{Field: p.key, Reason: fmt.Sprintf("%q is not a non-negative integer", raw)}
		}
		*p.dst = n
	}
	switch order := q.Get("order"); order {
	case "", "asc", "desc":
		opts.SortOrder = order
	default:
		return opts, &backend.ValidationError{Field: "order", Reason: "must be asc or desc"}
	}
	return opts, nil
}
