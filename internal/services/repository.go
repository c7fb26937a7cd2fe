// Package services provides repository interfaces and SQLite implementations
// for the local state SubnetGrid keeps: the scan log, finished traffic
// test results and remembered console settings. The backend stays
// authoritative for address state; these tables only remember what this
// console observed.
package services

import (
	"errors"
	"fmt"

	"github.com/HerbHall/subnetgrid/pkg/models"
)

// ListOptions controls pagination and sorting for list queries.
type ListOptions struct {
	Limit     int    // Max results per page (default 50, max 1000).
	Offset    int    // Number of results to skip.
	SortOrder string // "asc" or "desc" (default "desc").
}

// ListResult wraps a paginated result set with a total count.
type ListResult[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// normalizeListOptions applies defaults and caps to list options.
func normalizeListOptions(opts ListOptions) ListOptions {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if opts.SortOrder != "asc" {
		opts.SortOrder = "desc"
	}
	return opts
}

func orderDirection(opts ListOptions) string {
	if opts.SortOrder == "asc" {
		return "ASC"
	}
	return "DESC"
}

// storedTimeLayout is fixed width so text ordering matches time ordering.
const storedTimeLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTS(t models.Timestamp) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(storedTimeLayout)
}

func parseTS(s *string) (models.Timestamp, error) {
	if s == nil {
		return models.Timestamp{}, nil
	}
	ts, err := models.ParseTimestamp(*s)
	if err != nil {
		return models.Timestamp{}, fmt.Errorf("parse stored time: %w", err)
	}
	return ts, nil
}
