package records

import (
	"fmt"
	"strings"

	"github.com/HerbHall/subnetgrid/pkg/models"
)

// Filter selects grid cells by status.
type Filter string

// FilterAll matches every cell. The other filters are the address statuses.
const FilterAll Filter = "all"

// ParseFilter validates f. An empty string is FilterAll.
func ParseFilter(f string) (Filter, error) {
	f = strings.ToLower(strings.TrimSpace(f))
	if f == "" || f == string(FilterAll) {
		return FilterAll, nil
	}
	for _, st := range models.AddressStatuses {
		if f == string(st) {
			return Filter(f), nil
		}
	}
	return "", fmt.Errorf("invalid filter %q", f)
}

// Match reports whether r passes the filter.
func (f Filter) Match(r models.AddressRecord) bool {
	return f == FilterAll || f == "" || Filter(r.Status) == f
}

// List returns the grid cells matching f.
func (s *Store) List(f Filter) []models.AddressRecord {
	grid := s.Grid()
	out := make([]models.AddressRecord, 0, len(grid))
	for _, r := range grid {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

// Counts tallies grid cells per status.
type Counts struct {
	Total          int `json:"total"`
	Up             int `json:"up"`
	Down           int `json:"down"`
	PreviouslyUsed int `json:"previously_used"`
	Reserved       int `json:"reserved"`
	Unknown        int `json:"unknown"`
}

// Add counts one cell.
func (c *Counts) Add(st models.AddressStatus) {
	c.Total++
	switch st {
	case models.StatusUp:
		c.Up++
	case models.StatusDown:
		c.Down++
	case models.StatusPreviouslyUsed:
		c.PreviouslyUsed++
	case models.StatusReserved:
		c.Reserved++
	default:
		c.Unknown++
	}
}

// Counts tallies the grid of the selected subnet.
func (s *Store) Counts() Counts {
	var c Counts
	for _, r := range s.Grid() {
		c.Add(r.Status)
	}
	return c
}
