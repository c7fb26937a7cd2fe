// Package detail enriches one address on demand with the backend's stored
// node row and observation history.
package detail

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/HerbHall/subnetgrid/internal/backend"
	"github.com/HerbHall/subnetgrid/internal/records"
	"github.com/HerbHall/subnetgrid/pkg/models"
)

// ErrUnknownAddress is returned for addresses that have not been scanned.
var ErrUnknownAddress = errors.New("address has not been scanned")

// NodeSource reads a node row and its history.
type NodeSource interface {
	NodeDetail(ctx context.Context, ip string) (*backend.NodeDetail, error)
}

// Detail is the enriched view of one address. When the backend lookup
// fails, Degraded is set and Record is the already-known summary.
type Detail struct {
	Record   models.AddressRecord      `json:"record"`
	History  []models.NodeHistoryEntry `json:"history"`
	Degraded bool                      `json:"degraded,omitempty"`
	Error    string                    `json:"error,omitempty"`
}

// Fetcher looks up node detail and merges it into the record store.
// Concurrent lookups of the same address share one backend call.
type Fetcher struct {
	client NodeSource
	store  *records.Store
	logger *zap.Logger
	group  singleflight.Group
}

// NewFetcher returns a Fetcher writing into store.
func NewFetcher(client NodeSource, store *records.Store, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{client: client, store: store, logger: logger}
}

// FetchDetail returns the enriched record for ip. Addresses that are absent
// from the store or still unknown fail with ErrUnknownAddress without
// contacting the backend. A backend failure is not returned as an error: the
// known summary comes back with Degraded set.
func (f *Fetcher) FetchDetail(ctx context.Context, ip string) (*Detail, error) {
	known, ok := f.store.Get(ip)
	if !ok || known.Status == models.StatusUnknown {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAddress, ip)
	}

	// The shared call outlives any one caller; each caller waits on its own
	// ctx.
	ch := f.group.DoChan(ip, func() (any, error) {
		return f.client.NodeDetail(context.WithoutCancel(ctx), ip)
	})
	var (
		v      any
		err    error
		shared bool
	)
	select {
	case res := <-ch:
		v, err, shared = res.Val, res.Err, res.Shared
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		f.logger.Warn("node detail unavailable, using summary",
			zap.String("ip", ip),
			zap.Bool("shared", shared),
			zap.Error(err),
		)
		return &Detail{Record: known, History: []models.NodeHistoryEntry{}, Degraded: true, Error: err.Error()}, nil
	}
	nd := v.(*backend.NodeDetail)

	history := nd.History
	if history == nil {
		history = []models.NodeHistoryEntry{}
	}

	merged, err := f.store.MergeOne(ip, nodePatch(nd.Node))
	if err != nil {
		// The subnet was switched while the lookup was in flight.
		f.logger.Debug("node detail not merged", zap.String("ip", ip), zap.Error(err))
		return &Detail{Record: known, History: history}, nil
	}
	return &Detail{Record: merged, History: history}, nil
}

// nodePatch converts a node row into a patch. Sticky fields are only set
// when the row carries them; reservation text already known locally is kept.
func nodePatch(n backend.NodeRow) models.RecordPatch {
	var p models.RecordPatch
	status := n.Status
	if n.IsReserved {
		status = models.StatusReserved
	}
	if status != "" && status != models.StatusUnknown {
		p.Status = &status
	}
	if n.Hostname != "" {
		p.Hostname = &n.Hostname
	}
	if n.MACAddress != "" {
		p.MACAddress = &n.MACAddress
	}
	if n.Vendor != "" {
		p.Vendor = &n.Vendor
	}
	p.FirstSeen = n.FirstSeen.Ptr()
	p.LastSeen = n.LastSeen.Ptr()
	p.LastScanned = n.LastScanned.Ptr()
	if n.TimesSeen > 0 {
		times := n.TimesSeen
		p.TimesSeen = &times
	}
	notes := n.Notes
	p.Notes = &notes
	if status == models.StatusReserved {
		p.Reservation = &models.Reservation{ReservedBy: n.ReservedBy}
	}
	return p
}
