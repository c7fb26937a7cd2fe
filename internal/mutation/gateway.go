// Package mutation issues writes to the backend and brings the record store
// up to date afterwards by re-scanning rather than trusting the write
// response. Backend error detail is returned unchanged and nothing is
// retried.
package mutation

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/subnetgrid/internal/backend"
	"github.com/HerbHall/subnetgrid/internal/records"
	"github.com/HerbHall/subnetgrid/pkg/models"
	"github.com/HerbHall/subnetgrid/pkg/plugin"
)

// Backend is the subset of the backend client used for writes.
type Backend interface {
	UpdateNode(ctx context.Context, req backend.UpdateNodeRequest) error
	Reserve(ctx context.Context, req backend.ReserveRequest) error
	Release(ctx context.Context, ip string) error
	ClearNetwork(ctx context.Context, subnet string) (*backend.ClearResult, error)
	ResetStatus(ctx context.Context, subnet string) (*backend.ResetResult, error)
}

// Refresher re-reads authoritative state after a write.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Confirmer asks the operator to approve a destructive action.
type Confirmer interface {
	Confirm(ctx context.Context, action string) bool
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, action string) bool

// Confirm calls f.
func (f ConfirmFunc) Confirm(ctx context.Context, action string) bool { return f(ctx, action) }

// Confirmed approves every action.
var Confirmed = ConfirmFunc(func(context.Context, string) bool { return true })

// ReserveRequest holds a reservation. ReservedFor is mandatory.
type ReserveRequest struct {
	IP          string `json:"ip"`
	ReservedFor string `json:"reserved_for"`
	Description string `json:"description"`
	ReservedBy  string `json:"reserved_by"`
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithBus publishes mutation events on bus.
func WithBus(bus plugin.EventBus) Option {
	return func(g *Gateway) { g.bus = bus }
}

// Gateway funnels every operator write through one place.
type Gateway struct {
	client    Backend
	store     *records.Store
	refresher Refresher
	bus       plugin.EventBus
	logger    *zap.Logger
}

// New returns a Gateway. refresher is usually the scan coordinator.
func New(client Backend, store *records.Store, refresher Refresher, logger *zap.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{client: client, store: store, refresher: refresher, logger: logger}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Reserve places an administrative hold on req.IP, then re-scans. The
// reservation text the scan cannot report is merged only after the backend
// accepted the write.
func (g *Gateway) Reserve(ctx context.Context, req ReserveRequest) error {
	ip, err := validIP(req.IP)
	if err != nil {
		return err
	}
	req.ReservedFor = strings.TrimSpace(req.ReservedFor)
	if req.ReservedFor == "" {
		return &backend.ValidationError{Field: "reserved_for", Reason: "required"}
	}

	if err := g.client.Reserve(ctx, backend.ReserveRequest{
		IP:          ip,
		ReservedFor: req.ReservedFor,
		Description: req.Description,
		ReservedBy:  req.ReservedBy,
	}); err != nil {
		return err
	}
	g.logger.Info("address reserved", zap.String("ip", ip), zap.String("reserved_for", req.ReservedFor))

	status := models.StatusReserved
	g.mergeIfSelected(ip, models.RecordPatch{
		Status: &status,
		Reservation: &models.Reservation{
			ReservedFor: req.ReservedFor,
			Description: req.Description,
			ReservedBy:  req.ReservedBy,
		},
	})
	g.publish(ctx, TopicRecordUpdated, RecordUpdatedEvent{IP: ip, Action: ActionReserve})
	g.refresh(ctx, ActionReserve)
	return nil
}

// Release lifts the hold on ip after confirm approves it, then re-scans. A
// nil or declining confirm returns backend.ErrNotConfirmed without any
// network call.
func (g *Gateway) Release(ctx context.Context, ip string, confirm Confirmer) error {
	ip, err := validIP(ip)
	if err != nil {
		return err
	}
	if !confirmed(ctx, confirm, "release reservation of "+ip) {
		return backend.ErrNotConfirmed
	}
	if err := g.client.Release(ctx, ip); err != nil {
		return err
	}
	g.logger.Info("address released", zap.String("ip", ip))
	g.publish(ctx, TopicRecordUpdated, RecordUpdatedEvent{IP: ip, Action: ActionRelease})
	g.refresh(ctx, ActionRelease)
	return nil
}

// UpdateNotes replaces the notes of ip. An empty string clears them.
func (g *Gateway) UpdateNotes(ctx context.Context, ip, notes string) error {
	ip, err := validIP(ip)
	if err != nil {
		return err
	}
	if err := g.client.UpdateNode(ctx, backend.UpdateNodeRequest{IP: ip, Notes: notes}); err != nil {
		return err
	}
	// Scans never overwrite local notes, so the edit is applied here.
	g.mergeIfSelected(ip, models.RecordPatch{Notes: &notes})
	g.publish(ctx, TopicRecordUpdated, RecordUpdatedEvent{IP: ip, Action: ActionNotes})
	g.refresh(ctx, ActionNotes)
	return nil
}

// ClearNetwork irreversibly deletes the backend's history and reservations
// for subnet after confirm approves it. When subnet is the selected one the
// local store is emptied.
func (g *Gateway) ClearNetwork(ctx context.Context, subnet string, confirm Confirmer) (*backend.ClearResult, error) {
	norm, err := validSubnet(subnet)
	if err != nil {
		return nil, err
	}
	if !confirmed(ctx, confirm, "delete all data for "+norm+".0/24") {
		return nil, backend.ErrNotConfirmed
	}
	res, err := g.client.ClearNetwork(ctx, norm)
	if err != nil {
		return nil, err
	}
	if g.store.Subnet() == norm {
		g.store.Clear()
	}
	g.logger.Warn("network cleared", zap.String("subnet", norm), zap.Int("nodes_deleted", res.NodesDeleted))
	g.publish(ctx, TopicNetworkCleared, NetworkClearedEvent{Subnet: norm, NodesDeleted: res.NodesDeleted})
	return res, nil
}

// ResetStatus returns every non-reserved address of subnet to its pre-scan
// baseline on the backend, keeping history and reservations, then re-scans
// if subnet is selected.
func (g *Gateway) ResetStatus(ctx context.Context, subnet string) (*backend.ResetResult, error) {
	norm, err := validSubnet(subnet)
	if err != nil {
		return nil, err
	}
	res, err := g.client.ResetStatus(ctx, norm)
	if err != nil {
		return nil, err
	}
	g.logger.Info("network status reset", zap.String("subnet", norm), zap.Int("nodes_reset", res.NodesReset))
	g.publish(ctx, TopicRecordUpdated, RecordUpdatedEvent{Subnet: norm, Action: ActionReset})
	if g.store.Subnet() == norm {
		g.refresh(ctx, ActionReset)
	}
	return res, nil
}

func (g *Gateway) mergeIfSelected(ip string, patch models.RecordPatch) {
	if _, err := g.store.MergeOne(ip, patch); err != nil &&
		!errors.Is(err, records.ErrOutsideSubnet) && !errors.Is(err, records.ErrNoSubnet) {
		g.logger.Warn("local merge failed", zap.String("ip", ip), zap.Error(err))
	}
}

// refresh failures are not returned: the write itself succeeded and the
// coordinator reports the scan error through its own status.
func (g *Gateway) refresh(ctx context.Context, action string) {
	if g.refresher == nil {
		return
	}
	if err := g.refresher.Refresh(ctx); err != nil && !errors.Is(err, records.ErrNoSubnet) {
		g.logger.Warn("refresh after write failed", zap.String("action", action), zap.Error(err))
	}
}

func (g *Gateway) publish(ctx context.Context, topic string, payload any) {
	if g.bus == nil {
		return
	}
	g.bus.PublishAsync(context.WithoutCancel(ctx), plugin.Event{
		Topic:     topic,
		Source:    "grid",
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

func confirmed(ctx context.Context, c Confirmer, action string) bool {
	return c != nil && c.Confirm(ctx, action)
}

func validIP(ip string) (string, error) {
	prefix, octet, err := models.SplitAddress(ip)
	if err != nil {
		return "", &backend.ValidationError{Field: "ip", Reason: err.Error()}
	}
	return models.AddressIn(prefix, octet), nil
}

func validSubnet(subnet string) (string, error) {
	norm, err := models.NormalizeSubnet(subnet)
	if err != nil {
		return "", &backend.ValidationError{Field: "subnet", Reason: err.Error()}
	}
	return norm, nil
}
