// Package provision creates VMs bound to grid addresses through the
// backend's hypervisor integration.
package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/subnetgrid/internal/backend"
	"github.com/HerbHall/subnetgrid/internal/records"
	"github.com/HerbHall/subnetgrid/pkg/models"
	"github.com/HerbHall/subnetgrid/pkg/plugin"
)

// TopicVMCreated is published after a VM was created.
const TopicVMCreated = "provision.vm.created"

// Backend is the subset of the backend client used for provisioning.
type Backend interface {
	HypervisorStatus(ctx context.Context) (*models.HypervisorStatus, error)
	Templates(ctx context.Context) (*backend.TemplateList, error)
	NextVMID(ctx context.Context) (int, error)
	CreateVM(ctx context.Context, req models.VMRequest) (*models.VMCreated, error)
}

// Refresher re-reads authoritative state after a write.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Defaults fill the fields a CreateVM request leaves empty.
type Defaults struct {
	Cores      int    `mapstructure:"cores"`
	Memory     int    `mapstructure:"memory"`
	DiskSize   int    `mapstructure:"disk_size"`
	Bridge     string `mapstructure:"bridge"`
	Gateway    string `mapstructure:"gateway"`
	Nameserver string `mapstructure:"nameserver"`
	StartVM    bool   `mapstructure:"start_vm"`
}

// DefaultDefaults mirrors the configuration defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		Cores:      2,
		Memory:     2048,
		DiskSize:   32,
		Bridge:     "vmbr0",
		Gateway:    "192.168.0.1",
		Nameserver: "8.8.8.8",
		StartVM:    true,
	}
}

// CreateRequest describes a VM. Zero values take the configured defaults;
// StartVM nil means the default.
type CreateRequest struct {
	IPAddress  string `json:"ip_address"`
	VMName     string `json:"vm_name"`
	Cores      int    `json:"cores"`
	Memory     int    `json:"memory"`
	DiskSize   int    `json:"disk_size"`
	TemplateID *int   `json:"template_id"`
	StartVM    *bool  `json:"start_vm"`
	Bridge     string `json:"bridge"`
	Gateway    string `json:"gateway"`
	Nameserver string `json:"nameserver"`
}

// Provisioner validates VM requests against the grid and forwards them.
type Provisioner struct {
	client    Backend
	store     *records.Store
	refresher Refresher
	bus       plugin.EventBus
	defaults  Defaults
	logger    *zap.Logger
}

// New returns a Provisioner. store and refresher may be nil.
func New(client Backend, store *records.Store, refresher Refresher, bus plugin.EventBus, defaults Defaults, logger *zap.Logger) *Provisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provisioner{
		client:    client,
		store:     store,
		refresher: refresher,
		bus:       bus,
		defaults:  defaults,
		logger:    logger,
	}
}

// Status reports hypervisor connectivity.
func (p *Provisioner) Status(ctx context.Context) (*models.HypervisorStatus, error) {
	return p.client.HypervisorStatus(ctx)
}

// Templates lists clonable templates.
func (p *Provisioner) Templates(ctx context.Context) ([]models.VMTemplate, error) {
	list, err := p.client.Templates(ctx)
	if err != nil {
		return nil, err
	}
	if list.Templates == nil {
		return []models.VMTemplate{}, nil
	}
	return list.Templates, nil
}

// NextVMID returns the next free VM id.
func (p *Provisioner) NextVMID(ctx context.Context) (int, error) {
	return p.client.NextVMID(ctx)
}

// DefaultVMName derives a VM name from an address: 10.0.0.5 -> vm-10-0-0-5.
func DefaultVMName(ip string) string {
	return "vm-" + strings.ReplaceAll(ip, ".", "-")
}

// Build validates req and fills defaults without contacting the backend.
func (p *Provisioner) Build(req CreateRequest) (models.VMRequest, error) {
	ip := strings.TrimSpace(req.IPAddress)
	if ip == "" {
		return models.VMRequest{}, &backend.ValidationError{Field: "ip_address", Reason: "required"}
	}
	prefix, octet, err := models.SplitAddress(ip)
	if err != nil {
		return models.VMRequest{}, &backend.ValidationError{Field: "ip_address", Reason: err.Error()}
	}
	ip = models.AddressIn(prefix, octet)
	if p.store != nil {
		if rec, ok := p.store.Get(ip); ok && rec.Status == models.StatusUp {
			return models.VMRequest{}, &backend.ValidationError{
				Field:  "ip_address",
				Reason: fmt.Sprintf("%s is currently in use", ip),
			}
		}
	}

	d := p.defaults
	out := models.VMRequest{
		IPAddress:  ip,
		VMName:     strings.TrimSpace(req.VMName),
		Cores:      pick(req.Cores, d.Cores),
		Memory:     pick(req.Memory, d.Memory),
		DiskSize:   pick(req.DiskSize, d.DiskSize),
		TemplateID: req.TemplateID,
		StartVM:    d.StartVM,
		Bridge:     pickString(req.Bridge, d.Bridge),
		Gateway:    pickString(req.Gateway, d.Gateway),
		Nameserver: pickString(req.Nameserver, d.Nameserver),
	}
	if out.VMName == "" {
		out.VMName = DefaultVMName(ip)
	}
	if req.StartVM != nil {
		out.StartVM = *req.StartVM
	}
	return out, nil
}

// CreateVM provisions a VM on req.IPAddress. Addresses currently up are
// refused locally. On success the grid is re-scanned, since the backend
// marks the address reserved.
func (p *Provisioner) CreateVM(ctx context.Context, req CreateRequest) (*models.VMCreated, error) {
	vmReq, err := p.Build(req)
	if err != nil {
		return nil, err
	}
	created, err := p.client.CreateVM(ctx, vmReq)
	if err != nil {
		return nil, err
	}
	p.logger.Info("vm created",
		zap.Int("vmid", created.VMID),
		zap.String("vm_name", created.VMName),
		zap.String("ip", vmReq.IPAddress),
	)
	if p.bus != nil {
		p.bus.PublishAsync(context.WithoutCancel(ctx), plugin.Event{
			Topic:     TopicVMCreated,
			Source:    "provision",
			Timestamp: time.Now(),
			Payload:   *created,
		})
	}
	if p.refresher != nil {
		if err := p.refresher.Refresh(ctx); err != nil && !errors.Is(err, records.ErrNoSubnet) {
			p.logger.Warn("refresh after vm creation failed", zap.Error(err))
		}
	}
	return created, nil
}

func pick(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func pickString(v, def string) string {
	if s := strings.TrimSpace(v); s != "" {
		return s
	}
	return def
}
