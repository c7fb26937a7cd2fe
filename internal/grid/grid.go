// Package grid is the plugin that owns the address grid of the selected
// subnet: the record store, the scan coordinator, node detail lookups and
// the mutation gateway.
package grid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/subnetgrid/internal/backend"
	"github.com/HerbHall/subnetgrid/internal/detail"
	"github.com/HerbHall/subnetgrid/internal/metrics"
	"github.com/HerbHall/subnetgrid/internal/mutation"
	"github.com/HerbHall/subnetgrid/internal/records"
	"github.com/HerbHall/subnetgrid/internal/scan"
	"github.com/HerbHall/subnetgrid/internal/services"
	"github.com/HerbHall/subnetgrid/pkg/plugin"
)

// Name is the plugin name and its route prefix.
const Name = "grid"

// subnetSetting remembers the last selected subnet across restarts.
const subnetSetting = "grid.subnet"

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Plugin)(nil)
	_ plugin.HTTPProvider  = (*Plugin)(nil)
	_ plugin.HealthChecker = (*Plugin)(nil)
)

// Plugin wires the grid components together.
type Plugin struct {
	client  *backend.Client
	metrics *metrics.Metrics
	logger  *zap.Logger

	store       *records.Store
	coordinator *scan.Coordinator
	fetcher     *detail.Fetcher
	gateway     *mutation.Gateway
	scanLog     services.ScanRepository
	settings    services.SettingsRepository

	autoRefresh         bool
	autoRefreshInterval time.Duration
}

// New creates the grid plugin. m may be nil.
func New(client *backend.Client, m *metrics.Metrics) *Plugin {
	return &Plugin{client: client, metrics: m}
}

func (p *Plugin) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        Name,
		Version:     "0.1.0",
		Description: "Subnet address grid: scans, node detail and reservations",
		Required:    true,
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (p *Plugin) Init(ctx context.Context, deps plugin.Dependencies) error {
	p.logger = deps.Logger
	if p.logger == nil {
		p.logger = zap.NewNop()
	}

	opts := []scan.Option{scan.WithMetrics(p.metrics)}
	if deps.Bus != nil {
		opts = append(opts, scan.WithBus(deps.Bus))
	}
	if deps.Store != nil {
		if err := deps.Store.Migrate(ctx, Name, services.ScanMigrations); err != nil {
			return fmt.Errorf("grid migrations: %w", err)
		}
		p.scanLog = services.NewSQLiteScanRepository(deps.Store.DB())
		opts = append(opts, scan.WithScanLog(p.scanLog))

		settings, err := services.NewSQLiteSettingsRepository(ctx, deps.Store)
		if err != nil {
			return err
		}
		p.settings = settings
	}

	p.store = records.NewStore(p.logger.Named("records"))
	p.coordinator = scan.New(p.client, p.store, p.logger.Named("scan"), opts...)
	p.fetcher = detail.NewFetcher(p.client, p.store, p.logger.Named("detail"))

	var gwOpts []mutation.Option
	if deps.Bus != nil {
		gwOpts = append(gwOpts, mutation.WithBus(deps.Bus))
	}
	p.gateway = mutation.New(p.client, p.store, p.coordinator, p.logger.Named("mutation"), gwOpts...)

	var subnet string
	if deps.Config != nil {
		subnet = deps.Config.GetString("subnet")
		p.autoRefresh = deps.Config.GetBool("auto_refresh")
		p.autoRefreshInterval = deps.Config.GetDuration("auto_refresh_interval")
	}
	if subnet == "" {
		subnet = p.rememberedSubnet(ctx)
	}
	if subnet != "" {
		if err := p.coordinator.SelectSubnet(subnet); err != nil {
			return fmt.Errorf("grid subnet: %w", err)
		}
	}

	p.logger.Info("grid module initialized", zap.String("subnet", p.store.Subnet()))
	return nil
}

// rememberedSubnet returns the subnet selected before the last restart, if
// any.
func (p *Plugin) rememberedSubnet(ctx context.Context) string {
	if p.settings == nil {
		return ""
	}
	s, err := p.settings.Get(ctx, subnetSetting)
	if err != nil {
		if !errors.Is(err, services.ErrNotFound) {
			p.logger.Warn("failed to read remembered subnet", zap.Error(err))
		}
		return ""
	}
	return s.Value
}

// SelectSubnet switches the grid to subnet and remembers the choice.
func (p *Plugin) SelectSubnet(ctx context.Context, subnet string) error {
	if err := p.coordinator.SelectSubnet(subnet); err != nil {
		return err
	}
	if p.settings != nil {
		if err := p.settings.Set(ctx, subnetSetting, p.store.Subnet()); err != nil {
			p.logger.Warn("failed to remember subnet", zap.String("subnet", subnet), zap.Error(err))
		}
	}
	return nil
}

func (p *Plugin) Start(_ context.Context) error {
	if p.autoRefresh {
		if err := p.coordinator.EnableAutoRefresh(p.autoRefreshInterval); err != nil {
			return fmt.Errorf("auto refresh: %w", err)
		}
	}
	p.logger.Info("grid module started", zap.Bool("auto_refresh", p.autoRefresh))
	return nil
}

func (p *Plugin) Stop(_ context.Context) error {
	if p.coordinator != nil {
		p.coordinator.Close()
	}
	p.logger.Info("grid module stopped")
	return nil
}

// Health reports degraded while the last scan failed.
func (p *Plugin) Health(_ context.Context) plugin.HealthStatus {
	st := p.coordinator.Status()
	details := map[string]string{"subnet": st.Subnet}
	if !st.LastSuccess.IsZero() {
		details["last_success"] = st.LastSuccess.UTC().Format(time.RFC3339)
	}
	switch {
	case st.Subnet == "":
		return plugin.HealthStatus{Status: "healthy", Message: "no subnet selected", Details: details}
	case st.LastError != "":
		return plugin.HealthStatus{Status: "degraded", Message: st.LastError, Details: details}
	default:
		return plugin.HealthStatus{Status: "healthy", Details: details}
	}
}

// Records returns the record store. Valid after Init.
func (p *Plugin) Records() *records.Store { return p.store }

// Coordinator returns the scan coordinator. Valid after Init.
func (p *Plugin) Coordinator() *scan.Coordinator { return p.coordinator }

// Refresh re-scans the selected subnet.
func (p *Plugin) Refresh(ctx context.Context) error { return p.coordinator.Refresh(ctx) }

// Gateway returns the mutation gateway. Valid after Init.
func (p *Plugin) Gateway() *mutation.Gateway { return p.gateway }
