package traffic

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/HerbHall/subnetgrid/internal/metrics"
	"github.com/HerbHall/subnetgrid/internal/services"
	"github.com/HerbHall/subnetgrid/internal/targets"
	"github.com/HerbHall/subnetgrid/pkg/plugin"
)

// PluginName is the plugin name and its route prefix.
const PluginName = "traffic"

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Plugin)(nil)
	_ plugin.HTTPProvider  = (*Plugin)(nil)
	_ plugin.HealthChecker = (*Plugin)(nil)
)

// Plugin exposes the orchestrator through the console API.
type Plugin struct {
	client  Backend
	metrics *metrics.Metrics
	logger  *zap.Logger

	orch    *Orchestrator
	history services.TrafficRepository
	targets *targets.File
}

// NewPlugin creates the traffic plugin. m may be nil.
func NewPlugin(client Backend, m *metrics.Metrics) *Plugin {
	return &Plugin{client: client, metrics: m}
}

func (p *Plugin) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        PluginName,
		Version:     "0.1.0",
		Description: "Throughput tests between grid addresses",
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (p *Plugin) Init(ctx context.Context, deps plugin.Dependencies) error {
	p.logger = deps.Logger
	if p.logger == nil {
		p.logger = zap.NewNop()
	}

	cfg := DefaultConfig()
	if c := deps.Config; c != nil {
		policy, err := ParseExhaustPolicy(c.GetString("on_poll_exhausted"))
		if err != nil {
			return err
		}
		cfg = Config{
			PollInterval:          c.GetDuration("poll_interval"),
			PollAttempts:          c.GetInt("poll_attempts"),
			ActiveRefreshInterval: c.GetDuration("active_refresh_interval"),
			OnPollExhausted:       policy,
		}
		if path := c.GetString("targets_file"); path != "" {
			p.targets = targets.NewFile(path, nil)
		}
	}

	opts := []Option{WithConfig(cfg), WithMetrics(p.metrics)}
	if deps.Bus != nil {
		opts = append(opts, WithBus(deps.Bus))
	}
	if deps.Store != nil {
		if err := deps.Store.Migrate(ctx, PluginName, services.TrafficMigrations); err != nil {
			return fmt.Errorf("traffic migrations: %w", err)
		}
		p.history = services.NewSQLiteTrafficRepository(deps.Store.DB())
		opts = append(opts, WithHistory(p.history))
	}
	if p.targets != nil {
		opts = append(opts, WithTargets(p.targets))
	}

	p.orch = New(p.client, p.logger, opts...)
	effective := p.orch.Config()
	p.logger.Info("traffic module initialized",
		zap.Duration("poll_interval", effective.PollInterval),
		zap.Int("poll_attempts", effective.PollAttempts),
		zap.String("on_poll_exhausted", string(effective.OnPollExhausted)),
	)
	return nil
}

func (p *Plugin) Start(_ context.Context) error {
	p.orch.StartActiveRefresh()
	p.logger.Info("traffic module started")
	return nil
}

func (p *Plugin) Stop(_ context.Context) error {
	if p.orch != nil {
		p.orch.Close()
	}
	p.logger.Info("traffic module stopped")
	return nil
}

// Health is degraded while the active list cannot be refreshed.
func (p *Plugin) Health(_ context.Context) plugin.HealthStatus {
	snap := p.orch.ActiveTests()
	details := map[string]string{"tracked": fmt.Sprint(len(p.orch.Tests()))}
	if snap.Error != "" {
		return plugin.HealthStatus{Status: "degraded", Message: snap.Error, Details: details}
	}
	return plugin.HealthStatus{Status: "healthy", Details: details}
}

// Orchestrator returns the orchestrator. Valid after Init.
func (p *Plugin) Orchestrator() *Orchestrator { return p.orch }
