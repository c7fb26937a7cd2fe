// Package registry manages plugin lifecycle: registration, dependency
// ordering, initialization, start and stop.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/HerbHall/subnetgrid/pkg/plugin"
	"go.uber.org/zap"
)

// Registry manages the lifecycle of all registered plugins.
type Registry struct {
	mu       sync.RWMutex
	plugins  map[string]plugin.Plugin
	order    []string // registration order until Validate, then dependency order
	disabled map[string]string
	started  []string
	logger   *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		plugins:  make(map[string]plugin.Plugin),
		disabled: make(map[string]string),
		logger:   logger,
	}
}

// Register adds a plugin. Names must be non-empty and unique.
func (r *Registry) Register(p plugin.Plugin) error {
	info := p.Info()
	if strings.TrimSpace(info.Name) == "" {
		return fmt.Errorf("plugin name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[info.Name]; exists {
		return fmt.Errorf("plugin %q already registered", info.Name)
	}
	r.plugins[info.Name] = p
	r.order = append(r.order, info.Name)
	r.logger.Debug("plugin registered",
		zap.String("name", info.Name),
		zap.String("version", info.Version),
	)
	return nil
}

// Validate checks API versions and dependencies, disables optional plugins
// that cannot load (cascading to their dependents) and sorts the plugins so
// every dependency precedes its dependents.
func (r *Registry) Validate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		info := r.plugins[name].Info()
		if info.APIVersion < plugin.APIVersionMin || info.APIVersion > plugin.APIVersionCurrent {
			reason := fmt.Sprintf("unsupported plugin API version %d (supported %d..%d)",
				info.APIVersion, plugin.APIVersionMin, plugin.APIVersionCurrent)
			if err := r.disableLocked(name, reason); err != nil {
				return err
			}
		}
	}

	// Missing or disabled dependencies cascade until nothing changes.
	for changed := true; changed; {
		changed = false
		for _, name := range r.order {
			if _, off := r.disabled[name]; off {
				continue
			}
			for _, dep := range r.plugins[name].Info().Dependencies {
				reason := ""
				if _, ok := r.plugins[dep]; !ok {
					reason = fmt.Sprintf("missing dependency %q", dep)
				} else if _, off := r.disabled[dep]; off {
					reason = fmt.Sprintf("dependency %q is disabled", dep)
				}
				if reason == "" {
					continue
				}
				if err := r.disableLocked(name, reason); err != nil {
					return err
				}
				changed = true
				break
			}
		}
	}

	sorted, err := r.topoSortLocked()
	if err != nil {
		return err
	}
	r.order = sorted
	return nil
}

func (r *Registry) disableLocked(name, reason string) error {
	if r.plugins[name].Info().Required {
		return fmt.Errorf("required plugin %q: %s", name, reason)
	}
	r.disabled[name] = reason
	r.logger.Warn("plugin disabled", zap.String("name", name), zap.String("reason", reason))
	return nil
}

// topoSortLocked orders plugins with Kahn's algorithm. Ties keep
// registration order.
func (r *Registry) topoSortLocked() ([]string, error) {
	position := make(map[string]int, len(r.order))
	for i, name := range r.order {
		position[name] = i
	}

	indegree := make(map[string]int, len(r.order))
	dependents := make(map[string][]string)
	for _, name := range r.order {
		indegree[name] += 0
		for _, dep := range r.plugins[name].Info().Dependencies {
			if _, ok := r.plugins[dep]; !ok {
				continue
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for _, name := range r.order {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	sorted := make([]string, 0, len(r.order))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		sorted = append(sorted, name)
		for _, d := range dependents[name] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
				sort.SliceStable(ready, func(i, j int) bool {
					return position[ready[i]] < position[ready[j]]
				})
			}
		}
	}

	if len(sorted) != len(r.order) {
		var cycle []string
		for _, name := range r.order {
			if indegree[name] > 0 {
				cycle = append(cycle, name)
			}
		}
		return nil, fmt.Errorf("plugin dependency cycle among %s", strings.Join(cycle, ", "))
	}
	return sorted, nil
}

// InitAll initializes every enabled plugin in dependency order. depsFn
// builds the per-plugin dependencies. A plugin whose config sets
// enabled=false is skipped. Optional plugins that fail to initialize are
// disabled; required ones abort.
func (r *Registry) InitAll(ctx context.Context, depsFn func(name string) plugin.Dependencies) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		if _, off := r.disabled[name]; off {
			continue
		}
		p := r.plugins[name]
		deps := depsFn(name)

		if deps.Config != nil && deps.Config.IsSet("enabled") && !deps.Config.GetBool("enabled") {
			r.disabled[name] = "disabled by configuration"
			r.logger.Info("plugin disabled by configuration", zap.String("name", name))
			continue
		}
		if dep, off := r.disabledDepLocked(name); off {
			if err := r.disableLocked(name, fmt.Sprintf("dependency %q is disabled", dep)); err != nil {
				return err
			}
			continue
		}

		r.logger.Info("initializing plugin", zap.String("name", name))
		if err := p.Init(ctx, deps); err != nil {
			if p.Info().Required {
				return fmt.Errorf("initialize plugin %q: %w", name, err)
			}
			r.disabled[name] = err.Error()
			r.logger.Warn("optional plugin failed to initialize",
				zap.String("name", name),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (r *Registry) disabledDepLocked(name string) (string, bool) {
	for _, dep := range r.plugins[name].Info().Dependencies {
		if _, off := r.disabled[dep]; off {
			return dep, true
		}
	}
	return "", false
}

// StartAll starts every enabled plugin in dependency order. On failure the
// plugins already started are stopped again.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		if _, off := r.disabled[name]; off {
			continue
		}
		r.logger.Info("starting plugin", zap.String("name", name))
		if err := r.plugins[name].Start(ctx); err != nil {
			r.stopLocked(ctx)
			return fmt.Errorf("start plugin %q: %w", name, err)
		}
		r.started = append(r.started, name)
	}
	return nil
}

// StopAll stops started plugins in reverse order.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked(ctx)
}

func (r *Registry) stopLocked(ctx context.Context) {
	for i := len(r.started) - 1; i >= 0; i-- {
		name := r.started[i]
		r.logger.Info("stopping plugin", zap.String("name", name))
		if err := r.plugins[name].Stop(ctx); err != nil {
			r.logger.Error("failed to stop plugin", zap.String("name", name), zap.Error(err))
		}
	}
	r.started = nil
}

// Get returns an enabled plugin by name.
func (r *Registry) Get(name string) (plugin.Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, off := r.disabled[name]; off {
		return nil, false
	}
	p, ok := r.plugins[name]
	return p, ok
}

// IsDisabled reports whether name was disabled during validation or init.
func (r *Registry) IsDisabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, off := r.disabled[name]
	return off
}

// All returns every enabled plugin in lifecycle order.
func (r *Registry) All() []plugin.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]plugin.Plugin, 0, len(r.order))
	for _, name := range r.order {
		if _, off := r.disabled[name]; off {
			continue
		}
		result = append(result, r.plugins[name])
	}
	return result
}

// PluginState is the status row reported by the plugins endpoint.
type PluginState struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
	Reason      string `json:"reason,omitempty"`
}

// States lists every registered plugin, enabled or not.
func (r *Registry) States() []PluginState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PluginState, 0, len(r.order))
	for _, name := range r.order {
		info := r.plugins[name].Info()
		reason, off := r.disabled[name]
		out = append(out, PluginState{
			Name:        info.Name,
			Version:     info.Version,
			Description: info.Description,
			Enabled:     !off,
			Reason:      reason,
		})
	}
	return out
}

// AllRoutes returns routes of enabled HTTPProvider plugins keyed by name.
func (r *Registry) AllRoutes() map[string][]plugin.Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make(map[string][]plugin.Route)
	for _, name := range r.order {
		if _, off := r.disabled[name]; off {
			continue
		}
		hp, ok := r.plugins[name].(plugin.HTTPProvider)
		if !ok {
			continue
		}
		if pr := hp.Routes(); len(pr) > 0 {
			routes[name] = pr
		}
	}
	return routes
}
