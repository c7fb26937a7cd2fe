// Package plugin defines the contracts shared by SubnetGrid modules: the
// plugin lifecycle, HTTP routes, the event bus and the persistence store.
package plugin

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Route represents an HTTP route exposed by a plugin.
type Route struct {
	Method  string
	Path    string
	Handler http.HandlerFunc
}

// Plugin API versions accepted by the registry.
const (
	APIVersionMin     = 1
	APIVersionCurrent = 1
)

// PluginInfo describes a registered plugin.
type PluginInfo struct {
	Name        string
	Version     string
	Description string

	// Dependencies names plugins that must initialize first.
	Dependencies []string

	// Required plugins abort startup when they cannot be loaded. Optional
	// plugins are disabled instead.
	Required bool

	APIVersion int
}

// Dependencies are handed to every plugin during Init.
type Dependencies struct {
	Config Config
	Logger *zap.Logger
	Bus    EventBus
	Store  Store
}

// Plugin is implemented by every SubnetGrid module.
type Plugin interface {
	// Info returns the plugin's identity. Name must be unique.
	Info() PluginInfo

	// Init wires configuration and shared services.
	Init(ctx context.Context, deps Dependencies) error

	// Start begins background work. It must not block.
	Start(ctx context.Context) error

	// Stop cancels all background work owned by the plugin.
	Stop(ctx context.Context) error
}

// Config is the read-only configuration view given to plugins.
type Config interface {
	GetString(key string) string
	GetInt(key string) int
	GetBool(key string) bool
	GetDuration(key string) time.Duration
	IsSet(key string) bool
	Sub(key string) Config
	Unmarshal(target any) error
}
