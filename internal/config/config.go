// Package config loads SubnetGrid configuration with viper and exposes it
// to plugins through the plugin.Config interface.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/HerbHall/subnetgrid/pkg/plugin"
)

// EnvPrefix prefixes every environment override, e.g. SUBNETGRID_BACKEND_URL.
const EnvPrefix = "SUBNETGRID"

// Compile-time interface guard.
var _ plugin.Config = (*ViperConfig)(nil)

// ViperConfig adapts a *viper.Viper to plugin.Config.
type ViperConfig struct {
	v *viper.Viper
}

// New wraps v. A nil v yields an empty configuration.
func New(v *viper.Viper) *ViperConfig {
	if v == nil {
		v = viper.New()
	}
	return &ViperConfig{v: v}
}

func (c *ViperConfig) GetString(key string) string          { return c.v.GetString(key) }
func (c *ViperConfig) GetInt(key string) int                { return c.v.GetInt(key) }
func (c *ViperConfig) GetBool(key string) bool              { return c.v.GetBool(key) }
func (c *ViperConfig) GetDuration(key string) time.Duration { return c.v.GetDuration(key) }
func (c *ViperConfig) IsSet(key string) bool                { return c.v.IsSet(key) }

// Sub returns the subtree at key. Missing subtrees yield an empty config
// rather than nil.
func (c *ViperConfig) Sub(key string) plugin.Config {
	sub := c.v.Sub(key)
	if sub == nil {
		sub = viper.New()
	}
	return &ViperConfig{v: sub}
}

// Unmarshal decodes the whole configuration into target.
func (c *ViperConfig) Unmarshal(target any) error {
	return c.v.Unmarshal(target)
}

// Viper exposes the wrapped instance.
func (c *ViperConfig) Viper() *viper.Viper {
	return c.v
}

// SetDefaults registers every default SubnetGrid understands.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("backend.url", "http://localhost:8000")
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", "8080")
	v.SetDefault("log.development", false)
	v.SetDefault("data.dir", ".")

	for _, name := range []string{"grid", "traffic", "discovery", "provision"} {
		v.SetDefault("plugins."+name+".enabled", true)
	}

	v.SetDefault("plugins.grid.subnet", "")
	v.SetDefault("plugins.grid.auto_refresh", false)
	v.SetDefault("plugins.grid.auto_refresh_interval", "30s")

	v.SetDefault("plugins.traffic.poll_interval", "5s")
	v.SetDefault("plugins.traffic.poll_attempts", 120)
	v.SetDefault("plugins.traffic.active_refresh_interval", "10s")
	v.SetDefault("plugins.traffic.on_poll_exhausted", "keep")
	v.SetDefault("plugins.traffic.targets_file", "")

	v.SetDefault("plugins.provision.cores", 2)
	v.SetDefault("plugins.provision.memory", 2048)
	v.SetDefault("plugins.provision.disk_size", 32)
	v.SetDefault("plugins.provision.bridge", "vmbr0")
	v.SetDefault("plugins.provision.gateway", "192.168.0.1")
	v.SetDefault("plugins.provision.nameserver", "8.8.8.8")
	v.SetDefault("plugins.provision.start_vm", true)

	v.SetDefault("notify.mqtt.broker", "")
	v.SetDefault("notify.mqtt.topic_prefix", "subnetgrid")
	v.SetDefault("notify.mqtt.client_id", "subnetgrid")
}

// Load reads configuration from path (or the default search paths when
// empty), a .env file in the working directory and SUBNETGRID_* variables.
func Load(path string) (*viper.Viper, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("subnetgrid")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/subnetgrid")
		}
		v.AddConfigPath("/etc/subnetgrid")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}
