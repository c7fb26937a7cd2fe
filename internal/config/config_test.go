package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestViperConfigGetters(t *testing.T) {
	v := viper.New()
	v.Set("backend.url", "http://backend:8000")
	v.Set("traffic.poll_attempts", 120)
	v.Set("grid.auto_refresh", true)
	v.Set("grid.auto_refresh_interval", "30s")
	cfg := New(v)

	if got := cfg.GetString("backend.url"); got != "http://backend:8000" {
		t.Errorf("GetString = %q, want %q", got, "http://backend:8000")
	}
	if got := cfg.GetInt("traffic.poll_attempts"); got != 120 {
		t.Errorf("GetInt = %d, want 120", got)
	}
	if !cfg.GetBool("grid.auto_refresh") {
		t.Error("GetBool = false, want true")
	}
	if got := cfg.GetDuration("grid.auto_refresh_interval"); got != 30*time.Second {
		t.Errorf("GetDuration = %v, want 30s", got)
	}
}

func TestViperConfigIsSet(t *testing.T) {
	v := viper.New()
	v.Set("grid.subnet", "10.0.0")
	cfg := New(v)

	if !cfg.IsSet("grid.subnet") {
		t.Error("IsSet('grid.subnet') = false, want true")
	}
	if cfg.IsSet("grid.missing") {
		t.Error("IsSet('grid.missing') = true, want false")
	}
}

func TestViperConfigSub(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	cfg := New(v)

	sub := cfg.Sub("plugins.traffic")
	if got := sub.GetDuration("poll_interval"); got != 5*time.Second {
		t.Errorf("poll_interval = %v, want 5s", got)
	}
	if got := sub.GetInt("poll_attempts"); got != 120 {
		t.Errorf("poll_attempts = %d, want 120", got)
	}
	if got := sub.GetString("on_poll_exhausted"); got != "keep" {
		t.Errorf("on_poll_exhausted = %q, want keep", got)
	}
}

func TestViperConfigSubMissing(t *testing.T) {
	cfg := New(viper.New())

	sub := cfg.Sub("nonexistent")
	if sub == nil {
		t.Fatal("Sub('nonexistent') should return empty Config, not nil")
	}
	if got := sub.GetString("anything"); got != "" {
		t.Errorf("empty config GetString() = %q, want empty", got)
	}
}

func TestViperConfigUnmarshal(t *testing.T) {
	v := viper.New()
	v.Set("cores", 4)
	v.Set("bridge", "vmbr1")
	cfg := New(v)

	var target struct {
		Cores  int    `mapstructure:"cores"`
		Bridge string `mapstructure:"bridge"`
	}
	if err := cfg.Unmarshal(&target); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if target.Cores != 4 || target.Bridge != "vmbr1" {
		t.Errorf("target = %+v, want cores=4 bridge=vmbr1", target)
	}
}

func TestNilViper(t *testing.T) {
	cfg := New(nil)
	if got := cfg.GetString("key"); got != "" {
		t.Errorf("nil viper GetString() = %q, want empty", got)
	}
}

func TestSetDefaults_AutoRefreshDisabled(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	if v.GetBool("plugins.grid.auto_refresh") {
		t.Error("auto refresh should be disabled by default")
	}
	if got := v.GetDuration("plugins.grid.auto_refresh_interval"); got != 30*time.Second {
		t.Errorf("auto_refresh_interval = %v, want 30s", got)
	}
	for _, name := range []string{"grid", "traffic", "discovery", "provision"} {
		if !v.GetBool("plugins." + name + ".enabled") {
			t.Errorf("plugin %q should be enabled by default", name)
		}
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subnetgrid.yaml")
	content := "backend:\n  url: http://10.0.0.2:8000\nplugins:\n  traffic:\n    poll_attempts: 10\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	v, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := v.GetString("backend.url"); got != "http://10.0.0.2:8000" {
		t.Errorf("backend.url = %q", got)
	}
	if got := v.GetInt("plugins.traffic.poll_attempts"); got != 10 {
		t.Errorf("poll_attempts = %d, want 10", got)
	}
	if got := v.GetString("plugins.provision.bridge"); got != "vmbr0" {
		t.Errorf("default bridge = %q, want vmbr0", got)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("SUBNETGRID_BACKEND_URL", "http://env-backend:9000")
	t.Chdir(t.TempDir())

	v, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := v.GetString("backend.url"); got != "http://env-backend:9000" {
		t.Errorf("backend.url = %q, want env override", got)
	}
}
