// Package config loads the tasksync configuration.
//
// Sources, later ones winning:
//   - built-in defaults
//   - the YAML file (default $XDG_CONFIG_HOME/tasksync/tasksync.yaml)
//   - TASKSYNC_* environment variables for top-level and dashboard keys
//
// Backend credentials may reference environment variables as ${NAME}.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileName is the config file name inside the config directory.
const FileName = "tasksync.yaml"

// EnvPrefix prefixes environment overrides, e.g. TASKSYNC_DATA_DIR.
const EnvPrefix = "TASKSYNC"

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DataDir:  DefaultDataDir(),
		Debounce: 100 * time.Millisecond,
		Dashboard: DashboardConfig{
			Port: 8080,
		},
	}
}

// DefaultPath returns the path of the config file when none is given.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return FileName
	}
	return filepath.Join(dir, "tasksync", FileName)
}

// DefaultDataDir returns $XDG_DATA_HOME/tasksync or ~/.local/share/tasksync.
func DefaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "tasksync")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tasksync"
	}
	return filepath.Join(home, ".local", "share", "tasksync")
}

// Load reads the configuration from path, or from DefaultPath when path is
// empty. A missing default file yields the defaults; a missing explicit
// file is an error. The result is not validated.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if explicit || !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.TasksDir = expandHome(cfg.TasksDir)
	cfg.LogFile = expandHome(cfg.LogFile)
	for i := range cfg.Backends {
		expandSecrets(&cfg.Backends[i])
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("tasks_dir", d.TasksDir)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("debounce", d.Debounce)
	v.SetDefault("dashboard.enabled", d.Dashboard.Enabled)
	v.SetDefault("dashboard.port", d.Dashboard.Port)
}

func expandSecrets(b *BackendConfig) {
	b.Rest.Token = os.ExpandEnv(b.Rest.Token)
	b.Rest.Password = os.ExpandEnv(b.Rest.Password)
	b.Redis.URL = os.ExpandEnv(b.Redis.URL)
	b.Redis.Password = os.ExpandEnv(b.Redis.Password)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// TasksRoot returns the local task store root.
func (c *Config) TasksRoot() string {
	if c.TasksDir != "" {
		return c.TasksDir
	}
	return c.DataDir
}

// StatePath returns the path of the sync state database.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "state.db")
}

// Backend returns the backend with the given id.
func (c *Config) Backend(id string) (BackendConfig, bool) {
	for _, b := range c.Backends {
		if b.ID == id {
			return b, true
		}
	}
	return BackendConfig{}, false
}

// EnabledBackends returns the backends that should run.
func (c *Config) EnabledBackends() []BackendConfig {
	var out []BackendConfig
	for _, b := range c.Backends {
		if b.IsEnabled() {
			out = append(out, b)
		}
	}
	return out
}
