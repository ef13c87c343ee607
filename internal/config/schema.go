package config

import "time"

// Backend types understood by the coordinator.
const (
	TypeRest  = "rest"
	TypeRedis = "redis"
)

// Config represents the full tasksync configuration
type Config struct {
	// DataDir holds state.db and, unless TasksDir is set, the task files.
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	// TasksDir is the root of the local task store.
	TasksDir string `yaml:"tasks_dir" mapstructure:"tasks_dir"`

	// LogFile enables rotated file logging when set
	LogFile string `yaml:"log_file" mapstructure:"log_file"`

	// Debounce batches rapid local file changes
	Debounce time.Duration `yaml:"debounce" mapstructure:"debounce"`

	Dashboard DashboardConfig `yaml:"dashboard" mapstructure:"dashboard"`

	Backends []BackendConfig `yaml:"backends" mapstructure:"backends"`
}

// DashboardConfig configures the websocket event feed
type DashboardConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	Port    int  `yaml:"port" mapstructure:"port"`
}

// BackendConfig configures one remote backend
type BackendConfig struct {
	ID   string `yaml:"id" mapstructure:"id"`
	Type string `yaml:"type" mapstructure:"type"`

	// Enabled defaults to true when omitted
	Enabled *bool `yaml:"enabled,omitempty" mapstructure:"enabled"`

	// Period is the poll interval for rest backends and the optional
	// full-resync interval for redis backends.
	Period time.Duration `yaml:"period" mapstructure:"period"`

	ConflictPolicy string `yaml:"conflict_policy" mapstructure:"conflict_policy"`

	// SyncTags limits a rest backend to tasks carrying one of the tags.
	// Redis backends sync the tags of their channels instead.
	SyncTags []string `yaml:"sync_tags" mapstructure:"sync_tags"`

	Rest  RestConfig  `yaml:"rest" mapstructure:"rest"`
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`
}

// IsEnabled reports whether the backend should run.
func (b BackendConfig) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// RestConfig configures a rest backend
type RestConfig struct {
	BaseURL  string        `yaml:"base_url" mapstructure:"base_url"`
	Token    string        `yaml:"token" mapstructure:"token"`
	Username string        `yaml:"username" mapstructure:"username"`
	Password string        `yaml:"password" mapstructure:"password"`
	Timeout  time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// RedisConfig configures a redis backend
type RedisConfig struct {
	URL       string `yaml:"url" mapstructure:"url"`
	Addr      string `yaml:"addr" mapstructure:"addr"`
	Username  string `yaml:"username" mapstructure:"username"`
	Password  string `yaml:"password" mapstructure:"password"`
	Identity  string `yaml:"identity" mapstructure:"identity"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}
