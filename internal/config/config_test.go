package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
data_dir: /var/lib/tasksync
debounce: 250ms
dashboard:
  enabled: true
  port: 9090
backends:
  - id: work
    type: rest
    period: 5m
    conflict_policy: newest-wins
    sync_tags: ["@work"]
    rest:
      base_url: https://tasks.example.com/api
      token: ${TEST_TASKSYNC_TOKEN}
      timeout: 10s
  - id: team
    type: redis
    enabled: false
    redis:
      addr: localhost:6379
      identity: alice
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Debounce != 100*time.Millisecond {
		t.Errorf("Debounce = %v, want 100ms", cfg.Debounce)
	}
	if cfg.Dashboard.Enabled {
		t.Error("dashboard should be disabled by default")
	}
	if cfg.Dashboard.Port != 8080 {
		t.Errorf("Dashboard.Port = %d, want 8080", cfg.Dashboard.Port)
	}
	if cfg.DataDir == "" {
		t.Error("DataDir should have a default")
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_TASKSYNC_TOKEN", "s3cret")
	path := writeFile(t, sampleConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.DataDir != "/var/lib/tasksync" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Debounce != 250*time.Millisecond {
		t.Errorf("Debounce = %v", cfg.Debounce)
	}
	if !cfg.Dashboard.Enabled || cfg.Dashboard.Port != 9090 {
		t.Errorf("Dashboard = %+v", cfg.Dashboard)
	}
	if len(cfg.Backends) != 2 {
		t.Fatalf("got %d backends, want 2", len(cfg.Backends))
	}

	work := cfg.Backends[0]
	if work.Period != 5*time.Minute {
		t.Errorf("Period = %v", work.Period)
	}
	if work.Rest.Token != "s3cret" {
		t.Errorf("Token = %q, want expanded env var", work.Rest.Token)
	}
	if work.Rest.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v", work.Rest.Timeout)
	}
	if len(work.SyncTags) != 1 || work.SyncTags[0] != "@work" {
		t.Errorf("SyncTags = %v", work.SyncTags)
	}
	if !work.IsEnabled() {
		t.Error("work should be enabled by default")
	}

	if cfg.Backends[1].IsEnabled() {
		t.Error("team should be disabled")
	}
	if got := cfg.EnabledBackends(); len(got) != 1 || got[0].ID != "work" {
		t.Errorf("EnabledBackends() = %+v", got)
	}
	if _, ok := cfg.Backend("team"); !ok {
		t.Error("Backend(team) not found")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() failed: %v", err)
	}
	if cfg.StatePath() != "/var/lib/tasksync/state.db" {
		t.Errorf("StatePath() = %q", cfg.StatePath())
	}
	if cfg.TasksRoot() != "/var/lib/tasksync" {
		t.Errorf("TasksRoot() = %q", cfg.TasksRoot())
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeFile(t, sampleConfig)
	t.Setenv("TASKSYNC_DATA_DIR", "/tmp/override")
	t.Setenv("TASKSYNC_DASHBOARD_PORT", "7070")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.DataDir != "/tmp/override" {
		t.Errorf("DataDir = %q, want env override", cfg.DataDir)
	}
	if cfg.Dashboard.Port != 7070 {
		t.Errorf("Dashboard.Port = %d, want env override", cfg.Dashboard.Port)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() without a config file failed: %v", err)
	}
	if cfg.Debounce != 100*time.Millisecond {
		t.Errorf("Debounce = %v, want default", cfg.Debounce)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() of a missing explicit file should fail")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			DataDir: "/data",
			Backends: []BackendConfig{
				{ID: "work", Type: TypeRest, Period: time.Minute, Rest: RestConfig{BaseURL: "https://x"}},
				{ID: "team", Type: TypeRedis, Redis: RedisConfig{Addr: "localhost:6379", Identity: "alice"}},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"duplicate id", func(c *Config) { c.Backends[1].ID = "work" }, "duplicate id"},
		{"bad id", func(c *Config) { c.Backends[0].ID = "Work Tasks" }, "invalid id"},
		{"unknown type", func(c *Config) { c.Backends[0].Type = "xmpp" }, "unknown type"},
		{"unknown policy", func(c *Config) { c.Backends[0].ConflictPolicy = "coin-flip" }, "unknown conflict policy"},
		{"rest without period", func(c *Config) { c.Backends[0].Period = 0 }, "positive period"},
		{"rest without url", func(c *Config) { c.Backends[0].Rest.BaseURL = "" }, "base_url"},
		{"redis without identity", func(c *Config) { c.Backends[1].Redis.Identity = "" }, "identity"},
		{"redis without address", func(c *Config) { c.Backends[1].Redis.Addr = "" }, "redis.url or redis.addr"},
		{"redis with sync tags", func(c *Config) { c.Backends[1].SyncTags = []string{"@home"} }, "sync_tags"},
		{"rest with sync tags", func(c *Config) { c.Backends[0].SyncTags = []string{"@work"} }, ""},
		{"negative debounce", func(c *Config) { c.Debounce = -time.Second }, "debounce"},
		{"bad dashboard port", func(c *Config) { c.Dashboard = DashboardConfig{Enabled: true, Port: 0} }, "dashboard.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestWrite_RoundTrip(t *testing.T) {
	disabled := false
	cfg := &Config{
		DataDir:  "/data",
		Debounce: 200 * time.Millisecond,
		Backends: []BackendConfig{
			{ID: "work", Type: TypeRest, Period: 5 * time.Minute, Rest: RestConfig{BaseURL: "https://x", Token: "${TOKEN}"}},
			{ID: "team", Type: TypeRedis, Enabled: &disabled, Redis: RedisConfig{Addr: "localhost:6379", Identity: "alice"}},
		},
	}

	path := filepath.Join(t.TempDir(), "nested", FileName)
	if err := cfg.Write(path); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "period: 5m0s") {
		t.Errorf("durations should be written as strings:\n%s", data)
	}
	if strings.Count(string(data), "rest:") != 1 || strings.Count(string(data), "redis:") != 1 {
		t.Errorf("each backend should carry only its own section:\n%s", data)
	}

	t.Setenv("TOKEN", "expanded")
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if got.Debounce != cfg.Debounce || len(got.Backends) != 2 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Backends[0].Period != 5*time.Minute || got.Backends[0].Rest.Token != "expanded" {
		t.Errorf("work = %+v", got.Backends[0])
	}
	if got.Backends[1].IsEnabled() || got.Backends[1].Redis.Identity != "alice" {
		t.Errorf("team = %+v", got.Backends[1])
	}
	if err := got.Validate(); err != nil {
		t.Errorf("Validate() failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
}
