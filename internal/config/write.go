package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const fileHeader = `# tasksync configuration
#
# Credentials may reference environment variables, e.g. token: ${TASKSYNC_REST_TOKEN}
`

// file mirrors Config with durations rendered as strings such as "5m0s".
type file struct {
	DataDir   string          `yaml:"data_dir"`
	TasksDir  string          `yaml:"tasks_dir,omitempty"`
	LogFile   string          `yaml:"log_file,omitempty"`
	Debounce  string          `yaml:"debounce,omitempty"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Backends  []fileBackend   `yaml:"backends"`
}

type fileBackend struct {
	ID             string       `yaml:"id"`
	Type           string       `yaml:"type"`
	Enabled        *bool        `yaml:"enabled,omitempty"`
	Period         string       `yaml:"period,omitempty"`
	ConflictPolicy string       `yaml:"conflict_policy,omitempty"`
	SyncTags       []string     `yaml:"sync_tags,omitempty"`
	Rest           *fileRest    `yaml:"rest,omitempty"`
	Redis          *RedisConfig `yaml:"redis,omitempty"`
}

type fileRest struct {
	BaseURL  string `yaml:"base_url"`
	Token    string `yaml:"token,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Timeout  string `yaml:"timeout,omitempty"`
}

func duration(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}

// MarshalYAML implements yaml.Marshaler.
func (c Config) MarshalYAML() (any, error) {
	f := file{
		DataDir:   c.DataDir,
		TasksDir:  c.TasksDir,
		LogFile:   c.LogFile,
		Debounce:  duration(c.Debounce),
		Dashboard: c.Dashboard,
		Backends:  make([]fileBackend, 0, len(c.Backends)),
	}
	for _, b := range c.Backends {
		fb := fileBackend{
			ID:             b.ID,
			Type:           b.Type,
			Enabled:        b.Enabled,
			Period:         duration(b.Period),
			ConflictPolicy: b.ConflictPolicy,
			SyncTags:       b.SyncTags,
		}
		switch b.Type {
		case TypeRest:
			fb.Rest = &fileRest{
				BaseURL:  b.Rest.BaseURL,
				Token:    b.Rest.Token,
				Username: b.Rest.Username,
				Password: b.Rest.Password,
				Timeout:  duration(b.Rest.Timeout),
			}
		case TypeRedis:
			redis := b.Redis
			fb.Redis = &redis
		}
		f.Backends = append(f.Backends, fb)
	}
	return f, nil
}

// Write stores the configuration at path, creating parent directories.
// The file is readable by the owner only since it may hold credentials.
func (c *Config) Write(path string) error {
	var buf bytes.Buffer
	buf.WriteString(fileHeader)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
