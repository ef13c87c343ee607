package config

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/mschirtzinger/tasksync/internal/reconcile"
)

var backendIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, fmt.Errorf("data_dir cannot be empty"))
	}
	if c.Debounce < 0 {
		errs = append(errs, fmt.Errorf("debounce cannot be negative"))
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		errs = append(errs, fmt.Errorf("dashboard.port %d is out of range", c.Dashboard.Port))
	}

	seen := make(map[string]bool)
	for i, b := range c.Backends {
		name := b.ID
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		}
		if err := b.validate(); err != nil {
			errs = append(errs, fmt.Errorf("backend %s: %w", name, err))
		}
		if b.ID != "" {
			if seen[b.ID] {
				errs = append(errs, fmt.Errorf("backend %s: duplicate id", b.ID))
			}
			seen[b.ID] = true
		}
	}

	return errors.Join(errs...)
}

func (b BackendConfig) validate() error {
	var errs []error

	if !backendIDPattern.MatchString(b.ID) {
		errs = append(errs, fmt.Errorf("invalid id %q (lowercase letters, digits, - and _)", b.ID))
	}
	if _, err := reconcile.ParsePolicy(b.ConflictPolicy); err != nil {
		errs = append(errs, err)
	}
	if b.Period < 0 {
		errs = append(errs, fmt.Errorf("period cannot be negative"))
	}

	switch b.Type {
	case TypeRest:
		if b.Period <= 0 {
			errs = append(errs, fmt.Errorf("rest backends need a positive period"))
		}
		if b.Rest.BaseURL == "" {
			errs = append(errs, fmt.Errorf("rest.base_url is required"))
		}
		if b.Rest.Timeout < 0 {
			errs = append(errs, fmt.Errorf("rest.timeout cannot be negative"))
		}
	case TypeRedis:
		if b.Redis.URL == "" && b.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("redis.url or redis.addr is required"))
		}
		if b.Redis.Identity == "" {
			errs = append(errs, fmt.Errorf("redis.identity is required"))
		}
		if len(b.SyncTags) > 0 {
			errs = append(errs, fmt.Errorf("sync_tags is not supported on redis backends; shared tags select the synced tasks"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown type %q (want %s or %s)", b.Type, TypeRest, TypeRedis))
	}

	return errors.Join(errs...)
}
