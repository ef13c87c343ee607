package redisbus

import (
	"log"

	"github.com/mschirtzinger/tasksync/internal/backend"
	"github.com/mschirtzinger/tasksync/internal/config"
	"github.com/mschirtzinger/tasksync/internal/transport"
)

func init() {
	backend.Register(config.TypeRedis, FromConfig)
}

// FromConfig builds a Bus from a redis backend configuration.
func FromConfig(cfg config.BackendConfig, logger *log.Logger) (transport.Poller, error) {
	b, err := New(Config{
		URL:       cfg.Redis.URL,
		Addr:      cfg.Redis.Addr,
		Username:  cfg.Redis.Username,
		Password:  cfg.Redis.Password,
		Identity:  cfg.Redis.Identity,
		Namespace: cfg.Redis.Namespace,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}
