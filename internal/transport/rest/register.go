package rest

import (
	"log"

	"github.com/mschirtzinger/tasksync/internal/backend"
	"github.com/mschirtzinger/tasksync/internal/config"
	"github.com/mschirtzinger/tasksync/internal/transport"
)

func init() {
	backend.Register(config.TypeRest, FromConfig)
}

// FromConfig builds a Client from a rest backend configuration.
func FromConfig(cfg config.BackendConfig, logger *log.Logger) (transport.Poller, error) {
	c, err := New(Config{
		BaseURL:  cfg.Rest.BaseURL,
		Token:    cfg.Rest.Token,
		Username: cfg.Rest.Username,
		Password: cfg.Rest.Password,
		Timeout:  cfg.Rest.Timeout,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}
