package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/mschirtzinger/tasksync/internal/config"
	"github.com/mschirtzinger/tasksync/internal/reconcile"
	"github.com/mschirtzinger/tasksync/internal/transport"
)

// Deps are the collaborators shared by every backend.
type Deps struct {
	Store  reconcile.LocalStore
	Shares ShareSource
	State  StateStore

	// Subscribe returns a new channel of local change notifications. It is
	// called once per event backend. Nil disables local notifications.
	Subscribe func() <-chan string

	Observer Observer

	// Logger returns the logger of a component. Nil logs to stderr.
	Logger func(component string) *log.Logger
}

func (d Deps) logger(component string) *log.Logger {
	if d.Logger == nil {
		return log.New(os.Stderr, "["+component+"] ", log.LstdFlags)
	}
	return d.Logger(component)
}

// Coordinator owns the instances of all configured backends.
type Coordinator struct {
	instances []*Instance
	logger    *log.Logger
}

// Build creates an instance for every backend in backends. Disabled
// backends are skipped.
func Build(backends []config.BackendConfig, deps Deps) (*Coordinator, error) {
	c := &Coordinator{logger: deps.logger("backend")}

	for _, bc := range backends {
		if !bc.IsEnabled() {
			continue
		}
		src, err := NewTransport(bc, deps.logger(bc.Type))
		if err != nil {
			return nil, err
		}

		var changes <-chan string
		if _, ok := src.(transport.EventSource); ok && deps.Subscribe != nil {
			changes = deps.Subscribe()
		}

		in, err := New(Options{
			ID:        bc.ID,
			Transport: src,
			Store:     deps.Store,
			State:     deps.State,
			Changes:   changes,
			Shares:    deps.Shares,
			Period:    bc.Period,
			Policy:    reconcile.Policy(bc.ConflictPolicy),
			SyncTags:  bc.SyncTags,
			Observer:  deps.Observer,
			Logger:    deps.logger(bc.ID),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create backend %s: %w", bc.ID, err)
		}
		c.instances = append(c.instances, in)
	}

	sort.Slice(c.instances, func(i, j int) bool { return c.instances[i].ID() < c.instances[j].ID() })
	return c, nil
}

// Instances returns the instances sorted by id.
func (c *Coordinator) Instances() []*Instance {
	return c.instances
}

// Instance returns the instance with the given id.
func (c *Coordinator) Instance(id string) (*Instance, bool) {
	for _, in := range c.instances {
		if in.ID() == id {
			return in, true
		}
	}
	return nil, false
}

// Start starts every instance. A backend that fails to start is logged and
// reported; the others keep running.
func (c *Coordinator) Start(ctx context.Context) error {
	var errs []error
	for _, in := range c.instances {
		if err := in.Start(ctx); err != nil {
			c.logger.Printf("WARNING: Failed to start %s: %v", in.ID(), err)
			errs = append(errs, fmt.Errorf("backend %s: %w", in.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Stop stops every instance.
func (c *Coordinator) Stop() error {
	var errs []error
	for _, in := range c.instances {
		if err := in.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("backend %s: %w", in.ID(), err))
		}
	}
	return errors.Join(errs...)
}
