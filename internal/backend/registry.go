package backend

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/mschirtzinger/tasksync/internal/config"
	"github.com/mschirtzinger/tasksync/internal/transport"
)

// Constructor builds the transport of a configured backend. Event backends
// return a value that also implements transport.EventSource.
// Implementations register themselves with the registry using Register().
type Constructor func(cfg config.BackendConfig, logger *log.Logger) (transport.Poller, error)

// registry maps backend types to their constructors
var (
	registry      = make(map[string]Constructor)
	registryMutex sync.RWMutex
)

// Register registers a transport constructor for a backend type.
// This is called from init() functions in transport packages (rest, redisbus).
//
// Example:
//
//	func init() {
//	    backend.Register(config.TypeRest, FromConfig)
//	}
func Register(typ string, constructor Constructor) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if constructor == nil {
		panic(fmt.Sprintf("backend: Register constructor is nil for type %s", typ))
	}

	if _, exists := registry[typ]; exists {
		panic(fmt.Sprintf("backend: Register called twice for type %s", typ))
	}

	registry[typ] = constructor
}

// IsRegistered returns true if a constructor is registered for the given type.
func IsRegistered(typ string) bool {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	_, exists := registry[typ]
	return exists
}

// RegisteredTypes returns all registered backend types, sorted.
func RegisteredTypes() []string {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	types := make([]string, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// NewTransport builds the transport for cfg with the registered constructor.
func NewTransport(cfg config.BackendConfig, logger *log.Logger) (transport.Poller, error) {
	registryMutex.RLock()
	constructor := registry[cfg.Type]
	registryMutex.RUnlock()

	if constructor == nil {
		return nil, fmt.Errorf("no transport registered for backend type %q", cfg.Type)
	}
	src, err := constructor(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s transport for %s: %w", cfg.Type, cfg.ID, err)
	}
	return src, nil
}

// unregister removes a type. Tests only.
func unregister(typ string) {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	delete(registry, typ)
}
