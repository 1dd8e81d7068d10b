package external

import (
	"fmt"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/benesync/internal/core/domain"
	"github.com/atvirokodosprendimai/benesync/internal/core/ports"
)

// Registry maps adapter type names to factories so sync configs can name
// their transport without the engine knowing any concrete adapter.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ports.AdapterFactory
}

// NewRegistry returns a registry preloaded with the built-in adapters:
// "rest" and "log". secret is the HMAC signing key handed to REST
// adapters.
func NewRegistry(secret string, timeout time.Duration) *Registry {
	r := &Registry{factories: map[string]ports.AdapterFactory{}}
	r.Register("rest", func(cfg domain.SyncConfig) (ports.ExternalAdapter, error) {
		if cfg.URL == "" {
			return nil, fmt.Errorf("%w: rest adapter requires a url", domain.ErrValidation)
		}
		return NewRESTAdapter(cfg.URL, secret, timeout), nil
	})
	r.Register("log", func(domain.SyncConfig) (ports.ExternalAdapter, error) {
		return NewLogAdapter(), nil
	})
	return r
}

func (r *Registry) Register(name string, factory ports.AdapterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Resolve builds an adapter for the config's adapter type. It satisfies
// ports.AdapterFactory.
func (r *Registry) Resolve(cfg domain.SyncConfig) (ports.ExternalAdapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.AdapterType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown adapter type %q", domain.ErrValidation, cfg.AdapterType)
	}
	return factory(cfg)
}
