package collector

import (
	"fmt"
	"sync"

	"github.com/kudoshq/ingestd/internal/ingest"
)

// Registry resolves platform keys to their registered adapter. New platforms
// are added by registering another adapter, never by extending a base type.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]ingest.Collector
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]ingest.Collector)}
}

// Register adds an adapter under its platform key. Registering the same key
// twice replaces the earlier adapter.
func (r *Registry) Register(c ingest.Collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[c.Platform()] = c
}

// For returns the adapter for a platform, or ErrUnknownPlatform.
func (r *Registry) For(platform string) (ingest.Collector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.adapters[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ingest.ErrUnknownPlatform, platform)
	}
	return c, nil
}

// Platforms lists registered platform keys.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		keys = append(keys, k)
	}
	return keys
}
