package processor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/docforge-labs/docengine/engine/logging"
)

// Factory builds a processor instance from stage configuration. The
// registry calls Initialize on the instance before handing it out.
type Factory func(config map[string]any) (Processor, error)

// Registry maps processor names to factories and caches initialized
// instances keyed by name plus configuration hash. Two stages with the
// same processor and identical config share one instance; different
// configs get different instances.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	cache     *lru.Cache[string, Processor]
	logger    logging.Logger
}

// NewRegistry creates a registry whose instance cache holds at most
// cacheSize processors. Evicted instances are cleaned up.
func NewRegistry(logger logging.Logger, cacheSize int) (*Registry, error) {
	if cacheSize <= 0 {
		cacheSize = 64
	}
	r := &Registry{
		factories: map[string]Factory{},
		logger:    logger,
	}
	cache, err := lru.NewWithEvict[string, Processor](cacheSize, func(key string, p Processor) {
		if err := p.Cleanup(context.Background()); err != nil {
			logger.Warn("processor_evict_cleanup_failed", "cache_key", key, "error", err.Error())
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create processor cache: %w", err)
	}
	r.cache = cache
	return r, nil
}

// Register binds a name to a factory. Registering a duplicate name is an
// error; use Replace to swap factories deliberately.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("processor name is empty")
	}
	if factory == nil {
		return fmt.Errorf("processor %s: nil factory", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("processor %s already registered", name)
	}
	r.factories[name] = factory
	r.logger.Debug("processor_registered", "processor", name)
	return nil
}

// Replace binds a name to a factory, overwriting any previous binding.
// Cached instances built by the old factory are dropped.
func (r *Registry) Replace(name string, factory Factory) {
	r.mu.Lock()
	r.factories[name] = factory
	r.mu.Unlock()
	for _, key := range r.cache.Keys() {
		if keyName(key) == name {
			r.cache.Remove(key)
		}
	}
}

// Has reports whether a factory is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns registered processor names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns an initialized instance for name and config, building and
// caching one when absent.
func (r *Registry) Get(ctx context.Context, name string, config map[string]any) (Processor, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("processor %s not registered", name)
	}

	key := cacheKey(name, config)
	if p, ok := r.cache.Get(key); ok {
		return p, nil
	}

	p, err := factory(config)
	if err != nil {
		return nil, fmt.Errorf("processor %s factory: %w", name, err)
	}
	if err := p.Initialize(ctx); err != nil {
		return nil, &InitError{Name: name, Cause: err}
	}
	r.cache.Add(key, p)
	r.logger.Debug("processor_instantiated", "processor", name, "cache_key", key)
	return p, nil
}

// Shutdown cleans up every cached instance and empties the cache.
func (r *Registry) Shutdown(ctx context.Context) {
	for _, key := range r.cache.Keys() {
		if p, ok := r.cache.Peek(key); ok {
			if err := p.Cleanup(ctx); err != nil {
				r.logger.Warn("processor_cleanup_failed", "cache_key", key, "error", err.Error())
			}
		}
	}
	// Purge without re-running the eviction callback on already cleaned
	// instances: Cleanup is idempotent for well-behaved processors.
	r.cache.Purge()
	r.logger.Info("processor_registry_shutdown")
}

// ConfigHash returns a stable hex digest of a config map. Maps serialize
// with sorted keys, so logically equal configs hash identically.
func ConfigHash(config map[string]any) string {
	if len(config) == 0 {
		return "empty"
	}
	data, err := json.Marshal(config)
	if err != nil {
		// Unserializable configs still need a key; fall back to the
		// formatted map, which is stable for map[string]any.
		data = []byte(fmt.Sprintf("%v", config))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

func cacheKey(name string, config map[string]any) string {
	return name + ":" + ConfigHash(config)
}

func keyName(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}
