package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// registration pairs a transport's builder with its declared capabilities.
type registration struct {
	build Builder
	caps  Capabilities
}

// Registry maps transport names to the builders that construct them.
// Each adapter package registers itself from an init func, so importing
// a transport (directly or via the transports meta-package) is all it
// takes to make it buildable.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// DefaultRegistry is the registry the adapter packages register into.
var DefaultRegistry = NewRegistry()

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register binds a builder to a transport name. The name is what a
// config's PubSubSystem selects, e.g. "kafka" or "rabbitmq". The
// capabilities for the name default to zero; use RegisterWithCapabilities
// when the adapter declares them.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.entries[name]
	entry.build = builder
	r.entries[name] = entry
}

// RegisterWithCapabilities binds a builder together with the transport's
// capability declaration.
func (r *Registry) RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = registration{build: builder, caps: caps}
}

// GetCapabilities reports what a registered transport declared about
// itself. Unknown names get a zero Capabilities carrying just the name,
// so callers can treat "not registered" and "declares nothing" the same
// way.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.entries[name]; ok && entry.caps.Name != "" {
		return entry.caps
	}
	return Capabilities{Name: name}
}

// Build looks up the builder selected by cfg.GetPubSubSystem and runs it.
// The builder's error is passed through untouched.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, fmt.Errorf("config is required")
	}

	name := cfg.GetPubSubSystem()

	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		return Transport{}, fmt.Errorf("unknown transport: %q (registered: %v)", name, r.Names())
	}

	return entry.build(ctx, cfg, logger)
}

// Names lists the registered transport names in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// Has reports whether a builder is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Register binds a builder in the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// RegisterWithCapabilities binds a builder and its capabilities in the
// default registry.
func RegisterWithCapabilities(name string, builder Builder, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, builder, caps)
}

// Build constructs a transport from the default registry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
