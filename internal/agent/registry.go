package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

var (
	registry     = make(map[string]func() (Runner, error))
	registryLock sync.RWMutex
)

// Register adds a runner factory to the registry.
func Register(name string, factory func() (Runner, error)) {
	registryLock.Lock()
	defer registryLock.Unlock()
	registry[name] = factory
}

// Get builds a runner by provider name from the registry.
func Get(name string) (Runner, error) {
	registryLock.RLock()
	factory, ok := registry[name]
	registryLock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	return factory()
}

// List returns all registered provider names, sorted.
func List() []string {
	registryLock.RLock()
	defer registryLock.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Exists checks if a provider is registered.
func Exists(name string) bool {
	registryLock.RLock()
	defer registryLock.RUnlock()
	_, ok := registry[name]
	return ok
}

// Router dispatches each call to the runner for opts.Provider, falling back
// to a default provider when the call does not specify one. Runners are built
// lazily and cached, so an unconfigured provider only fails when a movement
// actually routes to it.
type Router struct {
	defaultProvider string

	mu      sync.Mutex
	runners map[string]Runner
}

// NewRouter creates a Router with the given default provider.
func NewRouter(defaultProvider string) *Router {
	return &Router{
		defaultProvider: defaultProvider,
		runners:         make(map[string]Runner),
	}
}

// Name returns the default provider identifier.
func (r *Router) Name() string {
	return r.defaultProvider
}

// Run resolves the provider for this call and delegates to its runner.
func (r *Router) Run(ctx context.Context, persona Persona, instruction string, opts Options) (*Response, error) {
	provider := opts.Provider
	if provider == "" {
		provider = r.defaultProvider
	}

	runner, err := r.runner(provider)
	if err != nil {
		return nil, err
	}
	return runner.Run(ctx, persona, instruction, opts)
}

func (r *Router) runner(provider string) (Runner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if runner, ok := r.runners[provider]; ok {
		return runner, nil
	}
	runner, err := Get(provider)
	if err != nil {
		return nil, err
	}
	r.runners[provider] = runner
	return runner, nil
}
