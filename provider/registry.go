package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mstgnz/pawguard/infra/config"
	"github.com/mstgnz/pawguard/infra/logger"
)

// ProviderRegistry manages all payment provider implementations
type ProviderRegistry struct {
	providers map[string]ProviderFactory
	mu        sync.RWMutex
}

// NewProviderRegistry creates a new provider registry
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		providers: make(map[string]ProviderFactory),
	}
}

// Register adds a payment provider factory to the registry
func (r *ProviderRegistry) Register(name string, factory ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = factory
}

// Get retrieves a payment provider factory by name
func (r *ProviderRegistry) Get(name string) (ProviderFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, exists := r.providers[name]
	if !exists {
		return nil, fmt.Errorf("payment provider '%s' is not registered", name)
	}

	return factory, nil
}

// CreateProvider creates a new instance of a payment provider
func (r *ProviderRegistry) CreateProvider(name string) (PaymentProvider, error) {
	factory, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	return factory(), nil
}

// GetProviderNames returns the registered provider names, sorted
func (r *ProviderRegistry) GetProviderNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// DefaultRegistry is the global default provider registry
var DefaultRegistry = NewProviderRegistry()

// Register registers a provider with the default registry
func Register(name string, factory ProviderFactory) {
	DefaultRegistry.Register(name, factory)
}

// CreateProvider creates a provider instance from the default registry
func CreateProvider(name string) (PaymentProvider, error) {
	return DefaultRegistry.CreateProvider(name)
}

// Providers holds the initialized providers. A provider that is registered
// but has no complete credentials is absent and reported unavailable.
type Providers struct {
	mu        sync.RWMutex
	providers map[string]PaymentProvider
}

// NewProviders creates an empty set
func NewProviders() *Providers {
	return &Providers{providers: make(map[string]PaymentProvider)}
}

// Load initializes every registered provider that cfg has credentials for
func Load(registry *ProviderRegistry, cfg *config.ProviderConfig) *Providers {
	set := NewProviders()

	for _, name := range registry.GetProviderNames() {
		conf, err := cfg.GetConfig(name)
		if err != nil {
			logger.Warn("payment provider unavailable: no credentials", logger.LogContext{Provider: name})
			continue
		}

		p, err := registry.CreateProvider(name)
		if err != nil {
			continue
		}
		if err := p.ValidateConfig(conf); err != nil {
			logger.Warn(fmt.Sprintf("payment provider unavailable: %v", err), logger.LogContext{Provider: name})
			continue
		}
		if err := p.Initialize(conf); err != nil {
			logger.Warn(fmt.Sprintf("payment provider unavailable: %v", err), logger.LogContext{Provider: name})
			continue
		}

		set.Add(name, p)
		logger.Info("payment provider initialized", logger.LogContext{Provider: name})
	}

	return set
}

// Add makes an initialized provider available
func (s *Providers) Add(name string, p PaymentProvider) {
	s.mu.Lock()
	s.providers[name] = p
	s.mu.Unlock()
}

// Get returns the provider or ErrProviderUnavailable
func (s *Providers) Get(name string) (PaymentProvider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.providers[name]
	if !ok {
		return nil, ErrProviderUnavailable
	}
	return p, nil
}

// Names lists the available providers, sorted
func (s *Providers) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
