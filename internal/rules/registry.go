package rules

import (
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Registry keeps one screening engine per tenant.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*Engine
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]*Engine)}
}

// Get returns the tenant's engine, or nil if none has been loaded.
func (r *Registry) Get(tenantID string) *Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engines[tenantID]
}

// Load replaces the tenant's rule set. On error the previous set stays active.
func (r *Registry) Load(tenantID string, configs []*domain.ScreeningRule) (*Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	engine, ok := r.engines[tenantID]
	if !ok {
		var err error
		engine, err = NewEngine()
		if err != nil {
			return nil, err
		}
	}
	if err := engine.ReloadRules(configs); err != nil {
		return nil, err
	}
	r.engines[tenantID] = engine
	return engine, nil
}

// Validate compiles a rule without loading it anywhere.
func (r *Registry) Validate(rule *domain.ScreeningRule) error {
	engine, err := NewEngine()
	if err != nil {
		return err
	}
	_, err = engine.Compile(rule)
	return err
}

// Close drops all engines.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, engine := range r.engines {
		_ = engine.Close()
	}
	r.engines = make(map[string]*Engine)
	return nil
}
