package llms

import (
	"fmt"

	"github.com/arbiterhq/arbiter/config"
	"github.com/arbiterhq/arbiter/errs"
	"github.com/arbiterhq/arbiter/registry"
)

// LLMRegistry holds the configured backend providers keyed by backend name.
type LLMRegistry struct {
	*registry.BaseRegistry[LLMProvider]
}

// Get returns the provider for a backend name.
func (r *LLMRegistry) Get(name string) (LLMProvider, error) {
	p, ok := r.BaseRegistry.Get(name)
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "unknown backend: %s", name)
	}
	return p, nil
}

// NewLLMRegistry creates an empty provider registry.
func NewLLMRegistry() *LLMRegistry {
	return &LLMRegistry{BaseRegistry: registry.NewBaseRegistry[LLMProvider]()}
}

// NewLLMRegistryFromConfig builds providers for every configured backend.
func NewLLMRegistryFromConfig(cfg *config.Config) (*LLMRegistry, error) {
	r := NewLLMRegistry()
	for name, backend := range cfg.Backends {
		provider, err := CreateProvider(name, backend)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", name, err)
		}
		if err := r.Register(name, provider); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// CreateProvider instantiates a provider for a backend config.
func CreateProvider(name string, cfg *config.BackendConfig) (LLMProvider, error) {
	switch cfg.Type {
	case config.BackendOpenAICompatible:
		return NewOpenAIProvider(name, cfg), nil
	case config.BackendOllama:
		return NewOllamaProvider(name, cfg), nil
	case config.BackendAnthropic:
		return NewAnthropicProvider(name, cfg), nil
	case config.BackendVision:
		return NewVisionProvider(name, cfg), nil
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", cfg.Type)
	}
}
