package providers

import (
	"sync"
)

// Registry holds static provider configuration and caches one adapter
// instance per configured provider. Configs are immutable after
// construction; adapter construction is the only write path.
type Registry struct {
	configs map[Name]Config

	mu       sync.RWMutex
	adapters map[Name]Adapter
}

func NewRegistry(configs []Config) *Registry {
	byName := make(map[Name]Config, len(configs))
	for _, cfg := range configs {
		byName[cfg.Name] = cfg
	}
	return &Registry{
		configs:  byName,
		adapters: make(map[Name]Adapter),
	}
}

// Config returns the static configuration for a provider.
func (r *Registry) Config(name Name) (Config, error) {
	cfg, ok := r.configs[name]
	if !ok || cfg.APIKey == "" {
		return Config{}, &ConfigError{Provider: name, Message: "no API key configured"}
	}
	return cfg, nil
}

// Adapter returns the cached adapter for a provider, constructing it on
// first use. Missing credentials surface as *ConfigError.
func (r *Registry) Adapter(name Name) (Adapter, error) {
	r.mu.RLock()
	adapter, ok := r.adapters[name]
	r.mu.RUnlock()
	if ok {
		return adapter, nil
	}

	cfg, err := r.Config(name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if adapter, ok := r.adapters[name]; ok {
		return adapter, nil
	}

	switch name {
	case NameOpenAI, NameXAI, NameOpenRouter:
		adapter = NewOpenAIAdapter(cfg)
	case NameAnthropic:
		adapter = NewAnthropicAdapter(cfg)
	default:
		return nil, &ConfigError{Provider: name, Message: "unsupported provider"}
	}
	r.adapters[name] = adapter
	return adapter, nil
}

// Names lists the providers that have credentials configured.
func (r *Registry) Names() []Name {
	out := make([]Name, 0, len(r.configs))
	for name, cfg := range r.configs {
		if cfg.APIKey != "" {
			out = append(out, name)
		}
	}
	return out
}
