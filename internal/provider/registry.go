// Package provider 提供商注册表
package provider

import (
	"context"
	"fmt"
	"sync"

	"agents-exec/internal/config"
	"agents-exec/pkg/logging"
)

// Registry 线程安全的提供商注册表
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	fallback  string
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// NewRegistryFromConfig 按配置构建注册表
//
// 只注册配置了 API Key 的提供商；第一个可用的作为默认回退。
func NewRegistryFromConfig(ctx context.Context, cfg config.ProvidersConfig) (*Registry, error) {
	r := NewRegistry()
	logger := logging.Default("provider")

	if cfg.Anthropic.APIKey != "" {
		p, err := NewAnthropicProvider(cfg.Anthropic)
		if err != nil {
			return nil, err
		}
		r.Register(p)
		logger.Info("registered provider", "name", p.Name())
	}
	if cfg.OpenAI.APIKey != "" {
		p, err := NewOpenAIProvider(cfg.OpenAI)
		if err != nil {
			return nil, err
		}
		r.Register(p)
		logger.Info("registered provider", "name", p.Name())
	}
	if cfg.Gemini.APIKey != "" {
		p, err := NewGeminiProvider(ctx, cfg.Gemini)
		if err != nil {
			return nil, err
		}
		r.Register(p)
		logger.Info("registered provider", "name", p.Name())
	}

	if len(r.providers) == 0 {
		return nil, fmt.Errorf("no provider configured: at least one api key is required")
	}
	return r, nil
}

// Register 注册提供商；首个注册的成为默认回退
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.providers) == 0 {
		r.fallback = p.Name()
	}
	r.providers[p.Name()] = p
}

// Get 按名称获取提供商
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", name)
	}
	return p, nil
}

// Default 默认提供商
func (r *Registry) Default() (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.fallback == "" {
		return nil, fmt.Errorf("no provider registered")
	}
	return r.providers[r.fallback], nil
}

// Names 已注册的提供商名称
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
