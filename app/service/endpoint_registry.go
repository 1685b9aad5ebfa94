package service

import (
	"sync"

	"print-studio/app/config"
	"print-studio/app/utils/instasd"
)

// EndpointRegistry 模式到任务服务端点的映射，支持配置热更新
type EndpointRegistry struct {
	mu        sync.RWMutex
	endpoints map[Mode]instasd.Endpoint
}

// NewEndpointRegistry 根据配置创建端点表
func NewEndpointRegistry(cfg config.GenerationConfig) *EndpointRegistry {
	r := &EndpointRegistry{}
	r.Replace(cfg)
	return r
}

// Replace 整体替换端点表
func (r *EndpointRegistry) Replace(cfg config.GenerationConfig) {
	endpoints := make(map[Mode]instasd.Endpoint, len(cfg.Modes))
	for name := range cfg.Modes {
		mode, ok := ParseMode(name)
		if !ok {
			continue
		}
		if ep, ok := cfg.Endpoint(name); ok {
			endpoints[mode] = instasd.Endpoint{URL: ep.Endpoint, AuthToken: ep.AuthToken}
		}
	}

	r.mu.Lock()
	r.endpoints = endpoints
	r.mu.Unlock()
}

// Resolve 查找模式对应的端点
func (r *EndpointRegistry) Resolve(mode Mode) (instasd.Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[mode]
	return ep, ok
}

// Len 已配置的模式数量
func (r *EndpointRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}
