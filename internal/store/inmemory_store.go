package store

import (
	"strings"
	"sync"
)

// InMemoryProvider keeps all stores in process memory. It is the default
// driver and the only one exercised in tests.
type InMemoryProvider struct {
	mu     sync.RWMutex
	stores map[string]map[string]interface{}
}

func (p *InMemoryProvider) InitStores() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stores = make(map[string]map[string]interface{})
}

func (p *InMemoryProvider) GetValue(storeName, key string) (interface{}, bool) {
	key = applyKeyPrefix(key)
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.stores[storeName]
	if !ok {
		return nil, false
	}
	v, ok := s[key]
	return v, ok
}

func (p *InMemoryProvider) StoreValue(storeName, key string, value interface{}) {
	key = applyKeyPrefix(key)
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.stores[storeName]
	if !ok {
		s = make(map[string]interface{})
		p.stores[storeName] = s
	}
	s[key] = value
}

func (p *InMemoryProvider) GetAllValues(storeName, keyPrefix string) map[string]interface{} {
	keyPrefix = applyKeyPrefix(keyPrefix)
	p.mu.RLock()
	defer p.mu.RUnlock()
	items := make(map[string]interface{})
	for key, v := range p.stores[storeName] {
		if strings.HasPrefix(key, keyPrefix) {
			items[removeKeyPrefix(key)] = v
		}
	}
	return items
}

func (p *InMemoryProvider) DeleteValue(storeName, key string) {
	key = applyKeyPrefix(key)
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.stores[storeName]; ok {
		delete(s, key)
	}
}

func (p *InMemoryProvider) DeleteStore(storeName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.stores, storeName)
}
