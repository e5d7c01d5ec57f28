package store

import (
	"os"
	"strings"
)

// Provider is the contract for cache implementations.
type Provider interface {
	InitStores()
	GetValue(storeName, key string) (interface{}, bool)
	StoreValue(storeName, key string, value interface{})
	GetAllValues(storeName, keyPrefix string) map[string]interface{}
	DeleteValue(storeName, key string)
	DeleteStore(storeName string)
}

// Store is a handle to one named cache bucket.
type Store struct {
	name     string
	provider Provider
}

// Open returns a handle to a named store on the global provider. Callers
// that never ran InitProvider get the in-memory default.
func Open(storeName string) *Store {
	return &Store{name: storeName, provider: activeProvider()}
}

// GetValue retrieves a value from the store.
func (s *Store) GetValue(key string) (interface{}, bool) {
	return s.provider.GetValue(s.name, key)
}

// StoreValue stores a value in the store.
func (s *Store) StoreValue(key string, value interface{}) {
	s.provider.StoreValue(s.name, key, value)
}

// GetAllValues retrieves all values from the store with an optional prefix.
func (s *Store) GetAllValues(keyPrefix string) map[string]interface{} {
	return s.provider.GetAllValues(s.name, keyPrefix)
}

// DeleteValue removes a value from the store.
func (s *Store) DeleteValue(key string) {
	s.provider.DeleteValue(s.name, key)
}

var provider Provider

// InitProvider selects the cache driver from HIE_CACHE_DRIVER and
// initialises it. The in-memory driver is the default.
func InitProvider() {
	switch os.Getenv("HIE_CACHE_DRIVER") {
	case "redis":
		provider = &RedisProvider{}
	default:
		provider = &InMemoryProvider{}
	}
	provider.InitStores()
}

// GetProvider returns the global cache provider.
func GetProvider() Provider {
	return activeProvider()
}

// DeleteStore removes an entire named store.
func DeleteStore(storeName string) {
	activeProvider().DeleteStore(storeName)
}

func activeProvider() Provider {
	if provider == nil {
		InitProvider()
	}
	return provider
}

func getKeyPrefix() string {
	return os.Getenv("HIE_CACHE_KEY_PREFIX")
}

func applyKeyPrefix(key string) string {
	if prefix := getKeyPrefix(); prefix != "" {
		return prefix + "." + key
	}
	return key
}

func removeKeyPrefix(key string) string {
	if prefix := getKeyPrefix(); prefix != "" {
		return strings.TrimPrefix(key, prefix+".")
	}
	return key
}
