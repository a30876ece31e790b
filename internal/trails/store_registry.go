package trails

import (
	"strings"
	"sync"
)

// StoreFactory builds a Store for a DSN scheme not handled natively.
type StoreFactory func(dsn string) (Store, error)

var storeFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StoreFactory
}{
	factories: map[string]StoreFactory{},
}

// RegisterStoreFactory installs a factory for a custom scheme. Embedders
// use this to back the hub with stores this package does not ship.
func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = normalizeStoreScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.factories[scheme] = factory
}

func lookupStoreFactory(scheme string) (StoreFactory, bool) {
	scheme = normalizeStoreScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeStoreScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
