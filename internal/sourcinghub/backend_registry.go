package sourcinghub

import (
	"strings"
	"sync"
)

// Extension point for deployments that bring their own storage. Factories
// are keyed by DSN scheme and consulted after the built-in schemes.

type StateBackendFactory func(dsn string) (StateBackend, error)

type DeliveryQueueFactory func(dsn string, capacity int) (DeliveryQueue, error)

var (
	registryMu             sync.RWMutex
	stateBackendFactories  = map[string]StateBackendFactory{}
	deliveryQueueFactories = map[string]DeliveryQueueFactory{}
)

func RegisterStateBackendFactory(scheme string, factory StateBackendFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	registryMu.Lock()
	stateBackendFactories[scheme] = factory
	registryMu.Unlock()
}

func RegisterDeliveryQueueFactory(scheme string, factory DeliveryQueueFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	registryMu.Lock()
	deliveryQueueFactories[scheme] = factory
	registryMu.Unlock()
}

func lookupStateBackendFactory(scheme string) (StateBackendFactory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, ok := stateBackendFactories[strings.ToLower(scheme)]
	return factory, ok
}

func lookupDeliveryQueueFactory(scheme string) (DeliveryQueueFactory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, ok := deliveryQueueFactories[strings.ToLower(scheme)]
	return factory, ok
}
