package adapters

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tontinehq/tontine/internal/gateway/domain"
	"go.uber.org/zap"
)

// Factory builds a gateway adapter for a provider.
type Factory func(log *zap.Logger) (domain.Gateway, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a provider available to Build. Called from adapter
// package init functions.
func Register(provider string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[strings.ToLower(provider)] = factory
}

// Build instantiates the adapter for provider.
func Build(provider string, log *zap.Logger) (domain.Gateway, error) {
	mu.RLock()
	factory, ok := factories[strings.ToLower(provider)]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s (registered: %s)",
			domain.ErrUnknownProvider, provider, strings.Join(Providers(), ","))
	}
	return factory(log)
}

// Providers lists registered provider names, sorted.
func Providers() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
