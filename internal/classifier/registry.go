package classifier

import (
	"sort"
	"sync"
)

// Rule is one configured classification rule. Its meaning is up to the
// backend; the keyword backend matches Contains against Field.
type Rule struct {
	Field    string
	Contains string
	Bucket   string
	Magnet   string
}

// Config contains settings for opening a classifier.
type Config struct {
	// Type is the registered backend name (e.g., "keyword").
	Type string

	// DefaultBucket receives messages no rule claims.
	DefaultBucket string

	// Buckets lists bucket names in id order; ids start at 1.
	Buckets []string

	// Rules is evaluated in order; the first match wins.
	Rules []Rule

	// Options contains implementation-specific settings.
	Options map[string]string
}

// Factory creates a Classifier from configuration.
type Factory func(config Config) (Classifier, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a classifier factory to the registry.
// It panics if called with an empty name or nil factory,
// or if the name is already registered.
func Register(name string, factory Factory) {
	if name == "" {
		panic("classifier: Register called with empty name")
	}
	if factory == nil {
		panic("classifier: Register called with nil factory")
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[name]; exists {
		panic("classifier: Register called twice for " + name)
	}
	registry[name] = factory
}

// Open creates a Classifier using the registered factory for the config type.
func Open(config Config) (Classifier, error) {
	registryMu.RLock()
	factory, ok := registry[config.Type]
	registryMu.RUnlock()

	if !ok {
		return nil, ErrNotRegistered
	}
	return factory(config)
}

// RegisteredTypes returns a sorted list of registered classifier type names.
func RegisteredTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	types := make([]string, 0, len(registry))
	for name := range registry {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}
