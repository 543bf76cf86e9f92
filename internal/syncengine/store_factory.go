package syncengine

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type StoreFactory func(dsn string) (Store, error)
type IntentQueueFactory func(dsn string, capacity int) (IntentQueue, error)

var backendFactoryRegistry = struct {
	mu             sync.RWMutex
	storeFactories map[string]StoreFactory
	queueFactories map[string]IntentQueueFactory
}{
	storeFactories: map[string]StoreFactory{},
	queueFactories: map[string]IntentQueueFactory{},
}

// RegisterStoreFactory lets callers plug in a store for a DSN scheme; it
// takes precedence over the built-in schemes.
func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.storeFactories[scheme] = factory
}

func RegisterIntentQueueFactory(scheme string, factory IntentQueueFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.queueFactories[scheme] = factory
}

func lookupStoreFactory(scheme string) (StoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.storeFactories[scheme]
	return factory, ok
}

func lookupIntentQueueFactory(scheme string) (IntentQueueFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.queueFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildStoreFromDSN picks a Store implementation by DSN scheme:
// memory://, file://path, sqlite://path (sqlite://:memory: for tests) and
// postgres://.
func BuildStoreFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(), nil
	}
	scheme, rest, hasScheme := strings.Cut(dsn, "://")
	if !hasScheme {
		scheme, rest = "", dsn
	}
	scheme = normalizeBackendScheme(scheme)
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "sqlite", "sqlite3":
		return NewSQLiteStore(rest)
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewPersistentMemoryStore(NewJSONFileStateBackend(path))
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}

func BuildIntentQueueFromDSN(dsn string, capacity int) (IntentQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryIntentQueue(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupIntentQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewFileIntentQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryIntentQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresIntentQueue(dsn, capacity)
	case "redis", "rediss":
		return NewRedisIntentQueue(dsn, capacity)
	case "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: intent queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported intent queue scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if parsed.Host != "" && path != "" {
		// file://relative/dir/state.json keeps the first segment
		path = parsed.Host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
