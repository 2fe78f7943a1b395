package cache

import (
	"errors"
	"path/filepath"
	"sync"
)

// Manager keeps named caches so that the render pipeline can share one
// attachment per cache directory instead of opening a new mapping per
// node. Named caches of a persistent manager live in subdirectories of
// a common base directory.
type Manager struct {
	baseDir  string
	caches   sync.Map
	configs  map[string]Config
	configMu sync.RWMutex
}

// NewManager returns a manager placing persistent caches under
// baseDir. An empty baseDir keeps each config's own Dir.
func NewManager(baseDir string) *Manager {
	return &Manager{
		baseDir: baseDir,
		configs: make(map[string]Config),
	}
}

var GlobalManager = NewManager("")

// RegisterCache records the config to use when name is first opened.
func (m *Manager) RegisterCache(name string, config Config) error {
	m.configMu.Lock()
	defer m.configMu.Unlock()

	if _, exists := m.configs[name]; exists {
		return &CacheError{Op: "register", Name: name, Cause: ErrCacheExists}
	}
	m.configs[name] = config
	return nil
}

// GetCache opens (or returns the already opened) cache called name.
// Unregistered names get DefaultConfig.
func (m *Manager) GetCache(name string) (*Cache, error) {
	if cached, ok := m.caches.Load(name); ok {
		return cached.(*Cache), nil
	}

	m.configMu.RLock()
	config, exists := m.configs[name]
	m.configMu.RUnlock()
	if !exists {
		config = DefaultConfig()
	}
	if m.baseDir != "" && config.Persistent {
		config.Dir = filepath.Join(m.baseDir, name)
	}

	cache, err := Open(config)
	if err != nil {
		return nil, err
	}
	if actual, loaded := m.caches.LoadOrStore(name, cache); loaded {
		// Another goroutine opened it first; ours is redundant.
		_ = cache.Close()
		return actual.(*Cache), nil
	}
	return cache, nil
}

// GetCacheStats snapshots telemetry for every open cache.
func (m *Manager) GetCacheStats() map[string]Stats {
	stats := make(map[string]Stats)
	m.caches.Range(func(key, value any) bool {
		if s, err := value.(*Cache).Stats(); err == nil {
			stats[key.(string)] = s
		}
		return true
	})
	return stats
}

// CloseAll detaches every open cache.
func (m *Manager) CloseAll() error {
	var errs []error
	m.caches.Range(func(key, value any) bool {
		if err := value.(*Cache).Close(); err != nil {
			errs = append(errs, err)
		}
		m.caches.Delete(key)
		return true
	})
	return errors.Join(errs...)
}

// RemoveCache closes and forgets name. Unknown names report
// ErrCacheNotFound.
func (m *Manager) RemoveCache(name string) error {
	m.configMu.Lock()
	_, registered := m.configs[name]
	delete(m.configs, name)
	m.configMu.Unlock()

	if cached, ok := m.caches.LoadAndDelete(name); ok {
		return cached.(*Cache).Close()
	}
	if !registered {
		return &CacheError{Op: "remove", Name: name, Cause: ErrCacheNotFound}
	}
	return nil
}

func RegisterGlobalCache(name string, config Config) error {
	return GlobalManager.RegisterCache(name, config)
}

func GetGlobalCache(name string) (*Cache, error) {
	return GlobalManager.GetCache(name)
}

func GetGlobalCacheStats() map[string]Stats {
	return GlobalManager.GetCacheStats()
}

func CloseAllGlobalCaches() error {
	return GlobalManager.CloseAll()
}
