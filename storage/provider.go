package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/orcastor/s3gw/core"
)

// Factory opens a provider from its configuration.
type Factory func(cfg core.StorageConfig) (Backend, error)

var (
	providersMu sync.RWMutex
	providers   = make(map[string]Factory)
)

func Register(name string, f Factory) {
	providersMu.Lock()
	defer providersMu.Unlock()
	providers[name] = f
}

func Providers() []string {
	providersMu.RLock()
	defer providersMu.RUnlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open selects the provider named in cfg. It is called once at startup.
func Open(cfg core.StorageConfig) (Backend, error) {
	providersMu.RLock()
	f, ok := providers[cfg.Provider]
	providersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown storage provider %q", core.ERR_INVALID_ARGUMENT, cfg.Provider)
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = core.DEFAULT_CHUNK_SIZE
	}
	return f(cfg)
}

func init() {
	Register("memory", func(cfg core.StorageConfig) (Backend, error) {
		return NewMemory(), nil
	})
	Register("fs", func(cfg core.StorageConfig) (Backend, error) {
		return NewFS(cfg.Root)
	})
	Register("redis", func(cfg core.StorageConfig) (Backend, error) {
		return NewRedisFromConfig(cfg)
	})
}
