package toolregistry

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"loom/internal/logging"
)

const (
	defaultCacheMaxSize = 256
	defaultCacheTTL     = 5 * time.Minute
)

// CacheConfig configures tool-result caching.
type CacheConfig struct {
	MaxSize int
	TTL     time.Duration
}

// DefaultCacheConfig returns sensible defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{MaxSize: defaultCacheMaxSize, TTL: defaultCacheTTL}
}

type cacheEntry struct {
	result   *Result
	storedAt time.Time
}

// CachingInvoker wraps a registry with an LRU result cache for read-only
// tools. Mutating and critical tools always hit the real implementation.
type CachingInvoker struct {
	registry *Registry
	cache    *lru.Cache[string, cacheEntry]
	ttl      time.Duration
	clock    func() time.Time
	logger   logging.Logger
}

// NewCachingInvoker builds the caching layer over a registry.
func NewCachingInvoker(registry *Registry, config CacheConfig, logger logging.Logger) (*CachingInvoker, error) {
	if config.MaxSize <= 0 {
		config.MaxSize = defaultCacheMaxSize
	}
	if config.TTL <= 0 {
		config.TTL = defaultCacheTTL
	}
	cache, err := lru.New[string, cacheEntry](config.MaxSize)
	if err != nil {
		return nil, err
	}
	return &CachingInvoker{
		registry: registry,
		cache:    cache,
		ttl:      config.TTL,
		clock:    time.Now,
		logger:   logging.OrNop(logger),
	}, nil
}

// Invoke looks up the tool and executes it, serving cached results for
// read-only tools when fresh.
func (c *CachingInvoker) Invoke(ctx context.Context, name string, params map[string]any) (*Result, error) {
	tool, err := c.registry.Get(name)
	if err != nil {
		return nil, err
	}
	if err := ValidateParams(tool, params); err != nil {
		return nil, err
	}

	cacheable := tool.Risk() == RiskReadOnly
	var key string
	if cacheable {
		key = cacheKey(name, params)
		if entry, ok := c.cache.Get(key); ok {
			if c.clock().Sub(entry.storedAt) < c.ttl {
				c.logger.Debug("tool cache hit for %s", name)
				return entry.result, nil
			}
			c.cache.Remove(key)
		}
	}

	result, err := tool.Invoke(ctx, params)
	if err != nil {
		return nil, err
	}
	if cacheable {
		c.cache.Add(key, cacheEntry{result: result, storedAt: c.clock()})
	}
	return result, nil
}

func cacheKey(name string, params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(name)
	for _, k := range keys {
		sb.WriteByte('|')
		sb.WriteString(k)
		sb.WriteByte('=')
		encoded, err := json.Marshal(params[k])
		if err != nil {
			sb.WriteString("?")
			continue
		}
		sb.Write(encoded)
	}
	return sb.String()
}
