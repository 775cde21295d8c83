package guard

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Resolver is the DNS surface the checker needs. *net.Resolver satisfies it.
type Resolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// MXCache stores definitive lookup results per domain.
type MXCache interface {
	Get(ctx context.Context, domain string) (hasMX bool, found bool)
	Set(ctx context.Context, domain string, hasMX bool)
}

// DNSChecker resolves MX records through a cache.
//
// Lookups that fail for reasons other than "no such host" fail open: the
// domain is treated as valid, the failure is logged at warn, and nothing is
// cached so the next check retries.
type DNSChecker struct {
	resolver Resolver
	cache    MXCache
	timeout  time.Duration
	logger   *zap.Logger
}

func NewDNSChecker(resolver Resolver, cache MXCache, timeout time.Duration, logger *zap.Logger) *DNSChecker {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DNSChecker{resolver: resolver, cache: cache, timeout: timeout, logger: logger}
}

func (c *DNSChecker) HasMX(ctx context.Context, domain string) bool {
	if domain == "" {
		return false
	}
	if c.cache != nil {
		if ok, found := c.cache.Get(ctx, domain); found {
			return ok
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	records, err := c.resolver.LookupMX(lookupCtx, domain)
	if err != nil {
		var dnsErr *net.DNSError
		if !errors.As(err, &dnsErr) || !dnsErr.IsNotFound {
			c.logger.Warn("MX lookup failed, treating domain as valid",
				zap.String("domain", domain),
				zap.Error(err),
			)
			return true
		}
		records = nil
	}

	ok := false
	for _, mx := range records {
		// RFC 7505 null MX
		if mx != nil && mx.Host != "." && mx.Host != "" {
			ok = true
			break
		}
	}
	if c.cache != nil {
		c.cache.Set(ctx, domain, ok)
	}
	return ok
}

// MemoryCache is a per-process LRU with TTL expiry.
type MemoryCache struct {
	lru *expirable.LRU[string, bool]
}

func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = 4096
	}
	return &MemoryCache{lru: expirable.NewLRU[string, bool](size, nil, ttl)}
}

func (m *MemoryCache) Get(_ context.Context, domain string) (bool, bool) {
	return m.lru.Get(domain)
}

func (m *MemoryCache) Set(_ context.Context, domain string, hasMX bool) {
	m.lru.Add(domain, hasMX)
}

// RedisCache shares lookup results between worker processes.
type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl, logger: logger}
}

func (r *RedisCache) key(domain string) string {
	return "mx:" + domain
}

// Get treats Redis failures as a miss.
func (r *RedisCache) Get(ctx context.Context, domain string) (bool, bool) {
	val, err := r.rdb.Get(ctx, r.key(domain)).Result()
	if errors.Is(err, redis.Nil) {
		return false, false
	}
	if err != nil {
		r.logger.Warn("MX cache read failed", zap.String("domain", domain), zap.Error(err))
		return false, false
	}
	return val == "1", true
}

func (r *RedisCache) Set(ctx context.Context, domain string, hasMX bool) {
	val := "0"
	if hasMX {
		val = "1"
	}
	if err := r.rdb.Set(ctx, r.key(domain), val, r.ttl).Err(); err != nil {
		r.logger.Warn("MX cache write failed", zap.String("domain", domain), zap.Error(err))
	}
}
