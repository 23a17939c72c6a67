package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tosin2013/pipeline-guardian/contracts"
)

// ResponseCache stores successful GET responses in the shared store.
type ResponseCache struct {
	client     redis.UniversalClient
	defaultTTL time.Duration
}

// NewResponseCache builds the cache with a fallback TTL for routes that do
// not set one.
func NewResponseCache(client redis.UniversalClient, defaultTTL time.Duration) *ResponseCache {
	return &ResponseCache{client: client, defaultTTL: defaultTTL}
}

// CacheKey hashes (service, endpoint, method, normalized query). Query
// normalization sorts keys and values so parameter order cannot split the
// cache.
func CacheKey(service, endpoint, method string, query url.Values) string {
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var normalized strings.Builder
	for _, k := range keys {
		values := append([]string(nil), query[k]...)
		sort.Strings(values)
		for _, v := range values {
			normalized.WriteString(k + "=" + v + "&")
		}
	}
	sum := sha256.Sum256([]byte(service + "|" + endpoint + "|" + method + "|" + normalized.String()))
	return "cache:" + hex.EncodeToString(sum[:])
}

// Get returns the cached response for key, or nil on miss. Stale entries
// expire out of the store and read as misses.
func (c *ResponseCache) Get(ctx context.Context, key string) (*ServiceResponse, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, contracts.Wrap(contracts.KindTransient, err, "cache store unavailable")
	}
	var resp ServiceResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		// An undecodable entry is discarded like a stale one.
		c.client.Del(ctx, key)
		return nil, nil
	}
	resp.Cached = true
	return &resp, nil
}

// Store caches a successful (<400) response under key with the route's
// TTL. Failures are never cached.
func (c *ResponseCache) Store(ctx context.Context, key string, resp *ServiceResponse, ttl time.Duration) error {
	if resp.StatusCode >= 400 {
		return nil
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return contracts.Wrap(contracts.KindInternal, err, "failed to encode cache entry")
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return contracts.Wrap(contracts.KindTransient, err, "cache store unavailable")
	}
	return nil
}
