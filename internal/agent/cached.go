package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/aristath/stagehand/internal/cache"
)

// CachedGenerator memoizes successful responses for identical requests in a
// bounded TTL cache, so re-entering a stage (interactive revision, resume)
// does not repeat unchanged agent calls. Failures are never cached.
type CachedGenerator struct {
	inner Generator
	cache *cache.TTLCache
	ttl   time.Duration
}

// NewCachedGenerator wraps a generator with the shared call cache.
func NewCachedGenerator(inner Generator, c *cache.TTLCache, ttl time.Duration) *CachedGenerator {
	return &CachedGenerator{inner: inner, cache: c, ttl: ttl}
}

func (g *CachedGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	key, err := requestKey(req)
	if err != nil {
		return g.inner.Generate(ctx, req)
	}

	if raw, ok := g.cache.Get(key); ok {
		var resp Response
		if err := json.Unmarshal(raw, &resp); err == nil {
			return resp, nil
		}
		g.cache.Delete(key)
	}

	resp, err := g.inner.Generate(ctx, req)
	if err != nil {
		return resp, err
	}
	if raw, err := json.Marshal(resp); err == nil {
		g.cache.Set(key, raw, g.ttl)
	}
	return resp, nil
}

func requestKey(req Request) (string, error) {
	h, err := hashstructure.Hash(req, hashstructure.FormatV2, nil)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("agent/%s/%d", req.Role, h), nil
}
