package vision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedClient memoizes verify/locate answers keyed by screenshot
// hash + prompt. Identical screenshots are common when a script polls
// the same page state; a hit avoids a paid call. Structured
// generation is never cached.
type CachedClient struct {
	inner  Client
	verify *lru.Cache[string, Verdict]
	locate *lru.Cache[string, ElementLocation]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewCachedClient wraps inner with an LRU of the given size.
func NewCachedClient(inner Client, size int) (*CachedClient, error) {
	if size <= 0 {
		size = 128
	}
	verify, err := lru.New[string, Verdict](size)
	if err != nil {
		return nil, err
	}
	locate, err := lru.New[string, ElementLocation](size)
	if err != nil {
		return nil, err
	}
	return &CachedClient{inner: inner, verify: verify, locate: locate}, nil
}

func cacheKey(screenshot []byte, prompt string) string {
	h := sha256.New()
	h.Write(screenshot)
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *CachedClient) Provider() string     { return c.inner.Provider() }
func (c *CachedClient) CostPerCall() float64 { return c.inner.CostPerCall() }

// Hits and Misses report cache effectiveness.
func (c *CachedClient) Hits() int64   { return c.hits.Load() }
func (c *CachedClient) Misses() int64 { return c.misses.Load() }

func (c *CachedClient) VerifyOutcome(ctx context.Context, screenshot []byte, prompt string) (Verdict, error) {
	key := cacheKey(screenshot, prompt)
	if v, ok := c.verify.Get(key); ok {
		c.hits.Add(1)
		return v, nil
	}
	c.misses.Add(1)
	v, err := c.inner.VerifyOutcome(ctx, screenshot, prompt)
	if err != nil {
		return Verdict{}, err
	}
	c.verify.Add(key, v)
	return v, nil
}

func (c *CachedClient) LocateElement(ctx context.Context, screenshot []byte, description string) (ElementLocation, error) {
	key := cacheKey(screenshot, description)
	if loc, ok := c.locate.Get(key); ok {
		c.hits.Add(1)
		return loc, nil
	}
	c.misses.Add(1)
	loc, err := c.inner.LocateElement(ctx, screenshot, description)
	if err != nil {
		return ElementLocation{}, err
	}
	c.locate.Add(key, loc)
	return loc, nil
}

func (c *CachedClient) GenerateStructured(ctx context.Context, prompt string, screenshot []byte, schema *Schema) (map[string]any, error) {
	return c.inner.GenerateStructured(ctx, prompt, screenshot, schema)
}
