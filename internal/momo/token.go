package momo

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// TokenCache keeps one bearer token and refreshes it lazily once expired.
// Concurrent callers that find it expired share a single fetch, which is
// detached from any one caller's cancellation.
type TokenCache struct {
	ttl          time.Duration
	fetchTimeout time.Duration
	fetch        func(ctx context.Context) (string, error)
	now          func() time.Time

	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	group singleflight.Group
}

func NewTokenCache(ttl time.Duration, fetch func(ctx context.Context) (string, error)) *TokenCache {
	return &TokenCache{ttl: ttl, fetchTimeout: 10 * time.Second, fetch: fetch, now: time.Now}
}

func (c *TokenCache) cached() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token != "" && c.now().Before(c.expiresAt) {
		return c.token, true
	}
	return "", false
}

func (c *TokenCache) Token(ctx context.Context) (string, error) {
	if tok, ok := c.cached(); ok {
		return tok, nil
	}
	ch := c.group.DoChan("token", func() (any, error) {
		if tok, ok := c.cached(); ok {
			return tok, nil
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		tok, err := c.fetch(fctx)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.token = tok
		c.expiresAt = c.now().Add(c.ttl)
		c.mu.Unlock()
		return tok, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate drops the cached token, e.g. after the provider answered 401.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}
