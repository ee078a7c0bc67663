package location

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const lookupTimeout = 5 * time.Second

// Cache memoizes the first lookup of its resolver. Concurrent callers share
// the in-flight lookup and every later caller gets the stored result. A Cache
// lives as long as the page that owns it.
type Cache struct {
	resolver Resolver
	group    singleflight.Group

	mu     sync.Mutex
	result *Result
}

func NewCache(resolver Resolver) *Cache {
	return &Cache{resolver: resolver}
}

func (c *Cache) Get(ctx context.Context) Result {
	if res, ok := c.Peek(); ok {
		return res
	}

	v, _, _ := c.group.Do("location", func() (interface{}, error) {
		if res, ok := c.Peek(); ok {
			return res, nil
		}

		// The lookup outlives the caller that started it.
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()

		var res Result
		if c.resolver != nil {
			res = c.resolver.FetchLocationData(lookupCtx)
		}

		c.mu.Lock()
		c.result = &res
		c.mu.Unlock()
		return res, nil
	})
	return v.(Result)
}

// Peek returns the stored result without starting a lookup.
func (c *Cache) Peek() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return Result{}, false
	}
	return *c.result, true
}
