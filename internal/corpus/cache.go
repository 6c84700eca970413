package corpus

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/vericase/deepresearch/internal/models"
)

// Cached memoizes summaries; queries always go to the underlying adapter.
type Cached struct {
	Adapter
	summaries *cache.Cache
}

// NewCached wraps a with a summary cache of the given TTL.
func NewCached(a Adapter, ttl time.Duration) *Cached {
	return &Cached{Adapter: a, summaries: cache.New(ttl, 2*ttl)}
}

func (c *Cached) Summarize(ctx context.Context, scope models.Scope) (*Summary, error) {
	key := scope.String()
	if v, ok := c.summaries.Get(key); ok {
		return v.(*Summary), nil
	}
	s, err := c.Adapter.Summarize(ctx, scope)
	if err != nil {
		return nil, err
	}
	c.summaries.SetDefault(key, s)
	return s, nil
}

// Upsert writes through to the underlying adapter when it is a Writer and drops
// the cached summary for scope.
func (c *Cached) Upsert(ctx context.Context, scope models.Scope, name string, items []Source) error {
	w, ok := c.Adapter.(Writer)
	if !ok {
		return errNotWritable
	}
	defer c.Invalidate(scope)
	return w.Upsert(ctx, scope, name, items)
}

// Invalidate drops the cached summary for scope.
func (c *Cached) Invalidate(scope models.Scope) {
	c.summaries.Delete(scope.String())
}
