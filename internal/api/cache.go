package api

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dharsanguruparan/ClipSight/internal/model"
)

// recordCache keeps finished records for chat turns and playback lookups.
// Those paths only read fields that never change after completion, so a
// cached copy with stale chat history is still correct for them.
type recordCache struct {
	lru *expirable.LRU[string, *model.AnalysisRecord]
}

func newRecordCache(size int, ttl time.Duration) *recordCache {
	return &recordCache{lru: expirable.NewLRU[string, *model.AnalysisRecord](size, nil, ttl)}
}

// get returns a cached terminal record or loads it through load. Non-terminal
// records are never cached.
func (c *recordCache) get(ctx context.Context, id string, load func(context.Context, string) (*model.AnalysisRecord, error)) (*model.AnalysisRecord, error) {
	if rec, ok := c.lru.Get(id); ok {
		cacheLookups.WithLabelValues("hit").Inc()
		return rec.Clone(), nil
	}
	cacheLookups.WithLabelValues("miss").Inc()
	rec, err := load(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		c.lru.Add(id, rec.Clone())
	}
	return rec, nil
}

func (c *recordCache) remove(id string) {
	c.lru.Remove(id)
}
