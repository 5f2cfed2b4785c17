// Package cache holds StatisticsCache implementations for Levey-Jennings projections.
// Entries are derived data: a miss always falls back to recomputing from the run history.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/labqc-server/internal/domain"
)

// MemoryCache is a bounded in-process cache with per-entry expiry.
type MemoryCache struct {
	lru *expirable.LRU[domain.RunKey, *domain.LeveyJenningsData]
}

// NewMemoryCache creates a cache holding at most size projections for ttl each. A zero
// ttl keeps entries until evicted or invalidated.
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = 512
	}
	return &MemoryCache{lru: expirable.NewLRU[domain.RunKey, *domain.LeveyJenningsData](size, nil, ttl)}
}

// Get returns a copy of the cached projection.
func (c *MemoryCache) Get(_ context.Context, key domain.RunKey) (*domain.LeveyJenningsData, bool) {
	data, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return cloneProjection(data), true
}

// Set stores a copy of data.
func (c *MemoryCache) Set(_ context.Context, key domain.RunKey, data *domain.LeveyJenningsData) error {
	c.lru.Add(key, cloneProjection(data))
	return nil
}

// Invalidate drops the projection for key.
func (c *MemoryCache) Invalidate(_ context.Context, key domain.RunKey) error {
	c.lru.Remove(key)
	return nil
}

// Len returns the number of live entries.
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}

func cloneProjection(d *domain.LeveyJenningsData) *domain.LeveyJenningsData {
	if d == nil {
		return nil
	}
	c := *d
	if d.Limits != nil {
		l := *d.Limits
		c.Limits = &l
	}
	if d.CV != nil {
		cv := *d.CV
		c.CV = &cv
	}
	c.Points = make([]domain.DataPoint, len(d.Points))
	for i, p := range d.Points {
		p.ViolatedRules = append([]domain.RuleID(nil), p.ViolatedRules...)
		if p.ZScore != nil {
			z := *p.ZScore
			p.ZScore = &z
		}
		c.Points[i] = p
	}
	return &c
}
