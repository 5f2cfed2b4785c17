package repository

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/labqc-server/internal/domain"
)

// CachedAnalyteRepository fronts an analyte repository with an in-memory LRU. Analyte
// definitions are read on every submission and change rarely.
type CachedAnalyteRepository struct {
	next   domain.AnalyteRepository
	cache  *lru.Cache
	ttl    time.Duration
	logger *logrus.Logger
	now    func() time.Time
}

type analyteEntry struct {
	analyte *domain.Analyte
	expiry  time.Time
}

func (e *analyteEntry) isExpired(now time.Time) bool {
	return now.After(e.expiry)
}

// NewCachedAnalyteRepository wraps next with a cache of size entries that live for ttl.
func NewCachedAnalyteRepository(next domain.AnalyteRepository, size int, ttl time.Duration, logger *logrus.Logger) (*CachedAnalyteRepository, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("creating analyte cache: %w", err)
	}
	return &CachedAnalyteRepository{
		next:   next,
		cache:  cache,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Get returns the cached analyte or loads it from the wrapped repository.
func (r *CachedAnalyteRepository) Get(ctx context.Context, testCode string) (*domain.Analyte, error) {
	if value, ok := r.cache.Get(testCode); ok {
		if entry, ok := value.(*analyteEntry); ok && !entry.isExpired(r.now()) {
			return entry.analyte.Clone(), nil
		}
		r.cache.Remove(testCode)
	}

	analyte, err := r.next.Get(ctx, testCode)
	if err != nil {
		return nil, err
	}
	r.cache.Add(testCode, &analyteEntry{analyte: analyte.Clone(), expiry: r.now().Add(r.ttl)})
	return analyte, nil
}

// Put writes through and drops the cached definition.
func (r *CachedAnalyteRepository) Put(ctx context.Context, analyte *domain.Analyte) error {
	if err := r.next.Put(ctx, analyte); err != nil {
		return err
	}
	r.cache.Remove(analyte.TestCode)
	r.logger.WithField("test_code", analyte.TestCode).Debug("Analyte cache entry invalidated")
	return nil
}

// List is never cached.
func (r *CachedAnalyteRepository) List(ctx context.Context) ([]*domain.Analyte, error) {
	return r.next.List(ctx)
}

// Len returns the number of cached definitions.
func (r *CachedAnalyteRepository) Len() int {
	return r.cache.Len()
}
