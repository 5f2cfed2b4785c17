package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labqc-server/internal/domain"
	"github.com/labqc-server/internal/memstore"
)

type countingAnalytes struct {
	domain.AnalyteRepository
	gets int
}

func (c *countingAnalytes) Get(ctx context.Context, testCode string) (*domain.Analyte, error) {
	c.gets++
	return c.AnalyteRepository.Get(ctx, testCode)
}

func TestCachedAnalyteRepository(t *testing.T) {
	ctx := context.Background()
	backing := &countingAnalytes{AnalyteRepository: memstore.New().Analytes()}
	repo, err := NewCachedAnalyteRepository(backing, 8, time.Minute, quietLogger())
	require.NoError(t, err)

	clock := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return clock }

	require.NoError(t, repo.Put(ctx, &domain.Analyte{
		TestCode:       "K",
		Name:           "Potassium",
		ReferenceRange: domain.ReferenceRange{Low: domain.Float(3.5), High: domain.Float(5.1)},
	}))

	first, err := repo.Get(ctx, "K")
	require.NoError(t, err)
	_, err = repo.Get(ctx, "K")
	require.NoError(t, err)
	assert.Equal(t, 1, backing.gets, "second read is served from cache")
	assert.Equal(t, 1, repo.Len())

	*first.ReferenceRange.Low = 0
	again, err := repo.Get(ctx, "K")
	require.NoError(t, err)
	assert.Equal(t, 3.5, *again.ReferenceRange.Low, "callers never share cached state")

	require.NoError(t, repo.Put(ctx, &domain.Analyte{TestCode: "K", Name: "Potassium, plasma"}))
	updated, err := repo.Get(ctx, "K")
	require.NoError(t, err)
	assert.Equal(t, "Potassium, plasma", updated.Name)
	assert.Equal(t, 2, backing.gets)

	clock = clock.Add(2 * time.Minute)
	_, err = repo.Get(ctx, "K")
	require.NoError(t, err)
	assert.Equal(t, 3, backing.gets, "expired entries are reloaded")

	_, err = repo.Get(ctx, "NA")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	list, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
