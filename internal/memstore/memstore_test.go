package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labqc-server/internal/domain"
)

func TestResultTransactVersions(t *testing.T) {
	ctx := context.Background()
	repo := New().Results()

	created, err := repo.Transact(ctx, "r1", func(current *domain.Result) (*domain.Result, error) {
		assert.Nil(t, current)
		return &domain.Result{PatientID: "p1", Status: domain.ResultPendingVerification}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "r1", created.ID)
	assert.Equal(t, 1, created.Version)

	updated, err := repo.Transact(ctx, "r1", func(current *domain.Result) (*domain.Result, error) {
		require.NotNil(t, current)
		current.Status = domain.ResultCompleted
		return current, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)

	_, err = repo.Transact(ctx, "r1", func(*domain.Result) (*domain.Result, error) {
		return nil, domain.ErrAlreadyVerified
	})
	assert.ErrorIs(t, err, domain.ErrAlreadyVerified)

	stored, err := repo.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCompleted, stored.Status)
	assert.Equal(t, 2, stored.Version)
}

func TestResultGetReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := New().Results()
	_, err := repo.Transact(ctx, "r1", func(*domain.Result) (*domain.Result, error) {
		return &domain.Result{Values: []domain.ReportedValue{{TestCode: "GLU", Flag: domain.FlagNormal}}}, nil
	})
	require.NoError(t, err)

	got, err := repo.Get(ctx, "r1")
	require.NoError(t, err)
	got.Values[0].Flag = domain.FlagCriticalHigh

	again, err := repo.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.FlagNormal, again.Values[0].Flag)

	_, err = repo.Get(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestRunAppendOrderingAndStaleWrite(t *testing.T) {
	ctx := context.Background()
	runs := New().Runs()
	key := domain.RunKey{MaterialID: "m1", TestCode: "GLU"}
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	v, err := runs.Append(ctx, &domain.QCRun{ID: "a", MaterialID: "m1", TestCode: "GLU", RunDate: base.Add(2 * time.Hour)}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = runs.Append(ctx, &domain.QCRun{ID: "b", MaterialID: "m1", TestCode: "GLU", RunDate: base}, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	_, err = runs.Append(ctx, &domain.QCRun{ID: "c", MaterialID: "m1", TestCode: "GLU", RunDate: base}, 1)
	assert.ErrorIs(t, err, domain.ErrStaleWrite)

	history, version, err := runs.History(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
	require.Len(t, history, 2)
	assert.Equal(t, "b", history[0].ID)
	assert.Equal(t, "a", history[1].ID)
}

func TestRunReviewBumpsVersion(t *testing.T) {
	ctx := context.Background()
	runs := New().Runs()
	_, err := runs.Append(ctx, &domain.QCRun{ID: "a", MaterialID: "m1", TestCode: "GLU", Value: 101, Status: domain.RunReject}, 0)
	require.NoError(t, err)

	reviewed, err := runs.SetReview(ctx, "a", domain.QCReview{ReviewedBy: "sup", Disposition: domain.RunAccept})
	require.NoError(t, err)
	assert.Equal(t, domain.RunAccept, reviewed.Disposition())
	assert.Equal(t, 101.0, reviewed.Value)

	_, version, err := runs.History(ctx, reviewed.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	current, err := runs.Version(ctx, reviewed.Key())
	require.NoError(t, err)
	assert.Equal(t, version, current)

	fresh, err := runs.Version(ctx, domain.RunKey{MaterialID: "m2", TestCode: "GLU"})
	require.NoError(t, err)
	assert.Zero(t, fresh)

	_, err = runs.SetReview(ctx, "missing", domain.QCReview{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMaterialTargetsLockedOnceReferenced(t *testing.T) {
	ctx := context.Background()
	store := New()
	materials, runs := store.Materials(), store.Runs()

	m := &domain.QCMaterial{ID: "m1", LotNumber: "L1", Level: 1, Analytes: []domain.AnalyteQCTarget{{TestCode: "GLU", Mean: 95, SD: 5}}}
	require.NoError(t, materials.Create(ctx, m))

	edited := m.Clone()
	edited.Analytes[0].Mean = 96
	require.NoError(t, materials.Update(ctx, edited))

	_, err := runs.Append(ctx, &domain.QCRun{ID: "r", MaterialID: "m1", TestCode: "GLU"}, 0)
	require.NoError(t, err)

	edited = edited.Clone()
	edited.Analytes[0].SD = 4
	assert.ErrorIs(t, materials.Update(ctx, edited), domain.ErrTargetsLocked)

	retired, err := materials.Get(ctx, "m1")
	require.NoError(t, err)
	now := time.Now()
	retired.RetiredAt = &now
	require.NoError(t, materials.Update(ctx, retired))

	active, err := materials.List(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := materials.List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAnalytePutBumpsVersion(t *testing.T) {
	ctx := context.Background()
	repo := New().Analytes()

	a := &domain.Analyte{TestCode: "K", ReferenceRange: domain.ReferenceRange{Low: domain.Float(3.5)}}
	require.NoError(t, repo.Put(ctx, a))
	require.NoError(t, repo.Put(ctx, a))

	got, err := repo.Get(ctx, "K")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)

	*got.ReferenceRange.Low = 1
	again, err := repo.Get(ctx, "K")
	require.NoError(t, err)
	assert.Equal(t, 3.5, *again.ReferenceRange.Low)
}

func TestConcurrentAppendsDetectStaleVersions(t *testing.T) {
	ctx := context.Background()
	runs := New().Runs()

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := runs.Append(ctx, &domain.QCRun{ID: string(rune('a' + i)), MaterialID: "m1", TestCode: "GLU"}, 0)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, succeeded)
}
