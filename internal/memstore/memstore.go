// Package memstore provides in-memory implementations of the engine repositories. It backs
// the standalone mode and the service tests. Every read and write copies entities so
// callers never share state with the store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/labqc-server/internal/domain"
)

// Store holds all entities behind a single lock.
type Store struct {
	mu        sync.RWMutex
	analytes  map[string]*domain.Analyte
	results   map[string]*domain.Result
	materials map[string]*domain.QCMaterial
	runs      map[string]*domain.QCRun
	runKeys   map[domain.RunKey][]string
	versions  map[domain.RunKey]int64
}

// New creates an empty store.
func New() *Store {
	return &Store{
		analytes:  map[string]*domain.Analyte{},
		results:   map[string]*domain.Result{},
		materials: map[string]*domain.QCMaterial{},
		runs:      map[string]*domain.QCRun{},
		runKeys:   map[domain.RunKey][]string{},
		versions:  map[domain.RunKey]int64{},
	}
}

// Analytes returns the analyte repository view.
func (s *Store) Analytes() *AnalyteRepository { return &AnalyteRepository{s: s} }

// Results returns the result repository view.
func (s *Store) Results() *ResultRepository { return &ResultRepository{s: s} }

// Materials returns the QC material repository view.
func (s *Store) Materials() *MaterialRepository { return &MaterialRepository{s: s} }

// Runs returns the QC run repository view.
func (s *Store) Runs() *RunRepository { return &RunRepository{s: s} }

// AnalyteRepository implements domain.AnalyteRepository.
type AnalyteRepository struct{ s *Store }

// Get returns the analyte for testCode.
func (r *AnalyteRepository) Get(_ context.Context, testCode string) (*domain.Analyte, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	a, ok := r.s.analytes[testCode]
	if !ok {
		return nil, fmt.Errorf("analyte %s: %w", testCode, domain.ErrNotFound)
	}
	return a.Clone(), nil
}

// Put stores the analyte and bumps its version.
func (r *AnalyteRepository) Put(_ context.Context, analyte *domain.Analyte) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	version := 1
	if existing, ok := r.s.analytes[analyte.TestCode]; ok {
		version = existing.Version + 1
	}
	analyte.Version = version
	r.s.analytes[analyte.TestCode] = analyte.Clone()
	return nil
}

// List returns all analytes ordered by test code.
func (r *AnalyteRepository) List(_ context.Context) ([]*domain.Analyte, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]*domain.Analyte, 0, len(r.s.analytes))
	for _, a := range r.s.analytes {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TestCode < out[j].TestCode })
	return out, nil
}

// ResultRepository implements domain.ResultRepository.
type ResultRepository struct{ s *Store }

// Get returns a result by ID.
func (r *ResultRepository) Get(_ context.Context, id string) (*domain.Result, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	res, ok := r.s.results[id]
	if !ok {
		return nil, fmt.Errorf("result %s: %w", id, domain.ErrNotFound)
	}
	return res.Clone(), nil
}

// Transact runs fn under the store lock and writes its output.
func (r *ResultRepository) Transact(_ context.Context, id string, fn domain.ResultTxFunc) (*domain.Result, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	current := r.s.results[id]
	next, err := fn(current.Clone())
	if err != nil {
		return nil, err
	}
	if next == nil {
		if current == nil {
			return nil, fmt.Errorf("result %s: %w", id, domain.ErrNotFound)
		}
		return current.Clone(), nil
	}

	next = next.Clone()
	next.ID = id
	next.Version = 1
	if current != nil {
		next.Version = current.Version + 1
	}
	r.s.results[id] = next
	return next.Clone(), nil
}

// ListByPatient returns a patient's results, newest first.
func (r *ResultRepository) ListByPatient(_ context.Context, patientID string, limit, offset int) ([]*domain.Result, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	matched := make([]*domain.Result, 0)
	for _, res := range r.s.results {
		if res.PatientID == patientID {
			matched = append(matched, res)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	return page(matched, limit, offset, (*domain.Result).Clone), nil
}

// MaterialRepository implements domain.QCMaterialRepository.
type MaterialRepository struct{ s *Store }

// Create stores a new material.
func (r *MaterialRepository) Create(_ context.Context, material *domain.QCMaterial) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.materials[material.ID]; ok {
		return fmt.Errorf("qc material %s: %w", material.ID, domain.ErrDuplicate)
	}
	r.s.materials[material.ID] = material.Clone()
	return nil
}

// Get returns a material by ID.
func (r *MaterialRepository) Get(_ context.Context, id string) (*domain.QCMaterial, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	m, ok := r.s.materials[id]
	if !ok {
		return nil, fmt.Errorf("qc material %s: %w", id, domain.ErrNotFound)
	}
	return m.Clone(), nil
}

// Update replaces a material. Target edits are rejected once any run references it.
func (r *MaterialRepository) Update(_ context.Context, material *domain.QCMaterial) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	existing, ok := r.s.materials[material.ID]
	if !ok {
		return fmt.Errorf("qc material %s: %w", material.ID, domain.ErrNotFound)
	}
	if !domain.SameTargets(existing.Analytes, material.Analytes) && r.s.countRuns(material.ID) > 0 {
		return fmt.Errorf("qc material %s: %w", material.ID, domain.ErrTargetsLocked)
	}
	r.s.materials[material.ID] = material.Clone()
	return nil
}

// List returns materials ordered by lot and level.
func (r *MaterialRepository) List(_ context.Context, includeRetired bool) ([]*domain.QCMaterial, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]*domain.QCMaterial, 0, len(r.s.materials))
	for _, m := range r.s.materials {
		if m.IsRetired() && !includeRetired {
			continue
		}
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LotNumber != out[j].LotNumber {
			return out[i].LotNumber < out[j].LotNumber
		}
		return out[i].Level < out[j].Level
	})
	return out, nil
}

// RunRepository implements domain.QCRunRepository.
type RunRepository struct{ s *Store }

// History returns the runs of key ordered by run date, with the key's current version.
func (r *RunRepository) History(_ context.Context, key domain.RunKey) ([]*domain.QCRun, int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	ids := r.s.runKeys[key]
	runs := make([]*domain.QCRun, 0, len(ids))
	for _, id := range ids {
		runs = append(runs, r.s.runs[id].Clone())
	}
	return runs, r.s.versions[key], nil
}

// Version returns the current version of key, zero before the first run.
func (r *RunRepository) Version(_ context.Context, key domain.RunKey) (int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.versions[key], nil
}

// Append stores run if the key version still equals expectedVersion.
func (r *RunRepository) Append(_ context.Context, run *domain.QCRun, expectedVersion int64) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := run.Key()
	if r.s.versions[key] != expectedVersion {
		return r.s.versions[key], fmt.Errorf("%s at version %d, expected %d: %w", key, r.s.versions[key], expectedVersion, domain.ErrStaleWrite)
	}
	if _, ok := r.s.runs[run.ID]; ok {
		return expectedVersion, fmt.Errorf("qc run %s already exists", run.ID)
	}

	r.s.runs[run.ID] = run.Clone()
	ids := append(r.s.runKeys[key], run.ID)
	// Insertion sort keeps the key ordered by run date; ties keep arrival order.
	for i := len(ids) - 1; i > 0 && r.s.runs[ids[i]].RunDate.Before(r.s.runs[ids[i-1]].RunDate); i-- {
		ids[i], ids[i-1] = ids[i-1], ids[i]
	}
	r.s.runKeys[key] = ids
	r.s.versions[key]++
	return r.s.versions[key], nil
}

// Get returns a run by ID.
func (r *RunRepository) Get(_ context.Context, id string) (*domain.QCRun, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	run, ok := r.s.runs[id]
	if !ok {
		return nil, fmt.Errorf("qc run %s: %w", id, domain.ErrNotFound)
	}
	return run.Clone(), nil
}

// SetReview records review on a run and bumps its key version.
func (r *RunRepository) SetReview(_ context.Context, id string, review domain.QCReview) (*domain.QCRun, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	run, ok := r.s.runs[id]
	if !ok {
		return nil, fmt.Errorf("qc run %s: %w", id, domain.ErrNotFound)
	}
	updated := run.Clone()
	updated.Review = &review
	r.s.runs[id] = updated
	r.s.versions[updated.Key()]++
	return updated.Clone(), nil
}

// CountByMaterial returns the number of runs that reference a material.
func (r *RunRepository) CountByMaterial(_ context.Context, materialID string) (int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.countRuns(materialID), nil
}

func (s *Store) countRuns(materialID string) int {
	n := 0
	for key, ids := range s.runKeys {
		if key.MaterialID == materialID {
			n += len(ids)
		}
	}
	return n
}

func page[T any](items []*T, limit, offset int, clone func(*T) *T) []*T {
	if offset >= len(items) {
		return []*T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	out := make([]*T, len(items))
	for i, item := range items {
		out[i] = clone(item)
	}
	return out
}
