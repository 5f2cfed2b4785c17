package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/labqc-server/internal/domain"
)

// TargetGuard decides whether an analyte definition may replace the stored one.
type TargetGuard interface {
	CheckAnalyteTarget(ctx context.Context, previous, next *domain.Analyte) error
}

// AnalyteService manages analyte reference data.
type AnalyteService struct {
	repo   domain.AnalyteRepository
	guard  TargetGuard
	logger *logrus.Logger
}

// NewAnalyteService creates an analyte service. guard may be nil.
func NewAnalyteService(repo domain.AnalyteRepository, guard TargetGuard, logger *logrus.Logger) *AnalyteService {
	return &AnalyteService{repo: repo, guard: guard, logger: logger}
}

// RegisterJSON parses, validates and stores an analyte definition.
func (s *AnalyteService) RegisterJSON(ctx context.Context, data []byte) (*domain.Analyte, error) {
	analyte, err := domain.ParseAnalyte(data)
	if err != nil {
		return nil, err
	}
	return s.Register(ctx, analyte)
}

// RegisterAll loads a JSON array of analyte definitions. Loading stops at the first
// invalid definition; earlier ones stay registered.
func (s *AnalyteService) RegisterAll(ctx context.Context, data []byte) (int, error) {
	var defs []json.RawMessage
	if err := json.Unmarshal(data, &defs); err != nil {
		return 0, &domain.ConfigurationError{Field: "analytes", Reason: err.Error()}
	}
	for i, def := range defs {
		if _, err := s.RegisterJSON(ctx, def); err != nil {
			return i, fmt.Errorf("analyte %d: %w", i, err)
		}
	}
	return len(defs), nil
}

// Register validates and stores an analyte, bumping its version. A changed QC target is
// refused with ErrTargetsLocked once runs were evaluated against the stored one.
func (s *AnalyteService) Register(ctx context.Context, analyte *domain.Analyte) (*domain.Analyte, error) {
	if err := analyte.Validate(); err != nil {
		return nil, err
	}
	if s.guard != nil {
		previous, err := s.repo.Get(ctx, analyte.TestCode)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		if err := s.guard.CheckAnalyteTarget(ctx, previous, analyte); err != nil {
			return nil, err
		}
	}
	analyte.UpdatedAt = time.Now().UTC()
	if err := s.repo.Put(ctx, analyte); err != nil {
		return nil, fmt.Errorf("failed to store analyte %s: %w", analyte.TestCode, err)
	}
	s.logger.WithFields(logrus.Fields{
		"test_code": analyte.TestCode,
		"version":   analyte.Version,
	}).Info("Registered analyte")
	return analyte, nil
}

// Get returns an analyte by test code.
func (s *AnalyteService) Get(ctx context.Context, testCode string) (*domain.Analyte, error) {
	return s.repo.Get(ctx, testCode)
}

// List returns every configured analyte.
func (s *AnalyteService) List(ctx context.Context) ([]*domain.Analyte, error) {
	return s.repo.List(ctx)
}
