package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/labqc-server/internal/domain"
)

// QCSettings tunes QC evaluation.
type QCSettings struct {
	TargetSource    domain.TargetSource
	HistoryWindow   int
	MaxStaleRetries int
}

// QCSettingsFromConfig converts the loaded configuration.
func QCSettingsFromConfig(cfg domain.QCConfig) (QCSettings, error) {
	source, err := domain.ParseTargetSource(cfg.TargetSource)
	if err != nil {
		return QCSettings{}, err
	}
	return QCSettings{
		TargetSource:    source,
		HistoryWindow:   cfg.HistoryWindow,
		MaxStaleRetries: cfg.MaxStaleRetries,
	}, nil
}

// QCService records QC runs, evaluates them and projects their history.
type QCService struct {
	materials  domain.QCMaterialRepository
	runs       domain.QCRunRepository
	analytes   domain.AnalyteRepository
	evaluator  *RuleEvaluator
	rejections *RejectionNotifier
	cache      domain.StatisticsCache
	audit      domain.AuditTrail
	settings   QCSettings
	logger     *logrus.Logger
	now        func() time.Time
}

// NewQCService creates a QC service. cache and audit may be nil.
func NewQCService(
	materials domain.QCMaterialRepository,
	runs domain.QCRunRepository,
	analytes domain.AnalyteRepository,
	rejections *RejectionNotifier,
	cache domain.StatisticsCache,
	audit domain.AuditTrail,
	settings QCSettings,
	logger *logrus.Logger,
) *QCService {
	if settings.TargetSource == "" {
		settings.TargetSource = domain.TargetFixed
	}
	if settings.MaxStaleRetries < 0 {
		settings.MaxStaleRetries = 0
	}
	return &QCService{
		materials:  materials,
		runs:       runs,
		analytes:   analytes,
		evaluator:  NewRuleEvaluator(logger, settings.HistoryWindow),
		rejections: rejections,
		cache:      cache,
		audit:      audit,
		settings:   settings,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// RecordQCRun evaluates and stores a QC value. Concurrent submissions for the same key are
// detected through the key version; the evaluation is redone against the fresh history up
// to MaxStaleRetries times before ErrStaleWrite is returned.
func (s *QCService) RecordQCRun(ctx context.Context, materialID, testCode string, value float64, rc domain.RunContext) (*domain.QCRun, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, &domain.InvalidValueError{TestCode: testCode, Raw: fmt.Sprint(value), Reason: "not a finite number"}
	}
	if testCode == "" {
		return nil, domain.NewValidationError("test_code", "is required", testCode)
	}

	material, err := s.materials.Get(ctx, materialID)
	if err != nil {
		return nil, err
	}
	if material.IsRetired() {
		return nil, fmt.Errorf("material %s: %w", materialID, domain.ErrMaterialRetired)
	}
	if rc.RunDate.IsZero() {
		rc.RunDate = s.now()
	}

	key := domain.RunKey{MaterialID: materialID, TestCode: testCode}
	logger := s.logger.WithFields(logrus.Fields{
		"material_id": materialID,
		"test_code":   testCode,
	})

	for attempt := 0; attempt <= s.settings.MaxStaleRetries; attempt++ {
		history, version, err := s.runs.History(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to load qc history for %s: %w", key, err)
		}

		prior := priorUsable(history, rc.RunDate)
		run := s.evaluateRun(ctx, material, key, value, rc, prior)

		if _, err := s.runs.Append(ctx, run, version); err != nil {
			if errors.Is(err, domain.ErrStaleWrite) {
				logger.WithField("attempt", attempt+1).Warn("QC history changed during evaluation, retrying")
				continue
			}
			return nil, fmt.Errorf("failed to store qc run: %w", err)
		}

		s.afterAppend(ctx, run, prior)
		logger.WithFields(logrus.Fields{
			"run_id": run.ID,
			"status": run.Status,
			"rules":  run.ViolatedRules,
		}).Info("Recorded QC run")
		return run, nil
	}
	return nil, fmt.Errorf("qc history for %s kept changing after %d retries: %w", key, s.settings.MaxStaleRetries, domain.ErrStaleWrite)
}

func (s *QCService) evaluateRun(ctx context.Context, material *domain.QCMaterial, key domain.RunKey, value float64, rc domain.RunContext, prior []*domain.QCRun) *domain.QCRun {
	run := &domain.QCRun{
		ID:            uuid.New().String(),
		MaterialID:    key.MaterialID,
		TestCode:      key.TestCode,
		Value:         value,
		RunDate:       rc.RunDate,
		Shift:         rc.Shift,
		AnalyzerID:    rc.AnalyzerID,
		PerformedBy:   rc.PerformedBy,
		Environment:   rc.Environment,
		Status:        domain.RunPending,
		ViolatedRules: make([]domain.RuleID, 0),
		CreatedAt:     s.now(),
	}

	target, err := s.resolveTarget(ctx, material, key, prior)
	if err != nil {
		run.EvaluationNote = fmt.Sprintf("%s: %v", domain.IssueCode(err), err)
		s.logger.WithError(err).WithField("material_id", key.MaterialID).WithField("test_code", key.TestCode).
			Warn("QC run stored without evaluation")
		return run
	}

	history := make([]float64, len(prior))
	for i, r := range prior {
		history[i] = r.Value
	}
	eval, err := s.evaluator.Evaluate(value, target, history)
	if err != nil {
		run.EvaluationNote = fmt.Sprintf("%s: %v", domain.IssueCode(err), err)
		return run
	}

	z := eval.ZScore
	run.Status = eval.Status
	run.ViolatedRules = eval.ViolatedRules
	run.ZScore = &z
	run.TargetSource = target.Source
	return run
}

// resolveTarget picks the mean and SD for evaluation. Running statistics fall back to the
// fixed target while history is insufficient.
func (s *QCService) resolveTarget(ctx context.Context, material *domain.QCMaterial, key domain.RunKey, prior []*domain.QCRun) (ControlTarget, error) {
	if s.settings.TargetSource == domain.TargetRunning {
		stats, err := ComputeStatistics(key, prior)
		if err == nil && stats.SD > 0 {
			return ControlTarget{Mean: stats.Mean, SD: stats.SD, Source: domain.TargetRunning}, nil
		}
		target, fixedErr := s.fixedTarget(ctx, material, key.TestCode)
		if fixedErr != nil {
			if err == nil {
				err = fmt.Errorf("running sd is zero: %w", domain.ErrInsufficientHistory)
			}
			return ControlTarget{}, err
		}
		return target, nil
	}
	return s.fixedTarget(ctx, material, key.TestCode)
}

func (s *QCService) fixedTarget(ctx context.Context, material *domain.QCMaterial, testCode string) (ControlTarget, error) {
	analyte, err := s.qcAnalyte(ctx, testCode)
	if err != nil {
		return ControlTarget{}, err
	}
	return fixedTargetFrom(material, analyte, testCode)
}

// qcAnalyte returns the analyte definition for testCode, nil when none is registered.
func (s *QCService) qcAnalyte(ctx context.Context, testCode string) (*domain.Analyte, error) {
	if s.analytes == nil {
		return nil, nil
	}
	a, err := s.analytes.Get(ctx, testCode)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return a, err
}

// fixedTargetFrom prefers the material's own target and falls back to the analyte's.
func fixedTargetFrom(material *domain.QCMaterial, analyte *domain.Analyte, testCode string) (ControlTarget, error) {
	if t, ok := material.Target(testCode); ok {
		return ControlTarget{Mean: t.Mean, SD: t.SD, Source: domain.TargetFixed}, nil
	}
	if analyte != nil && analyte.QCTarget != nil {
		return ControlTarget{Mean: analyte.QCTarget.Mean, SD: analyte.QCTarget.SD, Source: domain.TargetFixed}, nil
	}
	return ControlTarget{}, &domain.ConfigurationError{
		TestCode: testCode,
		Field:    "qc_target",
		Reason:   fmt.Sprintf("not configured for material %s", material.ID),
	}
}

// CheckAnalyteTarget refuses to change an analyte's QC target while runs of a material
// without its own target for that test were evaluated against it.
func (s *QCService) CheckAnalyteTarget(ctx context.Context, previous, next *domain.Analyte) error {
	if previous == nil || previous.QCTarget == nil {
		return nil
	}
	if next != nil && sameQCTarget(previous.QCTarget, next.QCTarget) {
		return nil
	}
	materials, err := s.materials.List(ctx, true)
	if err != nil {
		return err
	}
	for _, m := range materials {
		if _, ok := m.Target(previous.TestCode); ok {
			continue
		}
		version, err := s.runs.Version(ctx, domain.RunKey{MaterialID: m.ID, TestCode: previous.TestCode})
		if err != nil {
			return err
		}
		if version > 0 {
			return fmt.Errorf("qc target of analyte %s is referenced by runs of material %s: %w", previous.TestCode, m.ID, domain.ErrTargetsLocked)
		}
	}
	return nil
}

func sameQCTarget(a, b *domain.QCTarget) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Mean != b.Mean || a.SD != b.SD {
		return false
	}
	if a.CV == nil || b.CV == nil {
		return a.CV == b.CV
	}
	return *a.CV == *b.CV
}

func projectionStamp(material *domain.QCMaterial, analyte *domain.Analyte, historyVersion int64) domain.ProjectionStamp {
	stamp := domain.ProjectionStamp{HistoryVersion: historyVersion, MaterialUpdatedAt: material.UpdatedAt.UnixNano()}
	if analyte != nil {
		stamp.AnalyteVersion = analyte.Version
	}
	return stamp
}

func (s *QCService) afterAppend(ctx context.Context, run *domain.QCRun, prior []*domain.QCRun) {
	s.invalidate(ctx, run.Key())

	if run.Status == domain.RunReject && s.rejections != nil {
		var lastAccept *time.Time
		for i := len(prior) - 1; i >= 0; i-- {
			if prior[i].Disposition() == domain.RunAccept {
				t := prior[i].RunDate
				lastAccept = &t
				break
			}
		}
		s.rejections.Rejected(ctx, run, lastAccept)
	}

	details := map[string]string{
		"status": string(run.Status),
		"value":  domain.FormatFloat(run.Value),
	}
	if len(run.ViolatedRules) > 0 {
		details["violated_rules"] = fmt.Sprint(run.ViolatedRules)
	}
	s.record(ctx, domain.AuditEvent{
		EntityType: "qc_run",
		EntityID:   run.ID,
		Action:     domain.AuditQCRunRecorded,
		Actor:      run.PerformedBy,
		Details:    details,
	})
}

// ReviewQCRun records a supervisor disposition. The run value is never changed. Repeating
// the current disposition is a no-op.
func (s *QCService) ReviewQCRun(ctx context.Context, runID, reviewer string, disposition domain.RunStatus, comments string) (*domain.QCRun, error) {
	if !disposition.IsReviewDisposition() {
		return nil, fmt.Errorf("%q: %w", disposition, domain.ErrInvalidDisposition)
	}
	if reviewer == "" {
		return nil, domain.NewValidationError("reviewed_by", "is required", reviewer)
	}

	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Review != nil && run.Review.Disposition == disposition {
		return run, nil
	}

	previous := run.Disposition()
	updated, err := s.runs.SetReview(ctx, runID, domain.QCReview{
		ReviewedBy:  reviewer,
		ReviewedAt:  s.now(),
		Disposition: disposition,
		Comments:    comments,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record qc review: %w", err)
	}

	s.invalidate(ctx, updated.Key())
	s.logger.WithFields(logrus.Fields{
		"run_id":      updated.ID,
		"material_id": updated.MaterialID,
		"test_code":   updated.TestCode,
		"previous":    previous,
		"disposition": disposition,
	}).Info("QC run reviewed")

	s.record(ctx, domain.AuditEvent{
		EntityType: "qc_run",
		EntityID:   updated.ID,
		Action:     domain.AuditQCRunReviewed,
		Actor:      reviewer,
		Comments:   comments,
		Details: map[string]string{
			"previous":    string(previous),
			"disposition": string(disposition),
		},
	})
	return updated, nil
}

// Statistics computes the running statistics for a key.
func (s *QCService) Statistics(ctx context.Context, materialID, testCode string) (*domain.QCStatistics, error) {
	runs, _, err := s.runs.History(ctx, domain.RunKey{MaterialID: materialID, TestCode: testCode})
	if err != nil {
		return nil, err
	}
	return ComputeStatistics(domain.RunKey{MaterialID: materialID, TestCode: testCode}, runs)
}

// GetLeveyJenningsData projects every run of a key onto control limits. Limits follow the
// configured target source; when none can be determined Limits is nil and Note explains why.
func (s *QCService) GetLeveyJenningsData(ctx context.Context, materialID, testCode string) (*domain.LeveyJenningsData, error) {
	key := domain.RunKey{MaterialID: materialID, TestCode: testCode}
	material, err := s.materials.Get(ctx, materialID)
	if err != nil {
		return nil, err
	}
	analyte, err := s.qcAnalyte(ctx, testCode)
	if err != nil {
		return nil, err
	}

	// A cached projection is only served while the inputs it was built from are current.
	// A reader that raced a write stores an entry stamped with the older version.
	if s.cache != nil {
		if data, ok := s.cache.Get(ctx, key); ok {
			version, err := s.runs.Version(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("failed to read qc version for %s: %w", key, err)
			}
			if data.Stamp == projectionStamp(material, analyte, version) {
				return data, nil
			}
		}
	}

	runs, version, err := s.runs.History(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load qc history for %s: %w", key, err)
	}

	data := &domain.LeveyJenningsData{
		MaterialID: materialID,
		TestCode:   testCode,
		N:          len(UsableRuns(runs)),
		Points:     dataPoints(sortChronological(runs)),
		Stamp:      projectionStamp(material, analyte, version),
	}

	stats, statsErr := ComputeStatistics(key, runs)
	switch {
	case s.settings.TargetSource == domain.TargetRunning && statsErr == nil:
		limits := stats.Limits
		data.Source = domain.TargetRunning
		data.Limits = &limits
		data.CV = stats.CV
	default:
		target, err := fixedTargetFrom(material, analyte, testCode)
		if err != nil {
			if statsErr != nil {
				data.Note = fmt.Sprintf("%s; %s", statsErr, err)
			} else {
				data.Note = err.Error()
			}
			break
		}
		limits := ControlLimitsFor(target.Mean, target.SD)
		data.Source = domain.TargetFixed
		data.Limits = &limits
		if t, ok := material.Target(testCode); ok && t.CV != nil {
			data.CV = t.CV
		} else if target.Mean != 0 {
			cv := target.SD / target.Mean * 100
			data.CV = &cv
		}
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, data); err != nil {
			s.logger.WithError(err).WithField("key", key.String()).Warn("Failed to cache Levey-Jennings data")
		}
	}
	return data, nil
}

// CreateMaterial validates and stores a new control lot.
func (s *QCService) CreateMaterial(ctx context.Context, material *domain.QCMaterial) (*domain.QCMaterial, error) {
	if err := material.Validate(); err != nil {
		return nil, err
	}
	m := material.Clone()
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := s.now()
	m.CreatedAt, m.UpdatedAt, m.RetiredAt = now, now, nil
	if err := s.materials.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to create qc material: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"material_id": m.ID,
		"lot_number":  m.LotNumber,
		"level":       m.Level,
	}).Info("Created QC material")
	return m, nil
}

// UpdateMaterialTargets replaces the targets of a material that no run references yet.
func (s *QCService) UpdateMaterialTargets(ctx context.Context, materialID string, targets []domain.AnalyteQCTarget) (*domain.QCMaterial, error) {
	material, err := s.materials.Get(ctx, materialID)
	if err != nil {
		return nil, err
	}
	if material.IsRetired() {
		return nil, fmt.Errorf("material %s: %w", materialID, domain.ErrMaterialRetired)
	}
	count, err := s.runs.CountByMaterial(ctx, materialID)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, fmt.Errorf("material %s has %d runs: %w", materialID, count, domain.ErrTargetsLocked)
	}

	previous := material.Analytes
	updated := material.Clone()
	updated.Analytes = append([]domain.AnalyteQCTarget(nil), targets...)
	if err := updated.Validate(); err != nil {
		return nil, err
	}
	updated.UpdatedAt = s.now()
	if err := s.materials.Update(ctx, updated); err != nil {
		return nil, err
	}

	for _, t := range append(previous, targets...) {
		s.invalidate(ctx, domain.RunKey{MaterialID: materialID, TestCode: t.TestCode})
	}
	return updated, nil
}

// RetireMaterial stops a material from accepting new runs. Its history stays readable.
func (s *QCService) RetireMaterial(ctx context.Context, materialID, actor string) (*domain.QCMaterial, error) {
	material, err := s.materials.Get(ctx, materialID)
	if err != nil {
		return nil, err
	}
	if material.IsRetired() {
		return material, nil
	}
	now := s.now()
	material.RetiredAt = &now
	material.UpdatedAt = now
	if err := s.materials.Update(ctx, material); err != nil {
		return nil, err
	}
	s.record(ctx, domain.AuditEvent{
		EntityType: "qc_material",
		EntityID:   materialID,
		Action:     domain.AuditMaterialRetired,
		Actor:      actor,
		Details:    map[string]string{"lot_number": material.LotNumber},
	})
	return material, nil
}

// GetMaterial returns a control lot.
func (s *QCService) GetMaterial(ctx context.Context, materialID string) (*domain.QCMaterial, error) {
	return s.materials.Get(ctx, materialID)
}

// ListMaterials returns control lots, optionally including retired ones.
func (s *QCService) ListMaterials(ctx context.Context, includeRetired bool) ([]*domain.QCMaterial, error) {
	return s.materials.List(ctx, includeRetired)
}

// GetRun returns a stored QC run.
func (s *QCService) GetRun(ctx context.Context, runID string) (*domain.QCRun, error) {
	return s.runs.Get(ctx, runID)
}

func (s *QCService) invalidate(ctx context.Context, key domain.RunKey) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, key); err != nil {
		s.logger.WithError(err).WithField("key", key.String()).Error("Failed to invalidate QC statistics cache")
	}
}

func (s *QCService) record(ctx context.Context, event domain.AuditEvent) {
	if s.audit == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now()
	}
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"entity_id": event.EntityID,
			"action":    event.Action,
		}).Error("Failed to record audit event")
	}
}

// priorUsable returns the usable runs dated at or before runDate, oldest first.
func priorUsable(history []*domain.QCRun, runDate time.Time) []*domain.QCRun {
	prior := make([]*domain.QCRun, 0, len(history))
	for _, r := range sortChronological(UsableRuns(history)) {
		if !r.RunDate.After(runDate) {
			prior = append(prior, r)
		}
	}
	return prior
}
