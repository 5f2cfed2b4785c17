package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/labqc-server/internal/domain"
)

// ResultService runs patient results through flagging, critical escalation and
// verification.
type ResultService struct {
	results   domain.ResultRepository
	analytes  domain.AnalyteRepository
	flagger   *Flagger
	escalator *Escalator
	audit     domain.AuditTrail
	logger    *logrus.Logger
	now       func() time.Time
}

// NewResultService creates a result service. audit may be nil.
func NewResultService(
	results domain.ResultRepository,
	analytes domain.AnalyteRepository,
	notifier domain.NotificationService,
	audit domain.AuditTrail,
	logger *logrus.Logger,
) *ResultService {
	return &ResultService{
		results:   results,
		analytes:  analytes,
		flagger:   NewFlagger(logger, CriticalOptionFlagger{}),
		escalator: NewEscalator(notifier, logger),
		audit:     audit,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ApplyFlags returns a copy of result with every value flagged against analytesByCode and
// the critical summary populated. It has no side effects on storage or collaborators.
func (s *ResultService) ApplyFlags(result *domain.Result, analytesByCode map[string]*domain.Analyte) *domain.Result {
	out := result.Clone()
	for i, v := range out.Values {
		out.Values[i] = s.flagger.Flag(domain.ValueInput{
			TestCode: v.TestCode,
			Value:    domain.RawValue(v.Raw),
			Unit:     v.Unit,
		}, analytesByCode[v.TestCode])
	}
	summarizeCritical(out)
	return out
}

// EvaluateResult flags result, stores it and escalates when the write moved the result
// into the critical state. Re-evaluating an already critical result never escalates again.
func (s *ResultService) EvaluateResult(ctx context.Context, result *domain.Result, analytesByCode map[string]*domain.Analyte) (*domain.Result, error) {
	if result == nil || result.ID == "" {
		return nil, domain.NewValidationError("id", "is required", nil)
	}
	evaluated := s.ApplyFlags(result, analytesByCode)

	escalate := false
	stored, err := s.results.Transact(ctx, result.ID, func(current *domain.Result) (*domain.Result, error) {
		escalate = false
		if current != nil && current.Status.IsTerminal() {
			return nil, fmt.Errorf("result %s cannot be re-evaluated: %w", current.ID, domain.ErrAlreadyVerified)
		}

		next := evaluated.Clone()
		now := s.now()
		if current != nil {
			next.Status = current.Status
			next.CreatedAt = current.CreatedAt
			next.EscalatedAt = current.EscalatedAt
			next.Version = current.Version
		} else {
			next.Status = domain.ResultPendingVerification
			if next.CreatedAt.IsZero() {
				next.CreatedAt = now
			}
		}
		next.UpdatedAt = now

		if becameCritical(current, next) {
			next.EscalatedAt = &now
			escalate = true
		}
		return next, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store evaluated result: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"result_id":           stored.ID,
		"values":              len(stored.Values),
		"has_critical_values": stored.HasCriticalValues,
		"unflagged":           stored.HasUnflaggedValues(),
	}).Info("Evaluated result")

	if escalate {
		s.escalator.Escalate(ctx, stored)
		s.record(ctx, domain.AuditEvent{
			EntityType: "result",
			EntityID:   stored.ID,
			Action:     domain.AuditResultEscalated,
			Actor:      stored.PerformedBy,
			Details:    map[string]string{"critical_values": fmt.Sprint(len(stored.CriticalValues))},
		})
	}
	return stored, nil
}

// SubmitResult creates a result from submitted values. Values whose analyte is unknown are
// stored unflagged; the rest of the result is processed normally.
func (s *ResultService) SubmitResult(ctx context.Context, submission *domain.ResultSubmission) (*domain.Result, error) {
	if err := submission.Validate(); err != nil {
		return nil, err
	}

	codes := make([]string, 0, len(submission.Values))
	values := make([]domain.ReportedValue, 0, len(submission.Values))
	for _, in := range submission.Values {
		codes = append(codes, in.TestCode)
		values = append(values, domain.ReportedValue{TestCode: in.TestCode, Raw: string(in.Value), Unit: in.Unit})
	}
	analytes, err := s.LoadAnalytes(ctx, codes)
	if err != nil {
		return nil, err
	}

	result := &domain.Result{
		ID:          uuid.New().String(),
		SampleID:    submission.SampleID,
		TestID:      submission.TestID,
		PatientID:   submission.PatientID,
		Status:      domain.ResultPendingVerification,
		PerformedBy: submission.PerformedBy,
		Values:      values,
	}
	stored, err := s.EvaluateResult(ctx, result, analytes)
	if err != nil {
		return nil, err
	}

	s.record(ctx, domain.AuditEvent{
		EntityType: "result",
		EntityID:   stored.ID,
		Action:     domain.AuditResultSubmitted,
		Actor:      stored.PerformedBy,
		Details: map[string]string{
			"sample_id": stored.SampleID,
			"test_id":   stored.TestID,
		},
	})
	return stored, nil
}

// ReevaluateResult re-flags a stored result against the current analyte configuration.
func (s *ResultService) ReevaluateResult(ctx context.Context, id string) (*domain.Result, error) {
	current, err := s.results.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	codes := make([]string, 0, len(current.Values))
	for _, v := range current.Values {
		codes = append(codes, v.TestCode)
	}
	analytes, err := s.LoadAnalytes(ctx, codes)
	if err != nil {
		return nil, err
	}
	return s.EvaluateResult(ctx, current, analytes)
}

// VerifyResult completes a pending result. A completed result fails with ErrAlreadyVerified
// and is left untouched. Results with unflagged values require confirmUnflagged.
func (s *ResultService) VerifyResult(ctx context.Context, id, verifierID, comments string, confirmUnflagged bool) (*domain.Result, error) {
	if verifierID == "" {
		return nil, domain.NewValidationError("verified_by", "is required", verifierID)
	}

	verified, err := s.results.Transact(ctx, id, func(current *domain.Result) (*domain.Result, error) {
		if current == nil {
			return nil, fmt.Errorf("result %s: %w", id, domain.ErrNotFound)
		}
		if current.Status.IsTerminal() {
			return nil, fmt.Errorf("result %s: %w", id, domain.ErrAlreadyVerified)
		}
		if current.HasUnflaggedValues() && !confirmUnflagged {
			return nil, fmt.Errorf("result %s: %w", id, domain.ErrUnflaggedConfirmationRequired)
		}

		now := s.now()
		next := current.Clone()
		next.Status = domain.ResultCompleted
		next.VerifiedBy = verifierID
		next.VerifiedAt = &now
		next.VerificationComments = comments
		next.UnflaggedConfirmed = current.HasUnflaggedValues()
		next.UpdatedAt = now
		return next, nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrUnflaggedConfirmationRequired) {
			s.logger.WithField("result_id", id).Warn("Verification requires confirmation of unflagged values")
		}
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"result_id":   verified.ID,
		"verified_by": verifierID,
	}).Info("Result verified")

	s.record(ctx, domain.AuditEvent{
		EntityType: "result",
		EntityID:   verified.ID,
		Action:     domain.AuditResultVerified,
		Actor:      verifierID,
		Comments:   comments,
		Details: map[string]string{
			"unflagged_confirmed": fmt.Sprint(verified.UnflaggedConfirmed),
		},
	})
	return verified, nil
}

// GetResult returns a stored result.
func (s *ResultService) GetResult(ctx context.Context, id string) (*domain.Result, error) {
	return s.results.Get(ctx, id)
}

// ListPatientResults returns a patient's results, newest first.
func (s *ResultService) ListPatientResults(ctx context.Context, patientID string, limit, offset int) ([]*domain.Result, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.results.ListByPatient(ctx, patientID, limit, offset)
}

// FlagValues flags ad-hoc values against the current analyte configuration. Nothing is
// stored and no escalation is dispatched.
func (s *ResultService) FlagValues(ctx context.Context, inputs []domain.ValueInput) ([]domain.ReportedValue, error) {
	codes := make([]string, 0, len(inputs))
	for _, in := range inputs {
		codes = append(codes, in.TestCode)
	}
	analytes, err := s.LoadAnalytes(ctx, codes)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ReportedValue, 0, len(inputs))
	for _, in := range inputs {
		out = append(out, s.flagger.Flag(in, analytes[in.TestCode]))
	}
	return out, nil
}

// LoadAnalytes fetches the analytes for codes. Unknown codes are omitted from the map so the
// affected values degrade to unflagged.
func (s *ResultService) LoadAnalytes(ctx context.Context, codes []string) (map[string]*domain.Analyte, error) {
	analytes := make(map[string]*domain.Analyte, len(codes))
	for _, code := range codes {
		if _, seen := analytes[code]; seen {
			continue
		}
		a, err := s.analytes.Get(ctx, code)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			s.logger.WithField("test_code", code).Warn("Analyte is not configured")
			analytes[code] = nil
		case err != nil:
			return nil, fmt.Errorf("failed to load analyte %s: %w", code, err)
		default:
			analytes[code] = a
		}
	}
	return analytes, nil
}

func (s *ResultService) record(ctx context.Context, event domain.AuditEvent) {
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
