package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/labqc-server/internal/domain"
	"github.com/labqc-server/internal/memstore"
)

type resultFixture struct {
	service  *ResultService
	store    *memstore.Store
	notifier *MockNotificationService
	audit    *recordingAudit
}

func newResultFixture(t *testing.T) *resultFixture {
	t.Helper()
	store := memstore.New()
	require.NoError(t, store.Analytes().Put(context.Background(), glucoseAnalyte()))
	require.NoError(t, store.Analytes().Put(context.Background(), &domain.Analyte{
		TestCode:       "K",
		Unit:           "mmol/L",
		ReferenceRange: domain.ReferenceRange{Low: domain.Float(3.5), High: domain.Float(5.1)},
		CriticalRange:  domain.CriticalRange{Low: domain.Float(2.5), High: domain.Float(6.5)},
	}))

	notifier := new(MockNotificationService)
	audit := &recordingAudit{}
	return &resultFixture{
		service:  NewResultService(store.Results(), store.Analytes(), notifier, audit, testLogger()),
		store:    store,
		notifier: notifier,
		audit:    audit,
	}
}

func submission(values ...domain.ValueInput) *domain.ResultSubmission {
	return &domain.ResultSubmission{
		SampleID:    "S-1",
		TestID:      "BMP",
		PatientID:   "P-1",
		PerformedBy: "tech-1",
		Values:      values,
	}
}

func TestSubmitResultFlagsValues(t *testing.T) {
	f := newResultFixture(t)

	result, err := f.service.SubmitResult(context.Background(), submission(
		domain.ValueInput{TestCode: "GLU", Value: "45"},
		domain.ValueInput{TestCode: "K", Value: "4.2"},
	))
	require.NoError(t, err)

	assert.Equal(t, domain.ResultPendingVerification, result.Status)
	require.Len(t, result.Values, 2)
	assert.Equal(t, domain.FlagLow, result.Values[0].Flag)
	assert.Equal(t, domain.FlagNormal, result.Values[1].Flag)
	assert.False(t, result.HasCriticalValues)
	assert.Empty(t, result.CriticalValues)
	assert.Nil(t, result.EscalatedAt)
	f.notifier.AssertNotCalled(t, "EscalateCritical", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, []string{domain.AuditResultSubmitted}, f.audit.actions())
}

func TestSubmitResultEscalatesCriticalValue(t *testing.T) {
	f := newResultFixture(t)
	f.notifier.On("EscalateCritical", mock.Anything, mock.AnythingOfType("*domain.Result"), mock.MatchedBy(func(values []domain.ReportedValue) bool {
		return len(values) == 1 && values[0].TestCode == "GLU" && values[0].Flag == domain.FlagCriticalLow
	})).Return(nil).Once()

	result, err := f.service.SubmitResult(context.Background(), submission(
		domain.ValueInput{TestCode: "GLU", Value: "35"},
		domain.ValueInput{TestCode: "K", Value: "4.0"},
	))
	require.NoError(t, err)

	assert.True(t, result.HasCriticalValues)
	require.Len(t, result.CriticalValues, 1)
	assert.NotNil(t, result.EscalatedAt)
	f.notifier.AssertExpectations(t)
	assert.Contains(t, f.audit.actions(), domain.AuditResultEscalated)
}

func TestEvaluateResultEscalatesOnce(t *testing.T) {
	f := newResultFixture(t)
	f.notifier.On("EscalateCritical", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	input := &domain.Result{
		ID:        "res-1",
		PatientID: "P-1",
		Values:    []domain.ReportedValue{{TestCode: "GLU", Raw: "500"}},
	}
	analytes := map[string]*domain.Analyte{"GLU": glucoseAnalyte()}

	first, err := f.service.EvaluateResult(context.Background(), input, analytes)
	require.NoError(t, err)
	second, err := f.service.EvaluateResult(context.Background(), input, analytes)
	require.NoError(t, err)

	assert.Equal(t, domain.FlagCriticalHigh, second.Values[0].Flag)
	assert.True(t, second.HasCriticalValues)
	assert.Equal(t, first.EscalatedAt, second.EscalatedAt)
	f.notifier.AssertNumberOfCalls(t, "EscalateCritical", 1)
}

func TestEvaluateResultEscalatesOnNewTransition(t *testing.T) {
	f := newResultFixture(t)
	f.notifier.On("EscalateCritical", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	analytes := map[string]*domain.Analyte{"GLU": glucoseAnalyte()}
	ctx := context.Background()

	normal := &domain.Result{ID: "res-2", Values: []domain.ReportedValue{{TestCode: "GLU", Raw: "90"}}}
	_, err := f.service.EvaluateResult(ctx, normal, analytes)
	require.NoError(t, err)
	f.notifier.AssertNumberOfCalls(t, "EscalateCritical", 0)

	critical := &domain.Result{ID: "res-2", Values: []domain.ReportedValue{{TestCode: "GLU", Raw: "30"}}}
	_, err = f.service.EvaluateResult(ctx, critical, analytes)
	require.NoError(t, err)
	f.notifier.AssertNumberOfCalls(t, "EscalateCritical", 1)
}

func TestEscalationFailureDoesNotFailEvaluation(t *testing.T) {
	f := newResultFixture(t)
	f.notifier.On("EscalateCritical", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("pager offline"))

	result, err := f.service.SubmitResult(context.Background(), submission(domain.ValueInput{TestCode: "K", Value: "7.1"}))
	require.NoError(t, err)
	assert.True(t, result.HasCriticalValues)
}

func TestApplyFlagsDoesNotMutateInput(t *testing.T) {
	f := newResultFixture(t)
	input := &domain.Result{ID: "x", Values: []domain.ReportedValue{{TestCode: "GLU", Raw: "35"}}}

	out := f.service.ApplyFlags(input, map[string]*domain.Analyte{"GLU": glucoseAnalyte()})
	assert.Equal(t, domain.FlagCriticalLow, out.Values[0].Flag)
	assert.Empty(t, input.Values[0].Flag)
	assert.False(t, input.HasCriticalValues)
}

func TestSubmitResultUnknownAnalyteIsLocal(t *testing.T) {
	f := newResultFixture(t)

	result, err := f.service.SubmitResult(context.Background(), submission(
		domain.ValueInput{TestCode: "LACT", Value: "2.2"},
		domain.ValueInput{TestCode: "GLU", Value: "150"},
		domain.ValueInput{TestCode: "K", Value: "hemolyzed"},
	))
	require.NoError(t, err)

	assert.Equal(t, domain.ResultPendingVerification, result.Status)
	assert.Equal(t, domain.FlagUnflagged, result.Values[0].Flag)
	assert.Equal(t, domain.IssueConfiguration, result.Values[0].Issue)
	assert.Equal(t, domain.FlagHigh, result.Values[1].Flag)
	assert.Equal(t, domain.IssueInvalidValue, result.Values[2].Issue)
	assert.True(t, result.HasUnflaggedValues())
}

func TestSubmitResultValidation(t *testing.T) {
	f := newResultFixture(t)

	_, err := f.service.SubmitResult(context.Background(), &domain.ResultSubmission{SampleID: "S"})
	var validationErr *domain.ValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.Equal(t, "test_id", validationErr.Field)
}

func TestVerifyResultTwice(t *testing.T) {
	f := newResultFixture(t)
	ctx := context.Background()

	submitted, err := f.service.SubmitResult(ctx, submission(domain.ValueInput{TestCode: "GLU", Value: "88"}))
	require.NoError(t, err)

	verified, err := f.service.VerifyResult(ctx, submitted.ID, "supervisor-1", "looks good", false)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCompleted, verified.Status)
	assert.Equal(t, "supervisor-1", verified.VerifiedBy)
	require.NotNil(t, verified.VerifiedAt)
	assert.Equal(t, "looks good", verified.VerificationComments)

	_, err = f.service.VerifyResult(ctx, submitted.ID, "supervisor-2", "again", false)
	assert.ErrorIs(t, err, domain.ErrAlreadyVerified)

	stored, err := f.service.GetResult(ctx, submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCompleted, stored.Status)
	assert.Equal(t, *verified.VerifiedAt, *stored.VerifiedAt)
	assert.Equal(t, "supervisor-1", stored.VerifiedBy)
	assert.Equal(t, verified.Version, stored.Version)
}

func TestVerifyResultRequiresUnflaggedConfirmation(t *testing.T) {
	f := newResultFixture(t)
	ctx := context.Background()

	submitted, err := f.service.SubmitResult(ctx, submission(domain.ValueInput{TestCode: "LACT", Value: "1.1"}))
	require.NoError(t, err)

	_, err = f.service.VerifyResult(ctx, submitted.ID, "supervisor-1", "", false)
	assert.ErrorIs(t, err, domain.ErrUnflaggedConfirmationRequired)

	stored, err := f.service.GetResult(ctx, submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultPendingVerification, stored.Status)

	verified, err := f.service.VerifyResult(ctx, submitted.ID, "supervisor-1", "analyte pending setup", true)
	require.NoError(t, err)
	assert.True(t, verified.UnflaggedConfirmed)
	assert.Equal(t, domain.ResultCompleted, verified.Status)
}

func TestVerifyResultNotFound(t *testing.T) {
	f := newResultFixture(t)
	_, err := f.service.VerifyResult(context.Background(), "missing", "sup", "", false)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEvaluateCompletedResultRejected(t *testing.T) {
	f := newResultFixture(t)
	ctx := context.Background()

	submitted, err := f.service.SubmitResult(ctx, submission(domain.ValueInput{TestCode: "GLU", Value: "88"}))
	require.NoError(t, err)
	_, err = f.service.VerifyResult(ctx, submitted.ID, "sup", "", false)
	require.NoError(t, err)

	_, err = f.service.ReevaluateResult(ctx, submitted.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyVerified)
}

func TestFlagValuesHasNoSideEffects(t *testing.T) {
	f := newResultFixture(t)

	values, err := f.service.FlagValues(context.Background(), []domain.ValueInput{
		{TestCode: "GLU", Value: "450"},
		{TestCode: "K", Value: "<2"},
		{TestCode: "NA", Value: "140"},
	})
	require.NoError(t, err)
	require.Len(t, values, 3)
	assert.Equal(t, domain.FlagCriticalHigh, values[0].Flag)
	assert.Equal(t, domain.FlagCriticalLow, values[1].Flag)
	assert.Equal(t, domain.FlagUnflagged, values[2].Flag)
	assert.Equal(t, domain.IssueConfiguration, values[2].Issue)

	f.notifier.AssertNotCalled(t, "EscalateCritical", mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, f.audit.events)
}
