// Package notification delivers critical-value escalations, QC rejection alerts and
// result hold requests.
package notification

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/labqc-server/internal/domain"
)

// Event types carried in the webhook payload.
const (
	EventCriticalValue = "critical_value"
	EventQCRejection   = "qc_rejection"
	EventResultHold    = "result_hold"
)

// CriticalValue is the wire form of one critical reported value.
type CriticalValue struct {
	TestCode string      `json:"test_code"`
	Raw      string      `json:"raw"`
	Unit     string      `json:"unit,omitempty"`
	Flag     domain.Flag `json:"flag"`
}

// Event is the JSON body posted to the webhook.
type Event struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	OccurredAt     time.Time       `json:"occurred_at"`
	ResultID       string          `json:"result_id,omitempty"`
	SampleID       string          `json:"sample_id,omitempty"`
	PatientID      string          `json:"patient_id,omitempty"`
	TestID         string          `json:"test_id,omitempty"`
	CriticalValues []CriticalValue `json:"critical_values,omitempty"`
	RunID          string          `json:"run_id,omitempty"`
	MaterialID     string          `json:"material_id,omitempty"`
	TestCode       string          `json:"test_code,omitempty"`
	Value          *float64        `json:"value,omitempty"`
	ViolatedRules  []domain.RuleID `json:"violated_rules,omitempty"`
	RunDate        *time.Time      `json:"run_date,omitempty"`
	HoldSince      *time.Time      `json:"hold_since,omitempty"`
}

func criticalEvent(result *domain.Result, values []domain.ReportedValue) Event {
	cv := make([]CriticalValue, 0, len(values))
	for _, v := range values {
		cv = append(cv, CriticalValue{TestCode: v.TestCode, Raw: v.Raw, Unit: v.Unit, Flag: v.Flag})
	}
	return Event{
		Type:           EventCriticalValue,
		ResultID:       result.ID,
		SampleID:       result.SampleID,
		PatientID:      result.PatientID,
		TestID:         result.TestID,
		CriticalValues: cv,
	}
}

func rejectionEvent(run *domain.QCRun) Event {
	value, runDate := run.Value, run.RunDate
	return Event{
		Type:          EventQCRejection,
		RunID:         run.ID,
		MaterialID:    run.MaterialID,
		TestCode:      run.TestCode,
		Value:         &value,
		ViolatedRules: run.ViolatedRules,
		RunDate:       &runDate,
	}
}

func holdEvent(run *domain.QCRun, since *time.Time) Event {
	runDate := run.RunDate
	return Event{
		Type:       EventResultHold,
		RunID:      run.ID,
		MaterialID: run.MaterialID,
		TestCode:   run.TestCode,
		RunDate:    &runDate,
		HoldSince:  since,
	}
}

// LogNotifier writes every alert to the log. It is the default when no webhook is
// configured.
type LogNotifier struct {
	logger *logrus.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// EscalateCritical logs the critical values of result.
func (n *LogNotifier) EscalateCritical(_ context.Context, result *domain.Result, criticalValues []domain.ReportedValue) error {
	for _, v := range criticalValues {
		n.logger.WithFields(logrus.Fields{
			"event":      EventCriticalValue,
			"result_id":  result.ID,
			"patient_id": result.PatientID,
			"test_code":  v.TestCode,
			"value":      v.Raw,
			"flag":       v.Flag,
		}).Warn("Critical value requires escalation")
	}
	return nil
}

// NotifyQCRejection logs a rejected run.
func (n *LogNotifier) NotifyQCRejection(_ context.Context, run *domain.QCRun) error {
	n.logger.WithFields(logrus.Fields{
		"event":          EventQCRejection,
		"run_id":         run.ID,
		"material_id":    run.MaterialID,
		"test_code":      run.TestCode,
		"violated_rules": run.ViolatedRules,
	}).Warn("QC run rejected")
	return nil
}

// HoldSince logs a hold request for results processed since the last accepted run.
func (n *LogNotifier) HoldSince(_ context.Context, run *domain.QCRun, since *time.Time) error {
	fields := logrus.Fields{
		"event":     EventResultHold,
		"run_id":    run.ID,
		"test_code": run.TestCode,
	}
	if since != nil {
		fields["since"] = since.Format(time.RFC3339)
	}
	n.logger.WithFields(fields).Warn("Patient results held pending QC review")
	return nil
}
