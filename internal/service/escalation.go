package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/labqc-server/internal/domain"
)

// CollectCriticalValues returns the values flagged critical-low or critical-high, in order.
func CollectCriticalValues(values []domain.ReportedValue) []domain.ReportedValue {
	critical := make([]domain.ReportedValue, 0)
	for _, v := range values {
		if v.Flag.IsCritical() {
			critical = append(critical, v)
		}
	}
	return critical
}

// summarizeCritical populates the critical summary fields of r from its values.
func summarizeCritical(r *domain.Result) {
	r.CriticalValues = CollectCriticalValues(r.Values)
	r.HasCriticalValues = len(r.CriticalValues) > 0
}

// becameCritical reports a transition from not critical (or absent) to critical.
func becameCritical(before, after *domain.Result) bool {
	if after == nil || !after.HasCriticalValues {
		return false
	}
	return before == nil || !before.HasCriticalValues
}

// Escalator dispatches critical-value escalations. Dispatch failures are logged and
// never retried here; delivery retries belong to the NotificationService.
type Escalator struct {
	notifier domain.NotificationService
	logger   *logrus.Logger
}

// NewEscalator creates an escalator.
func NewEscalator(notifier domain.NotificationService, logger *logrus.Logger) *Escalator {
	return &Escalator{notifier: notifier, logger: logger}
}

// Escalate sends one escalation for result. It reports whether the dispatch succeeded.
func (e *Escalator) Escalate(ctx context.Context, result *domain.Result) bool {
	fields := logrus.Fields{
		"result_id":       result.ID,
		"patient_id":      result.PatientID,
		"critical_values": len(result.CriticalValues),
	}
	if e.notifier == nil {
		e.logger.WithFields(fields).Warn("No notification service configured, critical value not escalated")
		return false
	}
	if err := e.notifier.EscalateCritical(ctx, result, result.CriticalValues); err != nil {
		e.logger.WithFields(fields).WithError(err).Error("Failed to dispatch critical value escalation")
		return false
	}
	e.logger.WithFields(fields).Info("Critical value escalated")
	return true
}

// RejectionNotifier informs collaborators about rejected QC runs.
type RejectionNotifier struct {
	notifier domain.NotificationService
	holds    domain.ResultHoldService
	logger   *logrus.Logger
}

// NewRejectionNotifier creates a rejection notifier. Either collaborator may be nil.
func NewRejectionNotifier(notifier domain.NotificationService, holds domain.ResultHoldService, logger *logrus.Logger) *RejectionNotifier {
	return &RejectionNotifier{notifier: notifier, holds: holds, logger: logger}
}

// Rejected notifies about run and requests a hold on patient results processed since the
// last accepted run of the same key. lastAccept is nil when no accepted run exists.
func (n *RejectionNotifier) Rejected(ctx context.Context, run *domain.QCRun, lastAccept *time.Time) {
	fields := logrus.Fields{
		"run_id":      run.ID,
		"material_id": run.MaterialID,
		"test_code":   run.TestCode,
		"rules":       run.ViolatedRules,
	}
	if n.notifier != nil {
		if err := n.notifier.NotifyQCRejection(ctx, run); err != nil {
			n.logger.WithFields(fields).WithError(err).Error("Failed to dispatch QC rejection notice")
		}
	}
	if n.holds != nil {
		if err := n.holds.HoldSince(ctx, run, lastAccept); err != nil {
			n.logger.WithFields(fields).WithError(err).Error("Failed to request result hold")
		}
	}
	n.logger.WithFields(fields).Warn("QC run rejected")
}
