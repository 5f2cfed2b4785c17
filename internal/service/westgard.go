package service

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/labqc-server/internal/domain"
)

// DefaultHistoryWindow is the number of prior accepted points considered by the rules.
const DefaultHistoryWindow = 12

// ControlTarget is the mean and SD a QC value is evaluated against.
type ControlTarget struct {
	Mean   float64
	SD     float64
	Source domain.TargetSource
}

// WestgardRule is one control rule. Deviations are ordered oldest first and end with the
// point under evaluation.
type WestgardRule struct {
	ID        domain.RuleID
	Name      string
	Reject    bool
	MinPoints int
	Evaluator func(deviations []float64, sd float64) bool
}

// Evaluation is the outcome of evaluating one QC value.
type Evaluation struct {
	Status        domain.RunStatus
	ViolatedRules []domain.RuleID
	ZScore        float64
}

// RuleEvaluator applies the Westgard multi-rule set. It classifies only; acting on a
// rejection is up to the caller.
type RuleEvaluator struct {
	logger *logrus.Logger
	window int
	rules  []*WestgardRule
}

// NewRuleEvaluator creates an evaluator considering up to window prior points.
func NewRuleEvaluator(logger *logrus.Logger, window int) *RuleEvaluator {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	e := &RuleEvaluator{logger: logger, window: window}
	e.initializeRules()
	return e
}

// Window returns the history window size.
func (e *RuleEvaluator) Window() int {
	return e.window
}

// Rules returns the rules in evaluation order.
func (e *RuleEvaluator) Rules() []*WestgardRule {
	return append([]*WestgardRule(nil), e.rules...)
}

func (e *RuleEvaluator) initializeRules() {
	e.rules = []*WestgardRule{
		{
			ID:        domain.Rule1_3s,
			Name:      "One point beyond 3SD",
			Reject:    true,
			MinPoints: 1,
			Evaluator: func(d []float64, sd float64) bool {
				return math.Abs(last(d, 0)) > 3*sd
			},
		},
		{
			ID:        domain.Rule2_2s,
			Name:      "Two consecutive points beyond 2SD on the same side",
			Reject:    true,
			MinPoints: 2,
			Evaluator: func(d []float64, sd float64) bool {
				cur, prev := last(d, 0), last(d, 1)
				return (cur > 2*sd && prev > 2*sd) || (cur < -2*sd && prev < -2*sd)
			},
		},
		{
			ID:        domain.RuleR_4s,
			Name:      "Range between consecutive points exceeds 4SD",
			Reject:    true,
			MinPoints: 2,
			Evaluator: func(d []float64, sd float64) bool {
				cur, prev := last(d, 0), last(d, 1)
				return (cur > 2*sd && prev < -2*sd) || (cur < -2*sd && prev > 2*sd)
			},
		},
		{
			ID:        domain.Rule4_1s,
			Name:      "Four consecutive points beyond 1SD on the same side",
			Reject:    true,
			MinPoints: 4,
			Evaluator: func(d []float64, sd float64) bool {
				return sameSide(d[len(d)-4:], sd)
			},
		},
		{
			ID:        domain.Rule10x,
			Name:      "Ten consecutive points on the same side of the mean",
			Reject:    true,
			MinPoints: 10,
			Evaluator: func(d []float64, _ float64) bool {
				return sameSide(d[len(d)-10:], 0)
			},
		},
		{
			ID:        domain.Rule1_2s,
			Name:      "One point beyond 2SD",
			Reject:    false,
			MinPoints: 1,
			Evaluator: func(d []float64, sd float64) bool {
				return math.Abs(last(d, 0)) > 2*sd
			},
		},
	}
}

// Evaluate classifies value against target given the prior usable values of the same key,
// oldest first. Every matching rule is reported.
func (e *RuleEvaluator) Evaluate(value float64, target ControlTarget, history []float64) (*Evaluation, error) {
	if math.IsNaN(target.SD) || math.IsInf(target.SD, 0) || target.SD <= 0 {
		return nil, &domain.ConfigurationError{Field: "target_sd", Reason: fmt.Sprintf("must be positive, got %v", target.SD)}
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, &domain.InvalidValueError{Raw: fmt.Sprint(value), Reason: "not a finite number"}
	}

	if len(history) > e.window {
		history = history[len(history)-e.window:]
	}
	deviations := make([]float64, 0, len(history)+1)
	for _, v := range history {
		deviations = append(deviations, v-target.Mean)
	}
	deviations = append(deviations, value-target.Mean)

	eval := &Evaluation{
		Status:        domain.RunAccept,
		ViolatedRules: make([]domain.RuleID, 0),
		ZScore:        (value - target.Mean) / target.SD,
	}

	rejected, warned := false, false
	for _, rule := range e.rules {
		if len(deviations) < rule.MinPoints {
			continue
		}
		if !rule.Evaluator(deviations, target.SD) {
			continue
		}
		eval.ViolatedRules = append(eval.ViolatedRules, rule.ID)
		if rule.Reject {
			rejected = true
		} else {
			warned = true
		}
	}

	switch {
	case rejected:
		eval.Status = domain.RunReject
	case warned:
		eval.Status = domain.RunWarn
	}

	e.logger.WithFields(logrus.Fields{
		"value":          value,
		"target_mean":    target.Mean,
		"target_sd":      target.SD,
		"target_source":  target.Source,
		"history_points": len(history),
		"status":         eval.Status,
		"violated_rules": eval.ViolatedRules,
	}).Debug("Evaluated Westgard rules")

	return eval, nil
}

// last returns the deviation i positions before the newest one.
func last(d []float64, i int) float64 {
	return d[len(d)-1-i]
}

// sameSide reports whether every deviation is above +limit, or every one below -limit.
// A deviation of exactly the limit breaks the run.
func sameSide(d []float64, limit float64) bool {
	high, low := true, true
	for _, v := range d {
		if !(v > limit) {
			high = false
		}
		if !(v < -limit) {
			low = false
		}
	}
	return high || low
}
