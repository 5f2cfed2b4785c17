// Package domain contains the core entities of the laboratory result validation and
// statistical quality-control engine: analytes and their reference data, patient results
// with per-value flags, and QC control runs evaluated with Levey-Jennings limits and
// Westgard multi-rules.
package domain

import (
	"fmt"
	"strings"
)

// Flag classifies a reported value against its analyte's reference and critical ranges.
type Flag string

const (
	FlagNormal       Flag = "normal"
	FlagLow          Flag = "low"
	FlagHigh         Flag = "high"
	FlagCriticalLow  Flag = "critical-low"
	FlagCriticalHigh Flag = "critical-high"
	// FlagUnflagged marks a value whose analyte configuration was missing or invalid.
	FlagUnflagged Flag = "unflagged"
)

// IsValid reports whether f is one of the known flags.
func (f Flag) IsValid() bool {
	switch f {
	case FlagNormal, FlagLow, FlagHigh, FlagCriticalLow, FlagCriticalHigh, FlagUnflagged:
		return true
	default:
		return false
	}
}

// IsCritical reports whether the flag requires immediate clinical notification.
func (f Flag) IsCritical() bool {
	return f == FlagCriticalLow || f == FlagCriticalHigh
}

// IsAbnormal reports whether the value lies outside the reference range.
func (f Flag) IsAbnormal() bool {
	return f == FlagLow || f == FlagHigh || f.IsCritical()
}

// Severity orders flags so the most severe classification wins.
func (f Flag) Severity() int {
	switch f {
	case FlagCriticalLow, FlagCriticalHigh:
		return 3
	case FlagLow, FlagHigh:
		return 2
	case FlagNormal:
		return 1
	default:
		return 0
	}
}

// String returns the string representation of the flag.
func (f Flag) String() string {
	return string(f)
}

// ResultStatus is the verification lifecycle state of a Result.
type ResultStatus string

const (
	ResultPendingVerification ResultStatus = "pending_verification"
	ResultCompleted           ResultStatus = "completed"
)

// IsValid reports whether s is a known result status.
func (s ResultStatus) IsValid() bool {
	return s == ResultPendingVerification || s == ResultCompleted
}

// IsTerminal reports whether no further transitions exist from s.
func (s ResultStatus) IsTerminal() bool {
	return s == ResultCompleted
}

// RunStatus is the disposition of a QC run.
type RunStatus string

const (
	// RunPending is used for runs that could not be evaluated, e.g. missing targets.
	RunPending RunStatus = "pending"
	RunAccept  RunStatus = "accept"
	RunWarn    RunStatus = "warn"
	RunReject  RunStatus = "reject"
)

// IsValid reports whether s is a known run status.
func (s RunStatus) IsValid() bool {
	switch s {
	case RunPending, RunAccept, RunWarn, RunReject:
		return true
	default:
		return false
	}
}

// IsUsable reports whether a run with this disposition contributes to QC history.
// Warn runs remain usable; they are only flagged for review.
func (s RunStatus) IsUsable() bool {
	return s == RunAccept || s == RunWarn
}

// IsReviewDisposition reports whether a supervisor may record s as a review outcome.
func (s RunStatus) IsReviewDisposition() bool {
	return s == RunAccept || s == RunReject
}

// RuleID names a Westgard control rule.
type RuleID string

const (
	Rule1_3s RuleID = "1_3s"
	Rule2_2s RuleID = "2_2s"
	RuleR_4s RuleID = "R_4s"
	Rule4_1s RuleID = "4_1s"
	Rule10x  RuleID = "10x"
	Rule1_2s RuleID = "1_2s"
)

// ParseRuleID converts a stored rule name into a RuleID.
func ParseRuleID(s string) (RuleID, error) {
	switch r := RuleID(s); r {
	case Rule1_3s, Rule2_2s, RuleR_4s, Rule4_1s, Rule10x, Rule1_2s:
		return r, nil
	default:
		return "", fmt.Errorf("unknown westgard rule: %q", s)
	}
}

// ResultType distinguishes numeric analytes from coded-text analytes.
type ResultType string

const (
	ResultTypeNumeric ResultType = "numeric"
	ResultTypeText    ResultType = "text"
)

// IsValid reports whether t is a known result type.
func (t ResultType) IsValid() bool {
	return t == ResultTypeNumeric || t == ResultTypeText
}

// TargetSource selects where QC evaluation takes its mean and SD from.
type TargetSource string

const (
	// TargetFixed uses the manufacturer or lab-assigned targets of the material.
	TargetFixed TargetSource = "fixed"
	// TargetRunning uses the running statistics of accepted runs.
	TargetRunning TargetSource = "running"
)

// ParseTargetSource parses a configured target source, defaulting to fixed.
func ParseTargetSource(s string) (TargetSource, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(TargetFixed):
		return TargetFixed, nil
	case string(TargetRunning):
		return TargetRunning, nil
	default:
		return "", fmt.Errorf("invalid qc target source: %q", s)
	}
}

// Comparator qualifies a censored numeric value such as "<5" or ">400".
type Comparator string

const (
	ComparatorNone         Comparator = ""
	ComparatorLess         Comparator = "<"
	ComparatorLessEqual    Comparator = "<="
	ComparatorGreater      Comparator = ">"
	ComparatorGreaterEqual Comparator = ">="
)

// IsValid reports whether c is a known comparator.
func (c Comparator) IsValid() bool {
	switch c {
	case ComparatorNone, ComparatorLess, ComparatorLessEqual, ComparatorGreater, ComparatorGreaterEqual:
		return true
	default:
		return false
	}
}
