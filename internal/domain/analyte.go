package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// ReferenceRange is the normal interval for an analyte. Either bound may be absent.
type ReferenceRange struct {
	Low        *float64 `json:"low,omitempty"`
	High       *float64 `json:"high,omitempty"`
	NormalText string   `json:"normal_text,omitempty"`
}

// CriticalRange holds the life-threatening thresholds. Either bound may be absent.
type CriticalRange struct {
	Low  *float64 `json:"low,omitempty"`
	High *float64 `json:"high,omitempty"`
}

// QCTarget is the assigned mean and SD used for Levey-Jennings evaluation.
type QCTarget struct {
	Mean float64  `json:"target_mean"`
	SD   float64  `json:"target_sd"`
	CV   *float64 `json:"target_cv,omitempty"`
}

// AcceptableRange is the manufacturer's acceptable interval for a control value.
type AcceptableRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Analyte is a single measurable test parameter and its tenant-configured reference data.
type Analyte struct {
	TestCode        string           `json:"test_code"`
	Name            string           `json:"name"`
	Unit            string           `json:"unit"`
	ResultType      ResultType       `json:"result_type"`
	ReferenceRange  ReferenceRange   `json:"reference_range"`
	CriticalRange   CriticalRange    `json:"critical_range"`
	QCTarget        *QCTarget        `json:"qc_target,omitempty"`
	AcceptableRange *AcceptableRange `json:"acceptable_range,omitempty"`
	// CriticalTextOptions lists coded text answers treated as critical for text analytes.
	CriticalTextOptions []string  `json:"critical_text_options,omitempty"`
	Version             int       `json:"version"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the analyte.
func (a *Analyte) Clone() *Analyte {
	if a == nil {
		return nil
	}
	c := *a
	c.ReferenceRange.Low = cloneFloat(a.ReferenceRange.Low)
	c.ReferenceRange.High = cloneFloat(a.ReferenceRange.High)
	c.CriticalRange.Low = cloneFloat(a.CriticalRange.Low)
	c.CriticalRange.High = cloneFloat(a.CriticalRange.High)
	if a.QCTarget != nil {
		t := *a.QCTarget
		t.CV = cloneFloat(a.QCTarget.CV)
		c.QCTarget = &t
	}
	if a.AcceptableRange != nil {
		ar := *a.AcceptableRange
		c.AcceptableRange = &ar
	}
	c.CriticalTextOptions = append([]string(nil), a.CriticalTextOptions...)
	return &c
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// HasRanges reports whether any flagging bound is configured.
func (a *Analyte) HasRanges() bool {
	return a.ReferenceRange.Low != nil || a.ReferenceRange.High != nil ||
		a.CriticalRange.Low != nil || a.CriticalRange.High != nil
}

// IsNumeric reports whether values of this analyte are flagged numerically.
func (a *Analyte) IsNumeric() bool {
	return a.ResultType == "" || a.ResultType == ResultTypeNumeric
}

// Validate checks the analyte's reference data. Malformed configuration is reported as a
// ConfigurationError naming the offending field.
func (a *Analyte) Validate() error {
	code := strings.TrimSpace(a.TestCode)
	if code == "" {
		return &ConfigurationError{Field: "test_code", Reason: "is required"}
	}
	if a.ResultType == "" {
		a.ResultType = ResultTypeNumeric
	}
	if !a.ResultType.IsValid() {
		return &ConfigurationError{TestCode: code, Field: "result_type", Reason: fmt.Sprintf("unknown type %q", a.ResultType)}
	}

	bounds := map[string]*float64{
		"reference_range.low":  a.ReferenceRange.Low,
		"reference_range.high": a.ReferenceRange.High,
		"critical_range.low":   a.CriticalRange.Low,
		"critical_range.high":  a.CriticalRange.High,
	}
	for field, v := range bounds {
		if v != nil && !isFinite(*v) {
			return &ConfigurationError{TestCode: code, Field: field, Reason: "must be a finite number"}
		}
	}

	ref, crit := a.ReferenceRange, a.CriticalRange
	if ref.Low != nil && ref.High != nil && *ref.Low > *ref.High {
		return &ConfigurationError{TestCode: code, Field: "reference_range", Reason: "low exceeds high"}
	}
	if crit.Low != nil && crit.High != nil && *crit.Low >= *crit.High {
		return &ConfigurationError{TestCode: code, Field: "critical_range", Reason: "low must be below high"}
	}
	if crit.Low != nil && ref.Low != nil && *crit.Low > *ref.Low {
		return &ConfigurationError{TestCode: code, Field: "critical_range.low", Reason: "lies above the reference low"}
	}
	if crit.High != nil && ref.High != nil && *crit.High < *ref.High {
		return &ConfigurationError{TestCode: code, Field: "critical_range.high", Reason: "lies below the reference high"}
	}

	if a.QCTarget != nil {
		if err := a.QCTarget.validate(code); err != nil {
			return err
		}
	}
	if a.AcceptableRange != nil {
		if err := a.AcceptableRange.validate(code); err != nil {
			return err
		}
	}
	return nil
}

func (t *QCTarget) validate(testCode string) error {
	if !isFinite(t.Mean) {
		return &ConfigurationError{TestCode: testCode, Field: "target_mean", Reason: "must be a finite number"}
	}
	if !isFinite(t.SD) || t.SD <= 0 {
		return &ConfigurationError{TestCode: testCode, Field: "target_sd", Reason: "must be a positive number"}
	}
	if t.CV != nil && (!isFinite(*t.CV) || *t.CV < 0) {
		return &ConfigurationError{TestCode: testCode, Field: "target_cv", Reason: "must be a non-negative number"}
	}
	return nil
}

func (r *AcceptableRange) validate(testCode string) error {
	if !isFinite(r.Min) || !isFinite(r.Max) || r.Min > r.Max {
		return &ConfigurationError{TestCode: testCode, Field: "acceptable_range", Reason: "min must not exceed max"}
	}
	return nil
}

// ParseAnalyte decodes an analyte definition at the system boundary. Unknown fields are
// rejected and the result is validated before it can reach the engine.
func ParseAnalyte(data []byte) (*Analyte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var a Analyte
	if err := dec.Decode(&a); err != nil {
		return nil, &ConfigurationError{Field: "analyte", Reason: err.Error()}
	}
	a.TestCode = strings.TrimSpace(a.TestCode)
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// Float returns a pointer to v, for building optional bounds.
func Float(v float64) *float64 {
	return &v
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
