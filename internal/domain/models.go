package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// RawValue is a reported value as submitted: a number, a coded text answer or a range
// string such as "<5". JSON numbers and strings are both accepted.
type RawValue string

// UnmarshalJSON accepts either a JSON number or a JSON string.
func (v *RawValue) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = RawValue(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("value must be a number or string: %w", err)
	}
	*v = RawValue(n.String())
	return nil
}

// ReportedValue is one analyte measurement for a patient sample.
type ReportedValue struct {
	TestCode   string     `json:"test_code"`
	Raw        string     `json:"raw"`
	Numeric    *float64   `json:"numeric,omitempty"`
	Comparator Comparator `json:"comparator,omitempty"`
	Unit       string     `json:"unit,omitempty"`
	Flag       Flag       `json:"flag"`
	// Issue carries the error code that degraded this value, if any.
	Issue       string `json:"issue,omitempty"`
	IssueDetail string `json:"issue_detail,omitempty"`
}

// Result aggregates the reported values for one (sample, test).
type Result struct {
	ID                   string          `json:"id"`
	SampleID             string          `json:"sample_id"`
	TestID               string          `json:"test_id"`
	PatientID            string          `json:"patient_id"`
	Status               ResultStatus    `json:"status"`
	Values               []ReportedValue `json:"values"`
	HasCriticalValues    bool            `json:"has_critical_values"`
	CriticalValues       []ReportedValue `json:"critical_values"`
	PerformedBy          string          `json:"performed_by"`
	VerifiedBy           string          `json:"verified_by,omitempty"`
	VerifiedAt           *time.Time      `json:"verified_at,omitempty"`
	VerificationComments string          `json:"verification_comments,omitempty"`
	// UnflaggedConfirmed records that the verifier explicitly accepted unflagged values.
	UnflaggedConfirmed bool       `json:"unflagged_confirmed,omitempty"`
	EscalatedAt        *time.Time `json:"escalated_at,omitempty"`
	Version            int        `json:"version"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// HasUnflaggedValues reports whether any value failed flagging.
func (r *Result) HasUnflaggedValues() bool {
	for _, v := range r.Values {
		if v.Flag == FlagUnflagged {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the result.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	c := *r
	c.Values = cloneValues(r.Values)
	c.CriticalValues = cloneValues(r.CriticalValues)
	if r.VerifiedAt != nil {
		t := *r.VerifiedAt
		c.VerifiedAt = &t
	}
	if r.EscalatedAt != nil {
		t := *r.EscalatedAt
		c.EscalatedAt = &t
	}
	return &c
}

func cloneValues(in []ReportedValue) []ReportedValue {
	if in == nil {
		return nil
	}
	out := make([]ReportedValue, len(in))
	for i, v := range in {
		if v.Numeric != nil {
			n := *v.Numeric
			v.Numeric = &n
		}
		out[i] = v
	}
	return out
}

// ValueInput is one submitted measurement.
type ValueInput struct {
	TestCode string   `json:"test_code"`
	Value    RawValue `json:"value"`
	Unit     string   `json:"unit,omitempty"`
}

// ResultSubmission is the payload that creates a Result.
type ResultSubmission struct {
	SampleID    string       `json:"sample_id"`
	TestID      string       `json:"test_id"`
	PatientID   string       `json:"patient_id"`
	PerformedBy string       `json:"performed_by"`
	Values      []ValueInput `json:"values"`
}

// Validate checks the identifying fields of a submission.
func (s *ResultSubmission) Validate() error {
	switch {
	case s.SampleID == "":
		return NewValidationError("sample_id", "is required", s.SampleID)
	case s.TestID == "":
		return NewValidationError("test_id", "is required", s.TestID)
	case s.PatientID == "":
		return NewValidationError("patient_id", "is required", s.PatientID)
	case len(s.Values) == 0:
		return NewValidationError("values", "at least one value is required", nil)
	}
	for i, v := range s.Values {
		if v.TestCode == "" {
			return NewValidationError(fmt.Sprintf("values[%d].test_code", i), "is required", nil)
		}
	}
	return nil
}

// AnalyteQCTarget is the per-analyte target carried by a control material lot.
type AnalyteQCTarget struct {
	TestCode        string           `json:"test_code"`
	Mean            float64          `json:"target_mean"`
	SD              float64          `json:"target_sd"`
	CV              *float64         `json:"target_cv,omitempty"`
	AcceptableRange *AcceptableRange `json:"acceptable_range,omitempty"`
}

// Validate checks the target values.
func (t *AnalyteQCTarget) Validate() error {
	if t.TestCode == "" {
		return &ConfigurationError{Field: "test_code", Reason: "is required"}
	}
	target := QCTarget{Mean: t.Mean, SD: t.SD, CV: t.CV}
	if err := target.validate(t.TestCode); err != nil {
		return err
	}
	if t.AcceptableRange != nil {
		return t.AcceptableRange.validate(t.TestCode)
	}
	return nil
}

// QCMaterial is a control lot at a given level.
type QCMaterial struct {
	ID        string            `json:"id"`
	LotNumber string            `json:"lot_number"`
	Level     int               `json:"level"`
	Analytes  []AnalyteQCTarget `json:"analytes"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	RetiredAt *time.Time        `json:"retired_at,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Target returns the material's target for testCode.
func (m *QCMaterial) Target(testCode string) (*AnalyteQCTarget, bool) {
	for i := range m.Analytes {
		if m.Analytes[i].TestCode == testCode {
			return &m.Analytes[i], true
		}
	}
	return nil, false
}

// SameTargets reports whether two target lists are identical. Nil and empty lists are
// equal.
func SameTargets(a, b []AnalyteQCTarget) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.TestCode != y.TestCode || x.Mean != y.Mean || x.SD != y.SD {
			return false
		}
		if (x.CV == nil) != (y.CV == nil) || (x.CV != nil && *x.CV != *y.CV) {
			return false
		}
		if (x.AcceptableRange == nil) != (y.AcceptableRange == nil) ||
			(x.AcceptableRange != nil && *x.AcceptableRange != *y.AcceptableRange) {
			return false
		}
	}
	return true
}

// IsRetired reports whether the material has been retired.
func (m *QCMaterial) IsRetired() bool {
	return m.RetiredAt != nil
}

// Validate checks the material and every target it carries.
func (m *QCMaterial) Validate() error {
	if m.LotNumber == "" {
		return NewValidationError("lot_number", "is required", m.LotNumber)
	}
	if m.Level <= 0 {
		return NewValidationError("level", "must be positive", m.Level)
	}
	seen := make(map[string]bool, len(m.Analytes))
	for i := range m.Analytes {
		if err := m.Analytes[i].Validate(); err != nil {
			return err
		}
		if seen[m.Analytes[i].TestCode] {
			return &ConfigurationError{TestCode: m.Analytes[i].TestCode, Field: "analytes", Reason: "duplicate target"}
		}
		seen[m.Analytes[i].TestCode] = true
	}
	return nil
}

// Clone returns a deep copy of the material.
func (m *QCMaterial) Clone() *QCMaterial {
	if m == nil {
		return nil
	}
	c := *m
	c.Analytes = make([]AnalyteQCTarget, len(m.Analytes))
	for i, t := range m.Analytes {
		if t.CV != nil {
			cv := *t.CV
			t.CV = &cv
		}
		if t.AcceptableRange != nil {
			ar := *t.AcceptableRange
			t.AcceptableRange = &ar
		}
		c.Analytes[i] = t
	}
	if m.ExpiresAt != nil {
		t := *m.ExpiresAt
		c.ExpiresAt = &t
	}
	if m.RetiredAt != nil {
		t := *m.RetiredAt
		c.RetiredAt = &t
	}
	return &c
}

// Environment records analyzer room conditions at run time.
type Environment struct {
	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
}

// RunContext carries the non-value attributes of a QC submission.
type RunContext struct {
	RunDate     time.Time   `json:"run_date"`
	Shift       string      `json:"shift,omitempty"`
	AnalyzerID  string      `json:"analyzer_id,omitempty"`
	PerformedBy string      `json:"performed_by,omitempty"`
	Environment Environment `json:"environment"`
}

// QCReview is a supervisor's recorded disposition for a run.
type QCReview struct {
	ReviewedBy  string    `json:"reviewed_by"`
	ReviewedAt  time.Time `json:"reviewed_at"`
	Disposition RunStatus `json:"disposition"`
	Comments    string    `json:"comments,omitempty"`
}

// QCRun is one measurement of one analyte on one control material.
type QCRun struct {
	ID             string       `json:"id"`
	MaterialID     string       `json:"material_id"`
	TestCode       string       `json:"test_code"`
	Value          float64      `json:"value"`
	RunDate        time.Time    `json:"run_date"`
	Shift          string       `json:"shift,omitempty"`
	AnalyzerID     string       `json:"analyzer_id,omitempty"`
	PerformedBy    string       `json:"performed_by,omitempty"`
	Environment    Environment  `json:"environment"`
	Status         RunStatus    `json:"status"`
	ViolatedRules  []RuleID     `json:"violated_rules"`
	ZScore         *float64     `json:"z_score,omitempty"`
	TargetSource   TargetSource `json:"target_source,omitempty"`
	EvaluationNote string       `json:"evaluation_note,omitempty"`
	Review         *QCReview    `json:"review,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Key returns the (material, analyte) pair the run belongs to.
func (r *QCRun) Key() RunKey {
	return RunKey{MaterialID: r.MaterialID, TestCode: r.TestCode}
}

// Disposition returns the supervisor's disposition when reviewed, else the computed status.
func (r *QCRun) Disposition() RunStatus {
	if r.Review != nil {
		return r.Review.Disposition
	}
	return r.Status
}

// Clone returns a deep copy of the run.
func (r *QCRun) Clone() *QCRun {
	if r == nil {
		return nil
	}
	c := *r
	c.ViolatedRules = append([]RuleID(nil), r.ViolatedRules...)
	if r.ZScore != nil {
		z := *r.ZScore
		c.ZScore = &z
	}
	if r.Review != nil {
		rv := *r.Review
		c.Review = &rv
	}
	return &c
}

// RunKey identifies the QC history of one analyte on one material.
type RunKey struct {
	MaterialID string `json:"material_id"`
	TestCode   string `json:"test_code"`
}

// String renders the key for logs and cache keys.
func (k RunKey) String() string {
	return k.MaterialID + ":" + k.TestCode
}

// ControlLimits are the Levey-Jennings centre line and warning/control limits.
type ControlLimits struct {
	Mean float64 `json:"mean"`
	SD   float64 `json:"sd"`
	UCL  float64 `json:"ucl"`
	UWL  float64 `json:"uwl"`
	LCL  float64 `json:"lcl"`
	LWL  float64 `json:"lwl"`
}

// DataPoint is one QC run as projected onto a chart.
type DataPoint struct {
	RunID         string    `json:"run_id"`
	Value         float64   `json:"value"`
	RunDate       time.Time `json:"run_date"`
	Status        RunStatus `json:"status"`
	ViolatedRules []RuleID  `json:"violated_rules,omitempty"`
	ZScore        *float64  `json:"z_score,omitempty"`
}

// QCStatistics is derived from the accepted runs of one RunKey. It is never stored as
// a source of truth.
type QCStatistics struct {
	MaterialID string        `json:"material_id"`
	TestCode   string        `json:"test_code"`
	N          int           `json:"n"`
	Mean       float64       `json:"mean"`
	SD         float64       `json:"sd"`
	CV         *float64      `json:"cv,omitempty"`
	Limits     ControlLimits `json:"limits"`
	DataPoints []DataPoint   `json:"data_points"`
}

// ProjectionStamp identifies the inputs a Levey-Jennings projection was built from. A
// cached projection is served only while its stamp matches the stored state.
type ProjectionStamp struct {
	HistoryVersion    int64 `json:"history_version"`
	MaterialUpdatedAt int64 `json:"material_updated_at"` // unix nanoseconds
	AnalyteVersion    int   `json:"analyte_version"`
}

// LeveyJenningsData is the read-only chart projection for one RunKey. Limits is nil when
// neither running statistics nor fixed targets are available.
type LeveyJenningsData struct {
	MaterialID string          `json:"material_id"`
	TestCode   string          `json:"test_code"`
	Source     TargetSource    `json:"source,omitempty"`
	Limits     *ControlLimits  `json:"limits,omitempty"`
	CV         *float64        `json:"cv,omitempty"`
	N          int             `json:"n"`
	Note       string          `json:"note,omitempty"`
	Points     []DataPoint     `json:"points"`
	Stamp      ProjectionStamp `json:"stamp"`
}

// AuditEvent records a clinically relevant state change.
type AuditEvent struct {
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Action     string            `json:"action"`
	Actor      string            `json:"actor"`
	Comments   string            `json:"comments,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Audit actions.
const (
	AuditResultSubmitted = "result_submitted"
	AuditResultVerified  = "result_verified"
	AuditResultEscalated = "result_escalated"
	AuditQCRunRecorded   = "qc_run_recorded"
	AuditQCRunReviewed   = "qc_run_reviewed"
	AuditMaterialRetired = "qc_material_retired"
)

// FormatFloat renders a float for audit details without trailing zeros.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
