package service

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/labqc-server/internal/domain"
)

var censoredValuePattern = regexp.MustCompile(`^(<=|>=|<|>)\s*([-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?)$`)

// FlagValue classifies a numeric value against the analyte's critical and reference ranges.
// The most severe matching classification wins and every comparison is strict.
func FlagValue(value float64, analyte *domain.Analyte) (domain.Flag, error) {
	return flagBounded(value, domain.ComparatorNone, analyte)
}

func flagBounded(value float64, cmp domain.Comparator, analyte *domain.Analyte) (domain.Flag, error) {
	if analyte == nil {
		return domain.FlagUnflagged, &domain.ConfigurationError{Field: "analyte", Reason: "is not configured"}
	}
	if !analyte.HasRanges() {
		return domain.FlagUnflagged, &domain.ConfigurationError{
			TestCode: analyte.TestCode,
			Field:    "reference_range",
			Reason:   "has no bounds configured",
		}
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return domain.FlagUnflagged, &domain.InvalidValueError{
			TestCode: analyte.TestCode,
			Raw:      strconv.FormatFloat(value, 'g', -1, 64),
			Reason:   "not a finite number",
		}
	}

	// A censored "<x" is certainly below any limit >= x; ">x" is certainly above any limit <= x.
	below := func(limit float64) bool {
		if cmp == domain.ComparatorLess {
			return value <= limit
		}
		return value < limit
	}
	above := func(limit float64) bool {
		if cmp == domain.ComparatorGreater {
			return value >= limit
		}
		return value > limit
	}

	crit, ref := analyte.CriticalRange, analyte.ReferenceRange
	switch {
	case crit.Low != nil && below(*crit.Low):
		return domain.FlagCriticalLow, nil
	case crit.High != nil && above(*crit.High):
		return domain.FlagCriticalHigh, nil
	case ref.Low != nil && below(*ref.Low):
		return domain.FlagLow, nil
	case ref.High != nil && above(*ref.High):
		return domain.FlagHigh, nil
	default:
		return domain.FlagNormal, nil
	}
}

// ParseNumeric parses a raw reported value. Plain numbers and censored values such as "<5"
// or ">= 400" are numeric; anything else, including "3-5" ranges, is text.
func ParseNumeric(raw string) (float64, domain.Comparator, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, domain.ComparatorNone, false
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, domain.ComparatorNone, false
		}
		return v, domain.ComparatorNone, true
	}
	m := censoredValuePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, domain.ComparatorNone, false
	}
	v, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return 0, domain.ComparatorNone, false
	}
	return v, domain.Comparator(m[1]), true
}

// TextFlagger classifies coded text answers. It is consulted only for text analytes.
type TextFlagger interface {
	FlagText(raw string, analyte *domain.Analyte) domain.Flag
}

// CriticalOptionFlagger flags text answers listed in the analyte's CriticalTextOptions as
// critical-high and every other answer as normal.
type CriticalOptionFlagger struct{}

// FlagText implements TextFlagger.
func (CriticalOptionFlagger) FlagText(raw string, analyte *domain.Analyte) domain.Flag {
	answer := strings.TrimSpace(raw)
	for _, option := range analyte.CriticalTextOptions {
		if strings.EqualFold(answer, strings.TrimSpace(option)) {
			return domain.FlagCriticalHigh
		}
	}
	return domain.FlagNormal
}

// Flagger turns submitted values into flagged ReportedValues. A failure degrades only the
// value being flagged.
type Flagger struct {
	logger *logrus.Logger
	text   TextFlagger
}

// NewFlagger creates a flagger. A nil TextFlagger stores text results as normal.
func NewFlagger(logger *logrus.Logger, text TextFlagger) *Flagger {
	return &Flagger{logger: logger, text: text}
}

// Flag builds the ReportedValue for one submitted measurement.
func (f *Flagger) Flag(input domain.ValueInput, analyte *domain.Analyte) domain.ReportedValue {
	raw := string(input.Value)
	rv := domain.ReportedValue{
		TestCode: input.TestCode,
		Raw:      raw,
		Unit:     input.Unit,
	}
	if rv.Unit == "" && analyte != nil {
		rv.Unit = analyte.Unit
	}

	if analyte != nil && !analyte.IsNumeric() {
		rv.Flag = domain.FlagNormal
		if f.text != nil {
			rv.Flag = f.text.FlagText(raw, analyte)
		}
		return rv
	}

	value, cmp, ok := ParseNumeric(raw)
	if !ok {
		if analyte == nil {
			return f.degrade(rv, domain.FlagUnflagged, &domain.ConfigurationError{
				TestCode: input.TestCode, Field: "analyte", Reason: "is not configured",
			})
		}
		// Stored verbatim and kept out of flagging.
		return f.degrade(rv, domain.FlagNormal, &domain.InvalidValueError{
			TestCode: input.TestCode, Raw: raw, Reason: "numeric value expected",
		})
	}
	rv.Numeric = &value
	rv.Comparator = cmp

	flag, err := flagBounded(value, cmp, analyte)
	if err != nil {
		if cfgErr, ok := err.(*domain.ConfigurationError); ok && cfgErr.TestCode == "" {
			cfgErr.TestCode = input.TestCode
		}
		return f.degrade(rv, flag, err)
	}
	rv.Flag = flag
	return rv
}

func (f *Flagger) degrade(rv domain.ReportedValue, flag domain.Flag, err error) domain.ReportedValue {
	rv.Flag = flag
	rv.Issue = domain.IssueCode(err)
	rv.IssueDetail = err.Error()
	f.logger.WithFields(logrus.Fields{
		"test_code": rv.TestCode,
		"raw":       rv.Raw,
		"flag":      flag,
		"issue":     rv.Issue,
	}).WithError(err).Warn("Value could not be flagged normally")
	return rv
}
