package service

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labqc-server/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func glucoseAnalyte() *domain.Analyte {
	return &domain.Analyte{
		TestCode:       "GLU",
		Name:           "Glucose",
		Unit:           "mg/dL",
		ResultType:     domain.ResultTypeNumeric,
		ReferenceRange: domain.ReferenceRange{Low: domain.Float(70), High: domain.Float(100)},
		CriticalRange:  domain.CriticalRange{Low: domain.Float(40), High: domain.Float(400)},
		QCTarget:       &domain.QCTarget{Mean: 95, SD: 5},
	}
}

func TestFlagValueGlucoseScenario(t *testing.T) {
	tests := []struct {
		value    float64
		expected domain.Flag
	}{
		{45, domain.FlagLow},
		{35, domain.FlagCriticalLow},
		{500, domain.FlagCriticalHigh},
		{85, domain.FlagNormal},
		{150, domain.FlagHigh},
		{70, domain.FlagNormal},
		{100, domain.FlagNormal},
		{40, domain.FlagLow},
		{400, domain.FlagHigh},
	}

	for _, tt := range tests {
		flag, err := FlagValue(tt.value, glucoseAnalyte())
		require.NoError(t, err)
		assert.Equal(t, tt.expected, flag, "value %v", tt.value)
	}
}

func TestFlagValueCriticalTakesPrecedence(t *testing.T) {
	analyte := glucoseAnalyte()
	for v := -50.0; v < *analyte.CriticalRange.Low; v += 0.5 {
		flag, err := FlagValue(v, analyte)
		require.NoError(t, err)
		assert.Equal(t, domain.FlagCriticalLow, flag, "value %v", v)
	}
	for v := 400.5; v < 1000; v += 7.25 {
		flag, err := FlagValue(v, analyte)
		require.NoError(t, err)
		assert.Equal(t, domain.FlagCriticalHigh, flag, "value %v", v)
	}
}

func TestFlagValueIsPure(t *testing.T) {
	analyte := glucoseAnalyte()
	for _, v := range []float64{12, 55, 88, 133, 999} {
		first, _ := FlagValue(v, analyte)
		for i := 0; i < 5; i++ {
			again, _ := FlagValue(v, analyte)
			assert.Equal(t, first, again)
		}
	}
	assert.Equal(t, 70.0, *analyte.ReferenceRange.Low)
}

func TestFlagValueConfigurationErrors(t *testing.T) {
	flag, err := FlagValue(10, nil)
	assert.Equal(t, domain.FlagUnflagged, flag)
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	flag, err = FlagValue(10, &domain.Analyte{TestCode: "NA"})
	assert.Equal(t, domain.FlagUnflagged, flag)
	var cfgErr *domain.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "NA", cfgErr.TestCode)
}

func TestFlagValueOneSidedRanges(t *testing.T) {
	troponin := &domain.Analyte{
		TestCode:       "TROP",
		ReferenceRange: domain.ReferenceRange{High: domain.Float(0.04)},
		CriticalRange:  domain.CriticalRange{High: domain.Float(0.5)},
	}
	flag, err := FlagValue(0, troponin)
	require.NoError(t, err)
	assert.Equal(t, domain.FlagNormal, flag)

	flag, _ = FlagValue(0.1, troponin)
	assert.Equal(t, domain.FlagHigh, flag)

	flag, _ = FlagValue(0.6, troponin)
	assert.Equal(t, domain.FlagCriticalHigh, flag)
}

func TestParseNumeric(t *testing.T) {
	tests := []struct {
		raw        string
		value      float64
		comparator domain.Comparator
		ok         bool
	}{
		{"5.5", 5.5, domain.ComparatorNone, true},
		{" 120 ", 120, domain.ComparatorNone, true},
		{"<5", 5, domain.ComparatorLess, true},
		{">= 400", 400, domain.ComparatorGreaterEqual, true},
		{"<=0.1", 0.1, domain.ComparatorLessEqual, true},
		{"3-5", 0, domain.ComparatorNone, false},
		{"POSITIVE", 0, domain.ComparatorNone, false},
		{"NaN", 0, domain.ComparatorNone, false},
		{"", 0, domain.ComparatorNone, false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			v, cmp, ok := ParseNumeric(tt.raw)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.value, v)
				assert.Equal(t, tt.comparator, cmp)
			}
		})
	}
}

func TestFlaggerCensoredValues(t *testing.T) {
	f := NewFlagger(testLogger(), nil)
	analyte := glucoseAnalyte()

	rv := f.Flag(domain.ValueInput{TestCode: "GLU", Value: "<40"}, analyte)
	assert.Equal(t, domain.FlagCriticalLow, rv.Flag)
	assert.Equal(t, domain.ComparatorLess, rv.Comparator)
	assert.Equal(t, "<40", rv.Raw)

	rv = f.Flag(domain.ValueInput{TestCode: "GLU", Value: "<=40"}, analyte)
	assert.Equal(t, domain.FlagLow, rv.Flag)

	rv = f.Flag(domain.ValueInput{TestCode: "GLU", Value: ">400"}, analyte)
	assert.Equal(t, domain.FlagCriticalHigh, rv.Flag)
}

func TestFlaggerDegradesSingleValue(t *testing.T) {
	f := NewFlagger(testLogger(), nil)

	rv := f.Flag(domain.ValueInput{TestCode: "GLU", Value: "70-100"}, glucoseAnalyte())
	assert.Equal(t, domain.FlagNormal, rv.Flag)
	assert.Equal(t, domain.IssueInvalidValue, rv.Issue)
	assert.Nil(t, rv.Numeric)
	assert.Equal(t, "70-100", rv.Raw)

	rv = f.Flag(domain.ValueInput{TestCode: "XYZ", Value: "12"}, nil)
	assert.Equal(t, domain.FlagUnflagged, rv.Flag)
	assert.Equal(t, domain.IssueConfiguration, rv.Issue)
	assert.Contains(t, rv.IssueDetail, "XYZ")

	rv = f.Flag(domain.ValueInput{TestCode: "GLU", Value: "88"}, glucoseAnalyte())
	assert.Equal(t, domain.FlagNormal, rv.Flag)
	assert.Empty(t, rv.Issue)
	assert.Equal(t, "mg/dL", rv.Unit)
}

func TestFlaggerTextResults(t *testing.T) {
	culture := &domain.Analyte{
		TestCode:            "BCX",
		ResultType:          domain.ResultTypeText,
		CriticalTextOptions: []string{"Positive"},
	}

	plain := NewFlagger(testLogger(), nil)
	rv := plain.Flag(domain.ValueInput{TestCode: "BCX", Value: "POSITIVE"}, culture)
	assert.Equal(t, domain.FlagNormal, rv.Flag)

	options := NewFlagger(testLogger(), CriticalOptionFlagger{})
	rv = options.Flag(domain.ValueInput{TestCode: "BCX", Value: "positive"}, culture)
	assert.Equal(t, domain.FlagCriticalHigh, rv.Flag)
	rv = options.Flag(domain.ValueInput{TestCode: "BCX", Value: "No growth"}, culture)
	assert.Equal(t, domain.FlagNormal, rv.Flag)
}

func TestCollectCriticalValues(t *testing.T) {
	values := []domain.ReportedValue{
		{TestCode: "GLU", Flag: domain.FlagCriticalLow},
		{TestCode: "K", Flag: domain.FlagHigh},
		{TestCode: "NA", Flag: domain.FlagCriticalHigh},
		{TestCode: "CL", Flag: domain.FlagUnflagged},
	}
	critical := CollectCriticalValues(values)
	require.Len(t, critical, 2)
	assert.Equal(t, "GLU", critical[0].TestCode)
	assert.Equal(t, "NA", critical[1].TestCode)

	assert.Empty(t, CollectCriticalValues(nil))
}
