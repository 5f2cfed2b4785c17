package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labqc-server/internal/domain"
)

func TestWestgardOneThreeSBoundary(t *testing.T) {
	e := NewRuleEvaluator(testLogger(), 12)
	target := ControlTarget{Mean: 100, SD: 10, Source: domain.TargetFixed}

	eval, err := e.Evaluate(130, target, nil)
	require.NoError(t, err)
	assert.NotContains(t, eval.ViolatedRules, domain.Rule1_3s)
	assert.Equal(t, domain.RunWarn, eval.Status)
	assert.Equal(t, []domain.RuleID{domain.Rule1_2s}, eval.ViolatedRules)

	eval, err = e.Evaluate(130.5, target, nil)
	require.NoError(t, err)
	assert.Contains(t, eval.ViolatedRules, domain.Rule1_3s)
	assert.Equal(t, domain.RunReject, eval.Status)

	eval, err = e.Evaluate(69, target, nil)
	require.NoError(t, err)
	assert.Contains(t, eval.ViolatedRules, domain.Rule1_3s)
}

func TestWestgardTenX(t *testing.T) {
	e := NewRuleEvaluator(testLogger(), 12)
	target := ControlTarget{Mean: 100, SD: 10}

	nineHigh := []float64{101, 102, 101, 103, 102, 101, 104, 102, 101}

	eval, err := e.Evaluate(100, target, nineHigh)
	require.NoError(t, err)
	assert.NotContains(t, eval.ViolatedRules, domain.Rule10x)
	assert.Equal(t, domain.RunAccept, eval.Status)

	eval, err = e.Evaluate(96, target, nineHigh)
	require.NoError(t, err)
	assert.NotContains(t, eval.ViolatedRules, domain.Rule10x)

	eval, err = e.Evaluate(103, target, nineHigh)
	require.NoError(t, err)
	assert.Equal(t, []domain.RuleID{domain.Rule10x}, eval.ViolatedRules)
	assert.Equal(t, domain.RunReject, eval.Status)

	eval, err = e.Evaluate(103, target, nineHigh[1:])
	require.NoError(t, err)
	assert.NotContains(t, eval.ViolatedRules, domain.Rule10x)
}

func TestWestgardQCScenario(t *testing.T) {
	e := NewRuleEvaluator(testLogger(), 12)
	target := ControlTarget{Mean: 95, SD: 5}

	history := []float64{}
	for _, v := range []float64{96, 97, 94, 96} {
		eval, err := e.Evaluate(v, target, history)
		require.NoError(t, err)
		assert.Equal(t, domain.RunAccept, eval.Status, "value %v", v)
		assert.Empty(t, eval.ViolatedRules)
		history = append(history, v)
	}

	eval, err := e.Evaluate(106, target, history)
	require.NoError(t, err)
	assert.Equal(t, domain.RunWarn, eval.Status)
	history = append(history, 106)

	eval, err = e.Evaluate(107, target, history)
	require.NoError(t, err)
	assert.Equal(t, domain.RunReject, eval.Status)
	assert.Equal(t, []domain.RuleID{domain.Rule2_2s, domain.Rule1_2s}, eval.ViolatedRules)
	assert.InDelta(t, 2.4, eval.ZScore, 1e-9)
}

func TestWestgardRules(t *testing.T) {
	target := ControlTarget{Mean: 100, SD: 10}

	tests := []struct {
		name    string
		history []float64
		value   float64
		rules   []domain.RuleID
		status  domain.RunStatus
	}{
		{
			name:   "within one sd",
			value:  105,
			rules:  []domain.RuleID{},
			status: domain.RunAccept,
		},
		{
			name:    "range exceeds four sd",
			history: []float64{78},
			value:   122,
			rules:   []domain.RuleID{domain.RuleR_4s, domain.Rule1_2s},
			status:  domain.RunReject,
		},
		{
			name:    "two low beyond two sd",
			history: []float64{77},
			value:   79,
			rules:   []domain.RuleID{domain.Rule2_2s, domain.Rule1_2s},
			status:  domain.RunReject,
		},
		{
			name:    "four beyond one sd",
			history: []float64{112, 115, 111},
			value:   113,
			rules:   []domain.RuleID{domain.Rule4_1s},
			status:  domain.RunReject,
		},
		{
			name:    "four beyond one sd broken by opposite side",
			history: []float64{112, 88, 111},
			value:   113,
			rules:   []domain.RuleID{},
			status:  domain.RunAccept,
		},
		{
			name:    "multiple reject rules reported together",
			history: []float64{101, 103, 102, 104, 105, 111, 112, 125, 124},
			value:   135,
			rules:   []domain.RuleID{domain.Rule1_3s, domain.Rule2_2s, domain.Rule4_1s, domain.Rule10x, domain.Rule1_2s},
			status:  domain.RunReject,
		},
	}

	e := NewRuleEvaluator(testLogger(), 12)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval, err := e.Evaluate(tt.value, target, tt.history)
			require.NoError(t, err)
			assert.Equal(t, tt.rules, eval.ViolatedRules)
			assert.Equal(t, tt.status, eval.Status)
		})
	}
}

func TestWestgardWindowTrimsHistory(t *testing.T) {
	e := NewRuleEvaluator(testLogger(), 3)
	target := ControlTarget{Mean: 100, SD: 10}

	history := []float64{101, 101, 101, 101, 101, 101, 101, 101, 101}
	eval, err := e.Evaluate(101, target, history)
	require.NoError(t, err)
	assert.NotContains(t, eval.ViolatedRules, domain.Rule10x)
	assert.Equal(t, 3, e.Window())
}

func TestWestgardInvalidTarget(t *testing.T) {
	e := NewRuleEvaluator(testLogger(), 0)
	assert.Equal(t, DefaultHistoryWindow, e.Window())

	_, err := e.Evaluate(100, ControlTarget{Mean: 100, SD: 0}, nil)
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	_, err = e.Evaluate(100, ControlTarget{Mean: 100, SD: -2}, nil)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}
