package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/riverpulse/pipeline/internal/domain"
)

func TestEvaluateSeverity_Boundaries(t *testing.T) {
	th := domain.Thresholds{High: 1500, Flood: 2200}

	cases := []struct {
		value float64
		want  domain.Severity
	}{
		{1499, domain.SeverityNone},
		{1500, domain.SeverityElevated},
		{2199, domain.SeverityElevated},
		{2200, domain.SeverityCritical},
		{0, domain.SeverityNone},
		{9999, domain.SeverityCritical},
	}

	for _, tc := range cases {
		assert.Equalf(t, tc.want, domain.EvaluateSeverity(tc.value, th), "value=%v", tc.value)
	}
}

func TestThresholdTable_LookupFallsBackToDefault(t *testing.T) {
	table := domain.NewThresholdTable(domain.Thresholds{High: 2000, Flood: 3000})
	table.Set("gauge-001", domain.Thresholds{High: 1500, Flood: 2200})

	assert.Equal(t, domain.Thresholds{High: 1500, Flood: 2200}, table.Lookup("gauge-001"))
	assert.Equal(t, domain.Thresholds{High: 2000, Flood: 3000}, table.Lookup("gauge-999"))
}

func TestClassify(t *testing.T) {
	th := domain.Thresholds{High: 2000, Flood: 3000}

	cases := []struct {
		value float64
		want  domain.Classification
	}{
		{100, domain.ClassLow},
		{600, domain.ClassRunnable},
		{1500, domain.ClassOptimal},
		{2500, domain.ClassHigh},
		{3200, domain.ClassFlood},
	}

	for _, tc := range cases {
		assert.Equalf(t, tc.want, domain.Classify(tc.value, th), "value=%v", tc.value)
	}
}

func TestAlert_Exceedance(t *testing.T) {
	a := domain.Alert{TriggerValue: 2600, ThresholdValue: 2200}
	assert.Equal(t, 400.0, a.Exceedance())
}
