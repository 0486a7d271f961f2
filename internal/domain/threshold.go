package domain

import "sync"

// Classification is the coarse user-facing flow scale derived from
// thresholds. It has no alerting significance.
type Classification string

const (
	ClassLow      Classification = "low"
	ClassRunnable Classification = "runnable"
	ClassOptimal  Classification = "optimal"
	ClassHigh     Classification = "high"
	ClassFlood    Classification = "flood"
)

// Thresholds holds the per-source flow limits in CFS.
type Thresholds struct {
	High  float64 `json:"high"`
	Flood float64 `json:"flood"`
}

// DefaultThresholds applies to any source without an override.
var DefaultThresholds = Thresholds{High: 2000, Flood: 3000}

// ThresholdTable maps sources to their flow thresholds with a default
// fallback. Safe for concurrent lookup and update.
type ThresholdTable struct {
	mu        sync.RWMutex
	overrides map[string]Thresholds
	fallback  Thresholds
}

// NewThresholdTable creates a table using fallback for unknown sources.
func NewThresholdTable(fallback Thresholds) *ThresholdTable {
	return &ThresholdTable{
		overrides: make(map[string]Thresholds),
		fallback:  fallback,
	}
}

// Set installs or replaces a per-source override.
func (t *ThresholdTable) Set(sourceID string, th Thresholds) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.overrides[sourceID] = th
}

// Lookup returns the thresholds for sourceID, falling back to the default
// set when the source has no override.
func (t *ThresholdTable) Lookup(sourceID string) Thresholds {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if th, ok := t.overrides[sourceID]; ok {
		return th
	}
	return t.fallback
}

// EvaluateSeverity maps a flow value onto the alert severity scale.
// Boundary values belong to the higher band: metricValue == high is ELEVATED,
// metricValue == flood is CRITICAL.
func EvaluateSeverity(metricValue float64, th Thresholds) Severity {
	switch {
	case metricValue >= th.Flood:
		return SeverityCritical
	case metricValue >= th.High:
		return SeverityElevated
	default:
		return SeverityNone
	}
}

// Classify maps a flow value onto the user-facing classification scale.
// Bands below high are proportional cut points of the high threshold.
func Classify(metricValue float64, th Thresholds) Classification {
	switch {
	case metricValue >= th.Flood:
		return ClassFlood
	case metricValue >= th.High:
		return ClassHigh
	case metricValue >= 0.6*th.High:
		return ClassOptimal
	case metricValue >= 0.25*th.High:
		return ClassRunnable
	default:
		return ClassLow
	}
}
