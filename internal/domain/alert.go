package domain

import "time"

// Severity is the outcome of evaluating a reading against its thresholds.
type Severity string

const (
	SeverityNone     Severity = "NONE"
	SeverityElevated Severity = "ELEVATED"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is a derived event emitted when a flow reading crosses a threshold.
// Created only by the alert evaluator, one per crossing reading.
type Alert struct {
	SourceID       string    `json:"sourceId" bson:"source_id"`
	Severity       Severity  `json:"severity" bson:"severity"`
	TriggerValue   float64   `json:"triggerValue" bson:"trigger_value"`
	ThresholdValue float64   `json:"thresholdValue" bson:"threshold_value"`
	ObservedAt     time.Time `json:"observedAt" bson:"observed_at"`
	EvaluatedAt    time.Time `json:"evaluatedAt" bson:"evaluated_at"`
}

// Exceedance reports how far the trigger value is above the threshold.
func (a Alert) Exceedance() float64 {
	return a.TriggerValue - a.ThresholdValue
}

// DedupKey suppresses duplicate alerts produced by re-evaluating the same
// reading: the alert store rejects a second write with the same key.
func (a Alert) DedupKey() string {
	return a.SourceID + "|" + a.ObservedAt.UTC().Format(time.RFC3339Nano) + "|" + string(a.Severity)
}
