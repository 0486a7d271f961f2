// Package domain models RiverPulse gauge telemetry.
//
// # Data Source
//
// Readings originate from remote river gauges (ARM/embedded Linux devices)
// publishing over MQTT. A bridge process forwards every gauge message to the
// pipeline's message bus, preserving the JSON payload and attaching bus-level
// attributes (message type, source id, bridge timestamp) so consumers can
// filter without deserializing.
//
// # Envelope Conventions
//
// Every bus payload is a flat JSON envelope:
//
//	{
//	  "sourceId":    "gauge-001",
//	  "type":        "flow_reading" | "heartbeat" | "telemetry" | "command",
//	  "observedAt":  RFC 3339 timestamp (sensor-reported),
//	  "metricValue": flow rate in CFS (required for flow_reading),
//	  "auxMetrics":  { "stageHeight": 3.2, "waterTemp": 11.5, ... },
//	}
//
// The envelope is decoded once at the bus boundary into a closed set of
// message kinds ([DecodeMessage]); handlers dispatch on the kind tag, never
// on ad hoc string fields.
//
// # Delivery and Deduplication
//
// The bus delivers at least once. The delivery id is unique per delivery
// attempt, NOT per logical reading, so it cannot be used for deduplication.
// The idempotency key is sourceId + observedAt ([Reading.DedupKey]); stores
// enforce uniqueness on that key, which makes redelivery a no-op from the
// store's point of view.
//
// Clock skew between gauges and the server is tolerated: receivedAt >=
// observedAt is not guaranteed and never assumed.
//
// # Thresholds and Severity
//
// Flow thresholds are per-gauge with a default fallback, in CFS:
//
//	metricValue >= flood  → CRITICAL
//	metricValue >= high   → ELEVATED
//	otherwise             → NONE (no alert emitted)
//
// Flow classification (low, runnable, optimal, high, flood) is a coarser
// user-facing scale derived from the same thresholds, stamped on flow
// readings when they are persisted. It has no alerting significance.
//
// # Source Liveness
//
// A source's stored status only moves forward (REGISTERED → ONLINE → OFFLINE,
// with ONLINE and OFFLINE cycling). Readers additionally derive staleness:
// any source whose last heartbeat is older than the staleness window reports
// OFFLINE regardless of the stored field. See [Source.DerivedStatus].
package domain
