package domain

import "time"

// Status is the stored lifecycle state of a source.
type Status string

const (
	StatusRegistered Status = "REGISTERED"
	StatusOnline     Status = "ONLINE"
	StatusOffline    Status = "OFFLINE"
)

// Geo is a WGS-84 latitude/longitude pair.
type Geo struct {
	Lat float64 `json:"lat" bson:"lat"`
	Lon float64 `json:"lon" bson:"lon"`
}

// Source is the registry record for a telemetry-emitting gauge.
type Source struct {
	SourceID        string             `json:"sourceId" bson:"source_id"`
	DisplayName     string             `json:"displayName,omitempty" bson:"display_name,omitempty"`
	Location        *Geo               `json:"location,omitempty" bson:"location,omitempty"`
	Status          Status             `json:"status" bson:"status"`
	LastHeartbeatAt time.Time          `json:"lastHeartbeatAt,omitempty" bson:"last_heartbeat_at,omitempty"`
	HealthMetrics   map[string]float64 `json:"healthMetrics,omitempty" bson:"health_metrics,omitempty"`
	RegisteredAt    time.Time          `json:"registeredAt" bson:"registered_at"`

	// AutoProvisioned marks records created implicitly by a first heartbeat
	// rather than an explicit registration.
	AutoProvisioned bool `json:"autoProvisioned,omitempty" bson:"auto_provisioned,omitempty"`
}

// DerivedStatus is the read-time status: a source whose last heartbeat is
// older than staleWindow reports OFFLINE even if the stored field says
// ONLINE. No writer flips the flag; staleness is derived by every reader.
func (s Source) DerivedStatus(now time.Time, staleWindow time.Duration) Status {
	if s.Status == StatusOnline && now.Sub(s.LastHeartbeatAt) > staleWindow {
		return StatusOffline
	}
	return s.Status
}
