package central

import (
	"time"
)

// ============================================================================
// CHARGING POINT STATES
// ============================================================================

// CPState is the lifecycle state of a charging point as tracked by the
// coordinator. The wire protocol carries these exact tokens in HEARTBEAT
// frames and the dashboard renders them verbatim.
type CPState string

const (
	StateDisconnected CPState = "DISCONNECTED"
	StateActivated    CPState = "ACTIVATED"
	StateSupplying    CPState = "SUPPLYING"
	StateOutOfOrder   CPState = "OUT_OF_ORDER"
	StateStopped      CPState = "STOPPED"
)

// Known reports whether s is one of the states the coordinator tracks.
// Engines report their own state in heartbeats, so unknown tokens are
// possible and must be rejected rather than stored.
func (s CPState) Known() bool {
	switch s {
	case StateDisconnected, StateActivated, StateSupplying, StateOutOfOrder, StateStopped:
		return true
	}
	return false
}

// ============================================================================
// DRIVER STATES
// ============================================================================

// DriverStatus is the lifecycle state of a driver record.
type DriverStatus string

const (
	StatusIdle DriverStatus = "IDLE"
	// StatusRequesting is the transient status between a charge request
	// arriving and the coordinator's decision. Requests are resolved
	// atomically under the core lock, so the status never rests here; the
	// constant exists for the persisted-record vocabulary shared with
	// dashboards.
	StatusRequesting DriverStatus = "REQUESTING"
	StatusCharging   DriverStatus = "CHARGING"
)

// ============================================================================
// DOMAIN RECORDS
// ============================================================================

// ChargingPoint is the coordinator's live view of one charging point.
// All fields are guarded by the Central mutex.
type ChargingPoint struct {
	ID          string
	Latitude    float64
	Longitude   float64
	PricePerKWh float64
	State       CPState

	// Session fields, meaningful only while State == StateSupplying.
	CurrentDriver    string
	SessionStart     time.Time
	EnergyDelivered  float64 // accumulated from SUPPLY_UPDATE increments
	AccruedAmount    float64 // running amount as reported by the CP
	EnergyRequested  float64
	ChargingComplete bool

	RegisteredAt  time.Time
	LastHeartbeat time.Time
	LastHealth    time.Time
	HealthOK      bool
}

// available reports whether the CP can accept a new charge request.
func (cp *ChargingPoint) available() bool {
	return cp.State == StateActivated && cp.CurrentDriver == ""
}

// Driver is the coordinator's live view of one driver.
// All fields are guarded by the Central mutex.
type Driver struct {
	ID           string
	Status       DriverStatus
	CurrentCP    string
	TotalCharges int
	TotalSpent   float64
	RegisteredAt time.Time
}

// WeatherAlert records why a CP is held out of order by weather. The entry
// lives only while the hold is active; clearing the alert removes it.
type WeatherAlert struct {
	CPID        string    `json:"cp_id"`
	Location    string    `json:"location"`
	Temperature float64   `json:"temperature"`
	AlertType   string    `json:"alert_type"`
	Message     string    `json:"message"`
	IssuedAt    time.Time `json:"issued_at"`
}

// ============================================================================
// SNAPSHOTS
// ============================================================================

// CPSnapshot is a point-in-time copy of a charging point, safe to use
// outside the Central mutex. The HTTP API and the dashboard render these.
type CPSnapshot struct {
	ID               string  `json:"cp_id"`
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	PricePerKWh      float64 `json:"price_per_kwh"`
	State            CPState `json:"state"`
	CurrentDriver    string  `json:"current_driver,omitempty"`
	EnergyDelivered  float64 `json:"kwh_delivered"`
	AccruedAmount    float64 `json:"amount_euro"`
	EnergyRequested  float64 `json:"kwh_requested,omitempty"`
	ChargingComplete bool    `json:"charging_complete,omitempty"`
	SessionStartedAt string  `json:"session_started_at,omitempty"`
	Connected        bool    `json:"connected"`
	HealthOK         bool    `json:"health_ok"`
}

// DriverSnapshot is a point-in-time copy of a driver record.
type DriverSnapshot struct {
	ID           string       `json:"driver_id"`
	Status       DriverStatus `json:"status"`
	CurrentCP    string       `json:"current_cp,omitempty"`
	TotalCharges int          `json:"total_charges"`
	TotalSpent   float64      `json:"total_spent"`
	Connected    bool         `json:"connected"`
}

// Overview aggregates system-wide counters for the status endpoint.
type Overview struct {
	ChargingPoints  int            `json:"charging_points"`
	Drivers         int            `json:"drivers"`
	ActiveSessions  int            `json:"active_sessions"`
	ConnectedAgents int            `json:"connected_agents"`
	WeatherAlerts   []WeatherAlert `json:"weather_alerts"`
	StatesByCount   map[string]int `json:"states"`
}
