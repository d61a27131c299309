// Package session owns the charging-session lifecycle: transaction
// correlation, meter-sample aggregation and cost computation.
package session

import "time"

// Status is a charging session's lifecycle state.
type Status string

const (
	StatusPreparing     Status = "Preparing"
	StatusCharging      Status = "Charging"
	StatusSuspendedEV   Status = "SuspendedEV"
	StatusSuspendedEVSE Status = "SuspendedEVSE"
	StatusFinishing     Status = "Finishing"
	StatusCompleted     Status = "Completed"
	StatusFaulted       Status = "Faulted"
	StatusCancelled     Status = "Cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFaulted || s == StatusCancelled
}

// SampledValue is one measurand reading inside a meter sample.
type SampledValue struct {
	Value     string `json:"value"`
	Measurand string `json:"measurand,omitempty"`
	Unit      string `json:"unit,omitempty"`
	Context   string `json:"context,omitempty"`
	Location  string `json:"location,omitempty"`
	Phase     string `json:"phase,omitempty"`
}

// MeterSample is a timestamped set of readings. Immutable once appended.
type MeterSample struct {
	Timestamp     time.Time      `json:"timestamp"`
	SampledValues []SampledValue `json:"sampledValue"`
}

// Session is one charging transaction from start to settlement.
type Session struct {
	SessionID     string `json:"sessionId"`
	PileID        string `json:"pileId"`
	ConnectorID   int    `json:"connectorId"`
	UserID        string `json:"userId,omitempty"`
	IDTag         string `json:"idTag"`
	TransactionID int    `json:"transactionId,omitempty"`

	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`

	MeterStart float64  `json:"meterStart"`
	MeterStop  *float64 `json:"meterStop,omitempty"`

	Status     Status `json:"status"`
	StopReason string `json:"stopReason,omitempty"`

	EnergyDelivered float64 `json:"energyDelivered"` // kWh
	Cost            float64 `json:"cost"`
	PricePerKwh     float64 `json:"pricePerKwh"`

	CurrentPower float64 `json:"currentPower"` // kW
	Voltage      float64 `json:"voltage"`
	Current      float64 `json:"current"`
	Temperature  float64 `json:"temperature"`

	MeterSamples []MeterSample `json:"meterValues,omitempty"`
}

// LiveStatus is the telemetry slice of a session exposed to pollers.
type LiveStatus struct {
	SessionID       string     `json:"sessionId"`
	PileID          string     `json:"pileId"`
	Status          Status     `json:"status"`
	StartTime       time.Time  `json:"startTime"`
	EndTime         *time.Time `json:"endTime,omitempty"`
	EnergyDelivered float64    `json:"energyDelivered"`
	CurrentPower    float64    `json:"currentPower"`
	Voltage         float64    `json:"voltage"`
	Current         float64    `json:"current"`
	Temperature     float64    `json:"temperature"`
	Cost            float64    `json:"cost"`
}

// Measurand names from OCPP 1.6 MeterValues that the aggregator understands.
const (
	MeasurandEnergy      = "Energy.Active.Import.Register"
	MeasurandPower       = "Power.Active.Import"
	MeasurandVoltage     = "Voltage"
	MeasurandCurrent     = "Current.Import"
	MeasurandTemperature = "Temperature"
)
