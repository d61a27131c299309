package models

import (
	"time"
)

// SessionRecord is the archived form of a completed charging session.
type SessionRecord struct {
	SessionID       string     `json:"sessionId"`
	PileID          string     `json:"pileId"`
	ConnectorID     int        `json:"connectorId"`
	UserID          string     `json:"userId,omitempty"`
	IdTag           string     `json:"idTag"`
	TransactionID   int        `json:"transactionId"`
	StartTime       time.Time  `json:"startTime"`
	EndTime         *time.Time `json:"endTime,omitempty"`
	MeterStart      float64    `json:"meterStart"`
	MeterStop       *float64   `json:"meterStop,omitempty"`
	Status          string     `json:"status"`
	StopReason      string     `json:"stopReason,omitempty"`
	EnergyDelivered float64    `json:"energyDelivered"`
	Cost            float64    `json:"cost"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// MeterSampleRecord is one archived meter reading set.
type MeterSampleRecord struct {
	ID        int       `json:"id"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
	Values    string    `json:"values"` // JSON array of sampled values
}

// OCPPMessage is a logged raw frame exchanged with a pile.
type OCPPMessage struct {
	ID        int       `json:"id"`
	PileID    string    `json:"pileId"`
	Direction string    `json:"direction"` // inbound or outbound
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}
