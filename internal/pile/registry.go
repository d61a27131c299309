// Package pile tracks the charging piles known to the gateway: identity and
// firmware metadata reported by BootNotification, per-connector status from
// StatusNotification, and liveness derived from heartbeats.
package pile

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Status is an OCPP 1.6 ChargePointStatus value, used for both connectors
// and the pile-level rollup.
type Status string

const (
	StatusAvailable     Status = "Available"
	StatusPreparing     Status = "Preparing"
	StatusCharging      Status = "Charging"
	StatusSuspendedEV   Status = "SuspendedEV"
	StatusSuspendedEVSE Status = "SuspendedEVSE"
	StatusFinishing     Status = "Finishing"
	StatusReserved      Status = "Reserved"
	StatusUnavailable   Status = "Unavailable"
	StatusFaulted       Status = "Faulted"
)

// Connector is one numbered socket on a pile.
type Connector struct {
	ConnectorID     int    `json:"connectorId"`
	Status          Status `json:"status"`
	ErrorCode       string `json:"errorCode"`
	Info            string `json:"info,omitempty"`
	VendorID        string `json:"vendorId,omitempty"`
	VendorErrorCode string `json:"vendorErrorCode,omitempty"`
}

// Info is the identity and firmware metadata a pile reports at boot.
type Info struct {
	Vendor          string    `json:"chargePointVendor,omitempty"`
	Model           string    `json:"chargePointModel,omitempty"`
	SerialNumber    string    `json:"chargePointSerialNumber,omitempty"`
	FirmwareVersion string    `json:"firmwareVersion,omitempty"`
	BootTime        time.Time `json:"lastBootTime,omitempty"`
}

// Pile is the registry's view of one charging unit.
type Pile struct {
	PileID        string      `json:"pileId"`
	Info          Info        `json:"info"`
	Status        Status      `json:"status"`
	Online        bool        `json:"isOnline"`
	LastHeartbeat time.Time   `json:"lastHeartbeat,omitempty"`
	Connectors    []Connector `json:"connectors"`
}

// Statistics summarizes the fleet.
type Statistics struct {
	TotalPiles         int            `json:"totalPiles"`
	OnlinePiles        int            `json:"onlinePiles"`
	OfflinePiles       int            `json:"offlinePiles"`
	AvailablePiles     int            `json:"availablePiles"`
	ChargingPiles      int            `json:"chargingPiles"`
	StatusDistribution map[Status]int `json:"statusDistribution"`
	OnlineRate         float64        `json:"onlineRate"`
	AvailabilityRate   float64        `json:"availabilityRate"`
}

type pileState struct {
	info          Info
	status        Status
	online        bool
	lastHeartbeat time.Time
	connectors    []*Connector // ordered by connector ID as first seen
}

// Registry is the concurrent map of known piles. The gateway drives
// Register/Unregister from connection pool events so piles follow their
// connections on and off line.
type Registry struct {
	mu    sync.Mutex
	piles map[string]*pileState
	now   func() time.Time

	heartbeatTimeout time.Duration
	checkInterval    time.Duration
}

// NewRegistry creates an empty registry. heartbeatTimeout bounds how long a
// pile may go without a heartbeat before it is marked offline.
func NewRegistry(heartbeatTimeout time.Duration) *Registry {
	return &Registry{
		piles:            make(map[string]*pileState),
		now:              time.Now,
		heartbeatTimeout: heartbeatTimeout,
		checkInterval:    time.Minute,
	}
}

// Register marks a pile online, creating it on first contact. Connectors
// move to Available until a StatusNotification says otherwise.
func (r *Registry) Register(pileID string) {
	r.mu.Lock()
	p := r.getLocked(pileID)
	p.online = true
	p.lastHeartbeat = r.now()
	for _, c := range p.connectors {
		c.Status = StatusAvailable
		c.ErrorCode = "NoError"
	}
	r.rollupLocked(p)
	r.mu.Unlock()

	logrus.WithField("pileID", pileID).Info("Pile registered online")
}

// Unregister marks a pile offline. Its registry entry is retained so its
// metadata and last-seen state remain queryable.
func (r *Registry) Unregister(pileID string) {
	r.mu.Lock()
	p, ok := r.piles[pileID]
	if ok {
		p.online = false
		p.status = StatusUnavailable
		for _, c := range p.connectors {
			c.Status = StatusUnavailable
		}
	}
	r.mu.Unlock()

	if ok {
		logrus.WithField("pileID", pileID).Info("Pile marked offline")
	}
}

// getLocked returns the pile state, creating a one-connector default entry
// for unknown IDs. Caller holds r.mu.
func (r *Registry) getLocked(pileID string) *pileState {
	p, ok := r.piles[pileID]
	if !ok {
		p = &pileState{
			status:     StatusUnavailable,
			connectors: []*Connector{{ConnectorID: 1, Status: StatusUnavailable, ErrorCode: "NoError"}},
		}
		r.piles[pileID] = p
	}
	return p
}

// UpdateInfo stores the identity metadata from a BootNotification. Empty
// fields leave the stored value untouched.
func (r *Registry) UpdateInfo(pileID string, info Info) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.getLocked(pileID)
	if info.Vendor != "" {
		p.info.Vendor = info.Vendor
	}
	if info.Model != "" {
		p.info.Model = info.Model
	}
	if info.SerialNumber != "" {
		p.info.SerialNumber = info.SerialNumber
	}
	if info.FirmwareVersion != "" {
		p.info.FirmwareVersion = info.FirmwareVersion
	}
	if !info.BootTime.IsZero() {
		p.info.BootTime = info.BootTime
	}
}

// UpdateConnectorStatus records a StatusNotification and recomputes the
// pile-level status. Unknown connector IDs are added.
func (r *Registry) UpdateConnectorStatus(pileID string, connector Connector) {
	r.mu.Lock()
	p := r.getLocked(pileID)

	var existing *Connector
	for _, c := range p.connectors {
		if c.ConnectorID == connector.ConnectorID {
			existing = c
			break
		}
	}
	if existing == nil {
		c := connector
		p.connectors = append(p.connectors, &c)
	} else {
		*existing = connector
	}
	r.rollupLocked(p)
	status := p.status
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"pileID":      pileID,
		"connectorID": connector.ConnectorID,
		"status":      connector.Status,
		"pileStatus":  status,
	}).Debug("Connector status updated")
}

// rollupLocked derives the pile status from its connectors. Caller holds
// r.mu. Precedence: Faulted, Charging, suspended states, Preparing,
// Finishing, Reserved, then Available only when every connector is.
func (r *Registry) rollupLocked(p *pileState) {
	if !p.online {
		p.status = StatusUnavailable
		return
	}

	var has = make(map[Status]bool, len(p.connectors))
	allAvailable := len(p.connectors) > 0
	for _, c := range p.connectors {
		has[c.Status] = true
		if c.Status != StatusAvailable {
			allAvailable = false
		}
	}

	switch {
	case has[StatusFaulted]:
		p.status = StatusFaulted
	case has[StatusCharging]:
		p.status = StatusCharging
	case has[StatusSuspendedEV]:
		p.status = StatusSuspendedEV
	case has[StatusSuspendedEVSE]:
		p.status = StatusSuspendedEVSE
	case has[StatusPreparing]:
		p.status = StatusPreparing
	case has[StatusFinishing]:
		p.status = StatusFinishing
	case has[StatusReserved]:
		p.status = StatusReserved
	case allAvailable:
		p.status = StatusAvailable
	default:
		p.status = StatusUnavailable
	}
}

// UpdateHeartbeat refreshes a pile's liveness timestamp.
func (r *Registry) UpdateHeartbeat(pileID string) {
	r.mu.Lock()
	if p, ok := r.piles[pileID]; ok {
		p.lastHeartbeat = r.now()
	}
	r.mu.Unlock()
}

// Pile returns a copy of one pile's state.
func (r *Registry) Pile(pileID string) (Pile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.piles[pileID]
	if !ok {
		return Pile{}, false
	}
	return r.exportLocked(pileID, p), true
}

// Piles returns a copy of every pile's state.
func (r *Registry) Piles() []Pile {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Pile, 0, len(r.piles))
	for id, p := range r.piles {
		out = append(out, r.exportLocked(id, p))
	}
	return out
}

func (r *Registry) exportLocked(pileID string, p *pileState) Pile {
	connectors := make([]Connector, len(p.connectors))
	for i, c := range p.connectors {
		connectors[i] = *c
	}
	return Pile{
		PileID:        pileID,
		Info:          p.info,
		Status:        p.status,
		Online:        p.online,
		LastHeartbeat: p.lastHeartbeat,
		Connectors:    connectors,
	}
}

// Status returns a pile's rolled-up status, or Unavailable for unknown IDs.
func (r *Registry) Status(pileID string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.piles[pileID]; ok {
		return p.status
	}
	return StatusUnavailable
}

// IsOnline reports whether the pile is currently marked online.
func (r *Registry) IsOnline(pileID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.piles[pileID]
	return ok && p.online
}

// Statistics summarizes the fleet by status and liveness.
func (r *Registry) Statistics() Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Statistics{StatusDistribution: make(map[Status]int)}
	for _, p := range r.piles {
		stats.TotalPiles++
		stats.StatusDistribution[p.status]++
		if p.online {
			stats.OnlinePiles++
		}
		switch p.status {
		case StatusAvailable:
			stats.AvailablePiles++
		case StatusCharging:
			stats.ChargingPiles++
		}
	}
	stats.OfflinePiles = stats.TotalPiles - stats.OnlinePiles
	if stats.TotalPiles > 0 {
		stats.OnlineRate = float64(stats.OnlinePiles) / float64(stats.TotalPiles)
	}
	if stats.OnlinePiles > 0 {
		stats.AvailabilityRate = float64(stats.AvailablePiles) / float64(stats.OnlinePiles)
	}
	return stats
}

// Run supervises heartbeats until the context is cancelled, marking piles
// offline once their last heartbeat ages past the timeout.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	cutoff := r.now().Add(-r.heartbeatTimeout)

	r.mu.Lock()
	var stale []string
	for id, p := range r.piles {
		if p.online && !p.lastHeartbeat.IsZero() && p.lastHeartbeat.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		logrus.WithField("pileID", id).Warn("Pile heartbeat timeout")
		r.Unregister(id)
	}
}
