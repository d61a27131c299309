package session

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrSessionNotFound is returned for unknown session or transaction IDs.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionTerminal rejects transitions out of a finished session.
	ErrSessionTerminal = errors.New("session already in a terminal state")
	// ErrConnectorBusy rejects a second active session on one connector.
	ErrConnectorBusy = errors.New("connector already has an active session")
)

// EndHook observes every session reaching a terminal state, after the
// manager's own bookkeeping. Used for archiving; runs outside the lock.
type EndHook func(s Session)

// Filter narrows Sessions queries. Zero fields match everything.
type Filter struct {
	PileID string
	UserID string
	Status Status
	Limit  int
	Offset int
}

type connectorKey struct {
	pileID      string
	connectorID int
}

// Manager is the session state machine. One instance owns every session in
// the process; the transaction-id and (pile,connector) indexes are only
// mutated through its methods.
type Manager struct {
	mu           sync.Mutex
	sessions     map[string]*Session
	byTx         map[int]string          // transaction id -> session id
	byConnector  map[connectorKey]string // active session per connector
	order        []string                // session ids, creation order
	totalEnergy  float64                 // kWh across all ended sessions
	totalStarted int

	pricePerKwh float64
	now         func() time.Time
	endHook     EndHook
}

// NewManager creates a session manager charging the given price per kWh.
func NewManager(pricePerKwh float64) *Manager {
	return &Manager{
		sessions:    make(map[string]*Session),
		byTx:        make(map[int]string),
		byConnector: make(map[connectorKey]string),
		pricePerKwh: pricePerKwh,
		now:         time.Now,
	}
}

// SetEndHook installs the terminal-state observer. Must be called before
// sessions start ending.
func (m *Manager) SetEndHook(h EndHook) {
	m.endHook = h
}

// CreateSession opens a session for a started transaction. At most one
// active session may exist per (pile, connector) pair.
func (m *Manager) CreateSession(pileID string, connectorID int, idTag string, transactionID int, meterStart float64, startTime time.Time, status Status) (Session, error) {
	if startTime.IsZero() {
		startTime = m.now()
	}
	if status == "" {
		status = StatusPreparing
	}

	m.mu.Lock()
	key := connectorKey{pileID: pileID, connectorID: connectorID}
	if active, ok := m.byConnector[key]; ok {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("%w: pile %s connector %d (session %s)", ErrConnectorBusy, pileID, connectorID, active)
	}

	s := &Session{
		SessionID:     uuid.NewString(),
		PileID:        pileID,
		ConnectorID:   connectorID,
		IDTag:         idTag,
		TransactionID: transactionID,
		StartTime:     startTime,
		MeterStart:    meterStart,
		Status:        status,
		PricePerKwh:   m.pricePerKwh,
	}
	m.sessions[s.SessionID] = s
	m.byConnector[key] = s.SessionID
	m.order = append(m.order, s.SessionID)
	if transactionID != 0 {
		m.byTx[transactionID] = s.SessionID
	}
	m.totalStarted++
	out := *s
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"sessionID":     out.SessionID,
		"pileID":        pileID,
		"connectorID":   connectorID,
		"transactionID": transactionID,
	}).Info("Charging session created")
	return out, nil
}

// UpdateStatus moves a session to a new non-terminal-originated state.
// Terminal sessions reject all further transitions.
func (m *Manager) UpdateStatus(sessionID string, status Status) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if s.Status.Terminal() {
		m.mu.Unlock()
		return ErrSessionTerminal
	}
	s.Status = status
	if status.Terminal() {
		m.endLocked(s, "")
	}
	out := *s
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"sessionID": sessionID,
		"status":    status,
	}).Info("Session status updated")

	if status.Terminal() && m.endHook != nil {
		m.endHook(out)
	}
	return nil
}

// AppendMeterValues records samples for a transaction and folds each
// reading into the session's running telemetry. Cost is recomputed in full
// from cumulative energy, so a replayed sample changes nothing.
func (m *Manager) AppendMeterValues(transactionID int, samples []MeterSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sid, ok := m.byTx[transactionID]
	if !ok {
		return fmt.Errorf("%w: transaction %d", ErrSessionNotFound, transactionID)
	}
	s := m.sessions[sid]

	for _, sample := range samples {
		s.MeterSamples = append(s.MeterSamples, sample)
		for _, sv := range sample.SampledValues {
			applySampledValue(s, sv)
		}
		s.Cost = s.EnergyDelivered * s.PricePerKwh
	}

	logrus.WithFields(logrus.Fields{
		"sessionID": s.SessionID,
		"power":     s.CurrentPower,
		"energy":    s.EnergyDelivered,
	}).Debug("Meter values applied")
	return nil
}

// applySampledValue maps one reading onto the session's running fields,
// converting Wh and W to the kilo units the session stores.
func applySampledValue(s *Session, sv SampledValue) {
	value, err := strconv.ParseFloat(sv.Value, 64)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"sessionID": s.SessionID,
			"value":     sv.Value,
		}).Warn("Non-numeric sampled value ignored")
		return
	}

	measurand := sv.Measurand
	if measurand == "" {
		measurand = MeasurandEnergy
	}

	switch measurand {
	case MeasurandEnergy:
		if sv.Unit == "kWh" {
			s.EnergyDelivered = value
		} else {
			s.EnergyDelivered = value / 1000
		}
	case MeasurandPower:
		if sv.Unit == "kW" {
			s.CurrentPower = value
		} else {
			s.CurrentPower = value / 1000
		}
	case MeasurandVoltage:
		s.Voltage = value
	case MeasurandCurrent:
		s.Current = value
	case MeasurandTemperature:
		s.Temperature = value
	}
}

// EndSession completes a session by its own ID. The meter stop is derived
// from meterStart plus delivered energy when the pile never reported one.
func (m *Manager) EndSession(sessionID, reason string) (Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return Session{}, ErrSessionNotFound
	}
	if s.Status.Terminal() {
		m.mu.Unlock()
		return Session{}, ErrSessionTerminal
	}

	s.Status = StatusCompleted
	m.endLocked(s, reason)
	out := *s
	m.mu.Unlock()

	m.logEnded(out)
	if m.endHook != nil {
		m.endHook(out)
	}
	return out, nil
}

// EndSessionByTransaction completes a session with the pile-reported final
// meter reading and timestamp from a StopTransaction.
func (m *Manager) EndSessionByTransaction(transactionID int, meterStop float64, endTime time.Time, reason string) (Session, error) {
	m.mu.Lock()
	sid, ok := m.byTx[transactionID]
	if !ok {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("%w: transaction %d", ErrSessionNotFound, transactionID)
	}
	s := m.sessions[sid]
	if s.Status.Terminal() {
		m.mu.Unlock()
		return Session{}, ErrSessionTerminal
	}

	if endTime.IsZero() {
		endTime = m.now()
	}
	s.Status = StatusCompleted
	s.MeterStop = &meterStop
	s.EnergyDelivered = meterStop - s.MeterStart
	s.Cost = s.EnergyDelivered * s.PricePerKwh
	s.EndTime = &endTime
	m.endLocked(s, reason)
	out := *s
	m.mu.Unlock()

	m.logEnded(out)
	if m.endHook != nil {
		m.endHook(out)
	}
	return out, nil
}

// endLocked performs the shared terminal bookkeeping: timestamps, derived
// meter stop, index release and the fleet energy total. The transaction
// index is released here and only here, so exactly once per session.
// Caller holds m.mu and has already set a terminal status.
func (m *Manager) endLocked(s *Session, reason string) {
	if s.EndTime == nil {
		now := m.now()
		s.EndTime = &now
	}
	if reason != "" {
		s.StopReason = reason
	}
	if s.MeterStop == nil {
		stop := s.MeterStart + s.EnergyDelivered
		s.MeterStop = &stop
	}
	m.totalEnergy += s.EnergyDelivered
	delete(m.byTx, s.TransactionID)
	delete(m.byConnector, connectorKey{pileID: s.PileID, connectorID: s.ConnectorID})
}

func (m *Manager) logEnded(s Session) {
	logrus.WithFields(logrus.Fields{
		"sessionID":     s.SessionID,
		"transactionID": s.TransactionID,
		"energy":        s.EnergyDelivered,
		"cost":          s.Cost,
		"reason":        s.StopReason,
	}).Info("Charging session ended")
}

// Session returns a copy of a session by its ID.
func (m *Manager) Session(sessionID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// SessionByTransaction returns a copy of the session owning a transaction.
func (m *Manager) SessionByTransaction(transactionID int) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sid, ok := m.byTx[transactionID]
	if !ok {
		return Session{}, false
	}
	return *m.sessions[sid], true
}

// HasTransaction reports whether a transaction currently maps to a session.
func (m *Manager) HasTransaction(transactionID int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byTx[transactionID]
	return ok
}

// Sessions lists sessions newest first, narrowed by the filter.
func (m *Manager) Sessions(f Filter) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]Session, 0)
	for i := len(m.order) - 1; i >= 0; i-- {
		s := m.sessions[m.order[i]]
		if f.PileID != "" && s.PileID != f.PileID {
			continue
		}
		if f.UserID != "" && s.UserID != f.UserID {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		matched = append(matched, *s)
	}

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	return matched
}

// Live returns the telemetry slice of a session.
func (m *Manager) Live(sessionID string) (LiveStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return LiveStatus{}, false
	}
	return LiveStatus{
		SessionID:       s.SessionID,
		PileID:          s.PileID,
		Status:          s.Status,
		StartTime:       s.StartTime,
		EndTime:         s.EndTime,
		EnergyDelivered: s.EnergyDelivered,
		CurrentPower:    s.CurrentPower,
		Voltage:         s.Voltage,
		Current:         s.Current,
		Temperature:     s.Temperature,
		Cost:            s.Cost,
	}, true
}

// ActiveCount returns how many sessions are in a non-terminal state.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if !s.Status.Terminal() {
			n++
		}
	}
	return n
}

// TotalStarted returns how many sessions were ever created.
func (m *Manager) TotalStarted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalStarted
}

// TotalEnergyDelivered returns the kWh accumulated across ended sessions.
func (m *Manager) TotalEnergyDelivered() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalEnergy
}
