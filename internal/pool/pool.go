// Package pool manages the WebSocket connections to charging piles: a
// bounded set of prioritized, supervised connections per pile with
// least-loaded send balancing and automatic reconnection for transports
// that support redialing.
package pool

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/evgrid/ocpp-gateway/internal/ocpperr"
	"github.com/evgrid/ocpp-gateway/internal/retry"
)

// Config holds the pool tunables. Zero values fall back to Defaults.
type Config struct {
	MaxConnectionsPerPile  int
	QueueSize              int
	BatchSize              int
	MaxSendRetries         int
	HeartbeatInterval      time.Duration
	IdleTimeout            time.Duration
	HealthCheckInterval    time.Duration
	MaxReconnectAttempts   int
	ReconnectInitialDelay  time.Duration
	ReconnectMaxDelay      time.Duration
	ReconnectBackoffFactor float64
}

// Defaults returns the standard pool configuration.
func Defaults() Config {
	return Config{
		MaxConnectionsPerPile:  3,
		QueueSize:              1000,
		BatchSize:              10,
		MaxSendRetries:         3,
		HeartbeatInterval:      30 * time.Second,
		IdleTimeout:            300 * time.Second,
		HealthCheckInterval:    60 * time.Second,
		MaxReconnectAttempts:   5,
		ReconnectInitialDelay:  1 * time.Second,
		ReconnectMaxDelay:      60 * time.Second,
		ReconnectBackoffFactor: 2.0,
	}
}

// Observer is notified when a pile's connectivity changes. Notifications
// run outside the pool lock.
type Observer interface {
	PileConnected(pileID, connectionID string)
	PileDisconnected(pileID, connectionID string, err error)
}

// ErrConnectionNotFound is returned by Receive for unknown connection IDs.
var ErrConnectionNotFound = errors.New("connection not found")

// ErrConnectionEvicted is the disconnect cause reported to observers when a
// connection is displaced by a newer one at the per-pile cap.
var ErrConnectionEvicted = errors.New("connection evicted at pile cap")

// Pool owns every pile connection. It enforces the per-pile connection cap,
// balances sends across a pile's connections and supervises reconnects.
type Pool struct {
	cfg Config

	mu        sync.Mutex
	conns     map[string]*connection
	pileConns map[string][]string // connection IDs per pile, oldest first
	observers []Observer
	closed    bool

	health *retry.HealthTracker

	// heartbeatFrame builds the payload the per-connection heartbeat loop
	// enqueues for its pile. Set once before connections are added.
	heartbeatFrame func(pileID string) []byte
}

// New creates an empty pool. health may be nil; transport failures are then
// not counted against pile health.
func New(cfg Config, health *retry.HealthTracker) *Pool {
	if cfg.MaxConnectionsPerPile <= 0 {
		cfg.MaxConnectionsPerPile = Defaults().MaxConnectionsPerPile
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = Defaults().QueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = Defaults().BatchSize
	}
	if cfg.MaxSendRetries <= 0 {
		cfg.MaxSendRetries = Defaults().MaxSendRetries
	}
	if cfg.ReconnectBackoffFactor < 1 {
		cfg.ReconnectBackoffFactor = Defaults().ReconnectBackoffFactor
	}
	return &Pool{
		cfg:       cfg,
		conns:     make(map[string]*connection),
		pileConns: make(map[string][]string),
		health:    health,
	}
}

// SetHeartbeatFrame installs the heartbeat payload builder. Must be called
// before the first AddConnection.
func (p *Pool) SetHeartbeatFrame(f func(pileID string) []byte) {
	p.heartbeatFrame = f
}

// Subscribe registers an observer for connectivity events.
func (p *Pool) Subscribe(o Observer) {
	p.mu.Lock()
	p.observers = append(p.observers, o)
	p.mu.Unlock()
}

// AddConnection registers a new transport for a pile and starts its
// background duties. When the pile is at its connection cap the oldest
// connection is evicted first.
func (p *Pool) AddConnection(connectionID, pileID string, t Transport) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("pool closed")
	}
	if _, ok := p.conns[connectionID]; ok {
		p.mu.Unlock()
		return fmt.Errorf("connection %s already registered", connectionID)
	}

	var evict *connection
	ids := p.pileConns[pileID]
	if len(ids) >= p.cfg.MaxConnectionsPerPile {
		oldest := ids[0]
		evict = p.conns[oldest]
		delete(p.conns, oldest)
		p.pileConns[pileID] = ids[1:]
		ids = p.pileConns[pileID]
	}

	c := newConnection(connectionID, pileID, t, p)
	p.conns[connectionID] = c
	p.pileConns[pileID] = append(ids, connectionID)
	observers := p.snapshotObservers()
	p.mu.Unlock()

	if evict != nil {
		logrus.WithFields(logrus.Fields{
			"pileID":  pileID,
			"evicted": evict.id,
		}).Info("Connection cap reached, evicting oldest connection")
		evict.teardown()
		for _, o := range observers {
			o.PileDisconnected(pileID, evict.id, ErrConnectionEvicted)
		}
	}

	c.start()
	logrus.WithFields(logrus.Fields{
		"connectionID": connectionID,
		"pileID":       pileID,
	}).Info("Connection added to pool")

	for _, o := range observers {
		o.PileConnected(pileID, connectionID)
	}
	return nil
}

// RemoveConnection tears a connection down and forgets it. Queued messages
// receive failure callbacks.
func (p *Pool) RemoveConnection(connectionID string) {
	p.mu.Lock()
	c, ok := p.conns[connectionID]
	if !ok {
		p.mu.Unlock()
		return
	}
	p.forgetLocked(c)
	observers := p.snapshotObservers()
	p.mu.Unlock()

	c.teardown()
	for _, o := range observers {
		o.PileDisconnected(c.pileID, c.id, nil)
	}
}

// forgetLocked drops the connection from both indexes. Caller holds p.mu.
func (p *Pool) forgetLocked(c *connection) {
	delete(p.conns, c.id)
	ids := p.pileConns[c.pileID]
	for i, id := range ids {
		if id == c.id {
			p.pileConns[c.pileID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(p.pileConns[c.pileID]) == 0 {
		delete(p.pileConns, c.pileID)
	}
}

func (p *Pool) snapshotObservers() []Observer {
	out := make([]Observer, len(p.observers))
	copy(out, p.observers)
	return out
}

// pickLeastLoaded returns the connected connection with the smallest load
// for a pile, or nil when the pile has no usable connection.
func (p *Pool) pickLeastLoaded(pileID string) *connection {
	p.mu.Lock()
	ids := make([]string, len(p.pileConns[pileID]))
	copy(ids, p.pileConns[pileID])
	conns := make([]*connection, 0, len(ids))
	for _, id := range ids {
		if c, ok := p.conns[id]; ok {
			conns = append(conns, c)
		}
	}
	p.mu.Unlock()

	var best *connection
	bestLoad := math.MaxInt32
	for _, c := range conns {
		if c.currentState() != StateConnected {
			continue
		}
		if l := c.load(); l < bestLoad {
			best, bestLoad = c, l
		}
	}
	return best
}

// Send queues a payload on the pile's least-loaded connection. Returns
// false when the pile has no connected connection or the queue is full.
func (p *Pool) Send(pileID string, payload []byte, priority Priority) bool {
	return p.SendWithCallback(pileID, payload, priority, nil)
}

// SendWithCallback is Send with a delivery-outcome callback.
func (p *Pool) SendWithCallback(pileID string, payload []byte, priority Priority, cb SendCallback) bool {
	c := p.pickLeastLoaded(pileID)
	if c == nil {
		logrus.WithField("pileID", pileID).Warn("No connected connection for pile")
		return false
	}
	return c.enqueue(payload, priority, cb)
}

// Broadcast queues a payload on every one of a pile's connections and
// returns how many accepted it.
func (p *Pool) Broadcast(pileID string, payload []byte, priority Priority) int {
	p.mu.Lock()
	conns := make([]*connection, 0, len(p.pileConns[pileID]))
	for _, id := range p.pileConns[pileID] {
		if c, ok := p.conns[id]; ok {
			conns = append(conns, c)
		}
	}
	p.mu.Unlock()

	sent := 0
	for _, c := range conns {
		if c.enqueue(payload, priority, nil) {
			sent++
		}
	}
	return sent
}

// Receive blocks on the named connection's transport until a message
// arrives or the connection fails.
func (p *Pool) Receive(connectionID string) ([]byte, error) {
	p.mu.Lock()
	c, ok := p.conns[connectionID]
	p.mu.Unlock()
	if !ok {
		return nil, ErrConnectionNotFound
	}
	payload, err := c.receive()
	if err != nil {
		p.connectionDown(c, err)
		return nil, err
	}
	return payload, nil
}

// connectionDown handles a failed connection: transports that can redial
// are reconnected with exponential backoff, everything else is removed and
// observers are notified. Safe to call multiple times for one failure.
func (p *Pool) connectionDown(c *connection, cause error) {
	c.mu.Lock()
	if c.state != StateConnected {
		// Already reconnecting or tearing down.
		c.mu.Unlock()
		return
	}
	redialer, canRedial := c.transport.(Redialer)
	if canRedial && p.cfg.MaxReconnectAttempts > 0 {
		c.state = StateReconnecting
		c.mu.Unlock()
		go p.reconnect(c, redialer, cause)
		return
	}
	c.mu.Unlock()

	p.finalize(c, cause)
}

// reconnect runs the backoff loop for a redialable transport. Runs in its
// own goroutine.
func (p *Pool) reconnect(c *connection, r Redialer, cause error) {
	log := logrus.WithFields(logrus.Fields{
		"connectionID": c.id,
		"pileID":       c.pileID,
	})
	log.WithError(cause).Warn("Connection lost, reconnecting")

	for attempt := 1; attempt <= p.cfg.MaxReconnectAttempts; attempt++ {
		delay := ReconnectDelay(p.cfg, attempt)
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		t, err := r.Redial()
		if err != nil {
			if p.health != nil {
				p.health.RecordError(c.pileID, "connection", ocpperr.KindCommunication)
			}
			log.WithError(err).WithField("attempt", attempt).Warn("Reconnect attempt failed")
			continue
		}

		c.mu.Lock()
		old := c.transport
		c.transport = t
		c.state = StateConnected
		c.reconnectCount++
		c.lastActivity = time.Now()
		c.mu.Unlock()
		if old != nil {
			_ = old.Close()
		}
		c.signal()

		if p.health != nil {
			p.health.RecordSuccess(c.pileID, "connection", attempt)
		}
		log.WithField("attempt", attempt).Info("Connection re-established")
		return
	}

	log.Error("Reconnect attempts exhausted, removing connection")
	p.finalize(c, cause)
}

// ReconnectDelay computes the wait before the given reconnect attempt
// (1-based): initial * factor^(attempt-1), clamped to the maximum.
func ReconnectDelay(cfg Config, attempt int) time.Duration {
	d := float64(cfg.ReconnectInitialDelay) * math.Pow(cfg.ReconnectBackoffFactor, float64(attempt-1))
	if max := float64(cfg.ReconnectMaxDelay); d > max {
		d = max
	}
	return time.Duration(d)
}

// finalize removes a dead connection and notifies observers.
func (p *Pool) finalize(c *connection, cause error) {
	p.mu.Lock()
	if _, ok := p.conns[c.id]; !ok {
		p.mu.Unlock()
		c.teardown()
		return
	}
	p.forgetLocked(c)
	observers := p.snapshotObservers()
	p.mu.Unlock()

	c.teardown()
	if p.health != nil {
		p.health.RecordError(c.pileID, "connection", ocpperr.KindCommunication)
	}
	for _, o := range observers {
		o.PileDisconnected(c.pileID, c.id, cause)
	}
}

// IsPileConnected reports whether a pile has at least one connected
// connection.
func (p *Pool) IsPileConnected(pileID string) bool {
	return p.pickLeastLoaded(pileID) != nil
}

// ConnectionCount returns the number of registered connections.
func (p *Pool) ConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// PileIDs returns every pile with at least one registered connection.
func (p *Pool) PileIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.pileConns))
	for id := range p.pileConns {
		ids = append(ids, id)
	}
	return ids
}

// Metrics returns a snapshot of every connection.
func (p *Pool) Metrics() []ConnectionMetrics {
	p.mu.Lock()
	conns := make([]*connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	out := make([]ConnectionMetrics, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.snapshot())
	}
	return out
}

// PileMetrics returns snapshots for one pile's connections.
func (p *Pool) PileMetrics(pileID string) []ConnectionMetrics {
	p.mu.Lock()
	conns := make([]*connection, 0)
	for _, id := range p.pileConns[pileID] {
		if c, ok := p.conns[id]; ok {
			conns = append(conns, c)
		}
	}
	p.mu.Unlock()

	out := make([]ConnectionMetrics, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.snapshot())
	}
	return out
}

// Close tears down every connection. The pool accepts no new connections
// afterwards.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	conns := make([]*connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*connection)
	p.pileConns = make(map[string][]string)
	p.mu.Unlock()

	for _, c := range conns {
		c.teardown()
	}
}
