package pool

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of a pooled connection.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	StateDisconnecting
	StateDisconnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	case StateDisconnecting:
		return "Disconnecting"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Error"
	}
}

// Transport is the boundary the pool drives: a single bidirectional link to
// one pile. Receive blocks until a message arrives or the link fails.
type Transport interface {
	Send(payload []byte) error
	Receive() ([]byte, error)
	Close() error
}

// Redialer is implemented by transports that can re-establish the link
// themselves (outbound dials). Server-accepted connections cannot redial and
// are removed on disconnect instead.
type Redialer interface {
	Redial() (Transport, error)
}

// ErrIdleTimeout marks a monitor-initiated disconnect.
var ErrIdleTimeout = errors.New("connection idle timeout")

// errDelivery marks a transport send failure observed by the delivery loop.
var errDelivery = errors.New("message delivery failed")

// responseTimeWindow bounds the rolling average of per-send latencies.
const responseTimeWindow = 100

// errorRateThreshold and errorRateMinSamples control the sustained-error
// flag: above 10% errors once at least 100 messages were exchanged.
const (
	errorRateThreshold  = 0.10
	errorRateMinSamples = 100
)

// ConnectionMetrics is a point-in-time snapshot of one connection.
type ConnectionMetrics struct {
	ConnectionID     string        `json:"connectionId"`
	PileID           string        `json:"pileId"`
	State            string        `json:"state"`
	ConnectedAt      time.Time     `json:"connectedAt"`
	LastActivity     time.Time     `json:"lastActivity"`
	MessagesSent     int           `json:"messagesSent"`
	MessagesReceived int           `json:"messagesReceived"`
	BytesSent        int64         `json:"bytesSent"`
	BytesReceived    int64         `json:"bytesReceived"`
	Errors           int           `json:"errors"`
	ReconnectCount   int           `json:"reconnectCount"`
	AvgResponseTime  time.Duration `json:"avgResponseTime"`
	QueueDepth       int           `json:"queueDepth"`
	Degraded         bool          `json:"degraded"`
}

// connection owns one transport plus its three background duties: the
// delivery loop, the heartbeat loop and the idle/health monitor. All mutable
// fields are guarded by mu; the duties share a context cancelled on
// teardown.
type connection struct {
	id     string
	pileID string
	pool   *Pool

	mu        sync.Mutex
	transport Transport
	state     State
	queue     messageQueue
	seq       uint64
	inFlight  int

	connectedAt      time.Time
	lastActivity     time.Time
	messagesSent     int
	messagesReceived int
	bytesSent        int64
	bytesReceived    int64
	errorCount       int
	reconnectCount   int
	responseTimes    []time.Duration
	degraded         bool

	wake chan struct{}
	done chan struct{}
}

func newConnection(id, pileID string, t Transport, p *Pool) *connection {
	now := time.Now()
	c := &connection{
		id:           id,
		pileID:       pileID,
		pool:         p,
		transport:    t,
		state:        StateConnected,
		connectedAt:  now,
		lastActivity: now,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	return c
}

func (c *connection) start() {
	go c.deliveryLoop()
	go c.heartbeatLoop()
	go c.monitorLoop()
}

// enqueue adds a message to the priority queue. It fails explicitly when the
// connection is going away or the queue is full.
func (c *connection) enqueue(payload []byte, priority Priority, cb SendCallback) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDisconnecting || c.state == StateDisconnected || c.state == StateError {
		return false
	}
	if len(c.queue) >= c.pool.cfg.QueueSize {
		logrus.WithField("connectionID", c.id).Error("Outbound queue full, rejecting message")
		return false
	}

	c.seq++
	heap.Push(&c.queue, &queuedMessage{
		payload:  payload,
		priority: priority,
		enqueued: time.Now(),
		seq:      c.seq,
		callback: cb,
	})
	c.signal()
	return true
}

func (c *connection) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// load is the in-flight count used for least-loaded selection: queued plus
// currently-sending messages.
func (c *connection) load() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) + c.inFlight
}

func (c *connection) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// deliveryLoop drains the priority queue in bounded batches for the
// connection's lifetime.
func (c *connection) deliveryLoop() {
	for {
		select {
		case <-c.done:
			c.failPending()
			return
		case <-c.wake:
		}

		for {
			batch := c.takeBatch()
			if len(batch) == 0 {
				break
			}
			for _, msg := range batch {
				c.deliver(msg)
			}
		}
	}
}

func (c *connection) takeBatch() []*queuedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected || len(c.queue) == 0 {
		return nil
	}

	n := c.pool.cfg.BatchSize
	if n > len(c.queue) {
		n = len(c.queue)
	}
	batch := make([]*queuedMessage, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, heap.Pop(&c.queue).(*queuedMessage))
	}
	c.inFlight += len(batch)
	return batch
}

func (c *connection) deliver(msg *queuedMessage) {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()

	start := time.Now()
	err := t.Send(msg.payload)
	elapsed := time.Since(start)

	c.mu.Lock()
	c.inFlight--
	if err == nil {
		c.messagesSent++
		c.bytesSent += int64(len(msg.payload))
		c.lastActivity = time.Now()
		c.recordResponseTime(elapsed)
		c.mu.Unlock()

		if msg.callback != nil {
			msg.callback(true, nil)
		}
		return
	}

	c.errorCount++
	requeue := msg.retries < c.pool.cfg.MaxSendRetries
	if requeue {
		msg.retries++
		heap.Push(&c.queue, msg)
		c.signal()
	}
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"connectionID": c.id,
		"pileID":       c.pileID,
		"retries":      msg.retries,
	}).WithError(err).Warn("Message delivery failed")

	if !requeue && msg.callback != nil {
		msg.callback(false, err)
	}
	c.pool.connectionDown(c, errDelivery)
}

// recordResponseTime updates the rolling latency window. Caller holds the
// lock.
func (c *connection) recordResponseTime(d time.Duration) {
	c.responseTimes = append(c.responseTimes, d)
	if len(c.responseTimes) > responseTimeWindow {
		c.responseTimes = c.responseTimes[1:]
	}
}

// failPending invokes the failure callback of everything still queued when
// the connection tears down.
func (c *connection) failPending() {
	c.mu.Lock()
	pending := make([]*queuedMessage, len(c.queue))
	copy(pending, c.queue)
	c.queue = c.queue[:0]
	c.mu.Unlock()

	for _, msg := range pending {
		if msg.callback != nil {
			msg.callback(false, errors.New("connection closed"))
		}
	}
}

// heartbeatLoop enqueues a high-priority heartbeat frame at the configured
// interval.
func (c *connection) heartbeatLoop() {
	interval := c.pool.cfg.HeartbeatInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if c.pool.heartbeatFrame == nil {
				continue
			}
			if c.currentState() == StateConnected {
				c.enqueue(c.pool.heartbeatFrame(c.pileID), PriorityHigh, nil)
			}
		}
	}
}

// monitorLoop disconnects on idle timeout and flags (without disconnecting)
// a sustained error rate.
func (c *connection) monitorLoop() {
	interval := c.pool.cfg.HealthCheckInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		idle := time.Since(c.lastActivity)
		total := c.messagesSent + c.messagesReceived
		errorRate := 0.0
		if total > 0 {
			errorRate = float64(c.errorCount) / float64(total)
		}
		flag := total >= errorRateMinSamples && errorRate > errorRateThreshold && !c.degraded
		if flag {
			c.degraded = true
		}
		c.mu.Unlock()

		if flag {
			logrus.WithFields(logrus.Fields{
				"connectionID": c.id,
				"pileID":       c.pileID,
				"errorRate":    errorRate,
			}).Warn("Connection error rate above threshold")
		}

		if idle > c.pool.cfg.IdleTimeout {
			logrus.WithFields(logrus.Fields{
				"connectionID": c.id,
				"pileID":       c.pileID,
				"idle":         idle,
			}).Warn("Connection idle timeout")
			c.pool.connectionDown(c, ErrIdleTimeout)
			return
		}
	}
}

// receive blocks on the transport and updates inbound metrics.
func (c *connection) receive() ([]byte, error) {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()

	payload, err := t.Receive()
	if err != nil {
		c.mu.Lock()
		c.errorCount++
		c.mu.Unlock()
		return nil, err
	}

	c.mu.Lock()
	c.messagesReceived++
	c.bytesReceived += int64(len(payload))
	c.lastActivity = time.Now()
	c.mu.Unlock()
	return payload, nil
}

// teardown cancels the three duties and closes the transport. Idempotent.
func (c *connection) teardown() {
	c.mu.Lock()
	if c.state == StateDisconnecting || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnecting
	t := c.transport
	c.mu.Unlock()

	close(c.done)
	if t != nil {
		_ = t.Close()
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
}

func (c *connection) snapshot() ConnectionMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	var avg time.Duration
	if len(c.responseTimes) > 0 {
		var sum time.Duration
		for _, d := range c.responseTimes {
			sum += d
		}
		avg = sum / time.Duration(len(c.responseTimes))
	}

	return ConnectionMetrics{
		ConnectionID:     c.id,
		PileID:           c.pileID,
		State:            c.state.String(),
		ConnectedAt:      c.connectedAt,
		LastActivity:     c.lastActivity,
		MessagesSent:     c.messagesSent,
		MessagesReceived: c.messagesReceived,
		BytesSent:        c.bytesSent,
		BytesReceived:    c.bytesReceived,
		Errors:           c.errorCount,
		ReconnectCount:   c.reconnectCount,
		AvgResponseTime:  avg,
		QueueDepth:       len(c.queue),
		Degraded:         c.degraded,
	}
}
