// Package service assembles the gateway: connection pool, protocol engine,
// pile registry, session manager and retry coordinator, wired together and
// exposed as one facade for the transport and API layers.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/evgrid/ocpp-gateway/config"
	"github.com/evgrid/ocpp-gateway/internal/db"
	"github.com/evgrid/ocpp-gateway/internal/db/models"
	"github.com/evgrid/ocpp-gateway/internal/ocpp"
	"github.com/evgrid/ocpp-gateway/internal/pile"
	"github.com/evgrid/ocpp-gateway/internal/pool"
	"github.com/evgrid/ocpp-gateway/internal/retry"
	"github.com/evgrid/ocpp-gateway/internal/session"
)

// ErrPersistenceDisabled is returned by archive queries when the gateway
// runs without a database.
var ErrPersistenceDisabled = errors.New("persistence is disabled")

// Statistics is the fleet-wide summary served by the API.
type Statistics struct {
	Piles           pile.Statistics `json:"piles"`
	Connections     int             `json:"connections"`
	ActiveSessions  int             `json:"activeSessions"`
	TotalSessions   int             `json:"totalSessions"`
	TotalEnergyKwh  float64         `json:"totalEnergyKwh"`
	TotalOperations int             `json:"totalOperations"`
	OperationErrors int             `json:"operationErrors"`
	PendingRequests int             `json:"pendingRequests"`
}

// Gateway owns the core components for the lifetime of the process.
type Gateway struct {
	cfg      *config.Config
	pool     *pool.Pool
	registry *pile.Registry
	sessions *session.Manager
	retrier  *retry.Coordinator
	engine   *ocpp.Engine
	sender   *poolSender
	store    *db.PostgresStore

	cancel context.CancelFunc
}

// NewGateway constructs and wires the gateway. store may be nil when
// persistence is disabled.
func NewGateway(cfg *config.Config, store *db.PostgresStore, authorizer ocpp.Authorizer) *Gateway {
	retrier := retry.NewCoordinator(retry.DefaultPolicies())

	p := pool.New(pool.Config{
		MaxConnectionsPerPile:  cfg.MaxConnectionsPerPile,
		QueueSize:              cfg.QueueSize,
		BatchSize:              cfg.BatchSize,
		MaxSendRetries:         cfg.MaxSendRetries,
		HeartbeatInterval:      cfg.ConnHeartbeatInterval,
		IdleTimeout:            cfg.IdleTimeout,
		HealthCheckInterval:    cfg.HealthCheckInterval,
		MaxReconnectAttempts:   cfg.MaxReconnectAttempts,
		ReconnectInitialDelay:  cfg.ReconnectInitialDelay,
		ReconnectMaxDelay:      cfg.ReconnectMaxDelay,
		ReconnectBackoffFactor: cfg.ReconnectBackoffFactor,
	}, retrier.Health())

	registry := pile.NewRegistry(cfg.PileHeartbeatTimeout)
	sessions := session.NewManager(cfg.PricePerKwh)

	sender := &poolSender{pool: p}
	engine := ocpp.NewEngine(ocpp.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		PendingRequestTTL: cfg.PendingRequestTTL,
	}, sessions, registry, authorizer, sender, retrier, &logMonitor{})

	g := &Gateway{
		cfg:      cfg,
		pool:     p,
		registry: registry,
		sessions: sessions,
		retrier:  retrier,
		engine:   engine,
		sender:   sender,
		store:    store,
	}

	p.SetHeartbeatFrame(engine.HeartbeatFrame)
	p.Subscribe(&poolObserver{g: g})
	sessions.SetEndHook(g.archiveSession)
	return g
}

// Start launches the background supervision loops.
func (g *Gateway) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel

	go g.engine.Run(ctx)
	go g.registry.Run(ctx)

	logrus.Info("Gateway started")
}

// Stop cancels supervision and tears down every connection.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.pool.Close()
	logrus.Info("Gateway stopped")
}

// AttachPile registers a new transport for a pile and pumps its inbound
// frames through the protocol engine until the link drops. Blocks for the
// connection's lifetime; callers run it per accepted WebSocket.
func (g *Gateway) AttachPile(pileID string, t pool.Transport) error {
	connectionID := uuid.NewString()
	if err := g.pool.AddConnection(connectionID, pileID, t); err != nil {
		return err
	}

	for {
		payload, err := g.pool.Receive(connectionID)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"pileID":       pileID,
				"connectionID": connectionID,
			}).WithError(err).Info("Pile connection closed")
			return nil
		}

		g.logMessage(pileID, "inbound", payload)
		if resp := g.engine.HandleMessage(pileID, payload); resp != nil {
			g.logMessage(pileID, "outbound", resp)
			g.sender.SendResponse(pileID, resp)
		}
	}
}

// DetachPile drops every connection a pile currently holds.
func (g *Gateway) DetachPile(pileID string) {
	for _, m := range g.pool.PileMetrics(pileID) {
		g.pool.RemoveConnection(m.ConnectionID)
	}
}

// RemoteStart asks a pile to begin charging for an id tag.
func (g *Gateway) RemoteStart(ctx context.Context, pileID, idTag string, connectorID int) (json.RawMessage, error) {
	return g.engine.RemoteStart(ctx, pileID, idTag, connectorID)
}

// RemoteStop asks a pile to end a running transaction.
func (g *Gateway) RemoteStop(ctx context.Context, pileID string, transactionID int) (json.RawMessage, error) {
	return g.engine.RemoteStop(ctx, pileID, transactionID)
}

// Reset asks a pile to restart.
func (g *Gateway) Reset(ctx context.Context, pileID, resetType string) (json.RawMessage, error) {
	return g.engine.Reset(ctx, pileID, resetType)
}

// UnlockConnector asks a pile to release a connector's cable lock.
func (g *Gateway) UnlockConnector(ctx context.Context, pileID string, connectorID int) (json.RawMessage, error) {
	return g.engine.UnlockConnector(ctx, pileID, connectorID)
}

// Piles lists every known pile.
func (g *Gateway) Piles() []pile.Pile {
	return g.registry.Piles()
}

// Pile returns one pile's registry state.
func (g *Gateway) Pile(pileID string) (pile.Pile, bool) {
	return g.registry.Pile(pileID)
}

// PileHealth returns the pile's derived health classification.
func (g *Gateway) PileHealth(pileID string) retry.Health {
	return g.retrier.PileHealth(pileID)
}

// PileConnections returns connection metrics for one pile.
func (g *Gateway) PileConnections(pileID string) []pool.ConnectionMetrics {
	return g.pool.PileMetrics(pileID)
}

// Sessions lists charging sessions, newest first.
func (g *Gateway) Sessions(f session.Filter) []session.Session {
	return g.sessions.Sessions(f)
}

// Session returns one session by its ID.
func (g *Gateway) Session(sessionID string) (session.Session, bool) {
	return g.sessions.Session(sessionID)
}

// SessionStatus returns a session's live telemetry.
func (g *Gateway) SessionStatus(sessionID string) (session.LiveStatus, bool) {
	return g.sessions.Live(sessionID)
}

// SessionHistory returns a pile's archived sessions, newest first.
func (g *Gateway) SessionHistory(ctx context.Context, pileID string, limit int) ([]*models.SessionRecord, error) {
	if g.store == nil {
		return nil, ErrPersistenceDisabled
	}
	return g.store.GetSessions(ctx, pileID, limit)
}

// SessionSamples returns the archived meter readings of an ended session.
func (g *Gateway) SessionSamples(ctx context.Context, sessionID string) ([]*models.MeterSampleRecord, error) {
	if g.store == nil {
		return nil, ErrPersistenceDisabled
	}
	return g.store.GetSessionSamples(ctx, sessionID)
}

// PileMessages returns the logged raw OCPP traffic for a pile, newest first.
func (g *Gateway) PileMessages(ctx context.Context, pileID string, limit int) ([]*models.OCPPMessage, error) {
	if g.store == nil {
		return nil, ErrPersistenceDisabled
	}
	return g.store.GetMessages(ctx, pileID, limit)
}

// Statistics summarizes the fleet across all components.
func (g *Gateway) Statistics() Statistics {
	operations, errors := g.retrier.Health().Totals()
	return Statistics{
		Piles:           g.registry.Statistics(),
		Connections:     g.pool.ConnectionCount(),
		ActiveSessions:  g.sessions.ActiveCount(),
		TotalSessions:   g.sessions.TotalStarted(),
		TotalEnergyKwh:  g.sessions.TotalEnergyDelivered(),
		TotalOperations: operations,
		OperationErrors: errors,
		PendingRequests: g.engine.PendingCount(),
	}
}

// archiveSession persists an ended session. Persistence failures are
// logged, never propagated into the state machine.
func (g *Gateway) archiveSession(s session.Session) {
	if g.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.store.SaveSession(ctx, s); err != nil {
		logrus.WithError(err).WithField("sessionID", s.SessionID).Error("Failed to archive session")
	}
}

func (g *Gateway) logMessage(pileID, direction string, payload []byte) {
	if g.store == nil {
		return
	}
	g.store.LogMessage(pileID, direction, payload)
}

// poolSender adapts the connection pool to the engine's Sender interface.
// Engine-initiated CALLs ride at high priority so commands are not stuck
// behind bulk responses.
type poolSender struct {
	pool *pool.Pool
}

func (s *poolSender) SendCall(pileID string, payload []byte) bool {
	return s.pool.Send(pileID, payload, pool.PriorityHigh)
}

func (s *poolSender) SendResponse(pileID string, payload []byte) bool {
	return s.pool.Send(pileID, payload, pool.PriorityNormal)
}

// poolObserver keeps the pile registry in step with connectivity. A pile
// only goes offline when its last connection is gone.
type poolObserver struct {
	g *Gateway
}

func (o *poolObserver) PileConnected(pileID, connectionID string) {
	o.g.registry.Register(pileID)
}

func (o *poolObserver) PileDisconnected(pileID, connectionID string, err error) {
	if !o.g.pool.IsPileConnected(pileID) {
		o.g.registry.Unregister(pileID)
	}
}

// logMonitor is the default observational sink for command outcomes.
type logMonitor struct{}

func (logMonitor) Record(action string, success bool, responseTime time.Duration) {
	logrus.WithFields(logrus.Fields{
		"action":       action,
		"success":      success,
		"responseTime": responseTime,
	}).Debug("Command completed")
}
