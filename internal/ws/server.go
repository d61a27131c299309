// Package ws accepts pile WebSocket connections and bridges them into the
// connection pool as transports.
package ws

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/evgrid/ocpp-gateway/config"
	"github.com/evgrid/ocpp-gateway/internal/service"
)

// Server is the OCPP-J WebSocket endpoint piles dial into.
type Server struct {
	cfg      *config.Config
	gateway  *service.Gateway
	upgrader websocket.Upgrader
}

// NewServer creates the WebSocket endpoint for the given gateway.
func NewServer(cfg *config.Config, gateway *service.Gateway) *Server {
	return &Server{
		cfg:     cfg,
		gateway: gateway,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{"ocpp1.6"},
			// Piles dial from charging stations, not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler routes pile connections at <OCPPPath>/{pileID}.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Get(s.cfg.OCPPPath+"/{pileID}", s.handleConnection)
	return router
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	pileID := chi.URLParam(r, "pileID")
	if pileID == "" {
		http.Error(w, "pile id required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).WithField("pileID", pileID).Warn("WebSocket upgrade failed")
		return
	}

	logrus.WithFields(logrus.Fields{
		"pileID": pileID,
		"remote": conn.RemoteAddr().String(),
	}).Info("Pile connected")

	// Blocks for the connection's lifetime.
	if err := s.gateway.AttachPile(pileID, newTransport(conn)); err != nil {
		logrus.WithError(err).WithField("pileID", pileID).Error("Failed to attach pile")
		_ = conn.Close()
	}
}

// transport adapts one WebSocket connection to the pool's Transport
// interface. Writes are serialized; gorilla allows only one concurrent
// writer per connection.
type transport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newTransport(conn *websocket.Conn) *transport {
	return &transport{conn: conn}
}

func (t *transport) Send(payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *transport) Receive() ([]byte, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (t *transport) Close() error {
	return t.conn.Close()
}

// Addr returns the listen address for the WebSocket server.
func (s *Server) Addr() string {
	return fmt.Sprintf(":%d", s.cfg.ServerPort)
}
