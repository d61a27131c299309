package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/evgrid/ocpp-gateway/internal/ocpperr"
	"github.com/evgrid/ocpp-gateway/internal/service"
	"github.com/evgrid/ocpp-gateway/internal/session"
)

// Handler handles API requests
type Handler struct {
	gateway *service.Gateway
}

// NewHandler creates a new API handler
func NewHandler(gateway *service.Gateway) *Handler {
	return &Handler{
		gateway: gateway,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// GetPiles returns every known pile
func (h *Handler) GetPiles(w http.ResponseWriter, r *http.Request) {
	sendResponse(w, Response{
		Success: true,
		Data:    h.gateway.Piles(),
	})
}

// GetPile returns a specific pile
func (h *Handler) GetPile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		sendErrorResponse(w, "Pile ID is required", http.StatusBadRequest)
		return
	}

	p, ok := h.gateway.Pile(id)
	if !ok {
		sendErrorResponse(w, "Pile not found", http.StatusNotFound)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Data:    p,
	})
}

// GetPileHealth returns a pile's derived health classification
func (h *Handler) GetPileHealth(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		sendErrorResponse(w, "Pile ID is required", http.StatusBadRequest)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Data:    h.gateway.PileHealth(id),
	})
}

// GetPileConnections returns connection metrics for a pile
func (h *Handler) GetPileConnections(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		sendErrorResponse(w, "Pile ID is required", http.StatusBadRequest)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Data:    h.gateway.PileConnections(id),
	})
}

// Reset asks a pile to restart
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		sendErrorResponse(w, "Pile ID is required", http.StatusBadRequest)
		return
	}

	var req struct {
		Type string `json:"type"` // "Hard" or "Soft"
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Type != "Hard" && req.Type != "Soft" {
		sendErrorResponse(w, "Type must be 'Hard' or 'Soft'", http.StatusBadRequest)
		return
	}

	result, err := h.gateway.Reset(r.Context(), id, req.Type)
	if err != nil {
		logrus.WithError(err).WithField("id", id).Error("Failed to reset pile")
		sendCommandError(w, err, "Failed to reset pile")
		return
	}

	sendResponse(w, Response{
		Success: true,
		Message: "Reset command processed",
		Data:    result,
	})
}

// UnlockConnector asks a pile to release a connector's cable lock
func (h *Handler) UnlockConnector(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		sendErrorResponse(w, "Pile ID is required", http.StatusBadRequest)
		return
	}

	var req struct {
		ConnectorID int `json:"connectorId"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.ConnectorID <= 0 {
		sendErrorResponse(w, "ConnectorId must be positive", http.StatusBadRequest)
		return
	}

	result, err := h.gateway.UnlockConnector(r.Context(), id, req.ConnectorID)
	if err != nil {
		logrus.WithError(err).WithField("id", id).Error("Failed to unlock connector")
		sendCommandError(w, err, "Failed to unlock connector")
		return
	}

	sendResponse(w, Response{
		Success: true,
		Message: "Unlock command processed",
		Data:    result,
	})
}

// StartCharging asks a pile to begin a transaction
func (h *Handler) StartCharging(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		sendErrorResponse(w, "Pile ID is required", http.StatusBadRequest)
		return
	}

	var req struct {
		IdTag       string `json:"idTag"`
		ConnectorID int    `json:"connectorId"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.IdTag == "" {
		sendErrorResponse(w, "IdTag is required", http.StatusBadRequest)
		return
	}

	result, err := h.gateway.RemoteStart(r.Context(), id, req.IdTag, req.ConnectorID)
	if err != nil {
		logrus.WithError(err).WithField("id", id).Error("Failed to start charging")
		sendCommandError(w, err, "Failed to start charging")
		return
	}

	sendResponse(w, Response{
		Success: true,
		Message: "Remote start command processed",
		Data:    result,
	})
}

// StopCharging asks a pile to end a running transaction
func (h *Handler) StopCharging(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		sendErrorResponse(w, "Pile ID is required", http.StatusBadRequest)
		return
	}

	var req struct {
		TransactionID int `json:"transactionId"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.TransactionID <= 0 {
		sendErrorResponse(w, "TransactionId must be positive", http.StatusBadRequest)
		return
	}

	result, err := h.gateway.RemoteStop(r.Context(), id, req.TransactionID)
	if err != nil {
		logrus.WithError(err).WithField("id", id).Error("Failed to stop charging")
		sendCommandError(w, err, "Failed to stop charging")
		return
	}

	sendResponse(w, Response{
		Success: true,
		Message: "Remote stop command processed",
		Data:    result,
	})
}

// GetSessions lists charging sessions, filterable by pile and status
func (h *Handler) GetSessions(w http.ResponseWriter, r *http.Request) {
	f := session.Filter{
		PileID: r.URL.Query().Get("pileId"),
		UserID: r.URL.Query().Get("userId"),
		Status: session.Status(r.URL.Query().Get("status")),
		Limit:  20,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			sendErrorResponse(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			sendErrorResponse(w, "Invalid offset", http.StatusBadRequest)
			return
		}
		f.Offset = n
	}

	sendResponse(w, Response{
		Success: true,
		Data:    h.gateway.Sessions(f),
	})
}

// GetSession returns one charging session
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		sendErrorResponse(w, "Session ID is required", http.StatusBadRequest)
		return
	}

	s, ok := h.gateway.Session(id)
	if !ok {
		sendErrorResponse(w, "Session not found", http.StatusNotFound)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Data:    s,
	})
}

// GetSessionStatus returns a session's live telemetry
func (h *Handler) GetSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		sendErrorResponse(w, "Session ID is required", http.StatusBadRequest)
		return
	}

	live, ok := h.gateway.SessionStatus(id)
	if !ok {
		sendErrorResponse(w, "Session not found", http.StatusNotFound)
		return
	}

	sendResponse(w, Response{
		Success: true,
		Data:    live,
	})
}

// GetSessionHistory returns a pile's archived sessions from the database
func (h *Handler) GetSessionHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		sendErrorResponse(w, "Pile ID is required", http.StatusBadRequest)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			sendErrorResponse(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := h.gateway.SessionHistory(r.Context(), id, limit)
	if err != nil {
		sendArchiveError(w, err, "Failed to load session history")
		return
	}

	sendResponse(w, Response{
		Success: true,
		Data:    records,
	})
}

// GetSessionSamples returns the archived meter readings of an ended session
func (h *Handler) GetSessionSamples(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		sendErrorResponse(w, "Session ID is required", http.StatusBadRequest)
		return
	}

	records, err := h.gateway.SessionSamples(r.Context(), id)
	if err != nil {
		sendArchiveError(w, err, "Failed to load meter samples")
		return
	}

	sendResponse(w, Response{
		Success: true,
		Data:    records,
	})
}

// GetPileMessages returns the logged raw OCPP traffic for a pile
func (h *Handler) GetPileMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		sendErrorResponse(w, "Pile ID is required", http.StatusBadRequest)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			sendErrorResponse(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := h.gateway.PileMessages(r.Context(), id, limit)
	if err != nil {
		sendArchiveError(w, err, "Failed to load message log")
		return
	}

	sendResponse(w, Response{
		Success: true,
		Data:    records,
	})
}

// GetStatistics returns the fleet-wide summary
func (h *Handler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	sendResponse(w, Response{
		Success: true,
		Data:    h.gateway.Statistics(),
	})
}

// sendArchiveError distinguishes a gateway running without persistence from
// a database failure.
func sendArchiveError(w http.ResponseWriter, err error, message string) {
	if errors.Is(err, service.ErrPersistenceDisabled) {
		sendErrorResponse(w, "Persistence is disabled", http.StatusServiceUnavailable)
		return
	}
	logrus.WithError(err).Error(message)
	sendErrorResponse(w, message, http.StatusInternalServerError)
}

// sendCommandError maps a command failure to the right status code:
// validation failures are the caller's fault, unreachable piles are a
// gateway-level condition.
func sendCommandError(w http.ResponseWriter, err error, message string) {
	var oe *ocpperr.Error
	if errors.As(err, &oe) {
		switch oe.Kind {
		case ocpperr.KindValidation, ocpperr.KindFormatViolation:
			sendErrorResponse(w, err.Error(), http.StatusBadRequest)
			return
		case ocpperr.KindTimeout:
			sendErrorResponse(w, message, http.StatusGatewayTimeout)
			return
		case ocpperr.KindCommunication:
			sendErrorResponse(w, message, http.StatusServiceUnavailable)
			return
		}
	}
	sendErrorResponse(w, message, http.StatusInternalServerError)
}

func sendResponse(w http.ResponseWriter, response Response) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

func sendErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Success: false,
		Error:   message,
	})
}
