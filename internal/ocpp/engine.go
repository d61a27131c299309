// Package ocpp implements the OCPP 1.6J protocol engine: frame codec,
// payload validation and the per-message dispatcher connecting piles to the
// session and registry state.
package ocpp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/evgrid/ocpp-gateway/internal/ocpperr"
	"github.com/evgrid/ocpp-gateway/internal/pile"
	"github.com/evgrid/ocpp-gateway/internal/retry"
	"github.com/evgrid/ocpp-gateway/internal/session"
)

// Pile-initiated actions the engine dispatches.
const (
	ActionBootNotification   = "BootNotification"
	ActionStatusNotification = "StatusNotification"
	ActionStartTransaction   = "StartTransaction"
	ActionStopTransaction    = "StopTransaction"
	ActionHeartbeat          = "Heartbeat"
	ActionMeterValues        = "MeterValues"
	ActionAuthorize          = "Authorize"
)

// Engine-initiated actions issued toward piles.
const (
	ActionRemoteStartTransaction = "RemoteStartTransaction"
	ActionRemoteStopTransaction  = "RemoteStopTransaction"
	ActionReset                  = "Reset"
	ActionUnlockConnector        = "UnlockConnector"
)

// Authorizer decides whether an id tag may charge.
type Authorizer interface {
	Authorize(idTag string) bool
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(idTag string) bool

func (f AuthorizerFunc) Authorize(idTag string) bool { return f(idTag) }

// Sender delivers encoded frames toward a pile. SendCall carries
// engine-initiated CALLs at elevated priority; SendResponse carries
// CALLRESULT/CALLERROR replies. Both report false when the pile has no
// usable connection.
type Sender interface {
	SendCall(pileID string, payload []byte) bool
	SendResponse(pileID string, payload []byte) bool
}

// Monitor receives one observation per completed engine-initiated
// operation. Purely observational.
type Monitor interface {
	Record(action string, success bool, responseTime time.Duration)
}

// pendingRequest correlates an outbound CALL to the reply it awaits.
type pendingRequest struct {
	action  string
	pileID  string
	created time.Time
	done    chan pendingResult
}

type pendingResult struct {
	payload json.RawMessage
	err     error
}

// Config holds the engine tunables.
type Config struct {
	// HeartbeatInterval is the interval, in seconds, that BootNotification
	// responses instruct piles to heartbeat at.
	HeartbeatInterval int
	// PendingRequestTTL bounds how long an unanswered CALL is tracked.
	PendingRequestTTL time.Duration
}

// Engine parses, validates and dispatches OCPP frames for all piles. It is
// stateless per message; the only engine-owned mutable state is the pending
// request table and the transaction counter.
type Engine struct {
	cfg        Config
	sessions   *session.Manager
	registry   *pile.Registry
	authorizer Authorizer
	sender     Sender
	retrier    *retry.Coordinator
	monitor    Monitor

	mu      sync.Mutex
	pending map[string]*pendingRequest

	txCounter int64
	now       func() time.Time
}

// NewEngine wires the engine to its collaborators. monitor may be nil.
func NewEngine(cfg Config, sessions *session.Manager, registry *pile.Registry, authorizer Authorizer, sender Sender, retrier *retry.Coordinator, monitor Monitor) *Engine {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 300
	}
	if cfg.PendingRequestTTL <= 0 {
		cfg.PendingRequestTTL = 60 * time.Second
	}
	return &Engine{
		cfg:        cfg,
		sessions:   sessions,
		registry:   registry,
		authorizer: authorizer,
		sender:     sender,
		retrier:    retrier,
		monitor:    monitor,
		pending:    make(map[string]*pendingRequest),
		now:        time.Now,
	}
}

// Run evicts stale pending requests until the context is cancelled.
// Unanswered CALLs past the TTL resolve as timeouts so callers never wait
// on a reply that will not come and the table cannot grow without bound.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PendingRequestTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.evictStale()
		}
	}
}

func (e *Engine) evictStale() {
	cutoff := e.now().Add(-e.cfg.PendingRequestTTL)

	e.mu.Lock()
	var stale []*pendingRequest
	var ids []string
	for id, p := range e.pending {
		if p.created.Before(cutoff) {
			stale = append(stale, p)
			ids = append(ids, id)
			delete(e.pending, id)
		}
	}
	e.mu.Unlock()

	for i, p := range stale {
		logrus.WithFields(logrus.Fields{
			"messageID": ids[i],
			"action":    p.action,
			"pileID":    p.pileID,
		}).Warn("Pending request expired without response")
		if e.retrier != nil && p.pileID != "" {
			e.retrier.Health().RecordError(p.pileID, p.action, ocpperr.KindTimeout)
		}
		p.done <- pendingResult{err: ocpperr.New(ocpperr.KindTimeout, p.action, "no response before request TTL")}
	}
}

// HandleMessage processes one raw inbound frame from a pile and returns the
// encoded response, or nil when the frame warrants none (CALLRESULT and
// CALLERROR are correlation-only). Handler failures never propagate; they
// become CALLERROR responses.
func (e *Engine) HandleMessage(pileID string, raw []byte) []byte {
	frame, err := ParseFrame(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"pileID": pileID,
		}).WithError(err).Warn("Malformed frame")
		if frame.Type == CallResultMessage || frame.Type == CallErrorMessage {
			return nil
		}
		return NewCallError(frame.MessageID, ErrCodeFormatViolation, err.Error())
	}

	switch frame.Type {
	case CallMessage:
		return e.handleCall(pileID, frame)
	case CallResultMessage:
		e.resolvePending(pileID, frame.MessageID, frame.Payload, nil)
		return nil
	case CallErrorMessage:
		e.resolvePending(pileID, frame.MessageID, nil, callErrorToErr(frame))
		return nil
	}
	return nil
}

func (e *Engine) handleCall(pileID string, frame *Frame) []byte {
	var payload map[string]interface{}
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload == nil {
		return NewCallError(frame.MessageID, ErrCodeFormatViolation, "payload must be a JSON object")
	}

	if err := validatePayload(frame.Action, payload); err != nil {
		code := ErrCodeFormatViolation
		if ocpperr.KindOf(err) == ocpperr.KindNotSupported {
			code = ErrCodeNotSupported
		}
		logrus.WithFields(logrus.Fields{
			"pileID": pileID,
			"action": frame.Action,
		}).WithError(err).Warn("Rejected inbound CALL")
		return NewCallError(frame.MessageID, code, err.Error())
	}

	result, err := e.dispatch(pileID, frame.Action, payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"pileID": pileID,
			"action": frame.Action,
		}).WithError(err).Error("Handler failed")
		return NewCallError(frame.MessageID, ErrCodeInternalError, err.Error())
	}
	return NewCallResult(frame.MessageID, result)
}

// dispatch routes a validated CALL to its handler. The action set is
// closed; validatePayload already rejected anything outside it. Panics are
// contained and surface as an internal error.
func (e *Engine) dispatch(pileID, action string, payload map[string]interface{}) (result map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ocpperr.New(ocpperr.KindInternal, action, fmt.Sprintf("handler panic: %v", r))
		}
	}()

	switch action {
	case ActionBootNotification:
		return e.handleBootNotification(pileID, payload)
	case ActionStatusNotification:
		return e.handleStatusNotification(pileID, payload)
	case ActionStartTransaction:
		return e.handleStartTransaction(pileID, payload)
	case ActionStopTransaction:
		return e.handleStopTransaction(pileID, payload)
	case ActionHeartbeat:
		return e.handleHeartbeat(pileID)
	case ActionMeterValues:
		return e.handleMeterValues(pileID, payload)
	case ActionAuthorize:
		return e.handleAuthorize(payload)
	}
	return nil, ocpperr.New(ocpperr.KindNotSupported, action, fmt.Sprintf("action %s not supported", action))
}

func (e *Engine) handleBootNotification(pileID string, payload map[string]interface{}) (map[string]interface{}, error) {
	info := pile.Info{
		Vendor:          stringField(payload, "chargePointVendor"),
		Model:           stringField(payload, "chargePointModel"),
		SerialNumber:    stringField(payload, "chargePointSerialNumber"),
		FirmwareVersion: stringField(payload, "firmwareVersion"),
		BootTime:        e.now(),
	}
	e.registry.UpdateInfo(pileID, info)
	e.registry.Register(pileID)

	logrus.WithFields(logrus.Fields{
		"pileID": pileID,
		"vendor": info.Vendor,
		"model":  info.Model,
	}).Info("Pile booted")

	return map[string]interface{}{
		"status":      "Accepted",
		"currentTime": e.now().UTC().Format(time.RFC3339),
		"interval":    e.cfg.HeartbeatInterval,
	}, nil
}

func (e *Engine) handleStatusNotification(pileID string, payload map[string]interface{}) (map[string]interface{}, error) {
	id, err := connectorID(payload["connectorId"])
	if err != nil {
		return nil, err
	}
	e.registry.UpdateConnectorStatus(pileID, pile.Connector{
		ConnectorID:     id,
		Status:          pile.Status(stringField(payload, "status")),
		ErrorCode:       stringField(payload, "errorCode"),
		Info:            stringField(payload, "info"),
		VendorID:        stringField(payload, "vendorId"),
		VendorErrorCode: stringField(payload, "vendorErrorCode"),
	})
	return map[string]interface{}{}, nil
}

func (e *Engine) handleStartTransaction(pileID string, payload map[string]interface{}) (map[string]interface{}, error) {
	idTag := stringField(payload, "idTag")
	if e.authorizer == nil || !e.authorizer.Authorize(idTag) {
		logrus.WithFields(logrus.Fields{
			"pileID": pileID,
			"idTag":  idTag,
		}).Warn("StartTransaction rejected, id tag not authorized")
		return map[string]interface{}{
			"idTagInfo": map[string]interface{}{"status": "Invalid"},
		}, nil
	}

	connector, err := connectorID(payload["connectorId"])
	if err != nil {
		return nil, err
	}
	meterStart := numberField(payload, "meterStart")
	startTime, _ := parseTimestamp(stringField(payload, "timestamp"))

	txID := int(atomic.AddInt64(&e.txCounter, 1))
	_, err = e.sessions.CreateSession(pileID, connector, idTag, txID, meterStart, startTime, session.StatusCharging)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"idTagInfo":     map[string]interface{}{"status": "Accepted"},
		"transactionId": txID,
	}, nil
}

func (e *Engine) handleStopTransaction(pileID string, payload map[string]interface{}) (map[string]interface{}, error) {
	txID := int(numberField(payload, "transactionId"))
	meterStop := numberField(payload, "meterStop")
	endTime, _ := parseTimestamp(stringField(payload, "timestamp"))
	reason := stringField(payload, "reason")
	if reason == "" {
		reason = "Local"
	}

	_, err := e.sessions.EndSessionByTransaction(txID, meterStop, endTime, reason)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"pileID":        pileID,
			"transactionID": txID,
		}).WithError(err).Warn("StopTransaction for unknown transaction")
		return map[string]interface{}{
			"idTagInfo": map[string]interface{}{"status": "Invalid"},
		}, nil
	}

	return map[string]interface{}{
		"idTagInfo": map[string]interface{}{"status": "Accepted"},
	}, nil
}

func (e *Engine) handleHeartbeat(pileID string) (map[string]interface{}, error) {
	e.registry.UpdateHeartbeat(pileID)
	return map[string]interface{}{
		"currentTime": e.now().UTC().Format(time.RFC3339),
	}, nil
}

func (e *Engine) handleMeterValues(pileID string, payload map[string]interface{}) (map[string]interface{}, error) {
	txID := int(numberField(payload, "transactionId"))
	samples := parseMeterSamples(payload["meterValue"])

	if txID == 0 {
		logrus.WithField("pileID", pileID).Debug("MeterValues without transaction, ignored")
		return map[string]interface{}{}, nil
	}
	if err := e.sessions.AppendMeterValues(txID, samples); err != nil {
		logrus.WithFields(logrus.Fields{
			"pileID":        pileID,
			"transactionID": txID,
		}).WithError(err).Warn("MeterValues for unknown transaction")
	}
	return map[string]interface{}{}, nil
}

func (e *Engine) handleAuthorize(payload map[string]interface{}) (map[string]interface{}, error) {
	status := "Invalid"
	if e.authorizer != nil && e.authorizer.Authorize(stringField(payload, "idTag")) {
		status = "Accepted"
	}
	return map[string]interface{}{
		"idTagInfo": map[string]interface{}{"status": status},
	}, nil
}

// parseMeterSamples converts the raw meterValue array into typed samples.
// Entries that do not fit the shape are skipped rather than failing the
// whole batch.
func parseMeterSamples(v interface{}) []session.MeterSample {
	entries, ok := v.([]interface{})
	if !ok {
		return nil
	}

	samples := make([]session.MeterSample, 0, len(entries))
	for _, entry := range entries {
		obj, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		sample := session.MeterSample{}
		if ts, err := parseTimestamp(stringField(obj, "timestamp")); err == nil {
			sample.Timestamp = ts
		}
		values, _ := obj["sampledValue"].([]interface{})
		for _, sv := range values {
			svObj, ok := sv.(map[string]interface{})
			if !ok {
				continue
			}
			sample.SampledValues = append(sample.SampledValues, session.SampledValue{
				Value:     stringField(svObj, "value"),
				Measurand: stringField(svObj, "measurand"),
				Unit:      stringField(svObj, "unit"),
				Context:   stringField(svObj, "context"),
				Location:  stringField(svObj, "location"),
				Phase:     stringField(svObj, "phase"),
			})
		}
		samples = append(samples, sample)
	}
	return samples
}

// HeartbeatFrame builds a correlated Heartbeat CALL for the connection
// pool's per-connection heartbeat duty. The reply resolves through the
// pending table like any other engine-initiated CALL; expiry counts as a
// timeout against the pile's health.
func (e *Engine) HeartbeatFrame(pileID string) []byte {
	messageID := uuid.NewString()
	e.register(messageID, ActionHeartbeat, pileID)
	return NewCall(messageID, ActionHeartbeat, nil)
}

// RemoteStart asks a pile to begin a transaction for an id tag.
func (e *Engine) RemoteStart(ctx context.Context, pileID, idTag string, connectorID int) (json.RawMessage, error) {
	if idTag == "" {
		return nil, ocpperr.New(ocpperr.KindValidation, ActionRemoteStartTransaction, "idTag must not be empty")
	}
	payload := map[string]interface{}{"idTag": idTag}
	if connectorID > 0 {
		payload["connectorId"] = connectorID
	}
	return e.command(ctx, pileID, ActionRemoteStartTransaction, payload)
}

// RemoteStop asks a pile to end a running transaction.
func (e *Engine) RemoteStop(ctx context.Context, pileID string, transactionID int) (json.RawMessage, error) {
	if transactionID <= 0 {
		return nil, ocpperr.New(ocpperr.KindValidation, ActionRemoteStopTransaction, "transactionId must be positive")
	}
	return e.command(ctx, pileID, ActionRemoteStopTransaction, map[string]interface{}{
		"transactionId": transactionID,
	})
}

// Reset asks a pile to restart. resetType must be Hard or Soft.
func (e *Engine) Reset(ctx context.Context, pileID, resetType string) (json.RawMessage, error) {
	if resetType != "Hard" && resetType != "Soft" {
		return nil, ocpperr.New(ocpperr.KindValidation, ActionReset, fmt.Sprintf("reset type %q must be Hard or Soft", resetType))
	}
	return e.command(ctx, pileID, ActionReset, map[string]interface{}{"type": resetType})
}

// UnlockConnector asks a pile to release a connector's cable lock.
func (e *Engine) UnlockConnector(ctx context.Context, pileID string, connectorID int) (json.RawMessage, error) {
	if connectorID <= 0 {
		return nil, ocpperr.New(ocpperr.KindValidation, ActionUnlockConnector, "connectorId must be positive")
	}
	return e.command(ctx, pileID, ActionUnlockConnector, map[string]interface{}{
		"connectorId": connectorID,
	})
}

// command runs one engine-initiated CALL under the action's retry policy
// and reports the outcome to the monitor.
func (e *Engine) command(ctx context.Context, pileID, action string, payload map[string]interface{}) (json.RawMessage, error) {
	start := e.now()
	result, err := e.retrier.ExecuteWithRetry(ctx, action, pileID, func(attemptCtx context.Context) (interface{}, error) {
		return e.sendCall(attemptCtx, pileID, action, payload)
	})
	if e.monitor != nil {
		e.monitor.Record(action, err == nil, e.now().Sub(start))
	}
	if err != nil {
		return nil, err
	}
	return result.(json.RawMessage), nil
}

// sendCall performs a single CALL attempt: register the pending entry, hand
// the frame to the sender, then wait for the correlated reply or the
// attempt deadline.
func (e *Engine) sendCall(ctx context.Context, pileID, action string, payload map[string]interface{}) (json.RawMessage, error) {
	messageID := uuid.NewString()
	p := e.register(messageID, action, pileID)

	if !e.sender.SendCall(pileID, NewCall(messageID, action, payload)) {
		e.unregister(messageID)
		return nil, ocpperr.New(ocpperr.KindCommunication, action, fmt.Sprintf("pile %s has no usable connection", pileID))
	}

	select {
	case <-ctx.Done():
		e.unregister(messageID)
		return nil, ocpperr.Wrap(ocpperr.KindTimeout, action, ctx.Err())
	case res := <-p.done:
		if res.err != nil {
			return nil, res.err
		}
		return res.payload, nil
	}
}

func (e *Engine) register(messageID, action, pileID string) *pendingRequest {
	p := &pendingRequest{
		action:  action,
		pileID:  pileID,
		created: e.now(),
		done:    make(chan pendingResult, 1),
	}
	e.mu.Lock()
	e.pending[messageID] = p
	e.mu.Unlock()
	return p
}

func (e *Engine) unregister(messageID string) {
	e.mu.Lock()
	delete(e.pending, messageID)
	e.mu.Unlock()
}

// resolvePending completes the CALL awaiting this message id. Unmatched
// replies are logged and dropped.
func (e *Engine) resolvePending(pileID, messageID string, payload json.RawMessage, err error) {
	e.mu.Lock()
	p, ok := e.pending[messageID]
	if ok {
		delete(e.pending, messageID)
	}
	e.mu.Unlock()

	if !ok {
		logrus.WithFields(logrus.Fields{
			"pileID":    pileID,
			"messageID": messageID,
		}).Warn("Reply for unknown message id dropped")
		return
	}
	p.done <- pendingResult{payload: payload, err: err}
}

// PendingCount returns how many outbound CALLs await replies.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// callErrorToErr maps a received CALLERROR to the retry taxonomy. Codes
// that mean the pile will never accept the call are terminal.
func callErrorToErr(frame *Frame) error {
	kind := ocpperr.KindProtocol
	switch frame.ErrorCode {
	case ErrCodeNotSupported, "NotImplemented":
		kind = ocpperr.KindNotSupported
	case ErrCodeFormatViolation, "ProtocolError", "TypeConstraintViolation", "PropertyConstraintViolation", "OccurrenceConstraintViolation":
		kind = ocpperr.KindValidation
	}
	return ocpperr.New(kind, "", fmt.Sprintf("pile returned %s: %s", frame.ErrorCode, frame.ErrorDescription))
}

func stringField(payload map[string]interface{}, key string) string {
	s, _ := payload[key].(string)
	return s
}

func numberField(payload map[string]interface{}, key string) float64 {
	f, _ := payload[key].(float64)
	return f
}
