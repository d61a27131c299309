package ocpp

import (
	"encoding/json"
	"fmt"

	"github.com/evgrid/ocpp-gateway/internal/ocpperr"
)

// OCPP 1.6J message type identifiers.
const (
	CallMessage       = 2
	CallResultMessage = 3
	CallErrorMessage  = 4
)

// CALLERROR codes emitted by the engine.
const (
	ErrCodeFormatViolation = "FormatViolation"
	ErrCodeNotSupported    = "NotSupported"
	ErrCodeInternalError   = "InternalError"
	ErrCodeGenericError    = "GenericError"
)

// Frame is a decoded OCPP-J array frame. Only the fields for the frame's
// type are populated.
type Frame struct {
	Type             int
	MessageID        string
	Action           string          // CALL
	Payload          json.RawMessage // CALL, CALLRESULT
	ErrorCode        string          // CALLERROR
	ErrorDescription string          // CALLERROR
	ErrorDetails     json.RawMessage // CALLERROR
}

// ParseFrame decodes a raw OCPP-J frame [type, messageId, ...]. On a
// structural failure it returns a FormatViolation error together with
// whatever could be recovered (at minimum a best-effort message id, so the
// caller can still address a CALLERROR to the sender).
func ParseFrame(raw []byte) (*Frame, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return &Frame{}, ocpperr.New(ocpperr.KindFormatViolation, "", "frame is not a JSON array")
	}

	f := &Frame{}
	if len(elems) > 1 {
		// Recover the message id even from otherwise broken frames.
		_ = json.Unmarshal(elems[1], &f.MessageID)
	}

	if len(elems) < 3 {
		return f, ocpperr.New(ocpperr.KindFormatViolation, "", fmt.Sprintf("frame has %d elements, need at least 3", len(elems)))
	}

	if err := json.Unmarshal(elems[0], &f.Type); err != nil {
		return f, ocpperr.New(ocpperr.KindFormatViolation, "", "message type is not an integer")
	}

	var messageID string
	if err := json.Unmarshal(elems[1], &messageID); err != nil || messageID == "" {
		return f, ocpperr.New(ocpperr.KindFormatViolation, "", "message id must be a non-empty string")
	}
	f.MessageID = messageID

	switch f.Type {
	case CallMessage:
		if len(elems) != 4 {
			return f, ocpperr.New(ocpperr.KindFormatViolation, "", fmt.Sprintf("CALL frame has %d elements, need 4", len(elems)))
		}
		if err := json.Unmarshal(elems[2], &f.Action); err != nil || f.Action == "" {
			return f, ocpperr.New(ocpperr.KindFormatViolation, "", "action must be a non-empty string")
		}
		f.Payload = elems[3]

	case CallResultMessage:
		if len(elems) != 3 {
			return f, ocpperr.New(ocpperr.KindFormatViolation, "", fmt.Sprintf("CALLRESULT frame has %d elements, need 3", len(elems)))
		}
		f.Payload = elems[2]

	case CallErrorMessage:
		if len(elems) != 5 {
			return f, ocpperr.New(ocpperr.KindFormatViolation, "", fmt.Sprintf("CALLERROR frame has %d elements, need 5", len(elems)))
		}
		if err := json.Unmarshal(elems[2], &f.ErrorCode); err != nil {
			return f, ocpperr.New(ocpperr.KindFormatViolation, "", "error code must be a string")
		}
		if err := json.Unmarshal(elems[3], &f.ErrorDescription); err != nil {
			return f, ocpperr.New(ocpperr.KindFormatViolation, "", "error description must be a string")
		}
		f.ErrorDetails = elems[4]

	default:
		return f, ocpperr.New(ocpperr.KindFormatViolation, "", fmt.Sprintf("unknown message type %d", f.Type))
	}

	return f, nil
}

// NewCall encodes a CALL frame [2, messageId, action, payload].
func NewCall(messageID, action string, payload interface{}) []byte {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	raw, _ := json.Marshal([]interface{}{CallMessage, messageID, action, payload})
	return raw
}

// NewCallResult encodes a CALLRESULT frame [3, messageId, payload].
func NewCallResult(messageID string, payload interface{}) []byte {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	raw, _ := json.Marshal([]interface{}{CallResultMessage, messageID, payload})
	return raw
}

// NewCallError encodes a CALLERROR frame
// [4, messageId, errorCode, errorDescription, errorDetails].
func NewCallError(messageID, errorCode, errorDescription string) []byte {
	if messageID == "" {
		messageID = "unknown"
	}
	raw, _ := json.Marshal([]interface{}{CallErrorMessage, messageID, errorCode, errorDescription, map[string]interface{}{}})
	return raw
}
