package ocpp

import (
	"fmt"
	"math"
	"time"

	"github.com/evgrid/ocpp-gateway/internal/ocpperr"
)

// requiredFields lists the payload fields each inbound action must carry.
// Validation runs before handler dispatch; a missing field is a
// FormatViolation, not an engine fault.
var requiredFields = map[string][]string{
	ActionBootNotification:   {"chargePointVendor", "chargePointModel"},
	ActionStatusNotification: {"connectorId", "status", "errorCode"},
	ActionStartTransaction:   {"connectorId", "idTag", "meterStart", "timestamp"},
	ActionStopTransaction:    {"transactionId", "meterStop", "timestamp"},
	ActionHeartbeat:          {},
	ActionMeterValues:        {"connectorId", "meterValue"},
	ActionAuthorize:          {"idTag"},
}

func validatePayload(action string, payload map[string]interface{}) error {
	required, ok := requiredFields[action]
	if !ok {
		return ocpperr.New(ocpperr.KindNotSupported, action, fmt.Sprintf("action %s not supported", action))
	}

	for _, field := range required {
		if _, present := payload[field]; !present {
			return ocpperr.New(ocpperr.KindFormatViolation, action, fmt.Sprintf("missing required field %q", field))
		}
	}

	if v, present := payload["connectorId"]; present {
		if _, err := connectorID(v); err != nil {
			return err
		}
	}

	if v, present := payload["timestamp"]; present {
		s, ok := v.(string)
		if !ok {
			return ocpperr.New(ocpperr.KindFormatViolation, action, "timestamp must be a string")
		}
		if _, err := parseTimestamp(s); err != nil {
			return ocpperr.New(ocpperr.KindFormatViolation, action, fmt.Sprintf("invalid timestamp %q", s))
		}
	}

	return nil
}

// connectorID validates a connectorId payload value: a non-negative integer.
// JSON numbers decode as float64, so the value must also be integral.
func connectorID(v interface{}) (int, error) {
	f, ok := v.(float64)
	if !ok || f < 0 || f != math.Trunc(f) {
		return 0, ocpperr.New(ocpperr.KindFormatViolation, "", fmt.Sprintf("connectorId %v must be a non-negative integer", v))
	}
	return int(f), nil
}

// parseTimestamp accepts an ISO-8601 instant with either a "Z" or a numeric
// offset suffix, with or without fractional seconds.
func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
