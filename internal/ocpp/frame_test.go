package ocpp

import (
	"encoding/json"
	"testing"

	"github.com/evgrid/ocpp-gateway/internal/ocpperr"
)

func TestParseCall(t *testing.T) {
	raw := []byte(`[2,"msg-1","BootNotification",{"chargePointVendor":"ACME","chargePointModel":"X1"}]`)
	f, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if f.Type != CallMessage {
		t.Errorf("type %d, want CALL", f.Type)
	}
	if f.MessageID != "msg-1" || f.Action != "BootNotification" {
		t.Errorf("got id %q action %q", f.MessageID, f.Action)
	}

	var payload map[string]string
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["chargePointVendor"] != "ACME" {
		t.Errorf("payload %v", payload)
	}
}

func TestParseCallResult(t *testing.T) {
	f, err := ParseFrame([]byte(`[3,"msg-2",{"status":"Accepted"}]`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if f.Type != CallResultMessage || f.MessageID != "msg-2" {
		t.Errorf("got %+v", f)
	}
}

func TestParseCallError(t *testing.T) {
	f, err := ParseFrame([]byte(`[4,"msg-3","InternalError","boom",{}]`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if f.ErrorCode != "InternalError" || f.ErrorDescription != "boom" {
		t.Errorf("got %+v", f)
	}
}

func TestParseStructuralFailures(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not an array", `{"hello":"world"}`},
		{"not json", `garbage`},
		{"too short", `[2,"msg-1"]`},
		{"non-integer type", `["two","msg-1","Heartbeat",{}]`},
		{"unknown type", `[9,"msg-1","Heartbeat",{}]`},
		{"empty message id", `[2,"","Heartbeat",{}]`},
		{"numeric message id", `[2,42,"Heartbeat",{}]`},
		{"call too long", `[2,"msg-1","Heartbeat",{},"extra"]`},
		{"call missing payload", `[2,"msg-1","Heartbeat"]`},
		{"empty action", `[2,"msg-1","",{}]`},
		{"callresult too long", `[3,"msg-1",{},{}]`},
		{"callerror too short", `[4,"msg-1","code","desc"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFrame([]byte(tt.raw))
			if err == nil {
				t.Fatal("expected error")
			}
			if kind := ocpperr.KindOf(err); kind != ocpperr.KindFormatViolation {
				t.Errorf("got kind %s, want FormatViolation", kind)
			}
		})
	}
}

func TestParseRecoversMessageID(t *testing.T) {
	f, err := ParseFrame([]byte(`[2,"msg-7","",{}]`))
	if err == nil {
		t.Fatal("expected error")
	}
	if f.MessageID != "msg-7" {
		t.Errorf("message id not recovered: %q", f.MessageID)
	}
}

func TestBuildersRoundTrip(t *testing.T) {
	call := NewCall("m1", "Heartbeat", nil)
	f, err := ParseFrame(call)
	if err != nil {
		t.Fatalf("parse built CALL: %v", err)
	}
	if f.Action != "Heartbeat" {
		t.Errorf("action %q", f.Action)
	}

	result := NewCallResult("m1", map[string]interface{}{"status": "Accepted"})
	if _, err := ParseFrame(result); err != nil {
		t.Fatalf("parse built CALLRESULT: %v", err)
	}

	ce := NewCallError("m1", ErrCodeInternalError, "boom")
	f, err = ParseFrame(ce)
	if err != nil {
		t.Fatalf("parse built CALLERROR: %v", err)
	}
	if f.ErrorCode != ErrCodeInternalError {
		t.Errorf("error code %q", f.ErrorCode)
	}
}

func TestCallErrorDefaultsMessageID(t *testing.T) {
	f, err := ParseFrame(NewCallError("", ErrCodeFormatViolation, "bad frame"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.MessageID != "unknown" {
		t.Errorf("message id %q, want unknown", f.MessageID)
	}
}
