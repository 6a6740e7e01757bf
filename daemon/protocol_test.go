package daemon

import (
	"encoding/json"
	"testing"

	"harness/harnesserr"
)

func TestNewResponseEncodesData(t *testing.T) {
	resp := NewResponse("req-1", map[string]string{"result": "started"})
	if resp.ID != "req-1" || resp.Type != FrameResponse {
		t.Fatalf("unexpected envelope: %+v", resp)
	}
	if resp.Error != nil {
		t.Fatalf("Error = %+v, want nil on success", resp.Error)
	}
	var data map[string]string
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("unmarshal Data: %v", err)
	}
	if data["result"] != "started" {
		t.Errorf("result = %q, want started", data["result"])
	}
}

func TestNewErrorResponseCarriesKind(t *testing.T) {
	err := harnesserr.New(harnesserr.UnknownService, "no such service %q", "db")
	resp := NewErrorResponse("req-2", err)
	if resp.Data != nil {
		t.Errorf("Data = %s, want nil on error", resp.Data)
	}
	if resp.Error == nil || resp.Error.Kind != string(harnesserr.UnknownService) {
		t.Fatalf("Error = %+v, want Kind UnknownService", resp.Error)
	}
}

func TestNewErrorResponseDefaultsUnknownErrorsToMalformed(t *testing.T) {
	resp := NewErrorResponse("req-3", errPlain("boom"))
	if resp.Error.Kind != string(harnesserr.Malformed) {
		t.Errorf("Kind = %q, want %q for an untyped error", resp.Error.Kind, harnesserr.Malformed)
	}
}

type errPlain string

func (e errPlain) Error() string { return string(e) }

func TestNewEventRoundTrips(t *testing.T) {
	evt, err := NewEvent("service_registered", map[string]string{"name": "db"})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if evt.Type != FrameEvent || evt.Event != "service_registered" {
		t.Fatalf("unexpected event envelope: %+v", evt)
	}
	var data map[string]string
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		t.Fatalf("unmarshal Data: %v", err)
	}
	if data["name"] != "db" {
		t.Errorf("name = %q, want db", data["name"])
	}
}
