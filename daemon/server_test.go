package daemon

import (
	"errors"
	"net"
	"testing"

	"github.com/gorilla/websocket"
)

func TestConfigFromEnvAppliesDefaults(t *testing.T) {
	t.Setenv("HARNESS_ENDPOINT", "")
	t.Setenv("HARNESS_DATA_DIR", "")
	t.Setenv("HARNESS_LOG_LEVEL", "")

	cfg := ConfigFromEnv()
	if cfg.Endpoint != "127.0.0.1:4777" {
		t.Errorf("Endpoint = %q, want 127.0.0.1:4777", cfg.Endpoint)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.DataDir == "" {
		t.Error("DataDir should default to something non-empty")
	}
}

func TestConfigFromEnvHonorsOverrides(t *testing.T) {
	t.Setenv("HARNESS_ENDPOINT", "0.0.0.0:9999")
	t.Setenv("HARNESS_DATA_DIR", "/var/lib/harness")
	t.Setenv("HARNESS_LOG_LEVEL", "debug")

	cfg := ConfigFromEnv()
	if cfg.Endpoint != "0.0.0.0:9999" {
		t.Errorf("Endpoint = %q, want 0.0.0.0:9999", cfg.Endpoint)
	}
	if cfg.DataDir != "/var/lib/harness" {
		t.Errorf("DataDir = %q, want /var/lib/harness", cfg.DataDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestIsCloseErrorRecognizesNormalClosure(t *testing.T) {
	err := &websocket.CloseError{Code: websocket.CloseNormalClosure}
	if !isCloseError(err) {
		t.Error("expected a normal closure to be recognized as a close error")
	}
}

func TestIsCloseErrorRecognizesClosedNetworkConnection(t *testing.T) {
	if !isCloseError(net.ErrClosed) {
		t.Error("expected net.ErrClosed to be recognized as a close error")
	}
}

func TestIsCloseErrorRejectsUnrelatedErrors(t *testing.T) {
	if isCloseError(errors.New("something else")) {
		t.Error("expected an unrelated error not to be treated as a close error")
	}
}
