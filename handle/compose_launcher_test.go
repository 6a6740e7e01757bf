package handle

import (
	"context"
	"reflect"
	"testing"

	"harness/harnesserr"
)

func TestComposeArgsOmitsFileAndProjectWhenEmpty(t *testing.T) {
	got := composeArgs("", "", "up", "-d", "web")
	want := []string{"compose", "up", "-d", "web"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("composeArgs = %v, want %v", got, want)
	}
}

func TestComposeArgsIncludesFileAndProjectFlags(t *testing.T) {
	got := composeArgs("docker-compose.yml", "myproj", "logs", "-f", "web")
	want := []string{"compose", "-f", "docker-compose.yml", "-p", "myproj", "logs", "-f", "web"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("composeArgs = %v, want %v", got, want)
	}
}

func TestComposeHandleSignalIsUnsupported(t *testing.T) {
	h := &composeHandle{id: "web"}
	err := h.Signal(context.Background(), SignalTerm)
	if err == nil || !harnesserr.Is(err, harnesserr.TargetUnsupported) {
		t.Fatalf("Signal = %v, want TargetUnsupported", err)
	}
}

func TestComposeHandleIDAndPid(t *testing.T) {
	h := &composeHandle{id: "web"}
	if h.ID() != "web" {
		t.Errorf("ID() = %q, want web", h.ID())
	}
	if _, ok := h.Pid(); ok {
		t.Error("Pid() reported ok=true; compose handles never expose a PID")
	}
}
