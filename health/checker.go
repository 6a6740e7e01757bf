package health

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"harness/exec"
	"harness/harnesserr"
)

// Checker runs a single probe attempt and reports success or failure.
// Modeled on the teacher's ready.Checker: one method, one blocking call,
// the retry/threshold bookkeeping lives one layer up.
type Checker interface {
	Check(ctx context.Context) error
}

// CommandRunner executes cmd to completion and returns its exit code. The
// health package doesn't spawn processes itself — it delegates to whatever
// launcher the orchestrator already uses, so the probe runs through the
// same layer stack as the service itself.
type CommandRunner func(ctx context.Context, cmd exec.Command) (exitCode int, err error)

// NewChecker builds the Checker for cfg.Kind.
func NewChecker(cfg Config, run CommandRunner) (Checker, error) {
	switch cfg.Kind {
	case ProbeCommand:
		return commandChecker{cfg: cfg, run: run}, nil
	case ProbeTCP:
		return tcpChecker{cfg: cfg}, nil
	case ProbeHTTP:
		return httpChecker{cfg: cfg}, nil
	default:
		return nil, harnesserr.New(harnesserr.InvalidConfig, "health: unknown probe kind %q", cfg.Kind)
	}
}

type commandChecker struct {
	cfg Config
	run CommandRunner
}

func (c commandChecker) Check(ctx context.Context) error {
	code, err := c.run(ctx, c.cfg.Command)
	if err != nil {
		return harnesserr.Wrap(harnesserr.HealthProbeFailed, err, "health: command probe")
	}
	if code != c.cfg.ExpectedExit {
		return harnesserr.New(harnesserr.HealthProbeFailed, "health: command probe exited %d, expected %d", code, c.cfg.ExpectedExit)
	}
	return nil
}

type tcpChecker struct {
	cfg Config
}

func (c tcpChecker) Check(ctx context.Context) error {
	d := net.Dialer{}
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return harnesserr.Wrap(harnesserr.HealthProbeFailed, err, "health: tcp probe %s", addr)
	}
	conn.Close()
	return nil
}

type httpChecker struct {
	cfg Config
}

func (c httpChecker) Check(ctx context.Context) error {
	method := c.cfg.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.URL, nil)
	if err != nil {
		return harnesserr.Wrap(harnesserr.InvalidConfig, err, "health: http probe request")
	}
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{}}}
	resp, err := client.Do(req)
	if err != nil {
		return harnesserr.Wrap(harnesserr.HealthProbeFailed, err, "health: http probe %s", c.cfg.URL)
	}
	defer resp.Body.Close()

	expected := c.cfg.ExpectedStatus
	if expected == 0 {
		expected = http.StatusOK
	}
	if resp.StatusCode != expected {
		return harnesserr.New(harnesserr.HealthProbeFailed, "health: http probe %s: status %d, expected %d", c.cfg.URL, resp.StatusCode, expected)
	}

	if c.cfg.BodyContains != "" {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return harnesserr.Wrap(harnesserr.HealthProbeFailed, err, "health: http probe %s: read body", c.cfg.URL)
		}
		if !strings.Contains(string(body), c.cfg.BodyContains) {
			return harnesserr.New(harnesserr.HealthProbeFailed, "health: http probe %s: body missing %q", c.cfg.URL, c.cfg.BodyContains)
		}
	}
	return nil
}
