// Package health implements periodic service probes (Command/Tcp/Http)
// and the retry/success-threshold state machine that turns probe results
// into Running/Unhealthy transitions (spec C8).
package health

import (
	"time"

	"harness/exec"
)

// ProbeKind selects which check a Config performs.
type ProbeKind string

const (
	ProbeCommand ProbeKind = "command"
	ProbeTCP     ProbeKind = "tcp"
	ProbeHTTP    ProbeKind = "http"
)

// Config describes one service's health check, independent of which probe
// kind it uses.
type Config struct {
	Kind ProbeKind

	// Command probe.
	Command      exec.Command
	ExpectedExit int

	// Tcp probe.
	Host string
	Port int

	// Http probe.
	URL            string
	Method         string
	ExpectedStatus int
	BodyContains   string

	Interval          time.Duration
	Timeout           time.Duration
	Retries           int // consecutive failures before Unhealthy
	StartPeriod       time.Duration
	SuccessThreshold  int // consecutive successes required to leave Unhealthy
}
