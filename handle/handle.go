// Package handle implements the Launcher/Attacher backends (spec C5): the
// terminal end of a layer stack that actually spawns or connects to a
// target and exposes it through a typed capability surface.
package handle

import (
	"context"

	"harness/event"
)

// SignalKind names a subset of POSIX signals a ProcessHandle can send
// without leaking syscall.Signal into callers that don't care about the
// underlying OS.
type SignalKind string

const (
	SignalTerm SignalKind = "TERM"
	SignalKill SignalKind = "KILL"
	SignalHup  SignalKind = "HUP"
	SignalInt  SignalKind = "INT"
	SignalUsr1 SignalKind = "USR1"
	SignalUsr2 SignalKind = "USR2"
)

// ExitStatus is the terminal outcome of a launched process.
type ExitStatus struct {
	Code   *int   // nil if terminated by signal
	Signal string // "" if exited normally
}

// ProcessHandle owns a spawned process: it may be signaled, terminated,
// killed, or waited on directly.
type ProcessHandle interface {
	ID() string
	Pid() (int, bool) // best-effort; false if not applicable (e.g. systemd unit)
	Signal(ctx context.Context, kind SignalKind) error
	Terminate(ctx context.Context) error
	Kill(ctx context.Context) error
	Wait(ctx context.Context) (ExitStatus, error)
	Events() *event.Stream
}

// AttachedHandle is a non-owning reference to a pre-existing service. It
// exposes the service's own control plane instead of raw signals.
type AttachedHandle interface {
	Status(ctx context.Context) (Status, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Reload(ctx context.Context) error
	Events() *event.Stream
}

// Status is the observation surface shared by both handle kinds.
type Status struct {
	Running bool
	Pid     int // 0 if unknown/not applicable
}
