package handle

import (
	"bufio"
	"context"
	"os/exec"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"

	"harness/event"
	"harness/harnesserr"
)

// SystemdLauncher drives unit lifecycle through the systemd D-Bus API and
// tails the unit's journal for its log stream.
type SystemdLauncher struct{}

type systemdHandle struct {
	unit   string
	scope  string
	conn   *dbus.Conn
	stream *event.Stream
	done   chan struct{}
	status ExitStatus
}

func newSystemdConn(ctx context.Context, userScope bool) (*dbus.Conn, error) {
	if userScope {
		return dbus.NewUserConnectionContext(ctx)
	}
	return dbus.NewSystemConnectionContext(ctx)
}

// Launch starts unit (if not already active) and returns a handle tailing
// its journal. Scope selects the system or user manager instance.
func (SystemdLauncher) Launch(ctx context.Context, unit string, userScope bool) (ProcessHandle, error) {
	conn, err := newSystemdConn(ctx, userScope)
	if err != nil {
		return nil, harnesserr.Wrap(harnesserr.ToolMissing, err, "systemd: connect to manager")
	}

	resultCh := make(chan string, 1)
	if _, err := conn.StartUnitContext(ctx, unit, "replace", resultCh); err != nil {
		conn.Close()
		return nil, harnesserr.Wrap(harnesserr.SpawnFailed, err, "systemd: start unit %s", unit)
	}
	select {
	case result := <-resultCh:
		if result != "done" {
			conn.Close()
			return nil, harnesserr.New(harnesserr.SpawnFailed, "systemd: start unit %s: %s", unit, result)
		}
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	}

	h := &systemdHandle{unit: unit, conn: conn, done: make(chan struct{})}
	if userScope {
		h.scope = "--user"
	}

	ch := make(chan event.Event, 64)
	seq := &event.Sequencer{}
	h.stream = event.NewStream(ch)
	ch <- seq.Next(event.Event{Kind: event.KindStarted})

	journalCtx, stopJournal := context.WithCancel(context.WithoutCancel(ctx))
	journalDone := make(chan struct{})
	go func() {
		defer close(journalDone)
		h.tailJournal(journalCtx, ch, seq)
	}()
	go h.watchActiveState(ctx, ch, seq, stopJournal, journalDone)

	return h, nil
}

// tailJournal shells out to journalctl -u <unit> -f, since go-systemd's
// dbus package exposes unit lifecycle but not journal content. It returns
// once journalCtx is cancelled, after which nothing more is sent on ch.
func (h *systemdHandle) tailJournal(journalCtx context.Context, ch chan<- event.Event, seq *event.Sequencer) {
	args := []string{"-u", h.unit, "-f", "-n", "0", "--output=cat"}
	if h.scope != "" {
		args = append(args, h.scope)
	}
	cmd := exec.CommandContext(journalCtx, "journalctl", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return
	}
	if err := cmd.Start(); err != nil {
		return
	}
	defer cmd.Wait()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for scanner.Scan() {
		ch <- seq.Next(event.Event{Kind: event.KindStdout, Line: scanner.Text()})
	}
}

// watchActiveState polls unit state until it leaves "active", then stops
// the journal tail, waits for it to finish so no send races the close, and
// emits exactly one terminal event before closing ch.
func (h *systemdHandle) watchActiveState(ctx context.Context, ch chan<- event.Event, seq *event.Sequencer, stopJournal context.CancelFunc, journalDone <-chan struct{}) {
	defer close(h.done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	finish := func(status ExitStatus) {
		stopJournal()
		<-journalDone
		h.status = status
		ch <- seq.Next(event.Event{Kind: event.KindExited, Code: status.Code, Signal: status.Signal})
		close(ch)
	}

	for {
		select {
		case <-ctx.Done():
			finish(ExitStatus{Signal: "CANCELLED"})
			return
		case <-ticker.C:
			props, err := h.conn.GetUnitPropertiesContext(ctx, h.unit)
			if err != nil {
				continue
			}
			activeState, _ := props["ActiveState"].(string)
			if activeState != "active" && activeState != "activating" {
				code := 0
				if result, ok := props["ExecMainStatus"].(int32); ok && result != 0 {
					code = int(result)
				}
				finish(ExitStatus{Code: &code})
				return
			}
		}
	}
}

func (h *systemdHandle) ID() string       { return h.unit }
func (h *systemdHandle) Pid() (int, bool) { return 0, false }

func (h *systemdHandle) Signal(_ context.Context, _ SignalKind) error {
	return harnesserr.New(harnesserr.TargetUnsupported, "systemd: raw signals not supported, use stop/restart")
}

func (h *systemdHandle) Terminate(ctx context.Context) error {
	resultCh := make(chan string, 1)
	if _, err := h.conn.StopUnitContext(ctx, h.unit, "replace", resultCh); err != nil {
		return harnesserr.Wrap(harnesserr.SpawnFailed, err, "systemd: stop unit %s", h.unit)
	}
	select {
	case <-resultCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	<-h.done
	h.conn.Close()
	return nil
}

func (h *systemdHandle) Kill(ctx context.Context) error {
	if err := h.conn.KillUnitContext(ctx, h.unit, int32(9)); err != nil {
		return harnesserr.Wrap(harnesserr.SpawnFailed, err, "systemd: kill unit %s", h.unit)
	}
	<-h.done
	h.conn.Close()
	return nil
}

func (h *systemdHandle) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-h.done:
		return h.status, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

func (h *systemdHandle) Events() *event.Stream { return h.stream }
