package handle

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	goexec "os/exec"
	"sync"
	"syscall"
	"time"

	"harness/event"
	"harness/exec"
	"harness/harnesserr"
)

// maxLineBytes bounds a single Stdout/Stderr event; lines longer than this
// are split and flagged (spec §4.2, tested at the exact boundary in §8).
const maxLineBytes = 64 * 1024

// ProcessLauncher spawns Command/ManagedProcess targets as OS processes.
type ProcessLauncher struct {
	// ShutdownGrace bounds how long Terminate waits for a graceful exit
	// before Kill is applied (10s when zero or negative). Only Terminate
	// uses it.
	ShutdownGrace time.Duration
}

type processHandle struct {
	id     string
	cmd    *goexec.Cmd
	stream *event.Stream
	seq    *event.Sequencer

	waitOnce sync.Once
	waitErr  error
	status   ExitStatus
	done     chan struct{}

	grace time.Duration

	stdinW io.WriteCloser
}

// Launch spawns cmd and returns a handle plus its event stream. The
// returned stream emits Started, interleaved Stdout/Stderr, then exactly
// one Exited event before closing.
func (l *ProcessLauncher) Launch(ctx context.Context, id string, cmd exec.Command) (ProcessHandle, error) {
	argv := cmd.Argv()
	c := goexec.Command(argv[0], argv[1:]...)
	if cwd := cmd.Cwd(); cwd != "" {
		c.Dir = cwd
	}
	if env := cmd.SortedEnv(); len(env) > 0 {
		c.Env = append(os.Environ(), env...)
	}

	stdoutR, err := c.StdoutPipe()
	if err != nil {
		return nil, harnesserr.Wrap(harnesserr.SpawnFailed, err, "process %s: stdout pipe", id)
	}
	stderrR, err := c.StderrPipe()
	if err != nil {
		return nil, harnesserr.Wrap(harnesserr.SpawnFailed, err, "process %s: stderr pipe", id)
	}

	var stdinW io.WriteCloser
	if cmd.Stdin() != nil {
		w, err := c.StdinPipe()
		if err != nil {
			return nil, harnesserr.Wrap(harnesserr.SpawnFailed, err, "process %s: stdin pipe", id)
		}
		stdinW = w
	}

	if err := c.Start(); err != nil {
		return nil, harnesserr.Wrap(harnesserr.SpawnFailed, err, "process %s: start", id)
	}

	ch := make(chan event.Event, 64)
	seq := &event.Sequencer{}
	h := &processHandle{
		id:     id,
		cmd:    c,
		stream: event.NewStream(ch),
		seq:    seq,
		done:   make(chan struct{}),
		grace:  l.ShutdownGrace,
		stdinW: stdinW,
	}

	ch <- seq.Next(event.Event{Kind: event.KindStarted})

	var wg sync.WaitGroup
	wg.Add(2)
	go pumpLines(&wg, ch, seq, stdoutR, event.KindStdout)
	go pumpLines(&wg, ch, seq, stderrR, event.KindStderr)

	if stdinW != nil {
		go func() {
			exec.PipeStdin(ctx, cmd.Stdin(), stdinW)
			stdinW.Close()
		}()
	}

	go func() {
		wg.Wait() // both pipes drained before we report exit
		err := c.Wait()
		status := statusFromError(err)
		h.status = status
		ch <- seq.Next(event.Event{Kind: event.KindExited, Code: status.Code, Signal: status.Signal})
		close(ch)
		close(h.done)
	}()

	return h, nil
}

// pumpLines reads r line by line, splitting lines longer than
// maxLineBytes and flagging each piece cut at that limit as Split (the
// final piece of a long line is not flagged), emitting one event per
// piece until EOF.
func pumpLines(wg *sync.WaitGroup, ch chan<- event.Event, seq *event.Sequencer, r io.Reader, kind event.Kind) {
	defer wg.Done()
	br := bufio.NewReaderSize(r, maxLineBytes)
	for {
		line, err := br.ReadSlice('\n')
		if len(line) > 0 {
			split := err == bufio.ErrBufferFull
			text := bytes.TrimSuffix(line, []byte("\n"))
			ch <- seq.Next(event.Event{Kind: kind, Line: string(text), Split: split})
		}
		if err != nil {
			if err == bufio.ErrBufferFull {
				continue // buffer boundary only, not the end of the logical line
			}
			return
		}
	}
}

func statusFromError(err error) ExitStatus {
	if err == nil {
		code := 0
		return ExitStatus{Code: &code}
	}
	var exitErr *goexec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return ExitStatus{Signal: ws.Signal().String()}
		}
		code := exitErr.ExitCode()
		return ExitStatus{Code: &code}
	}
	code := -1
	return ExitStatus{Code: &code}
}

func (h *processHandle) ID() string { return h.id }

func (h *processHandle) Pid() (int, bool) {
	if h.cmd.Process == nil {
		return 0, false
	}
	return h.cmd.Process.Pid, true
}

func (h *processHandle) Signal(_ context.Context, kind SignalKind) error {
	if h.cmd.Process == nil {
		return harnesserr.New(harnesserr.NotRunning, "process %s: not started", h.id)
	}
	sig, err := toSyscallSignal(kind)
	if err != nil {
		return err
	}
	if err := h.cmd.Process.Signal(sig); err != nil {
		return harnesserr.Wrap(harnesserr.SpawnFailed, err, "process %s: signal %s", h.id, kind)
	}
	return nil
}

func toSyscallSignal(kind SignalKind) (syscall.Signal, error) {
	switch kind {
	case SignalTerm:
		return syscall.SIGTERM, nil
	case SignalKill:
		return syscall.SIGKILL, nil
	case SignalHup:
		return syscall.SIGHUP, nil
	case SignalInt:
		return syscall.SIGINT, nil
	case SignalUsr1:
		return syscall.SIGUSR1, nil
	case SignalUsr2:
		return syscall.SIGUSR2, nil
	default:
		return 0, harnesserr.New(harnesserr.InvalidConfig, "unknown signal kind %q", kind)
	}
}

// Terminate sends SIGTERM, waits up to ShutdownGrace for the process to
// exit, and escalates to Kill if it doesn't.
func (h *processHandle) Terminate(ctx context.Context) error {
	if err := h.Signal(ctx, SignalTerm); err != nil {
		if harnesserr.Is(err, harnesserr.NotRunning) {
			return nil
		}
		return err
	}
	grace := h.grace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
		return h.Kill(ctx)
	case <-ctx.Done():
		return h.Kill(context.Background())
	}
}

// Kill sends SIGKILL and waits for the process to be reaped so dropping a
// handle never leaves a zombie behind.
func (h *processHandle) Kill(_ context.Context) error {
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
	<-h.done
	return nil
}

func (h *processHandle) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-h.done:
		return h.status, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

func (h *processHandle) Events() *event.Stream { return h.stream }
