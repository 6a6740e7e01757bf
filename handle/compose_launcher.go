package handle

import (
	"bufio"
	"context"
	goexec "os/exec"
	"strconv"
	"strings"

	"harness/event"
	"harness/harnesserr"
)

// ComposeLauncher drives one service of a docker-compose project by
// shelling out to the `docker compose` CLI plugin, the way the orchestrator
// has no stable Go client for compose files (only for the Engine API).
type ComposeLauncher struct{}

type composeHandle struct {
	id      string
	project string
	service string
	stream  *event.Stream
	done    chan struct{}
	status  ExitStatus
}

// Launch runs `docker compose up -d <service>` against the given compose
// file and project, then tails `docker compose logs -f` for that service.
func (ComposeLauncher) Launch(ctx context.Context, id, composeFile, project, service string) (ProcessHandle, error) {
	if _, err := goexec.LookPath("docker"); err != nil {
		return nil, harnesserr.Wrap(harnesserr.ToolMissing, err, "compose %s: docker not found on PATH", id)
	}

	upArgs := composeArgs(composeFile, project, "up", "-d", service)
	if out, err := goexec.CommandContext(ctx, "docker", upArgs...).CombinedOutput(); err != nil {
		return nil, harnesserr.Wrap(harnesserr.SpawnFailed, err, "compose %s: up: %s", id, string(out))
	}

	ch := make(chan event.Event, 64)
	seq := &event.Sequencer{}
	h := &composeHandle{
		id:      id,
		project: project,
		service: service,
		stream:  event.NewStream(ch),
		done:    make(chan struct{}),
	}
	ch <- seq.Next(event.Event{Kind: event.KindStarted})

	logArgs := composeArgs(composeFile, project, "logs", "-f", "--no-color", "--no-log-prefix", service)
	logCmd := goexec.CommandContext(ctx, "docker", logArgs...)
	logOut, err := logCmd.StdoutPipe()
	if err != nil {
		return nil, harnesserr.Wrap(harnesserr.SpawnFailed, err, "compose %s: log pipe", id)
	}
	logCmd.Stderr = logCmd.Stdout
	if err := logCmd.Start(); err != nil {
		return nil, harnesserr.Wrap(harnesserr.SpawnFailed, err, "compose %s: start log tail", id)
	}

	go func() {
		scanner := bufio.NewScanner(logOut)
		scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
		for scanner.Scan() {
			ch <- seq.Next(event.Event{Kind: event.KindStdout, Line: scanner.Text()})
		}
		logCmd.Wait()

		code, err := waitRunState(context.Background(), composeFile, project, service)
		if err != nil {
			code = -1
		}
		h.status = ExitStatus{Code: &code}
		ch <- seq.Next(event.Event{Kind: event.KindExited, Code: h.status.Code})
		close(ch)
		close(h.done)
	}()

	return h, nil
}

// waitRunState polls the container's exit code once the log tail ends
// (compose has no "wait for service exit" subcommand).
func waitRunState(ctx context.Context, composeFile, project, service string) (int, error) {
	args := composeArgs(composeFile, project, "ps", "-a", "--format", "{{.ExitCode}}", service)
	out, err := goexec.CommandContext(ctx, "docker", args...).Output()
	if err != nil {
		return 0, err
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, nil
	}
	return code, nil
}

func composeArgs(composeFile, project, sub string, rest ...string) []string {
	args := []string{"compose"}
	if composeFile != "" {
		args = append(args, "-f", composeFile)
	}
	if project != "" {
		args = append(args, "-p", project)
	}
	args = append(args, sub)
	args = append(args, rest...)
	return args
}

func (h *composeHandle) ID() string       { return h.id }
func (h *composeHandle) Pid() (int, bool) { return 0, false }

func (h *composeHandle) Signal(context.Context, SignalKind) error {
	return harnesserr.New(harnesserr.TargetUnsupported, "compose %s: raw signals not supported, use Terminate/Kill", h.id)
}

func (h *composeHandle) Terminate(ctx context.Context) error {
	args := composeArgs("", h.project, "stop", h.service)
	_, err := goexec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return harnesserr.Wrap(harnesserr.TransportBroken, err, "compose %s: stop", h.id)
	}
	<-h.done
	return nil
}

func (h *composeHandle) Kill(ctx context.Context) error {
	args := composeArgs("", h.project, "kill", h.service)
	_, err := goexec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return harnesserr.Wrap(harnesserr.TransportBroken, err, "compose %s: kill", h.id)
	}
	<-h.done
	return nil
}

func (h *composeHandle) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-h.done:
		return h.status, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

func (h *composeHandle) Events() *event.Stream { return h.stream }
