package handle

import (
	"context"
	"os"
	"strconv"
	"strings"
	"syscall"

	"harness/event"
	"harness/exec"
	"harness/harnesserr"
)

// Attacher connects to a pre-existing service rather than spawning one. It
// produces a non-owning AttachedHandle: dropping it never alters the
// underlying service.
type Attacher struct {
	// Controller, if set, is invoked for start/stop/restart/reload. When
	// nil, those operations fail with TargetUnsupported — a bare
	// AttachedService with no control script can only be observed.
	Controller func(ctx context.Context, action string) error
}

type attachedHandle struct {
	discriminator exec.AttachDiscriminator
	controller    func(ctx context.Context, action string) error
	stream        *event.Stream
}

// Attach locates the service named by d and returns an observation/control
// handle for it. It does not launch anything.
func (a Attacher) Attach(_ context.Context, d exec.AttachDiscriminator) (AttachedHandle, error) {
	switch d.Kind {
	case exec.AttachPIDFile, exec.AttachProcessName, exec.AttachContainerName:
	default:
		return nil, harnesserr.New(harnesserr.InvalidConfig, "attach: unknown discriminator kind %q", d.Kind)
	}
	ch := make(chan event.Event)
	close(ch) // attached services don't own an output stream from here
	return &attachedHandle{
		discriminator: d,
		controller:    a.Controller,
		stream:        event.NewStream(ch),
	}, nil
}

func (h *attachedHandle) Status(ctx context.Context) (Status, error) {
	switch h.discriminator.Kind {
	case exec.AttachPIDFile:
		return statusFromPIDFile(h.discriminator.Value)
	case exec.AttachProcessName:
		return Status{}, harnesserr.New(harnesserr.TargetUnsupported,
			"attach: process_name discriminator requires a platform-specific process table scan, not implemented")
	case exec.AttachContainerName:
		return statusFromContainerName(ctx, h.discriminator.Value)
	default:
		return Status{}, harnesserr.New(harnesserr.InvalidConfig, "attach: unknown discriminator kind %q", h.discriminator.Kind)
	}
}

func statusFromPIDFile(path string) (Status, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Status{Running: false}, nil
		}
		return Status{}, harnesserr.Wrap(harnesserr.SpawnFailed, err, "attach: read pid file %s", path)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return Status{}, harnesserr.Wrap(harnesserr.Malformed, err, "attach: pid file %s", path)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return Status{Running: false}, nil
	}
	// On Unix, FindProcess always succeeds; signal 0 probes liveness
	// without actually sending a signal.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return Status{Running: false}, nil
	}
	return Status{Running: true, Pid: pid}, nil
}

func statusFromContainerName(ctx context.Context, name string) (Status, error) {
	cli, err := dockerClientShared()
	if err != nil {
		return Status{}, harnesserr.Wrap(harnesserr.ToolMissing, err, "attach: docker client")
	}
	inspect, err := cli.ContainerInspect(ctx, name)
	if err != nil {
		if isContainerNotFound(err) {
			return Status{Running: false}, nil
		}
		return Status{}, harnesserr.Wrap(harnesserr.SpawnFailed, err, "attach: inspect container %s", name)
	}
	return Status{Running: inspect.State.Running, Pid: inspect.State.Pid}, nil
}

func isContainerNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "No such container")
}

func (h *attachedHandle) Start(ctx context.Context) error   { return h.control(ctx, "start") }
func (h *attachedHandle) Stop(ctx context.Context) error    { return h.control(ctx, "stop") }
func (h *attachedHandle) Restart(ctx context.Context) error { return h.control(ctx, "restart") }
func (h *attachedHandle) Reload(ctx context.Context) error  { return h.control(ctx, "reload") }

func (h *attachedHandle) control(ctx context.Context, action string) error {
	if h.controller == nil {
		return harnesserr.New(harnesserr.TargetUnsupported, "attach: no controller configured for %q", action)
	}
	return h.controller(ctx, action)
}

func (h *attachedHandle) Events() *event.Stream { return h.stream }
