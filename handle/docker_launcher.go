package handle

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"harness/event"
	"harness/exec"
	"harness/harnesserr"
)

var (
	dockerClient     *client.Client
	dockerClientOnce sync.Once
	dockerClientErr  error
)

// dockerClientShared returns a process-wide Docker client, created lazily
// on first use. Callers must not Close it.
func dockerClientShared() (*client.Client, error) {
	dockerClientOnce.Do(func() {
		opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
		if os.Getenv("DOCKER_HOST") == "" {
			if sock := findDockerSocket(); sock != "" {
				opts = append(opts, client.WithHost("unix://"+sock))
			}
		}
		dockerClient, dockerClientErr = client.NewClientWithOpts(opts...)
	})
	return dockerClient, dockerClientErr
}

func findDockerSocket() string {
	candidates := []string{"/var/run/docker.sock"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			home+"/.docker/run/docker.sock",
			home+"/.colima/default/docker.sock",
		)
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// DockerLauncher brings up Container targets and attaches to
// already-running ones. Creation is idempotent per (name, fingerprint):
// re-launching with the same name and options reattaches to the existing
// container; a name collision with a different fingerprint fails with
// ConflictingContainer unless Replace is set.
type DockerLauncher struct{}

type dockerHandle struct {
	id          string
	containerID string
	cli         *client.Client
	stream      *event.Stream
	done        chan struct{}
	status      ExitStatus
}

// containerFingerprint hashes the observable inputs to container creation
// so repeated launches can detect whether an existing container still
// matches the requested configuration.
func containerFingerprint(image string, opts exec.ContainerRunOpts) string {
	h := sha256.New()
	fmt.Fprintf(h, "image=%s\n", image)

	envKeys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		fmt.Fprintf(h, "env=%s=%s\n", k, opts.Env[k])
	}

	ports := make([]int, 0, len(opts.Ports))
	for p := range opts.Ports {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	for _, p := range ports {
		fmt.Fprintf(h, "port=%d:%d\n", p, opts.Ports[p])
	}

	volKeys := make([]string, 0, len(opts.Volumes))
	for k := range opts.Volumes {
		volKeys = append(volKeys, k)
	}
	sort.Strings(volKeys)
	for _, k := range volKeys {
		fmt.Fprintf(h, "vol=%s:%s\n", k, opts.Volumes[k])
	}

	return hex.EncodeToString(h.Sum(nil))
}

const fingerprintLabel = "harness.fingerprint"

// Launch ensures a container named id is running with the given image and
// options, then attaches to its logs and lifecycle.
func (DockerLauncher) Launch(ctx context.Context, id string, image string, opts exec.ContainerRunOpts) (ProcessHandle, error) {
	cli, err := dockerClientShared()
	if err != nil {
		return nil, harnesserr.Wrap(harnesserr.ToolMissing, err, "docker: client")
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, harnesserr.Wrap(harnesserr.ToolMissing, err, "docker: daemon unreachable")
	}

	fp := containerFingerprint(image, opts)
	containerID, err := reconcileContainer(ctx, cli, id, image, fp, opts)
	if err != nil {
		return nil, err
	}

	if err := cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, harnesserr.Wrap(harnesserr.SpawnFailed, err, "docker: start container %s", id)
	}

	h := &dockerHandle{id: id, containerID: containerID, cli: cli, done: make(chan struct{})}

	logReader, err := cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true, ShowStderr: true, Follow: true,
	})
	if err != nil {
		return nil, harnesserr.Wrap(harnesserr.TransportBroken, err, "docker: attach logs %s", id)
	}

	ch := make(chan event.Event, 64)
	seq := &event.Sequencer{}
	h.stream = event.NewStream(ch)
	ch <- seq.Next(event.Event{Kind: event.KindStarted})

	logDone := make(chan struct{})
	go func() {
		defer close(logDone)
		streamDemuxedLines(ch, seq, logReader)
		logReader.Close()
	}()

	waitCh, errCh := cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	go func() {
		defer close(ch)
		defer close(h.done)
		select {
		case result := <-waitCh:
			<-logDone
			code := int(result.StatusCode)
			h.status = ExitStatus{Code: &code}
		case werr := <-errCh:
			<-logDone
			if werr != nil {
				ch <- seq.Next(event.Event{Kind: event.KindExited, Signal: "TRANSPORT_BROKEN"})
				return
			}
		case <-ctx.Done():
			<-logDone
		}
		ch <- seq.Next(event.Event{Kind: event.KindExited, Code: h.status.Code, Signal: h.status.Signal})
	}()

	return h, nil
}

// reconcileContainer returns the ID of an existing container matching fp,
// or creates a new one. A name collision with a mismatched fingerprint is
// ConflictingContainer unless opts.Replace is set.
func reconcileContainer(ctx context.Context, cli *client.Client, name, image, fp string, opts exec.ContainerRunOpts) (string, error) {
	inspect, err := cli.ContainerInspect(ctx, name)
	if err == nil {
		existingFP := inspect.Config.Labels[fingerprintLabel]
		if existingFP == fp {
			return inspect.ID, nil
		}
		if !opts.Replace {
			return "", harnesserr.New(harnesserr.ConflictingContainer,
				"docker: container %q exists with a different configuration", name)
		}
		timeout := 10
		_ = cli.ContainerStop(ctx, inspect.ID, container.StopOptions{Timeout: &timeout})
		if err := cli.ContainerRemove(ctx, inspect.ID, container.RemoveOptions{Force: true}); err != nil {
			return "", harnesserr.Wrap(harnesserr.SpawnFailed, err, "docker: remove stale container %q", name)
		}
	} else if !client.IsErrNotFound(err) {
		return "", harnesserr.Wrap(harnesserr.SpawnFailed, err, "docker: inspect %q", name)
	}

	portBindings, exposedPorts := buildPortBindings(opts.Ports)
	mounts := buildMounts(opts.Volumes)

	cfg := &container.Config{
		Image:        image,
		Env:          envSlice(opts.Env),
		ExposedPorts: exposedPorts,
		Labels:       map[string]string{fingerprintLabel: fp},
	}
	hostCfg := &container.HostConfig{
		PortBindings: portBindings,
		Mounts:       mounts,
	}

	resp, err := cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", harnesserr.Wrap(harnesserr.SpawnFailed, err, "docker: create container %q", name)
	}
	return resp.ID, nil
}

func buildPortBindings(ports map[int]int) (nat.PortMap, nat.PortSet) {
	bindings := make(nat.PortMap)
	exposed := make(nat.PortSet)
	for containerPort, hostPort := range ports {
		p := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
		exposed[p] = struct{}{}
		binding := nat.PortBinding{HostIP: "127.0.0.1"}
		if hostPort != 0 {
			binding.HostPort = fmt.Sprintf("%d", hostPort)
		}
		bindings[p] = []nat.PortBinding{binding}
	}
	return bindings, exposed
}

func buildMounts(volumes map[string]string) []mount.Mount {
	out := make([]mount.Mount, 0, len(volumes))
	for src, dst := range volumes {
		out = append(out, mount.Mount{Type: mount.TypeBind, Source: src, Target: dst})
	}
	return out
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// streamDemuxedLines demultiplexes docker's combined log stream into
// stdout/stderr line events as they arrive, rather than buffering the
// whole run, by feeding stdcopy into a pair of pipes scanned concurrently.
func streamDemuxedLines(ch chan<- event.Event, seq *event.Sequencer, r io.Reader) {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()

	var wg sync.WaitGroup
	wg.Add(2)
	go scanLinesInto(&wg, ch, seq, outR, event.KindStdout)
	go scanLinesInto(&wg, ch, seq, errR, event.KindStderr)

	stdcopy.StdCopy(outW, errW, r)
	outW.Close()
	errW.Close()
	wg.Wait()
}

func scanLinesInto(wg *sync.WaitGroup, ch chan<- event.Event, seq *event.Sequencer, r io.Reader, kind event.Kind) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for scanner.Scan() {
		ch <- seq.Next(event.Event{Kind: kind, Line: scanner.Text()})
	}
}

func (h *dockerHandle) ID() string       { return h.id }
func (h *dockerHandle) Pid() (int, bool) { return 0, false }

func (h *dockerHandle) Signal(ctx context.Context, kind SignalKind) error {
	sig, err := dockerSignalName(kind)
	if err != nil {
		return err
	}
	if err := h.cli.ContainerKill(ctx, h.containerID, sig); err != nil {
		return harnesserr.Wrap(harnesserr.SpawnFailed, err, "docker: signal %s container %s", kind, h.id)
	}
	return nil
}

func dockerSignalName(kind SignalKind) (string, error) {
	switch kind {
	case SignalTerm, SignalKill, SignalHup, SignalInt, SignalUsr1, SignalUsr2:
		return "SIG" + string(kind), nil
	default:
		return "", harnesserr.New(harnesserr.InvalidConfig, "unknown signal kind %q", kind)
	}
}

func (h *dockerHandle) Terminate(ctx context.Context) error {
	timeout := 10
	if err := h.cli.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return harnesserr.Wrap(harnesserr.SpawnFailed, err, "docker: stop container %s", h.id)
	}
	<-h.done
	return h.cli.ContainerRemove(context.Background(), h.containerID, container.RemoveOptions{Force: true})
}

func (h *dockerHandle) Kill(ctx context.Context) error {
	_ = h.cli.ContainerKill(ctx, h.containerID, "SIGKILL")
	<-h.done
	return h.cli.ContainerRemove(context.Background(), h.containerID, container.RemoveOptions{Force: true})
}

func (h *dockerHandle) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-h.done:
		return h.status, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

func (h *dockerHandle) Events() *event.Stream { return h.stream }
