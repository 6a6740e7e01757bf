package exec

import (
	"context"
	"os/exec"

	"harness/harnesserr"
)

// Docker rewrites a command to run inside an already-running container via
// `docker exec`. It only applies to Command/ManagedProcess/AttachedService
// targets that name an existing container as their execution context —
// bringing up the container itself is the Launcher's job (handle/docker_launcher.go),
// not this layer's, since layers must stay pure rewrites.
type Docker struct {
	Container string
	User      string // optional -u
	TTY       bool
}

func (d Docker) Rewrite(_ context.Context, target Target, cmd Command) (Command, Teardown, error) {
	if target.Kind == KindContainer || target.Kind == KindCompose {
		return Command{}, nil, harnesserr.New(harnesserr.TargetUnsupported,
			"docker: cannot wrap a container/compose target with a docker exec layer; the launcher owns its lifecycle")
	}
	if _, err := exec.LookPath("docker"); err != nil {
		return Command{}, nil, harnesserr.Wrap(harnesserr.ToolMissing, err, "docker: binary not found on PATH")
	}
	if d.Container == "" {
		return Command{}, nil, harnesserr.New(harnesserr.InvalidConfig, "docker: container is required")
	}

	args := []string{"exec", "-i"}
	if d.TTY {
		args = append(args, "-t")
	}
	if d.User != "" {
		args = append(args, "-u", d.User)
	}
	for _, kv := range cmd.SortedEnv() {
		args = append(args, "-e", kv)
	}
	if cwd := cmd.Cwd(); cwd != "" {
		args = append(args, "-w", cwd)
	}
	args = append(args, d.Container)
	args = append(args, cmd.Argv()...)

	return cmd.WithProgram("docker", args...), nil, nil
}
