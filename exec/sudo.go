package exec

import (
	"context"
	"os/exec"

	"harness/harnesserr"
)

// Sudo prepends "sudo -E --" to the argv, preserving the original shape.
// -E forwards the caller's environment instead of sudo's sanitized default,
// and -- stops sudo from reinterpreting the wrapped program's own flags.
type Sudo struct {
	// NoPrompt adds -n, failing immediately instead of prompting for a
	// password when the target requires one.
	NoPrompt bool
}

func (s Sudo) Rewrite(_ context.Context, target Target, cmd Command) (Command, Teardown, error) {
	if target.Kind == KindAttachedService {
		return Command{}, nil, harnesserr.New(harnesserr.TargetUnsupported,
			"sudo: cannot wrap an attached service (no raw control surface)")
	}
	if _, err := exec.LookPath("sudo"); err != nil {
		return Command{}, nil, harnesserr.Wrap(harnesserr.ToolMissing, err, "sudo: binary not found on PATH")
	}

	args := []string{"-E"}
	if s.NoPrompt {
		args = append(args, "-n")
	}
	args = append(args, "--")
	args = append(args, cmd.Argv()...)

	return cmd.WithProgram("sudo", args...), nil, nil
}
