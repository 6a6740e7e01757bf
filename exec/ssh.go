package exec

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"al.essio.dev/pkg/shellescape"

	"harness/harnesserr"
)

// Ssh wraps a command into a remote shell invocation. Env forwarding uses
// an explicit "env KEY=VAL ... <cmd>" preamble on the remote side rather
// than -o SendEnv, since SendEnv requires matching AcceptEnv server
// configuration we cannot assume.
type Ssh struct {
	Host string
	User string
	Port int

	// IdentityFile, if set, is passed as -i.
	IdentityFile string

	// ExtraArgs are appended to the ssh invocation verbatim (e.g. "-o",
	// "StrictHostKeyChecking=no") before the host and remote command.
	ExtraArgs []string
}

func (s Ssh) Rewrite(_ context.Context, target Target, cmd Command) (Command, Teardown, error) {
	if target.Kind == KindAttachedService {
		return Command{}, nil, harnesserr.New(harnesserr.TargetUnsupported,
			"ssh: cannot wrap an attached service (no raw control surface)")
	}
	if _, err := exec.LookPath("ssh"); err != nil {
		return Command{}, nil, harnesserr.Wrap(harnesserr.ToolMissing, err, "ssh: binary not found on PATH")
	}
	if s.Host == "" {
		return Command{}, nil, harnesserr.New(harnesserr.InvalidConfig, "ssh: host is required")
	}

	remote := remoteCommandLine(cmd)

	args := make([]string, 0, 8+len(s.ExtraArgs))
	if s.Port != 0 {
		args = append(args, "-p", fmt.Sprintf("%d", s.Port))
	}
	if s.IdentityFile != "" {
		args = append(args, "-i", s.IdentityFile)
	}
	args = append(args, s.ExtraArgs...)
	args = append(args, s.destination(), remote)

	return cmd.WithProgram("ssh", args...), nil, nil
}

func (s Ssh) destination() string {
	if s.User != "" {
		return s.User + "@" + s.Host
	}
	return s.Host
}

// remoteCommandLine renders cmd (program, args, env, cwd) as a single
// shell-quoted string suitable as one argv element to ssh. Quoting every
// token with shellescape.Quote and joining with single spaces is
// idempotent: re-quoting the resulting string as a single token (as the
// next Ssh hop in a nested stack does) never changes what the final shell
// sees, because each quoted token already round-trips through a shell
// unchanged.
func remoteCommandLine(cmd Command) string {
	var parts []string

	if cwd := cmd.Cwd(); cwd != "" {
		parts = append(parts, "cd", shellescape.Quote(cwd), "&&")
	}

	env := cmd.SortedEnv()
	if len(env) > 0 {
		parts = append(parts, "env")
		for _, kv := range env {
			parts = append(parts, shellescape.Quote(kv))
		}
	}

	for _, a := range cmd.Argv() {
		parts = append(parts, shellescape.Quote(a))
	}

	return strings.Join(parts, " ")
}
