// Package exec describes program invocations (Command), the targets they
// run against (Target), and the stackable layers (Local/Ssh/Docker/Sudo)
// that rewrite a Command for a given execution context.
package exec

import (
	"sort"
	"strings"

	"harness/event"
	"harness/harnesserr"
)

// Command is an immutable description of a program invocation. Use
// NewCommand to build one and WithXxx methods to derive modified copies —
// no method mutates the receiver.
type Command struct {
	program string
	args    []string
	env     map[string]string
	cwd     string
	stdin   <-chan event.Chunk
}

// NewCommand builds a Command for program with the given args. Returns an
// error if program is empty.
func NewCommand(program string, args ...string) (Command, error) {
	if program == "" {
		return Command{}, harnesserr.New(harnesserr.InvalidConfig, "command: program must not be empty")
	}
	return Command{
		program: program,
		args:    append([]string(nil), args...),
	}, nil
}

// Program returns the program path/name.
func (c Command) Program() string { return c.program }

// Args returns a copy of the argument list.
func (c Command) Args() []string { return append([]string(nil), c.args...) }

// Env returns a copy of the environment mapping.
func (c Command) Env() map[string]string {
	out := make(map[string]string, len(c.env))
	for k, v := range c.env {
		out[k] = v
	}
	return out
}

// SortedEnv returns the environment as "KEY=VALUE" strings in a
// deterministic (sorted by key) order, suitable for exec.Cmd.Env.
func (c Command) SortedEnv() []string {
	keys := make([]string, 0, len(c.env))
	for k := range c.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+c.env[k])
	}
	return out
}

// Cwd returns the working directory, or "" if unset (inherit caller's).
func (c Command) Cwd() string { return c.cwd }

// Stdin returns the receiving end of the stdin chunk stream, or nil if the
// command has no stdin bound.
func (c Command) Stdin() <-chan event.Chunk { return c.stdin }

// WithEnv returns a copy of c with name=value set. Returns an error if name
// contains '='.
func (c Command) WithEnv(name, value string) (Command, error) {
	if strings.Contains(name, "=") {
		return Command{}, harnesserr.New(harnesserr.InvalidConfig, "command: env name %q must not contain '='", name)
	}
	clone := c.clone()
	clone.env[name] = value
	return clone, nil
}

// WithEnvMap returns a copy of c with every entry of m set via WithEnv.
func (c Command) WithEnvMap(m map[string]string) (Command, error) {
	clone := c
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var err error
		clone, err = clone.WithEnv(k, m[k])
		if err != nil {
			return Command{}, err
		}
	}
	return clone, nil
}

// WithCwd returns a copy of c with cwd set.
func (c Command) WithCwd(cwd string) Command {
	clone := c.clone()
	clone.cwd = cwd
	return clone
}

// WithArgs returns a copy of c with args replaced.
func (c Command) WithArgs(args ...string) Command {
	clone := c.clone()
	clone.args = append([]string(nil), args...)
	return clone
}

// WithProgram returns a copy of c with program replaced. Used by layers
// that rewrite the invocation into a wrapper (ssh, sudo, docker exec).
func (c Command) WithProgram(program string, args ...string) Command {
	clone := c.clone()
	clone.program = program
	clone.args = append([]string(nil), args...)
	return clone
}

// WithStdin returns a copy of c bound to the given chunk stream. Only one
// sender may hold the other end of ch — the caller is responsible for that
// invariant, as stdin is a plain receive channel here.
func (c Command) WithStdin(ch <-chan event.Chunk) Command {
	clone := c.clone()
	clone.stdin = ch
	return clone
}

// Argv returns the full argument vector including the program name, the
// shape most exec layers want to rewrite as a unit.
func (c Command) Argv() []string {
	return append([]string{c.program}, c.args...)
}

func (c Command) clone() Command {
	env := make(map[string]string, len(c.env))
	for k, v := range c.env {
		env[k] = v
	}
	return Command{
		program: c.program,
		args:    append([]string(nil), c.args...),
		env:     env,
		cwd:     c.cwd,
		stdin:   c.stdin,
	}
}
