package exec

import "context"

// Local is the identity layer: it sets cwd/env if the command doesn't
// already specify them but otherwise passes the command through unchanged.
// It is always safe to include at the bottom of a stack even though the
// Launcher would honor an unrewritten Command identically — its presence
// documents that the stack terminates locally.
type Local struct {
	Cwd string
	Env map[string]string
}

func (l Local) Rewrite(_ context.Context, _ Target, cmd Command) (Command, Teardown, error) {
	out := cmd
	if l.Cwd != "" && out.Cwd() == "" {
		out = out.WithCwd(l.Cwd)
	}
	if len(l.Env) > 0 {
		existing := out.Env()
		missing := make(map[string]string, len(l.Env))
		for k, v := range l.Env {
			if _, ok := existing[k]; !ok {
				missing[k] = v
			}
		}
		merged, err := out.WithEnvMap(missing)
		if err != nil {
			return Command{}, nil, err
		}
		out = merged
	}
	return out, nil, nil
}
