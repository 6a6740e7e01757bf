package exec

import "context"

// Teardown runs when a handle built from a layered command is dropped or
// explicitly terminated. Layers that need cleanup (docker stop, etc.)
// return a non-nil Teardown from Rewrite; layers with nothing to clean up
// return nil.
type Teardown func(ctx context.Context) error

// Layer is a pure command rewriter: given a target and a command, it
// returns the command as it should be invoked one level further in (e.g.
// wrapped in `ssh host ...`), plus an optional teardown hook. Layers must
// not spawn processes themselves — only the Launcher at the bottom of the
// stack does that.
type Layer interface {
	Rewrite(ctx context.Context, target Target, cmd Command) (Command, Teardown, error)
}

// LayerFunc adapts a function to a Layer.
type LayerFunc func(ctx context.Context, target Target, cmd Command) (Command, Teardown, error)

func (f LayerFunc) Rewrite(ctx context.Context, target Target, cmd Command) (Command, Teardown, error) {
	return f(ctx, target, cmd)
}

// Stack is an ordered list of layers, outermost first (the convention
// spec §4.1 uses: Stack{Ssh("jump"), Ssh("target"), Local} reads as "jump
// wraps target wraps local"). Building the actual invocation therefore
// means rewriting innermost-first — Local runs before Ssh("target"), which
// runs before Ssh("jump") — so each layer wraps the command its neighbor
// already produced, rather than the other way around.
type Stack []Layer

// Apply rewrites cmd through every layer in the stack, innermost first,
// returning the fully wrapped command and a single teardown that invokes
// every layer's teardown outermost-first.
func (s Stack) Apply(ctx context.Context, target Target, cmd Command) (Command, Teardown, error) {
	var teardowns []Teardown
	cur := cmd
	for i := len(s) - 1; i >= 0; i-- {
		layer := s[i]
		rewritten, td, err := layer.Rewrite(ctx, target, cur)
		if err != nil {
			// Run any teardowns already registered before propagating.
			runTeardowns(context.Background(), teardowns)
			return Command{}, nil, err
		}
		cur = rewritten
		if td != nil {
			teardowns = append(teardowns, td)
		}
	}
	return cur, combinedTeardown(teardowns), nil
}

func combinedTeardown(tds []Teardown) Teardown {
	if len(tds) == 0 {
		return nil
	}
	return func(ctx context.Context) error {
		return runTeardowns(ctx, tds)
	}
}

// runTeardowns runs tds outermost-first (reverse registration order) and
// returns the first error encountered, after attempting all of them.
func runTeardowns(ctx context.Context, tds []Teardown) error {
	var first error
	for i := len(tds) - 1; i >= 0; i-- {
		if err := tds[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
