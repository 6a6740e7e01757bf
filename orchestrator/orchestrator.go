package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"harness/event"
	"harness/exec"
	"harness/handle"
	"harness/harnesserr"
	"harness/health"

	"github.com/matgreaves/run"
)

// Launchers bundles the terminal launch backends a Orchestrator dispatches
// to, one per Target kind (spec C5).
type Launchers struct {
	Process *handle.ProcessLauncher
	Docker  handle.DockerLauncher
	Systemd handle.SystemdLauncher
	Compose handle.ComposeLauncher
	Attach  handle.Attacher
}

// Orchestrator drives every registered service's state machine over the
// dependency DAG: start/stop ordering, health integration, restart with
// backoff, and event fan-out to subscribers (spec C7). Mirrors the
// teacher's Orchestrate/serviceLifecycle split — one long-lived goroutine
// per service, coordinated by a shared dependency graph instead of the
// teacher's egress-wiring wait.
type Orchestrator struct {
	Launchers Launchers

	// MaxParallelStarts bounds how many services within a topological wave
	// may launch concurrently. 0 means unbounded.
	MaxParallelStarts int

	// OnEvent, if set, is called for every event on every service's merged
	// stream, the hook the registry uses to track state without being a
	// stream subscriber itself.
	OnEvent func(service string, e event.Event)

	mu       sync.Mutex
	services map[string]*serviceState
}

type serviceState struct {
	cfg     ServiceConfig
	machine *Machine

	mu      sync.Mutex
	h       runningHandle
	cancel  context.CancelFunc
	attempt int
	shared  *event.SharedEventStream
}

// runningHandle is the capability surface the orchestrator needs,
// regardless of whether the concrete backend is an owned ProcessHandle or
// a non-owning AttachedHandle.
type runningHandle interface {
	Events() *event.Stream
	Stop(ctx context.Context) error
	Wait(ctx context.Context) error // blocks until the target ends; nil on a clean exit
}

// NewOrchestrator builds an Orchestrator with the given launch backends.
func NewOrchestrator(l Launchers) *Orchestrator {
	return &Orchestrator{Launchers: l, services: make(map[string]*serviceState)}
}

// Register adds a service definition. Returns DuplicateService if the name
// is already registered.
func (o *Orchestrator) Register(cfg ServiceConfig) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.services[cfg.Name]; exists {
		return harnesserr.New(harnesserr.DuplicateService, "service %q already registered", cfg.Name)
	}
	o.services[cfg.Name] = &serviceState{cfg: cfg, machine: NewMachine()}
	return nil
}

// dependencyGraph returns the name->dependencies map for cycle detection
// and topological ordering.
func (o *Orchestrator) dependencyGraph() map[string][]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	graph := make(map[string][]string, len(o.services))
	for name, svc := range o.services {
		graph[name] = append([]string(nil), svc.cfg.Dependencies...)
	}
	return graph
}

// State returns the current state of a registered service.
func (o *Orchestrator) State(name string) (State, error) {
	svc, err := o.get(name)
	if err != nil {
		return "", err
	}
	return svc.machine.State(), nil
}

func (o *Orchestrator) get(name string) (*serviceState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	svc, ok := o.services[name]
	if !ok {
		return nil, harnesserr.New(harnesserr.UnknownService, "unknown service %q", name)
	}
	return svc, nil
}

// Start brings up the named services and their transitive dependencies
// (spec §4.3). Independent subtrees within a topological wave start
// concurrently, bounded by MaxParallelStarts.
func (o *Orchestrator) Start(ctx context.Context, names ...string) error {
	if err := DetectCycle(o.dependencyGraph()); err != nil {
		return err
	}

	closure, err := o.transitiveClosure(names)
	if err != nil {
		return err
	}
	subgraph := make(map[string][]string, len(closure))
	full := o.dependencyGraph()
	for name := range closure {
		subgraph[name] = full[name]
	}

	waves := TopoOrder(subgraph)

	sem := make(chan struct{}, o.semSize())
	for _, wave := range waves {
		var wg sync.WaitGroup
		errs := make(chan error, len(wave))
		for _, name := range wave {
			name := name
			wg.Add(1)
			go func() {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				if err := o.startOne(ctx, name); err != nil {
					errs <- fmt.Errorf("%s: %w", name, err)
				}
			}()
		}
		wg.Wait()
		close(errs)
		var first error
		for e := range errs {
			if first == nil {
				first = e
			}
		}
		if first != nil {
			return first
		}
	}
	return nil
}

func (o *Orchestrator) semSize() int {
	if o.MaxParallelStarts <= 0 {
		return 1 << 20 // effectively unbounded
	}
	return o.MaxParallelStarts
}

// transitiveClosure resolves the full dependency set reachable from names.
func (o *Orchestrator) transitiveClosure(names []string) (map[string]struct{}, error) {
	full := o.dependencyGraph()
	closure := make(map[string]struct{})
	var visit func(name string) error
	visit = func(name string) error {
		if _, ok := closure[name]; ok {
			return nil
		}
		deps, ok := full[name]
		if !ok {
			return harnesserr.New(harnesserr.UnknownService, "unknown service %q", name)
		}
		closure[name] = struct{}{}
		for _, d := range deps {
			if err := visit(d); err != nil {
				return err
			}
		}
		return nil
	}
	for _, n := range names {
		if err := visit(n); err != nil {
			return nil, err
		}
	}
	return closure, nil
}

// startOne launches a single service once its dependencies are already
// Running/Unhealthy, waits for it to clear its startup_timeout deadline
// (health check success, or immediately if it has none), and leaves a
// supervising goroutine running for output relay and restart-on-crash.
func (o *Orchestrator) startOne(ctx context.Context, name string) error {
	svc, err := o.get(name)
	if err != nil {
		return err
	}

	for _, dep := range svc.cfg.Dependencies {
		depSvc, err := o.get(dep)
		if err != nil {
			return err
		}
		state := depSvc.machine.State()
		if state == StateFailed {
			return harnesserr.New(harnesserr.DependencyFailed, "dependency %q failed", dep)
		}
		if state != StateRunning && state != StateUnhealthy {
			return harnesserr.New(harnesserr.DependencyFailed, "dependency %q is not running (state %s)", dep, state)
		}
	}

	if state := svc.machine.State(); state == StateRunning || state == StateUnhealthy {
		return harnesserr.New(harnesserr.AlreadyRunning, "service %q already running", name)
	}

	if !svc.machine.Transition(StateStarting) {
		return harnesserr.New(harnesserr.InvalidConfig, "service %q: cannot start from state %s", name, svc.machine.State())
	}

	runCtx, cancel := context.WithCancel(context.Background())

	rh, rawStream, err := o.launch(runCtx, svc.cfg)
	if err != nil {
		cancel()
		svc.machine.Fail(err.Error())
		return err
	}

	seq := &event.Sequencer{}
	healthCh := make(chan event.Event, 8)
	merged := event.Merge(runCtx, seq, rawStream, healthCh)
	shared := event.NewSharedEventStream(runCtx, merged, 256)

	svc.mu.Lock()
	svc.h = rh
	svc.cancel = cancel
	svc.shared = shared
	svc.mu.Unlock()

	if o.OnEvent != nil {
		go o.relay(runCtx, name, shared)
	}

	startupOK := make(chan struct{})
	var monitor *health.Monitor
	if svc.cfg.HealthCheck != nil {
		checker, err := health.NewChecker(*svc.cfg.HealthCheck, o.commandRunner(svc.cfg))
		if err != nil {
			cancel()
			svc.machine.Fail(err.Error())
			return err
		}
		once := sync.Once{}
		monitor = &health.Monitor{
			Checker: checker,
			Config:  *svc.cfg.HealthCheck,
			OnStateChange: func(to health.State) {
				switch to {
				case health.StateHealthy:
					once.Do(func() { close(startupOK) })
					svc.machine.Transition(StateRunning)
				case health.StateUnhealthy:
					svc.machine.Transition(StateUnhealthy)
				}
			},
			Events: healthCh,
		}
	} else {
		close(startupOK)
		svc.machine.Transition(StateRunning)
	}

	deadline := svc.cfg.Timeouts.Startup
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	select {
	case <-startupOK:
	case <-time.After(deadline):
		return harnesserr.New(harnesserr.StartupTimeout, "service %q did not become ready within %s", name, deadline)
	case <-ctx.Done():
		return ctx.Err()
	}

	go o.supervise(runCtx, svc, rh, monitor)
	return nil
}

// supervise runs the launched handle's wait alongside the health monitor
// as a run.Group: whichever side ends first causes the Group to cancel the
// other (monitor.Run never returns an error on its own, so in practice the
// process side always determines the Group's outcome). If the service
// hasn't been asked to stop, restart_policy then applies exponential
// backoff before relaunching (spec §4.3's "re-enter Starting with
// exponential backoff").
func (o *Orchestrator) supervise(ctx context.Context, svc *serviceState, h runningHandle, monitor *health.Monitor) {
	group := run.Group{
		"process": run.Func(func(ctx context.Context) error {
			return h.Wait(ctx)
		}),
	}
	if monitor != nil {
		group["health"] = run.Func(func(ctx context.Context) error {
			monitor.Run(ctx)
			return nil
		})
	}
	err := group.Run(ctx)

	if ctx.Err() != nil || svc.machine.State() == StateStopping {
		// stopOne requested this exit (it moves the service to Stopping
		// before stopping the handle) — stopOne owns the transition.
		return
	}

	if err == nil {
		svc.machine.Transition(StateStopping)
		svc.machine.Transition(StateStopped)
		return
	}

	policy := svc.cfg.Target.RestartPolicy
	if policy == "" {
		policy = DefaultRestartPolicy(svc.cfg.Target.Kind)
	}
	if policy == exec.RestartNever {
		svc.machine.Fail(err.Error())
		return
	}

	svc.mu.Lock()
	svc.attempt++
	attempt := svc.attempt
	svc.mu.Unlock()

	delay := svc.cfg.Backoff.Delay(attempt)
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}

	svc.machine.Transition(StateStarting)
	if startErr := o.startOne(context.Background(), svc.cfg.Name); startErr != nil {
		svc.machine.Fail(startErr.Error())
	}
}

func (o *Orchestrator) relay(ctx context.Context, name string, shared *event.SharedEventStream) {
	sub := shared.Subscribe(ctx)
	for {
		e, ok, err := sub.Next(ctx)
		if err != nil || !ok {
			return
		}
		o.OnEvent(name, e)
	}
}

// Stop tears down the named services in reverse dependency order (spec
// §4.3); independent subtrees stop in parallel.
func (o *Orchestrator) Stop(ctx context.Context, names ...string) error {
	closure, err := o.transitiveClosure(names)
	if err != nil {
		return err
	}
	subgraph := make(map[string][]string, len(closure))
	full := o.dependencyGraph()
	for name := range closure {
		subgraph[name] = full[name]
	}
	waves := TopoOrder(subgraph)

	for i := len(waves) - 1; i >= 0; i-- {
		var wg sync.WaitGroup
		errs := make(chan error, len(waves[i]))
		for _, name := range waves[i] {
			name := name
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := o.stopOne(ctx, name); err != nil {
					errs <- fmt.Errorf("%s: %w", name, err)
				}
			}()
		}
		wg.Wait()
		close(errs)
		var first error
		for e := range errs {
			if first == nil {
				first = e
			}
		}
		if first != nil {
			return first
		}
	}
	return nil
}

func (o *Orchestrator) stopOne(ctx context.Context, name string) error {
	svc, err := o.get(name)
	if err != nil {
		return err
	}

	state := svc.machine.State()
	if state != StateRunning && state != StateUnhealthy && state != StateStarting {
		return harnesserr.New(harnesserr.NotRunning, "service %q is not running", name)
	}
	svc.machine.Transition(StateStopping)

	svc.mu.Lock()
	h, cancel := svc.h, svc.cancel
	svc.mu.Unlock()

	deadline := svc.cfg.Timeouts.ShutdownGrace
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	stopCtx, done := context.WithTimeout(ctx, deadline)
	defer done()

	var stopErr error
	if h != nil {
		stopErr = h.Stop(stopCtx)
	}
	if cancel != nil {
		cancel()
	}

	svc.machine.Transition(StateStopped)
	if stopErr != nil {
		return harnesserr.Wrap(harnesserr.ShutdownTimeout, stopErr, "service %q: stop", name)
	}
	return nil
}

// commandRunner builds the health.CommandRunner that runs a Command probe
// through the service's own layer stack and launcher.
func (o *Orchestrator) commandRunner(cfg ServiceConfig) health.CommandRunner {
	return func(ctx context.Context, cmd exec.Command) (int, error) {
		rewritten, teardown, err := cfg.Stack.Apply(ctx, exec.CommandTarget(), cmd)
		if err != nil {
			return 0, err
		}
		if teardown != nil {
			defer teardown(ctx)
		}
		h, err := o.Launchers.Process.Launch(ctx, cfg.Name+"-probe", rewritten)
		if err != nil {
			return 0, err
		}
		status, err := h.Wait(ctx)
		if err != nil {
			return 0, err
		}
		if status.Code == nil {
			return -1, nil
		}
		return *status.Code, nil
	}
}

// launch dispatches cfg.Target to the matching backend and adapts its
// handle to the uniform runningHandle surface.
func (o *Orchestrator) launch(ctx context.Context, cfg ServiceConfig) (runningHandle, <-chan event.Event, error) {
	switch cfg.Target.Kind {
	case exec.KindCommand, exec.KindManagedProcess:
		rewritten, teardown, err := cfg.Stack.Apply(ctx, cfg.Target, cfg.Command)
		if err != nil {
			return nil, nil, err
		}
		h, err := o.Launchers.Process.Launch(ctx, cfg.Name, rewritten)
		if err != nil {
			if teardown != nil {
				teardown(context.Background())
			}
			return nil, nil, err
		}
		return &processAdapter{h: h, teardown: teardown}, toChan(h.Events()), nil

	case exec.KindContainer:
		h, err := o.Launchers.Docker.Launch(ctx, cfg.Name, cfg.Target.Image, cfg.Target.RunOpts)
		if err != nil {
			return nil, nil, err
		}
		return &processAdapter{h: h}, toChan(h.Events()), nil

	case exec.KindCompose:
		h, err := o.Launchers.Compose.Launch(ctx, cfg.Name, "", cfg.Target.ComposeProject, cfg.Target.ComposeService)
		if err != nil {
			return nil, nil, err
		}
		return &processAdapter{h: h}, toChan(h.Events()), nil

	case exec.KindSystemdUnit:
		h, err := o.Launchers.Systemd.Launch(ctx, cfg.Target.UnitName, cfg.Target.UnitScope == exec.SystemdUser)
		if err != nil {
			return nil, nil, err
		}
		return &processAdapter{h: h}, toChan(h.Events()), nil

	case exec.KindAttachedService:
		h, err := o.Launchers.Attach.Attach(ctx, cfg.Target.Discriminator)
		if err != nil {
			return nil, nil, err
		}
		if err := h.Start(ctx); err != nil {
			return nil, nil, err
		}
		return &attachedAdapter{h: h}, toChan(h.Events()), nil

	default:
		return nil, nil, harnesserr.New(harnesserr.InvalidConfig, "unknown target kind %q", cfg.Target.Kind)
	}
}

// toChan drains a single-consumer *event.Stream into a channel so it can
// be fed to event.Merge alongside the synthetic health channel.
func toChan(s *event.Stream) <-chan event.Event {
	ch := make(chan event.Event, 64)
	go func() {
		defer close(ch)
		ctx := context.Background()
		for {
			e, ok, err := s.Next(ctx)
			if err != nil || !ok {
				return
			}
			ch <- e
		}
	}()
	return ch
}

type processAdapter struct {
	h        handle.ProcessHandle
	teardown exec.Teardown
}

func (a *processAdapter) Events() *event.Stream { return a.h.Events() }

func (a *processAdapter) Stop(ctx context.Context) error {
	err := a.h.Terminate(ctx)
	if a.teardown != nil {
		if tdErr := a.teardown(ctx); err == nil {
			err = tdErr
		}
	}
	return err
}

func (a *processAdapter) Wait(ctx context.Context) error {
	status, err := a.h.Wait(ctx)
	if err != nil {
		return err
	}
	if status.Signal != "" || (status.Code != nil && *status.Code != 0) {
		return harnesserr.Crash(a.h.ID(), status.Code, status.Signal)
	}
	return nil
}

type attachedAdapter struct {
	h handle.AttachedHandle
}

func (a *attachedAdapter) Events() *event.Stream { return a.h.Events() }

func (a *attachedAdapter) Stop(ctx context.Context) error {
	return a.h.Stop(ctx)
}

// Wait for an attached service blocks until ctx is cancelled: the
// orchestrator doesn't own the underlying process's lifetime, only its
// health is observed, so a clean stop is whatever the caller's ctx decides.
func (a *attachedAdapter) Wait(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
