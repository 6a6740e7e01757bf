package config

import (
	"strconv"
	"time"

	"harness/exec"
	"harness/harnesserr"
	"harness/health"
	"harness/orchestrator"
)

// Resolve decodes doc's services into orchestrator.ServiceConfig values,
// keyed by name. Callers must run Validate first — Resolve does not check
// dependency references or cycles; it reports only the errors it meets
// while building each service (unknown target kind, empty program or bad
// env name, bad durations, malformed port maps).
func Resolve(doc Document) (map[string]orchestrator.ServiceConfig, error) {
	out := make(map[string]orchestrator.ServiceConfig, len(doc.Services))
	for name, raw := range doc.Services {
		cfg, err := resolveService(name, raw)
		if err != nil {
			return nil, err
		}
		out[name] = cfg
	}
	return out, nil
}

func resolveService(name string, raw RawService) (orchestrator.ServiceConfig, error) {
	target, cmd, err := resolveTarget(name, raw.Target, raw.Env)
	if err != nil {
		return orchestrator.ServiceConfig{}, err
	}

	if raw.RestartPolicy != "" {
		target.RestartPolicy = exec.RestartPolicy(raw.RestartPolicy)
	}

	startup, err := parseDurationOr(raw.StartupTimeout, 30*time.Second, "service %q: startup_timeout", name)
	if err != nil {
		return orchestrator.ServiceConfig{}, err
	}
	shutdown, err := parseDurationOr(raw.ShutdownTimeout, 10*time.Second, "service %q: shutdown_timeout", name)
	if err != nil {
		return orchestrator.ServiceConfig{}, err
	}

	var hc *health.Config
	if raw.HealthCheck != nil {
		hc, err = resolveHealthCheck(name, raw.HealthCheck)
		if err != nil {
			return orchestrator.ServiceConfig{}, err
		}
	}

	return orchestrator.ServiceConfig{
		Name:         name,
		Command:      cmd,
		Target:       target,
		Dependencies: append([]string(nil), raw.Dependencies...),
		HealthCheck:  hc,
		Timeouts:     exec.Timeouts{Startup: startup, ShutdownGrace: shutdown},
	}, nil
}

func resolveTarget(name string, spec TargetSpec, env map[string]string) (exec.Target, exec.Command, error) {
	switch exec.TargetKind(spec.Kind) {
	case exec.KindCommand, exec.KindManagedProcess:
		cmd, err := exec.NewCommand(spec.Program, spec.Args...)
		if err != nil {
			return exec.Target{}, exec.Command{}, harnesserr.Wrap(harnesserr.InvalidConfig, err, "service %q", name)
		}
		cmd, err = cmd.WithEnvMap(env)
		if err != nil {
			return exec.Target{}, exec.Command{}, harnesserr.Wrap(harnesserr.InvalidConfig, err, "service %q", name)
		}
		if spec.Cwd != "" {
			cmd = cmd.WithCwd(spec.Cwd)
		}
		if exec.TargetKind(spec.Kind) == exec.KindManagedProcess {
			identity := spec.Identity
			if identity == "" {
				identity = name
			}
			return exec.ManagedProcessTarget(identity, exec.RestartOnFailure), cmd, nil
		}
		return exec.CommandTarget(), cmd, nil

	case exec.KindContainer:
		ports, err := resolvePorts(name, spec.Ports)
		if err != nil {
			return exec.Target{}, exec.Command{}, err
		}
		return exec.ContainerTarget(spec.Image, exec.ContainerRunOpts{
			Env:     env,
			Ports:   ports,
			Volumes: spec.Volumes,
			Replace: spec.Replace,
		}), exec.Command{}, nil

	case exec.KindCompose:
		return exec.ComposeTarget(spec.ComposeProject, spec.ComposeService), exec.Command{}, nil

	case exec.KindSystemdUnit:
		scope := exec.SystemdSystem
		if spec.UnitScope == string(exec.SystemdUser) {
			scope = exec.SystemdUser
		}
		return exec.SystemdUnitTarget(spec.UnitName, scope), exec.Command{}, nil

	case exec.KindAttachedService:
		return exec.AttachedServiceTarget(exec.AttachDiscriminator{
			Kind:  exec.AttachKind(spec.AttachKind),
			Value: spec.AttachValue,
		}), exec.Command{}, nil

	default:
		return exec.Target{}, exec.Command{}, harnesserr.New(harnesserr.InvalidConfig, "service %q: unknown target kind %q", name, spec.Kind)
	}
}

func resolvePorts(name string, raw map[string]string) (map[int]int, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[int]int, len(raw))
	for containerPort, hostPort := range raw {
		cp, err := strconv.Atoi(containerPort)
		if err != nil {
			return nil, harnesserr.Wrap(harnesserr.InvalidConfig, err, "service %q: container port %q", name, containerPort)
		}
		hp, err := strconv.Atoi(hostPort)
		if err != nil {
			return nil, harnesserr.Wrap(harnesserr.InvalidConfig, err, "service %q: host port %q", name, hostPort)
		}
		out[cp] = hp
	}
	return out, nil
}

func resolveHealthCheck(name string, hc *HealthCheckSpec) (*health.Config, error) {
	interval, err := parseDurationOr(hc.Interval, time.Second, "service %q: health_check.interval", name)
	if err != nil {
		return nil, err
	}
	timeout, err := parseDurationOr(hc.Timeout, 5*time.Second, "service %q: health_check.timeout", name)
	if err != nil {
		return nil, err
	}
	startPeriod, err := parseDurationOr(hc.StartPeriod, 0, "service %q: health_check.start_period", name)
	if err != nil {
		return nil, err
	}

	cfg := &health.Config{
		Kind:             health.ProbeKind(hc.Kind),
		ExpectedExit:     hc.ExpectedExit,
		Host:             hc.Host,
		Port:             hc.Port,
		URL:              hc.URL,
		Method:           hc.Method,
		ExpectedStatus:   hc.ExpectedStatus,
		BodyContains:     hc.BodyContains,
		Interval:         interval,
		Timeout:          timeout,
		Retries:          hc.Retries,
		StartPeriod:      startPeriod,
		SuccessThreshold: hc.SuccessThreshold,
	}

	if hc.Kind == "command" {
		cmd, err := exec.NewCommand(hc.Program, hc.Args...)
		if err != nil {
			return nil, harnesserr.Wrap(harnesserr.InvalidConfig, err, "service %q: health_check command", name)
		}
		cfg.Command = cmd
	}

	return cfg, nil
}

func parseDurationOr(s string, def time.Duration, format string, args ...any) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, harnesserr.Wrap(harnesserr.InvalidConfig, err, format, args...)
	}
	return d, nil
}
