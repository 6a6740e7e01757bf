package config

import (
	"fmt"
	"regexp"
	"sort"

	"harness/exec"
	"harness/orchestrator"
)

var serviceNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var knownTargetKinds = map[string]bool{
	string(exec.KindCommand):         true,
	string(exec.KindManagedProcess):  true,
	string(exec.KindContainer):       true,
	string(exec.KindCompose):         true,
	string(exec.KindSystemdUnit):     true,
	string(exec.KindAttachedService): true,
}

var knownRestartPolicies = map[string]bool{
	"":                            true, // defaulted later
	string(exec.RestartNever):     true,
	string(exec.RestartOnFailure): true,
	string(exec.RestartAlways):    true,
}

// Validate checks doc for structural errors: unknown names, unknown target
// kinds, dangling dependency references, and dependency cycles. It returns
// every error found, sorted for deterministic output, the way the
// teacher's ValidateEnvironment collects all problems in one pass instead
// of failing on the first.
func Validate(doc Document) []string {
	var errs []string

	if doc.Name == "" {
		errs = append(errs, "document name is required")
	}
	if len(doc.Services) == 0 {
		errs = append(errs, "document must declare at least one service")
	}

	names := sortedServiceNames(doc.Services)
	for _, name := range names {
		errs = append(errs, validateService(name, doc.Services[name], doc.Services)...)
	}

	deps := make(map[string][]string, len(doc.Services))
	for name, svc := range doc.Services {
		deps[name] = svc.Dependencies
	}
	// Cycle detection is orchestrator.DetectCycle's job, not reimplemented
	// here — the orchestrator already owns the canonical DAG algorithm
	// (wave ordering needs it too), and two copies of three-color DFS would
	// drift.
	if err := orchestrator.DetectCycle(deps); err != nil {
		errs = append(errs, err.Error())
	}

	sort.Strings(errs)
	return errs
}

func validateService(name string, svc RawService, all map[string]RawService) []string {
	var errs []string

	if !serviceNamePattern.MatchString(name) {
		errs = append(errs, fmt.Sprintf("service %q: name must match %s", name, serviceNamePattern.String()))
	}

	if svc.Target.Kind == "" {
		errs = append(errs, fmt.Sprintf("service %q: target.kind is required", name))
	} else if !knownTargetKinds[svc.Target.Kind] {
		errs = append(errs, fmt.Sprintf("service %q: unknown target kind %q", name, svc.Target.Kind))
	}

	if !knownRestartPolicies[svc.RestartPolicy] {
		errs = append(errs, fmt.Sprintf("service %q: unknown restart_policy %q", name, svc.RestartPolicy))
	}

	depNames := append([]string(nil), svc.Dependencies...)
	sort.Strings(depNames)
	for _, dep := range depNames {
		if dep == name {
			errs = append(errs, fmt.Sprintf("service %q: cannot depend on itself", name))
			continue
		}
		if _, ok := all[dep]; !ok {
			msg := fmt.Sprintf("service %q: depends on unknown service %q", name, dep)
			if suggestion := closestMatch(dep, all); suggestion != "" {
				msg += fmt.Sprintf(" (did you mean %q?)", suggestion)
			}
			errs = append(errs, msg)
		}
	}

	if svc.HealthCheck != nil {
		errs = append(errs, validateHealthCheck(name, svc.HealthCheck)...)
	}

	return errs
}

func validateHealthCheck(name string, hc *HealthCheckSpec) []string {
	var errs []string
	switch hc.Kind {
	case "command":
		if hc.Program == "" {
			errs = append(errs, fmt.Sprintf("service %q: health_check command requires program", name))
		}
	case "tcp":
		if hc.Host == "" || hc.Port == 0 {
			errs = append(errs, fmt.Sprintf("service %q: health_check tcp requires host and port", name))
		}
	case "http":
		if hc.URL == "" {
			errs = append(errs, fmt.Sprintf("service %q: health_check http requires url", name))
		}
	default:
		errs = append(errs, fmt.Sprintf("service %q: unknown health_check kind %q", name, hc.Kind))
	}
	return errs
}

func sortedServiceNames(services map[string]RawService) []string {
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// closestMatch returns the service name closest to target by edit
// distance, or "" if none is close enough to suggest.
func closestMatch(target string, services map[string]RawService) string {
	best := ""
	bestDist := len(target)/2 + 1
	for name := range services {
		if d := editDistance(target, name); d < bestDist {
			bestDist = d
			best = name
		}
	}
	return best
}

func editDistance(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(curr[j-1]+1, min(prev[j]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
