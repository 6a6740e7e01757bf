package exec

import "time"

// RestartPolicy controls what the orchestrator does when a target exits
// without having been asked to stop.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on_failure"
	RestartAlways    RestartPolicy = "always"
)

// TargetKind discriminates the Target union.
type TargetKind string

const (
	KindCommand         TargetKind = "command"
	KindManagedProcess   TargetKind = "managed_process"
	KindContainer       TargetKind = "container"
	KindCompose         TargetKind = "compose"
	KindSystemdUnit     TargetKind = "systemd_unit"
	KindAttachedService TargetKind = "attached_service"
)

// Target is the tagged variant describing what a launcher/attacher
// operates on (spec §3). Exactly one of the kind-specific field groups is
// meaningful, selected by Kind.
type Target struct {
	Kind TargetKind

	// ManagedProcess.
	Identity      string
	RestartPolicy RestartPolicy

	// Container / Compose.
	Image          string // Container: image or pre-existing container name
	ComposeProject string
	ComposeService string
	RunOpts        ContainerRunOpts

	// SystemdUnit.
	UnitName  string
	UnitScope SystemdScope

	// AttachedService.
	Discriminator AttachDiscriminator
}

// ContainerRunOpts captures the subset of `docker run` options the
// orchestrator needs to create a container target.
type ContainerRunOpts struct {
	Env     map[string]string
	Ports   map[int]int // container port -> host port (0 = allocate)
	Volumes map[string]string
	Replace bool // allow replacing a container whose fingerprint differs
}

// SystemdScope selects the systemd manager instance a unit belongs to.
type SystemdScope string

const (
	SystemdSystem SystemdScope = "system"
	SystemdUser   SystemdScope = "user"
)

// AttachKind selects how an AttachedService is located.
type AttachKind string

const (
	AttachPIDFile        AttachKind = "pid_file"
	AttachProcessName    AttachKind = "process_name"
	AttachContainerName  AttachKind = "container_name"
)

// AttachDiscriminator locates a pre-existing service to attach to.
type AttachDiscriminator struct {
	Kind  AttachKind
	Value string // path, process name, or container name depending on Kind
}

// CommandTarget builds a one-shot Command target.
func CommandTarget() Target { return Target{Kind: KindCommand} }

// ManagedProcessTarget builds a supervised-process target.
func ManagedProcessTarget(identity string, policy RestartPolicy) Target {
	return Target{Kind: KindManagedProcess, Identity: identity, RestartPolicy: policy}
}

// ContainerTarget builds a Docker container target.
func ContainerTarget(image string, opts ContainerRunOpts) Target {
	return Target{Kind: KindContainer, Image: image, RunOpts: opts}
}

// ComposeTarget builds a docker-compose service target.
func ComposeTarget(project, service string) Target {
	return Target{Kind: KindCompose, ComposeProject: project, ComposeService: service}
}

// SystemdUnitTarget builds a systemd unit target.
func SystemdUnitTarget(name string, scope SystemdScope) Target {
	return Target{Kind: KindSystemdUnit, UnitName: name, UnitScope: scope}
}

// AttachedServiceTarget builds a pre-existing-service target.
func AttachedServiceTarget(d AttachDiscriminator) Target {
	return Target{Kind: KindAttachedService, Discriminator: d}
}

// Timeouts bundles the per-service timeout knobs spec §5 enumerates.
type Timeouts struct {
	Startup       time.Duration
	ShutdownGrace time.Duration
}
