// Package config decodes, validates, and resolves the external service
// configuration input (spec §6) into orchestrator.ServiceConfig values.
package config

// Document is the top-level decoded configuration: a named set of
// services keyed by their own name.
type Document struct {
	Name     string                 `yaml:"name"`
	Services map[string]RawService  `yaml:"services"`
}

// RawService is one service's configuration before duration parsing and
// Target construction.
type RawService struct {
	Target          TargetSpec        `yaml:"target"`
	Env             map[string]string `yaml:"env"`
	Dependencies    []string          `yaml:"dependencies"`
	HealthCheck     *HealthCheckSpec  `yaml:"health_check"`
	StartupTimeout  string            `yaml:"startup_timeout"`
	ShutdownTimeout string            `yaml:"shutdown_timeout"`
	RestartPolicy   string            `yaml:"restart_policy"`
}

// TargetSpec is the tagged-union wire shape of exec.Target. Exactly the
// fields relevant to Kind are read; the rest are ignored.
type TargetSpec struct {
	Kind string `yaml:"kind"`

	// command / managed_process
	Program string   `yaml:"program"`
	Args    []string `yaml:"args"`
	Cwd     string   `yaml:"cwd"`
	Identity string  `yaml:"identity"`

	// container
	Image   string            `yaml:"image"`
	Ports   map[string]string `yaml:"ports"` // "container" -> "host" or "0" to allocate
	Volumes map[string]string `yaml:"volumes"`
	Replace bool              `yaml:"replace"`

	// compose
	ComposeProject string `yaml:"compose_project"`
	ComposeService string `yaml:"compose_service"`

	// systemd_unit
	UnitName  string `yaml:"unit_name"`
	UnitScope string `yaml:"unit_scope"`

	// attached_service
	AttachKind  string `yaml:"attach_kind"`
	AttachValue string `yaml:"attach_value"`
}

// HealthCheckSpec is the wire shape of health.Config (spec §4.4's "one of
// the probe shapes").
type HealthCheckSpec struct {
	Kind string `yaml:"kind"`

	Program string   `yaml:"program"`
	Args    []string `yaml:"args"`
	ExpectedExit int  `yaml:"expected_exit"`

	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	URL            string `yaml:"url"`
	Method         string `yaml:"method"`
	ExpectedStatus int    `yaml:"expected_status"`
	BodyContains   string `yaml:"body_contains"`

	Interval         string `yaml:"interval"`
	Timeout          string `yaml:"timeout"`
	Retries          int    `yaml:"retries"`
	StartPeriod      string `yaml:"start_period"`
	SuccessThreshold int    `yaml:"success_threshold"`
}
