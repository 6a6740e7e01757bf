package handle

import (
	"testing"

	"harness/exec"
)

func TestContainerFingerprintIsStableUnderKeyReordering(t *testing.T) {
	a := containerFingerprint("postgres:16", exec.ContainerRunOpts{
		Env:     map[string]string{"A": "1", "B": "2"},
		Ports:   map[int]int{5432: 5432, 80: 8080},
		Volumes: map[string]string{"/data": "/var/lib/postgresql/data"},
	})
	b := containerFingerprint("postgres:16", exec.ContainerRunOpts{
		Env:     map[string]string{"B": "2", "A": "1"},
		Ports:   map[int]int{80: 8080, 5432: 5432},
		Volumes: map[string]string{"/data": "/var/lib/postgresql/data"},
	})
	if a != b {
		t.Fatalf("fingerprints differ under map key reordering: %q vs %q", a, b)
	}
}

func TestContainerFingerprintChangesWithImage(t *testing.T) {
	a := containerFingerprint("postgres:16", exec.ContainerRunOpts{})
	b := containerFingerprint("postgres:17", exec.ContainerRunOpts{})
	if a == b {
		t.Fatal("fingerprints should differ when the image changes")
	}
}

func TestContainerFingerprintChangesWithEnv(t *testing.T) {
	a := containerFingerprint("postgres:16", exec.ContainerRunOpts{Env: map[string]string{"A": "1"}})
	b := containerFingerprint("postgres:16", exec.ContainerRunOpts{Env: map[string]string{"A": "2"}})
	if a == b {
		t.Fatal("fingerprints should differ when an env value changes")
	}
}

func TestBuildPortBindingsBindsToLoopbackByDefault(t *testing.T) {
	bindings, exposed := buildPortBindings(map[int]int{8080: 80})
	if len(exposed) != 1 {
		t.Fatalf("got %d exposed ports, want 1", len(exposed))
	}
	for port, bs := range bindings {
		if string(port) != "8080/tcp" {
			t.Errorf("port key = %q, want 8080/tcp", port)
		}
		if len(bs) != 1 || bs[0].HostIP != "127.0.0.1" || bs[0].HostPort != "80" {
			t.Errorf("bindings = %+v, want loopback:80", bs)
		}
	}
}

func TestBuildPortBindingsLeavesHostPortEmptyWhenUnspecified(t *testing.T) {
	bindings, _ := buildPortBindings(map[int]int{8080: 0})
	for _, bs := range bindings {
		if bs[0].HostPort != "" {
			t.Errorf("HostPort = %q, want empty for an unspecified host port", bs[0].HostPort)
		}
	}
}

func TestBuildMountsProducesOneBindMountPerVolume(t *testing.T) {
	mounts := buildMounts(map[string]string{"/host/data": "/container/data"})
	if len(mounts) != 1 {
		t.Fatalf("got %d mounts, want 1", len(mounts))
	}
	if mounts[0].Source != "/host/data" || mounts[0].Target != "/container/data" {
		t.Errorf("mount = %+v, want /host/data -> /container/data", mounts[0])
	}
}

func TestEnvSliceFormatsKeyEqualsValue(t *testing.T) {
	out := envSlice(map[string]string{"FOO": "bar"})
	if len(out) != 1 || out[0] != "FOO=bar" {
		t.Fatalf("envSlice = %v, want [FOO=bar]", out)
	}
}

func TestDockerSignalNameMapsKnownKindsOnly(t *testing.T) {
	name, err := dockerSignalName(SignalTerm)
	if err != nil || name != "SIGTERM" {
		t.Fatalf("dockerSignalName(TERM) = %q, %v, want SIGTERM, nil", name, err)
	}
	if _, err := dockerSignalName(SignalKind("BOGUS")); err == nil {
		t.Fatal("expected an error for an unknown signal kind")
	}
}
