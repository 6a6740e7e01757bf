package daemon

import (
	"context"
	"fmt"
	"os"
	goexec "os/exec"
	"path/filepath"
	"sort"
	"strconv"

	"harness/exec"
	"harness/handle"
	"harness/harnesserr"
)

// Manifest describes a deployable artifact's identity and lifecycle
// scripts (spec §6's "Package deployment contract"). The core never
// interprets script contents — it only invokes them.
type Manifest struct {
	Name    string
	Version string
	Start   []string // argv
	Stop    []string // argv
	Health  []string // argv, optional
}

// Package bundles a Manifest with the local artifact paths to transfer.
type Package struct {
	Manifest Manifest
	Files    []string // local files/directories copied to RemoteDir
}

// RemoteTarget is where a Package is deployed.
type RemoteTarget struct {
	Host         string
	User         string
	Port         int
	IdentityFile string
	RemoteDir    string
}

// PackageDeployer implements the core's side of the package deployment
// contract: transfer the artifact, run `start` with an environment file of
// resolved dependency addresses, and on stop invoke `stop`. No Go library
// in this module's graph wraps scp, so transfer shells out to it the same
// way exec.Ssh shells to ssh — the artifact bytes move over the same
// transport the remote command runs through.
type PackageDeployer struct {
	Process *handle.ProcessLauncher
}

// Deploy transfers pkg to target and runs its start script with env
// written to a uniquely named *.env file in RemoteDir (its remote path is
// passed to the script as HARNESS_ENV_FILE), returning once start exits.
func (d *PackageDeployer) Deploy(ctx context.Context, target RemoteTarget, pkg Package, env map[string]string) error {
	if len(pkg.Manifest.Start) == 0 {
		return harnesserr.New(harnesserr.InvalidConfig, "deploy %s: manifest has no start script", pkg.Manifest.Name)
	}
	if err := d.transfer(ctx, target, pkg.Files); err != nil {
		return err
	}
	envPath, err := d.writeEnvFile(ctx, target, env)
	if err != nil {
		return err
	}
	return d.runScript(ctx, target, pkg.Manifest.Start, envPath)
}

// Stop invokes pkg's stop script on target. The core does not require the
// environment file to still exist; a stop script that needs it should have
// sourced it during its own start.
func (d *PackageDeployer) Stop(ctx context.Context, target RemoteTarget, pkg Package) error {
	if len(pkg.Manifest.Stop) == 0 {
		return nil
	}
	return d.runScript(ctx, target, pkg.Manifest.Stop, "")
}

func (d *PackageDeployer) transfer(ctx context.Context, target RemoteTarget, files []string) error {
	if len(files) == 0 {
		return nil
	}
	if _, err := goexec.LookPath("scp"); err != nil {
		return harnesserr.Wrap(harnesserr.ToolMissing, err, "deploy: scp not found on PATH")
	}

	args := []string{"-r"}
	if target.Port != 0 {
		args = append(args, "-P", strconv.Itoa(target.Port))
	}
	if target.IdentityFile != "" {
		args = append(args, "-i", target.IdentityFile)
	}
	args = append(args, files...)
	args = append(args, target.destination()+":"+target.RemoteDir+"/")

	cmd := goexec.CommandContext(ctx, "scp", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return harnesserr.Wrap(harnesserr.SpawnFailed, err, "deploy: scp failed: %s", out)
	}
	return nil
}

func (d *PackageDeployer) writeEnvFile(ctx context.Context, target RemoteTarget, env map[string]string) (string, error) {
	if len(env) == 0 {
		return "", nil
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tmp, err := os.CreateTemp("", "harness-deploy-*.env")
	if err != nil {
		return "", harnesserr.Wrap(harnesserr.SpawnFailed, err, "deploy: create env file")
	}
	defer os.Remove(tmp.Name())
	for _, k := range keys {
		fmt.Fprintf(tmp, "%s=%s\n", k, env[k])
	}
	tmp.Close()

	if err := d.transfer(ctx, target, []string{tmp.Name()}); err != nil {
		return "", err
	}
	return filepath.Join(target.RemoteDir, filepath.Base(tmp.Name())), nil
}

func (d *PackageDeployer) runScript(ctx context.Context, target RemoteTarget, argv []string, envPath string) error {
	cmd, err := exec.NewCommand(argv[0], argv[1:]...)
	if err != nil {
		return err
	}
	cmd = cmd.WithCwd(target.RemoteDir)
	if envPath != "" {
		cmd, err = cmd.WithEnv("HARNESS_ENV_FILE", envPath)
		if err != nil {
			return err
		}
	}

	stack := exec.Stack{exec.Ssh{
		Host:         target.Host,
		User:         target.User,
		Port:         target.Port,
		IdentityFile: target.IdentityFile,
	}}
	wrapped, teardown, err := stack.Apply(ctx, exec.CommandTarget(), cmd)
	if err != nil {
		return err
	}
	if teardown != nil {
		defer teardown(ctx)
	}

	h, err := d.Process.Launch(ctx, target.Host+":"+argv[0], wrapped)
	if err != nil {
		return err
	}
	status, err := h.Wait(ctx)
	if err != nil {
		return err
	}
	if status.Signal != "" {
		return harnesserr.New(harnesserr.SpawnFailed, "deploy: script %v killed by signal %s", argv, status.Signal)
	}
	if status.Code != nil && *status.Code != 0 {
		return harnesserr.New(harnesserr.SpawnFailed, "deploy: script %v exited %d", argv, *status.Code)
	}
	return nil
}

func (t RemoteTarget) destination() string {
	if t.User != "" {
		return t.User + "@" + t.Host
	}
	return t.Host
}
