// Command harnessd is the harness daemon: it loads a service
// configuration, runs the orchestrator, and serves the daemon protocol
// over a TLS websocket (spec.md §6).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"harness/config"
	"harness/daemon"
	"harness/handle"
	"harness/harnesserr"
	"harness/network"
	"harness/orchestrator"
	"harness/registry"
)

func main() {
	configPath := flag.String("config", "", "path to the service configuration document (YAML)")
	lanSubnet := flag.String("lan-subnet", "10.42.0.0/16", "LAN subnet services are allocated from")
	wgSubnet := flag.String("wireguard-subnet", "", "WireGuard overlay subnet (empty disables WireGuard targets)")
	wgInterface := flag.String("wireguard-interface", "wg0", "WireGuard interface name for wg-quick")
	wgConfig := flag.String("wireguard-config", "", "wg-quick config file for the overlay interface")
	flag.Parse()

	cfg := daemon.ConfigFromEnv()
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "harnessd: mkdir %s: %v\n", cfg.DataDir, err)
		os.Exit(1)
	}

	orch := orchestrator.NewOrchestrator(orchestrator.Launchers{
		Process: &handle.ProcessLauncher{},
		Docker:  handle.DockerLauncher{},
		Systemd: handle.SystemdLauncher{},
		Compose: handle.ComposeLauncher{},
		Attach:  handle.Attacher{},
	})

	store, err := registry.OpenStore(filepath.Join(cfg.DataDir, "registry.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "harnessd: open registry store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	reg := registry.New()
	if err := registry.Restore(reg, store); err != nil {
		fmt.Fprintf(os.Stderr, "harnessd: restore registry: %v\n", err)
		os.Exit(1)
	}

	netCfg := network.Config{
		LANSubnet:           *lanSubnet,
		WireGuardSubnet:     *wgSubnet,
		WireGuardInterface:  *wgInterface,
		WireGuardConfigPath: *wgConfig,
	}
	netMgr, err := network.NewManager(netCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "harnessd: network manager: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *configPath != "" {
		if err := loadServices(ctx, orch, reg, netMgr, *configPath); err != nil {
			fmt.Fprintf(os.Stderr, "harnessd: load config: %v\n", err)
			os.Exit(2)
		}
	}

	deployer := &daemon.PackageDeployer{Process: &handle.ProcessLauncher{}}
	actions := daemon.NewActions(orch, reg, deployer)
	srv := daemon.NewServer(cfg, actions, log)

	persistCtx, persistCancel := context.WithCancel(ctx)
	defer persistCancel()
	go registry.Persist(persistCtx, reg, store)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("harnessd: shutting down")
		cancel()
		<-serveErr
	case err := <-serveErr:
		if err != nil {
			fmt.Fprintf(os.Stderr, "harnessd: serve error: %v\n", err)
			os.Exit(1)
		}
	}
}

// loadServices decodes, validates, and resolves the configuration document
// at path, then registers each service with both the orchestrator (which
// runs it) and the registry (which records its identity and network
// placement), classifying placement via netMgr per spec.md §4.6.
func loadServices(ctx context.Context, orch *orchestrator.Orchestrator, reg *registry.Registry, netMgr *network.Manager, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return harnesserr.Wrap(harnesserr.InvalidConfig, err, "read %s", path)
	}
	doc, err := config.DecodeDocument(data)
	if err != nil {
		return err
	}
	if errs := config.Validate(doc); len(errs) > 0 {
		return harnesserr.New(harnesserr.InvalidConfig, "%d configuration error(s): %v", len(errs), errs)
	}
	services, err := config.Resolve(doc)
	if err != nil {
		return err
	}
	deps := make(map[string][]string, len(services))
	for name, svc := range services {
		deps[name] = svc.Dependencies
	}

	for _, wave := range orchestrator.TopoOrder(deps) {
		for _, name := range wave {
			svc := services[name]
			if err := orch.Register(svc); err != nil {
				return err
			}
			loc, err := netMgr.Place(ctx, name, network.ClassifyAuto)
			if err != nil {
				return err
			}
			if err := reg.Register(registry.ServiceEntry{
				Name:         name,
				TargetKind:   svc.Target.Kind,
				Location:     loc,
				Dependencies: svc.Dependencies,
				State:        orchestrator.StateRegistered,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}
