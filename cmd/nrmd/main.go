// Command nrmd is the node-local resource manager daemon of spec.md §1:
// it launches jobs inside CPU/memory-isolated containers, samples
// per-package power sensors, and runs the DDCM/power control loop.
// Grounded on getployz-ployz/cmd/ployzd/main.go's TracerProvider setup,
// logging configuration, and signal.NotifyContext-driven shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/spf13/cobra"

	"github.com/anlsys/nrmd/internal/config"
	"github.com/anlsys/nrmd/internal/daemon"
	"github.com/anlsys/nrmd/internal/logging"
	"github.com/anlsys/nrmd/internal/message"
	"github.com/anlsys/nrmd/internal/power"
	"github.com/anlsys/nrmd/internal/registry"
	"github.com/anlsys/nrmd/internal/resource"
	"github.com/anlsys/nrmd/internal/runtime"
	"github.com/anlsys/nrmd/internal/sensor"
	"github.com/anlsys/nrmd/internal/telemetry"
	"github.com/anlsys/nrmd/internal/topology"
)

func main() {
	shutdown := telemetry.Setup()
	defer func() { _ = shutdown(context.Background()) }()

	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "nrmd",
		Short: "Node-local resource manager daemon",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, configPath)
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&configPath, "config", "", "Path to nrmd.yaml (defaults if empty)")
	return cmd
}

func run(cmd *cobra.Command, configPath string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}

	log := slog.Default()

	dockerCli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("connect to docker: %w", err)
	}
	rt := runtime.NewDocker(dockerCli)

	topo := topology.NewSysfs()
	avail, err := topo.Info()
	if err != nil {
		return fmt.Errorf("probe topology: %w", err)
	}
	resources := resource.New(avail.CPUs, avail.Mems)

	reg := registry.New(log, resources, rt, topo)
	apps := registry.NewApplicationManager(reg)

	sensors := sensor.NewManager(sensor.NewRAPLDriver())

	initialCap := 0.0
	for _, d := range cfg.RAPLDomains {
		initialCap += d.CapW
	}
	pc := power.New(initialCap, cfg.ControlPeriod, time.Now())

	rpcNet, rpcAddr := parseSocket(cfg.Sockets.UpstreamRPC)
	rpcRouter, err := message.NewRouter(rpcNet, rpcAddr, log)
	if err != nil {
		return fmt.Errorf("bind upstream rpc: %w", err)
	}
	pubNet, pubAddr := parseSocket(cfg.Sockets.UpstreamPublish)
	pubServer, err := message.NewPubServer(pubNet, pubAddr, log)
	if err != nil {
		return fmt.Errorf("bind upstream publish: %w", err)
	}
	eventNet, eventAddr := parseSocket(cfg.Sockets.DownstreamEvent)
	eventRouter, err := message.NewRouter(eventNet, eventAddr, log)
	if err != nil {
		return fmt.Errorf("bind downstream event: %w", err)
	}

	core := daemon.New(log, cfg, reg, apps, sensors, pc, rpcRouter, pubServer, eventRouter)
	return core.Run(ctx)
}

// parseSocket turns a config URL ("tcp://*:3456", "ipc:///tmp/foo") into
// the (network, addr) pair message.NewRouter/NewPubServer expect: tcp
// stays tcp with "*" rebound to all interfaces, ipc maps to a unix
// socket path.
func parseSocket(url string) (network, addr string) {
	switch {
	case strings.HasPrefix(url, "tcp://"):
		addr = strings.TrimPrefix(url, "tcp://")
		addr = strings.Replace(addr, "*", "0.0.0.0", 1)
		return "tcp", addr
	case strings.HasPrefix(url, "ipc://"):
		return "unix", strings.TrimPrefix(url, "ipc://")
	default:
		return "tcp", url
	}
}
