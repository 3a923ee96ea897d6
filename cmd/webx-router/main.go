// Command webx-router is the WebX Router daemon (spec §1): a per-host
// multiplexer fronting remote-desktop render engines, exposing four
// external ZeroMQ sockets and driving PAM authentication, X11 display
// lifecycle, and engine process supervision.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/illgrenoble/webx-router/internal/collector"
	"github.com/illgrenoble/webx-router/internal/config"
	"github.com/illgrenoble/webx-router/internal/connector"
	"github.com/illgrenoble/webx-router/internal/curvesec"
	"github.com/illgrenoble/webx-router/internal/display"
	"github.com/illgrenoble/webx-router/internal/engine"
	"github.com/illgrenoble/webx-router/internal/forwarder"
	"github.com/illgrenoble/webx-router/internal/metrics"
	"github.com/illgrenoble/webx-router/internal/pamauth"
	"github.com/illgrenoble/webx-router/internal/registry"
	"github.com/illgrenoble/webx-router/internal/sessionproxy"
	"github.com/illgrenoble/webx-router/internal/shutdown"
)

func main() {
	var configPath string
	var foreground bool

	root := &cobra.Command{
		Use:   "webx-router",
		Short: "Per-host router for WebX remote-desktop sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, foreground)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to router config YAML")
	root.Flags().BoolVar(&foreground, "foreground", false, "accepted for compatibility; has no effect, logs always go to stderr")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string, foreground bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logOutput := os.Stderr
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "webx-router",
		Level:  hclog.LevelFromString(cfg.Logging.Level),
		Output: logOutput,
	})
	_ = foreground // file-sink logging is a deployment concern left to the process supervisor (systemd); spec §7 only requires structured, leveled logs

	keys, err := curvesec.LoadOrGenerate(cfg.KeyPairPath)
	if err != nil {
		return fmt.Errorf("load/generate key pair: %w", err)
	}
	logger.Info("router key pair ready", "public", keys.PublicHex())

	auth := pamauth.New(cfg.PAM.ServiceName)
	dispSup := display.New(cfg.Display, logger)
	engSup := engine.New(cfg.Engine, logger)
	reg := registry.New(cfg, dispSup, engSup, logger)

	if lw, err := registry.NewLockWatcher(reg); err != nil {
		logger.Debug("lock-file watcher unavailable, relying on reconcile timer only", "error", err)
	} else {
		go lw.Run()
		defer lw.Close()
	}

	var rec *metrics.Recorder
	if cfg.Metrics.Enabled {
		rec = metrics.New(prometheus.DefaultRegisterer)
	}

	notifier := shutdown.NewNotifier(context.Background())
	ctx := notifier.Context()

	proxy := sessionproxy.New(reg, auth, sessionproxy.Options{
		ExternalEndpoint:    fmt.Sprintf("tcp://*:%d", cfg.Ports.Session),
		LocalEndpoint:       cfg.IPC.ListSocket,
		RouterKeys:          keys,
		CreateTimeout:       30 * time.Second,
		Metrics:             rec,
		Logger:              logger,
		LocalAuthEnabled:    cfg.LocalAuthEnabled,
		LocalCredentialPath: cfg.LocalCredentialRelPath(),
	})

	conn := connector.New(cfg.Ports, keys.PublicHex(), logger)
	fwd := forwarder.New(forwarder.Options{
		ExternalEndpoint: fmt.Sprintf("tcp://*:%d", cfg.Ports.Instructor),
		LocalEndpoint:    cfg.IPC.InstructionProxy,
		RouterKeys:       keys,
		Logger:           logger,
	})
	coll := collector.New(collector.Options{
		LocalEndpoint:    cfg.IPC.MessageProxy,
		ExternalEndpoint: fmt.Sprintf("tcp://*:%d", cfg.Ports.Collector),
		RouterKeys:       keys,
		Logger:           logger,
	})

	errCh := make(chan error, 8)
	spawn := func(name string, fn func(context.Context) error) {
		go func() {
			if err := fn(ctx); err != nil {
				logger.Error("component exited with error", "component", name, "error", err)
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	spawn("connector", conn.Run)
	spawn("forwarder", fwd.Run)
	spawn("collector", coll.Run)
	spawn("sessionproxy", proxy.Run)
	spawn("sessionproxy-local", proxy.RunLocal)
	if rec != nil {
		metricsSrv := metrics.NewServer(cfg.Metrics.Addr)
		spawn("metrics", metricsSrv.Run)
	}

	go reconcileLoop(ctx, reg, cfg.ReconcileEvery, logger)

	drainDone := make(chan struct{})
	hardKill := func() {
		logger.Warn("hard kill: draining all sessions immediately")
		reg.DrainAll()
		os.Exit(1)
	}
	controller := shutdown.New(notifier, hardKill, logger)
	go controller.Run(ctx, drainDone)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("fatal component failure, shutting down", "error", err)
		notifier.Trigger()
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		reg.DrainAll()
		close(drainDone)
	}()
	select {
	case <-drainDone:
	case <-drainCtx.Done():
		logger.Warn("drain timed out, exiting anyway")
	}

	logger.Info("shutdown complete")
	return nil
}

func reconcileLoop(ctx context.Context, reg *registry.Registry, every time.Duration, logger hclog.Logger) {
	if every <= 0 {
		every = 2 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.Reconcile()
		}
	}
}
