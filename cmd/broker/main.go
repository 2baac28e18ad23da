package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kokino/broker/internal/broker/agentreg"
	"github.com/kokino/broker/internal/broker/circuit"
	"github.com/kokino/broker/internal/broker/convo"
	"github.com/kokino/broker/internal/broker/fallback"
	"github.com/kokino/broker/internal/broker/jsonl"
	"github.com/kokino/broker/internal/broker/monitor"
	"github.com/kokino/broker/internal/broker/resourcemon"
	"github.com/kokino/broker/internal/broker/router"
	"github.com/kokino/broker/internal/broker/runner"
	"github.com/kokino/broker/internal/broker/session"
	"github.com/kokino/broker/internal/broker/shadow"
	"github.com/kokino/broker/internal/broker/supervisor"
	"github.com/kokino/broker/internal/broker/telemetry"
	"github.com/kokino/broker/internal/broker/ticket"
	"github.com/kokino/broker/internal/config"
	"github.com/kokino/broker/internal/delivery/tmuxprovider"
	"github.com/kokino/broker/internal/logging"
	"github.com/kokino/broker/internal/store/operational"
	"github.com/kokino/broker/internal/store/telemetrydb"
	"github.com/kokino/broker/internal/transport"
)

var version = "dev"

func main() {
	logging.Setup()

	configPath := flag.String("config", "", "path to a YAML config file")
	shell := flag.String("shell", "", "shell to use for tmux delivery (empty to auto-detect)")
	workingDir := flag.String("working-dir", ".", "working directory for tmux-delivered terminals")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	if level, err := logging.ParseLevel(cfg.LogLevel); err == nil {
		logging.SetLevel(level)
	}

	logging.PrintBanner(version, cfg.HTTPAddr)
	logging.PrintAccessURL(cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *shell, *workingDir); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, shell, workingDir string) error {
	opDB, err := operational.Open(cfg.OperationalDBPath)
	if err != nil {
		return fmt.Errorf("open operational db: %w", err)
	}
	defer opDB.Close()

	// Kept on its own file and connection so telemetry writes never
	// contend with the operational schema's locks.
	telDB, err := telemetrydb.Open(cfg.TelemetryDBPath)
	if err != nil {
		return fmt.Errorf("open telemetry db: %w", err)
	}
	defer telDB.Close()

	telemetryRecorder, err := telemetry.New(telDB)
	if err != nil {
		return fmt.Errorf("construct telemetry recorder: %w", err)
	}

	agents := agentreg.New(opDB)
	tickets := ticket.New(opDB)
	convos := convo.New(opDB)
	registry := supervisor.NewRegistry()
	schemas := jsonl.NewSchemaRegistry()
	sessions := session.New(registry, telemetryRecorder)
	circuitBreaker := circuit.New(telemetryRecorder,
		circuit.WithThreshold(cfg.CircuitThreshold),
		circuit.WithResetTime(cfg.CircuitResetTime),
	)
	fallbackCtl := fallback.New()
	shadowCtl := shadow.New(opDB, telemetryRecorder)
	routerSvc := router.New(fallbackCtl, shadowCtl)
	runnerSvc := runner.New(agents, sessions, convos, registry, schemas, telemetryRecorder)
	monitorHub := monitor.New()
	resourceMonitor := resourcemon.New(agents, opDB, telemetryRecorder, monitorHub, cfg.MetricsRetentionDays)

	terminals := tmuxprovider.NewManager()
	tmuxDriver := tmuxprovider.NewProvider(shell, workingDir)

	server := transport.New(cfg.HTTPAddr, transport.Deps{
		Agents:     agents,
		Tickets:    tickets,
		Convos:     convos,
		Sessions:   sessions,
		Runner:     runnerSvc,
		Circuits:   circuitBreaker,
		Fallback:   fallbackCtl,
		Shadow:     shadowCtl,
		Router:     routerSvc,
		Telemetry:  telemetryRecorder,
		Monitor:    monitorHub,
		TmuxDriver: tmuxDriver,
		Terminals:  terminals,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Serve(gctx)
	})
	g.Go(func() error {
		monitorHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		resourceMonitor.RunSampling(gctx)
		return nil
	})
	g.Go(func() error {
		resourceMonitor.RunAlerting(gctx)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := resourceMonitor.RunCleanup(gctx); err != nil {
					slog.Warn("resource monitor cleanup failed", "error", err)
				}
			}
		}
	})
	g.Go(func() error {
		runCleanupLoop(gctx, tickets, sessions, telemetryRecorder, cfg.MetricsRetentionDays)
		return nil
	})

	err = g.Wait()
	terminals.StopAll()
	tmuxDriver.Shutdown()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func runCleanupLoop(ctx context.Context, tickets *ticket.Store, sessions *session.Manager, telemetryRecorder *telemetry.Recorder, retentionDays int) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := tickets.Cleanup(ctx, 24*60*60*1000); err != nil {
				slog.Warn("ticket cleanup failed", "error", err)
			} else if n > 0 {
				slog.Info("cleaned up stale tickets", "count", n)
			}
			sessions.CleanupStale(30 * time.Minute)
			if n, err := telemetryRecorder.Cleanup(retentionDays); err != nil {
				slog.Warn("telemetry cleanup failed", "error", err)
			} else if n > 0 {
				slog.Info("cleaned up telemetry events", "count", n)
			}
		}
	}
}
