// Command warden runs the command validation and execution gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/warden/pkg/access"
	"github.com/odvcencio/warden/pkg/audit"
	"github.com/odvcencio/warden/pkg/config"
	"github.com/odvcencio/warden/pkg/events"
	"github.com/odvcencio/warden/pkg/executor"
	"github.com/odvcencio/warden/pkg/logging"
	"github.com/odvcencio/warden/pkg/server"
	"github.com/odvcencio/warden/pkg/task"
	"github.com/odvcencio/warden/pkg/validate"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	configPath  string
	showVersion bool
	watchConfig bool
)

func main() {
	flag.StringVar(&configPath, "config", "", "path to warden.yaml (defaults apply when empty)")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.BoolVar(&watchConfig, "watch-config", false, "reload the tool whitelist and rules on config file changes")
	flag.Parse()

	if showVersion {
		fmt.Printf("warden %s (%s, built %s)\n", version, commit, buildDate)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logging.NewLogger(cfg.Logging.Dir)
	if err != nil {
		return fmt.Errorf("opening logs: %w", err)
	}
	defer log.Close()
	log.SetMinLevel(logging.Level(cfg.Logging.Level))

	validator, err := validate.New(cfg)
	if err != nil {
		return err
	}

	sink, err := newAuditSink(cfg)
	if err != nil {
		return err
	}
	defer sink.Close()
	auditor := audit.NewWriter(sink, cfg.Audit, log)

	emitter, err := newEmitter(cfg)
	if err != nil {
		return err
	}
	defer emitter.Close()

	controller := access.NewController(cfg)
	exec := executor.New(cfg.Execution, cfg.Security.SandboxRoot, log)
	mgr := task.NewManager(cfg, validator, controller, exec, emitter, auditor, log)
	srv := server.New(cfg, mgr, emitter, sink, controller, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		auditor.Run(ctx)
		return nil
	})

	g.Go(func() error {
		mgr.Run(ctx)
		return nil
	})

	g.Go(func() error {
		log.Info(logging.CategoryServer, "listening", cfg.Server.Addr, map[string]any{
			"tools":   len(cfg.Tools),
			"version": version,
		})
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if watchConfig {
		watcher := config.NewWatcher(configPath, cfg, func(next *config.Config) {
			// Only the decision data swaps at runtime. Listener address,
			// sandbox root, and storage paths need a restart.
			if err := mgr.UpdateConfig(next); err != nil {
				log.Error(logging.CategoryConfig, "reload_rejected", err.Error(), nil)
				return
			}
			log.Info(logging.CategoryConfig, "reloaded", configPath, map[string]any{
				"tools": len(next.Tools),
			})
		})
		g.Go(func() error {
			watcher.Run(ctx)
			return nil
		})
	}

	return g.Wait()
}

func newAuditSink(cfg *config.Config) (audit.Sink, error) {
	if cfg.Audit.Path == "" {
		return audit.NewMemorySink(), nil
	}
	return audit.NewSQLiteSink(cfg.Audit.Path)
}

func newEmitter(cfg *config.Config) (events.Emitter, error) {
	switch cfg.Events.Mode {
	case "", "memory":
		return events.NewMemoryEmitter(), nil
	case "nats":
		return events.NewNATSEmitter(cfg.Events.NATSURL, "warden")
	default:
		return nil, fmt.Errorf("unknown events mode %q", cfg.Events.Mode)
	}
}
