package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"kagan/internal/api"
	"kagan/internal/automation"
	"kagan/internal/config"
	"kagan/internal/db"
	"kagan/internal/events"
	"kagan/internal/ipc"
	"kagan/internal/jobs"
	"kagan/internal/logging"
	"kagan/internal/mcpadapter"
	"kagan/internal/runtimeview"
	"kagan/internal/store"
	"kagan/internal/version"
	"kagan/pkg/gitwt"
)

var (
	cfgFile string
	debug   bool

	rootCmd = &cobra.Command{
		Use:     "kagan-core",
		Short:   "Kagan core daemon",
		Long:    "Kagan core: the IPC host, automation engine, and workspace service behind the Kagan coding-agent manager.",
		Version: version.GetVersionString(),
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the Kagan core daemon",
		Long:  "Start the IPC host, the automation engine's event loop, and the embedded event bus, and block until a shutdown signal arrives.",
		RunE:  runServe,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $XDG_CONFIG_HOME/kagan/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Debug = true
	}
	logging.Initialize(cfg.Debug)

	if err := os.MkdirAll(cfg.RuntimeDir, 0o755); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}
	if err := os.MkdirAll(cfg.WorkspaceRoot, 0o755); err != nil {
		return fmt.Errorf("create workspace root: %w", err)
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(sdkresource.NewSchemaless(
			attribute.String("service.name", "kagan-core"),
			attribute.String("service.version", version.GetVersionString()),
		)),
	)
	otel.SetTracerProvider(tracerProvider)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logging.Error("tracer provider shutdown: %v", err)
		}
	}()

	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	bus, err := events.NewBus(cfg.Events)
	if err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}
	defer bus.Close()

	st := store.New(database)
	git := gitwt.NewService(cfg.WorkspaceRoot)
	runtime := runtimeview.NewRegistry()

	engine := automation.NewEngine(st, runtime, git, bus, *cfg)
	if err := engine.Subscribe(); err != nil {
		return fmt.Errorf("subscribe automation engine: %w", err)
	}

	jobSvc := jobs.NewService(st, engine, git, bus, *cfg)

	a := api.New(st, engine, jobSvc, git, runtime, *cfg)

	host := ipc.NewHost(ipc.Options{
		RuntimeDir:            cfg.RuntimeDir,
		DaemonVersion:         version.GetVersionString(),
		Store:                 st,
		Bus:                   bus,
		HeartbeatInterval:     cfg.Lease.HeartbeatInterval,
		LeaseStaleAfter:       cfg.Lease.StaleAfter,
		IdempotencyCacheLimit: cfg.General.IdempotencyCacheLimit,
		IdleTimeout:           time.Duration(cfg.General.CoreIdleTimeoutSeconds) * time.Second,
	})
	a.Register(host)

	var mcp *mcpadapter.Adapter
	if cfg.MCP.Enabled {
		mcp = mcpadapter.New(host, cfg.MCP, version.GetVersionString())
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		engine.Run(ctx)
	}()

	go func() {
		defer wg.Done()
		if err := host.Start(ctx); err != nil {
			logging.Error("ipc host failed to start: %v", err)
			cancel()
			return
		}
		<-ctx.Done()
		host.Stop()
	}()

	if mcp != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mcp.Start(ctx); err != nil {
				logging.Error("mcp adapter stopped: %v", err)
			}
		}()
	}

	logging.Info("kagan-core serving from %s", filepath.Clean(cfg.RuntimeDir))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sig:
		logging.Info("shutdown signal received")
	case <-ctx.Done():
	}

	cancel()
	engine.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if mcp != nil {
		if err := mcp.Shutdown(shutdownCtx); err != nil {
			logging.Error("mcp adapter shutdown: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Info("all services stopped cleanly")
	case <-shutdownCtx.Done():
		logging.Error("shutdown timeout exceeded, forcing exit")
	}
	return nil
}
