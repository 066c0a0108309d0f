// docengine pipeline runner
//
// Loads a pipeline definition, runs a document through it and prints the
// final status report as JSON.
//
// Usage:
//
//	docengine -pipeline pipeline.yaml -doc doc-123
//	docengine -pipeline pipeline.yaml -doc doc-123 -redis localhost:6379
//	docengine -pipeline pipeline.yaml -doc doc-123 -dry-run
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docforge-labs/docengine/engine/config"
	"github.com/docforge-labs/docengine/engine/logging"
	"github.com/docforge-labs/docengine/engine/monitor"
	"github.com/docforge-labs/docengine/engine/observability"
	"github.com/docforge-labs/docengine/engine/processor"
	"github.com/docforge-labs/docengine/engine/runtime"
	"github.com/docforge-labs/docengine/engine/statestore"
	"github.com/docforge-labs/docengine/engine/workerpool"
	"github.com/docforge-labs/docengine/eventbus"
)

func main() {
	pipelinePath := flag.String("pipeline", "", "path to the pipeline definition yaml")
	docID := flag.String("doc", "", "document id to run")
	redisAddr := flag.String("redis", "", "redis address for checkpoints (empty uses in-memory)")
	otlpEndpoint := flag.String("otlp", "", "OTLP collector endpoint for tracing (empty disables)")
	dryRun := flag.Bool("dry-run", false, "validate stages without processing")
	dev := flag.Bool("dev", false, "console logging instead of JSON")
	flag.Parse()

	if *pipelinePath == "" || *docID == "" {
		fmt.Fprintln(os.Stderr, "usage: docengine -pipeline <file> -doc <id> [-redis addr] [-dry-run]")
		os.Exit(2)
	}

	var logger logging.Logger
	var err error
	if *dev {
		logger, err = logging.NewDevelopment()
	} else {
		logger, err = logging.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	if *otlpEndpoint != "" {
		shutdown, err := observability.InitTracer("docengine", *otlpEndpoint)
		if err != nil {
			logger.Error("tracing_init_failed", "error", err.Error())
		} else {
			defer shutdown(context.Background())
		}
	}

	cfg, err := config.LoadPipelineFile(*pipelinePath)
	if err != nil {
		logger.Error("pipeline_load_failed", "path", *pipelinePath, "error", err.Error())
		os.Exit(1)
	}
	logger.Info("pipeline_loaded", "pipeline", cfg.Name, "stages", len(cfg.Stages))

	var store statestore.Store
	if *redisAddr != "" {
		redisStore := statestore.NewRedisStore(*redisAddr, "", 0)
		defer redisStore.Close()
		store = redisStore
	} else {
		store = statestore.NewMemoryStore()
	}

	bus := eventbus.NewBus(logger, 1024)
	bus.Use(eventbus.NewValidationMiddleware())
	bus.Use(eventbus.NewLoggingMiddleware(logger))
	bus.Start()
	defer bus.Stop()

	mon := monitor.New(monitor.DefaultConfig(), nil, logger)
	mon.SetEventBus(bus)
	mon.Start()
	defer mon.Stop()

	registry, err := processor.NewRegistry(logger, 64)
	if err != nil {
		logger.Error("registry_init_failed", "error", err.Error())
		os.Exit(1)
	}
	if err := registry.Register("passthrough", func(map[string]any) (processor.Processor, error) {
		return processor.NewPassthrough(), nil
	}); err != nil {
		logger.Error("processor_register_failed", "error", err.Error())
		os.Exit(1)
	}
	defer registry.Shutdown(context.Background())

	pool, err := workerpool.NewPool(workerpool.DefaultConfig(), logger)
	if err != nil {
		logger.Error("pool_init_failed", "error", err.Error())
		os.Exit(1)
	}
	pool.SetEventBus(bus)
	pool.SetMonitor(mon)
	pool.Start()
	defer pool.Stop(30 * time.Second)

	startup := eventbus.New(eventbus.EventSystemStarted, map[string]any{
		"pipeline": cfg.Name,
	}).WithSource("docengine")
	if err := bus.Publish(context.Background(), startup); err != nil {
		logger.Warn("startup_event_publish_failed", "error", err.Error())
	}

	manager, err := runtime.NewManager(cfg, runtime.Deps{
		Registry: registry,
		Pool:     pool,
		Monitor:  mon,
		Bus:      bus,
		Store:    store,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("manager_init_failed", "error", err.Error())
		os.Exit(1)
	}

	runID, err := manager.CreatePipeline(*docID, map[string]any{
		"submitted_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		logger.Error("run_create_failed", "error", err.Error())
		os.Exit(1)
	}

	// Cancel the run on SIGINT/SIGTERM and let it settle.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutdown_signal_received", "signal", sig.String())
		if err := manager.Cancel(runID); err != nil {
			logger.Warn("cancel_failed", "error", err.Error())
		}
	}()

	_, execErr := manager.Execute(context.Background(), runID, runtime.ExecuteOptions{DryRun: *dryRun})

	status, err := manager.Status(runID)
	if err != nil {
		logger.Error("status_failed", "error", err.Error())
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(status, "", "  ")
	fmt.Println(string(out))

	if execErr != nil {
		logger.Error("run_finished_with_error", "run_id", runID, "error", execErr.Error())
		os.Exit(1)
	}
	logger.Info("run_finished", "run_id", runID, "state", string(status.State))
}
