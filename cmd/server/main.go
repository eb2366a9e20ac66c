// Command server runs the task engine HTTP server: it wires the stores,
// the event bus, the aggregators and the worker pool together, registers
// the summarization task types and serves the task and document APIs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pagekeep/taskengine/internal/aggregator"
	"github.com/pagekeep/taskengine/internal/api"
	"github.com/pagekeep/taskengine/internal/config"
	"github.com/pagekeep/taskengine/internal/events"
	"github.com/pagekeep/taskengine/internal/notify"
	"github.com/pagekeep/taskengine/internal/platform/gemini"
	"github.com/pagekeep/taskengine/internal/platform/logger"
	"github.com/pagekeep/taskengine/internal/store"
	"github.com/pagekeep/taskengine/internal/summarize"
	"github.com/pagekeep/taskengine/internal/task"
	"github.com/pagekeep/taskengine/internal/tasks"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

// engineService joins the submission and cancellation surfaces the API
// depends on.
type engineService struct {
	*task.Submitter
	*task.Runner
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.Setup(cfg.Server.LogLevel)
	log.Info("starting task engine server",
		"port", cfg.Server.Port,
		"workers", cfg.Engine.WorkerCount)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	taskStore, documentStore, closeStores, err := setupStores(cfg, log)
	if err != nil {
		return err
	}
	defer closeStores()

	summarizer, err := setupSummarizer(ctx, cfg, log)
	if err != nil {
		return err
	}

	// Engine plumbing. The bus buffer matches the dispatch queue: both
	// absorb the same burst.
	bus := events.NewBus(cfg.Engine.QueueSize, log)
	queue := task.NewQueue(cfg.Engine.QueueSize, log)
	registry := task.NewRegistry()
	submitter := task.NewSubmitter(taskStore, registry, queue, bus, log)

	runner := task.NewRunner(taskStore, registry, bus, queue, submitter, task.RunnerConfig{
		WorkerCount:            cfg.Engine.WorkerCount,
		QueueSize:              cfg.Engine.QueueSize,
		MaxRetries:             cfg.Engine.MaxRetries,
		RetryBackoff:           cfg.Engine.RetryBackoff,
		MaxRetryBackoff:        cfg.Engine.MaxRetryBackoff,
		StuckTaskAge:           cfg.Engine.StuckTaskAge,
		StuckTaskCheckInterval: cfg.Engine.StuckTaskCheckInterval,
		NodeID:                 cfg.Engine.NodeID,
	}, log)

	if err := registerExecutables(registry, documentStore, summarizer, log); err != nil {
		return err
	}

	// Event consumers. Subscription order does not matter; each consumer
	// gets its own in-order stream.
	fanIn := aggregator.NewFanIn(taskStore, bus, log)
	if err := fanIn.Register(tasks.NewBatchSummaryFolder(log)); err != nil {
		return fmt.Errorf("failed to register batch folder: %w", err)
	}
	hub := notify.NewHub(taskStore, log)

	bus.Subscribe(aggregator.NewStateAggregator(taskStore, log))
	bus.Subscribe(fanIn)
	bus.Subscribe(notify.NewBridge(hub))

	if err := runner.Start(); err != nil {
		return fmt.Errorf("failed to start task runner: %w", err)
	}

	router := api.NewRouter(api.RouterDeps{
		Tasks:     api.NewTaskHandler(&engineService{submitter, runner}, taskStore),
		Documents: api.NewDocumentHandler(documentStore),
		Watch:     api.NewWatchHandler(hub, log),
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	// Stop intake first, then drain the engine, then the push streams.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", "error", err)
	}

	runner.Stop()
	bus.Close()
	hub.Close()

	log.Info("server stopped")
	return nil
}

// registerExecutables creates and registers every task type the server
// executes.
func registerExecutables(
	registry *task.Registry,
	documents store.DocumentStore,
	summarizer summarize.Summarizer,
	log *slog.Logger,
) error {
	chapter, err := tasks.NewChapterSummaryExecutable(documents, summarizer, log)
	if err != nil {
		return fmt.Errorf("failed to create chapter executable: %w", err)
	}
	batch, err := tasks.NewBatchSummaryExecutable(documents, log)
	if err != nil {
		return fmt.Errorf("failed to create batch executable: %w", err)
	}
	for _, e := range []task.Executable{chapter, batch} {
		if err := registry.Register(e); err != nil {
			return fmt.Errorf("failed to register %s: %w", e.Type(), err)
		}
	}
	return nil
}

// setupSummarizer builds the Gemini summarizer from configuration.
func setupSummarizer(ctx context.Context, cfg *config.Config, log *slog.Logger) (summarize.Summarizer, error) {
	summarizer, err := gemini.NewGeminiSummarizer(ctx, log, cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to create summarizer: %w", err)
	}
	return summarizer, nil
}
