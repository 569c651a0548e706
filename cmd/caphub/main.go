// CapHub server — hosts the agent registry, thread store, run executor and
// interrupt subsystem behind the /api/cap HTTP surface, and runs the worker
// pool that drives queued runs.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/caphub/caphub/pkg/api"
	"github.com/caphub/caphub/pkg/cleanup"
	"github.com/caphub/caphub/pkg/config"
	"github.com/caphub/caphub/pkg/events"
	"github.com/caphub/caphub/pkg/executor"
	"github.com/caphub/caphub/pkg/handlers"
	"github.com/caphub/caphub/pkg/interrupts"
	"github.com/caphub/caphub/pkg/llm"
	"github.com/caphub/caphub/pkg/masking"
	"github.com/caphub/caphub/pkg/metrics"
	"github.com/caphub/caphub/pkg/notify"
	"github.com/caphub/caphub/pkg/queue"
	"github.com/caphub/caphub/pkg/registry"
	"github.com/caphub/caphub/pkg/retrieval"
	"github.com/caphub/caphub/pkg/storage"
	"github.com/caphub/caphub/pkg/storage/memory"
	"github.com/caphub/caphub/pkg/storage/postgres"
	"github.com/caphub/caphub/pkg/threads"
	"github.com/caphub/caphub/pkg/tools"
	"github.com/caphub/caphub/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// usePostgres decides the storage backend. Explicit CAPHUB_STORAGE wins;
// otherwise a configured DATABASE_URL selects postgres and everything else
// runs on the in-memory store.
func usePostgres(cfg *config.Config) bool {
	switch os.Getenv("CAPHUB_STORAGE") {
	case "postgres":
		return true
	case "memory":
		return false
	}
	return cfg.Database.URL != ""
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	slog.Info("Starting CapHub", "version", version.Full(), "config_dir", *configDir)

	ctx := context.Background()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// Storage. Postgres carries the durable stores, the event log and
	// LISTEN/NOTIFY fan-out; memory mode runs everything in-process.
	var store storage.Store
	distributed := usePostgres(cfg)
	if distributed {
		if err := postgres.Migrate(cfg.Database); err != nil {
			slog.Error("Failed to run migrations", "error", err)
			os.Exit(1)
		}
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		store = postgres.New(pool)
		slog.Info("Connected to PostgreSQL")
	} else {
		store = memory.New()
		slog.Info("Using in-memory storage")
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()

	// Event delivery: local bus everywhere, plus the NOTIFY bridge when
	// running on postgres so SSE works from any replica.
	bus := events.NewBus(cfg.Events)

	var notifier events.TransientNotifier
	if distributed {
		notifier, _ = store.Events().(events.TransientNotifier)

		listener := events.NewNotifyListener(cfg.Database.DSN(), bus, store.Events())
		if err := listener.Start(ctx); err != nil {
			slog.Error("Failed to start NOTIFY listener", "error", err)
			os.Exit(1)
		}
		defer listener.Stop(ctx)
		bus.SetListener(listener)
	}
	pub := events.NewPublisher(bus, store.Events(), notifier, true)

	// LLM providers.
	providers, err := llm.NewProviders(cfg.LLM)
	if err != nil {
		slog.Error("Failed to initialize LLM providers", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := providers.Close(); err != nil {
			slog.Error("Error closing LLM providers", "error", err)
		}
	}()

	// Domain services.
	masker := masking.NewService(cfg.Masking)
	reg := registry.NewService(store.Agents(), store.Runs(), cfg.Routing)
	summarizer := threads.NewLLMSummarizer(providers.Default(), 0)
	thr := threads.NewService(store.Threads(), store.Agents(), summarizer, cfg.Threads)
	intr := interrupts.NewService(store.Interrupts(), store.Agents(), pub, cfg.Interrupts)

	hreg := handlers.NewRegistry()
	if err := handlers.RegisterBuiltins(hreg); err != nil {
		slog.Error("Failed to register handlers", "error", err)
		os.Exit(1)
	}
	router := handlers.NewRouter(hreg, cfg.Routing)

	// Knowledge store for the rag / knowledge_query operations.
	var knowledge retrieval.Store
	if cfg.Retrieval.Enabled {
		embedder, err := retrieval.NewEmbedder(cfg.Retrieval, cfg.LLM)
		if err != nil {
			slog.Error("Failed to initialize embedder", "error", err)
			os.Exit(1)
		}
		knowledge, err = retrieval.New(cfg.Retrieval, embedder)
		if err != nil {
			slog.Error("Failed to open knowledge store", "error", err)
			os.Exit(1)
		}
		slog.Info("Knowledge store initialized", "collection", cfg.Retrieval.Collection)
	}

	// Run queue.
	var q queue.Queue
	switch cfg.Queue.Backend {
	case config.QueueBackendPostgres:
		pg, ok := store.(*postgres.Store)
		if !ok {
			slog.Error("Queue backend postgres requires postgres storage")
			os.Exit(1)
		}
		q = queue.NewPostgres(pg.Pool(), cfg.Queue.LeaseTTL.Std())
	case config.QueueBackendRedis:
		q, err = queue.NewRedis(cfg.Queue)
		if err != nil {
			slog.Error("Failed to connect to redis queue", "error", err)
			os.Exit(1)
		}
	default:
		q = queue.NewLocal(cfg.Queue.LeaseTTL.Std())
	}
	defer func() {
		if err := q.Close(); err != nil {
			slog.Error("Error closing queue", "error", err)
		}
	}()

	// The prober exists before the executor so terminal run outcomes feed
	// its rolling health windows.
	prober := registry.NewProber(reg, store.Runs(), pub, cfg.Health)

	exec := executor.NewService(executor.Deps{
		Store:      store,
		Registry:   reg,
		Threads:    thr,
		Interrupts: intr,
		Handlers:   hreg,
		Router:     router,
		Providers:  providers,
		Tools:      tools.NewRegistry(masker),
		Knowledge:  knowledge,
		Queue:      q,
		Publisher:  pub,
		Masker:     masker,
		Health:     prober,
	}, cfg.Executor, cfg.Queue.Backend.Distributed())

	metrics.RegisterQueueDepth(func() float64 {
		depth, err := q.Depth(context.Background())
		if err != nil {
			return 0
		}
		return float64(depth)
	})
	metrics.RegisterDroppedEvents(func() float64 {
		return float64(bus.Dropped())
	})

	// Re-enqueue runs stranded by a previous crash before claiming starts.
	if n, err := exec.RecoverUnfinished(ctx); err != nil {
		slog.Error("Failed to recover unfinished runs", "error", err)
	} else if n > 0 {
		slog.Info("Recovered unfinished runs", "count", n)
	}

	// Background loops.
	prober.Start(ctx)
	defer prober.Stop()

	interruptSweeper := interrupts.NewSweeper(intr, cfg.Interrupts)
	interruptSweeper.Start(ctx)
	defer interruptSweeper.Stop()

	leaseSweeper := queue.NewLeaseSweeper(q, cfg.Queue)
	leaseSweeper.Start(ctx)
	defer leaseSweeper.Stop()

	janitor := cleanup.NewService(cfg.Retention, store)
	janitor.Start(ctx)
	defer janitor.Stop()

	webhooks := notify.NewService(cfg.Notifier, bus, intr)
	webhooks.Start(ctx)
	defer webhooks.Stop()

	pool := executor.NewWorkerPool(exec, q, bus, cfg.Queue)
	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Registry:   reg,
		Threads:    thr,
		Runs:       exec,
		Interrupts: intr,
		Bus:        bus,
		Catchup:    events.NewCatchup(store.Events(), cfg.Events.CatchupLimit),
		Store:      store,
		Queue:      q,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	slog.Info("CapHub started",
		"addr", cfg.Server.Addr(),
		"workers", cfg.Queue.WorkerCount,
		"queue_backend", cfg.Queue.Backend)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Drain workers first so in-flight runs checkpoint or finish, then stop
	// accepting HTTP. The deferred stops wind down the background loops.
	pool.Stop()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("HTTP shutdown error", "error", err)
	}
	slog.Info("CapHub stopped")
}
