// Package e2e boots a complete CapHub instance in-process — memory store,
// local queue, real worker pool, real HTTP server — and drives it over HTTP
// with the deterministic mock LLM provider.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/caphub/caphub/pkg/api"
	"github.com/caphub/caphub/pkg/config"
	"github.com/caphub/caphub/pkg/events"
	"github.com/caphub/caphub/pkg/executor"
	"github.com/caphub/caphub/pkg/handlers"
	"github.com/caphub/caphub/pkg/interrupts"
	"github.com/caphub/caphub/pkg/llm"
	"github.com/caphub/caphub/pkg/masking"
	"github.com/caphub/caphub/pkg/models"
	"github.com/caphub/caphub/pkg/queue"
	"github.com/caphub/caphub/pkg/registry"
	"github.com/caphub/caphub/pkg/storage/memory"
	"github.com/caphub/caphub/pkg/threads"
	"github.com/caphub/caphub/pkg/tools"
)

// TestApp is one booted hub instance.
type TestApp struct {
	Config     *config.Config
	Store      *memory.Store
	Bus        *events.Bus
	Queue      queue.Queue
	Registry   *registry.Service
	Threads    *threads.Service
	Interrupts *interrupts.Service
	Handlers   *handlers.Registry
	Exec       *executor.Service
	Pool       *executor.WorkerPool
	Mock       *llm.MockClient

	Server  *httptest.Server
	BaseURL string

	t *testing.T
}

type appOption func(*config.Config)

func withQueue(mutate func(*config.QueueConfig)) appOption {
	return func(cfg *config.Config) { mutate(cfg.Queue) }
}

func withExecutor(mutate func(*config.ExecutorConfig)) appOption {
	return func(cfg *config.Config) { mutate(cfg.Executor) }
}

func withInterrupts(mutate func(*config.InterruptsConfig)) appOption {
	return func(cfg *config.Config) { mutate(cfg.Interrupts) }
}

// newTestApp boots the hub. Every background loop the production binary
// runs is running here too, on tight test intervals.
func newTestApp(t *testing.T, opts ...appOption) *TestApp {
	t.Helper()

	cfg := config.Default()
	cfg.Queue.WorkerCount = 2
	cfg.Queue.MaxConcurrentRuns = 8
	cfg.Queue.PollInterval = config.Duration(10 * time.Millisecond)
	cfg.Queue.PollIntervalJitter = config.Duration(5 * time.Millisecond)
	cfg.Queue.GracefulShutdownTimeout = config.Duration(500 * time.Millisecond)
	cfg.Executor.GraceWindow = config.Duration(200 * time.Millisecond)
	cfg.Interrupts.SweepInterval = config.Duration(25 * time.Millisecond)
	for _, opt := range opts {
		opt(cfg)
	}

	store := memory.New()
	bus := events.NewBus(cfg.Events)
	pub := events.NewPublisher(bus, store.Events(), nil, true)

	reg := registry.NewService(store.Agents(), store.Runs(), cfg.Routing)
	thr := threads.NewService(store.Threads(), store.Agents(), nil, cfg.Threads)
	intr := interrupts.NewService(store.Interrupts(), store.Agents(), pub, cfg.Interrupts)

	hreg := handlers.NewRegistry()
	require.NoError(t, handlers.RegisterBuiltins(hreg))
	router := handlers.NewRouter(hreg, cfg.Routing)

	providers, err := llm.NewProviders(&config.LLMConfig{
		DefaultProvider: "mock",
		Providers: map[string]*config.LLMProviderConfig{
			"mock": {Type: config.LLMProviderMock},
		},
	})
	require.NoError(t, err)
	mock := providers.Default().(*llm.MockClient)

	q := queue.NewLocal(cfg.Queue.LeaseTTL.Std())

	exec := executor.NewService(executor.Deps{
		Store:      store,
		Registry:   reg,
		Threads:    thr,
		Interrupts: intr,
		Handlers:   hreg,
		Router:     router,
		Providers:  providers,
		Tools:      tools.NewRegistry(masking.NewService(cfg.Masking)),
		Queue:      q,
		Publisher:  pub,
	}, cfg.Executor, false)

	ctx := context.Background()

	sweeper := interrupts.NewSweeper(intr, cfg.Interrupts)
	sweeper.Start(ctx)
	t.Cleanup(sweeper.Stop)

	pool := executor.NewWorkerPool(exec, q, bus, cfg.Queue)
	require.NoError(t, pool.Start(ctx))
	t.Cleanup(pool.Stop)

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
	httpServer := httptest.NewServer(srv.Router())
	t.Cleanup(httpServer.Close)

	return &TestApp{
		Config:     cfg,
		Store:      store,
		Bus:        bus,
		Queue:      q,
		Registry:   reg,
		Threads:    thr,
		Interrupts: intr,
		Handlers:   hreg,
		Exec:       exec,
		Pool:       pool,
		Mock:       mock,
		Server:     httpServer,
		BaseURL:    httpServer.URL,
		t:          t,
	}
}

// RestartWorkers simulates a replica crash and restart: the current pool is
// stopped (force-aborting anything still running) and a fresh pool starts
// against the same store and queue.
func (a *TestApp) RestartWorkers() {
	a.t.Helper()
	a.Pool.Stop()
	a.Pool = executor.NewWorkerPool(a.Exec, a.Queue, a.Bus, a.Config.Queue)
	require.NoError(a.t, a.Pool.Start(context.Background()))
	a.t.Cleanup(a.Pool.Stop)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call performs one API request and decodes the response envelope.
func (a *TestApp) call(method, path string, body, out any) (int, *envelope) {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, a.BaseURL+path, &buf)
	require.NoError(a.t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.Server.Client().Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(a.t, json.NewDecoder(resp.Body).Decode(&env))
	if out != nil && env.Data != nil {
		require.NoError(a.t, json.Unmarshal(env.Data, out))
	}
	return resp.StatusCode, &env
}

// RegisterAgent registers an agent over HTTP and fails the test on error.
func (a *TestApp) RegisterAgent(spec models.AgentSpec) *models.Agent {
	a.t.Helper()
	if spec.Version == "" {
		spec.Version = "1.0.0"
	}
	var agent models.Agent
	status, env := a.call("POST", "/api/cap/agents", spec, &agent)
	require.Equal(a.t, http.StatusCreated, status, "register agent: %+v", env.Error)
	return &agent
}

// SubmitRun submits a run over HTTP.
func (a *TestApp) SubmitRun(req models.SubmitRunRequest) *models.Run {
	a.t.Helper()
	var run models.Run
	status, env := a.call("POST", "/api/cap/runs", req, &run)
	require.Equal(a.t, http.StatusCreated, status, "submit run: %+v", env.Error)
	return &run
}

// GetRun fetches a run over HTTP.
func (a *TestApp) GetRun(runID string) *models.Run {
	a.t.Helper()
	var run models.Run
	status, env := a.call("GET", "/api/cap/runs/"+runID, nil, &run)
	require.Equal(a.t, http.StatusOK, status, "get run: %+v", env.Error)
	return &run
}

// WaitForStatus polls a run until it reaches the wanted status.
func (a *TestApp) WaitForStatus(runID string, want models.RunStatus, timeout time.Duration) *models.Run {
	a.t.Helper()
	var last *models.Run
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		last = a.GetRun(runID)
		if last.Status == want {
			return last
		}
		time.Sleep(10 * time.Millisecond)
	}
	a.t.Fatalf("run %s never reached %s (last: %s)", runID, want, last.Status)
	return nil
}

// WaitForInterrupt polls until the run has a pending interrupt.
func (a *TestApp) WaitForInterrupt(runID string, timeout time.Duration) *models.Interrupt {
	a.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var list models.InterruptListResponse
		status, _ := a.call("GET", fmt.Sprintf("/api/cap/interrupts?run_id=%s", runID), nil, &list)
		require.Equal(a.t, http.StatusOK, status)
		for _, intr := range list.Interrupts {
			if !intr.Status.Terminal() {
				return intr
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	a.t.Fatalf("run %s never raised an interrupt", runID)
	return nil
}

// ResolveInterrupt resolves an interrupt over HTTP.
func (a *TestApp) ResolveInterrupt(interruptID string, response models.InterruptResponse) *models.Interrupt {
	a.t.Helper()
	var intr models.Interrupt
	status, env := a.call("POST", "/api/cap/interrupts/"+interruptID+"/resolve", response, &intr)
	require.Equal(a.t, http.StatusOK, status, "resolve interrupt: %+v", env.Error)
	return &intr
}

func userInput(content string) models.RunInput {
	return models.RunInput{
		Messages: []models.RunMessage{{Role: models.RoleUser, Content: content}},
	}
}
