package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/config"
	"github.com/caphub/caphub/pkg/events"
	"github.com/caphub/caphub/pkg/models"
	"github.com/caphub/caphub/pkg/storage"
)

// ComponentProbe checks one dependency an agent relies on, such as the LLM
// provider or the retrieval store.
type ComponentProbe interface {
	// Name labels the component in health reports.
	Name() string

	// Critical components mark the whole agent unhealthy when they fail.
	Critical() bool

	// Relevant reports whether the component applies to the agent.
	Relevant(agent *models.Agent) bool

	// Check performs the probe.
	Check(ctx context.Context) error
}

// NewComponentProbe builds a ComponentProbe from a check function. A nil
// relevant applies the probe to every agent.
func NewComponentProbe(name string, critical bool, relevant func(*models.Agent) bool, check func(context.Context) error) ComponentProbe {
	return &funcProbe{name: name, critical: critical, relevant: relevant, check: check}
}

type funcProbe struct {
	name     string
	critical bool
	relevant func(*models.Agent) bool
	check    func(context.Context) error
}

func (p *funcProbe) Name() string   { return p.name }
func (p *funcProbe) Critical() bool { return p.critical }

func (p *funcProbe) Relevant(agent *models.Agent) bool {
	if p.relevant == nil {
		return true
	}
	return p.relevant(agent)
}

func (p *funcProbe) Check(ctx context.Context) error { return p.check(ctx) }

// Prober periodically computes a health snapshot for every non-terminal
// agent: component checks plus run statistics over a rolling outcome
// window. The composite verdict is
//
//   - unhealthy when a critical component fails or the unhealthy streak
//     reaches the configured threshold,
//   - degraded when a non-critical component fails or the success rate
//     drops below the floor,
//   - healthy otherwise.
//
// A state change is broadcast as a transient agent:health_changed event.
type Prober struct {
	service *Service
	runs    storage.RunStore
	pub     *events.Publisher
	cfg     *config.HealthConfig
	probes  []ComponentProbe

	windowMu sync.Mutex
	windows  map[string]*window

	cancel context.CancelFunc
	done   chan struct{}
}

// NewProber creates a health prober over the registry's agents.
func NewProber(service *Service, runs storage.RunStore, pub *events.Publisher, cfg *config.HealthConfig, probes ...ComponentProbe) *Prober {
	if cfg == nil {
		cfg = config.DefaultHealthConfig()
	}
	return &Prober{
		service: service,
		runs:    runs,
		pub:     pub,
		cfg:     cfg,
		probes:  probes,
		windows: make(map[string]*window),
	}
}

// RecordOutcome feeds a finished run into the agent's rolling window. The
// executor calls it on every terminal transition.
func (p *Prober) RecordOutcome(agentID string, latency time.Duration, ok bool) {
	p.windowFor(agentID).record(latency, ok)
}

// Start launches the background probe loop.
func (p *Prober) Start(ctx context.Context) {
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go p.run(ctx)

	slog.Info("Health prober started",
		"probe_interval", p.cfg.ProbeInterval,
		"unhealthy_threshold", p.cfg.UnhealthyThreshold,
		"success_rate_floor", p.cfg.SuccessRateFloor)
}

// Stop signals the probe loop to exit and waits for it to finish.
func (p *Prober) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	slog.Info("Health prober stopped")
}

func (p *Prober) run(ctx context.Context) {
	defer close(p.done)

	p.probeAll(ctx)

	ticker := time.NewTicker(p.cfg.ProbeInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	agents, _, err := p.service.agents.List(ctx, models.AgentFilters{})
	if err != nil {
		slog.Error("Health probe: agent list failed", "error", err)
		return
	}
	for _, agent := range agents {
		if ctx.Err() != nil {
			return
		}
		if agent.LifecycleState.Terminal() {
			continue
		}
		p.probeAgent(ctx, agent)
	}
}

func (p *Prober) probeAgent(ctx context.Context, agent *models.Agent) {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout.Std())
	defer cancel()

	var criticalDown, componentDegraded bool
	checks := make([]models.ComponentCheck, 0, len(p.probes))
	for _, probe := range p.probes {
		if !probe.Relevant(agent) {
			continue
		}
		check := models.ComponentCheck{Name: probe.Name(), Critical: probe.Critical(), Healthy: true}
		if err := probe.Check(probeCtx); err != nil {
			check.Healthy = false
			check.Detail = err.Error()
			if probe.Critical() {
				criticalDown = true
			} else {
				componentDegraded = true
			}
		}
		checks = append(checks, check)
	}

	avgMS, rate, samples := p.windowFor(agent.AgentID).stats()
	if samples == 0 {
		// No outcomes yet; an empty window must not count against the agent.
		rate = 1
	}

	active, err := p.runs.CountActiveByAgent(ctx, agent.AgentID)
	if err != nil {
		slog.Error("Health probe: active run count failed", "agent_id", agent.AgentID, "error", err)
		return
	}
	_, queued, err := p.runs.ListRuns(ctx, models.RunFilters{
		AgentID: agent.AgentID,
		Status:  string(models.RunStatusQueued),
		Limit:   1,
	})
	if err != nil {
		slog.Error("Health probe: queued run count failed", "agent_id", agent.AgentID, "error", err)
		return
	}

	previous := models.HealthUnknown
	streak := 0
	if agent.Health != nil {
		previous = agent.Health.Status
		streak = agent.Health.UnhealthyStreak
	}

	status := models.HealthHealthy
	switch {
	case criticalDown:
		status = models.HealthUnhealthy
	case componentDegraded || rate < p.cfg.SuccessRateFloor:
		status = models.HealthDegraded
	}
	if status == models.HealthHealthy {
		streak = 0
	} else {
		streak++
	}
	if streak >= p.cfg.UnhealthyThreshold {
		status = models.HealthUnhealthy
	}

	health := &models.HealthStatus{
		Status:          status,
		AvgLatencyMS:    avgMS,
		SuccessRate:     rate,
		ActiveRuns:      active,
		QueuedRuns:      queued,
		Components:      checks,
		UnhealthyStreak: streak,
		CheckedAt:       time.Now().UTC(),
	}
	if _, err := p.service.mutate(ctx, agent.AgentID, func(a *models.Agent) error {
		a.Health = health
		return nil
	}); err != nil {
		if caperr.IsCode(err, caperr.CodeAgentNotFound) {
			// Deleted between the list and the save.
			return
		}
		slog.Error("Health probe: save failed", "agent_id", agent.AgentID, "error", err)
		return
	}

	if status != previous {
		slog.Info("Agent health changed",
			"agent_id", agent.AgentID,
			"previous", previous,
			"status", status,
			"unhealthy_streak", streak)
		if p.pub != nil {
			if err := p.pub.PublishAgentHealthChanged(ctx, events.AgentHealthPayload{
				AgentID:   agent.AgentID,
				Status:    status,
				Previous:  previous,
				Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			}); err != nil {
				slog.Error("Health probe: event publish failed", "agent_id", agent.AgentID, "error", err)
			}
		}
	}
}

func (p *Prober) windowFor(agentID string) *window {
	p.windowMu.Lock()
	defer p.windowMu.Unlock()

	w, ok := p.windows[agentID]
	if !ok {
		w = &window{size: p.cfg.WindowSize}
		p.windows[agentID] = w
	}
	return w
}

// window is a fixed-size rolling record of run outcomes for one agent.
type window struct {
	mu       sync.Mutex
	size     int
	outcomes []outcome
}

type outcome struct {
	latency time.Duration
	ok      bool
}

func (w *window) record(latency time.Duration, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.outcomes = append(w.outcomes, outcome{latency: latency, ok: ok})
	if w.size > 0 && len(w.outcomes) > w.size {
		w.outcomes = w.outcomes[len(w.outcomes)-w.size:]
	}
}

func (w *window) stats() (avgMS float64, successRate float64, samples int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	samples = len(w.outcomes)
	if samples == 0 {
		return 0, 0, 0
	}
	var total time.Duration
	succeeded := 0
	for _, o := range w.outcomes {
		total += o.latency
		if o.ok {
			succeeded++
		}
	}
	avgMS = float64(total.Milliseconds()) / float64(samples)
	successRate = float64(succeeded) / float64(samples)
	return avgMS, successRate, samples
}
