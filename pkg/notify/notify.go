// Package notify delivers interrupt notifications to an external webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/caphub/caphub/pkg/config"
	"github.com/caphub/caphub/pkg/events"
	"github.com/caphub/caphub/pkg/interrupts"
	"github.com/caphub/caphub/pkg/models"
)

// Notification is the JSON body POSTed to the webhook for every pending
// interrupt.
type Notification struct {
	InterruptID string                   `json:"interrupt_id"`
	RunID       string                   `json:"run_id"`
	Type        models.InterruptType     `json:"type"`
	Priority    models.InterruptPriority `json:"priority"`
	Message     string                   `json:"message,omitempty"`
	ExpiresAt   string                   `json:"expires_at,omitempty"`
	Timestamp   string                   `json:"timestamp"`
}

// Service watches the interrupts channel and POSTs a notification for every
// newly created interrupt. A 2xx acknowledges delivery and moves the
// interrupt pending -> notified. Delivery is best-effort: resolution through
// the API never depends on it, and failures only log.
//
// Nil-safe: all methods are no-ops when the service is nil.
type Service struct {
	cfg        *config.NotifierConfig
	bus        *events.Bus
	interrupts *interrupts.Service
	client     *http.Client

	baseCtx  context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService creates a webhook notifier. Returns nil when the notifier is
// disabled or has no webhook URL, which disables notification delivery
// without any caller-side checks.
func NewService(cfg *config.NotifierConfig, bus *events.Bus, intr *interrupts.Service) *Service {
	if cfg == nil || !cfg.Enabled || cfg.WebhookURL == "" {
		return nil
	}
	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		cfg:        cfg,
		bus:        bus,
		interrupts: intr,
		client:     &http.Client{Timeout: timeout},
	}
}

// Start launches the delivery loop.
func (s *Service) Start(ctx context.Context) {
	if s == nil {
		return
	}
	s.baseCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.wg.Add(1)
	go s.watch()
	slog.Info("Interrupt notifier started", "webhook_url", s.cfg.WebhookURL)
}

// Stop terminates the delivery loop and waits for in-flight deliveries.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		slog.Info("Interrupt notifier stopped")
	})
}

func (s *Service) watch() {
	defer s.wg.Done()

	for {
		sub, err := s.bus.Subscribe(s.baseCtx, events.InterruptsChannel)
		if err != nil {
			if s.baseCtx.Err() != nil {
				return
			}
			slog.Error("Notifier subscribe failed", "error", err)
			select {
			case <-s.baseCtx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if !s.consume(sub) {
			return
		}
		// Channel closed under overflow pressure; resubscribe.
	}
}

// consume drains one subscription. Returns false on shutdown.
func (s *Service) consume(sub *events.Subscription) bool {
	defer sub.Close()
	for {
		select {
		case <-s.baseCtx.Done():
			return false
		case env, ok := <-sub.Events():
			if !ok {
				return true
			}
			s.handle(env)
		}
	}
}

func (s *Service) handle(env events.Envelope) {
	if env.Type != events.EventInterrupt {
		return
	}
	var payload events.InterruptEventPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		slog.Warn("Notifier: undecodable interrupt event", "error", err)
		return
	}
	// Only freshly created interrupts need delivery; later transitions are
	// published on the same channel and are skipped here.
	if payload.Status != models.InterruptStatusPending {
		return
	}

	if err := s.deliver(payload); err != nil {
		slog.Error("Interrupt notification failed",
			"interrupt_id", payload.InterruptID,
			"run_id", payload.RunID,
			"error", err)
		return
	}

	if _, err := s.interrupts.MarkNotified(s.baseCtx, payload.InterruptID); err != nil {
		// Already viewed or resolved before delivery completed; the
		// notification still went out, so this is not a failure.
		slog.Debug("Interrupt advanced before notified ack",
			"interrupt_id", payload.InterruptID, "error", err)
		return
	}
	slog.Info("Interrupt notification delivered",
		"interrupt_id", payload.InterruptID, "run_id", payload.RunID)
}

func (s *Service) deliver(payload events.InterruptEventPayload) error {
	body, err := json.Marshal(Notification{
		InterruptID: payload.InterruptID,
		RunID:       payload.RunID,
		Type:        payload.InterruptType,
		Priority:    payload.Priority,
		Message:     payload.Message,
		ExpiresAt:   payload.ExpiresAt,
		Timestamp:   payload.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(s.baseCtx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
