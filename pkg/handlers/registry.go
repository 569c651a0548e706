package handlers

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/models"
)

// Registry holds registered step handlers keyed by name@version and indexed
// by operation for routing.
type Registry struct {
	mu    sync.RWMutex
	byKey map[string]Handler
	byOp  map[models.Operation][]Handler
}

func NewRegistry() *Registry {
	return &Registry{
		byKey: make(map[string]Handler),
		byOp:  make(map[models.Operation][]Handler),
	}
}

// Register adds a handler. Duplicate name+version is rejected.
func (r *Registry) Register(h Handler) error {
	meta := h.Meta()
	if meta.Name == "" || meta.Version == "" {
		return caperr.New(caperr.CodeValidInput, "handlers: name and version are required")
	}
	if !models.KnownOperation(meta.Operation) {
		return caperr.Newf(caperr.CodeValidInput, "handlers: unknown operation %q", meta.Operation)
	}
	key := meta.Key()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byKey[key]; exists {
		return caperr.Newf(caperr.CodeValidInput, "handlers: %s is already registered", key)
	}
	r.byKey[key] = h
	r.byOp[meta.Operation] = append(r.byOp[meta.Operation], h)

	slog.Debug("Handler registered",
		"handler", key,
		"operation", meta.Operation,
		"priority", meta.Priority)
	return nil
}

// Get returns the handler registered under name@version.
func (r *Registry) Get(name, version string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byKey[models.HandlerMeta{Name: name, Version: version}.Key()]
	return h, ok
}

// ByOperation returns the handlers registered for an operation.
func (r *Registry) ByOperation(op models.Operation) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handler, len(r.byOp[op]))
	copy(out, r.byOp[op])
	return out
}

// List returns all registered handler metadata sorted by name then version.
func (r *Registry) List() []models.HandlerMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	metas := make([]models.HandlerMeta, 0, len(r.byKey))
	for _, h := range r.byKey {
		metas = append(metas, h.Meta())
	}
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].Name != metas[j].Name {
			return metas[i].Name < metas[j].Name
		}
		return models.CompareVersions(metas[i].Version, metas[j].Version) < 0
	})
	return metas
}

// RegisterBuiltins registers the built-in handler set covering the full
// operation vocabulary.
func RegisterBuiltins(r *Registry) error {
	builtins := []Handler{
		NewGenericHandler(),
		NewReasoningHandler(),
		NewClassificationHandler(),
		NewExtractionHandler(),
		NewRAGHandler(),
		NewToolCallHandler(0),
		NewAgentInvocationHandler(),
	}
	for _, h := range builtins {
		if err := r.Register(h); err != nil {
			return err
		}
	}
	return nil
}
