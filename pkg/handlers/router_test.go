package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/config"
	"github.com/caphub/caphub/pkg/models"
)

func routingAgent(caps models.Capabilities) *models.Agent {
	return &models.Agent{AgentID: "agent-1", Name: "Routing Agent", Capabilities: caps}
}

func builtinRouter(t *testing.T, cfg *config.RoutingConfig) *Router {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg))
	return NewRouter(reg, cfg)
}

func TestRouteExplicitOperation(t *testing.T) {
	router := builtinRouter(t, nil)

	decision, err := router.Route(models.RunInput{
		Operation: models.OperationRAG,
		Payload:   map[string]any{"query": "x"},
	}, routingAgent(models.Capabilities{}))
	require.NoError(t, err)

	assert.Equal(t, models.OperationRAG, decision.Operation)
	assert.Equal(t, 1.0, decision.Confidence)
	assert.Equal(t, "explicit: operation rag", decision.Reason)
	assert.Equal(t, "core.rag", decision.Handler.Name)
}

func TestRouteUnknownExplicitOperation(t *testing.T) {
	router := builtinRouter(t, nil)

	_, err := router.Route(models.RunInput{Operation: "telepathy"}, routingAgent(models.Capabilities{}))
	require.Error(t, err)
	assert.True(t, caperr.IsCode(err, caperr.CodeValidField))
}

func TestRoutePatternDetection(t *testing.T) {
	router := builtinRouter(t, nil)
	agent := routingAgent(models.Capabilities{})

	tests := []struct {
		name       string
		input      models.RunInput
		op         models.Operation
		confidence float64
		reason     string
	}{
		{
			name:       "text plus categories is classification",
			input:      models.RunInput{Payload: map[string]any{"text": "t", "categories": []any{"a"}}},
			op:         models.OperationClassification,
			confidence: 0.95,
			reason:     "pattern: text+categories",
		},
		{
			name:       "text plus schema is extraction",
			input:      models.RunInput{Payload: map[string]any{"text": "t", "schema": map[string]any{}}},
			op:         models.OperationExtraction,
			confidence: 0.95,
			reason:     "pattern: text+schema",
		},
		{
			name:       "query plus context ids is rag",
			input:      models.RunInput{Payload: map[string]any{"query": "q", "context_ids": []any{"kb"}}},
			op:         models.OperationRAG,
			confidence: 0.90,
			reason:     "pattern: query+context_ids",
		},
		{
			name:       "question plus context ids is rag",
			input:      models.RunInput{Payload: map[string]any{"question": "q", "context_ids": []any{"kb"}}},
			op:         models.OperationRAG,
			confidence: 0.90,
			reason:     "pattern: query+context_ids",
		},
		{
			name:       "bare question is reasoning",
			input:      models.RunInput{Payload: map[string]any{"question": "why"}},
			op:         models.OperationReasoning,
			confidence: 0.70,
			reason:     "pattern: question",
		},
		{
			name:       "bare query is rag",
			input:      models.RunInput{Payload: map[string]any{"query": "how"}},
			op:         models.OperationRAG,
			confidence: 0.60,
			reason:     "pattern: query",
		},
		{
			name:       "message is generic",
			input:      models.RunInput{Payload: map[string]any{"message": "hi"}},
			op:         models.OperationGeneric,
			confidence: 0.50,
			reason:     "pattern: message",
		},
		{
			name:       "request is generic",
			input:      models.RunInput{Payload: map[string]any{"request": "do"}},
			op:         models.OperationGeneric,
			confidence: 0.50,
			reason:     "pattern: request",
		},
		{
			name:       "conversation messages alone are generic",
			input:      models.RunInput{Messages: []models.RunMessage{{Role: models.RoleUser, Content: "hi"}}},
			op:         models.OperationGeneric,
			confidence: 0.50,
			reason:     "pattern: messages",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := router.Route(tt.input, agent)
			require.NoError(t, err)
			assert.Equal(t, tt.op, decision.Operation)
			assert.InDelta(t, tt.confidence, decision.Confidence, 1e-9)
			assert.Equal(t, tt.reason, decision.Reason)
		})
	}
}

func TestRouteClassificationBeatsExtractionWhenBothShapesPresent(t *testing.T) {
	router := builtinRouter(t, nil)

	decision, err := router.Route(models.RunInput{
		Payload: map[string]any{"text": "t", "categories": []any{"a"}, "schema": map[string]any{}},
	}, routingAgent(models.Capabilities{}))
	require.NoError(t, err)
	assert.Equal(t, models.OperationClassification, decision.Operation)
}

func TestRouteNoRecognizableShape(t *testing.T) {
	router := builtinRouter(t, nil)

	_, err := router.Route(models.RunInput{
		Payload: map[string]any{"unrelated": true},
	}, routingAgent(models.Capabilities{}))
	require.Error(t, err)
	assert.True(t, caperr.IsCode(err, caperr.CodeRunExecutionFailed))
	assert.Contains(t, err.Error(), "no recognizable payload shape")
}

func TestRouteCapabilityFilter(t *testing.T) {
	reg := NewRegistry()
	gated := &stubHandler{meta: models.HandlerMeta{
		Name: "acme.kubectl", Version: "1.0.0",
		Operation:            models.OperationToolCall,
		RequiredCapabilities: []string{"kubectl"},
	}}
	require.NoError(t, reg.Register(gated))
	router := NewRouter(reg, nil)
	input := models.RunInput{Operation: models.OperationToolCall}

	t.Run("agent without capability is rejected", func(t *testing.T) {
		_, err := router.Route(input, routingAgent(models.Capabilities{}))
		require.Error(t, err)
		assert.True(t, caperr.IsCode(err, caperr.CodeRunExecutionFailed))
		assert.Contains(t, err.Error(), "no handler for operation")
	})

	t.Run("tool capability satisfies", func(t *testing.T) {
		decision, err := router.Route(input, routingAgent(models.Capabilities{Tools: []string{"kubectl"}}))
		require.NoError(t, err)
		assert.Equal(t, "acme.kubectl", decision.Handler.Name)
	})

	t.Run("action capability satisfies", func(t *testing.T) {
		decision, err := router.Route(input, routingAgent(models.Capabilities{Actions: []string{"kubectl"}}))
		require.NoError(t, err)
		assert.Equal(t, "acme.kubectl", decision.Handler.Name)
	})

	t.Run("disabled filter admits any agent", func(t *testing.T) {
		open := NewRouter(reg, &config.RoutingConfig{MinConfidence: 0.5, DisableCapabilityFilter: true})
		decision, err := open.Route(input, routingAgent(models.Capabilities{}))
		require.NoError(t, err)
		assert.Equal(t, "acme.kubectl", decision.Handler.Name)
	})
}

func TestRouteConfidenceFloor(t *testing.T) {
	router := builtinRouter(t, &config.RoutingConfig{MinConfidence: 0.8})

	// Bare query infers rag at 0.60, below the raised floor.
	_, err := router.Route(models.RunInput{
		Payload: map[string]any{"query": "how"},
	}, routingAgent(models.Capabilities{}))
	require.Error(t, err)
	assert.True(t, caperr.IsCode(err, caperr.CodeRunExecutionFailed))
	assert.Contains(t, err.Error(), "below floor")

	// Explicit operation always clears it.
	decision, err := router.Route(models.RunInput{
		Operation: models.OperationRAG,
	}, routingAgent(models.Capabilities{}))
	require.NoError(t, err)
	assert.Equal(t, 1.0, decision.Confidence)
}

func TestRouteSelectionOrder(t *testing.T) {
	meta := func(name, version string, priority int) *stubHandler {
		return &stubHandler{meta: models.HandlerMeta{
			Name: name, Version: version,
			Operation: models.OperationGeneric,
			Priority:  priority,
		}}
	}
	input := models.RunInput{Operation: models.OperationGeneric}
	agent := routingAgent(models.Capabilities{})

	t.Run("higher priority wins", func(t *testing.T) {
		reg := NewRegistry()
		require.NoError(t, reg.Register(meta("acme.low", "9.9.9", 10)))
		require.NoError(t, reg.Register(meta("acme.high", "0.1.0", 20)))

		decision, err := NewRouter(reg, nil).Route(input, agent)
		require.NoError(t, err)
		assert.Equal(t, "acme.high", decision.Handler.Name)
	})

	t.Run("priority tie falls to higher version", func(t *testing.T) {
		reg := NewRegistry()
		require.NoError(t, reg.Register(meta("acme.gen", "1.2.0", 10)))
		require.NoError(t, reg.Register(meta("acme.gen", "1.10.0", 10)))

		decision, err := NewRouter(reg, nil).Route(input, agent)
		require.NoError(t, err)
		assert.Equal(t, "1.10.0", decision.Handler.Version)
	})

	t.Run("full tie falls to lexicographic name", func(t *testing.T) {
		reg := NewRegistry()
		require.NoError(t, reg.Register(meta("acme.bravo", "1.0.0", 10)))
		require.NoError(t, reg.Register(meta("acme.alpha", "1.0.0", 10)))

		decision, err := NewRouter(reg, nil).Route(input, agent)
		require.NoError(t, err)
		assert.Equal(t, "acme.alpha", decision.Handler.Name)
	})
}

// Two rag handlers at priorities 50 and 100: the higher priority must win
// whether the operation arrived explicitly or was inferred, and the reason
// must record which phase chose it.
func TestRoutePrecedenceAcrossPhases(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubHandler{meta: models.HandlerMeta{
		Name: "acme.rag-basic", Version: "1.0.0",
		Operation: models.OperationRAG, Priority: 50,
	}}))
	require.NoError(t, reg.Register(&stubHandler{meta: models.HandlerMeta{
		Name: "acme.rag-pro", Version: "1.0.0",
		Operation: models.OperationRAG, Priority: 100,
	}}))
	router := NewRouter(reg, nil)
	agent := routingAgent(models.Capabilities{})
	payload := map[string]any{"query": "x", "context_ids": []any{"a"}}

	explicit, err := router.Route(models.RunInput{Operation: models.OperationRAG, Payload: payload}, agent)
	require.NoError(t, err)
	assert.Equal(t, "acme.rag-pro", explicit.Handler.Name)
	assert.Equal(t, 1.0, explicit.Confidence)
	assert.Contains(t, explicit.Reason, "explicit")

	inferred, err := router.Route(models.RunInput{Payload: payload}, agent)
	require.NoError(t, err)
	assert.Equal(t, "acme.rag-pro", inferred.Handler.Name)
	assert.InDelta(t, 0.90, inferred.Confidence, 1e-9)
	assert.Contains(t, inferred.Reason, "pattern")
}
