package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/models"
)

// stubHandler is a registrable no-op handler for registry and router tests.
type stubHandler struct {
	meta models.HandlerMeta
}

func newStubHandler(name, version string, op models.Operation) *stubHandler {
	return &stubHandler{meta: models.HandlerMeta{Name: name, Version: version, Operation: op}}
}

func (h *stubHandler) Meta() models.HandlerMeta { return h.meta }

func (h *stubHandler) Handle(ctx context.Context, hctx *Context) (*Outcome, error) {
	return &Outcome{Response: h.meta.Key()}, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.Register(newStubHandler("acme.summarizer", "1.0.0", models.OperationGeneric)))

	h, ok := reg.Get("acme.summarizer", "1.0.0")
	require.True(t, ok)
	assert.Equal(t, "acme.summarizer@1.0.0", h.Meta().Key())

	_, ok = reg.Get("acme.summarizer", "2.0.0")
	assert.False(t, ok)
}

func TestRegistryRejectsDuplicateNameVersion(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.Register(newStubHandler("acme.rag", "1.0.0", models.OperationRAG)))

	err := reg.Register(newStubHandler("acme.rag", "1.0.0", models.OperationRAG))
	require.Error(t, err)
	assert.True(t, caperr.IsCode(err, caperr.CodeValidInput))
	assert.Contains(t, err.Error(), "already registered")

	// Same name, new version is a distinct registration.
	require.NoError(t, reg.Register(newStubHandler("acme.rag", "1.1.0", models.OperationRAG)))
	assert.Len(t, reg.ByOperation(models.OperationRAG), 2)
}

func TestRegistryRejectsIncompleteMeta(t *testing.T) {
	reg := NewRegistry()

	err := reg.Register(newStubHandler("", "1.0.0", models.OperationGeneric))
	require.Error(t, err)
	assert.True(t, caperr.IsCode(err, caperr.CodeValidInput))

	err = reg.Register(newStubHandler("acme.generic", "", models.OperationGeneric))
	require.Error(t, err)
	assert.True(t, caperr.IsCode(err, caperr.CodeValidInput))
}

func TestRegistryRejectsUnknownOperation(t *testing.T) {
	reg := NewRegistry()

	err := reg.Register(newStubHandler("acme.mystery", "1.0.0", models.Operation("telepathy")))
	require.Error(t, err)
	assert.True(t, caperr.IsCode(err, caperr.CodeValidInput))
	assert.Contains(t, err.Error(), "unknown operation")
}

func TestRegistryByOperationIsolatesCopies(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(newStubHandler("acme.a", "1.0.0", models.OperationReasoning)))
	require.NoError(t, reg.Register(newStubHandler("acme.b", "1.0.0", models.OperationReasoning)))

	got := reg.ByOperation(models.OperationReasoning)
	require.Len(t, got, 2)

	got[0] = nil
	assert.NotNil(t, reg.ByOperation(models.OperationReasoning)[0])

	assert.Empty(t, reg.ByOperation(models.OperationExtraction))
}

func TestRegistryListOrdersByNameThenVersion(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(newStubHandler("zeta", "1.0.0", models.OperationGeneric)))
	require.NoError(t, reg.Register(newStubHandler("alpha", "2.0.0", models.OperationGeneric)))
	require.NoError(t, reg.Register(newStubHandler("alpha", "1.2.0", models.OperationGeneric)))

	metas := reg.List()
	require.Len(t, metas, 3)
	assert.Equal(t, "alpha@1.2.0", metas[0].Key())
	assert.Equal(t, "alpha@2.0.0", metas[1].Key())
	assert.Equal(t, "zeta@1.0.0", metas[2].Key())
}

func TestRegisterBuiltinsCoversOperationVocabulary(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg))

	for _, op := range []models.Operation{
		models.OperationRAG, models.OperationReasoning, models.OperationClassification,
		models.OperationExtraction, models.OperationGeneric, models.OperationToolCall,
		models.OperationAgentInvocation,
	} {
		assert.NotEmpty(t, reg.ByOperation(op), "no builtin for %s", op)
	}
}
