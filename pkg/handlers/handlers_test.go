package handlers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/llm"
	"github.com/caphub/caphub/pkg/models"
	"github.com/caphub/caphub/pkg/retrieval"
	"github.com/caphub/caphub/pkg/tools"
)

// fakeControl records every RunControl interaction so tests can assert the
// step trace a handler produced.
type fakeControl struct {
	mu      sync.Mutex
	steps   []*models.Step
	results map[string]StepResult
	usage   models.TokenUsage

	tokens      []string
	toolCalling []llm.ToolCall
	toolResults []emittedToolResult

	interruptFn func(models.CreateInterruptRequest) (*models.InterruptResponse, error)
	invokeFn    func(models.SubmitRunRequest) (*models.Run, error)
	invoked     []models.SubmitRunRequest
}

type emittedToolResult struct {
	StepID   string
	CallID   string
	ToolName string
	IsError  bool
}

func newFakeControl() *fakeControl {
	return &fakeControl{results: make(map[string]StepResult)}
}

func (f *fakeControl) AddStep(ctx context.Context, step models.Step) (*models.Step, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	step.ID = fmt.Sprintf("step-%d", len(f.steps)+1)
	step.RunID = "run-1"
	step.Index = len(f.steps)
	step.Status = models.StepStatusRunning
	step.StartedAt = &now
	stored := step
	f.steps = append(f.steps, &stored)
	return &stored, nil
}

func (f *fakeControl) CompleteStep(ctx context.Context, stepID string, result StepResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[stepID] = result
	for _, s := range f.steps {
		if s.ID != stepID {
			continue
		}
		if result.Error != nil {
			s.Status = models.StepStatusFailed
			s.Error = result.Error
		} else {
			s.Status = models.StepStatusCompleted
		}
		s.Output = result.Output
		s.Usage = result.Usage
		f.usage.InputTokens += result.Usage.InputTokens
		f.usage.OutputTokens += result.Usage.OutputTokens
		f.usage.TotalTokens += result.Usage.TotalTokens
		return nil
	}
	return fmt.Errorf("unknown step %s", stepID)
}

func (f *fakeControl) UpdateTokenUsage(ctx context.Context, usage models.TokenUsage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage.InputTokens += usage.InputTokens
	f.usage.OutputTokens += usage.OutputTokens
	f.usage.TotalTokens += usage.TotalTokens
	return nil
}

func (f *fakeControl) EmitToken(stepID, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, content)
}

func (f *fakeControl) EmitToolCalling(stepID string, call llm.ToolCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toolCalling = append(f.toolCalling, call)
}

func (f *fakeControl) EmitToolResult(stepID, callID, toolName string, isError bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toolResults = append(f.toolResults, emittedToolResult{stepID, callID, toolName, isError})
}

func (f *fakeControl) Interrupt(ctx context.Context, req models.CreateInterruptRequest) (*models.InterruptResponse, error) {
	if f.interruptFn != nil {
		return f.interruptFn(req)
	}
	return nil, nil
}

func (f *fakeControl) InvokeAgent(ctx context.Context, req models.SubmitRunRequest) (*models.Run, error) {
	f.mu.Lock()
	f.invoked = append(f.invoked, req)
	f.mu.Unlock()
	if f.invokeFn != nil {
		return f.invokeFn(req)
	}
	return nil, errors.New("no invoke function configured")
}

func (f *fakeControl) stepsOfType(st models.StepType) []*models.Step {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Step
	for _, s := range f.steps {
		if s.Type == st {
			out = append(out, s)
		}
	}
	return out
}

// scriptTool is a registrable tool with a programmable body.
type scriptTool struct {
	name   string
	invoke func(ctx context.Context, args map[string]any) (string, error)
}

func (s *scriptTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:             s.name,
		Description:      "test tool",
		ParametersSchema: `{"type":"object"}`,
	}
}

func (s *scriptTool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	return s.invoke(ctx, args)
}

func testContext(control *fakeControl, client llm.Client, input models.RunInput) *Context {
	return &Context{
		Run:     &models.Run{ID: "run-1", AgentID: "agent-1", Status: models.RunStatusRunning},
		Agent:   &models.Agent{AgentID: "agent-1", Name: "Test Agent"},
		Input:   input,
		LLM:     client,
		Tools:   tools.NewRegistry(nil),
		Control: control,
	}
}

func TestGenericHandler(t *testing.T) {
	control := newFakeControl()
	mock := llm.NewMockClient()
	hctx := testContext(control, mock, models.RunInput{
		Payload: map[string]any{"message": "hello"},
	})

	outcome, err := NewGenericHandler().Handle(context.Background(), hctx)
	require.NoError(t, err)

	assert.Equal(t, "mock response: hello", outcome.Response)

	steps := control.stepsOfType(models.StepTypeLLMCall)
	require.Len(t, steps, 1)
	assert.Equal(t, "generate", steps[0].Name)
	assert.Equal(t, models.StepStatusCompleted, steps[0].Status)
	assert.Equal(t, models.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}, steps[0].Usage)

	// Streamed text also went to the token emitter.
	assert.Equal(t, []string{"mock response: hello"}, control.tokens)
}

func TestGenericHandlerUsesInputMessages(t *testing.T) {
	control := newFakeControl()
	mock := llm.NewMockClient()
	hctx := testContext(control, mock, models.RunInput{
		Messages: []models.RunMessage{{Role: models.RoleUser, Content: "from thread"}},
	})

	outcome, err := NewGenericHandler().Handle(context.Background(), hctx)
	require.NoError(t, err)
	assert.Equal(t, "mock response: from thread", outcome.Response)
}

func TestGenericHandlerRequiresInput(t *testing.T) {
	control := newFakeControl()
	hctx := testContext(control, llm.NewMockClient(), models.RunInput{})

	_, err := NewGenericHandler().Handle(context.Background(), hctx)
	require.Error(t, err)
	assert.True(t, caperr.IsCode(err, caperr.CodeValidInput))
	assert.Empty(t, control.steps)
}

func TestGenericHandlerModelFailureFailsStep(t *testing.T) {
	control := newFakeControl()
	mock := llm.NewMockClient()
	mock.AddSequential(llm.ScriptEntry{
		Err: caperr.New(caperr.CodeNetUnavailable, "provider down"),
	})
	hctx := testContext(control, mock, models.RunInput{
		Payload: map[string]any{"message": "hello"},
	})

	_, err := NewGenericHandler().Handle(context.Background(), hctx)
	require.Error(t, err)
	assert.True(t, caperr.IsCode(err, caperr.CodeNetUnavailable))

	steps := control.stepsOfType(models.StepTypeLLMCall)
	require.Len(t, steps, 1)
	assert.Equal(t, models.StepStatusFailed, steps[0].Status)
	require.NotNil(t, steps[0].Error)
	assert.Equal(t, string(caperr.CodeNetUnavailable), steps[0].Error.Code)
	assert.True(t, steps[0].Error.Retryable)
}

func TestReasoningHandlerCarriesThinking(t *testing.T) {
	control := newFakeControl()
	mock := llm.NewMockClient()
	mock.AddSequential(llm.ScriptEntry{Chunks: []llm.Chunk{
		&llm.ThinkingChunk{Content: "checking the premises"},
		&llm.TextChunk{Content: "the answer is 42"},
		&llm.UsageChunk{InputTokens: 20, OutputTokens: 8, TotalTokens: 28},
	}})
	hctx := testContext(control, mock, models.RunInput{
		Payload: map[string]any{"question": "what is the answer"},
	})

	outcome, err := NewReasoningHandler().Handle(context.Background(), hctx)
	require.NoError(t, err)

	assert.Equal(t, "the answer is 42", outcome.Response)
	require.NotNil(t, outcome.Data)
	assert.Equal(t, "checking the premises", outcome.Data["thinking"])

	steps := control.stepsOfType(models.StepTypeLLMCall)
	require.Len(t, steps, 1)
	assert.Equal(t, "reason", steps[0].Name)
	assert.Equal(t, "checking the premises", steps[0].Output["thinking"])

	// The reasoning instructions ride in the system prompt.
	inputs := mock.Inputs()
	require.Len(t, inputs, 1)
	assert.Contains(t, inputs[0].Messages[0].Content, "step by step")
}

func TestClassificationHandler(t *testing.T) {
	tests := []struct {
		name     string
		answer   string
		category string
		matched  bool
	}{
		{"exact answer", "billing", "billing", true},
		{"decorated answer is normalized", `"Billing."`, "billing", true},
		{"answer containing the category", "this is billing related", "billing", true},
		{"unmatched answer returned raw", "shipping", "shipping", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			control := newFakeControl()
			mock := llm.NewMockClient()
			mock.AddSequential(llm.ScriptEntry{Text: tt.answer})
			hctx := testContext(control, mock, models.RunInput{
				Payload: map[string]any{
					"text":       "my invoice is wrong",
					"categories": []any{"billing", "technical"},
				},
			})

			outcome, err := NewClassificationHandler().Handle(context.Background(), hctx)
			require.NoError(t, err)
			assert.Equal(t, tt.category, outcome.Response)
			assert.Equal(t, tt.matched, outcome.Data["matched"])
		})
	}
}

func TestClassificationHandlerPromptListsCategories(t *testing.T) {
	control := newFakeControl()
	mock := llm.NewMockClient()
	mock.AddSequential(llm.ScriptEntry{Text: "technical"})
	hctx := testContext(control, mock, models.RunInput{
		Payload: map[string]any{
			"text":       "the pod is crash looping",
			"categories": []any{"billing", "technical"},
		},
	})

	_, err := NewClassificationHandler().Handle(context.Background(), hctx)
	require.NoError(t, err)

	inputs := mock.Inputs()
	require.Len(t, inputs, 1)
	last := inputs[0].Messages[len(inputs[0].Messages)-1]
	assert.Contains(t, last.Content, "- billing")
	assert.Contains(t, last.Content, "- technical")
	assert.Contains(t, last.Content, "the pod is crash looping")
}

func TestClassificationHandlerValidation(t *testing.T) {
	control := newFakeControl()
	hctx := testContext(control, llm.NewMockClient(), models.RunInput{
		Payload: map[string]any{"text": "something"},
	})

	_, err := NewClassificationHandler().Handle(context.Background(), hctx)
	require.Error(t, err)
	assert.True(t, caperr.IsCode(err, caperr.CodeValidField))
	assert.Contains(t, err.Error(), "categories")
}

func TestExtractionHandler(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
		},
		"required": []any{"name"},
	}

	t.Run("valid output passes the schema", func(t *testing.T) {
		control := newFakeControl()
		mock := llm.NewMockClient()
		mock.AddSequential(llm.ScriptEntry{Text: `{"name": "Ada"}`})
		hctx := testContext(control, mock, models.RunInput{
			Payload: map[string]any{"text": "Ada wrote the first program", "schema": schema},
		})

		outcome, err := NewExtractionHandler().Handle(context.Background(), hctx)
		require.NoError(t, err)
		assert.JSONEq(t, `{"name":"Ada"}`, outcome.Response)

		extracted, ok := outcome.Data["extracted"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "Ada", extracted["name"])
	})

	t.Run("code fences are stripped", func(t *testing.T) {
		control := newFakeControl()
		mock := llm.NewMockClient()
		mock.AddSequential(llm.ScriptEntry{Text: "```json\n{\"name\": \"Ada\"}\n```"})
		hctx := testContext(control, mock, models.RunInput{
			Payload: map[string]any{"text": "Ada", "schema": schema},
		})

		outcome, err := NewExtractionHandler().Handle(context.Background(), hctx)
		require.NoError(t, err)
		assert.JSONEq(t, `{"name":"Ada"}`, outcome.Response)
	})

	t.Run("non-JSON output fails the step", func(t *testing.T) {
		control := newFakeControl()
		mock := llm.NewMockClient()
		mock.AddSequential(llm.ScriptEntry{Text: "I could not find a name."})
		hctx := testContext(control, mock, models.RunInput{
			Payload: map[string]any{"text": "Ada", "schema": schema},
		})

		_, err := NewExtractionHandler().Handle(context.Background(), hctx)
		require.Error(t, err)
		assert.True(t, caperr.IsCode(err, caperr.CodeValidSchema))

		steps := control.stepsOfType(models.StepTypeLLMCall)
		require.Len(t, steps, 1)
		assert.Equal(t, models.StepStatusFailed, steps[0].Status)
	})

	t.Run("schema violation fails the step", func(t *testing.T) {
		control := newFakeControl()
		mock := llm.NewMockClient()
		mock.AddSequential(llm.ScriptEntry{Text: `{"age": 36}`})
		hctx := testContext(control, mock, models.RunInput{
			Payload: map[string]any{"text": "Ada", "schema": schema},
		})

		_, err := NewExtractionHandler().Handle(context.Background(), hctx)
		require.Error(t, err)
		assert.True(t, caperr.IsCode(err, caperr.CodeValidSchema))
		assert.Contains(t, err.Error(), "does not match schema")
	})

	t.Run("schema as JSON string is accepted", func(t *testing.T) {
		control := newFakeControl()
		mock := llm.NewMockClient()
		mock.AddSequential(llm.ScriptEntry{Text: `{"name": "Ada"}`})
		hctx := testContext(control, mock, models.RunInput{
			Payload: map[string]any{
				"text":   "Ada",
				"schema": `{"type":"object","required":["name"]}`,
			},
		})

		_, err := NewExtractionHandler().Handle(context.Background(), hctx)
		require.NoError(t, err)
	})

	t.Run("malformed schema is rejected before any model call", func(t *testing.T) {
		control := newFakeControl()
		mock := llm.NewMockClient()
		hctx := testContext(control, mock, models.RunInput{
			Payload: map[string]any{"text": "Ada", "schema": `{"type": `},
		})

		_, err := NewExtractionHandler().Handle(context.Background(), hctx)
		require.Error(t, err)
		assert.True(t, caperr.IsCode(err, caperr.CodeValidSchema))
		assert.Zero(t, mock.CallCount())
	})
}

// stubKnowledge is an in-memory retrieval.Store for handler tests.
type stubKnowledge struct {
	hits      []retrieval.Result
	err       error
	lastQuery string
	lastOpts  retrieval.SearchOptions
}

func (s *stubKnowledge) Add(ctx context.Context, docs []retrieval.Document) error { return nil }

func (s *stubKnowledge) Search(ctx context.Context, query string, opts retrieval.SearchOptions) ([]retrieval.Result, error) {
	s.lastQuery = query
	s.lastOpts = opts
	if s.err != nil {
		return nil, s.err
	}
	return s.hits, nil
}

func (s *stubKnowledge) Delete(ctx context.Context, ids []string) error { return nil }
func (s *stubKnowledge) Count() int                                     { return len(s.hits) }
func (s *stubKnowledge) Close() error                                   { return nil }

func TestRAGHandler(t *testing.T) {
	store := &stubKnowledge{hits: []retrieval.Result{
		{Document: retrieval.Document{ID: "doc-1", Content: "postgres pools connections"}, Similarity: 0.9},
		{Document: retrieval.Document{ID: "doc-2", Content: "pgbouncer sits in front"}, Similarity: 0.7},
	}}
	control := newFakeControl()
	mock := llm.NewMockClient()
	mock.AddSequential(llm.ScriptEntry{Text: "use a pooler"})

	hctx := testContext(control, mock, models.RunInput{
		Payload: map[string]any{
			"query":       "how do I pool connections",
			"context_ids": []any{"kb-infra"},
			"top_k":       float64(2),
		},
	})
	hctx.Knowledge = store

	outcome, err := NewRAGHandler().Handle(context.Background(), hctx)
	require.NoError(t, err)

	assert.Equal(t, "use a pooler", outcome.Response)
	assert.Equal(t, []string{"doc-1", "doc-2"}, outcome.Data["sources"])
	assert.Equal(t, 2, outcome.Data["document_count"])

	// Search was scoped by the payload.
	assert.Equal(t, "how do I pool connections", store.lastQuery)
	assert.Equal(t, []string{"kb-infra"}, store.lastOpts.ContextIDs)
	assert.Equal(t, 2, store.lastOpts.TopK)

	// Retrieval and generation are separate steps.
	searchSteps := control.stepsOfType(models.StepTypeKnowledgeQuery)
	require.Len(t, searchSteps, 1)
	assert.Equal(t, models.StepStatusCompleted, searchSteps[0].Status)
	assert.Equal(t, 2, searchSteps[0].Output["count"])
	require.Len(t, control.stepsOfType(models.StepTypeLLMCall), 1)

	// The model saw the retrieved documents.
	inputs := mock.Inputs()
	require.Len(t, inputs, 1)
	prompt := inputs[0].Messages[len(inputs[0].Messages)-1].Content
	assert.Contains(t, prompt, "[1] postgres pools connections")
	assert.Contains(t, prompt, "[2] pgbouncer sits in front")
}

func TestRAGHandlerEmptyStoreStillAnswers(t *testing.T) {
	control := newFakeControl()
	mock := llm.NewMockClient()
	mock.AddSequential(llm.ScriptEntry{Text: "I do not know"})
	hctx := testContext(control, mock, models.RunInput{
		Payload: map[string]any{"query": "anything"},
	})
	hctx.Knowledge = &stubKnowledge{}

	outcome, err := NewRAGHandler().Handle(context.Background(), hctx)
	require.NoError(t, err)
	assert.Equal(t, "I do not know", outcome.Response)

	inputs := mock.Inputs()
	prompt := inputs[0].Messages[len(inputs[0].Messages)-1].Content
	assert.Contains(t, prompt, "no relevant documents")
}

func TestRAGHandlerWithoutStore(t *testing.T) {
	control := newFakeControl()
	hctx := testContext(control, llm.NewMockClient(), models.RunInput{
		Payload: map[string]any{"query": "anything"},
	})

	_, err := NewRAGHandler().Handle(context.Background(), hctx)
	require.Error(t, err)
	assert.True(t, caperr.IsCode(err, caperr.CodeRAGUnavailable))
}

func TestRAGHandlerSearchFailureFailsStep(t *testing.T) {
	control := newFakeControl()
	hctx := testContext(control, llm.NewMockClient(), models.RunInput{
		Payload: map[string]any{"query": "anything"},
	})
	hctx.Knowledge = &stubKnowledge{err: caperr.New(caperr.CodeRAGQueryFailed, "collection gone")}

	_, err := NewRAGHandler().Handle(context.Background(), hctx)
	require.Error(t, err)
	assert.True(t, caperr.IsCode(err, caperr.CodeRAGQueryFailed))

	steps := control.stepsOfType(models.StepTypeKnowledgeQuery)
	require.Len(t, steps, 1)
	assert.Equal(t, models.StepStatusFailed, steps[0].Status)
}
