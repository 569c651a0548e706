package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/llm"
	"github.com/caphub/caphub/pkg/models"
	"github.com/caphub/caphub/pkg/retrieval"
)

const ragInstructions = "Answer using the provided context. When the context does not cover the question, say so instead of inventing an answer."

// RAGHandler retrieves relevant knowledge documents and answers the query
// grounded on them. Retrieval and generation are separate steps so the
// trace shows what the model saw.
type RAGHandler struct{}

func NewRAGHandler() *RAGHandler { return &RAGHandler{} }

func (*RAGHandler) Meta() models.HandlerMeta {
	return models.HandlerMeta{
		Name:        "core.rag",
		Version:     "1.0.0",
		Operation:   models.OperationRAG,
		Description: "Retrieval-augmented answer over the knowledge store.",
	}
}

func (h *RAGHandler) Handle(ctx context.Context, hctx *Context) (*Outcome, error) {
	if hctx.Knowledge == nil {
		return nil, caperr.New(caperr.CodeRAGUnavailable, "rag: retrieval store is not configured")
	}
	query := payloadString(hctx.Input.Payload, "query", "question")
	if query == "" {
		query = lastUserMessage(hctx.Input)
	}
	if query == "" {
		return nil, caperr.New(caperr.CodeValidField, "rag: query is required")
	}

	opts := retrieval.SearchOptions{
		TopK:       payloadInt(hctx.Input.Payload, "top_k"),
		ContextIDs: payloadStrings(hctx.Input.Payload, "context_ids"),
	}

	searchStep, searchDone, err := beginStep(ctx, hctx, models.Step{
		Type: models.StepTypeKnowledgeQuery,
		Name: "knowledge_search",
		Input: map[string]any{
			"query":       query,
			"context_ids": opts.ContextIDs,
		},
	})
	if err != nil {
		return nil, err
	}

	var hits []retrieval.Result
	var sources []string
	if searchDone {
		sources = payloadStrings(searchStep.Output, "documents")
	} else {
		hits, err = hctx.Knowledge.Search(ctx, query, opts)
		if err != nil {
			return nil, failStep(ctx, hctx, searchStep.ID, err)
		}
		sources = make([]string, 0, len(hits))
		for _, hit := range hits {
			sources = append(sources, hit.Document.ID)
		}
		err = hctx.Control.CompleteStep(ctx, searchStep.ID, StepResult{
			Output: map[string]any{"documents": sources, "count": len(hits)},
		})
		if err != nil {
			return nil, err
		}
	}

	genStep, genDone, err := beginStep(ctx, hctx, models.Step{
		Type: models.StepTypeLLMCall,
		Name: "answer",
	})
	if err != nil {
		return nil, err
	}
	if genDone {
		return &Outcome{
			Response: payloadString(genStep.Output, "response"),
			Data: map[string]any{
				"sources":        sources,
				"document_count": len(sources),
			},
		}, nil
	}

	if searchDone {
		// The recorded search step carries document ids only; the query is
		// re-run to rebuild the prompt context. Retrieval is read-only, so
		// this repeats no persisted work.
		hits, err = hctx.Knowledge.Search(ctx, query, opts)
		if err != nil {
			return nil, failStep(ctx, hctx, genStep.ID, err)
		}
	}

	msgs := append(buildConversation(hctx, ragInstructions),
		llm.ConversationMessage{Role: "user", Content: ragPrompt(query, hits)})

	result, err := callModel(ctx, hctx, genStep.ID, &llm.GenerateInput{Messages: msgs})
	if err != nil {
		return nil, failStep(ctx, hctx, genStep.ID, err)
	}

	err = hctx.Control.CompleteStep(ctx, genStep.ID, StepResult{
		Output: map[string]any{"response": result.Text},
		Usage:  usageOf(result),
	})
	if err != nil {
		return nil, err
	}

	return &Outcome{
		Response: result.Text,
		Data: map[string]any{
			"sources":        sources,
			"document_count": len(hits),
		},
	}, nil
}

func ragPrompt(query string, hits []retrieval.Result) string {
	var b strings.Builder
	if len(hits) == 0 {
		b.WriteString("Context: no relevant documents were found.\n\n")
	} else {
		b.WriteString("Context:\n")
		for i, hit := range hits {
			fmt.Fprintf(&b, "[%d] %s\n", i+1, hit.Document.Content)
		}
		b.WriteString("\n")
	}
	b.WriteString("Question: ")
	b.WriteString(query)
	return b.String()
}
