package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/retrieval"
)

type stubStore struct {
	lastQuery string
	lastOpts  retrieval.SearchOptions
	results   []retrieval.Result
	err       error
}

func (s *stubStore) Add(context.Context, []retrieval.Document) error { return nil }

func (s *stubStore) Search(_ context.Context, query string, opts retrieval.SearchOptions) ([]retrieval.Result, error) {
	s.lastQuery = query
	s.lastOpts = opts
	return s.results, s.err
}

func (s *stubStore) Delete(context.Context, []string) error { return nil }
func (s *stubStore) Count() int                             { return len(s.results) }
func (s *stubStore) Close() error                           { return nil }

func TestEchoTool(t *testing.T) {
	tool := NewEchoTool()

	out, err := tool.Invoke(context.Background(), map[string]any{"text": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	// Raw fallback arguments land under input.
	out, err = tool.Invoke(context.Background(), map[string]any{"input": "raw"})
	require.NoError(t, err)
	assert.Equal(t, "raw", out)

	_, err = tool.Invoke(context.Background(), map[string]any{})
	require.Error(t, err)
}

func TestTimeTool(t *testing.T) {
	fixed := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	tool := &TimeTool{now: func() time.Time { return fixed }}

	out, err := tool.Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-14T09:26:53Z", out)
}

func TestKnowledgeSearchTool(t *testing.T) {
	store := &stubStore{
		results: []retrieval.Result{
			{
				Document: retrieval.Document{
					ID:       "doc-1",
					Content:  "postgres pooling guide",
					Metadata: map[string]string{retrieval.MetadataContextID: "kb-1"},
				},
				Similarity: 0.91,
			},
		},
	}
	tool := NewKnowledgeSearchTool(store)

	out, err := tool.Invoke(context.Background(), map[string]any{
		"query":       "postgres",
		"top_k":       float64(2),
		"context_ids": []any{"kb-1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "postgres", store.lastQuery)
	assert.Equal(t, 2, store.lastOpts.TopK)
	assert.Equal(t, []string{"kb-1"}, store.lastOpts.ContextIDs)
	assert.Contains(t, out, `"id":"doc-1"`)
	assert.Contains(t, out, `"similarity":0.91`)
}

func TestKnowledgeSearchToolRequiresQuery(t *testing.T) {
	tool := NewKnowledgeSearchTool(&stubStore{})

	_, err := tool.Invoke(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query")
}

func TestKnowledgeSearchToolPropagatesStoreError(t *testing.T) {
	store := &stubStore{err: caperr.New(caperr.CodeRAGQueryFailed, "store offline")}
	tool := NewKnowledgeSearchTool(store)

	_, err := tool.Invoke(context.Background(), map[string]any{"query": "x"})
	require.Error(t, err)
	assert.True(t, caperr.IsCode(err, caperr.CodeRAGQueryFailed))
}

func TestKnowledgeSearchToolEmptyResults(t *testing.T) {
	tool := NewKnowledgeSearchTool(&stubStore{})

	out, err := tool.Invoke(context.Background(), map[string]any{"query": "nothing"})
	require.NoError(t, err)
	assert.Equal(t, "[]", out)
}
