package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/config"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := New(&config.RetrievalConfig{Collection: "test-kb", TopK: 5}, NewHashEmbedder())
	require.NoError(t, err)
	return store
}

func TestStoreAddAndSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, []Document{
		{ID: "doc-pg", Content: "postgres connection pooling guide"},
		{ID: "doc-k8s", Content: "kubernetes pod restart runbook"},
		{ID: "doc-bill", Content: "billing invoice faq"},
	}))
	require.Equal(t, 3, store.Count())

	results, err := store.Search(ctx, "postgres pooling", SearchOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	assert.Equal(t, "doc-pg", results[0].Document.ID)
	assert.Equal(t, "postgres connection pooling guide", results[0].Document.Content)
	for _, r := range results[1:] {
		assert.Less(t, r.Similarity, results[0].Similarity)
	}
}

func TestStoreSearchScopedByContext(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, []Document{
		{ID: "a1", Content: "database backup schedule", Metadata: map[string]string{MetadataContextID: "kb-1"}},
		{ID: "a2", Content: "database restore procedure", Metadata: map[string]string{MetadataContextID: "kb-2"}},
		{ID: "a3", Content: "unrelated onboarding notes"},
	}))

	results, err := store.Search(ctx, "database restore", SearchOptions{ContextIDs: []string{"kb-2"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a2", results[0].Document.ID)

	// Two contexts merge and still exclude untagged documents.
	results, err = store.Search(ctx, "database", SearchOptions{ContextIDs: []string{"kb-1", "kb-2"}})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NotEqual(t, "a3", r.Document.ID)
	}
}

func TestStoreSearchEmptyStore(t *testing.T) {
	store := newTestStore(t)

	results, err := store.Search(context.Background(), "anything", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStoreSearchClampsTopK(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, []Document{
		{ID: "d1", Content: "alpha beta"},
		{ID: "d2", Content: "alpha gamma"},
	}))

	// Asking for more results than stored documents must not error.
	results, err := store.Search(ctx, "alpha", SearchOptions{TopK: 50})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestStoreSearchMinSimilarity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, []Document{
		{ID: "near", Content: "postgres pooling"},
		{ID: "far", Content: "holiday rota spreadsheet"},
	}))

	results, err := store.Search(ctx, "postgres pooling", SearchOptions{MinSimilarity: 0.9})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "near", results[0].Document.ID)
}

func TestStoreRejectsBlankQuery(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Search(context.Background(), "   ", SearchOptions{})
	require.Error(t, err)
	assert.True(t, caperr.IsCode(err, caperr.CodeValidInput))
}

func TestStoreAddAssignsIDs(t *testing.T) {
	store := newTestStore(t)
	docs := []Document{{Content: "auto id document"}}

	require.NoError(t, store.Add(context.Background(), docs))
	assert.NotEmpty(t, docs[0].ID)
}

func TestStoreAddRejectsEmptyContent(t *testing.T) {
	store := newTestStore(t)

	err := store.Add(context.Background(), []Document{{ID: "empty", Content: "   "}})
	require.Error(t, err)
	assert.True(t, caperr.IsCode(err, caperr.CodeValidField))
	assert.Equal(t, 0, store.Count())
}

func TestStoreDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, []Document{
		{ID: "keep", Content: "keep me"},
		{ID: "drop", Content: "drop me"},
	}))

	require.NoError(t, store.Delete(ctx, []string{"drop"}))
	assert.Equal(t, 1, store.Count())

	require.NoError(t, store.Delete(ctx, nil))
	assert.Equal(t, 1, store.Count())
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.RetrievalConfig{Path: dir, Collection: "persist-kb", TopK: 5}
	ctx := context.Background()

	store, err := New(cfg, NewHashEmbedder())
	require.NoError(t, err)
	require.NoError(t, store.Add(ctx, []Document{{ID: "p1", Content: "persisted entry"}}))
	require.NoError(t, store.Close())

	reopened, err := New(cfg, NewHashEmbedder())
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Count())

	results, err := reopened.Search(ctx, "persisted entry", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "p1", results[0].Document.ID)
}
