package retrieval

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/config"
)

func TestHashEmbedderDeterministic(t *testing.T) {
	embedder := NewHashEmbedder()
	ctx := context.Background()

	first, err := embedder.Embed(ctx, "Postgres connection pooling")
	require.NoError(t, err)
	second, err := embedder.Embed(ctx, "Postgres connection pooling")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, hashDimensions)
	assert.InDelta(t, 1.0, vectorNorm(first), 1e-3)
}

func TestHashEmbedderSimilarityTracksOverlap(t *testing.T) {
	embedder := NewHashEmbedder()
	ctx := context.Background()

	query, err := embedder.Embed(ctx, "postgres pooling")
	require.NoError(t, err)
	related, err := embedder.Embed(ctx, "postgres connection pooling guide")
	require.NoError(t, err)
	unrelated, err := embedder.Embed(ctx, "holiday rota spreadsheet")
	require.NoError(t, err)

	assert.Greater(t, dot(query, related), dot(query, unrelated))
}

func TestHashEmbedderBlankText(t *testing.T) {
	embedder := NewHashEmbedder()

	vec, err := embedder.Embed(context.Background(), "   ")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, vectorNorm(vec), 1e-3)
}

func TestNewEmbedderDefaultsToHash(t *testing.T) {
	embedder, err := NewEmbedder(nil, config.DefaultLLMConfig())
	require.NoError(t, err)
	_, ok := embedder.(hashEmbedder)
	assert.True(t, ok)

	embedder, err = NewEmbedder(&config.RetrievalConfig{}, config.DefaultLLMConfig())
	require.NoError(t, err)
	_, ok = embedder.(hashEmbedder)
	assert.True(t, ok)
}

func TestNewEmbedderUnknownProvider(t *testing.T) {
	cfg := &config.RetrievalConfig{EmbeddingProvider: "ghost"}

	_, err := NewEmbedder(cfg, config.DefaultLLMConfig())
	require.Error(t, err)
	assert.True(t, caperr.IsCode(err, caperr.CodeRAGUnavailable))
}

func TestNewEmbedderRejectsNonOpenAI(t *testing.T) {
	cfg := &config.RetrievalConfig{EmbeddingProvider: "anthropic"}

	_, err := NewEmbedder(cfg, config.DefaultLLMConfig())
	require.Error(t, err)
	assert.True(t, caperr.IsCode(err, caperr.CodeRAGUnavailable))
	assert.Contains(t, err.Error(), "does not serve embeddings")
}

func TestNewEmbedderRequiresAPIKey(t *testing.T) {
	cfg := &config.RetrievalConfig{EmbeddingProvider: "openai"}
	llmCfg := config.DefaultLLMConfig()
	llmCfg.Providers["openai"].APIKeyEnv = "CAPHUB_TEST_EMBED_KEY_UNSET"

	_, err := NewEmbedder(cfg, llmCfg)
	require.Error(t, err)
	assert.True(t, caperr.IsCode(err, caperr.CodeRAGUnavailable))
}

func embeddingTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func testOpenAIEmbedder(t *testing.T, baseURL string) *openaiEmbedder {
	t.Helper()
	t.Setenv("CAPHUB_TEST_EMBED_KEY", "test-key")
	embedder, err := newOpenAIEmbedder(&config.LLMProviderConfig{
		Type:      config.LLMProviderOpenAI,
		APIKeyEnv: "CAPHUB_TEST_EMBED_KEY",
		BaseURL:   baseURL,
	})
	require.NoError(t, err)
	return embedder.(*openaiEmbedder)
}

func TestOpenAIEmbedderFetchesAndCaches(t *testing.T) {
	server, calls := embeddingTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"embedding":[0.1,0.2,0.3]}]}`))
	})
	embedder := testOpenAIEmbedder(t, server.URL)
	ctx := context.Background()

	vec, err := embedder.Embed(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)

	_, err = embedder.Embed(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	_, err = embedder.Embed(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpenAIEmbedderClientErrorNotRetried(t *testing.T) {
	server, calls := embeddingTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad input"}}`, http.StatusBadRequest)
	})
	embedder := testOpenAIEmbedder(t, server.URL)

	_, err := embedder.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, caperr.IsCode(err, caperr.CodeNetRequestFailed))
	assert.False(t, caperr.IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAIEmbedderRateLimitCode(t *testing.T) {
	server, _ := embeddingTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})
	embedder := testOpenAIEmbedder(t, server.URL)

	_, err := embedder.fetch(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, caperr.IsCode(err, caperr.CodeNetRateLimited))
	assert.True(t, caperr.IsRetryable(err))
}

func TestOpenAIEmbedderMalformedResponse(t *testing.T) {
	server, _ := embeddingTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not-json"))
	})
	embedder := testOpenAIEmbedder(t, server.URL)

	_, err := embedder.fetch(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, caperr.IsCode(err, caperr.CodeNetRequestFailed))
	assert.False(t, caperr.IsRetryable(err))
}

func TestOpenAIEmbedderEmptyVector(t *testing.T) {
	server, _ := embeddingTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	})
	embedder := testOpenAIEmbedder(t, server.URL)

	_, err := embedder.fetch(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, caperr.IsCode(err, caperr.CodeNetRequestFailed))
}

func vectorNorm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
