package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/config"
)

// Embedder turns text into a vector. The store calls it for every added
// document and every query.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// NewEmbedder selects the embedder named by cfg.EmbeddingProvider. An empty
// name selects the local hash embedder so the hub boots without credentials.
func NewEmbedder(cfg *config.RetrievalConfig, llmCfg *config.LLMConfig) (Embedder, error) {
	if cfg == nil || cfg.EmbeddingProvider == "" {
		return NewHashEmbedder(), nil
	}
	provider, err := llmCfg.Provider(cfg.EmbeddingProvider)
	if err != nil {
		return nil, caperr.Wrap(caperr.CodeRAGUnavailable, "resolve embedding provider", err).
			WithContext("provider", cfg.EmbeddingProvider)
	}
	if provider.Type != config.LLMProviderOpenAI {
		return nil, caperr.Newf(caperr.CodeRAGUnavailable,
			"retrieval: provider %q (%s) does not serve embeddings", cfg.EmbeddingProvider, provider.Type)
	}
	return newOpenAIEmbedder(provider)
}

const hashDimensions = 256

type hashEmbedder struct{}

// NewHashEmbedder returns a deterministic local embedder. Tokens are feature
// hashed into a fixed-size vector, so overlapping vocabulary scores high and
// disjoint vocabulary scores near zero. It is no substitute for a learned
// model but keeps retrieval usable offline.
func NewHashEmbedder() Embedder {
	return hashEmbedder{}
}

func (hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, hashDimensions)
	for _, token := range hashTokens(text) {
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[h.Sum32()%hashDimensions]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// A fixed unit vector keeps chromem from seeing zero vectors for
		// blank text.
		vec[0] = 1
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

func hashTokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Embeddings use a dedicated model regardless of the provider's chat model.
const openaiEmbeddingModel = "text-embedding-3-small"

const embedderCacheSize = 1024

type openaiEmbedder struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	cache      *lru.Cache[string, []float32]
}

func newOpenAIEmbedder(provider *config.LLMProviderConfig) (Embedder, error) {
	keyEnv := provider.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "OPENAI_API_KEY"
	}
	apiKey := os.Getenv(keyEnv)
	if apiKey == "" {
		return nil, caperr.New(caperr.CodeRAGUnavailable, "retrieval: embedding API key not set").
			WithContext("env", keyEnv)
	}
	baseURL := provider.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	cache, err := lru.New[string, []float32](embedderCacheSize)
	if err != nil {
		return nil, caperr.Wrap(caperr.CodeRAGUnavailable, "create embedding cache", err)
	}
	return &openaiEmbedder{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      openaiEmbeddingModel,
		cache:      cache,
	}, nil
}

func (e *openaiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := e.cache.Get(text); ok {
		return cached, nil
	}
	embedding, err := caperr.RetryValue(ctx, 3, func() ([]float32, error) {
		return e.fetch(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	e.cache.Add(text, embedding)
	return embedding, nil
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (e *openaiEmbedder) fetch(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: e.model, Input: text})
	if err != nil {
		return nil, caperr.Wrap(caperr.CodeNetRequestFailed, "encode embedding request", err).
			WithRetryable(false)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, caperr.Wrap(caperr.CodeNetRequestFailed, "build embedding request", err).
			WithRetryable(false)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, caperr.Wrap(caperr.CodeNetUnavailable, "call embedding endpoint", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		embErr := caperr.Newf(embeddingErrorCode(resp.StatusCode),
			"embedding endpoint returned %d", resp.StatusCode).
			WithContext("status", resp.StatusCode).
			WithContext("body", strings.TrimSpace(string(detail)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			embErr = embErr.WithRetryable(false)
		}
		return nil, embErr
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, caperr.Wrap(caperr.CodeNetRequestFailed, "decode embedding response", err).
			WithRetryable(false)
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, caperr.New(caperr.CodeNetRequestFailed, "embedding response carried no vector").
			WithRetryable(false)
	}
	return parsed.Data[0].Embedding, nil
}

func embeddingErrorCode(status int) caperr.Code {
	switch {
	case status == http.StatusTooManyRequests:
		return caperr.CodeNetRateLimited
	case status >= 500:
		return caperr.CodeNetUnavailable
	default:
		return caperr.CodeNetRequestFailed
	}
}
