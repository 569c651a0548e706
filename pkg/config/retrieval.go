package config

// RetrievalConfig controls the embedded vector store backing knowledge_query
// and rag operations.
type RetrievalConfig struct {
	// Enabled turns the retrieval backend on. When off, rag and
	// knowledge_query operations fail with RAG_STORE_UNAVAILABLE.
	Enabled bool `yaml:"enabled"`

	// Path is the persistence directory. Empty means in-memory only.
	Path string `yaml:"path"`

	// Collection is the default collection name.
	Collection string `yaml:"collection"`

	// TopK is the default number of results per query.
	TopK int `yaml:"top_k"`

	// MinSimilarity filters out weak matches. 0 keeps everything.
	MinSimilarity float32 `yaml:"min_similarity"`

	// EmbeddingProvider names the LLM provider whose embedding endpoint is
	// used. Empty selects the built-in local embedder.
	EmbeddingProvider string `yaml:"embedding_provider"`
}

// DefaultRetrievalConfig returns the built-in retrieval defaults.
func DefaultRetrievalConfig() *RetrievalConfig {
	return &RetrievalConfig{
		Enabled:    false,
		Path:       "",
		Collection: "caphub-knowledge",
		TopK:       5,
	}
}
