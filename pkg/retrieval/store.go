// Package retrieval is the knowledge backend for rag and knowledge_query
// operations. It wraps an embedded chromem-go vector database with a
// pluggable embedder so the hub runs with or without external embedding
// credentials.
package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"

	"github.com/caphub/caphub/pkg/caperr"
	"github.com/caphub/caphub/pkg/config"
)

// MetadataContextID is the document metadata key that scopes a document to a
// knowledge context. Search requests carrying context IDs only see documents
// whose metadata value matches.
const MetadataContextID = "context_id"

// Document is one retrievable knowledge entry.
type Document struct {
	// ID is unique within the collection. Empty IDs are assigned on Add.
	ID string

	// Content is the text that gets embedded and returned to handlers.
	Content string

	// Metadata holds filterable string attributes such as context_id.
	Metadata map[string]string
}

// Result is a document scored against a query.
type Result struct {
	Document   Document
	Similarity float32
}

// SearchOptions narrows a query beyond the configured defaults.
type SearchOptions struct {
	// TopK caps the number of results. Zero falls back to the configured
	// default.
	TopK int

	// MinSimilarity drops weaker matches. Zero falls back to the configured
	// default.
	MinSimilarity float32

	// ContextIDs restricts the search to documents tagged with any of the
	// given context IDs. Empty searches the whole collection.
	ContextIDs []string
}

// Store is the retrieval surface consumed by the rag handler and the
// knowledge_search tool.
type Store interface {
	// Add ingests documents. Documents without an ID get one assigned in
	// place.
	Add(ctx context.Context, docs []Document) error

	// Search returns the closest documents for the query, strongest first.
	Search(ctx context.Context, query string, opts SearchOptions) ([]Result, error)

	// Delete removes documents by ID. Unknown IDs are not an error.
	Delete(ctx context.Context, ids []string) error

	// Count returns the number of stored documents.
	Count() int

	Close() error
}

type chromemStore struct {
	collection *chromem.Collection
	cfg        *config.RetrievalConfig
}

// New opens the knowledge store described by cfg. With a persistence path the
// collection survives restarts; without one it lives in memory.
func New(cfg *config.RetrievalConfig, embedder Embedder) (Store, error) {
	if cfg == nil {
		cfg = config.DefaultRetrievalConfig()
	}
	name := cfg.Collection
	if name == "" {
		name = "caphub-knowledge"
	}

	var db *chromem.DB
	if cfg.Path != "" {
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, false)
		if err != nil {
			return nil, caperr.Wrap(caperr.CodeRAGUnavailable, "open knowledge store", err)
		}
	} else {
		db = chromem.NewDB()
	}

	embeddingFunc := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	}
	collection, err := db.GetOrCreateCollection(name, nil, embeddingFunc)
	if err != nil {
		return nil, caperr.Wrap(caperr.CodeRAGUnavailable, "create knowledge collection", err)
	}

	slog.Info("Knowledge store ready",
		"collection", name,
		"persisted", cfg.Path != "",
		"documents", collection.Count())

	return &chromemStore{collection: collection, cfg: cfg}, nil
}

func (s *chromemStore) Add(ctx context.Context, docs []Document) error {
	for i := range docs {
		if docs[i].ID == "" {
			docs[i].ID = uuid.NewString()
		}
		if strings.TrimSpace(docs[i].Content) == "" {
			return caperr.New(caperr.CodeValidField, "retrieval: document content is empty").
				WithContext("document_id", docs[i].ID)
		}
		err := s.collection.AddDocument(ctx, chromem.Document{
			ID:       docs[i].ID,
			Content:  docs[i].Content,
			Metadata: docs[i].Metadata,
		})
		if err != nil {
			return caperr.Wrap(caperr.CodeRAGIngestFailed, "add knowledge document", err).
				WithContext("document_id", docs[i].ID)
		}
	}
	return nil
}

func (s *chromemStore) Search(ctx context.Context, query string, opts SearchOptions) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, caperr.New(caperr.CodeValidInput, "retrieval: query is empty")
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = s.cfg.TopK
	}
	if topK <= 0 {
		topK = 5
	}
	minSim := opts.MinSimilarity
	if minSim == 0 {
		minSim = s.cfg.MinSimilarity
	}

	if len(opts.ContextIDs) == 0 {
		return s.query(ctx, query, topK, minSim, nil)
	}

	// chromem filters accept a single metadata value, so scoped searches run
	// once per context and merge.
	var merged []Result
	for _, id := range opts.ContextIDs {
		results, err := s.query(ctx, query, topK, minSim, map[string]string{MetadataContextID: id})
		if err != nil {
			return nil, err
		}
		merged = append(merged, results...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Similarity > merged[j].Similarity
	})
	if len(merged) > topK {
		merged = merged[:topK]
	}
	return merged, nil
}

func (s *chromemStore) query(ctx context.Context, query string, topK int, minSim float32, where map[string]string) ([]Result, error) {
	// chromem rejects nResults above the collection size.
	limit := topK
	if count := s.collection.Count(); limit > count {
		limit = count
	}
	if limit == 0 {
		return nil, nil
	}
	raw, err := s.collection.Query(ctx, query, limit, where, nil)
	if err != nil {
		return nil, caperr.Wrap(caperr.CodeRAGQueryFailed, "query knowledge store", err)
	}
	results := make([]Result, 0, len(raw))
	for _, r := range raw {
		if r.Similarity < minSim {
			continue
		}
		results = append(results, Result{
			Document: Document{
				ID:       r.ID,
				Content:  r.Content,
				Metadata: r.Metadata,
			},
			Similarity: r.Similarity,
		})
	}
	return results, nil
}

func (s *chromemStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.collection.Delete(ctx, nil, nil, ids...); err != nil {
		return caperr.Wrap(caperr.CodeRAGIngestFailed, "delete knowledge documents", err)
	}
	return nil
}

func (s *chromemStore) Count() int {
	return s.collection.Count()
}

// Close releases the store. chromem persists on every write, so there is
// nothing to flush.
func (s *chromemStore) Close() error {
	return nil
}
