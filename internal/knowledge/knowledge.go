// Package knowledge retrieves ranked knowledge-base snippets for a user query
// and renders them into a prompt-ready context block.
//
// Every external call made here (collection resolution, embedding generation,
// vector query) degrades to a nil context instead of propagating an error:
// the reply pipeline treats nil as "proceed without knowledge", never as a
// failure to surface to the end user.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/Alexgub84/hands-and-fire-chat-be/internal/models"
)

// Default retrieval configuration.
const (
	// DefaultTopK is the number of nearest neighbors requested per query.
	DefaultTopK = 5
	// DefaultSimilarityThreshold is the minimum similarity for a snippet to
	// pass filtering.
	DefaultSimilarityThreshold = 0.7
	// DefaultCharBudget bounds the aggregate characters of included snippet text.
	DefaultCharBudget = 2000
	// MinSnippetChars is the floor on the per-document character budget so a
	// large K cannot shrink snippets into uselessness.
	MinSnippetChars = 200
)

// Embedder generates query embeddings. One vector per input text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// SearchResult is one ranked hit from the vector backend. Results arrive in
// ascending distance order (most similar first).
type SearchResult struct {
	Document string
	Metadata map[string]string
	Distance float64
}

// Searcher is the vector search backend collaborator.
type Searcher interface {
	// EnsureCollection resolves (creating if needed) the backing collection.
	// Must be idempotent; the retriever memoizes the first success.
	EnsureCollection(ctx context.Context) error

	// Query returns up to topK nearest neighbors for the embedding.
	Query(ctx context.Context, embedding []float32, topK int) ([]SearchResult, error)
}

// Config holds retrieval tuning parameters.
type Config struct {
	TopK                int
	SimilarityThreshold float64
	CharBudget          int
	IncludeScores       bool // render raw distance scores into the context block
}

// DefaultConfig returns the default retrieval configuration.
func DefaultConfig() Config {
	return Config{
		TopK:                DefaultTopK,
		SimilarityThreshold: DefaultSimilarityThreshold,
		CharBudget:          DefaultCharBudget,
	}
}

// Retriever builds knowledge contexts from a vector search backend.
type Retriever struct {
	embedder Embedder
	searcher Searcher
	cfg      Config

	mu              sync.Mutex
	collectionReady bool
}

// NewRetriever creates a Retriever. Both collaborators are required; the
// retriever never constructs its own backends.
func NewRetriever(embedder Embedder, searcher Searcher, cfg Config) *Retriever {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if cfg.CharBudget <= 0 {
		cfg.CharBudget = DefaultCharBudget
	}
	return &Retriever{embedder: embedder, searcher: searcher, cfg: cfg}
}

// BuildContext retrieves knowledge for the user message and returns a rendered
// context, or nil when no usable knowledge exists or any backend call fails.
func (r *Retriever) BuildContext(ctx context.Context, conversationID, userMessage string) *models.KnowledgeContext {
	if r.embedder == nil || r.searcher == nil {
		return nil
	}

	if err := r.ensureCollection(ctx); err != nil {
		slog.Warn("knowledge.Retriever: collection unavailable, proceeding without knowledge",
			"conversationID", conversationID, "error", err)
		return nil
	}

	vectors, err := r.embedder.Embed(ctx, []string{userMessage})
	if err != nil || len(vectors) == 0 || len(vectors[0]) == 0 {
		slog.Warn("knowledge.Retriever: query embedding failed, proceeding without knowledge",
			"conversationID", conversationID, "error", err)
		return nil
	}

	results, err := r.searcher.Query(ctx, vectors[0], r.cfg.TopK)
	if err != nil {
		slog.Warn("knowledge.Retriever: vector query failed, proceeding without knowledge",
			"conversationID", conversationID, "error", err)
		return nil
	}
	if len(results) == 0 {
		slog.Debug("knowledge.Retriever: no results for query", "conversationID", conversationID)
		return nil
	}

	snippets := make([]models.KnowledgeSnippet, 0, len(results))
	for _, res := range results {
		snippets = append(snippets, models.KnowledgeSnippet{
			Title:      metadataValue(res.Metadata, "title", "Untitled"),
			Source:     metadataValue(res.Metadata, "source", "unknown"),
			Similarity: 1 - res.Distance,
			Distance:   res.Distance,
			Content:    res.Document,
		})
	}

	filtered := make([]models.KnowledgeSnippet, 0, len(snippets))
	for _, sn := range snippets {
		if sn.Similarity >= r.cfg.SimilarityThreshold {
			filtered = append(filtered, sn)
		}
	}

	// Availability over precision: when the database returned something but
	// nothing cleared the threshold, fall back to the raw ranked results so
	// the assistant always has some grounding.
	if len(filtered) == 0 {
		slog.Warn("knowledge.Retriever: all results below similarity threshold, using raw top results",
			"conversationID", conversationID,
			"threshold", r.cfg.SimilarityThreshold,
			"results", len(snippets))
		filtered = snippets
	}

	perDoc := perDocumentBudget(r.cfg.CharBudget, r.cfg.TopK)
	for i := range filtered {
		filtered[i].Content = truncate(filtered[i].Content, perDoc)
	}

	kc := &models.KnowledgeContext{
		Snippets: filtered,
		Entries:  entries(filtered),
		Message:  RenderContextMessage(filtered, r.cfg.IncludeScores),
	}
	slog.Debug("knowledge.Retriever: built context",
		"conversationID", conversationID,
		"snippets", len(filtered),
		"topSimilarity", filtered[0].Similarity)
	return kc
}

// Tier returns a copy of the context reduced to its first n snippets, with the
// message re-rendered from the structured list. n <= 0 returns nil.
func (r *Retriever) Tier(kc *models.KnowledgeContext, n int) *models.KnowledgeContext {
	return TierContext(kc, n, r.cfg.IncludeScores)
}

// TierContext reduces a context to its first n snippets. The rendered message
// is rebuilt from the snippet list rather than sliced out of the previous
// rendering, so degradation never depends on parsing rendered text.
func TierContext(kc *models.KnowledgeContext, n int, includeScores bool) *models.KnowledgeContext {
	if kc == nil || n <= 0 {
		return nil
	}
	if n >= len(kc.Snippets) {
		return kc
	}
	subset := kc.Snippets[:n]
	return &models.KnowledgeContext{
		Snippets: subset,
		Entries:  entries(subset),
		Message:  RenderContextMessage(subset, includeScores),
	}
}

// RenderContextMessage renders snippets into a single system-role text block,
// one line per snippet tagged with title and source.
func RenderContextMessage(snippets []models.KnowledgeSnippet, includeScores bool) string {
	var sb strings.Builder
	sb.WriteString("Relevant knowledge base entries for this question:\n")
	for _, sn := range snippets {
		if includeScores {
			fmt.Fprintf(&sb, "- [%s | %s | distance %.3f] %s\n", sn.Title, sn.Source, sn.Distance, sn.Content)
		} else {
			fmt.Fprintf(&sb, "- [%s | %s] %s\n", sn.Title, sn.Source, sn.Content)
		}
	}
	sb.WriteString("Answer using these entries when they are relevant.")
	return sb.String()
}

// ensureCollection memoizes the first successful collection resolution.
func (r *Retriever) ensureCollection(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.collectionReady {
		return nil
	}
	if err := r.searcher.EnsureCollection(ctx); err != nil {
		return err
	}
	r.collectionReady = true
	return nil
}

func entries(snippets []models.KnowledgeSnippet) []models.KnowledgeEntry {
	out := make([]models.KnowledgeEntry, 0, len(snippets))
	for _, sn := range snippets {
		out = append(out, models.KnowledgeEntry{Title: sn.Title, Source: sn.Source})
	}
	return out
}

// perDocumentBudget divides the aggregate character budget across K documents,
// floored at MinSnippetChars.
func perDocumentBudget(total, topK int) int {
	per := total / topK
	if per < MinSnippetChars {
		per = MinSnippetChars
	}
	return per
}

// truncate bounds text to limit characters. It counts runes, not bytes, so
// multibyte scripts keep their full budget and no rune is ever split.
func truncate(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	return string([]rune(text)[:limit])
}

func metadataValue(md map[string]string, key, fallback string) string {
	if md != nil {
		if v, ok := md[key]; ok && v != "" {
			return v
		}
	}
	return fallback
}
