package knowledge

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/Alexgub84/hands-and-fire-chat-be/internal/models"
)

type mockEmbedder struct {
	vectors [][]float32
	err     error
	calls   int
}

func (m *mockEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if m.vectors != nil {
		return m.vectors, nil
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

type mockSearcher struct {
	results    []SearchResult
	queryErr   error
	ensureErr  error
	ensureHits int
	queryHits  int
}

func (m *mockSearcher) EnsureCollection(_ context.Context) error {
	m.ensureHits++
	return m.ensureErr
}

func (m *mockSearcher) Query(_ context.Context, _ []float32, _ int) ([]SearchResult, error) {
	m.queryHits++
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	return m.results, nil
}

func result(doc, title, source string, distance float64) SearchResult {
	return SearchResult{
		Document: doc,
		Metadata: map[string]string{"title": title, "source": source},
		Distance: distance,
	}
}

func TestBuildContext_RanksAndRenders(t *testing.T) {
	searcher := &mockSearcher{results: []SearchResult{
		result("barley and hops", "Brewing basics", "https://example.org/brew", 0.1),
		result("fermentation takes weeks", "Fermentation", "https://example.org/ferment", 0.2),
	}}
	r := NewRetriever(&mockEmbedder{}, searcher, DefaultConfig())

	kc := r.BuildContext(context.Background(), "conv1", "how is beer made?")
	if kc == nil {
		t.Fatal("expected knowledge context, got nil")
	}
	if len(kc.Snippets) != 2 {
		t.Fatalf("expected 2 snippets, got %d", len(kc.Snippets))
	}
	if got := kc.Snippets[0].Similarity; got != 0.9 {
		t.Errorf("expected similarity 0.9 for distance 0.1, got %v", got)
	}
	if !strings.Contains(kc.Message, "Brewing basics") || !strings.Contains(kc.Message, "https://example.org/brew") {
		t.Errorf("rendered message missing title/source tags: %q", kc.Message)
	}
	if len(kc.Entries) != 2 || kc.Entries[0].Title != "Brewing basics" {
		t.Errorf("unexpected entries: %+v", kc.Entries)
	}
}

func TestBuildContext_FiltersBelowThreshold(t *testing.T) {
	searcher := &mockSearcher{results: []SearchResult{
		result("strong match", "A", "src-a", 0.1),
		result("weak match", "B", "src-b", 0.5),
	}}
	r := NewRetriever(&mockEmbedder{}, searcher, DefaultConfig())

	kc := r.BuildContext(context.Background(), "conv1", "q")
	if kc == nil {
		t.Fatal("expected context")
	}
	if len(kc.Snippets) != 1 || kc.Snippets[0].Title != "A" {
		t.Fatalf("expected only the strong match, got %+v", kc.Snippets)
	}
}

func TestBuildContext_FallsBackToRawResultsWhenAllBelowThreshold(t *testing.T) {
	searcher := &mockSearcher{results: []SearchResult{
		result("weak one", "A", "src-a", 0.6),
		result("weak two", "B", "src-b", 0.8),
	}}
	r := NewRetriever(&mockEmbedder{}, searcher, DefaultConfig())

	kc := r.BuildContext(context.Background(), "conv1", "q")
	if kc == nil {
		t.Fatal("expected fallback context, got nil")
	}
	if len(kc.Snippets) != 2 {
		t.Fatalf("expected raw top results retained, got %d snippets", len(kc.Snippets))
	}
}

func TestBuildContext_NilOnEmptyResults(t *testing.T) {
	r := NewRetriever(&mockEmbedder{}, &mockSearcher{}, DefaultConfig())
	if kc := r.BuildContext(context.Background(), "conv1", "q"); kc != nil {
		t.Errorf("expected nil context for empty results, got %+v", kc)
	}
}

func TestBuildContext_NilOnBackendFailures(t *testing.T) {
	boom := errors.New("backend down")

	r := NewRetriever(&mockEmbedder{err: boom}, &mockSearcher{}, DefaultConfig())
	if kc := r.BuildContext(context.Background(), "conv1", "q"); kc != nil {
		t.Error("expected nil context when embedding fails")
	}

	r = NewRetriever(&mockEmbedder{}, &mockSearcher{queryErr: boom}, DefaultConfig())
	if kc := r.BuildContext(context.Background(), "conv1", "q"); kc != nil {
		t.Error("expected nil context when query fails")
	}

	r = NewRetriever(&mockEmbedder{}, &mockSearcher{ensureErr: boom}, DefaultConfig())
	if kc := r.BuildContext(context.Background(), "conv1", "q"); kc != nil {
		t.Error("expected nil context when collection resolution fails")
	}
}

func TestBuildContext_MemoizesCollectionResolution(t *testing.T) {
	searcher := &mockSearcher{results: []SearchResult{result("doc", "A", "src", 0.1)}}
	r := NewRetriever(&mockEmbedder{}, searcher, DefaultConfig())

	for i := 0; i < 3; i++ {
		if kc := r.BuildContext(context.Background(), "conv1", "q"); kc == nil {
			t.Fatal("expected context")
		}
	}
	if searcher.ensureHits != 1 {
		t.Errorf("expected a single collection resolution, got %d", searcher.ensureHits)
	}
}

func TestBuildContext_TruncatesPerDocumentBudget(t *testing.T) {
	long := strings.Repeat("x", 1000)
	searcher := &mockSearcher{results: []SearchResult{result(long, "A", "src", 0.1)}}
	cfg := DefaultConfig()
	cfg.CharBudget = 2000
	cfg.TopK = 5
	r := NewRetriever(&mockEmbedder{}, searcher, cfg)

	kc := r.BuildContext(context.Background(), "conv1", "q")
	if kc == nil {
		t.Fatal("expected context")
	}
	if got := len(kc.Snippets[0].Content); got != 400 {
		t.Errorf("expected content truncated to 400 chars (2000/5), got %d", got)
	}
}

func TestBuildContext_TruncatesOnRuneBoundary(t *testing.T) {
	// Two-byte runes: a byte-indexed cut would split one in half.
	long := "a" + strings.Repeat("ש", 300)
	searcher := &mockSearcher{results: []SearchResult{result(long, "A", "src", 0.1)}}
	cfg := DefaultConfig()
	cfg.CharBudget = 500
	cfg.TopK = 5
	r := NewRetriever(&mockEmbedder{}, searcher, cfg)

	kc := r.BuildContext(context.Background(), "conv1", "מה המחיר?")
	if kc == nil {
		t.Fatal("expected context")
	}
	content := kc.Snippets[0].Content
	if !utf8.ValidString(content) {
		t.Fatalf("truncated content is not valid UTF-8: %q", content)
	}
	if got := utf8.RuneCountInString(content); got != MinSnippetChars {
		t.Errorf("expected %d characters, got %d", MinSnippetChars, got)
	}
	if !utf8.ValidString(kc.Message) {
		t.Error("rendered context message is not valid UTF-8")
	}
}

func TestPerDocumentBudget_Floor(t *testing.T) {
	if got := perDocumentBudget(500, 5); got != MinSnippetChars {
		t.Errorf("expected floor %d, got %d", MinSnippetChars, got)
	}
	if got := perDocumentBudget(2000, 5); got != 400 {
		t.Errorf("expected 400, got %d", got)
	}
}

func TestTierContext_ReRendersSubset(t *testing.T) {
	searcher := &mockSearcher{results: []SearchResult{
		result("one", "A", "src-a", 0.1),
		result("two", "B", "src-b", 0.15),
		result("three", "C", "src-c", 0.2),
	}}
	r := NewRetriever(&mockEmbedder{}, searcher, DefaultConfig())
	kc := r.BuildContext(context.Background(), "conv1", "q")

	tier := TierContext(kc, 1, false)
	if len(tier.Snippets) != 1 || len(tier.Entries) != 1 {
		t.Fatalf("expected 1 snippet and entry, got %d/%d", len(tier.Snippets), len(tier.Entries))
	}
	if strings.Contains(tier.Message, "src-b") {
		t.Errorf("excluded snippet leaked into rendered message: %q", tier.Message)
	}
	if !strings.Contains(tier.Message, "src-a") {
		t.Errorf("kept snippet missing from rendered message: %q", tier.Message)
	}

	if got := TierContext(kc, 0, false); got != nil {
		t.Error("expected nil for zero snippets")
	}
	if got := TierContext(kc, 10, false); got != kc {
		t.Error("expected same context when n exceeds snippet count")
	}
	if got := TierContext(nil, 3, false); got != nil {
		t.Error("expected nil for nil context")
	}
}

func TestRefNormalizer(t *testing.T) {
	entries := []models.KnowledgeEntry{
		{Title: "Brewing basics", Source: "https://example.org/brew"},
		{Title: "Fermentation", Source: "unknown"},
	}
	n := RefNormalizer{}

	got := n.Normalize("See [doc 1] and [source 2] for details.", entries)
	want := "See Brewing basics (https://example.org/brew) and Fermentation for details."
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	if got := n.Normalize("Out of range [doc 5].", entries); got != "Out of range [doc 5]." {
		t.Errorf("out-of-range reference should be untouched, got %q", got)
	}
	if got := n.Normalize("No refs here.", nil); got != "No refs here." {
		t.Errorf("reply without entries should pass through, got %q", got)
	}
}
