package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/Alexgub84/hands-and-fire-chat-be/internal/history"
	"github.com/Alexgub84/hands-and-fire-chat-be/internal/models"
)

// wordCounter counts one token per whitespace-separated word, with no
// per-turn overhead, keeping budget arithmetic easy to follow in tests.
type wordCounter struct{}

func (wordCounter) CountText(text string) int { return len(strings.Fields(text)) }

func (c wordCounter) CountTurns(turns []models.ChatTurn) int {
	total := 0
	for _, turn := range turns {
		total += c.CountText(turn.Text())
	}
	return total
}

type mockSessions struct {
	expired     bool
	resets      int
	activities  int
	lastUpdated string
}

func (m *mockSessions) UpdateActivity(id string) { m.activities++; m.lastUpdated = id }
func (m *mockSessions) IsExpired(string) bool    { return m.expired }
func (m *mockSessions) Reset(string)             { m.resets++; m.expired = false }

type mockRetriever struct {
	kc    *models.KnowledgeContext
	calls int
}

func (m *mockRetriever) BuildContext(_ context.Context, _, _ string) *models.KnowledgeContext {
	m.calls++
	return m.kc
}

func (m *mockRetriever) Tier(kc *models.KnowledgeContext, n int) *models.KnowledgeContext {
	if kc == nil || n <= 0 {
		return nil
	}
	if n >= len(kc.Snippets) {
		return kc
	}
	return contextOf(kc.Snippets[:n])
}

type mockCompleter struct {
	reply   string
	err     error
	calls   int
	request []models.ChatTurn
}

func (m *mockCompleter) Complete(_ context.Context, turns []models.ChatTurn) (string, error) {
	m.calls++
	m.request = turns
	if m.err != nil {
		return "", m.err
	}
	return m.reply, nil
}

type mockNormalizer struct {
	entries []models.KnowledgeEntry
	calls   int
}

func (m *mockNormalizer) Normalize(reply string, entries []models.KnowledgeEntry) string {
	m.calls++
	m.entries = entries
	return reply + " [normalized]"
}

// contextOf builds a context whose rendered message is one word per snippet,
// so the message costs exactly len(snippets) tokens under wordCounter.
func contextOf(snippets []models.KnowledgeSnippet) *models.KnowledgeContext {
	contents := make([]string, len(snippets))
	entries := make([]models.KnowledgeEntry, len(snippets))
	for i, sn := range snippets {
		contents[i] = sn.Content
		entries[i] = models.KnowledgeEntry{Title: sn.Title, Source: sn.Source}
	}
	return &models.KnowledgeContext{
		Snippets: snippets,
		Entries:  entries,
		Message:  strings.Join(contents, " "),
	}
}

func snippetsOf(n int) []models.KnowledgeSnippet {
	out := make([]models.KnowledgeSnippet, n)
	for i := range out {
		out[i] = models.KnowledgeSnippet{
			Title:   fmt.Sprintf("doc-%d", i+1),
			Source:  fmt.Sprintf("src-%d", i+1),
			Content: fmt.Sprintf("w%d", i+1),
		}
	}
	return out
}

type pipelineFixture struct {
	pipeline  *ReplyPipeline
	histories *history.Store
	sessions  *mockSessions
	retriever *mockRetriever
	completer *mockCompleter
}

func newFixture(t *testing.T, tokenLimit int, retriever *mockRetriever, completer *mockCompleter, cfg Config) *pipelineFixture {
	t.Helper()
	store := history.NewStore("sys", wordCounter{}, tokenLimit)
	sessions := &mockSessions{}

	var kr KnowledgeRetriever
	if retriever != nil {
		kr = retriever
	}
	p, err := NewReplyPipeline(store, sessions, kr, completer, nil, cfg)
	if err != nil {
		t.Fatalf("NewReplyPipeline: %v", err)
	}
	return &pipelineFixture{pipeline: p, histories: store, sessions: sessions, retriever: retriever, completer: completer}
}

func TestGenerateReply_NoKnowledge(t *testing.T) {
	completer := &mockCompleter{reply: "hi there"}
	f := newFixture(t, 100, nil, completer, Config{})

	res, err := f.pipeline.GenerateReply(context.Background(), "c1", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Reply != "hi there" {
		t.Errorf("got reply %q", res.Reply)
	}
	if res.KnowledgeApplied || res.AppliedChunks != 0 || res.Degraded || res.UsedFallback {
		t.Errorf("unexpected knowledge flags: %+v", res)
	}
	if completer.calls != 1 {
		t.Errorf("expected 1 completion call, got %d", completer.calls)
	}
	if len(completer.request) != 2 {
		t.Fatalf("expected system+user request, got %d turns", len(completer.request))
	}

	msgs := f.histories.Messages("c1")
	if len(msgs) != 3 || msgs[2].Role != models.RoleAssistant || msgs[2].Content != "hi there" {
		t.Errorf("assistant turn not persisted: %+v", msgs)
	}
	if f.sessions.activities != 1 || f.sessions.lastUpdated != "c1" {
		t.Errorf("session activity not recorded: %+v", f.sessions)
	}
}

func TestGenerateReply_FullKnowledgeFits(t *testing.T) {
	retriever := &mockRetriever{kc: contextOf(snippetsOf(5))}
	completer := &mockCompleter{reply: "answer"}
	f := newFixture(t, 100, retriever, completer, Config{})

	res, err := f.pipeline.GenerateReply(context.Background(), "c1", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.KnowledgeApplied || res.AppliedChunks != 5 || res.Degraded {
		t.Errorf("expected all 5 chunks applied without degradation, got %+v", res)
	}

	// Knowledge turn sits immediately before the final user turn.
	req := completer.request
	if len(req) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(req))
	}
	if req[1].Role != models.RoleSystem || req[1].Content != "w1 w2 w3 w4 w5" {
		t.Errorf("knowledge turn misplaced: %+v", req[1])
	}
	if req[2].Role != models.RoleUser {
		t.Errorf("final turn must be the user turn, got %+v", req[2])
	}

	// The knowledge turn is request-scoped, never persisted.
	for _, msg := range f.histories.Messages("c1") {
		if strings.Contains(msg.Content, "w1 w2") {
			t.Errorf("knowledge turn leaked into stored history: %+v", msg)
		}
	}
}

func TestGenerateReply_DegradesToThreeChunks(t *testing.T) {
	// sys(1) + hello(1) = 2; full context adds 5 (fails at limit 6),
	// three chunks add 3 (fits: 2+3=5).
	retriever := &mockRetriever{kc: contextOf(snippetsOf(5))}
	completer := &mockCompleter{reply: "answer"}
	f := newFixture(t, 6, retriever, completer, Config{})

	res, err := f.pipeline.GenerateReply(context.Background(), "c1", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.AppliedChunks != 3 || !res.Degraded || !res.KnowledgeApplied {
		t.Errorf("expected degradation to 3 chunks, got %+v", res)
	}
	if completer.calls != 1 {
		t.Errorf("completion must still run after degradation, got %d calls", completer.calls)
	}
	if completer.request[1].Content != "w1 w2 w3" {
		t.Errorf("expected first 3 snippets by rank, got %q", completer.request[1].Content)
	}

	if res.Usage.RequestTokens != 5 || res.Usage.KnowledgeTokens != 3 ||
		res.Usage.UserTokens != 1 || res.Usage.ConversationTokens != 1 {
		t.Errorf("unexpected token breakdown: %+v", res.Usage)
	}
}

func TestGenerateReply_DegradesToSingleChunk(t *testing.T) {
	// 2 base tokens; 5 and 3 chunks overflow limit 3, one chunk fits (2+1=3).
	retriever := &mockRetriever{kc: contextOf(snippetsOf(5))}
	completer := &mockCompleter{reply: "answer"}
	f := newFixture(t, 3, retriever, completer, Config{})

	res, err := f.pipeline.GenerateReply(context.Background(), "c1", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.AppliedChunks != 1 || !res.Degraded {
		t.Errorf("expected degradation to 1 chunk, got %+v", res)
	}
	if completer.request[1].Content != "w1" {
		t.Errorf("expected top-ranked snippet, got %q", completer.request[1].Content)
	}
}

func TestGenerateReply_DropsAllKnowledge(t *testing.T) {
	retriever := &mockRetriever{kc: contextOf(snippetsOf(5))}
	completer := &mockCompleter{reply: "answer"}
	f := newFixture(t, 2, retriever, completer, Config{})

	res, err := f.pipeline.GenerateReply(context.Background(), "c1", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.KnowledgeApplied || res.AppliedChunks != 0 || !res.Degraded {
		t.Errorf("expected knowledge fully dropped, got %+v", res)
	}
	if res.Usage.KnowledgeTokens != 0 {
		t.Errorf("dropped knowledge must report zero tokens, got %d", res.Usage.KnowledgeTokens)
	}
	if completer.calls != 1 {
		t.Errorf("non-factual query proceeds without knowledge, got %d calls", completer.calls)
	}
}

func TestGenerateReply_FactualFallbackWithoutKnowledge(t *testing.T) {
	completer := &mockCompleter{reply: "should not run"}
	cfg := Config{FactualKeywords: []string{"price"}, FallbackReply: "Please contact us directly."}
	f := newFixture(t, 100, &mockRetriever{kc: nil}, completer, cfg)

	res, err := f.pipeline.GenerateReply(context.Background(), "c1", "what is the PRICE?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Reply != "Please contact us directly." || !res.UsedFallback {
		t.Errorf("expected fallback reply, got %+v", res)
	}
	if completer.calls != 0 {
		t.Errorf("completion must not be called on fallback, got %d calls", completer.calls)
	}
	if res.Usage.RequestTokens != 0 || res.Usage.KnowledgeTokens != 0 || res.Usage.ConversationTokens != 0 {
		t.Errorf("fallback usage must report user tokens only: %+v", res.Usage)
	}
	if res.Usage.UserTokens == 0 {
		t.Error("fallback usage must include user tokens")
	}
	if res.Usage.DurationMillis != 0 {
		t.Errorf("fallback duration must be zero, got %d", res.Usage.DurationMillis)
	}
}

func TestGenerateReply_FactualFallbackAfterDrop(t *testing.T) {
	// Knowledge retrieved but nothing fits the budget; the factual guard must
	// see the post-degradation state.
	retriever := &mockRetriever{kc: contextOf(snippetsOf(5))}
	completer := &mockCompleter{reply: "should not run"}
	cfg := Config{FactualKeywords: []string{"hello"}, FallbackReply: "fallback"}
	f := newFixture(t, 2, retriever, completer, cfg)

	res, err := f.pipeline.GenerateReply(context.Background(), "c1", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.UsedFallback || res.Reply != "fallback" {
		t.Errorf("expected fallback after knowledge drop, got %+v", res)
	}
	if completer.calls != 0 {
		t.Errorf("completion must not be called, got %d calls", completer.calls)
	}
}

func TestGenerateReply_NonFactualWithoutKnowledgeProceeds(t *testing.T) {
	completer := &mockCompleter{reply: "chatty answer"}
	cfg := Config{FactualKeywords: []string{"price"}, FallbackReply: "fallback"}
	f := newFixture(t, 100, &mockRetriever{kc: nil}, completer, cfg)

	res, err := f.pipeline.GenerateReply(context.Background(), "c1", "tell me a story")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.UsedFallback || res.Reply != "chatty answer" {
		t.Errorf("non-factual query must not fall back: %+v", res)
	}
	if completer.calls != 1 {
		t.Errorf("expected completion call, got %d", completer.calls)
	}
}

func TestGenerateReply_EmptyCompletionIsHardError(t *testing.T) {
	completer := &mockCompleter{reply: ""}
	f := newFixture(t, 100, nil, completer, Config{})

	_, err := f.pipeline.GenerateReply(context.Background(), "c1", "hello")
	if !errors.Is(err, models.ErrEmptyCompletion) {
		t.Errorf("expected ErrEmptyCompletion, got %v", err)
	}
}

func TestGenerateReply_CompletionErrorPropagates(t *testing.T) {
	boom := &models.UpstreamError{Class: models.UpstreamRateLimited, Op: "Complete", Message: "429"}
	completer := &mockCompleter{err: boom}
	f := newFixture(t, 100, nil, completer, Config{})

	_, err := f.pipeline.GenerateReply(context.Background(), "c1", "hello")
	var ue *models.UpstreamError
	if !errors.As(err, &ue) || ue.Class != models.UpstreamRateLimited {
		t.Errorf("expected classified upstream error, got %v", err)
	}

	// The failed reply must not be persisted.
	msgs := f.histories.Messages("c1")
	if msgs[len(msgs)-1].Role == models.RoleAssistant {
		t.Error("assistant turn persisted despite completion failure")
	}
}

func TestGenerateReply_ExpiredSessionResetsConversation(t *testing.T) {
	completer := &mockCompleter{reply: "fresh start"}
	f := newFixture(t, 100, nil, completer, Config{})

	f.histories.Append("c1", models.UserTurn("old question"))
	f.histories.Append("c1", models.AssistantTurn("old answer"))
	f.sessions.expired = true

	_, err := f.pipeline.GenerateReply(context.Background(), "c1", "hello again")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.sessions.resets != 1 {
		t.Errorf("expected session reset, got %d", f.sessions.resets)
	}

	msgs := f.histories.Messages("c1")
	if len(msgs) != 3 {
		t.Fatalf("expected sys+user+assistant after reset, got %d turns", len(msgs))
	}
	for _, msg := range msgs {
		if strings.Contains(msg.Content, "old") {
			t.Errorf("stale turn survived reset: %+v", msg)
		}
	}
}

func TestGenerateReply_NormalizerReceivesAppliedEntries(t *testing.T) {
	retriever := &mockRetriever{kc: contextOf(snippetsOf(5))}
	completer := &mockCompleter{reply: "raw answer"}
	norm := &mockNormalizer{}

	store := history.NewStore("sys", wordCounter{}, 6)
	p, err := NewReplyPipeline(store, &mockSessions{}, retriever, completer, norm, Config{})
	if err != nil {
		t.Fatalf("NewReplyPipeline: %v", err)
	}

	res, err := p.GenerateReply(context.Background(), "c1", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Reply != "raw answer [normalized]" {
		t.Errorf("normalizer not applied: %q", res.Reply)
	}
	if len(norm.entries) != 3 {
		t.Errorf("normalizer must see the applied tier's entries, got %d", len(norm.entries))
	}

	// The normalized text is what gets remembered.
	msgs := store.Messages("c1")
	if msgs[len(msgs)-1].Content != "raw answer [normalized]" {
		t.Errorf("persisted turn is not the normalized reply: %+v", msgs[len(msgs)-1])
	}
}

func TestGenerateReply_RequiredCollaborators(t *testing.T) {
	store := history.NewStore("sys", wordCounter{}, 10)
	if _, err := NewReplyPipeline(nil, &mockSessions{}, nil, &mockCompleter{}, nil, Config{}); err == nil {
		t.Error("expected error for nil history store")
	}
	if _, err := NewReplyPipeline(store, nil, nil, &mockCompleter{}, nil, Config{}); err == nil {
		t.Error("expected error for nil session tracker")
	}
	if _, err := NewReplyPipeline(store, &mockSessions{}, nil, nil, nil, Config{}); err == nil {
		t.Error("expected error for nil completer")
	}
}

func TestIsFactualQuery(t *testing.T) {
	p := &ReplyPipeline{factualKeywords: []string{"price", "מחיר"}}
	tests := []struct {
		message string
		want    bool
	}{
		{"What is the PRICE of a workshop?", true},
		{"מה המחיר של סדנה?", true},
		{"tell me about glassblowing", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := p.isFactualQuery(tt.message); got != tt.want {
			t.Errorf("isFactualQuery(%q) = %v, want %v", tt.message, got, tt.want)
		}
	}
}
